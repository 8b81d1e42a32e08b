// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package detect applies an object detector to sampled frames.
//
// Logic Flow:
//  1. Load the detector once. A detector that cannot be loaded fails the run.
//  2. Visit every .jpg, .jpeg and .png file in the frames directory in name
//     order.
//  3. Infer candidates, keep those with confidence >= threshold, annotate the
//     frame with the kept boxes and write it under the same name.
//  4. A frame whose read, inference, annotation or write fails is logged and
//     skipped. The number of skipped frames is reported back.
package detect

import (
	"context"
	"image"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
)

// Candidate is a raw detection before threshold filtering. Box is x1, y1,
// x2, y2 in pixels.
type Candidate struct {
	Box        [4]float64 `msgpack:"box"`
	ClassID    int        `msgpack:"class_id"`
	Label      string     `msgpack:"label"`
	Confidence float64    `msgpack:"conf"`
}

// Info describes the loaded model.
type Info struct {
	ModelName string
	Device    string
}

// Detector is the capability the pipeline needs from a model backend.
type Detector interface {
	// Load prepares the model. It is safe to call more than once.
	Load(ctx context.Context) (Info, error)
	Infer(ctx context.Context, img image.Image) ([]Candidate, error)
	Annotate(ctx context.Context, img image.Image, kept []Candidate) (image.Image, error)
	Close() error
}

// Filter keeps candidates with confidence >= threshold, in detector order.
func Filter(cands []Candidate, threshold float64) []Candidate {
	kept := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Confidence >= threshold {
			kept = append(kept, c)
		}
	}
	return kept
}

// ToDetections converts candidates to the persisted form.
func ToDetections(cands []Candidate) []model.Detection {
	out := make([]model.Detection, 0, len(cands))
	for _, c := range cands {
		out = append(out, model.Detection{BBox: c.Box, Class: c.Label, Conf: c.Confidence})
	}
	return out
}
