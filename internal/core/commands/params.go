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

// Package commands holds the stages of a detection run. Each stage is a
// cor.Command that reads what earlier stages left in the shared cor.Context
// and writes its own result under one of the keys below.
package commands

import (
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/cor"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/detect"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/results"
)

// Context keys shared by the run stages.
const (
	ParamRequest     = "__REQUEST__"      // *model.RunRequest
	ParamRunID       = "__RUN_ID__"       // string
	ParamScratchDir  = "__SCRATCH__"      // string, the per-run working directory
	ParamVideoID     = "__VIDEO_ID__"     // model.VideoIdentifier
	ParamReservation = "__RESERVATION__"  // *results.Reservation
	ParamMetadata    = "__METADATA__"     // *model.VideoMetadata
	ParamVideoPath   = "__VIDEO_PATH__"   // string, the acquired source video
	ParamFramesDir   = "__FRAMES_DIR__"   // string, directory of sampled frames
	ParamDetections  = "__DETECTIONS__"   // *detect.Output
	ParamSummary     = "__SUMMARY__"      // *model.Summary
	ParamOutputVideo = "__OUTPUT_VIDEO__" // string, the rendered video
	ParamRenderErr   = "__RENDER_ERR__"   // error, set when rendering failed
	ParamResult      = "__RESULT__"       // *model.RunResult
)

// Scratch subdirectories.
const (
	DownloadDir = "download"
	FramesDir   = "frames"
)

func runRequest(c cor.Context) *model.RunRequest {
	r, _ := c.Get(ParamRequest).(*model.RunRequest)
	return r
}

func videoID(c cor.Context) (model.VideoIdentifier, bool) {
	id, ok := c.Get(ParamVideoID).(model.VideoIdentifier)
	return id, ok && id != ""
}

func reservation(c cor.Context) *results.Reservation {
	r, _ := c.Get(ParamReservation).(*results.Reservation)
	return r
}

func detections(c cor.Context) *detect.Output {
	o, _ := c.Get(ParamDetections).(*detect.Output)
	return o
}

func stringParam(c cor.Context, key string) string {
	s, _ := c.Get(key).(string)
	return s
}
