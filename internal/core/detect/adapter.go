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

package detect

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/codec"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/cor"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const opDetect = "detect objects"

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// Output is what one detection pass produced.
type Output struct {
	Frames        model.FrameDetections
	SkippedFrames []string
	Info          Info
}

func (o *Output) Skipped() int { return len(o.SkippedFrames) }

// Adapter drives a Detector over a directory of frames.
type Adapter struct {
	detector Detector
	latency  metric.Float64Histogram
	skipped  metric.Int64Counter
}

func NewAdapter(d Detector) *Adapter {
	meter := otel.Meter(cor.MeterName)
	latency, _ := meter.Float64Histogram("detect.frame.latency",
		metric.WithUnit("ms"), metric.WithDescription("per-frame inference and annotation time"))
	skipped, _ := meter.Int64Counter("detect.frames.skipped")
	return &Adapter{detector: d, latency: latency, skipped: skipped}
}

// ListImages returns the image files in dir sorted by name. Extensions match
// case-insensitively.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Detect runs the detector over framesDir and writes annotated copies into
// outputDir. Only a detector that fails to load, an unreadable frames
// directory, or a pass where every frame failed is an error.
func (a *Adapter) Detect(ctx context.Context, framesDir, outputDir string, threshold float64) (*Output, error) {
	info, err := a.detector.Load(ctx)
	if err != nil {
		return nil, model.NewError(model.KindDetection, "load model", err)
	}
	names, err := ListImages(framesDir)
	if err != nil {
		return nil, model.NewError(model.KindDetection, opDetect, err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, model.NewError(model.KindInternal, opDetect, err)
	}

	out := &Output{Frames: make(model.FrameDetections, len(names)), SkippedFrames: []string{}, Info: info}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, model.NewError(model.KindInternal, opDetect, err)
		}
		start := time.Now()
		dets, err := a.frame(ctx, filepath.Join(framesDir, name), filepath.Join(outputDir, name), threshold)
		if err != nil {
			slog.WarnContext(ctx, "skipping frame", "frame", name, "error", err)
			a.skipped.Add(ctx, 1)
			out.SkippedFrames = append(out.SkippedFrames, name)
			continue
		}
		a.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000)
		out.Frames[name] = dets
	}

	if len(names) > 0 && len(out.Frames) == 0 {
		return nil, model.Errorf(model.KindDetection, opDetect, "all %d frames failed", len(names))
	}
	slog.InfoContext(ctx, "detection complete",
		"frames", len(out.Frames), "skipped", out.Skipped(), "model", info.ModelName, "device", info.Device)
	return out, nil
}

func (a *Adapter) frame(ctx context.Context, src, dst string, threshold float64) ([]model.Detection, error) {
	img, err := codec.ReadImage(src)
	if err != nil {
		return nil, err
	}
	cands, err := a.detector.Infer(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("infer: %w", err)
	}
	kept := Filter(cands, threshold)
	annotated, err := a.detector.Annotate(ctx, img, kept)
	if err != nil {
		return nil, fmt.Errorf("annotate: %w", err)
	}
	if err := writeImage(dst, annotated); err != nil {
		return nil, err
	}
	return ToDetections(kept), nil
}

func writeImage(path string, img image.Image) error {
	if strings.ToLower(filepath.Ext(path)) != ".png" {
		return codec.WriteJPEG(path, img)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
