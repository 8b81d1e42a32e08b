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

// Package sampler turns a video into about one still image per second of
// source time.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/codec"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
)

const opSample = "sample frames"

// FrameName returns the file name of the n-th kept frame, 1-indexed.
func FrameName(n int) string {
	return fmt.Sprintf("frame_%04d.jpg", n)
}

// Stride is the decoded-frame step between kept frames for a source at fps.
// Rates that are not positive count as 1. Halves round to even.
func Stride(fps float64) int {
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return 1
	}
	return max(1, int(math.RoundToEven(fps)))
}

type Sampler struct {
	codec codec.Codec
}

func New(c codec.Codec) *Sampler {
	return &Sampler{codec: c}
}

// Sample clears framesDir, decodes videoPath and keeps decoded frame 0 and
// every stride-th frame after it, writing them as frame_0001.jpg,
// frame_0002.jpg and so on. It returns the written names in order. A source
// that cannot be opened, or that yields no frames, is a decode error.
func (s *Sampler) Sample(ctx context.Context, videoPath, framesDir string) ([]string, error) {
	names := []string{}
	if err := resetDir(framesDir); err != nil {
		return names, model.NewError(model.KindInternal, opSample, err)
	}

	stream, err := s.codec.Decode(ctx, videoPath)
	if err != nil {
		return names, model.NewError(model.KindDecode, opSample, fmt.Errorf("open %s: %w", videoPath, err))
	}
	defer stream.Close()

	stride := Stride(stream.FPS())
	slog.DebugContext(ctx, "sampling video", "path", videoPath, "fps", stream.FPS(), "stride", stride)

	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return names, model.NewError(model.KindInternal, opSample, err)
		}
		img, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return names, model.NewError(model.KindDecode, opSample, fmt.Errorf("frame %d of %s: %w", i, videoPath, err))
		}
		if i%stride != 0 {
			continue
		}
		name := FrameName(len(names) + 1)
		if err := codec.WriteJPEG(filepath.Join(framesDir, name), img); err != nil {
			return names, model.NewError(model.KindInternal, opSample, err)
		}
		names = append(names, name)
	}

	if len(names) == 0 {
		return names, model.Errorf(model.KindDecode, opSample, "no frames decoded from %s", videoPath)
	}
	return names, nil
}

func resetDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return os.MkdirAll(dir, 0o755)
}
