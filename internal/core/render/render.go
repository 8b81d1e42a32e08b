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

// Package render assembles annotated frames into the output video.
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/codec"
)

var frameNumber = regexp.MustCompile(`^frame_(\d+)\.jpg$`)

// OrderFrames sorts names by the number in frame_NNNN.jpg. Names without
// that pattern follow, in lexicographic order.
func OrderFrames(names []string) []string {
	out := append([]string(nil), names...)
	num := func(name string) (int, bool) {
		m := frameNumber.FindStringSubmatch(name)
		if m == nil {
			return 0, false
		}
		n, err := strconv.Atoi(m[1])
		return n, err == nil
	}
	sort.SliceStable(out, func(i, j int) bool {
		ni, oki := num(out[i])
		nj, okj := num(out[j])
		switch {
		case oki && okj:
			if ni != nj {
				return ni < nj
			}
			return out[i] < out[j]
		case oki != okj:
			return oki
		default:
			return out[i] < out[j]
		}
	})
	return out
}

// Renderer writes frames through a Codec, falling back to a second profile
// when the first encoder cannot be opened.
type Renderer struct {
	codec    codec.Codec
	primary  codec.Profile
	fallback codec.Profile
}

func New(c codec.Codec, primary, fallback codec.Profile) *Renderer {
	return &Renderer{codec: c, primary: primary, fallback: fallback}
}

// Render encodes the .jpg images in imagesDir to outputPath at fps. It
// returns the path actually written, which carries the fallback extension
// when the fallback encoder was used, and whether a video was produced.
// Failures are logged, not returned; Encode reports them.
func (r *Renderer) Render(ctx context.Context, imagesDir, outputPath string, fps int) (string, bool) {
	path, err := r.Encode(ctx, imagesDir, outputPath, fps)
	if err != nil {
		slog.WarnContext(ctx, "video not rendered", "images", imagesDir, "error", err)
		return "", false
	}
	return path, true
}

// Encode is Render with the failure cause returned.
func (r *Renderer) Encode(ctx context.Context, imagesDir, outputPath string, fps int) (string, error) {
	entries, err := os.ReadDir(imagesDir)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".jpg") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no images in %s", imagesDir)
	}
	names = OrderFrames(names)

	first, err := codec.ReadImage(filepath.Join(imagesDir, names[0]))
	if err != nil {
		return "", fmt.Errorf("read first frame: %w", err)
	}
	size := first.Bounds().Size()

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", err
	}
	path, enc, err := r.open(ctx, outputPath, fps, size)
	if err != nil {
		return "", err
	}

	write := func(img image.Image) error {
		return enc.WriteFrame(codec.Resize(img, size))
	}
	if err := write(first); err != nil {
		_ = enc.Close()
		return "", err
	}
	for _, name := range names[1:] {
		if err := ctx.Err(); err != nil {
			_ = enc.Close()
			return "", err
		}
		img, err := codec.ReadImage(filepath.Join(imagesDir, name))
		if err != nil {
			slog.WarnContext(ctx, "skipping unreadable frame", "frame", name, "error", err)
			continue
		}
		if err := write(img); err != nil {
			_ = enc.Close()
			return "", err
		}
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	slog.InfoContext(ctx, "video rendered", "path", path, "frames", len(names), "fps", fps)
	return path, nil
}

func (r *Renderer) open(ctx context.Context, outputPath string, fps int, size image.Point) (string, codec.Encoder, error) {
	enc, perr := r.codec.OpenEncoder(ctx, outputPath, r.primary, fps, size)
	if perr == nil {
		return outputPath, enc, nil
	}
	slog.WarnContext(ctx, "primary encoder unavailable, trying fallback",
		"primary", r.primary.String(), "fallback", r.fallback.String(), "error", perr)

	alt := strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + r.fallback.Extension
	enc, ferr := r.codec.OpenEncoder(ctx, alt, r.fallback, fps, size)
	if ferr == nil {
		return alt, enc, nil
	}
	return "", nil, fmt.Errorf("no encoder available: %w", errors.Join(perr, ferr))
}
