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

package test

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/codec"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/detect"
)

// SolidFrame returns a w x h image filled with c.
func SolidFrame(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	r, g, b, a := c.RGBA()
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = uint8(r>>8), uint8(g>>8), uint8(b>>8), uint8(a>>8)
	}
	return img
}

// Frames returns n distinct solid frames of the given size.
func Frames(n, w, h int) []image.Image {
	out := make([]image.Image, n)
	for i := range out {
		out[i] = SolidFrame(w, h, color.RGBA{R: uint8(i * 7), G: uint8(255 - i), B: 0x40, A: 0xff})
	}
	return out
}

// WriteFrames writes a JPEG of size w x h under dir for each name.
func WriteFrames(t *testing.T, dir string, w, h int, names ...string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i, name := range names {
		img := SolidFrame(w, h, color.RGBA{R: uint8(i), G: 0x80, B: 0x80, A: 0xff})
		if err := codec.WriteJPEG(filepath.Join(dir, name), img); err != nil {
			t.Fatal(err)
		}
	}
}

// FakeCodec decodes every path to Source and records encoded frames per
// output path. Encoders listed in Unavailable cannot be opened.
type FakeCodec struct {
	Source      []image.Image
	SourceFPS   float64
	DecodeErr   error
	Unavailable map[string]bool

	mu      sync.Mutex
	Encoded map[string][]image.Image
	Opened  []codec.Profile
}

func NewFakeCodec(fps float64, frames []image.Image) *FakeCodec {
	return &FakeCodec{Source: frames, SourceFPS: fps, Unavailable: map[string]bool{}, Encoded: map[string][]image.Image{}}
}

func (c *FakeCodec) Decode(_ context.Context, path string) (codec.FrameStream, error) {
	if c.DecodeErr != nil {
		return nil, c.DecodeErr
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	size := image.Point{}
	if len(c.Source) > 0 {
		size = c.Source[0].Bounds().Size()
	}
	return &fakeStream{frames: c.Source, fps: c.SourceFPS, size: size}, nil
}

func (c *FakeCodec) OpenEncoder(_ context.Context, path string, p codec.Profile, _ int, size image.Point) (codec.Encoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Opened = append(c.Opened, p)
	if c.Unavailable[p.Encoder] {
		return nil, fmt.Errorf("%w: %s", codec.ErrEncoderUnavailable, p.Encoder)
	}
	return &fakeEncoder{codec: c, path: path, size: size}, nil
}

// FramesAt returns the frames encoded to path.
func (c *FakeCodec) FramesAt(path string) []image.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Encoded[path]
}

type fakeStream struct {
	frames []image.Image
	fps    float64
	size   image.Point
	pos    int
}

func (s *fakeStream) FPS() float64      { return s.fps }
func (s *fakeStream) Size() image.Point { return s.size }
func (s *fakeStream) Close() error      { return nil }

func (s *fakeStream) Next() (image.Image, error) {
	if s.pos >= len(s.frames) {
		return nil, io.EOF
	}
	s.pos++
	return s.frames[s.pos-1], nil
}

type fakeEncoder struct {
	codec  *FakeCodec
	path   string
	size   image.Point
	frames []image.Image
}

func (e *fakeEncoder) WriteFrame(img image.Image) error {
	if img.Bounds().Size() != e.size {
		return fmt.Errorf("frame size %v, encoder size %v", img.Bounds().Size(), e.size)
	}
	e.frames = append(e.frames, img)
	return nil
}

// Close records the frames and writes a placeholder file at the output path.
func (e *fakeEncoder) Close() error {
	e.codec.mu.Lock()
	e.codec.Encoded[e.path] = e.frames
	e.codec.mu.Unlock()
	return os.WriteFile(e.path, []byte(fmt.Sprintf("fake video: %d frames", len(e.frames))), 0o644)
}

// FakeDetector returns Candidates for every frame. Calls listed in FailCalls
// (1-indexed) fail inference.
type FakeDetector struct {
	Candidates []detect.Candidate
	FailCalls  map[int]bool
	LoadErr    error
	Model      string
	Device     string

	mu     sync.Mutex
	calls  int
	Closed bool
}

func (d *FakeDetector) Load(context.Context) (detect.Info, error) {
	if d.LoadErr != nil {
		return detect.Info{}, d.LoadErr
	}
	return detect.Info{ModelName: d.Model, Device: d.Device}, nil
}

func (d *FakeDetector) Infer(context.Context, image.Image) ([]detect.Candidate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.FailCalls[d.calls] {
		return nil, errors.New("inference failed")
	}
	return append([]detect.Candidate(nil), d.Candidates...), nil
}

func (d *FakeDetector) Annotate(_ context.Context, img image.Image, kept []detect.Candidate) (image.Image, error) {
	return detect.Overlay(img, kept), nil
}

func (d *FakeDetector) Close() error {
	d.Closed = true
	return nil
}

// Calls returns how many times Infer ran.
func (d *FakeDetector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// FakeDownloader writes Content to FileName in the destination directory,
// or fails with Err.
type FakeDownloader struct {
	Label    string
	FileName string
	Content  []byte
	Err      error

	mu   sync.Mutex
	URLs []string
}

func (d *FakeDownloader) Name() string { return d.Label }

func (d *FakeDownloader) Fetch(_ context.Context, url, dir string) (string, error) {
	d.mu.Lock()
	d.URLs = append(d.URLs, url)
	d.mu.Unlock()
	if d.Err != nil {
		return "", d.Err
	}
	path := filepath.Join(dir, d.FileName)
	if err := os.WriteFile(path, d.Content, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
