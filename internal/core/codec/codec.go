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
// Package codec is the boundary between the pipeline and video/image
// encodings. Decoding a video yields a FrameStream; encoding consumes frames
// through an Encoder. Still images are read and written with the helpers in
// this file.
package codec

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
)

// JPEGQuality is used for every still image the pipeline writes.
const JPEGQuality = 95

// ErrEncoderUnavailable is returned by OpenEncoder when the requested
// encoder is not present in the backend.
var ErrEncoderUnavailable = errors.New("encoder unavailable")

// FrameStream yields decoded frames in temporal order. Next returns io.EOF
// after the last frame.
type FrameStream interface {
	FPS() float64
	Size() image.Point
	Next() (image.Image, error)
	Close() error
}

// Encoder appends frames to an output video. Close flushes the container.
type Encoder interface {
	WriteFrame(img image.Image) error
	Close() error
}

// Profile pairs an encoder with its container.
type Profile struct {
	Encoder   string `toml:"encoder"`
	Tag       string `toml:"tag"`
	Extension string `toml:"extension"`
}

func (p Profile) String() string {
	return fmt.Sprintf("%s/%s%s", p.Encoder, p.Tag, p.Extension)
}

// Default profiles: MPEG-4 Part 2 in MP4, then Xvid in AVI.
var (
	PrimaryProfile  = Profile{Encoder: "mpeg4", Tag: "mp4v", Extension: ".mp4"}
	FallbackProfile = Profile{Encoder: "libxvid", Tag: "XVID", Extension: ".avi"}
)

// Codec decodes videos and opens encoders.
type Codec interface {
	Decode(ctx context.Context, path string) (FrameStream, error)
	OpenEncoder(ctx context.Context, path string, profile Profile, fps int, size image.Point) (Encoder, error)
}

// ReadImage decodes a JPEG or PNG file.
func ReadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// WriteJPEG encodes img to path, replacing any existing file.
func WriteJPEG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// Resize scales img to size. Images that already match are returned as is.
func Resize(img image.Image, size image.Point) image.Image {
	if img.Bounds().Size() == size {
		return img
	}
	dst := image.NewRGBA(image.Rectangle{Max: size})
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ToRGBA returns img as an *image.RGBA anchored at the origin.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rectangle{Max: b.Size()})
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
