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
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var palette = []color.RGBA{
	{R: 0xff, G: 0x38, B: 0x38, A: 0xff},
	{R: 0xff, G: 0x9d, B: 0x97, A: 0xff},
	{R: 0xff, G: 0x70, B: 0x1f, A: 0xff},
	{R: 0xff, G: 0xb2, B: 0x1d, A: 0xff},
	{R: 0xcf, G: 0xd2, B: 0x31, A: 0xff},
	{R: 0x48, G: 0xf9, B: 0x0a, A: 0xff},
	{R: 0x92, G: 0xcc, B: 0x17, A: 0xff},
	{R: 0x3d, G: 0xdb, B: 0x86, A: 0xff},
	{R: 0x1a, G: 0x93, B: 0x34, A: 0xff},
	{R: 0x00, G: 0xd4, B: 0xbb, A: 0xff},
	{R: 0x2c, G: 0x99, B: 0xa8, A: 0xff},
	{R: 0x00, G: 0xc2, B: 0xff, A: 0xff},
	{R: 0x34, G: 0x45, B: 0x93, A: 0xff},
	{R: 0x64, G: 0x73, B: 0xff, A: 0xff},
	{R: 0x00, G: 0x18, B: 0xec, A: 0xff},
	{R: 0x84, G: 0x38, B: 0xff, A: 0xff},
}

// ClassColor returns the box color for a class id.
func ClassColor(classID int) color.RGBA {
	if classID < 0 {
		classID = -classID
	}
	return palette[classID%len(palette)]
}

// Overlay draws each candidate's box and a "label conf" caption onto a copy
// of img. Boxes are clamped to the image.
func Overlay(img image.Image, cands []Candidate) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rectangle{Max: b.Size()})
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	thickness := max(1, int(math.Round(float64(min(dst.Rect.Dx(), dst.Rect.Dy()))/300)))
	for _, c := range cands {
		r := clampBox(c.Box, dst.Rect)
		if r.Empty() {
			continue
		}
		col := ClassColor(c.ClassID)
		strokeRect(dst, r, thickness, col)
		caption(dst, r, fmt.Sprintf("%s %.2f", c.Label, c.Confidence), col)
	}
	return dst
}

func clampBox(box [4]float64, bounds image.Rectangle) image.Rectangle {
	r := image.Rect(
		int(math.Floor(box[0])), int(math.Floor(box[1])),
		int(math.Ceil(box[2])), int(math.Ceil(box[3])),
	)
	return r.Intersect(bounds)
}

func strokeRect(dst *image.RGBA, r image.Rectangle, t int, col color.RGBA) {
	u := image.NewUniform(col)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), u, image.Point{}, draw.Src)
	}
}

func caption(dst *image.RGBA, r image.Rectangle, text string, bg color.RGBA) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil() + 4
	height := face.Metrics().Height.Ceil() + 2

	top := r.Min.Y - height
	if top < dst.Rect.Min.Y {
		top = r.Min.Y
	}
	box := image.Rect(r.Min.X, top, r.Min.X+width, top+height).Intersect(dst.Rect)
	draw.Draw(dst, box, image.NewUniform(bg), image.Point{}, draw.Src)

	d := font.Drawer{
		Dst:  dst,
		Src:  image.White,
		Face: face,
		Dot:  fixed.P(box.Min.X+2, box.Min.Y+face.Metrics().Ascent.Ceil()+1),
	}
	d.DrawString(text)
}
