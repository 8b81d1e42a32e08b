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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// GeminiDevice is reported as the device for hosted inference.
const GeminiDevice = "vertex-ai"

// DefaultGeminiPrompt asks for boxes in Gemini's native 0-1000 [ymin, xmin,
// ymax, xmax] form.
const DefaultGeminiPrompt = `Detect every distinct object in this image.
Return a JSON array. Each element must have:
  "box_2d": [ymin, xmin, ymax, xmax] normalized to 0-1000,
  "label": a short lowercase class name,
  "confidence": a number between 0 and 1.
Return [] when there are no objects.`

// ContentGenerator is the part of a generative model the detector needs.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, contents []*genai.Content) (*genai.GenerateContentResponse, error)
}

// GeminiDetector prompts a multimodal model for bounding boxes.
type GeminiDetector struct {
	model     ContentGenerator
	modelName string
	prompt    string

	mu      sync.Mutex
	classes map[string]int
}

func NewGeminiDetector(model ContentGenerator, modelName, prompt string) *GeminiDetector {
	if prompt == "" {
		prompt = DefaultGeminiPrompt
	}
	return &GeminiDetector{model: model, modelName: modelName, prompt: prompt, classes: map[string]int{}}
}

func (g *GeminiDetector) Load(context.Context) (Info, error) {
	if g.model == nil {
		return Info{}, errors.New("generative model is not configured")
	}
	return Info{ModelName: g.modelName, Device: GeminiDevice}, nil
}

type geminiBox struct {
	Box2D      []float64 `json:"box_2d"`
	Label      string    `json:"label"`
	Confidence *float64  `json:"confidence"`
}

func (g *GeminiDetector) Infer(ctx context.Context, img image.Image) ([]Candidate, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, err
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(buf.Bytes(), "image/jpeg"),
			genai.NewPartFromText(g.prompt),
		}, genai.RoleUser),
	}
	resp, err := g.model.GenerateContent(ctx, contents)
	if err != nil {
		return nil, err
	}
	return g.parse(resp.Text(), img.Bounds().Size())
}

// parse converts the model's JSON answer into pixel-space candidates.
func (g *GeminiDetector) parse(text string, size image.Point) ([]Candidate, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	var boxes []geminiBox
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &boxes); err != nil {
		return nil, fmt.Errorf("decode model answer: %w", err)
	}
	out := make([]Candidate, 0, len(boxes))
	for _, b := range boxes {
		if len(b.Box2D) != 4 || b.Label == "" {
			continue
		}
		conf := 1.0
		if b.Confidence != nil {
			conf = min(1, max(0, *b.Confidence))
		}
		w, h := float64(size.X), float64(size.Y)
		out = append(out, Candidate{
			Box: [4]float64{
				b.Box2D[1] * w / 1000,
				b.Box2D[0] * h / 1000,
				b.Box2D[3] * w / 1000,
				b.Box2D[2] * h / 1000,
			},
			ClassID:    g.classID(b.Label),
			Label:      b.Label,
			Confidence: conf,
		})
	}
	return out, nil
}

// classID numbers labels in the order they are first seen.
func (g *GeminiDetector) classID(label string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.classes[label]
	if !ok {
		id = len(g.classes)
		g.classes[label] = id
	}
	return id
}

func (g *GeminiDetector) Annotate(_ context.Context, img image.Image, kept []Candidate) (image.Image, error) {
	return Overlay(img, kept), nil
}

func (g *GeminiDetector) Close() error { return nil }
