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

package commands

import (
	"log/slog"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/cor"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/render"
)

// RenderVideo assembles the annotated frames into the output video. It is
// the last stage and its failure does not fail the run: the error is stored
// under ParamRenderErr and the chain carries on.
type RenderVideo struct {
	cor.BaseCommand
	renderer *render.Renderer
}

func NewRenderVideo(name string, renderer *render.Renderer) *RenderVideo {
	return &RenderVideo{BaseCommand: *cor.NewBaseCommand(name).WithInput(ParamSummary).WithOutput(ParamOutputVideo), renderer: renderer}
}

func (c *RenderVideo) IsExecutable(context cor.Context) bool {
	return c.BaseCommand.IsExecutable(context) && reservation(context) != nil
}

func (c *RenderVideo) Execute(context cor.Context) {
	req := runRequest(context)
	r := reservation(context)
	target := req.OutputVideo
	if target == "" {
		target = r.Paths.Video
	}

	path, err := c.renderer.Encode(context.GetContext(), r.Paths.ProcessedFrames, target, req.PlaybackFPS)
	if err != nil {
		if c.GetErrorCounter() != nil {
			c.GetErrorCounter().Add(context.GetContext(), 1)
		}
		if !model.IsKind(err, model.KindRender) {
			err = model.NewError(model.KindRender, "render video", err)
		}
		slog.WarnContext(context.GetContext(), "video not rendered", "video_id", r.ID, "error", err)
		context.Add(ParamRenderErr, err)
		return
	}
	context.Add(c.GetOutputParam(), path)
	c.Succeed(context)
}
