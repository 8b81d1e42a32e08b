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
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/videoid"
)

// IdentifyVideo resolves the run's video identifier. It runs as soon as the
// identifier can be known: before acquisition for local files and for URLs
// that carry an id, after acquisition otherwise. A chain holds two instances,
// one on each side of AcquireVideo.
type IdentifyVideo struct {
	cor.BaseCommand
}

func NewIdentifyVideo(name string) *IdentifyVideo {
	return &IdentifyVideo{BaseCommand: *cor.NewBaseCommand(name).WithInput(ParamRequest).WithOutput(ParamVideoID)}
}

func (c *IdentifyVideo) IsExecutable(context cor.Context) bool {
	if !c.BaseCommand.IsExecutable(context) {
		return false
	}
	if _, ok := videoID(context); ok {
		return false
	}
	req := runRequest(context)
	return req.Source.IsLocal() || videoid.InURL(req.Source) || stringParam(context, ParamVideoPath) != ""
}

func (c *IdentifyVideo) Execute(context cor.Context) {
	req := runRequest(context)
	id, err := videoid.Resolve(req.Source, stringParam(context, ParamVideoPath))
	if err != nil {
		c.Fail(context, err)
		return
	}
	context.Add(c.GetOutputParam(), id)
	slog.InfoContext(context.GetContext(), "video identified", "video_id", id, "source", req.Source.String())
	c.Succeed(context)
}
