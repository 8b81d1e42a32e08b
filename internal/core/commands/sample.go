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
	"path/filepath"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/cor"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/sampler"
)

// SampleFrames extracts roughly one frame per second of the acquired video
// into the run's scratch frames directory.
type SampleFrames struct {
	cor.BaseCommand
	sampler *sampler.Sampler
}

func NewSampleFrames(name string, s *sampler.Sampler) *SampleFrames {
	return &SampleFrames{BaseCommand: *cor.NewBaseCommand(name).WithInput(ParamVideoPath).WithOutput(ParamFramesDir), sampler: s}
}

func (c *SampleFrames) Execute(context cor.Context) {
	dir := filepath.Join(stringParam(context, ParamScratchDir), FramesDir)
	if _, err := c.sampler.Sample(context.GetContext(), stringParam(context, c.GetInputParam()), dir); err != nil {
		c.Fail(context, err)
		return
	}
	context.Add(c.GetOutputParam(), dir)
	c.Succeed(context)
}
