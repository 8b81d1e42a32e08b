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
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/cor"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/detect"
)

// DetectObjects runs the detector over the sampled frames and writes the
// annotated frames into the reserved bundle.
type DetectObjects struct {
	cor.BaseCommand
	adapter *detect.Adapter
}

func NewDetectObjects(name string, adapter *detect.Adapter) *DetectObjects {
	return &DetectObjects{BaseCommand: *cor.NewBaseCommand(name).WithInput(ParamFramesDir).WithOutput(ParamDetections), adapter: adapter}
}

func (c *DetectObjects) IsExecutable(context cor.Context) bool {
	return c.BaseCommand.IsExecutable(context) && reservation(context) != nil
}

func (c *DetectObjects) Execute(context cor.Context) {
	r := reservation(context)
	out, err := c.adapter.Detect(context.GetContext(), stringParam(context, c.GetInputParam()), r.Paths.ProcessedFrames, runRequest(context).ConfidenceThreshold)
	if err != nil {
		c.Fail(context, err)
		return
	}
	context.Add(c.GetOutputParam(), out)
	c.Succeed(context)
}
