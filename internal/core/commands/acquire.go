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

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/acquire"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/cor"
)

// AcquireVideo turns the request's source into a local file. Remote videos
// are downloaded into the run's scratch directory.
type AcquireVideo struct {
	cor.BaseCommand
	acquirer *acquire.Acquirer
}

func NewAcquireVideo(name string, acquirer *acquire.Acquirer) *AcquireVideo {
	return &AcquireVideo{BaseCommand: *cor.NewBaseCommand(name).WithInput(ParamRequest).WithOutput(ParamVideoPath), acquirer: acquirer}
}

func (c *AcquireVideo) Execute(context cor.Context) {
	req := runRequest(context)
	dir := filepath.Join(stringParam(context, ParamScratchDir), DownloadDir)
	path, err := c.acquirer.Acquire(context.GetContext(), req.Source, dir)
	if err != nil {
		c.Fail(context, err)
		return
	}
	context.Add(c.GetOutputParam(), path)
	c.Succeed(context)
}
