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
	"context"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/cor"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
)

// MetadataResolver looks up descriptive information about a remote video.
// It never fails; unknown fields stay empty.
type MetadataResolver interface {
	Resolve(ctx context.Context, url string) model.VideoMetadata
}

// ResolveMetadata attaches best-effort title, duration and thumbnail to the
// run. It only runs for remote sources whose request asked for metadata.
type ResolveMetadata struct {
	cor.BaseCommand
	resolver MetadataResolver
}

func NewResolveMetadata(name string, resolver MetadataResolver) *ResolveMetadata {
	return &ResolveMetadata{BaseCommand: *cor.NewBaseCommand(name).WithInput(ParamRequest).WithOutput(ParamMetadata), resolver: resolver}
}

func (c *ResolveMetadata) IsExecutable(context cor.Context) bool {
	if c.resolver == nil || !c.BaseCommand.IsExecutable(context) {
		return false
	}
	req := runRequest(context)
	return req.WithMetadata && req.Source.IsRemote()
}

func (c *ResolveMetadata) Execute(context cor.Context) {
	meta := c.resolver.Resolve(context.GetContext(), runRequest(context).Source.URL)
	context.Add(c.GetOutputParam(), &meta)
	c.Succeed(context)
}
