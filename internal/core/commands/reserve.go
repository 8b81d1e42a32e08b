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
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/results"
)

// ReserveResults takes the exclusive reservation on the identifier's result
// bundle. It fails with a conflict when another run holds the bundle or
// artifacts already exist. Like IdentifyVideo it appears twice in a chain
// and runs once, as soon as an identifier is known.
type ReserveResults struct {
	cor.BaseCommand
	layout *results.Layout
}

func NewReserveResults(name string, layout *results.Layout) *ReserveResults {
	return &ReserveResults{BaseCommand: *cor.NewBaseCommand(name).WithInput(ParamVideoID).WithOutput(ParamReservation), layout: layout}
}

func (c *ReserveResults) IsExecutable(context cor.Context) bool {
	return c.BaseCommand.IsExecutable(context) && reservation(context) == nil
}

func (c *ReserveResults) Execute(context cor.Context) {
	id, _ := videoID(context)
	r, err := c.layout.Reserve(id, stringParam(context, ParamRunID))
	if err != nil {
		c.Fail(context, err)
		return
	}
	context.Add(c.GetOutputParam(), r)
	slog.InfoContext(context.GetContext(), "results reserved", "video_id", id, "dir", r.Paths.Base)
	c.Succeed(context)
}
