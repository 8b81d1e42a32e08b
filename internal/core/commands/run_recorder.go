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
	"log/slog"

	"cloud.google.com/go/bigquery"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/cor"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/results"
)

// Inserter writes rows to a table; *bigquery.Inserter satisfies it.
type Inserter interface {
	Put(ctx context.Context, src interface{}) error
}

// RunRecorder appends one row per completed run to the BigQuery run ledger.
// Like BundleMirror, a failed insert is logged and counted only.
type RunRecorder struct {
	cor.BaseCommand
	inserter Inserter
}

// NewRunRecorder records into dataset.table. A nil client yields a command
// that never executes.
func NewRunRecorder(name string, client *bigquery.Client, dataset, table string) *RunRecorder {
	var inserter Inserter
	if client != nil && dataset != "" {
		inserter = client.Dataset(dataset).Table(table).Inserter()
	}
	return NewRunRecorderWith(name, inserter)
}

// NewRunRecorderWith records through inserter.
func NewRunRecorderWith(name string, inserter Inserter) *RunRecorder {
	return &RunRecorder{BaseCommand: *cor.NewBaseCommand(name).WithInput(ParamResult), inserter: inserter}
}

func (s *RunRecorder) IsExecutable(context cor.Context) bool {
	return s.inserter != nil && s.BaseCommand.IsExecutable(context)
}

func (s *RunRecorder) Execute(context cor.Context) {
	result, _ := context.Get(s.GetInputParam()).(*model.RunResult)
	if result == nil {
		return
	}
	record := model.NewRunRecord(result, results.SortedClasses(result.Summary.ByClass))
	if err := s.inserter.Put(context.GetContext(), record); err != nil {
		if s.GetErrorCounter() != nil {
			s.GetErrorCounter().Add(context.GetContext(), 1)
		}
		slog.WarnContext(context.GetContext(), "failed to record run", "run_id", result.RunID, "video_id", result.VideoID, "error", err)
		return
	}
	slog.InfoContext(context.GetContext(), "run recorded", "run_id", result.RunID, "video_id", result.VideoID)
	s.Succeed(context)
}
