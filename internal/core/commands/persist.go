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
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/results"
)

// PersistResults aggregates the detections and writes detection_results.json
// and metadata.txt into the reserved bundle.
type PersistResults struct {
	cor.BaseCommand
}

func NewPersistResults(name string) *PersistResults {
	return &PersistResults{BaseCommand: *cor.NewBaseCommand(name).WithInput(ParamDetections).WithOutput(ParamSummary)}
}

func (c *PersistResults) IsExecutable(context cor.Context) bool {
	return c.BaseCommand.IsExecutable(context) && reservation(context) != nil
}

func (c *PersistResults) Execute(context cor.Context) {
	req := runRequest(context)
	r := reservation(context)
	out := detections(context)

	total, byClass := results.Summarize(out.Frames)
	summary := &model.Summary{
		TotalFrames:         len(out.Frames),
		TotalDetections:     total,
		ByClass:             byClass,
		ConfidenceThreshold: req.ConfidenceThreshold,
		SkippedFrames:       out.Skipped(),
	}

	report := model.NewDetectionReport(r.ID, req.ConfidenceThreshold, out.Frames)
	if err := results.PersistReport(r.Paths.ReportJSON, report); err != nil {
		c.Fail(context, err)
		return
	}
	record := &results.MetadataRecord{
		VideoID:             r.ID,
		Source:              req.Source,
		ConfidenceThreshold: req.ConfidenceThreshold,
		TotalFrames:         summary.TotalFrames,
		TotalDetections:     summary.TotalDetections,
		SkippedFrames:       summary.SkippedFrames,
		ModelName:           out.Info.ModelName,
		Device:              out.Info.Device,
		ClassCounts:         byClass,
	}
	if err := results.PersistMetadata(r.Paths.MetadataTXT, record); err != nil {
		c.Fail(context, err)
		return
	}

	context.Add(c.GetOutputParam(), summary)
	slog.InfoContext(context.GetContext(), "results persisted",
		"video_id", r.ID, "frames", summary.TotalFrames, "detections", summary.TotalDetections, "skipped", summary.SkippedFrames)
	c.Succeed(context)
}
