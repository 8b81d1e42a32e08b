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

// Package workflow assembles the detection run from the stage commands and
// exposes it as the single orchestration entry point shared by the CLI, the
// HTTP API and the Pub/Sub listener.
//
// Logic Flow:
//  1. Validate the request and create the run's scratch directory
//     <work_dir>/run-<uuid>/{download,frames}.
//  2. Run the detection chain: identify, reserve, resolve metadata, acquire,
//     identify and reserve again (for URLs without an id), sample, detect,
//     persist, render.
//  3. On failure, roll back what the run wrote into the bundle while the
//     reservation is still held.
//  4. On success, run the publish chain (GCS mirror, BigQuery ledger).
//  5. Release the reservation and remove the scratch directory.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/commands"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/cor"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/detect"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/results"
)

// DetectionWorkflow runs one video through the pipeline. It is safe for
// concurrent use; runs for the same identifier exclude each other through
// the bundle reservation.
type DetectionWorkflow struct {
	cor.BaseCommand
	stages   *Stages
	layout   *results.Layout
	workDir  string
	defaults model.RunRequest
	chain    cor.Chain // Detection stages.
	publish  cor.Chain // Post-run sinks; failures there never fail a run.
}

// NewDetectionWorkflow builds the workflow over stages.
func NewDetectionWorkflow(stages *Stages) *DetectionWorkflow {
	w := &DetectionWorkflow{
		BaseCommand: *cor.NewBaseCommand("detection-workflow"),
		stages:      stages,
		layout:      results.NewLayout(stages.ResultsDir),
		workDir:     stages.WorkDir,
		defaults: model.RunRequest{
			ConfidenceThreshold: stages.DefaultThreshold,
			PlaybackFPS:         stages.DefaultFPS,
		},
	}
	if w.workDir == "" {
		w.workDir = os.TempDir()
	}
	if stages.LockTTL > 0 {
		w.layout.LockTTL = stages.LockTTL
	}
	w.initializeChains()
	return w
}

func (w *DetectionWorkflow) initializeChains() {
	s := w.stages
	out := cor.NewBaseChain(w.GetName())
	out.AddCommand(commands.NewIdentifyVideo("identify-video"))
	out.AddCommand(commands.NewReserveResults("reserve-results", w.layout))
	out.AddCommand(commands.NewResolveMetadata("resolve-metadata", s.Metadata))
	out.AddCommand(commands.NewAcquireVideo("acquire-video", s.Acquirer))
	out.AddCommand(commands.NewIdentifyVideo("identify-downloaded-video"))
	out.AddCommand(commands.NewReserveResults("reserve-results-after-download", w.layout))
	out.AddCommand(commands.NewSampleFrames("sample-frames", s.Sampler))
	out.AddCommand(commands.NewDetectObjects("detect-objects", s.Adapter))
	out.AddCommand(commands.NewPersistResults("persist-results"))
	out.AddCommand(commands.NewRenderVideo("render-video", s.Renderer))
	w.chain = out

	pub := cor.NewBaseChain(w.GetName() + "-publish").ContinueOnFailure(true)
	if s.Mirror != nil {
		pub.AddCommand(s.Mirror)
	}
	if s.Recorder != nil {
		pub.AddCommand(s.Recorder)
	}
	w.publish = pub
}

// Layout returns the result store the workflow writes into.
func (w *DetectionWorkflow) Layout() *results.Layout {
	return w.layout
}

// Defaults returns the threshold and fps used when a request omits them.
func (w *DetectionWorkflow) Defaults() (threshold float64, fps int) {
	return w.defaults.ConfidenceThreshold, w.defaults.PlaybackFPS
}

// Run executes req. Every failure is returned as a *model.PipelineError. A
// render failure is not a run failure; it is reported in RunResult.RenderErr.
func (w *DetectionWorkflow) Run(ctx context.Context, req model.RunRequest) (*model.RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	started := time.Now().UTC()
	runID := uuid.NewString()
	scratch := filepath.Join(w.workDir, "run-"+runID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, model.NewError(model.KindInternal, "create scratch directory", err)
	}

	chainCtx := cor.NewBaseContextWith(ctx)
	defer chainCtx.Close()
	chainCtx.AddTempFile(scratch)
	chainCtx.Add(commands.ParamRequest, &req).
		Add(commands.ParamRunID, runID).
		Add(commands.ParamScratchDir, scratch)

	logger := slog.With("run_id", runID, "source", req.Source.String())
	logger.InfoContext(ctx, "run started", "conf_threshold", req.ConfidenceThreshold, "fps", req.PlaybackFPS)

	w.chain.Execute(chainCtx)

	r, _ := chainCtx.Get(commands.ParamReservation).(*results.Reservation)
	defer func() {
		if err := r.Release(); err != nil {
			logger.WarnContext(ctx, "failed to release reservation", "error", err)
		}
	}()

	if err := chainCtx.Err(); err != nil {
		if rbErr := r.Rollback(); rbErr != nil {
			logger.WarnContext(ctx, "rollback incomplete", "error", rbErr)
		}
		perr := asPipelineError(err)
		logger.ErrorContext(ctx, "run failed", "kind", perr.Kind, "error", perr)
		return nil, perr
	}
	if r == nil {
		return nil, model.Errorf(model.KindInternal, "run", "pipeline finished without a reservation")
	}

	result := w.result(chainCtx, runID, r, started)
	chainCtx.Add(commands.ParamResult, result)
	w.publish.Execute(chainCtx)

	logger.InfoContext(ctx, "run completed", "video_id", result.VideoID, "dir", result.Paths.Base,
		"frames", result.Summary.TotalFrames, "detections", result.Summary.TotalDetections, "rendered", result.Rendered)
	return result, nil
}

func (w *DetectionWorkflow) result(c cor.Context, runID string, r *results.Reservation, started time.Time) *model.RunResult {
	req, _ := c.Get(commands.ParamRequest).(*model.RunRequest)
	out := &model.RunResult{
		RunID:       runID,
		VideoID:     r.ID,
		Source:      req.Source,
		Paths:       r.Paths,
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	}
	if s, ok := c.Get(commands.ParamSummary).(*model.Summary); ok {
		out.Summary = *s
	}
	if d, ok := c.Get(commands.ParamDetections).(*detect.Output); ok {
		out.ModelName = d.Info.ModelName
		out.Device = d.Info.Device
	}
	if m, ok := c.Get(commands.ParamMetadata).(*model.VideoMetadata); ok {
		out.Metadata = m
	}
	if p, ok := c.Get(commands.ParamOutputVideo).(string); ok && p != "" {
		out.VideoPath = p
		out.Rendered = true
	}
	if err, ok := c.Get(commands.ParamRenderErr).(error); ok {
		out.RenderErr = err
	}
	return out
}

// asPipelineError picks the first classified failure out of err.
func asPipelineError(err error) *model.PipelineError {
	var perr *model.PipelineError
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return model.NewError(model.KindInternal, "run canceled", err)
	}
	return model.NewError(model.KindInternal, "run", err)
}

// Execute lets the workflow serve as a cor.Command, e.g. behind a Pub/Sub
// listener. CtxIn holds a JSON process request; the result is left in
// CtxOut.
func (w *DetectionWorkflow) Execute(context cor.Context) {
	in, _ := context.Get(w.GetInputParam()).(string)
	req, err := ParseProcessRequest([]byte(in), w.defaults.ConfidenceThreshold, w.defaults.PlaybackFPS)
	if err != nil {
		w.Fail(context, err)
		return
	}
	result, err := w.Run(context.GetContext(), req)
	if err != nil {
		w.Fail(context, err)
		return
	}
	context.Add(w.GetOutputParam(), result)
	w.Succeed(context)
}

// ParseProcessRequest decodes a process request body and applies defaults.
// Malformed bodies are usage errors.
func ParseProcessRequest(body []byte, threshold float64, fps int) (model.RunRequest, error) {
	var p model.ProcessRequest
	if err := json.Unmarshal(body, &p); err != nil {
		return model.RunRequest{}, model.Errorf(model.KindUsage, "parse request", "invalid request body: %v", err)
	}
	req := p.RunRequest(threshold, fps)
	if err := req.Validate(); err != nil {
		return model.RunRequest{}, err
	}
	return req, nil
}
