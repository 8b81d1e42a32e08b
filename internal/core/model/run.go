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

package model

import (
	"strings"
	"time"
)

// Defaults shared by every front end.
const (
	DefaultConfidenceThreshold = 0.7
	DefaultPlaybackFPS         = 1
)

// RunRequest describes one detection run. The CLI, the HTTP API and the
// Pub/Sub listener all build one of these and hand it to the same workflow.
type RunRequest struct {
	Source              SourceDescriptor
	ConfidenceThreshold float64
	// PlaybackFPS is the frame rate of the rendered output video.
	PlaybackFPS int
	// OutputVideo overrides the rendered video path. Empty means
	// <bundle>/detections_video.mp4.
	OutputVideo string
	// WithMetadata asks the run to resolve title, duration and thumbnail for
	// remote sources.
	WithMetadata bool
}

// Validate rejects requests no stage could serve. Failures are usage errors.
func (r *RunRequest) Validate() error {
	const op = "validate request"
	switch r.Source.Kind {
	case SourceRemote:
		if strings.TrimSpace(r.Source.URL) == "" {
			return Errorf(KindUsage, op, "url is required")
		}
	case SourceLocal:
		if strings.TrimSpace(r.Source.Path) == "" {
			return Errorf(KindUsage, op, "video path is required")
		}
	default:
		return Errorf(KindUsage, op, "exactly one of url or video path is required")
	}
	if r.ConfidenceThreshold < 0 || r.ConfidenceThreshold > 1 {
		return Errorf(KindUsage, op, "confidence threshold %v outside [0, 1]", r.ConfidenceThreshold)
	}
	if r.PlaybackFPS <= 0 {
		return Errorf(KindUsage, op, "fps must be positive, got %d", r.PlaybackFPS)
	}
	return nil
}

// ProcessRequest is the JSON body of POST /api/process and of Pub/Sub
// process messages. Absent fields take the configured defaults.
type ProcessRequest struct {
	URL           string   `json:"url"`
	ConfThreshold *float64 `json:"conf_threshold,omitempty"`
	FPS           *int     `json:"fps,omitempty"`
}

// RunRequest converts the body into a remote RunRequest. It does not
// validate; call Validate on the result.
func (p *ProcessRequest) RunRequest(threshold float64, fps int) RunRequest {
	if p.ConfThreshold != nil {
		threshold = *p.ConfThreshold
	}
	if p.FPS != nil {
		fps = *p.FPS
	}
	return RunRequest{
		Source:              RemoteSource(strings.TrimSpace(p.URL)),
		ConfidenceThreshold: threshold,
		PlaybackFPS:         fps,
		WithMetadata:        true,
	}
}

// BundlePaths locates every artifact of one identifier's result bundle.
type BundlePaths struct {
	Base            string
	ReportJSON      string
	MetadataTXT     string
	ProcessedFrames string
	Video           string
	Lock            string
}

// Summary is the aggregate of one run's detections.
type Summary struct {
	TotalFrames         int            `json:"total_frames"`
	TotalDetections     int            `json:"total_detections"`
	ByClass             map[string]int `json:"by_class"`
	ConfidenceThreshold float64        `json:"confidence_threshold"`
	SkippedFrames       int            `json:"skipped_frames"`
}

// RunResult is what a successful run produced. RenderErr is set when the
// detection artifacts were persisted but the output video could not be
// rendered; the run still counts as completed.
type RunResult struct {
	RunID       string
	VideoID     VideoIdentifier
	Source      SourceDescriptor
	Paths       BundlePaths
	VideoPath   string
	Rendered    bool
	RenderErr   error
	Summary     Summary
	Metadata    *VideoMetadata
	ModelName   string
	Device      string
	StartedAt   time.Time
	CompletedAt time.Time
}

// RunRecord is the row written to the BigQuery run ledger.
type RunRecord struct {
	RunID               string    `json:"run_id" bigquery:"run_id"`
	VideoID             string    `json:"video_id" bigquery:"video_id"`
	Source              string    `json:"source" bigquery:"source"`
	ConfidenceThreshold float64   `json:"confidence_threshold" bigquery:"confidence_threshold"`
	TotalFrames         int       `json:"total_frames" bigquery:"total_frames"`
	TotalDetections     int       `json:"total_detections" bigquery:"total_detections"`
	SkippedFrames       int       `json:"skipped_frames" bigquery:"skipped_frames"`
	ClassCounts         []Count   `json:"class_counts" bigquery:"class_counts"`
	Model               string    `json:"model" bigquery:"model"`
	Device              string    `json:"device" bigquery:"device"`
	VideoURI            string    `json:"video_uri" bigquery:"video_uri"`
	Rendered            bool      `json:"rendered" bigquery:"rendered"`
	StartedAt           time.Time `json:"started_at" bigquery:"started_at"`
	CompletedAt         time.Time `json:"completed_at" bigquery:"completed_at"`
}

// Count is one class label and how often it was detected.
type Count struct {
	Class string `json:"class" bigquery:"class"`
	Count int    `json:"count" bigquery:"count"`
}

// NewRunRecord flattens a result into a ledger row with class counts in
// label order.
func NewRunRecord(result *RunResult, classes []string) *RunRecord {
	counts := make([]Count, 0, len(classes))
	for _, c := range classes {
		counts = append(counts, Count{Class: c, Count: result.Summary.ByClass[c]})
	}
	return &RunRecord{
		RunID:               result.RunID,
		VideoID:             result.VideoID.String(),
		Source:              result.Source.String(),
		ConfidenceThreshold: result.Summary.ConfidenceThreshold,
		TotalFrames:         result.Summary.TotalFrames,
		TotalDetections:     result.Summary.TotalDetections,
		SkippedFrames:       result.Summary.SkippedFrames,
		ClassCounts:         counts,
		Model:               result.ModelName,
		Device:              result.Device,
		VideoURI:            result.VideoPath,
		Rendered:            result.Rendered,
		StartedAt:           result.StartedAt,
		CompletedAt:         result.CompletedAt,
	}
}
