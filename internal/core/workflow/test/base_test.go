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

// Package workflow_test exercises the detection workflow end to end over
// fake capabilities. This file holds the shared setup.
package workflow_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jaycherian/gcp-go-vista-detect/internal/cloud"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/detect"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/workflow"
	"github.com/jaycherian/gcp-go-vista-detect/internal/telemetry"
	test "github.com/jaycherian/gcp-go-vista-detect/internal/testutil"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
)

const tName = "github.com/jaycherian/gcp-go-vista-detect/tests/workflow"

var (
	ctx    context.Context
	tracer = otel.Tracer(tName)
	logger = otelslog.NewLogger(tName)
)

func TestMain(m *testing.M) {
	var cancel context.CancelFunc
	ctx, cancel = context.WithCancel(context.Background())

	closeLog, err := telemetry.SetupLogging(cloud.Telemetry{LogLevel: "warn"}, os.Stderr)
	if err != nil {
		panic(err)
	}
	logger.Info("completed test setup")

	exitCode := m.Run()

	cancel()
	_ = closeLog()
	os.Exit(exitCode)
}

// candidates are returned for every frame: one below the default threshold,
// one on it and one above.
var candidates = []detect.Candidate{
	{Box: [4]float64{1, 1, 10, 10}, ClassID: 2, Label: "car", Confidence: 0.65},
	{Box: [4]float64{2, 2, 12, 12}, ClassID: 16, Label: "dog", Confidence: 0.70},
	{Box: [4]float64{3, 3, 20, 20}, ClassID: 2, Label: "car", Confidence: 0.95},
}

type fixture struct {
	config   *cloud.Config
	codec    *test.FakeCodec
	detector *test.FakeDetector
	primary  *test.FakeDownloader
	fallback *test.FakeDownloader
	stages   *workflow.Stages
}

// newFixture builds a workflow over a 5 second, 10 fps fake source, a
// detector returning candidates and downloaders writing an mp4 header.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		config:   test.ConfigFor(t),
		codec:    test.NewFakeCodec(10, test.Frames(50, 32, 24)),
		detector: &test.FakeDetector{Candidates: candidates, Model: "yolov8n.pt", Device: "cpu"},
		primary:  &test.FakeDownloader{Label: "primary", FileName: "Primary Clip.mp4", Content: test.MP4Header},
		fallback: &test.FakeDownloader{Label: "fallback", FileName: "Fallback Clip.mp4", Content: test.MP4Header},
	}
	f.stages = workflow.NewStages(f.config, f.codec, f.detector, f.primary, f.fallback)
	return f
}

func (f *fixture) workflow() *workflow.DetectionWorkflow {
	return workflow.NewDetectionWorkflow(f.stages)
}

func localVideo(t *testing.T, name string) model.SourceDescriptor {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	test.HandleErr(os.WriteFile(path, test.MP4Header, 0o644), t)
	return model.LocalSource(path)
}

type fakeMetadata struct {
	meta model.VideoMetadata
	urls []string
}

func (m *fakeMetadata) Resolve(_ context.Context, url string) model.VideoMetadata {
	m.urls = append(m.urls, url)
	return m.meta
}
