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

package commands_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/codec"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/commands"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/cor"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/detect"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/render"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/results"
	test "github.com/jaycherian/gcp-go-vista-detect/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reservedContext returns a context holding a local request and a fresh
// reservation for clip01.
func reservedContext(t *testing.T) (cor.Context, *results.Reservation) {
	t.Helper()
	chCtx := cor.NewBaseContextWith(context.Background())
	t.Cleanup(chCtx.Close)

	req := &model.RunRequest{
		Source:              model.LocalSource(filepath.Join(t.TempDir(), "clip01.mp4")),
		ConfidenceThreshold: 0.5,
		PlaybackFPS:         1,
	}
	chCtx.Add(commands.ParamRequest, req)

	r, err := results.NewLayout(t.TempDir()).Reserve("clip01", "run-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Release() })
	chCtx.Add(commands.ParamReservation, r)
	return chCtx, r
}

func detectionOutput() *detect.Output {
	return &detect.Output{
		Frames: model.FrameDetections{
			"frame_0001.jpg": {{BBox: [4]float64{0, 0, 4, 4}, Class: "car", Conf: 0.9}},
			"frame_0002.jpg": {},
			"frame_0003.jpg": {
				{BBox: [4]float64{1, 1, 3, 3}, Class: "dog", Conf: 0.6},
				{BBox: [4]float64{2, 2, 5, 5}, Class: "car", Conf: 0.5},
			},
		},
		SkippedFrames: []string{"frame_0004.jpg"},
		Info:          detect.Info{ModelName: "yolov8n.pt", Device: "cpu"},
	}
}

func TestPersistResultsWritesReportAndMetadata(t *testing.T) {
	chCtx, r := reservedContext(t)
	chCtx.Add(commands.ParamDetections, detectionOutput())

	cmd := commands.NewPersistResults("persist")
	require.True(t, cmd.IsExecutable(chCtx))
	cmd.Execute(chCtx)
	require.NoError(t, chCtx.Err())

	summary, ok := chCtx.Get(commands.ParamSummary).(*model.Summary)
	require.True(t, ok)
	assert.Equal(t, 3, summary.TotalFrames)
	assert.Equal(t, 3, summary.TotalDetections)
	assert.Equal(t, map[string]int{"car": 2, "dog": 1}, summary.ByClass)
	assert.Equal(t, 1, summary.SkippedFrames)

	report, err := results.LoadReport(r.Paths.ReportJSON)
	require.NoError(t, err)
	assert.Equal(t, "clip01", report.VideoID)
	assert.Len(t, report.Frames, 3)

	data, err := os.ReadFile(r.Paths.MetadataTXT)
	require.NoError(t, err)
	req := chCtx.Get(commands.ParamRequest).(*model.RunRequest)
	text := string(data)
	assert.Contains(t, text, "video_id: clip01\n")
	assert.Contains(t, text, "source: "+req.Source.String()+"\n")
	assert.Contains(t, text, "model: yolov8n.pt\n")
	assert.Contains(t, text, "skipped_frames: 1\n")
	assert.Contains(t, text, "class_counts:\n  car: 2\n  dog: 1\n")
}

func TestPersistResultsNeverOverwrites(t *testing.T) {
	chCtx, r := reservedContext(t)
	chCtx.Add(commands.ParamDetections, detectionOutput())
	require.NoError(t, os.WriteFile(r.Paths.ReportJSON, []byte(`{"video_id":"earlier"}`), 0o644))

	commands.NewPersistResults("persist").Execute(chCtx)
	assert.Error(t, chCtx.Err())
	assert.Nil(t, chCtx.Get(commands.ParamSummary))

	data, err := os.ReadFile(r.Paths.ReportJSON)
	require.NoError(t, err)
	assert.Equal(t, `{"video_id":"earlier"}`, string(data))
}

func TestPersistResultsNeedsReservation(t *testing.T) {
	chCtx := cor.NewBaseContextWith(context.Background())
	defer chCtx.Close()
	chCtx.Add(commands.ParamDetections, detectionOutput())
	assert.False(t, commands.NewPersistResults("persist").IsExecutable(chCtx))
}

func TestIdentifyAndReserveLocalVideo(t *testing.T) {
	chCtx := cor.NewBaseContextWith(context.Background())
	defer chCtx.Close()
	chCtx.Add(commands.ParamRequest, &model.RunRequest{
		Source: model.LocalSource("/videos/Street Cam #1.mp4"), ConfidenceThreshold: 0.5, PlaybackFPS: 1,
	})
	chCtx.Add(commands.ParamRunID, "run-1")

	identify := commands.NewIdentifyVideo("identify")
	require.True(t, identify.IsExecutable(chCtx))
	identify.Execute(chCtx)
	require.NoError(t, chCtx.Err())
	id, ok := chCtx.Get(commands.ParamVideoID).(model.VideoIdentifier)
	require.True(t, ok)
	assert.False(t, identify.IsExecutable(chCtx), "runs once per chain")

	reserve := commands.NewReserveResults("reserve", results.NewLayout(t.TempDir()))
	reserve.Execute(chCtx)
	require.NoError(t, chCtx.Err())
	r, ok := chCtx.Get(commands.ParamReservation).(*results.Reservation)
	require.True(t, ok)
	defer r.Release()
	assert.Equal(t, id, r.ID)
	assert.FileExists(t, r.Paths.Lock)
	assert.False(t, reserve.IsExecutable(chCtx), "runs once per chain")
}

func TestRenderVideoFailureIsRecordedNotFatal(t *testing.T) {
	chCtx, r := reservedContext(t)
	chCtx.Add(commands.ParamSummary, &model.Summary{})
	test.WriteFrames(t, r.Paths.ProcessedFrames, 16, 16, "frame_0001.jpg")

	fake := test.NewFakeCodec(0, nil)
	fake.Unavailable[codec.PrimaryProfile.Encoder] = true
	fake.Unavailable[codec.FallbackProfile.Encoder] = true
	cmd := commands.NewRenderVideo("render", render.New(fake, codec.PrimaryProfile, codec.FallbackProfile))
	require.True(t, cmd.IsExecutable(chCtx))
	cmd.Execute(chCtx)

	assert.NoError(t, chCtx.Err())
	renderErr, _ := chCtx.Get(commands.ParamRenderErr).(error)
	assert.True(t, model.IsKind(renderErr, model.KindRender))
	assert.Nil(t, chCtx.Get(commands.ParamOutputVideo))
}
