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

package model_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceDescriptorProvenance(t *testing.T) {
	remote := model.RemoteSource("https://youtu.be/ABC123_-xy")
	assert.True(t, remote.IsRemote())
	assert.Equal(t, "https://youtu.be/ABC123_-xy", remote.String())

	local := model.LocalSource("clips/cat.mp4")
	assert.True(t, local.IsLocal())
	assert.True(t, filepath.IsAbs(local.Path))
	assert.Equal(t, "local:"+local.Path, local.String())
}

func TestDetectionReportOrdersFramesAndNormalizesEmptyLists(t *testing.T) {
	fd := model.FrameDetections{
		"frame_0002.jpg": nil,
		"frame_0001.jpg": {{BBox: [4]float64{1, 2, 3, 4}, Class: "cat", Conf: 0.9}},
	}
	report := model.NewDetectionReport("abc123", 0.7, fd)

	require.Len(t, report.Frames, 2)
	assert.Equal(t, "frame_0001.jpg", report.Frames[0].Frame)
	assert.Equal(t, "frame_0002.jpg", report.Frames[1].Frame)

	raw, err := json.Marshal(report)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"video_id": "abc123",
		"confidence_threshold": 0.7,
		"frames": [
			{"frame": "frame_0001.jpg", "detections": [{"bbox": [1,2,3,4], "class": "cat", "conf": 0.9}]},
			{"frame": "frame_0002.jpg", "detections": []}
		]
	}`, string(raw))

	assert.Equal(t, 2, len(report.FrameDetections()))
}

func TestPipelineErrorIsSingleLine(t *testing.T) {
	err := model.NewError(model.KindAcquisition, "acquire", errors.New("primary failed\nfallback failed"))
	assert.Equal(t, "acquire: primary failed fallback failed", err.Error())

	wrapped := fmt.Errorf("run: %w", err)
	assert.Equal(t, model.KindAcquisition, model.KindOf(wrapped))
	assert.True(t, model.IsKind(wrapped, model.KindAcquisition))
	assert.False(t, model.IsKind(nil, model.KindAcquisition))
	assert.Equal(t, model.KindInternal, model.KindOf(errors.New("plain")))
}

func TestRunRequestValidate(t *testing.T) {
	ok := model.RunRequest{Source: model.RemoteSource("https://x.test/v"), ConfidenceThreshold: 0.7, PlaybackFPS: 1}
	assert.NoError(t, ok.Validate())

	cases := map[string]model.RunRequest{
		"no source":      {ConfidenceThreshold: 0.7, PlaybackFPS: 1},
		"blank url":      {Source: model.RemoteSource("  "), ConfidenceThreshold: 0.7, PlaybackFPS: 1},
		"threshold high": {Source: model.RemoteSource("u"), ConfidenceThreshold: 1.5, PlaybackFPS: 1},
		"fps zero":       {Source: model.RemoteSource("u"), ConfidenceThreshold: 0.7},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			assert.True(t, model.IsKind(req.Validate(), model.KindUsage))
		})
	}
}

func TestNewRunRecordKeepsClassOrder(t *testing.T) {
	result := &model.RunResult{
		RunID:   "r1",
		VideoID: "vid001",
		Source:  model.RemoteSource("https://x.test/v"),
		Summary: model.Summary{TotalFrames: 3, TotalDetections: 4, ByClass: map[string]int{"car": 3, "dog": 1}},
	}
	rec := model.NewRunRecord(result, []string{"car", "dog"})
	require.Len(t, rec.ClassCounts, 2)
	assert.Equal(t, "car", rec.ClassCounts[0].Class)
	assert.Equal(t, 3, rec.ClassCounts[0].Count)
	assert.Equal(t, "https://x.test/v", rec.Source)
}
