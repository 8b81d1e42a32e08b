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

package workflow_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jaycherian/gcp-go-vista-detect/internal/cloud"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/commands"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/cor"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/results"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/workflow"
	test "github.com/jaycherian/gcp-go-vista-detect/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(src model.SourceDescriptor) model.RunRequest {
	return model.RunRequest{Source: src, ConfidenceThreshold: 0.7, PlaybackFPS: 1}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestLocalRunProducesBundle(t *testing.T) {
	traceCtx, span := tracer.Start(ctx, "local-run")
	defer span.End()

	f := newFixture(t)
	result, err := f.workflow().Run(traceCtx, request(localVideo(t, "street-cam_01.mp4")))
	require.NoError(t, err)

	assert.Equal(t, model.VideoIdentifier("street-cam_01"), result.VideoID)
	assert.Equal(t, filepath.Join(f.config.Paths.ResultsDir, "street-cam_01"), result.Paths.Base)
	assert.Equal(t, 5, result.Summary.TotalFrames)
	assert.Equal(t, 10, result.Summary.TotalDetections)
	assert.Equal(t, map[string]int{"car": 5, "dog": 5}, result.Summary.ByClass)
	assert.Equal(t, 0, result.Summary.SkippedFrames)
	assert.Equal(t, "yolov8n.pt", result.ModelName)
	assert.Equal(t, "cpu", result.Device)
	assert.Nil(t, result.Metadata)
	assert.Empty(t, f.primary.URLs)

	report, err := results.LoadReport(result.Paths.ReportJSON)
	require.NoError(t, err)
	require.Len(t, report.Frames, 5)
	assert.Equal(t, "frame_0001.jpg", report.Frames[0].Frame)
	for _, fr := range report.Frames {
		require.Len(t, fr.Detections, 2)
		assert.Equal(t, 0.70, fr.Detections[0].Conf)
		assert.Equal(t, 0.95, fr.Detections[1].Conf)
	}

	meta, err := os.ReadFile(result.Paths.MetadataTXT)
	require.NoError(t, err)
	assert.Contains(t, string(meta), "source: "+result.Source.String()+"\n")
	assert.Contains(t, string(meta), "class_counts:\n  car: 5\n  dog: 5\n")

	assert.Len(t, listDir(t, result.Paths.ProcessedFrames), 5)
	assert.True(t, result.Rendered)
	assert.NoError(t, result.RenderErr)
	assert.Equal(t, result.Paths.Video, result.VideoPath)
	assert.Len(t, f.codec.FramesAt(result.VideoPath), 5)

	assert.NoFileExists(t, result.Paths.Lock)
	assert.Empty(t, listDir(t, f.config.Paths.WorkDir), "scratch directories must be removed")
}

func TestSecondRunConflictsAndLeavesArtifactsUntouched(t *testing.T) {
	f := newFixture(t)
	w := f.workflow()
	src := localVideo(t, "repeat-me.mp4")

	first, err := w.Run(ctx, request(src))
	require.NoError(t, err)
	before, err := os.ReadFile(first.Paths.ReportJSON)
	require.NoError(t, err)
	metaBefore, err := os.ReadFile(first.Paths.MetadataTXT)
	require.NoError(t, err)

	_, err = w.Run(ctx, model.RunRequest{Source: src, ConfidenceThreshold: 0.1, PlaybackFPS: 3})
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindConflict))

	after, err := os.ReadFile(first.Paths.ReportJSON)
	require.NoError(t, err)
	metaAfter, err := os.ReadFile(first.Paths.MetadataTXT)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, metaBefore, metaAfter)
	assert.Len(t, listDir(t, first.Paths.ProcessedFrames), 5)
	assert.NoFileExists(t, first.Paths.Lock)
}

func TestRemoteRunWithIdentifierInURL(t *testing.T) {
	f := newFixture(t)
	meta := &fakeMetadata{meta: model.VideoMetadata{Title: "Never Gonna", Duration: 213, Thumbnail: "https://i.ytimg.com/vi/x/maxres.jpg"}}
	f.stages.Metadata = meta

	req := request(model.RemoteSource("https://www.youtube.com/watch?v=dQw4w9WgXcQ"))
	req.WithMetadata = true
	result, err := f.workflow().Run(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, model.VideoIdentifier("dQw4w9WgXcQ"), result.VideoID)
	assert.Equal(t, []string{"https://www.youtube.com/watch?v=dQw4w9WgXcQ"}, f.primary.URLs)
	assert.Empty(t, f.fallback.URLs)
	assert.Equal(t, []string{req.Source.URL}, meta.urls)
	require.NotNil(t, result.Metadata)
	assert.Equal(t, "Never Gonna", result.Metadata.Title)

	raw, err := os.ReadFile(result.Paths.MetadataTXT)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "video_id: dQw4w9WgXcQ\nsource: https://www.youtube.com/watch?v=dQw4w9WgXcQ\n"))
}

func TestRemoteRunConflictSkipsDownload(t *testing.T) {
	f := newFixture(t)
	w := f.workflow()
	req := request(model.RemoteSource("https://youtu.be/ABC123_-xy"))

	_, err := w.Run(ctx, req)
	require.NoError(t, err)
	_, err = w.Run(ctx, req)
	assert.True(t, model.IsKind(err, model.KindConflict))
	assert.Len(t, f.primary.URLs, 1, "a known conflict must be detected before downloading")
}

func TestRemoteRunFallsBackToDownloadedName(t *testing.T) {
	f := newFixture(t)
	f.primary.Err = errors.New("player response unavailable")

	result, err := f.workflow().Run(ctx, request(model.RemoteSource("https://example.com/no-id-here")))
	require.NoError(t, err)
	assert.Equal(t, model.VideoIdentifier("FallbackClip"), result.VideoID)
	assert.Len(t, f.fallback.URLs, 1)
}

func TestAcquisitionFailure(t *testing.T) {
	f := newFixture(t)
	f.primary.Err = errors.New("403")
	f.fallback.Err = errors.New("yt-dlp exited 1")

	_, err := f.workflow().Run(ctx, request(model.RemoteSource("https://youtu.be/ABC123_-xy")))
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindAcquisition))
	assert.NotContains(t, err.Error(), "\n")

	// The reservation taken before the download is rolled back and released.
	paths := results.NewLayout(f.config.Paths.ResultsDir).Paths("ABC123_-xy")
	assert.NoFileExists(t, paths.Lock)
	assert.NoFileExists(t, paths.ReportJSON)
}

func TestDetectorLoadFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.detector.LoadErr = errors.New("weights not found")
	src := localVideo(t, "retry-me.mp4")

	_, err := f.workflow().Run(ctx, request(src))
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindDetection))

	paths := results.NewLayout(f.config.Paths.ResultsDir).Paths("retry-me")
	assert.NoFileExists(t, paths.ReportJSON)
	assert.Empty(t, listDir(t, paths.ProcessedFrames))
	assert.NoFileExists(t, paths.Lock)

	f.detector.LoadErr = nil
	_, err = f.workflow().Run(ctx, request(src))
	assert.NoError(t, err, "a rolled back identifier can be processed again")
}

func TestDecodeFailure(t *testing.T) {
	f := newFixture(t)
	f.codec.DecodeErr = errors.New("moov atom not found")

	_, err := f.workflow().Run(ctx, request(localVideo(t, "broken.mp4")))
	assert.True(t, model.IsKind(err, model.KindDecode))
}

func TestMissingLocalFile(t *testing.T) {
	f := newFixture(t)
	_, err := f.workflow().Run(ctx, request(model.LocalSource(filepath.Join(t.TempDir(), "gone.mp4"))))
	assert.True(t, model.IsKind(err, model.KindAcquisition))
}

func TestSkippedFramesAreCounted(t *testing.T) {
	f := newFixture(t)
	f.detector.FailCalls = map[int]bool{2: true}

	result, err := f.workflow().Run(ctx, request(localVideo(t, "flaky.mp4")))
	require.NoError(t, err)
	assert.Equal(t, 4, result.Summary.TotalFrames)
	assert.Equal(t, 1, result.Summary.SkippedFrames)

	raw, err := os.ReadFile(result.Paths.MetadataTXT)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "total_frames: 4\n")
	assert.Contains(t, string(raw), "skipped_frames: 1\n")
}

func TestRenderFallbackAndFailure(t *testing.T) {
	t.Run("fallback encoder", func(t *testing.T) {
		f := newFixture(t)
		f.codec.Unavailable["mpeg4"] = true
		result, err := f.workflow().Run(ctx, request(localVideo(t, "fallback.mp4")))
		require.NoError(t, err)
		assert.True(t, result.Rendered)
		assert.Equal(t, ".avi", filepath.Ext(result.VideoPath))
		assert.FileExists(t, result.VideoPath)
	})

	t.Run("no encoder", func(t *testing.T) {
		f := newFixture(t)
		f.codec.Unavailable["mpeg4"] = true
		f.codec.Unavailable["libxvid"] = true
		result, err := f.workflow().Run(ctx, request(localVideo(t, "noencoder.mp4")))
		require.NoError(t, err, "rendering is not critical once results are persisted")
		assert.False(t, result.Rendered)
		assert.True(t, model.IsKind(result.RenderErr, model.KindRender))
		assert.FileExists(t, result.Paths.ReportJSON)
		assert.FileExists(t, result.Paths.MetadataTXT)
	})
}

func TestOutputVideoOverride(t *testing.T) {
	f := newFixture(t)
	req := request(localVideo(t, "custom-out.mp4"))
	req.OutputVideo = filepath.Join(t.TempDir(), "exports", "annotated.mp4")

	result, err := f.workflow().Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, req.OutputVideo, result.VideoPath)
	assert.NoFileExists(t, result.Paths.Video)
}

func TestInvalidRequestIsUsageError(t *testing.T) {
	f := newFixture(t)
	_, err := f.workflow().Run(ctx, model.RunRequest{Source: model.RemoteSource(" "), ConfidenceThreshold: 0.7, PlaybackFPS: 1})
	assert.True(t, model.IsKind(err, model.KindUsage))
	assert.Empty(t, listDir(t, f.config.Paths.ResultsDir))
}

type recordingInserter struct {
	mu   sync.Mutex
	rows []any
	err  error
}

func (r *recordingInserter) Put(_ context.Context, src interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, src)
	return r.err
}

func TestPublishSinksReceiveCompletedRun(t *testing.T) {
	f := newFixture(t)
	var uploaded []string
	f.stages.Mirror = commands.NewBundleMirrorWith("mirror-bundle", func(_ context.Context, src string, obj cloud.GCSObject) error {
		uploaded = append(uploaded, obj.Name)
		return nil
	}, "vista-results", "results")
	inserter := &recordingInserter{}
	f.stages.Recorder = commands.NewRunRecorderWith("record-run", inserter)

	result, err := f.workflow().Run(ctx, request(localVideo(t, "published.mp4")))
	require.NoError(t, err)

	assert.Contains(t, uploaded, "results/published/detection_results.json")
	assert.Contains(t, uploaded, "results/published/metadata.txt")
	assert.Contains(t, uploaded, "results/published/processed_frames/frame_0003.jpg")
	assert.Contains(t, uploaded, "results/published/detections_video.mp4")

	require.Len(t, inserter.rows, 1)
	row := inserter.rows[0].(*model.RunRecord)
	assert.Equal(t, result.RunID, row.RunID)
	assert.Equal(t, "published", row.VideoID)
	assert.Equal(t, []model.Count{{Class: "car", Count: 5}, {Class: "dog", Count: 5}}, row.ClassCounts)
}

func TestPublishFailuresDoNotFailRun(t *testing.T) {
	f := newFixture(t)
	f.stages.Mirror = commands.NewBundleMirrorWith("mirror-bundle", func(context.Context, string, cloud.GCSObject) error {
		return errors.New("bucket gone")
	}, "vista-results", "results")
	f.stages.Recorder = commands.NewRunRecorderWith("record-run", &recordingInserter{err: errors.New("table gone")})

	_, err := f.workflow().Run(ctx, request(localVideo(t, "unpublished.mp4")))
	assert.NoError(t, err)
}

func TestWorkflowAsCommand(t *testing.T) {
	f := newFixture(t)
	w := f.workflow()

	chainCtx := cor.NewBaseContextWith(ctx)
	defer chainCtx.Close()
	chainCtx.Add(cor.CtxIn, test.GetTestProcessMessageText())
	require.True(t, w.IsExecutable(chainCtx))

	w.Execute(chainCtx)
	require.NoError(t, chainCtx.Err())
	result := chainCtx.Get(cor.CtxOut).(*model.RunResult)
	assert.Equal(t, model.VideoIdentifier("dQw4w9WgXcQ"), result.VideoID)
	assert.Equal(t, 0.5, result.Summary.ConfidenceThreshold)

	bad := cor.NewBaseContextWith(ctx)
	defer bad.Close()
	bad.Add(cor.CtxIn, `{"conf_threshold": 0.5}`)
	w.Execute(bad)
	assert.True(t, model.IsPermanent(bad.Err()))
}

func TestParseProcessRequestDefaults(t *testing.T) {
	req, err := workflow.ParseProcessRequest([]byte(`{"url":"https://youtu.be/ABC123_-xy"}`), 0.7, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.7, req.ConfidenceThreshold)
	assert.Equal(t, 1, req.PlaybackFPS)
	assert.True(t, req.WithMetadata)

	req, err = workflow.ParseProcessRequest([]byte(`{"url":"https://youtu.be/ABC123_-xy","conf_threshold":0,"fps":5}`), 0.7, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, req.ConfidenceThreshold)
	assert.Equal(t, 5, req.PlaybackFPS)

	_, err = workflow.ParseProcessRequest([]byte(`not json`), 0.7, 1)
	assert.True(t, model.IsKind(err, model.KindUsage))
	_, err = workflow.ParseProcessRequest([]byte(`{"url":"x","fps":0}`), 0.7, 1)
	assert.True(t, model.IsKind(err, model.KindUsage))
}
