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

package acquire_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/acquire"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
	test "github.com/jaycherian/gcp-go-vista-detect/internal/testutil"
	"github.com/kkdai/youtube/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLocalReturnsPathUnchanged(t *testing.T) {
	a := acquire.NewAcquirer(&test.FakeDownloader{Label: "primary", Err: errors.New("unused")}, nil)
	local := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(local, test.MP4Header, 0o644))
	src := model.LocalSource(local)
	path, err := a.Acquire(context.Background(), src, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, src.Path, path)

	_, err = a.Acquire(context.Background(), model.LocalSource("/does/not/exist.mp4"), t.TempDir())
	assert.True(t, model.IsKind(err, model.KindAcquisition))
}

func TestAcquirePrimarySucceeds(t *testing.T) {
	primary := &test.FakeDownloader{Label: "primary", FileName: "clip.mp4", Content: test.MP4Header}
	fallback := &test.FakeDownloader{Label: "fallback", FileName: "other.mp4", Content: test.MP4Header}
	dir := t.TempDir()

	path, err := acquire.NewAcquirer(primary, fallback).
		Acquire(context.Background(), model.RemoteSource("https://youtu.be/ABC123_-xy"), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "clip.mp4"), path)
	assert.Empty(t, fallback.URLs)
}

func TestAcquireFallsBackAndCleansPartialFiles(t *testing.T) {
	// The primary writes an HTML page instead of a video.
	primary := &test.FakeDownloader{Label: "primary", FileName: "broken.mp4", Content: []byte("<!doctype html><html></html>")}
	fallback := &test.FakeDownloader{Label: "fallback", FileName: "good.mp4", Content: test.MP4Header}
	dir := t.TempDir()

	path, err := acquire.NewAcquirer(primary, fallback).
		Acquire(context.Background(), model.RemoteSource("https://example.com/watch/xyz"), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "good.mp4"), path)
	assert.NoFileExists(t, filepath.Join(dir, "broken.mp4"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "exactly one file is left in the destination")
}

func TestAcquireBothFail(t *testing.T) {
	primary := &test.FakeDownloader{Label: "primary", Err: errors.New("403 forbidden")}
	fallback := &test.FakeDownloader{Label: "fallback", Err: errors.New("unsupported url")}

	_, err := acquire.NewAcquirer(primary, fallback).
		Acquire(context.Background(), model.RemoteSource("https://example.com/v"), t.TempDir())
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindAcquisition))
	assert.Contains(t, err.Error(), "403 forbidden")
	assert.Contains(t, err.Error(), "unsupported url")
	assert.NotContains(t, err.Error(), "\n")
}

func TestQuotaAwareDownloaderHonorsContext(t *testing.T) {
	inner := &test.FakeDownloader{Label: "inner", FileName: "a.mp4", Content: test.MP4Header}
	q := acquire.NewQuotaAwareDownloader(inner, 1, 1)
	assert.Equal(t, "inner", q.Name())

	_, err := q.Fetch(context.Background(), "u", t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = q.Fetch(ctx, "u", t.TempDir())
	assert.Error(t, err, "second fetch within the minute must wait past the deadline")
	assert.Len(t, inner.URLs, 1)
}

func TestSniffVideo(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.mp4")
	require.NoError(t, os.WriteFile(good, test.MP4Header, 0o644))
	assert.NoError(t, acquire.SniffVideo(good))

	empty := filepath.Join(dir, "empty.mp4")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	assert.Error(t, acquire.SniffVideo(empty))

	assert.Error(t, acquire.SniffVideo(filepath.Join(dir, "missing.mp4")))
}

func TestBestProgressivePicksTallestMP4WithAudio(t *testing.T) {
	formats := youtube.FormatList{
		{ItagNo: 18, MimeType: `video/mp4; codecs="avc1.42001E, mp4a.40.2"`, Height: 360, AudioChannels: 2},
		{ItagNo: 22, MimeType: `video/mp4; codecs="avc1.64001F, mp4a.40.2"`, Height: 720, AudioChannels: 2},
		{ItagNo: 137, MimeType: `video/mp4; codecs="avc1.640028"`, Height: 1080},
		{ItagNo: 43, MimeType: `video/webm; codecs="vp8.0, vorbis"`, Height: 1440, AudioChannels: 2},
	}
	best, err := acquire.BestProgressive(formats)
	require.NoError(t, err)
	assert.Equal(t, 22, best.ItagNo)

	_, err = acquire.BestProgressive(formats[2:3])
	assert.Error(t, err)
}

func TestParsePageMetadata(t *testing.T) {
	html := []byte(`<html><head>
<title>Fallback title</title>
<meta property="og:title" content="Street Cam Highlights">
<meta property="og:image" content="https://img.example.com/thumb.jpg">
<meta itemprop="duration" content="PT1M30S">
</head></html>`)
	meta, err := acquire.ParsePageMetadata(html)
	require.NoError(t, err)
	assert.Equal(t, model.VideoMetadata{
		Title:     "Street Cam Highlights",
		Duration:  90,
		Thumbnail: "https://img.example.com/thumb.jpg",
	}, meta)

	meta, err = acquire.ParsePageMetadata([]byte(`<html><head><title> Only </title>` +
		`<meta property="video:duration" content="42"></head></html>`))
	require.NoError(t, err)
	assert.Equal(t, "Only", meta.Title)
	assert.Equal(t, int64(42), meta.Duration)
}

func TestParseISODuration(t *testing.T) {
	assert.Equal(t, int64(3723), acquire.ParseISODuration("PT1H2M3S"))
	assert.Equal(t, int64(86400+5), acquire.ParseISODuration("P1DT5S"))
	assert.Zero(t, acquire.ParseISODuration("90"))
	assert.Zero(t, acquire.ParseISODuration(""))
}
