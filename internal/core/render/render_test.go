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

package render_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/codec"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/render"
	test "github.com/jaycherian/gcp-go-vista-detect/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderFramesUsesFrameNumbers(t *testing.T) {
	assert.Equal(t,
		[]string{"frame_0001.jpg", "frame_0002.jpg", "frame_0010.jpg"},
		render.OrderFrames([]string{"frame_0010.jpg", "frame_0002.jpg", "frame_0001.jpg"}))

	assert.Equal(t,
		[]string{"frame_2.jpg", "frame_10.jpg", "a.jpg", "zz.jpg"},
		render.OrderFrames([]string{"zz.jpg", "frame_10.jpg", "a.jpg", "frame_2.jpg"}))
}

func TestRenderWritesFramesInOrderAndResizes(t *testing.T) {
	dir := t.TempDir()
	test.WriteFrames(t, dir, 40, 30, "frame_0010.jpg", "frame_0002.jpg")
	test.WriteFrames(t, dir, 80, 60, "frame_0001.jpg")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))

	fake := test.NewFakeCodec(0, nil)
	out := filepath.Join(t.TempDir(), "detections_video.mp4")
	path, ok := render.New(fake, codec.PrimaryProfile, codec.FallbackProfile).Render(context.Background(), dir, out, 1)
	require.True(t, ok)
	assert.Equal(t, out, path)
	assert.FileExists(t, out)

	frames := fake.FramesAt(out)
	require.Len(t, frames, 3)
	for _, f := range frames {
		assert.Equal(t, 80, f.Bounds().Dx(), "first frame fixes the size")
		assert.Equal(t, 60, f.Bounds().Dy())
	}
	assert.Equal(t, []codec.Profile{codec.PrimaryProfile}, fake.Opened)
}

func TestRenderFallsBackToSecondaryEncoder(t *testing.T) {
	dir := t.TempDir()
	test.WriteFrames(t, dir, 32, 32, "frame_0001.jpg", "frame_0002.jpg")

	fake := test.NewFakeCodec(0, nil)
	fake.Unavailable[codec.PrimaryProfile.Encoder] = true
	out := filepath.Join(t.TempDir(), "detections_video.mp4")

	path, ok := render.New(fake, codec.PrimaryProfile, codec.FallbackProfile).Render(context.Background(), dir, out, 2)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(filepath.Dir(out), "detections_video.avi"), path)
	assert.FileExists(t, path)
	assert.NoFileExists(t, out)
	assert.Len(t, fake.FramesAt(path), 2)
}

func TestRenderReportsFailureWithoutPanicking(t *testing.T) {
	r := func(fake *test.FakeCodec) *render.Renderer {
		return render.New(fake, codec.PrimaryProfile, codec.FallbackProfile)
	}
	ctx := context.Background()

	_, ok := r(test.NewFakeCodec(0, nil)).Render(ctx, t.TempDir(), filepath.Join(t.TempDir(), "v.mp4"), 1)
	assert.False(t, ok, "no images")

	bad := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bad, "frame_0001.jpg"), []byte("junk"), 0o644))
	_, ok = r(test.NewFakeCodec(0, nil)).Render(ctx, bad, filepath.Join(t.TempDir(), "v.mp4"), 1)
	assert.False(t, ok, "unreadable first image")

	good := t.TempDir()
	test.WriteFrames(t, good, 16, 16, "frame_0001.jpg")
	none := test.NewFakeCodec(0, nil)
	none.Unavailable[codec.PrimaryProfile.Encoder] = true
	none.Unavailable[codec.FallbackProfile.Encoder] = true
	_, err := r(none).Encode(ctx, good, filepath.Join(t.TempDir(), "v.mp4"), 1)
	assert.ErrorIs(t, err, codec.ErrEncoderUnavailable)
}
