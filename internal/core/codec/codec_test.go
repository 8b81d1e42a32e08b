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

package codec_test

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameRate(t *testing.T) {
	assert.Equal(t, 30.0, codec.ParseFrameRate("30/1"))
	assert.InDelta(t, 29.97, codec.ParseFrameRate("30000/1001"), 0.01)
	assert.Equal(t, 25.0, codec.ParseFrameRate("25"))
	assert.Zero(t, codec.ParseFrameRate("0/0"))
	assert.Zero(t, codec.ParseFrameRate(""))
	assert.Zero(t, codec.ParseFrameRate("n/a"))
}

func TestParseEncoders(t *testing.T) {
	out := `Encoders:
 V..... = Video
 A..... = Audio
 ------
 V....D mpeg4                MPEG-4 part 2
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10 (codec h264)
 A....D aac                  AAC (Advanced Audio Coding)
`
	enc := codec.ParseEncoders(out)
	assert.True(t, enc["mpeg4"])
	assert.True(t, enc["libx264"])
	assert.True(t, enc["aac"])
	assert.False(t, enc["libxvid"])
	assert.False(t, enc["="], "legend lines precede the listing")
}

func TestHasEncoderCachesOnlySuccessfulListing(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake ffmpeg is a shell script")
	}
	ffmpeg := filepath.Join(t.TempDir(), "ffmpeg")
	c := codec.NewFFmpegCodec(ffmpeg, "")

	_, err := c.HasEncoder(context.Background(), "mpeg4")
	require.Error(t, err, "ffmpeg not installed yet")

	listing := "#!/bin/sh\necho ' ------'\necho ' V....D mpeg4   MPEG-4 part 2'\n"
	require.NoError(t, os.WriteFile(ffmpeg, []byte(listing), 0o755))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.HasEncoder(cancelled, "mpeg4")
	require.Error(t, err)

	ok, err := c.HasEncoder(context.Background(), "mpeg4")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, os.Remove(ffmpeg))
	ok, err = c.HasEncoder(context.Background(), "libxvid")
	require.NoError(t, err, "listing is cached once read")
	assert.False(t, ok)
}

func TestResizeAndJPEGRoundTrip(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for i := range src.Pix {
		src.Pix[i] = 0x80
	}
	assert.Same(t, image.Image(src), codec.Resize(src, image.Pt(64, 48)))

	resized := codec.Resize(src, image.Pt(32, 24))
	assert.Equal(t, image.Pt(32, 24), resized.Bounds().Size())

	path := filepath.Join(t.TempDir(), "frame_0001.jpg")
	require.NoError(t, codec.WriteJPEG(path, resized))
	back, err := codec.ReadImage(path)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(32, 24), back.Bounds().Size())

	_, err = codec.ReadImage(filepath.Join(t.TempDir(), "missing.jpg"))
	assert.Error(t, err)
}

func TestToRGBAMovesOriginToZero(t *testing.T) {
	src := image.NewNRGBA(image.Rect(10, 10, 14, 12))
	src.Set(10, 10, color.NRGBA{R: 255, A: 255})
	out := codec.ToRGBA(src)
	assert.Equal(t, image.Rect(0, 0, 4, 2), out.Bounds())
	r, _, _, a := out.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(0xffff), a)
}

func TestProfileString(t *testing.T) {
	assert.Equal(t, "mpeg4/mp4v.mp4", codec.PrimaryProfile.String())
	assert.Equal(t, ".avi", codec.FallbackProfile.Extension)
}
