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

package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/kkdai/youtube/v2"
)

// YouTubeDownloader fetches the highest-resolution progressive MP4 stream,
// which carries audio and video in one file.
type YouTubeDownloader struct {
	client *youtube.Client
}

func NewYouTubeDownloader(httpClient *http.Client) *YouTubeDownloader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &YouTubeDownloader{client: &youtube.Client{HTTPClient: httpClient}}
}

func (y *YouTubeDownloader) Name() string { return "youtube" }

// BestProgressive picks the tallest MP4 format that has audio channels.
func BestProgressive(formats youtube.FormatList) (*youtube.Format, error) {
	candidates := formats.WithAudioChannels().Type("video/mp4")
	var best *youtube.Format
	for i := range candidates {
		f := &candidates[i]
		if best == nil || f.Height > best.Height || (f.Height == best.Height && f.Bitrate > best.Bitrate) {
			best = f
		}
	}
	if best == nil {
		return nil, errors.New("no progressive mp4 stream")
	}
	return best, nil
}

func (y *YouTubeDownloader) Fetch(ctx context.Context, url, dir string) (string, error) {
	video, err := y.client.GetVideoContext(ctx, url)
	if err != nil {
		return "", fmt.Errorf("get video: %w", err)
	}
	format, err := BestProgressive(video.Formats)
	if err != nil {
		return "", err
	}
	stream, _, err := y.client.GetStreamContext(ctx, video, format)
	if err != nil {
		return "", fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	path := filepath.Join(dir, fileName(video.Title, video.ID)+".mp4")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, stream); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("download stream: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// fileName makes a title safe to use as a file name, keeping it readable.
func fileName(title, fallback string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return -1
		}
		return r
	}, strings.TrimSpace(title))
	name = strings.Trim(name, ". ")
	if name == "" {
		name = fallback
	}
	if len(name) > 200 {
		name = name[:200]
	}
	return name
}
