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
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// YtDlpDownloader shells out to yt-dlp with a permissive format selector and
// merges to MP4 when post-processing is available.
type YtDlpDownloader struct {
	Path   string
	Format string
}

func NewYtDlpDownloader(path string) *YtDlpDownloader {
	if path == "" {
		path = "yt-dlp"
	}
	return &YtDlpDownloader{Path: path, Format: "best[ext=mp4]/best"}
}

func (y *YtDlpDownloader) Name() string { return "yt-dlp" }

func (y *YtDlpDownloader) args(url, dir string) []string {
	return []string{
		"-f", y.Format,
		"--merge-output-format", "mp4",
		"--no-playlist",
		"--no-progress",
		"-o", filepath.Join(dir, "%(title)s.%(ext)s"),
		"--print", "after_move:filepath",
		url,
	}
}

func (y *YtDlpDownloader) Fetch(ctx context.Context, url, dir string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, y.Path, y.args(url, dir)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("yt-dlp: %w: %s", err, lastLine(stderr.String()))
	}
	if path := lastLine(stdout.String()); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return newestFile(dir)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// newestFile returns the most recently modified regular file in dir.
func newestFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var (
		best string
		mod  int64
	)
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if t := info.ModTime().UnixNano(); best == "" || t > mod {
			best, mod = filepath.Join(dir, e.Name()), t
		}
	}
	if best == "" {
		return "", fmt.Errorf("yt-dlp wrote no file to %s", dir)
	}
	return best, nil
}
