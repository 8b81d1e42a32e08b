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

// Package acquire turns a source descriptor into a local video file.
//
// Logic Flow:
//  1. Local sources are returned as their absolute path. The caller checks
//     that the file exists.
//  2. Remote sources go to the primary Downloader. If it fails, or what it
//     wrote is not a video, its leftovers are removed with a warning and the
//     fallback Downloader is tried.
//  3. Only when both fail is the run failed with an acquisition error that
//     carries both causes.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
)

const opAcquire = "acquire media"

// Downloader fetches a remote video into dir and returns the written path.
type Downloader interface {
	Name() string
	Fetch(ctx context.Context, url, dir string) (string, error)
}

// Acquirer applies the primary-then-fallback policy.
type Acquirer struct {
	primary  Downloader
	fallback Downloader
}

// NewAcquirer builds an Acquirer. fallback may be nil.
func NewAcquirer(primary, fallback Downloader) *Acquirer {
	return &Acquirer{primary: primary, fallback: fallback}
}

// Acquire resolves source to a local file. Remote videos are downloaded into
// dir; local files are returned unchanged once they are known to exist.
func (a *Acquirer) Acquire(ctx context.Context, source model.SourceDescriptor, dir string) (string, error) {
	if source.IsLocal() {
		if fi, err := os.Stat(source.Path); err != nil || fi.IsDir() {
			return "", model.Errorf(model.KindAcquisition, opAcquire, "video file not found: %s", source.Path)
		}
		return source.Path, nil
	}
	if !source.IsRemote() {
		return "", model.Errorf(model.KindUsage, opAcquire, "no source given")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", model.NewError(model.KindInternal, opAcquire, err)
	}

	var errs []error
	for _, d := range []Downloader{a.primary, a.fallback} {
		if d == nil {
			continue
		}
		path, err := a.try(ctx, d, source.URL, dir)
		if err == nil {
			slog.InfoContext(ctx, "media acquired", "downloader", d.Name(), "path", path)
			return path, nil
		}
		slog.WarnContext(ctx, "download strategy failed", "downloader", d.Name(), "url", source.URL, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return "", model.Errorf(model.KindAcquisition, opAcquire, "no downloader configured")
	}
	return "", model.NewError(model.KindAcquisition, opAcquire, errors.Join(errs...))
}

func (a *Acquirer) try(ctx context.Context, d Downloader, url, dir string) (string, error) {
	before := listDir(dir)
	path, err := d.Fetch(ctx, url, dir)
	if err == nil {
		err = SniffVideo(path)
	}
	if err != nil {
		removeNew(ctx, dir, before)
		return "", err
	}
	return path, nil
}

func listDir(dir string) map[string]bool {
	seen := map[string]bool{}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		seen[e.Name()] = true
	}
	return seen
}

// removeNew deletes entries of dir that were not present in before.
func removeNew(ctx context.Context, dir string, before map[string]bool) {
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if before[e.Name()] {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			slog.WarnContext(ctx, "partial download left behind", "path", p, "error", err)
			continue
		}
		slog.WarnContext(ctx, "removed partial download", "path", p)
	}
}
