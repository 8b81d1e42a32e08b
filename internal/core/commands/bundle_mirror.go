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

package commands

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/jaycherian/gcp-go-vista-detect/internal/cloud"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/cor"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
)

// Uploader copies a local file to a GCS object.
type Uploader func(ctx context.Context, src string, obj cloud.GCSObject) error

// BundleMirror copies a completed run's artifacts to GCS:
// gs://<bucket>/<prefix>/<video_id>/<artifact>. The local bundle stays the
// source of truth, so upload failures are logged and counted but do not
// fail the run.
type BundleMirror struct {
	cor.BaseCommand
	upload Uploader
	bucket string
	prefix string
}

// NewBundleMirror mirrors through client. A nil client yields a command that
// never executes.
func NewBundleMirror(name string, client *storage.Client, bucket, prefix string) *BundleMirror {
	var upload Uploader
	if client != nil && bucket != "" {
		upload = func(ctx context.Context, src string, obj cloud.GCSObject) error {
			return cloud.UploadFile(ctx, client, src, obj)
		}
	}
	return NewBundleMirrorWith(name, upload, bucket, prefix)
}

// NewBundleMirrorWith mirrors through upload.
func NewBundleMirrorWith(name string, upload Uploader, bucket, prefix string) *BundleMirror {
	return &BundleMirror{BaseCommand: *cor.NewBaseCommand(name).WithInput(ParamResult), upload: upload, bucket: bucket, prefix: prefix}
}

func (c *BundleMirror) IsExecutable(context cor.Context) bool {
	return c.upload != nil && c.BaseCommand.IsExecutable(context)
}

func (c *BundleMirror) Execute(context cor.Context) {
	result, _ := context.Get(c.GetInputParam()).(*model.RunResult)
	if result == nil {
		return
	}
	ctx := context.GetContext()
	id := result.VideoID.String()

	failed := 0
	files := bundleFiles(result)
	for _, f := range files {
		obj := cloud.BundleObject(c.bucket, c.prefix, id, f.rel)
		if err := c.upload(ctx, f.path, obj); err != nil {
			failed++
			slog.WarnContext(ctx, "failed to mirror artifact", "video_id", id, "object", obj.URI(), "error", err)
		}
	}
	if failed > 0 {
		if c.GetErrorCounter() != nil {
			c.GetErrorCounter().Add(ctx, 1)
		}
		return
	}
	slog.InfoContext(ctx, "bundle mirrored", "video_id", id, "objects", len(files),
		"uri", cloud.BundleObject(c.bucket, c.prefix, id, "").URI())
	c.Succeed(context)
}

type bundleFile struct {
	path string
	rel  string
}

// bundleFiles lists the artifacts of result relative to its bundle. A video
// rendered outside the bundle keeps only its base name.
func bundleFiles(result *model.RunResult) []bundleFile {
	out := []bundleFile{
		{path: result.Paths.ReportJSON, rel: filepath.Base(result.Paths.ReportJSON)},
		{path: result.Paths.MetadataTXT, rel: filepath.Base(result.Paths.MetadataTXT)},
	}
	if entries, err := os.ReadDir(result.Paths.ProcessedFrames); err == nil {
		dir := filepath.Base(result.Paths.ProcessedFrames)
		for _, e := range entries {
			if !e.IsDir() {
				out = append(out, bundleFile{path: filepath.Join(result.Paths.ProcessedFrames, e.Name()), rel: filepath.Join(dir, e.Name())})
			}
		}
	}
	if result.Rendered && result.VideoPath != "" {
		out = append(out, bundleFile{path: result.VideoPath, rel: filepath.Base(result.VideoPath)})
	}
	return out
}
