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

// Package cloud provides components for interacting with Google Cloud services.
// This file names and writes the GCS objects that mirror a result bundle.
//
// A bundle artifact <results>/<id>/<rel> is stored as
// gs://<bucket>/<prefix>/<id>/<rel>.
package cloud

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSObject represents a GCS object by its bucket and name.
type GCSObject struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// URI returns the gs:// form of the object.
func (o GCSObject) URI() string {
	return fmt.Sprintf("gs://%s/%s", o.Bucket, o.Name)
}

// BundleObject returns the object that mirrors the artifact rel of bundle
// id. rel uses the local path separator.
func BundleObject(bucket, prefix, id, rel string) GCSObject {
	return GCSObject{
		Bucket: bucket,
		Name:   path.Join(strings.Trim(prefix, "/"), id, filepath.ToSlash(rel)),
	}
}

// ContentType guesses the MIME type of an artifact from its extension.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".avi":
		return "video/x-msvideo"
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// UploadFile copies the local file at src to obj. The write is conditional
// on the object not existing, so a mirrored artifact is never replaced.
func UploadFile(ctx context.Context, client *storage.Client, src string, obj GCSObject) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	w := client.Bucket(obj.Bucket).Object(obj.Name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = ContentType(src)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload %s: %w", obj.URI(), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload %s: %w", obj.URI(), err)
	}
	return nil
}
