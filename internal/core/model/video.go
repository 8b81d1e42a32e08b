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

// Package model defines the data that flows through a detection run: where
// a video came from, what it is called in the result store, what the
// detector found in each sampled frame, and what a run produced.
package model

import (
	"path/filepath"
)

// VideoIdentifier names one video's result bundle. Valid identifiers match
// [0-9A-Za-z_-]{3,128} and are safe to use as a directory name.
type VideoIdentifier string

func (v VideoIdentifier) String() string {
	return string(v)
}

// SourceKind tags a SourceDescriptor.
type SourceKind int

const (
	SourceRemote SourceKind = iota + 1
	SourceLocal
)

// SourceDescriptor says where a video originated. It is a tagged union:
// Remote sources carry URL, Local sources carry an absolute Path.
type SourceDescriptor struct {
	Kind SourceKind
	URL  string
	Path string
}

// RemoteSource describes a video to be downloaded from url.
func RemoteSource(url string) SourceDescriptor {
	return SourceDescriptor{Kind: SourceRemote, URL: url}
}

// LocalSource describes a video already on disk. Relative paths are made
// absolute against the working directory.
func LocalSource(path string) SourceDescriptor {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return SourceDescriptor{Kind: SourceLocal, Path: path}
}

func (s SourceDescriptor) IsRemote() bool {
	return s.Kind == SourceRemote
}

func (s SourceDescriptor) IsLocal() bool {
	return s.Kind == SourceLocal
}

// String is the provenance recorded in metadata.txt: the URL for remote
// sources and "local:<absolute path>" for local ones.
func (s SourceDescriptor) String() string {
	switch s.Kind {
	case SourceRemote:
		return s.URL
	case SourceLocal:
		return "local:" + s.Path
	default:
		return ""
	}
}

// VideoMetadata is best-effort descriptive information about a remote video.
// Every field is optional.
type VideoMetadata struct {
	Title     string `json:"title,omitempty"`
	Duration  int64  `json:"duration,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// IsEmpty reports whether no field was resolved.
func (m *VideoMetadata) IsEmpty() bool {
	return m == nil || (m.Title == "" && m.Duration == 0 && m.Thumbnail == "")
}
