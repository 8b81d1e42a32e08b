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

// Package videoid derives the identifier that names a video's result bundle.
//
// Logic Flow:
//  1. Remote sources: look for a "v=" query value, or a trailing path
//     segment of six or more identifier characters on a video URL.
//  2. If the URL has none, sanitize the base name of the downloaded file.
//  3. Local sources: sanitize the file's base name without its extension.
//  4. The final candidate must match [0-9A-Za-z_-]{3,128}; anything else
//     fails the run with an identifier error.
package videoid

import (
	"net/url"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
)

// MaxLength bounds identifiers so they stay usable as directory names.
const MaxLength = 128

const opResolve = "resolve identifier"

var (
	queryValue   = regexp.MustCompile(`^([0-9A-Za-z_-]{6,})`)
	rawQuery     = regexp.MustCompile(`[?&]v=([0-9A-Za-z_-]{6,})`)
	segment      = regexp.MustCompile(`^[0-9A-Za-z_-]{6,}$`)
	disallowed   = regexp.MustCompile(`[^0-9A-Za-z_-]`)
	validPattern = regexp.MustCompile(`^[0-9A-Za-z_-]{3,128}$`)
)

// ShortLinkHosts serve a video at a single trailing path segment.
var ShortLinkHosts = []string{"youtu.be", "vimeo.com", "dai.ly"}

// videoPathPrefixes precede the id on hosts that also serve other pages.
var videoPathPrefixes = map[string]bool{"embed": true, "shorts": true, "live": true, "v": true, "e": true}

// ExtractFromURL returns the video id carried by rawURL: the "v" query
// value, or the trailing path segment on a short-link host or under an
// /embed, /shorts, /live or /v path. Ids are six or more identifier
// characters.
func ExtractFromURL(rawURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		if m := rawQuery.FindStringSubmatch(rawURL); m != nil {
			return m[1], true
		}
		return "", false
	}
	if m := queryValue.FindStringSubmatch(u.Query().Get("v")); m != nil {
		return m[1], true
	}

	parts := strings.FieldsFunc(u.EscapedPath(), func(r rune) bool { return r == '/' })
	if len(parts) == 0 {
		return "", false
	}
	last := parts[len(parts)-1]
	if !segment.MatchString(last) {
		return "", false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if len(parts) == 1 && slices.Contains(ShortLinkHosts, host) {
		return last, true
	}
	if len(parts) >= 2 && videoPathPrefixes[strings.ToLower(parts[len(parts)-2])] {
		return last, true
	}
	return "", false
}

// Sanitize drops every character outside [0-9A-Za-z_-] and truncates the
// result to MaxLength. It may return an empty string.
func Sanitize(name string) string {
	out := disallowed.ReplaceAllString(name, "")
	if len(out) > MaxLength {
		out = out[:MaxLength]
	}
	return out
}

// Validate reports whether id is a complete, valid identifier.
func Validate(id string) bool {
	return validPattern.MatchString(id)
}

// FromURL prefers the identifier embedded in rawURL and falls back to the base
// name of the file it was downloaded to. downloaded may be empty when the
// file is not known yet.
func FromURL(rawURL, downloaded string) (model.VideoIdentifier, error) {
	if id, ok := ExtractFromURL(rawURL); ok {
		return checked(id, rawURL)
	}
	if downloaded == "" {
		return "", model.Errorf(model.KindIdentifier, opResolve, "no identifier in url %q", rawURL)
	}
	return FromPath(downloaded)
}

// FromPath sanitizes the base name of path, without its extension.
func FromPath(path string) (model.VideoIdentifier, error) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return checked(Sanitize(base), path)
}

// Resolve applies the resolution policy for source. For remote sources
// downloaded is the acquired file, or empty before acquisition.
func Resolve(source model.SourceDescriptor, downloaded string) (model.VideoIdentifier, error) {
	switch {
	case source.IsRemote():
		return FromURL(source.URL, downloaded)
	case source.IsLocal():
		return FromPath(source.Path)
	default:
		return "", model.Errorf(model.KindIdentifier, opResolve, "unknown source")
	}
}

// InURL reports whether the identifier of a remote source can be resolved
// before anything is downloaded.
func InURL(source model.SourceDescriptor) bool {
	if !source.IsRemote() {
		return false
	}
	_, ok := ExtractFromURL(source.URL)
	return ok
}

func checked(id, from string) (model.VideoIdentifier, error) {
	if !Validate(id) {
		return "", model.Errorf(model.KindIdentifier, opResolve, "invalid video id %q derived from %q", id, from)
	}
	return model.VideoIdentifier(id), nil
}
