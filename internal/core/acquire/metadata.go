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
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/kkdai/youtube/v2"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
)

// MetadataResolver looks up title, duration and thumbnail for a remote
// video. The YouTube client is asked first; other hosts, or a failed
// lookup, fall back to the page's OpenGraph tags. Lookups never fail a run.
type MetadataResolver struct {
	yt   *youtube.Client
	http *http.Client
}

func NewMetadataResolver(httpClient *http.Client) *MetadataResolver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &MetadataResolver{yt: &youtube.Client{HTTPClient: httpClient}, http: httpClient}
}

// Resolve returns whatever metadata could be found, possibly none.
func (m *MetadataResolver) Resolve(ctx context.Context, url string) model.VideoMetadata {
	video, err := m.yt.GetVideoContext(ctx, url)
	if err == nil {
		return fromYouTube(video)
	}
	slog.DebugContext(ctx, "youtube metadata unavailable", "url", url, "error", err)
	page, err := m.fetch(ctx, url)
	if err != nil {
		slog.DebugContext(ctx, "page metadata unavailable", "url", url, "error", err)
		return model.VideoMetadata{}
	}
	meta, err := ParsePageMetadata(page)
	if err != nil {
		slog.DebugContext(ctx, "page metadata unparseable", "url", url, "error", err)
		return model.VideoMetadata{}
	}
	return meta
}

func fromYouTube(v *youtube.Video) model.VideoMetadata {
	meta := model.VideoMetadata{Title: v.Title, Duration: int64(v.Duration.Seconds())}
	var widest uint
	for _, t := range v.Thumbnails {
		if meta.Thumbnail == "" || t.Width > widest {
			meta.Thumbnail, widest = t.URL, t.Width
		}
	}
	return meta
}

func (m *MetadataResolver) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

// ParsePageMetadata reads OpenGraph and schema.org tags from an HTML page.
func ParsePageMetadata(html []byte) (model.VideoMetadata, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return model.VideoMetadata{}, err
	}
	attr := func(selectors ...string) string {
		for _, sel := range selectors {
			if v, ok := doc.Find(sel).First().Attr("content"); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}

	meta := model.VideoMetadata{
		Title:     attr(`meta[property="og:title"]`, `meta[name="title"]`),
		Thumbnail: attr(`meta[property="og:image"]`, `meta[name="twitter:image"]`),
	}
	if meta.Title == "" {
		meta.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if d := attr(`meta[property="video:duration"]`, `meta[property="og:video:duration"]`); d != "" {
		if secs, err := strconv.ParseInt(d, 10, 64); err == nil {
			meta.Duration = secs
		}
	}
	if meta.Duration == 0 {
		meta.Duration = ParseISODuration(attr(`meta[itemprop="duration"]`))
	}
	return meta, nil
}

var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?T?(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?$`)

// ParseISODuration converts "PT1H2M3S" style durations to seconds. Anything
// else yields 0.
func ParseISODuration(s string) int64 {
	m := isoDuration.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if m == nil {
		return 0
	}
	var total int64
	for i, unit := range []int64{86400, 3600, 60, 1} {
		if m[i+1] == "" {
			continue
		}
		n, _ := strconv.ParseInt(m[i+1], 10, 64)
		total += n * unit
	}
	return total
}
