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
	"time"

	"golang.org/x/time/rate"
)

// QuotaAwareDownloader paces calls to a wrapped Downloader so bursts of runs
// do not trip the host's throttling.
type QuotaAwareDownloader struct {
	Downloader
	limiter *rate.Limiter
}

// NewQuotaAwareDownloader allows perMinute fetches per minute with a burst
// of burst. A non-positive perMinute disables pacing.
func NewQuotaAwareDownloader(d Downloader, perMinute, burst int) *QuotaAwareDownloader {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	return &QuotaAwareDownloader{Downloader: d, limiter: rate.NewLimiter(limit, max(1, burst))}
}

func (q *QuotaAwareDownloader) Fetch(ctx context.Context, url, dir string) (string, error) {
	if err := q.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return q.Downloader.Fetch(ctx, url, dir)
}
