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

// Package services holds the read side of the optional cloud integrations:
// signed links to mirrored artifacts and the run ledger.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
	"google.golang.org/api/iterator"
)

// DefaultRecentRuns is how many runs Recent returns when no limit is given.
const DefaultRecentRuns = 20

// MaxRecentRuns bounds a single Recent call.
const MaxRecentRuns = 500

// RunLedger reads the BigQuery table RunRecorder writes.
type RunLedger struct {
	BigqueryClient *bigquery.Client // Client for interacting with Google BigQuery.
	DatasetName    string           // The name of the BigQuery dataset.
	RunsTable      string           // The table with one row per completed run.
}

// GetFQN returns the table name in the dotted form SQL expects.
func (s *RunLedger) GetFQN() string {
	fqn := s.BigqueryClient.Dataset(s.DatasetName).Table(s.RunsTable).FullyQualifiedName()
	return strings.Replace(fqn, ":", ".", -1)
}

// Recent returns up to limit runs, newest first. A non-empty videoID keeps
// only that video's runs.
func (s *RunLedger) Recent(ctx context.Context, videoID string, limit int) (out []*model.RunRecord, err error) {
	if s == nil || s.BigqueryClient == nil {
		return nil, errors.New("run ledger is not configured")
	}
	limit = ClampLimit(limit)

	q := s.BigqueryClient.Query(fmt.Sprintf(QryRecentRuns, s.GetFQN()))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "video_id", Value: videoID},
		{Name: "limit", Value: limit},
	}
	itr, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read from BigQuery: %w", err)
	}

	out = make([]*model.RunRecord, 0, limit)
	for {
		r := &model.RunRecord{}
		err := itr.Next(r)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("failed to iterate results: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ClampLimit maps non-positive limits to DefaultRecentRuns and caps the rest
// at MaxRecentRuns.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultRecentRuns
	case limit > MaxRecentRuns:
		return MaxRecentRuns
	default:
		return limit
	}
}
