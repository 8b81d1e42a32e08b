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
// This file implements a decorator around the Generative AI model handle that
// adds rate limiting and retries.
//
// Structs:
//   - QuotaAwareGenerativeAIModel: wraps `genai.Models` with a token bucket.
//
// Functions:
//   - NewQuotaAwareModel: constructor.
//   - GenerateContent: waits for a token, calls the model, and retries
//     failed calls up to MaxRetries times with a growing pause.
package cloud

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// ContentModel is the subset of `genai.Models` the wrapper calls.
type ContentModel interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// QuotaAwareGenerativeAIModel is a decorator that rate-limits and retries calls
// to a generative model.
type QuotaAwareGenerativeAIModel struct {
	GenerativeContentConfig *genai.GenerateContentConfig // Generation settings sent with every call.
	ModelName               string                       // The Vertex AI model name.
	ModelHandle             ContentModel                 // Usually the client's `genai.Models`.
	RateLimit               *rate.Limiter                // Token bucket shared by every caller of this model.
	RetryPause              time.Duration                // Base pause before a retry; doubled each attempt.

	retries      metric.Int64Counter
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
}

// NewQuotaAwareModel wraps handle. requestsPerSecond sets both the refill rate
// and the burst; values below 1 mean 1.
func NewQuotaAwareModel(wrapped *genai.GenerateContentConfig, name string, handle ContentModel, requestsPerSecond int) *QuotaAwareGenerativeAIModel {
	requestsPerSecond = max(1, requestsPerSecond)
	meter := otel.Meter("github.com/jaycherian/gcp-go-vista-detect")
	retries, _ := meter.Int64Counter("genai.retries")
	in, _ := meter.Int64Counter("genai.tokens.input")
	out, _ := meter.Int64Counter("genai.tokens.output")
	return &QuotaAwareGenerativeAIModel{
		GenerativeContentConfig: wrapped,
		ModelName:               name,
		ModelHandle:             handle,
		RateLimit:               rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
		RetryPause:              2 * time.Second,
		retries:                 retries,
		inputTokens:             in,
		outputTokens:            out,
	}
}

// GenerateContent blocks until the limiter admits the call, then calls the
// model. Failed calls are retried up to MaxRetries times.
func (q *QuotaAwareGenerativeAIModel) GenerateContent(ctx context.Context, contents []*genai.Content) (*genai.GenerateContentResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			q.retries.Add(ctx, 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(q.RetryPause << (attempt - 1)):
			}
		}
		if err := q.RateLimit.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := q.ModelHandle.GenerateContent(ctx, q.ModelName, contents, q.GenerativeContentConfig)
		if err == nil {
			if resp.UsageMetadata != nil {
				q.inputTokens.Add(ctx, int64(resp.UsageMetadata.PromptTokenCount))
				q.outputTokens.Add(ctx, int64(resp.UsageMetadata.CandidatesTokenCount))
			}
			return resp, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed generation after %d retries: %w", MaxRetries, lastErr)
}
