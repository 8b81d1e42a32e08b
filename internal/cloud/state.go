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
// This file builds and holds the client objects for the optional cloud
// integrations. It acts as a dependency injection container, creating a
// single, shared `ServiceClients` struct that is passed to the workflow and
// the API.
//
// Logic Flow:
//  1. `NewCloudServiceClients` is called at application startup.
//  2. With no project configured it returns an empty container and every
//     integration stays disabled.
//  3. Otherwise each client is created only when its section of the
//     configuration asks for it: Storage for the results bucket, BigQuery for
//     the run ledger, IAM for URL signing, GenAI for the Gemini detector and
//     Pub/Sub for subscriptions.
//  4. Agent models are wrapped in `QuotaAwareGenerativeAIModel`.
//
// Structs:
//   - ServiceClients: the container. Nil fields mean the integration is off.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/bigquery"
	credentials "cloud.google.com/go/iam/credentials/apiv1"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"google.golang.org/genai"
)

// ServiceClients holds the clients for every external Google Cloud service
// the application talks to.
type ServiceClients struct {
	StorageClient   *storage.Client                         // GCS; set when a results bucket is configured.
	PubsubClient    *pubsub.Client                          // Pub/Sub; set when subscriptions are configured.
	GenAIClient     *genai.Client                           // Vertex AI; set when agent models are configured.
	BiqQueryClient  *bigquery.Client                        // BigQuery; set when a ledger dataset is configured.
	IAMClient       *credentials.IamCredentialsClient       // IAM; set when a signer service account is configured.
	PubSubListeners map[string]*PubSubListener              // Active Pub/Sub listeners, keyed by a logical name from the config.
	AgentModels     map[string]*QuotaAwareGenerativeAIModel // Rate-limited generative models, keyed by a logical name.
}

// Close releases every client that was created.
func (c *ServiceClients) Close() error {
	var errs []error
	if c.StorageClient != nil {
		errs = append(errs, c.StorageClient.Close())
	}
	if c.PubsubClient != nil {
		errs = append(errs, c.PubsubClient.Close())
	}
	if c.BiqQueryClient != nil {
		errs = append(errs, c.BiqQueryClient.Close())
	}
	if c.IAMClient != nil {
		errs = append(errs, c.IAMClient.Close())
	}
	return errors.Join(errs...)
}

// NewCloudServiceClients creates the clients config asks for. On error every
// client created so far is closed.
func NewCloudServiceClients(ctx context.Context, config *Config) (cloud *ServiceClients, err error) {
	cloud = &ServiceClients{
		PubSubListeners: make(map[string]*PubSubListener),
		AgentModels:     make(map[string]*QuotaAwareGenerativeAIModel),
	}
	if !config.CloudEnabled() {
		slog.Info("no google project configured; cloud integrations disabled")
		return cloud, nil
	}
	defer func() {
		if err != nil {
			_ = cloud.Close()
			cloud = nil
		}
	}()
	project := config.Application.GoogleProjectId

	if config.Storage.ResultsBucket != "" {
		if cloud.StorageClient, err = storage.NewClient(ctx); err != nil {
			return cloud, fmt.Errorf("storage client: %w", err)
		}
	}

	if config.BigQueryDataSource.DatasetName != "" {
		if cloud.BiqQueryClient, err = bigquery.NewClient(ctx, project); err != nil {
			return cloud, fmt.Errorf("bigquery client: %w", err)
		}
	}

	if config.Application.SignerServiceAccountEmail != "" {
		if cloud.IAMClient, err = credentials.NewIamCredentialsClient(ctx); err != nil {
			return cloud, fmt.Errorf("iam credentials client: %w", err)
		}
	}

	if len(config.AgentModels) > 0 {
		if cloud.GenAIClient, err = genai.NewClient(ctx, &genai.ClientConfig{
			Project:  project,
			Location: config.Application.GoogleLocation,
			Backend:  genai.BackendVertexAI,
		}); err != nil {
			return cloud, fmt.Errorf("genai client: %w", err)
		}
		for amKey, values := range config.AgentModels {
			cloud.AgentModels[amKey] = NewQuotaAwareModel(GenerateContentConfig(values), values.Model, cloud.GenAIClient.Models, values.RateLimit)
			slog.Debug("agent model configured", "key", amKey, "model", values.Model)
		}
	}

	if len(config.TopicSubscriptions) > 0 {
		if cloud.PubsubClient, err = pubsub.NewClient(ctx, project); err != nil {
			return cloud, fmt.Errorf("pubsub client: %w", err)
		}
		// Commands are attached later, once the workflow is built.
		for subKey, values := range config.TopicSubscriptions {
			cloud.PubSubListeners[subKey], err = NewPubSubListener(cloud.PubsubClient, values.Name, nil)
			if err != nil {
				return cloud, err
			}
		}
	}
	return cloud, nil
}

// GenerateContentConfig converts a model's TOML settings into the request
// configuration sent with every call.
func GenerateContentConfig(values VertexAiLLMModel) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(values.Temperature),
		TopP:             genai.Ptr(values.TopP),
		TopK:             genai.Ptr(values.TopK),
		MaxOutputTokens:  values.MaxTokens,
		SafetySettings:   DefaultSafetySettings,
		ResponseMIMEType: values.OutputFormat,
	}
	if values.SystemInstructions != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: values.SystemInstructions}}}
	}
	return cfg
}
