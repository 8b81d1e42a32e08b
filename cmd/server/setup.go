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

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/jaycherian/gcp-go-vista-detect/internal/api"
	"github.com/jaycherian/gcp-go-vista-detect/internal/cloud"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/services"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/workflow"
)

// StateManager holds everything the server builds at startup.
type StateManager struct {
	config   *cloud.Config
	cloud    *cloud.ServiceClients
	stages   *workflow.Stages
	workflow *workflow.DetectionWorkflow
	handlers *api.Handlers
}

var state = &StateManager{}

// SetupOS defaults the configuration directory and runtime when the
// environment does not set them.
func SetupOS() (err error) {
	if os.Getenv(cloud.EnvConfigFilePrefix) == "" {
		if err = os.Setenv(cloud.EnvConfigFilePrefix, "configs"); err != nil {
			return err
		}
	}
	if os.Getenv(cloud.EnvConfigRuntime) == "" {
		err = os.Setenv(cloud.EnvConfigRuntime, "local")
	}
	return err
}

// GetConfig loads the configuration once.
func GetConfig() (*cloud.Config, error) {
	if state.config == nil {
		if err := SetupOS(); err != nil {
			return nil, err
		}
		config := cloud.NewConfig()
		if err := cloud.LoadConfig(config); err != nil {
			return nil, err
		}
		state.config = config
	}
	return state.config, nil
}

// InitState creates the cloud clients, the detection workflow and the API
// handlers, then starts the Pub/Sub listeners.
func InitState(ctx context.Context) error {
	config, err := GetConfig()
	if err != nil {
		return err
	}

	cloudClients, err := cloud.NewCloudServiceClients(ctx, config)
	if err != nil {
		return err
	}
	state.cloud = cloudClients

	stages, err := workflow.DefaultStages(config, cloudClients)
	if err != nil {
		return err
	}
	state.stages = stages
	state.workflow = workflow.NewDetectionWorkflow(stages)

	handlers := &api.Handlers{
		Runner:     state.workflow,
		ResultsDir: config.Paths.ResultsDir,
	}
	if cloudClients.StorageClient != nil {
		handlers.Bundles = &services.BundleService{
			StorageClient: cloudClients.StorageClient,
			IAMClient:     cloudClients.IAMClient,
			SignerEmail:   config.Application.SignerServiceAccountEmail,
			Bucket:        config.Storage.ResultsBucket,
			Prefix:        config.Storage.ObjectPrefix,
			TTL:           time.Duration(config.Storage.SignedURLTTL) * time.Minute,
		}
	}
	if cloudClients.BiqQueryClient != nil {
		handlers.Ledger = &services.RunLedger{
			BigqueryClient: cloudClients.BiqQueryClient,
			DatasetName:    config.BigQueryDataSource.DatasetName,
			RunsTable:      config.BigQueryDataSource.RunsTable,
		}
	}
	if perMinute := config.Server.MaxRunsPerMinute; perMinute > 0 {
		handlers.Limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), max(1, config.Server.RunBurst))
	}
	state.handlers = handlers

	SetupListeners(ctx, cloudClients, state.workflow)
	return nil
}

// CloseState stops the detector and releases the cloud clients.
func CloseState() {
	var errs []error
	if state.stages != nil {
		errs = append(errs, state.stages.Close())
	}
	if state.cloud != nil {
		errs = append(errs, state.cloud.Close())
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("failed to release resources", "error", err)
	}
}
