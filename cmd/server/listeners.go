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
	"log/slog"

	"github.com/jaycherian/gcp-go-vista-detect/internal/cloud"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/workflow"
)

// SetupListeners attaches the detection workflow to every configured
// subscription and starts receiving. Messages are process requests in the
// same JSON form as POST /api/process. Requests that can never succeed are
// acknowledged; everything else is redelivered.
func SetupListeners(ctx context.Context, cloudClients *cloud.ServiceClients, detection *workflow.DetectionWorkflow) {
	for name, listener := range cloudClients.PubSubListeners {
		listener.SetCommand(detection)
		listener.SetRetryPolicy(model.IsPermanent)
		listener.Listen(ctx)
		slog.Info("listening for process requests", "listener", name)
	}
}
