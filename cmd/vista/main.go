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

// Command vista runs the detection pipeline once from the command line.
// Logs go to stderr; on success stdout carries only the result directory.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jaycherian/gcp-go-vista-detect/internal/cloud"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/workflow"
	"github.com/jaycherian/gcp-go-vista-detect/internal/telemetry"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "run" {
		fmt.Fprintln(stderr, usage)
		return exitUsage
	}

	if os.Getenv(cloud.EnvConfigRuntime) == "" {
		_ = os.Setenv(cloud.EnvConfigRuntime, "local")
	}
	if os.Getenv(cloud.EnvConfigFilePrefix) == "" {
		_ = os.Setenv(cloud.EnvConfigFilePrefix, "configs")
	}
	config := cloud.NewConfig()
	if err := cloud.LoadConfig(config); err != nil {
		fmt.Fprintln(stderr, errorLine(err))
		return exitError
	}

	req, err := parseRunArgs(args[1:], config, stderr)
	if err != nil {
		fmt.Fprintln(stderr, errorLine(err))
		fmt.Fprintln(stderr, usage)
		return exitCode(err)
	}

	closeLog, err := telemetry.SetupLogging(config.Telemetry, stderr)
	if err != nil {
		fmt.Fprintln(stderr, errorLine(err))
		return exitError
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.SetupOpenTelemetry(ctx, config)
	if err != nil {
		fmt.Fprintln(stderr, errorLine(err))
		return exitError
	}
	defer func() { _ = shutdown(context.Background()) }()

	// The CLI has no use for the cloud triggers or the ledger, but a
	// configured project still mirrors bundles and enables the Gemini
	// backend.
	clients, err := cloud.NewCloudServiceClients(ctx, config)
	if err != nil {
		fmt.Fprintln(stderr, errorLine(err))
		return exitError
	}
	defer clients.Close()

	stages, err := workflow.DefaultStages(config, clients)
	if err != nil {
		fmt.Fprintln(stderr, errorLine(err))
		return exitError
	}
	defer stages.Close()

	result, err := workflow.NewDetectionWorkflow(stages).Run(ctx, req)
	if err != nil {
		fmt.Fprintln(stderr, errorLine(err))
		return exitCode(err)
	}
	if result.RenderErr != nil {
		slog.Warn("results saved without a rendered video", "error", result.RenderErr)
	}
	fmt.Fprintln(stdout, result.Paths.Base)
	return exitOK
}
