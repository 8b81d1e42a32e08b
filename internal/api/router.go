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

// Package api defines the HTTP routes served by cmd/server.
//
// Routes:
//   - POST /api/process: run the detection workflow for a URL.
//   - GET  /api/results/:id: the persisted report of a video.
//   - GET  /api/results/:id/signed/:artifact: a signed link to a mirrored
//     artifact (only when the GCS mirror is configured).
//   - GET  /api/runs: recent runs from the BigQuery ledger (only when the
//     ledger is configured).
//   - GET  /results/*: the result bundles as static files.
package api

import (
	"context"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/results"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/services"
)

// Runner is the orchestration entry point the API drives.
// *workflow.DetectionWorkflow satisfies it.
type Runner interface {
	Run(ctx context.Context, req model.RunRequest) (*model.RunResult, error)
	Defaults() (threshold float64, fps int)
}

// Handlers holds what the routes need. Bundles, Ledger and Limiter are
// optional.
type Handlers struct {
	Runner     Runner
	ResultsDir string
	Bundles    *services.BundleService
	Ledger     *services.RunLedger
	Limiter    *rate.Limiter
}

// NewRouter builds the gin engine with tracing, CORS and every route.
func NewRouter(h *Handlers, serviceName string, allowedOrigins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))
	r.Use(cors.New(corsConfig(allowedOrigins)))

	apiGroup := r.Group("/api")
	{
		ProcessRouter(apiGroup, h)
		ResultsRouter(apiGroup, h)
		RunsRouter(apiGroup, h)
	}
	StaticResults(r, h.ResultsDir)
	return r
}

func corsConfig(origins []string) cors.Config {
	config := cors.DefaultConfig()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		config.AllowAllOrigins = true
		return config
	}
	config.AllowOrigins = origins
	return config
}

// StaticResults serves the result bundles under /results without directory
// listings. Dot-files and bundles still held by a run are not served.
func StaticResults(r *gin.Engine, dir string) {
	r.StaticFS("/results", &bundleFS{root: dir, fs: gin.Dir(dir, false)})
}

type bundleFS struct {
	root string
	fs   http.FileSystem
}

func (b *bundleFS) Open(name string) (http.File, error) {
	parts := strings.Split(strings.TrimPrefix(path.Clean("/"+name), "/"), "/")
	for _, p := range parts {
		if strings.HasPrefix(p, ".") {
			return nil, os.ErrNotExist
		}
	}
	if len(parts) > 1 {
		if _, err := os.Stat(filepath.Join(b.root, parts[0], results.LockFileName)); err == nil {
			return nil, os.ErrNotExist
		}
	}
	return b.fs.Open(name)
}
