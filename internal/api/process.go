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

package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/workflow"
)

// ProcessResponse is the body of a successful POST /api/process.
type ProcessResponse struct {
	Status   string              `json:"status"`
	VideoID  string              `json:"video_id"`
	Metadata model.VideoMetadata `json:"metadata"`
	Summary  model.Summary       `json:"summary"`
	Results  ResultLinks         `json:"results"`
}

// ResultLinks point at the persisted artifacts under /results. An empty
// OutputVideoURL means the video could not be rendered.
type ResultLinks struct {
	OutputVideoURL   string `json:"output_video_url"`
	DetectionJSONURL string `json:"detection_json_url"`
	MetadataURL      string `json:"metadata_url"`
}

// ProcessRouter registers POST /process.
func ProcessRouter(r *gin.RouterGroup, h *Handlers) {
	r.POST("/process", func(c *gin.Context) {
		if h.Limiter != nil && !h.Limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests, retry later"})
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
			return
		}
		threshold, fps := h.Runner.Defaults()
		req, err := workflow.ParseProcessRequest(body, threshold, fps)
		if err != nil {
			writeError(c, err)
			return
		}

		// A client hanging up must not abort a run halfway through its bundle.
		result, err := h.Runner.Run(context.WithoutCancel(c.Request.Context()), req)
		if err != nil {
			writeError(c, err)
			return
		}
		if result.RenderErr != nil {
			slog.WarnContext(c.Request.Context(), "run completed without video", "video_id", result.VideoID, "error", result.RenderErr)
		}
		c.JSON(http.StatusOK, NewProcessResponse(result, h.ResultsDir))
	})
}

// NewProcessResponse shapes a run result for the API.
func NewProcessResponse(result *model.RunResult, resultsDir string) *ProcessResponse {
	out := &ProcessResponse{
		Status:  "completed",
		VideoID: result.VideoID.String(),
		Summary: result.Summary,
		Results: ResultLinks{
			DetectionJSONURL: ResultURL(resultsDir, result.Paths.ReportJSON),
			MetadataURL:      ResultURL(resultsDir, result.Paths.MetadataTXT),
		},
	}
	if out.Summary.ByClass == nil {
		out.Summary.ByClass = map[string]int{}
	}
	if result.Metadata != nil {
		out.Metadata = *result.Metadata
	}
	if result.Rendered {
		out.Results.OutputVideoURL = ResultURL(resultsDir, result.VideoPath)
	}
	return out
}

// ResultURL maps a file under resultsDir to its /results URL. Files outside
// resultsDir have no URL.
func ResultURL(resultsDir, path string) string {
	if path == "" {
		return ""
	}
	root, err := filepath.Abs(resultsDir)
	if err != nil {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return "/results/" + filepath.ToSlash(rel)
}

// StatusFor maps a pipeline failure to an HTTP status.
func StatusFor(err error) int {
	switch model.KindOf(err) {
	case model.KindUsage, model.KindIdentifier:
		return http.StatusBadRequest
	case model.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := StatusFor(err)
	body := gin.H{"error": err.Error()}
	if id, ok := model.ConflictID(err); ok {
		body["video_id"] = id.String()
	}
	if status == http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, body)
}
