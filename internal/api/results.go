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
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/results"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/services"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/videoid"
)

// ReportResponse is the body of GET /api/results/:id.
type ReportResponse struct {
	Report  *model.DetectionReport `json:"report"`
	Summary model.Summary          `json:"summary"`
}

// ResultsRouter registers the read-only result routes.
func ResultsRouter(r *gin.RouterGroup, h *Handlers) {
	res := r.Group("/results")
	{
		res.GET("/:id", func(c *gin.Context) {
			id := c.Param("id")
			if !videoid.Validate(id) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid video id"})
				return
			}
			paths := results.NewLayout(h.ResultsDir).Paths(model.VideoIdentifier(id))
			report, err := results.LoadReport(paths.ReportJSON)
			if errors.Is(err, os.ErrNotExist) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no results for video id", "video_id": id})
				return
			}
			if err != nil {
				writeError(c, err)
				return
			}
			total, byClass := results.Summarize(report.FrameDetections())
			c.JSON(http.StatusOK, &ReportResponse{
				Report: report,
				Summary: model.Summary{
					TotalFrames:         len(report.Frames),
					TotalDetections:     total,
					ByClass:             byClass,
					ConfidenceThreshold: report.ConfidenceThreshold,
				},
			})
		})

		res.GET("/:id/signed/:artifact", func(c *gin.Context) {
			if h.Bundles == nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "bundle mirror is not configured"})
				return
			}
			id := c.Param("id")
			if !videoid.Validate(id) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid video id"})
				return
			}
			url, err := h.Bundles.SignedURL(c, id, c.Param("artifact"))
			if errors.Is(err, services.ErrUnknownArtifact) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"url": url})
		})
	}
}

// RunsRouter registers GET /runs.
func RunsRouter(r *gin.RouterGroup, h *Handlers) {
	r.GET("/runs", func(c *gin.Context) {
		if h.Ledger == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "run ledger is not configured"})
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
		if err != nil {
			limit = 0
		}
		runs, err := h.Ledger.Recent(c, c.Query("video_id"), limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, runs)
	})
}
