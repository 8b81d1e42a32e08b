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

package workflow

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jaycherian/gcp-go-vista-detect/internal/cloud"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/acquire"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/codec"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/commands"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/detect"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/render"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/sampler"
)

// Stages is everything a DetectionWorkflow delegates to. Mirror, Recorder
// and Metadata are optional.
type Stages struct {
	ResultsDir       string
	WorkDir          string
	LockTTL          time.Duration // Zero keeps results.DefaultLockTTL.
	DefaultThreshold float64
	DefaultFPS       int

	Acquirer *acquire.Acquirer
	Metadata commands.MetadataResolver
	Sampler  *sampler.Sampler
	Detector detect.Detector
	Adapter  *detect.Adapter
	Renderer *render.Renderer
	Mirror   *commands.BundleMirror
	Recorder *commands.RunRecorder
}

// NewStages wires the pipeline around the given capabilities using the
// paths, defaults and encoder profiles from config.
func NewStages(config *cloud.Config, c codec.Codec, d detect.Detector, primary, fallback acquire.Downloader) *Stages {
	return &Stages{
		ResultsDir:       config.Paths.ResultsDir,
		WorkDir:          config.Paths.WorkDir,
		LockTTL:          time.Duration(config.Paths.LockTTLMinutes) * time.Minute,
		DefaultThreshold: config.Pipeline.ConfidenceThreshold,
		DefaultFPS:       config.Pipeline.FPS,
		Acquirer:         acquire.NewAcquirer(primary, fallback),
		Sampler:          sampler.New(c),
		Detector:         d,
		Adapter:          detect.NewAdapter(d),
		Renderer:         render.New(c, config.Codec.Primary, config.Codec.Fallback),
	}
}

// DefaultStages builds the production stages: ffmpeg, the configured
// detector backend, the YouTube client with yt-dlp as fallback, and the
// cloud sinks clients makes available.
func DefaultStages(config *cloud.Config, clients *cloud.ServiceClients) (*Stages, error) {
	detector, err := NewDetector(config, clients)
	if err != nil {
		return nil, err
	}

	acq := config.Acquisition
	var primary acquire.Downloader
	if !acq.DisablePrimary {
		primary = acquire.NewQuotaAwareDownloader(acquire.NewYouTubeDownloader(DownloadHTTPClient(acq)), acq.MaxDownloadsPerMin, acq.DownloadBurst)
	}
	fallback := acquire.NewQuotaAwareDownloader(acquire.NewYtDlpDownloader(acq.YtDlpPath), acq.MaxDownloadsPerMin, acq.DownloadBurst)

	stages := NewStages(config, codec.NewFFmpegCodec(config.Codec.FFmpegPath, config.Codec.FFprobePath), detector, primary, fallback)
	if config.Pipeline.ResolveMetadata {
		stages.Metadata = acquire.NewMetadataResolver(MetadataHTTPClient(acq))
	}
	if clients != nil {
		stages.Mirror = commands.NewBundleMirror("mirror-bundle", clients.StorageClient, config.Storage.ResultsBucket, config.Storage.ObjectPrefix)
		stages.Recorder = commands.NewRunRecorder("record-run", clients.BiqQueryClient, config.BigQueryDataSource.DatasetName, config.BigQueryDataSource.RunsTable)
	}
	return stages, nil
}

// MetadataHTTPClient bounds each metadata page fetch by
// [acquisition] http_timeout_seconds.
func MetadataHTTPClient(acq cloud.Acquisition) *http.Client {
	return &http.Client{Timeout: seconds(acq.HTTPTimeoutSeconds, 15)}
}

// DownloadHTTPClient bounds a whole video download by
// [acquisition] download_timeout_minutes, and connection setup and the wait
// for response headers by http_timeout_seconds, so a stalled host fails the
// primary downloader instead of hanging the run.
func DownloadHTTPClient(acq cloud.Acquisition) *http.Client {
	step := seconds(acq.HTTPTimeoutSeconds, 15)
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: step, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = step
	transport.ResponseHeaderTimeout = step
	total := time.Duration(acq.DownloadTimeoutMin) * time.Minute
	if total <= 0 {
		total = 30 * time.Minute
	}
	return &http.Client{Timeout: total, Transport: transport}
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

// NewDetector returns the backend named by [detector] backend.
func NewDetector(config *cloud.Config, clients *cloud.ServiceClients) (detect.Detector, error) {
	d := config.Detector
	switch d.Backend {
	case "", cloud.DetectorYOLO:
		return detect.NewYOLOWorker(detect.YOLOConfig{
			Python:       d.PythonPath,
			Script:       d.WorkerScript,
			Model:        d.Model,
			Device:       d.Device,
			StartTimeout: time.Duration(d.StartTimeoutSecond) * time.Second,
		}), nil
	case cloud.DetectorGemini:
		if clients == nil || clients.AgentModels[d.AgentModel] == nil {
			return nil, fmt.Errorf("gemini detector needs agent model %q; set [application] google_project_id and [agent_models.%s]", d.AgentModel, d.AgentModel)
		}
		m := clients.AgentModels[d.AgentModel]
		return detect.NewGeminiDetector(m, m.ModelName, d.Prompt), nil
	default:
		return nil, fmt.Errorf("unknown detector backend %q", d.Backend)
	}
}

// Close stops the detector.
func (s *Stages) Close() error {
	if s == nil || s.Detector == nil {
		return nil
	}
	return s.Detector.Close()
}
