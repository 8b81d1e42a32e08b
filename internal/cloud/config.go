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

// Package cloud holds the application configuration and the clients for
// the Google Cloud services a detection run can use.
//
// This file defines the configuration structs, decoded from TOML files and
// then overridden from VISTA_* environment variables.
//
// Structs:
//   - Paths: where results and scratch files live.
//   - Pipeline: run defaults (fps, confidence threshold).
//   - Acquisition: downloader settings.
//   - Codec: ffmpeg binaries and encoder profiles.
//   - Detector: which detector backend to use and how to start it.
//   - VertexAiLLMModel: configuration for the Gemini detector model.
//   - Server: HTTP listener settings.
//   - Telemetry: log file and trace exporter.
//   - Storage, BigQueryDataSource, TopicSubscription: optional cloud sinks
//     and triggers.
//   - Config: the root of all of the above.
package cloud

import (
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/codec"
	"google.golang.org/genai"
)

// DefaultSafetySettings disables content blocking for the detector model;
// frames are user supplied video and refusals would surface as skipped
// frames.
var DefaultSafetySettings = []*genai.SafetySetting{
	{
		Category:  genai.HarmCategoryDangerousContent,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
	{
		Category:  genai.HarmCategoryHarassment,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
	{
		Category:  genai.HarmCategoryHateSpeech,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
	{
		Category:  genai.HarmCategorySexuallyExplicit,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
}

// Detector backends.
const (
	DetectorYOLO   = "yolo"
	DetectorGemini = "gemini"
)

// Paths controls the on-disk layout.
type Paths struct {
	ResultsDir     string `toml:"results_dir" env:"RESULTS_DIR"`           // Root of the per-video result bundles.
	WorkDir        string `toml:"work_dir" env:"WORK_DIR"`                 // Parent of the per-run scratch directories.
	LockTTLMinutes int    `toml:"lock_ttl_minutes" env:"LOCK_TTL_MINUTES"` // Age after which a bundle lock is reclaimed.
}

// Pipeline holds run defaults used when a request leaves them out.
type Pipeline struct {
	FPS                 int     `toml:"fps" env:"FPS"`                                   // Playback rate of the rendered video.
	ConfidenceThreshold float64 `toml:"confidence_threshold" env:"CONFIDENCE_THRESHOLD"` // Inclusive lower bound on kept detections.
	ResolveMetadata     bool    `toml:"resolve_metadata" env:"RESOLVE_METADATA"`         // Look up title, duration and thumbnail for remote videos.
}

// Acquisition configures the downloaders.
type Acquisition struct {
	YtDlpPath          string `toml:"yt_dlp_path" env:"YT_DLP_PATH"`                           // yt-dlp binary for the fallback downloader.
	MaxDownloadsPerMin int    `toml:"max_downloads_per_minute" env:"MAX_DOWNLOADS_PER_MINUTE"` // Pacing for both downloaders; 0 disables it.
	DownloadBurst      int    `toml:"download_burst"`                                          // Downloads allowed back to back.
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds"`                                    // Timeout for metadata fetches and for connecting to video hosts.
	DownloadTimeoutMin int    `toml:"download_timeout_minutes"`                                // Upper bound on one video download.
	DisablePrimary     bool   `toml:"disable_primary"`                                         // Skip the YouTube client and go straight to yt-dlp.
}

// Codec configures the ffmpeg backend.
type Codec struct {
	FFmpegPath  string        `toml:"ffmpeg_path" env:"FFMPEG_PATH"`   // ffmpeg binary.
	FFprobePath string        `toml:"ffprobe_path" env:"FFPROBE_PATH"` // ffprobe binary.
	Primary     codec.Profile `toml:"primary"`                         // First encoder tried when rendering.
	Fallback    codec.Profile `toml:"fallback"`                        // Encoder used when the primary is missing.
}

// Detector selects and configures the detection backend.
type Detector struct {
	Backend            string `toml:"backend" env:"DETECTOR_BACKEND"` // "yolo" or "gemini".
	Model              string `toml:"model" env:"DETECTOR_MODEL"`     // YOLO weights file.
	Device             string `toml:"device" env:"DETECTOR_DEVICE"`   // "auto", "cpu" or "cuda".
	PythonPath         string `toml:"python_path" env:"PYTHON_PATH"`  // Interpreter for the YOLO worker.
	WorkerScript       string `toml:"worker_script" env:"WORKER_SCRIPT"`
	StartTimeoutSecond int    `toml:"start_timeout_seconds"` // How long the worker may take to load the model.
	AgentModel         string `toml:"agent_model"`           // Key into AgentModels for the Gemini backend.
	Prompt             string `toml:"prompt"`                // Overrides the default Gemini detection prompt.
}

// VertexAiLLMModel represents the configuration for a Vertex AI large language model (LLM).
type VertexAiLLMModel struct {
	Model              string  `toml:"model"`               // The name of the Vertex AI LLM.
	SystemInstructions string  `toml:"system_instructions"` // The system instructions for the LLM.
	Temperature        float32 `toml:"temperature"`         // The temperature parameter for the LLM.
	TopP               float32 `toml:"top_p"`               // The top_p parameter for the LLM.
	TopK               float32 `toml:"top_k"`               // The top_k parameter for the LLM.
	MaxTokens          int32   `toml:"max_tokens"`          // The maximum number of tokens for the LLM output.
	OutputFormat       string  `toml:"output_format"`       // The desired output format for the LLM.
	RateLimit          int     `toml:"rate_limit"`          // The rate limit for the LLM in requests per second.
}

// Server configures the HTTP front end.
type Server struct {
	Port             int      `toml:"port" env:"SERVER_PORT"`                        // Listen port.
	AllowedOrigins   []string `toml:"allowed_origins"`                               // CORS origins.
	MaxRunsPerMinute int      `toml:"max_runs_per_minute" env:"MAX_RUNS_PER_MINUTE"` // Admission rate for POST /api/process; 0 disables it.
	RunBurst         int      `toml:"run_burst"`                                     // Requests admitted back to back.
	ShutdownSeconds  int      `toml:"shutdown_seconds"`                              // Grace period for in-flight runs.
}

// Telemetry configures logging and trace export.
type Telemetry struct {
	LogFile      string `toml:"log_file" env:"LOG_FILE"`           // Extra JSON log sink; empty disables it.
	LogLevel     string `toml:"log_level" env:"LOG_LEVEL"`         // debug, info, warn or error.
	Exporter     string `toml:"exporter" env:"TRACE_EXPORTER"`     // "gcp", "otlp" or "none".
	OTLPEndpoint string `toml:"otlp_endpoint" env:"OTLP_ENDPOINT"` // host:port for the otlp exporter.
}

// Storage configures the optional GCS mirror of result bundles.
type Storage struct {
	ResultsBucket string `toml:"results_bucket" env:"RESULTS_BUCKET"` // Bucket receiving a copy of every bundle; empty disables mirroring.
	ObjectPrefix  string `toml:"object_prefix"`                       // Prefix under which bundles are stored.
	SignedURLTTL  int    `toml:"signed_url_ttl_minutes"`              // Lifetime of signed artifact URLs.
}

// BigQueryDataSource configures the optional run ledger.
type BigQueryDataSource struct {
	DatasetName string `toml:"dataset"`    // The name of the BigQuery dataset; empty disables the ledger.
	RunsTable   string `toml:"runs_table"` // Table with one row per completed run.
}

// TopicSubscription represents the configuration for a Pub/Sub topic subscription.
type TopicSubscription struct {
	Name             string `toml:"name"`               // The name of the Pub/Sub subscription.
	DeadLetterTopic  string `toml:"dead_letter_topic"`  // The name of the dead-letter topic for the subscription.
	TimeoutInSeconds int    `toml:"timeout_in_seconds"` // The timeout for the subscription in seconds.
}

// Config represents the overall configuration for the application, loaded from TOML files.
type Config struct {
	Application struct {
		Name                      string `toml:"name"`                                      // The name of the application.
		GoogleProjectId           string `toml:"google_project_id" env:"GOOGLE_PROJECT_ID"` // The Google Cloud project ID; empty runs without cloud clients.
		GoogleLocation            string `toml:"location"`                                  // The Google Cloud location.
		SignerServiceAccountEmail string `toml:"signer_service_account_email"`              // The service account email used for signing GCS URLs.
	} `toml:"application"`
	Paths              Paths                        `toml:"paths"`
	Pipeline           Pipeline                     `toml:"pipeline"`
	Acquisition        Acquisition                  `toml:"acquisition"`
	Codec              Codec                        `toml:"codec"`
	Detector           Detector                     `toml:"detector"`
	AgentModels        map[string]VertexAiLLMModel  `toml:"agent_models"` // Vertex AI models keyed by a logical name.
	Server             Server                       `toml:"server"`
	Telemetry          Telemetry                    `toml:"telemetry"`
	Storage            Storage                      `toml:"storage"`
	BigQueryDataSource BigQueryDataSource           `toml:"big_query_data_source"`
	TopicSubscriptions map[string]TopicSubscription `toml:"topic_subscriptions"` // Pub/Sub subscriptions keyed by a logical name (e.g., "ProcessRequests").
}

// NewConfig returns a Config populated with the defaults every front end
// relies on. TOML files and the environment override them.
func NewConfig() *Config {
	c := &Config{
		AgentModels:        make(map[string]VertexAiLLMModel),
		TopicSubscriptions: make(map[string]TopicSubscription),
	}
	c.Application.Name = "vista-detect"
	c.Application.GoogleLocation = "us-central1"
	c.Paths = Paths{ResultsDir: "vista-prototype/results", WorkDir: "", LockTTLMinutes: 360}
	c.Pipeline = Pipeline{FPS: 1, ConfidenceThreshold: 0.7, ResolveMetadata: true}
	c.Acquisition = Acquisition{YtDlpPath: "yt-dlp", DownloadBurst: 1, HTTPTimeoutSeconds: 15, DownloadTimeoutMin: 30}
	c.Codec = Codec{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		Primary:     codec.PrimaryProfile,
		Fallback:    codec.FallbackProfile,
	}
	c.Detector = Detector{
		Backend:            DetectorYOLO,
		Model:              "yolov8n.pt",
		Device:             "auto",
		PythonPath:         "python3",
		WorkerScript:       "scripts/yolo_worker.py",
		StartTimeoutSecond: 120,
		AgentModel:         "detector-flash",
	}
	c.Server = Server{Port: 8000, AllowedOrigins: []string{"*"}, RunBurst: 1, ShutdownSeconds: 30}
	c.Telemetry = Telemetry{LogFile: "app.log", LogLevel: "info", Exporter: "none"}
	c.Storage = Storage{ObjectPrefix: "results", SignedURLTTL: 60}
	c.BigQueryDataSource = BigQueryDataSource{RunsTable: "detection_runs"}
	return c
}

// CloudEnabled reports whether a project is configured for cloud clients.
func (c *Config) CloudEnabled() bool {
	return c.Application.GoogleProjectId != ""
}
