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

// Package test provides utility functions and fakes to support the
// application's test suite. It helps in setting up a consistent test
// environment, loading test-specific configurations, and providing
// synthetic media for the pipeline stages.
package test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jaycherian/gcp-go-vista-detect/internal/cloud"
)

// StateManager caches the test configuration so the TOML files are read
// once per test binary.
type StateManager struct {
	once   sync.Once
	config *cloud.Config
	err    error
}

var state = &StateManager{}

// MP4Header is the start of an ISO BMFF file, enough for magic-byte sniffing.
var MP4Header = []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'm', 'p', '4', '2', 0x00, 0x00, 0x00, 0x00, 'm', 'p', '4', '2', 'i', 's', 'o', 'm'}

// HandleErr fails the test if err is not nil.
func HandleErr(err error, t *testing.T) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// GetTestProcessMessageText returns a Pub/Sub process request as published
// by upstream producers.
func GetTestProcessMessageText() string {
	return `{
  "url": "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
  "conf_threshold": 0.5,
  "fps": 2
}`
}

// configDir walks up from the working directory to the module root and
// returns its configs directory.
func configDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return "configs"
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return filepath.Join(dir, "configs")
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "configs"
		}
		dir = parent
	}
}

// SetupOS points the configuration loader at the repository's configs
// directory and the "test" runtime (.env.test.toml).
func SetupOS() (err error) {
	if err = os.Setenv(cloud.EnvConfigFilePrefix, configDir()); err != nil {
		return err
	}
	return os.Setenv(cloud.EnvConfigRuntime, "test")
}

// GetConfig loads the test configuration once and returns it. Callers must
// not modify the result; use ConfigFor for a private copy.
func GetConfig() (*cloud.Config, error) {
	state.once.Do(func() {
		if state.err = SetupOS(); state.err != nil {
			return
		}
		config := cloud.NewConfig()
		state.err = cloud.LoadConfig(config)
		state.config = config
	})
	return state.config, state.err
}

// ConfigFor returns a copy of the test configuration whose results and
// scratch directories live under t.TempDir().
func ConfigFor(t *testing.T) *cloud.Config {
	t.Helper()
	base, err := GetConfig()
	HandleErr(err, t)
	cfg := *base
	root := t.TempDir()
	cfg.Paths.ResultsDir = filepath.Join(root, "results")
	cfg.Paths.WorkDir = filepath.Join(root, "work")
	cfg.Telemetry.LogFile = ""
	return &cfg
}
