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
// This file contains the hierarchical configuration loader.
//
// Functions:
//   - LoadConfig: reads a base TOML file, then an environment-specific
//     override file (e.g., .env.local.toml, .env.test.toml), then VISTA_*
//     environment variables. The directory and environment come from
//     GCP_CONFIG_PREFIX and GCP_RUNTIME.
package cloud

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Configuration constants.
const (
	ConfigFileBaseName  = ".env"              // The base name for configuration files (e.g., ".env.toml").
	ConfigFileExtension = ".toml"             // The file extension for configuration files.
	ConfigSeparator     = "."                 // The separator used in config file names (e.g., ".env.local.toml").
	EnvConfigFilePrefix = "GCP_CONFIG_PREFIX" // The environment variable for specifying the config directory.
	EnvConfigRuntime    = "GCP_RUNTIME"       // The environment variable for specifying the runtime context (e.g., "local", "test", "prod").
	EnvOverridePrefix   = "VISTA_"            // Prefix of environment variables that override file values.
	MaxRetries          = 3                   // The maximum number of times to retry a failed API call.
)

// fileExists checks if a file or directory exists at the given path.
func fileExists(in string) bool {
	_, err := os.Stat(in)
	return !errors.Is(err, os.ErrNotExist)
}

// ConfigFiles returns the base and runtime-specific configuration file paths
// for the current environment.
func ConfigFiles() (base, runtime string) {
	prefix := os.Getenv(EnvConfigFilePrefix)
	runtimeEnvironment := os.Getenv(EnvConfigRuntime)
	if runtimeEnvironment == "" {
		runtimeEnvironment = "test"
	}
	base = filepath.Join(prefix, ConfigFileBaseName+ConfigFileExtension)
	runtime = filepath.Join(prefix, ConfigFileBaseName+ConfigSeparator+runtimeEnvironment+ConfigFileExtension)
	return base, runtime
}

// LoadConfig decodes the configuration files into config, in order, and then
// applies VISTA_* environment overrides. Missing files are skipped; malformed
// ones are errors.
func LoadConfig(config *Config) error {
	base, runtime := ConfigFiles()
	for _, file := range []string{base, runtime} {
		if !fileExists(file) {
			slog.Debug("configuration file not found", "file", file)
			continue
		}
		if _, err := toml.DecodeFile(file, config); err != nil {
			return fmt.Errorf("failed to decode configuration file %s: %w", file, err)
		}
		slog.Debug("configuration file loaded", "file", file)
	}
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvOverridePrefix}); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}
