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
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/jaycherian/gcp-go-vista-detect/internal/cloud"
	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
)

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

const usage = `usage: vista run (--url URL | --video PATH) [--out-video PATH] [--fps N] [--conf-threshold F]`

// parseRunArgs builds a RunRequest from the arguments after "run". Flag
// defaults come from config.
func parseRunArgs(args []string, config *cloud.Config, stderr io.Writer) (model.RunRequest, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	url := fs.String("url", "", "URL of the video to download and process")
	video := fs.String("video", "", "path of a local video to process")
	outVideo := fs.String("out-video", "", "path of the rendered video (default <results>/<id>/detections_video.mp4)")
	fps := fs.Int("fps", config.Pipeline.FPS, "playback frame rate of the rendered video")
	threshold := fs.Float64("conf-threshold", config.Pipeline.ConfidenceThreshold, "minimum confidence of kept detections")
	if err := fs.Parse(args); err != nil {
		return model.RunRequest{}, model.NewError(model.KindUsage, "parse arguments", err)
	}
	if fs.NArg() > 0 {
		return model.RunRequest{}, model.Errorf(model.KindUsage, "parse arguments", "unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	hasURL, hasVideo := strings.TrimSpace(*url) != "", strings.TrimSpace(*video) != ""
	if hasURL == hasVideo {
		return model.RunRequest{}, model.Errorf(model.KindUsage, "parse arguments", "exactly one of --url or --video is required")
	}
	req := model.RunRequest{
		ConfidenceThreshold: *threshold,
		PlaybackFPS:         *fps,
		OutputVideo:         *outVideo,
	}
	if hasURL {
		req.Source = model.RemoteSource(strings.TrimSpace(*url))
		req.WithMetadata = config.Pipeline.ResolveMetadata
	} else {
		req.Source = model.LocalSource(*video)
	}
	return req, req.Validate()
}

// exitCode maps a run failure to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, flag.ErrHelp), model.IsKind(err, model.KindUsage):
		return exitUsage
	default:
		return exitError
	}
}

// errorLine renders err for the terminal.
func errorLine(err error) string {
	return fmt.Sprintf("error: %s", strings.Join(strings.Fields(err.Error()), " "))
}
