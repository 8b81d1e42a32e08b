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

package detect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	workerModeEnv  = "VISTA_YOLO_WORKER_MODE"
	workerSpawnEnv = "VISTA_YOLO_WORKER_SPAWNS"
)

// TestYOLOWorkerProcess is not a test. The worker tests re-exec the test
// binary into it to stand in for scripts/yolo_worker.py.
func TestYOLOWorkerProcess(t *testing.T) {
	mode := os.Getenv(workerModeEnv)
	if mode == "" {
		return
	}
	os.Exit(runFakeWorker(mode))
}

// runFakeWorker speaks the worker protocol on stdin and stdout. Modes:
//
//	ok             answer every request
//	crash-after-1  answer one request, then exit 3
//	hang-first     the first process never answers; later ones do
//	respawn-fails  like crash-after-1, and every later process dies before
//	               its ready message
//	bad-model      report a load error in the ready message
func runFakeWorker(mode string) int {
	spawn := recordSpawn(os.Getenv(workerSpawnEnv))
	if mode == "respawn-fails" && spawn > 0 {
		return 1
	}

	model := ""
	if i := slices.Index(os.Args, "--model"); i >= 0 && i+1 < len(os.Args) {
		model = os.Args[i+1]
	}
	ready := readyMessage{Op: "ready", Model: model, Device: "cpu"}
	if mode == "bad-model" {
		ready.Error = "weights not found: " + model
	}
	if err := writeMessage(os.Stdout, ready); err != nil || ready.Error != "" {
		return 1
	}

	answered := 0
	for {
		var req inferRequest
		if err := readMessage(os.Stdin, &req); err != nil || req.Op == "shutdown" {
			return 0
		}
		switch {
		case mode == "hang-first" && spawn == 0:
			time.Sleep(time.Hour)
		case (mode == "crash-after-1" || mode == "respawn-fails") && answered == 1:
			return 3
		}
		resp := inferResponse{ID: req.ID, Detections: []Candidate{
			{Box: [4]float64{1, 2, 6, 7}, ClassID: 2, Label: "car", Confidence: 0.9},
		}}
		if err := writeMessage(os.Stdout, resp); err != nil {
			return 1
		}
		answered++
	}
}

// recordSpawn appends a line to path and returns how many processes were
// spawned before this one.
func recordSpawn(path string) int {
	data, _ := os.ReadFile(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err == nil {
		_, _ = f.WriteString("spawn\n")
		_ = f.Close()
	}
	return bytes.Count(data, []byte("\n"))
}

// fakeWorker returns a YOLOWorker whose process is the test binary running
// in mode, and a func reporting how many processes were spawned.
func fakeWorker(t *testing.T, mode string) (*YOLOWorker, func() int) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker wrapper needs /bin/sh")
	}
	dir := t.TempDir()
	spawnLog := filepath.Join(dir, "spawns")
	script := filepath.Join(dir, "worker.sh")
	wrapper := fmt.Sprintf("#!/bin/sh\nexec %q -test.run='^TestYOLOWorkerProcess$' -- \"$@\"\n", os.Args[0])
	require.NoError(t, os.WriteFile(script, []byte(wrapper), 0o755))

	t.Setenv(workerModeEnv, mode)
	t.Setenv(workerSpawnEnv, spawnLog)

	backoff := respawnBackoff
	respawnBackoff = 10 * time.Millisecond
	t.Cleanup(func() { respawnBackoff = backoff })

	w := NewYOLOWorker(YOLOConfig{
		Python:       "/bin/sh",
		Script:       script,
		Model:        "yolov8n.pt",
		Device:       "cpu",
		StartTimeout: 20 * time.Second,
	})
	t.Cleanup(func() { _ = w.Close() })

	spawns := func() int {
		data, _ := os.ReadFile(spawnLog)
		return bytes.Count(data, []byte("\n"))
	}
	return w, spawns
}

func blankFrame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 8, 8))
}

func TestYOLOWorkerLoadAndInfer(t *testing.T) {
	w, spawns := fakeWorker(t, "ok")
	ctx := context.Background()

	info, err := w.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Info{ModelName: "yolov8n.pt", Device: "cpu"}, info)

	cands, err := w.Infer(ctx, blankFrame())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "car", cands[0].Label)
	assert.Equal(t, 0.9, cands[0].Confidence)

	_, err = w.Load(ctx)
	require.NoError(t, err)
	_, err = w.Infer(ctx, blankFrame())
	require.NoError(t, err)
	assert.Equal(t, 1, spawns(), "a running worker is reused")
}

func TestYOLOWorkerInferBeforeLoad(t *testing.T) {
	w, spawns := fakeWorker(t, "ok")
	_, err := w.Infer(context.Background(), blankFrame())
	assert.Error(t, err)
	assert.Equal(t, 0, spawns())
}

func TestYOLOWorkerRespawnsAfterCrash(t *testing.T) {
	w, spawns := fakeWorker(t, "crash-after-1")
	ctx := context.Background()
	_, err := w.Load(ctx)
	require.NoError(t, err)

	_, err = w.Infer(ctx, blankFrame())
	require.NoError(t, err)
	_, err = w.Infer(ctx, blankFrame())
	assert.Error(t, err, "the worker exits instead of answering")

	cands, err := w.Infer(ctx, blankFrame())
	require.NoError(t, err)
	assert.Len(t, cands, 1)
	assert.Equal(t, 2, spawns())
}

func TestYOLOWorkerRespawnsAfterCancelledRequest(t *testing.T) {
	w, spawns := fakeWorker(t, "hang-first")
	_, err := w.Load(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = w.Infer(ctx, blankFrame())
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	cands, err := w.Infer(context.Background(), blankFrame())
	require.NoError(t, err)
	assert.Len(t, cands, 1)
	assert.Equal(t, 2, spawns())
}

func TestYOLOWorkerGivesUpAfterBoundedRespawns(t *testing.T) {
	w, spawns := fakeWorker(t, "respawn-fails")
	ctx := context.Background()
	_, err := w.Load(ctx)
	require.NoError(t, err)
	_, err = w.Infer(ctx, blankFrame())
	require.NoError(t, err)
	_, err = w.Infer(ctx, blankFrame())
	require.Error(t, err)

	_, err = w.Infer(ctx, blankFrame())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "respawn yolo worker")
	assert.Equal(t, 1+maxRespawns, spawns())
}

func TestYOLOWorkerRemembersLoadError(t *testing.T) {
	w, spawns := fakeWorker(t, "bad-model")
	ctx := context.Background()

	_, err := w.Load(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights not found: yolov8n.pt")

	_, again := w.Load(ctx)
	assert.Equal(t, err, again)
	_, err = w.Infer(ctx, blankFrame())
	assert.Error(t, err)
	assert.Equal(t, 1, spawns(), "a failed load is not retried")
}

func TestYOLOWorkerSpawnFailure(t *testing.T) {
	w := NewYOLOWorker(YOLOConfig{Python: filepath.Join(t.TempDir(), "missing-python"), Script: "worker.py"})
	defer w.Close()

	_, err := w.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start yolo worker")
	_, err = w.Infer(context.Background(), blankFrame())
	assert.Error(t, err)
}

func TestYOLOWorkerCloseIsIdempotent(t *testing.T) {
	w, spawns := fakeWorker(t, "ok")
	assert.NoError(t, w.Close(), "closing an unloaded worker")

	w, spawns = fakeWorker(t, "ok")
	ctx := context.Background()
	_, err := w.Load(ctx)
	require.NoError(t, err)

	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())

	_, err = w.Load(ctx)
	assert.Error(t, err, "a closed worker is not respawned")
	_, err = w.Infer(ctx, blankFrame())
	assert.Error(t, err)
	assert.Equal(t, 1, spawns())
}
