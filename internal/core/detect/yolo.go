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
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// YOLOConfig configures the Python worker process.
type YOLOConfig struct {
	Python       string
	Script       string
	Model        string
	Device       string
	StartTimeout time.Duration
}

// YOLOWorker runs an Ultralytics model in a Python subprocess. Frames travel
// over stdin as JPEG bytes and detections come back over stdout, both as
// length-prefixed msgpack messages. The worker answers one request at a
// time.
type YOLOWorker struct {
	cfg YOLOConfig

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	info    Info
	loadErr error
	loaded  bool
	closed  bool
	nextID  uint64
	exited  chan struct{}
}

// A worker that dies after a successful load is respawned on the next call,
// up to maxRespawns attempts per call.
const maxRespawns = 3

var respawnBackoff = 500 * time.Millisecond

func NewYOLOWorker(cfg YOLOConfig) *YOLOWorker {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Device == "" {
		cfg.Device = "auto"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 2 * time.Minute
	}
	return &YOLOWorker{cfg: cfg}
}

// Load spawns the worker and waits for its ready message, which names the
// model and the device it was placed on. A worker that reported a load error
// is not spawned again; one that exited later is.
func (w *YOLOWorker) Load(ctx context.Context) (Info, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ensureRunning(ctx)
}

// ensureRunning starts the worker if it is not running. Callers hold w.mu.
func (w *YOLOWorker) ensureRunning(ctx context.Context) (Info, error) {
	switch {
	case w.closed:
		return Info{}, errors.New("yolo worker closed")
	case w.loadErr != nil:
		return w.info, w.loadErr
	case w.cmd != nil:
		return w.info, nil
	}

	attempts := 1
	if w.loaded {
		attempts = maxRespawns
		slog.WarnContext(ctx, "yolo worker not running, respawning", "model", w.cfg.Model)
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return Info{}, ctx.Err()
			case <-time.After(time.Duration(i) * respawnBackoff):
			}
		}
		var info Info
		info, err = w.start(ctx)
		if err == nil {
			w.info, w.loaded = info, true
			return info, nil
		}
		w.stop()
		if ctx.Err() != nil {
			return Info{}, err
		}
	}
	if !w.loaded {
		w.loaded, w.loadErr = true, err
		return Info{}, err
	}
	return Info{}, fmt.Errorf("respawn yolo worker after %d attempts: %w", attempts, err)
}

func (w *YOLOWorker) start(ctx context.Context) (Info, error) {
	// The process outlives the Load call, so it is not bound to ctx.
	cmd := exec.Command(w.cfg.Python, w.cfg.Script, "--model", w.cfg.Model, "--device", w.cfg.Device)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Info{}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Info{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Info{}, err
	}
	if err := cmd.Start(); err != nil {
		return Info{}, fmt.Errorf("start yolo worker: %w", err)
	}
	w.cmd, w.stdin, w.stdout = cmd, stdin, bufio.NewReader(stdout)
	w.exited = make(chan struct{})
	go logStderr(stderr)
	go func(cmd *exec.Cmd, exited chan struct{}) {
		err := cmd.Wait()
		if err != nil {
			slog.Warn("yolo worker exited", "pid", cmd.Process.Pid, "error", err)
		} else {
			slog.Debug("yolo worker exited cleanly", "pid", cmd.Process.Pid)
		}
		close(exited)
	}(cmd, w.exited)

	slog.InfoContext(ctx, "yolo worker spawned", "pid", cmd.Process.Pid, "model", w.cfg.Model)

	var ready readyMessage
	ctx, cancel := context.WithTimeout(ctx, w.cfg.StartTimeout)
	defer cancel()
	if err := w.roundTrip(ctx, nil, &ready); err != nil {
		return Info{}, fmt.Errorf("yolo worker handshake: %w", err)
	}
	if ready.Error != "" {
		return Info{}, fmt.Errorf("yolo worker: %s", ready.Error)
	}
	model := ready.Model
	if model == "" {
		model = w.cfg.Model
	}
	return Info{ModelName: model, Device: ready.Device}, nil
}

// roundTrip writes req, when set, and reads one message into resp. If the
// exchange fails or ctx ends first the worker is killed, since the stream
// can no longer be trusted.
func (w *YOLOWorker) roundTrip(ctx context.Context, req any, resp any) error {
	done := make(chan error, 1)
	go func() {
		if req != nil {
			if err := writeMessage(w.stdin, req); err != nil {
				done <- err
				return
			}
		}
		done <- readMessage(w.stdout, resp)
	}()
	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		w.stop()
		if errors.Is(err, io.EOF) {
			return errors.New("worker closed its output")
		}
		return err
	case <-ctx.Done():
		w.stop()
		<-done
		return ctx.Err()
	}
}

func (w *YOLOWorker) Infer(ctx context.Context, img image.Image) ([]Candidate, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.loaded {
		return nil, errors.New("yolo worker not loaded")
	}
	if _, err := w.ensureRunning(ctx); err != nil {
		return nil, err
	}
	w.nextID++
	req := inferRequest{Op: "infer", ID: w.nextID, Image: buf.Bytes()}
	var resp inferResponse
	if err := w.roundTrip(ctx, req, &resp); err != nil {
		return nil, err
	}
	if resp.ID != req.ID {
		w.stop()
		return nil, fmt.Errorf("yolo worker answered request %d, expected %d", resp.ID, req.ID)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Detections, nil
}

func (w *YOLOWorker) Annotate(_ context.Context, img image.Image, kept []Candidate) (image.Image, error) {
	return Overlay(img, kept), nil
}

// Close asks the worker to exit and kills it if it does not within five
// seconds. A closed worker is not respawned. Close is idempotent.
func (w *YOLOWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.cmd == nil {
		return nil
	}
	_ = writeMessage(w.stdin, map[string]string{"op": "shutdown"})
	_ = w.stdin.Close()
	select {
	case <-w.exited:
	case <-time.After(5 * time.Second):
		slog.Warn("yolo worker did not exit, killing it")
	}
	w.stop()
	return nil
}

// stop kills the process. Callers hold w.mu.
func (w *YOLOWorker) stop() {
	if w.cmd == nil {
		return
	}
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	if w.stdin != nil {
		_ = w.stdin.Close()
	}
	if w.exited != nil {
		<-w.exited
	}
	w.cmd = nil
}

// logStderr maps the worker's Python log levels onto slog.
func logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			slog.Error("yolo worker", "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			slog.Warn("yolo worker", "log", line)
		default:
			slog.Debug("yolo worker", "log", line)
		}
	}
}
