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

// Package results owns the per-identifier result bundle on disk: where its
// artifacts live, who may write them, and how they are written.
//
// Logic Flow:
//  1. EnsureResultDirs creates <root>/<id> and <root>/<id>/processed_frames.
//  2. Reserve creates <root>/<id>/.lock with O_EXCL. Only one run per
//     identifier can hold it, so the existence check that follows is not
//     racy.
//  3. With the lock held, a bundle that already has detection_results.json
//     or a non-empty processed_frames directory is a conflict.
//  4. Artifacts are written through writeFileNoOverwrite and are never
//     replaced.
//  5. Release removes the lock. Rollback removes what a failed run wrote.
//  6. A lock whose holder on this host has exited, or that is older than
//     Layout.LockTTL, is stale and the next Reserve reclaims it.
package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
)

// Artifact file names inside a bundle.
const (
	ReportFileName      = "detection_results.json"
	MetadataFileName    = "metadata.txt"
	ProcessedFramesDir  = "processed_frames"
	VideoFileName       = "detections_video.mp4"
	LockFileName        = ".lock"
	DefaultResultsRoot  = "vista-prototype/results"
	processedFramesMode = 0o755
)

// DefaultLockTTL bounds how long a bundle lock is honored.
const DefaultLockTTL = 6 * time.Hour

// lockWriteGrace is how long an unreadable lock is assumed to be mid-write.
const lockWriteGrace = time.Minute

// Layout maps identifiers to bundle directories under Root.
type Layout struct {
	Root string
	// LockTTL is the age after which a lock is reclaimed even if its holder
	// looks alive. Zero disables age-based reclaiming.
	LockTTL time.Duration
}

func NewLayout(root string) *Layout {
	if root == "" {
		root = DefaultResultsRoot
	}
	return &Layout{Root: root, LockTTL: DefaultLockTTL}
}

// Paths returns the artifact locations for id without touching the disk.
func (l *Layout) Paths(id model.VideoIdentifier) model.BundlePaths {
	base := filepath.Join(l.Root, id.String())
	return model.BundlePaths{
		Base:            base,
		ReportJSON:      filepath.Join(base, ReportFileName),
		MetadataTXT:     filepath.Join(base, MetadataFileName),
		ProcessedFrames: filepath.Join(base, ProcessedFramesDir),
		Video:           filepath.Join(base, VideoFileName),
		Lock:            filepath.Join(base, LockFileName),
	}
}

// EnsureResultDirs creates the bundle and processed-frames directories. It is
// safe to call repeatedly.
func (l *Layout) EnsureResultDirs(id model.VideoIdentifier) (model.BundlePaths, error) {
	paths := l.Paths(id)
	if err := os.MkdirAll(paths.ProcessedFrames, processedFramesMode); err != nil {
		return paths, model.NewError(model.KindInternal, "create result directories", err)
	}
	return paths, nil
}

// CheckExisting returns a conflict error if the bundle already holds a
// report or any processed frame.
func CheckExisting(id model.VideoIdentifier, paths model.BundlePaths) error {
	if _, err := os.Stat(paths.ReportJSON); err == nil {
		return conflict(id)
	} else if !errors.Is(err, os.ErrNotExist) {
		return model.NewError(model.KindInternal, "inspect results", err)
	}
	empty, err := dirEmpty(paths.ProcessedFrames)
	if err != nil {
		return model.NewError(model.KindInternal, "inspect results", err)
	}
	if !empty {
		return conflict(id)
	}
	return nil
}

func conflict(id model.VideoIdentifier) error {
	return model.NewError(model.KindConflict, "reserve results", &model.ExistingResultsError{VideoID: id})
}

func dirEmpty(dir string) (bool, error) {
	f, err := os.Open(dir)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()
	names, err := f.Readdirnames(1)
	if len(names) > 0 {
		return false, nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return true, nil
}

type lockInfo struct {
	RunID     string    `json:"run_id"`
	Host      string    `json:"host"`
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"created_at"`
}

// Reservation is the exclusive right of one run to populate a bundle.
type Reservation struct {
	ID    model.VideoIdentifier
	Paths model.BundlePaths
	RunID string

	hadMetadata bool
	hadVideo    bool
	released    bool
}

// Reserve creates the bundle directories, takes the bundle lock and then
// verifies the bundle is empty. A held lock or existing artifacts are
// conflicts; on conflict the lock is not kept. A stale lock is reclaimed
// first.
func (l *Layout) Reserve(id model.VideoIdentifier, runID string) (*Reservation, error) {
	paths, err := l.EnsureResultDirs(id)
	if err != nil {
		return nil, err
	}

	f, err := createLock(paths.Lock)
	if errors.Is(err, os.ErrExist) && l.reclaimStale(paths.Lock) {
		f, err = createLock(paths.Lock)
	}
	if errors.Is(err, os.ErrExist) {
		return nil, model.Errorf(model.KindConflict, "reserve results",
			"another run is already processing video_id %q", id)
	}
	if err != nil {
		return nil, model.NewError(model.KindInternal, "reserve results", err)
	}
	info, _ := json.Marshal(lockInfo{RunID: runID, Host: hostname(), PID: os.Getpid(), CreatedAt: time.Now().UTC()})
	_, werr := f.Write(info)
	cerr := f.Close()

	r := &Reservation{ID: id, Paths: paths, RunID: runID}
	if werr != nil || cerr != nil {
		_ = r.Release()
		return nil, model.NewError(model.KindInternal, "reserve results", errors.Join(werr, cerr))
	}

	if err := CheckExisting(id, paths); err != nil {
		_ = r.Release()
		return nil, err
	}
	r.hadMetadata = exists(paths.MetadataTXT)
	r.hadVideo = exists(paths.Video)
	return r, nil
}

func createLock(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
}

// reclaimStale removes the lock at path if it is stale and reports whether
// the caller should try to take it again. The decision and the removal
// happen under a second O_EXCL guard file, so two reservers cannot both
// judge the same lock stale and one remove the other's fresh lock.
func (l *Layout) reclaimStale(path string) bool {
	guard := path + ".reclaim"
	g, err := createLock(guard)
	if errors.Is(err, os.ErrExist) {
		// A reclaimer that died leaves its guard behind.
		if fi, serr := os.Stat(guard); serr == nil && time.Since(fi.ModTime()) > lockWriteGrace {
			_ = os.Remove(guard)
		}
		return false
	}
	if err != nil {
		return false
	}
	_ = g.Close()
	defer os.Remove(guard)

	reason, stale := l.staleReason(path)
	if !stale {
		return reason == "gone"
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("unable to reclaim stale results lock", "lock", path, "error", err)
		return false
	}
	slog.Warn("reclaimed stale results lock", "lock", path, "reason", reason)
	return true
}

// staleReason reads the lock at path. The lock is stale when it is older
// than LockTTL, when its holder ran on this host and has exited, or when it
// stayed unreadable past lockWriteGrace. A lock that no longer exists
// reports ("gone", false).
func (l *Layout) staleReason(path string) (string, bool) {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return "gone", false
	}
	if err != nil {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	var info lockInfo
	if json.Unmarshal(data, &info) != nil || info.PID <= 0 {
		if time.Since(fi.ModTime()) > lockWriteGrace {
			return "unreadable", true
		}
		return "", false
	}
	switch {
	case l.LockTTL > 0 && time.Since(info.CreatedAt) > l.LockTTL:
		return fmt.Sprintf("run %s held it since %s", info.RunID, info.CreatedAt.Format(time.RFC3339)), true
	case info.Host == hostname() && !processAlive(info.PID):
		return fmt.Sprintf("run %s: process %d exited", info.RunID, info.PID), true
	}
	return "", false
}

func hostname() string {
	h, _ := os.Hostname()
	return h
}

// Release drops the lock. It is safe to call more than once.
func (r *Reservation) Release() error {
	if r == nil || r.released {
		return nil
	}
	r.released = true
	if err := os.Remove(r.Paths.Lock); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release %s: %w", r.Paths.Lock, err)
	}
	return nil
}

// Rollback removes the artifacts this run created so the identifier can be
// processed again. It must be called while the lock is still held.
func (r *Reservation) Rollback() error {
	if r == nil || r.released {
		return nil
	}
	var errs []error
	entries, err := os.ReadDir(r.Paths.ProcessedFrames)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	for _, e := range entries {
		errs = append(errs, removeIfExists(filepath.Join(r.Paths.ProcessedFrames, e.Name())))
	}
	errs = append(errs, removeIfExists(r.Paths.ReportJSON))
	if !r.hadMetadata {
		errs = append(errs, removeIfExists(r.Paths.MetadataTXT))
	}
	if !r.hadVideo {
		errs = append(errs, removeIfExists(r.Paths.Video))
	}
	return errors.Join(errs...)
}

func removeIfExists(path string) error {
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
