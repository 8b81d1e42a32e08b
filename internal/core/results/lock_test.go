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

package results

import (
	"encoding/json"
	"math"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/jaycherian/gcp-go-vista-detect/internal/core/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// plantLock writes a lock for vid001 as another run would have left it.
func plantLock(t *testing.T, layout *Layout, info lockInfo) model.BundlePaths {
	t.Helper()
	paths, err := layout.EnsureResultDirs("vid001")
	require.NoError(t, err)
	data, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(paths.Lock, data, 0o644))
	return paths
}

func readLock(t *testing.T, path string) lockInfo {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var info lockInfo
	require.NoError(t, json.Unmarshal(data, &info))
	return info
}

func TestReserveReclaimsLockOfExitedProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process liveness needs signal 0")
	}
	layout := NewLayout(t.TempDir())
	paths := plantLock(t, layout, lockInfo{
		RunID: "crashed", Host: hostname(), PID: math.MaxInt32 - 1, CreatedAt: time.Now().UTC(),
	})

	r, err := layout.Reserve("vid001", "run-b")
	require.NoError(t, err)
	defer r.Release()

	info := readLock(t, paths.Lock)
	assert.Equal(t, "run-b", info.RunID)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.NoFileExists(t, paths.Lock+".reclaim")
}

func TestReserveReclaimsExpiredLock(t *testing.T) {
	layout := NewLayout(t.TempDir())
	layout.LockTTL = time.Hour
	plantLock(t, layout, lockInfo{
		RunID: "old", Host: "other-host", PID: 1, CreatedAt: time.Now().Add(-2 * time.Hour).UTC(),
	})

	r, err := layout.Reserve("vid001", "run-b")
	require.NoError(t, err)
	require.NoError(t, r.Release())
}

func TestReserveHonorsLiveLocks(t *testing.T) {
	layout := NewLayout(t.TempDir())
	tests := []struct {
		name string
		info lockInfo
	}{
		{"live process on this host", lockInfo{RunID: "a", Host: hostname(), PID: os.Getpid(), CreatedAt: time.Now().UTC()}},
		{"process on another host", lockInfo{RunID: "b", Host: "other-host", PID: math.MaxInt32 - 1, CreatedAt: time.Now().UTC()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paths := plantLock(t, layout, tt.info)
			defer os.Remove(paths.Lock)

			_, err := layout.Reserve("vid001", "run-b")
			assert.True(t, model.IsKind(err, model.KindConflict))
			assert.Equal(t, tt.info.RunID, readLock(t, paths.Lock).RunID, "lock left in place")
		})
	}
}

func TestReserveZeroTTLKeepsOldLocks(t *testing.T) {
	layout := NewLayout(t.TempDir())
	layout.LockTTL = 0
	plantLock(t, layout, lockInfo{RunID: "old", Host: "other-host", PID: 1, CreatedAt: time.Now().Add(-48 * time.Hour).UTC()})

	_, err := layout.Reserve("vid001", "run-b")
	assert.True(t, model.IsKind(err, model.KindConflict))
}

func TestReserveReclaimsUnreadableLockAfterGrace(t *testing.T) {
	layout := NewLayout(t.TempDir())
	paths, err := layout.EnsureResultDirs("vid001")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(paths.Lock, nil, 0o644))

	_, err = layout.Reserve("vid001", "run-b")
	assert.True(t, model.IsKind(err, model.KindConflict), "a fresh empty lock may still be mid-write")

	old := time.Now().Add(-2 * lockWriteGrace)
	require.NoError(t, os.Chtimes(paths.Lock, old, old))
	r, err := layout.Reserve("vid001", "run-b")
	require.NoError(t, err)
	require.NoError(t, r.Release())
}

func TestReserveSkipsReclaimWhileAnotherReclaimerHoldsGuard(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process liveness needs signal 0")
	}
	layout := NewLayout(t.TempDir())
	paths := plantLock(t, layout, lockInfo{RunID: "crashed", Host: hostname(), PID: math.MaxInt32 - 1, CreatedAt: time.Now().UTC()})
	guard := paths.Lock + ".reclaim"
	require.NoError(t, os.WriteFile(guard, nil, 0o644))

	_, err := layout.Reserve("vid001", "run-b")
	assert.True(t, model.IsKind(err, model.KindConflict))

	old := time.Now().Add(-2 * lockWriteGrace)
	require.NoError(t, os.Chtimes(guard, old, old))
	_, err = layout.Reserve("vid001", "run-b")
	assert.True(t, model.IsKind(err, model.KindConflict), "abandoned guard is cleared first")
	assert.NoFileExists(t, guard)

	r, err := layout.Reserve("vid001", "run-c")
	require.NoError(t, err)
	require.NoError(t, r.Release())
}
