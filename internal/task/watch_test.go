package task

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, path string, fired *atomic.Int64) *Watcher {
	t.Helper()
	w, err := NewWatcher(path, func() { fired.Add(1) })
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func TestWatcherFiresAfterEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps:\n  - log: one\n"), 0644))

	var fired atomic.Int64
	startWatcher(t, path, &fired)

	require.NoError(t, os.WriteFile(path, []byte("steps:\n  - log: two\n"), 0644))

	require.Eventually(t, func() bool {
		return fired.Load() >= 1
	}, 3*time.Second, 50*time.Millisecond, "expected a change callback after editing the task file")
}

func TestWatcherCoalescesRapidSaves(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps:\n  - log: one\n"), 0644))

	var fired atomic.Int64
	startWatcher(t, path, &fired)

	// Burst of saves well inside the debounce window.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("steps:\n  - log: burst\n"), 0644))
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return fired.Load() >= 1
	}, 3*time.Second, 50*time.Millisecond)

	// Give the ticker time to prove no extra callbacks arrive.
	time.Sleep(800 * time.Millisecond)
	assert.Equal(t, int64(1), fired.Load(), "rapid saves should coalesce into one callback")
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps:\n  - log: one\n"), 0644))

	var fired atomic.Int64
	startWatcher(t, path, &fired)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("unrelated"), 0644))

	time.Sleep(800 * time.Millisecond)
	assert.Zero(t, fired.Load(), "edits to other files in the directory should not fire")
}

func TestWatcherSurvivesRenameReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps:\n  - log: one\n"), 0644))

	var fired atomic.Int64
	startWatcher(t, path, &fired)

	// Editor-style save: write a temp file, then rename it over the target.
	tmp := filepath.Join(dir, "task.yaml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("steps:\n  - log: replaced\n"), 0644))
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool {
		return fired.Load() >= 1
	}, 3*time.Second, 50*time.Millisecond)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps:\n  - log: one\n"), 0644))

	var fired atomic.Int64
	w, err := NewWatcher(path, func() { fired.Add(1) })
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	w.Stop()
	w.Stop()
}

func TestWatcherDoubleStartIsNoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps:\n  - log: one\n"), 0644))

	var fired atomic.Int64
	w := startWatcher(t, path, &fired)
	require.NoError(t, w.Start(context.Background()))
}
