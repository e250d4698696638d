package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func watcherConfig(maxHeapMB int) string {
	return fmt.Sprintf("cache:\n  max_heap_mb: %d\n", maxHeapMB)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Start(ctx) }()
	time.Sleep(150 * time.Millisecond)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherConfig(100))

	var mu sync.Mutex
	var last *Config
	w := NewWatcher(path, func(c *Config) {
		mu.Lock()
		last = c
		mu.Unlock()
	}, quietLogger())
	w.debounce = 50 * time.Millisecond
	startWatcher(t, w)

	writeFile(t, path, watcherConfig(200))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last != nil && last.Cache.MaxHeapMB == 200
	}, 3*time.Second, 25*time.Millisecond)
}

func TestWatcher_InvalidConfigIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherConfig(100))

	var calls atomic.Int64
	w := NewWatcher(path, func(*Config) { calls.Add(1) }, quietLogger())
	w.debounce = 50 * time.Millisecond
	startWatcher(t, w)

	writeFile(t, path, "cache:\n  max_heap_mb: -3\n")
	time.Sleep(400 * time.Millisecond)
	assert.Zero(t, calls.Load())

	writeFile(t, path, watcherConfig(300))
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 25*time.Millisecond)
}

func TestWatcher_PollingFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherConfig(100))

	var calls atomic.Int64
	w := NewWatcher(path, func(*Config) { calls.Add(1) }, quietLogger())
	// A debounce longer than the test forces detection through polling.
	w.debounce = time.Hour
	w.pollInterval = 50 * time.Millisecond
	startWatcher(t, w)

	writeFile(t, path, watcherConfig(150))
	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 25*time.Millisecond)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherConfig(100))

	w := NewWatcher(path, func(*Config) {}, quietLogger())
	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()
	time.Sleep(100 * time.Millisecond)

	w.Stop()
	w.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	assert.Empty(t, hashFile(path))
	writeFile(t, path, "a")
	h1 := hashFile(path)
	writeFile(t, path, "b")
	assert.NotEqual(t, h1, hashFile(path))
}
