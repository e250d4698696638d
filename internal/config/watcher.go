package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives every successfully loaded and validated config.
type ReloadFunc func(newCfg *Config)

// Watcher reloads the config file when it changes. fsnotify gives fast
// notification for editors and atomic renames; content-hash polling catches
// mounted volumes whose symlink swaps produce no inotify events.
type Watcher struct {
	path         string
	onReload     ReloadFunc
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewWatcher creates a watcher for path. Nothing happens until Start.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		onReload:     onReload,
		logger:       logger.With("component", "config"),
		debounce:     250 * time.Millisecond,
		pollInterval: 3 * time.Second,
	}
}

// Start blocks until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the directory so renames onto the path are seen.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	lastHash := hashFile(w.path)
	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	var debounce <-chan time.Time

	w.logger.Info("config watcher started", "path", w.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) && filepath.Base(ev.Name) != "..data" {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce = time.After(w.debounce)
			}

		case <-debounce:
			debounce = nil
			if h := hashFile(w.path); h != lastHash {
				lastHash = h
				w.reload()
			}

		case <-poll.C:
			if h := hashFile(w.path); h != lastHash {
				lastHash = h
				w.logger.Debug("config change detected by polling", "path", w.path)
				w.reload()
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// Stop ends Start. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload rejected, keeping current config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(cfg)
}

// hashFile returns the SHA-256 of the file content following symlinks, or ""
// if it cannot be read.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}
