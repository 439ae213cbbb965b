package settings

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Holder publishes the current settings snapshot. Readers call Current and
// keep the returned pointer for the duration of one operation.
type Holder struct {
	path    string
	current atomic.Pointer[Context]
	logger  *zap.Logger
}

// NewHolder loads path (defaults when the file is absent).
func NewHolder(path string, logger *zap.Logger) (*Holder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Holder{path: path, logger: logger.Named("settings")}
	if err := h.Reload(); err != nil {
		return nil, err
	}
	return h, nil
}

// Static returns a holder that always serves c. Used by tests and callers
// that do not read a file.
func Static(c *Context) *Holder {
	h := &Holder{logger: zap.NewNop()}
	h.current.Store(c)
	return h
}

// Current returns the active snapshot.
func (h *Holder) Current() *Context {
	return h.current.Load()
}

// Swap replaces the snapshot directly.
func (h *Holder) Swap(c *Context) {
	h.current.Store(c)
}

// Reload re-reads the settings file. On error the previous snapshot stays active.
func (h *Holder) Reload() error {
	if h.path == "" {
		return nil
	}
	c, err := LoadFile(h.path)
	if err != nil {
		return fmt.Errorf("reload %s: %w", h.path, err)
	}
	h.current.Store(c)
	h.logger.Info("settings loaded", zap.String("path", h.path))
	return nil
}

// Watch reloads the settings whenever the file changes, until ctx is done.
// The parent directory is watched so editors that replace the file are seen.
func (h *Holder) Watch(ctx context.Context) error {
	if h.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch settings dir: %w", err)
	}

	target := filepath.Clean(h.path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := h.Reload(); err != nil {
					h.logger.Warn("settings reload failed, keeping previous", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				h.logger.Warn("settings watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
