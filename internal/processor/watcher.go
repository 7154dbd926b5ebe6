package processor

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Languages holds the active tables and swaps them atomically on reload.
type Languages struct {
	path    string
	current atomic.Pointer[Tables]
	logger  *zap.Logger
}

// NewLanguages loads the embedded tables merged with the override at path (may be empty).
func NewLanguages(path string, logger *zap.Logger) (*Languages, error) {
	t, err := LoadTables(path)
	if err != nil {
		return nil, err
	}
	l := &Languages{path: path, logger: logger}
	l.current.Store(t)
	return l, nil
}

// Current returns the active tables.
func (l *Languages) Current() *Tables { return l.current.Load() }

// Reload re-reads the override file. On error the previous tables stay active.
func (l *Languages) Reload() error {
	t, err := LoadTables(l.path)
	if err != nil {
		return err
	}
	l.current.Store(t)
	return nil
}

// Watch reloads the tables whenever the override file changes, until ctx is done.
// The parent directory is watched so editors that replace the file are picked up.
func (l *Languages) Watch(ctx context.Context) error {
	if l.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		target := filepath.Clean(l.path)
		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					debounce = time.After(100 * time.Millisecond)
				}
			case <-debounce:
				debounce = nil
				if err := l.Reload(); err != nil {
					l.logger.Warn("language tables reload failed, keeping previous tables",
						zap.String("path", l.path), zap.Error(err))
					continue
				}
				l.logger.Info("language tables reloaded", zap.String("path", l.path))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("language tables watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
