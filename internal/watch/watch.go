// Package watch re-runs a callback when files under a directory tree change.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of writes from a single agent flush.
const DefaultDebounce = 500 * time.Millisecond

// Watch calls fn after changes under root settle for debounce. Directories
// created after the call are watched as they appear. Dotfiles, the paths in
// ignore (the caller's own outputs) and anything beneath them never trigger fn.
// It blocks until ctx is cancelled, and returns nil then.
func Watch(ctx context.Context, root string, debounce time.Duration, logger *slog.Logger, fn func(context.Context), ignore ...string) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	skip := make([]string, 0, len(ignore))
	for _, p := range ignore {
		if abs, err := filepath.Abs(p); err == nil {
			skip = append(skip, abs)
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := addTree(w, root); err != nil {
		return err
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addTree(w, ev.Name); err != nil {
						logger.Warn("watching new directory", "path", ev.Name, "err", err)
					}
				}
			}
			if ev.Op == fsnotify.Chmod || ignored(ev.Name, skip) {
				continue
			}
			logger.Debug("change", "path", ev.Name, "op", ev.Op.String())
			if pending && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(debounce)
			pending = true

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "err", err)

		case <-timer.C:
			pending = false
			fn(ctx)
		}
	}
}

func ignored(path string, skip []string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return true
	}
	for _, p := range skip {
		if path == p || strings.HasPrefix(path, p+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func addTree(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("watching %s: %w", root, err)
	}
	if !info.IsDir() {
		return w.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}
