package controller

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watcher reports changes below a directory tree, collapsing bursts of
// events into one notification.
type watcher struct {
	root     string
	debounce time.Duration
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
}

func newWatcher(root string, debounce time.Duration, logger *slog.Logger) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	w := &watcher{root: root, debounce: debounce, logger: logger, fsw: fsw}
	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree watches dir and every non-hidden directory below it; fsnotify
// watches are not recursive.
func (w *watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

// run calls onChange after each burst of changes until ctx is done.
func (w *watcher) run(ctx context.Context, onChange func()) {
	defer func() {
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn("closing watcher", "error", err)
		}
	}()

	w.logger.Info("watching source directory", "path", w.root)
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if strings.HasPrefix(filepath.Base(ev.Name), ".") || ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if err := w.addTree(ev.Name); err != nil {
					w.logger.Debug("not watching new path", "path", ev.Name, "error", err)
				}
			}
			timer.Reset(w.debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		case <-timer.C:
			w.logger.Debug("source directory changed", "path", w.root)
			go onChange()
		}
	}
}
