package project

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTodo logs changes to the todo document at debug level until ctx is
// done. The parent directory is watched since agents often replace the file
// rather than write it in place.
func WatchTodo(ctx context.Context, path string, log *slog.Logger) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
					log.Debug("todo document changed", "file", filepath.Base(path), "op", event.Op.String())
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("error watching todo document", "err", err)
			}
		}
	}()
	return nil
}
