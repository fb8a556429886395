// Package watch monitors the incoming-captures directory and hands new
// capture files to the evaluation pipeline.
package watch

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Handler receives the path of a newly arrived capture file.
type Handler func(ctx context.Context, path string)

// Watcher monitors a directory for new capture files.
type Watcher struct {
	dir     string
	handler Handler
	log     *zap.Logger
}

func New(dir string, handler Handler, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{dir: dir, handler: handler, log: log}
}

func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-watcher.Events:
				if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && isCapture(evt.Name) {
					w.handler(ctx, evt.Name)
				}
			case err := <-watcher.Errors:
				w.log.Warn("watcher error", zap.Error(err))
			}
		}
	}()
	return watcher.Add(w.dir)
}

// Rescan hands every capture file already present in the directory to
// the handler. Files that arrived while the service was down are picked
// up this way.
func (w *Watcher) Rescan(ctx context.Context) error {
	entries, err := filepath.Glob(filepath.Join(w.dir, "*"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if isCapture(e) {
			w.handler(ctx, e)
		}
	}
	return nil
}

func isCapture(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}
