package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher warns when the cluster inventory file changes on disk. The running
// process keeps its loaded configuration; a restart is required to apply
// changes.
type Watcher struct {
	path    string
	log     *logrus.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for the inventory file at path. The parent
// directory is watched so editors that replace the file atomically are
// still detected.
func NewWatcher(path string, log *logrus.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{path: path, log: log, watcher: fw}, nil
}

// Run processes filesystem events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.log.WithField("path", w.path).Warn("Cluster inventory changed on disk; restart to apply")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Debug("Inventory watcher error")
		}
	}
}
