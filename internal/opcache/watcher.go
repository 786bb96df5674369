package opcache

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher feeds filesystem change events into cache invalidation so
// dependency-tracked entries drop as soon as their files change.
type Watcher struct {
	fw   *fsnotify.Watcher
	set  *Set
	root string
	log  zerolog.Logger
}

// NewWatcher watches root (non-recursively per directory added) and
// invalidates the cache set on write/rename/remove events.
func NewWatcher(root string, set *Set, log zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{fw: fw, set: set, root: root, log: log}
	if err := fw.Add(root); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

// AddDir registers an additional directory.
func (w *Watcher) AddDir(dir string) error {
	return w.fw.Add(dir)
}

// Run consumes events until ctx ends.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = w.fw.Close()
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			rel, err := filepath.Rel(w.root, event.Name)
			if err != nil {
				rel = event.Name
			}
			rel = filepath.ToSlash(rel)
			if strings.HasPrefix(rel, ".git/") {
				continue
			}
			if n := w.set.InvalidateFile(rel); n > 0 {
				w.log.Debug().Str("path", rel).Int("invalidated", n).Msg("cache invalidated by file change")
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("cache watcher error")
		}
	}
}
