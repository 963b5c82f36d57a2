// Package configwatch reports when the on-disk configuration file has
// changed since the daemon loaded it. The bridge does not hot-reload
// configuration: every client key, allowlist, and limit is frozen at
// startup, but operators benefit from a loud warning that a running
// daemon's view is stale. Grounded on the watcher/events.Write select
// loop in golang-tools' lsp/project/fsnotify.go, adapted from a
// recursive directory watch to a single-file watch.
package configwatch

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"

	"github.com/tenzoki/bridged/internal/events"
)

// Watcher reports fsnotify write/rename events on one config file path to
// the event ring as staleness warnings.
type Watcher struct {
	path    string
	ring    *events.Ring
	watcher *fsnotify.Watcher
}

// New creates a Watcher on path. The caller must call Run to start
// watching and Close to release the underlying fsnotify handle.
func New(path string, ring *events.Ring) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("configwatch: failed to create watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("configwatch: failed to watch %s: %w", path, err)
	}
	return &Watcher{path: path, ring: ring, watcher: fw}, nil
}

// Run blocks, emitting a "config_stale" warn event each time the watched
// file is written or renamed out from under the daemon, until ctx is
// cancelled.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.ring.Warn("config_stale", "configuration file changed on disk since startup; restart to apply", map[string]any{
					"path": w.path, "op": ev.Op.String(),
				})
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.ring.Warn("configwatch_error", "config file watcher reported an error", map[string]any{
				"path": w.path, "error": err.Error(),
			})
		}
	}
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
