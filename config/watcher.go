package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ProfileChange reports that a profile file was created, modified, or
// removed on disk, with its content checksum changed from what was last
// seen (a touch that rewrites identical bytes is not reported).
type ProfileChange struct {
	Name      string
	Removed   bool
	Profile   WorkloadProfile
	ChangedAt string
}

// ProfileWatcher watches a profile directory and pushes ProfileChange
// events into a Store as files are written or removed, so a long-running
// server picks up edited profiles without a restart. It is a narrowed
// version of watching a whole config file for edits: the same
// write-event-to-reload loop, scoped to one directory of many named files
// instead of one file holding everything.
type ProfileWatcher struct {
	dir     string
	store   *Store
	watcher *fsnotify.Watcher

	mu         sync.Mutex
	isWatching bool
	checksums  map[string]string
}

// NewProfileWatcher creates a watcher over dir, backed by store for cache
// updates. Call Watch to start receiving filesystem events.
func NewProfileWatcher(dir string, store *Store) (*ProfileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create file watcher: %w", err)
	}
	return &ProfileWatcher{dir: dir, store: store, watcher: w, checksums: make(map[string]string)}, nil
}

// Watch begins watching and returns a channel of applied changes and a
// channel of non-fatal errors (a file failing to parse does not stop the
// watch). Both channels close when ctx is done or Close is called. Watch
// may only be started once per ProfileWatcher.
func (w *ProfileWatcher) Watch(ctx context.Context) (<-chan ProfileChange, <-chan error) {
	changes := make(chan ProfileChange, 16)
	errs := make(chan error, 16)

	w.mu.Lock()
	if w.isWatching {
		w.mu.Unlock()
		close(changes)
		close(errs)
		return changes, errs
	}
	if err := w.watcher.Add(w.dir); err != nil {
		w.mu.Unlock()
		errs <- fmt.Errorf("config: watch dir %s: %w", w.dir, err)
		close(changes)
		close(errs)
		return changes, errs
	}
	w.isWatching = true
	w.mu.Unlock()

	go func() {
		defer close(changes)
		defer close(errs)
		for {
			select {
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handle(ev, changes, errs)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				errs <- err
			case <-ctx.Done():
				return
			}
		}
	}()
	return changes, errs
}

func (w *ProfileWatcher) handle(ev fsnotify.Event, changes chan<- ProfileChange, errs chan<- error) {
	if filepath.Ext(ev.Name) != ".yaml" {
		return
	}
	name := strings.TrimSuffix(filepath.Base(ev.Name), ".yaml")

	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		w.mu.Lock()
		delete(w.checksums, name)
		w.mu.Unlock()
		w.store.Delete(name)
		changes <- ProfileChange{Name: name, Removed: true}
		return
	}
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	p, err := LoadProfile(w.dir, name)
	if err != nil {
		errs <- err
		return
	}

	w.mu.Lock()
	last := w.checksums[name]
	changed := last != p.checksum
	w.checksums[name] = p.checksum
	w.mu.Unlock()
	if !changed {
		return
	}

	w.store.Put(p)
	changes <- ProfileChange{Name: name, Profile: p}
}

// Close stops the underlying filesystem watch started by Watch and
// returns its error. Calls after the first, and calls made before Watch,
// return nil without doing anything.
func (w *ProfileWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.isWatching {
		return nil
	}
	w.isWatching = false
	return w.watcher.Close()
}
