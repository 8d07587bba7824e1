// Package fswatch reports changes to the files under a directory, so that the
// sync client can upload them.
package fswatch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/fsys"
)

var fs = afero.NewOsFs()

// Handler is told about the paths that changed. Paths are relative to the
// watched directory, in the form used by the sync protocol, e.g. "/dir/file".
type Handler interface {
	LocalChange(path string) error
}

// Watcher watches a directory and its subdirectories.
type Watcher struct {
	root    string
	handler Handler
	watcher *fsnotify.Watcher
	changes *changeSet

	// The directories that are watched, by their path on disk.
	watched map[string]struct{}
}

// Watch starts watching `root`. Changes are reported to `handler` once Run is
// called.
func Watch(root string, handler Handler) (*Watcher, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.WithContext(err, "resolve root")
	}

	pathsToWatch, err := getPathsToWatch(root)
	if err != nil {
		return nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	w := &Watcher{
		root:    root,
		handler: handler,
		watcher: watcher,
		watched: map[string]struct{}{},
	}
	for _, path := range pathsToWatch {
		if err := w.add(path); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}
			return nil, err
		}
	}

	w.changes = combineUpdates(watcher.Events, w.syncPath)
	log.WithField("root", root).WithField("directories", len(w.watched)).Debug("Watching for changes")
	return w, nil
}

// Run reports changes until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		if err := w.watcher.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			if err == fsnotify.ErrEventOverflow {
				// Some changes were lost, so check everything.
				log.Warn("Too many file changes to keep up with. Rescanning.")
				w.changes.add("/")
				w.rescan()
				continue
			}
			log.WithError(err).Warn("File watcher error")
		case <-w.changes.trigger:
			for _, p := range w.changes.take() {
				w.watchNewDirs(p)
				if err := w.handler.LocalChange(p); err != nil {
					log.WithError(err).WithField("path", p).Warn("Failed to handle local change")
				}
			}
		}
	}
}

func (w *Watcher) add(path string) error {
	if _, ok := w.watched[path]; ok {
		return nil
	}
	if err := w.watcher.Add(path); err != nil {
		return errors.WithContext(err, "watch "+path)
	}
	w.watched[path] = struct{}{}
	return nil
}

// watchNewDirs starts watching `p` if it's a directory that was just created.
// Directories that were removed are forgotten.
func (w *Watcher) watchNewDirs(p string) {
	path := filepath.Join(w.root, filepath.FromSlash(p))
	fi, err := fs.Stat(path)
	if err != nil {
		for watched := range w.watched {
			if watched == path || strings.HasPrefix(watched, path+string(filepath.Separator)) {
				delete(w.watched, watched)
			}
		}
		return
	}
	if !fi.IsDir() {
		return
	}

	if _, ok := w.watched[path]; ok {
		return
	}

	dirs, err := getPathsToWatch(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("Failed to list new directory")
		return
	}
	for _, dir := range dirs {
		if err := w.add(dir); err != nil {
			log.WithError(err).WithField("path", dir).Warn("Failed to watch new directory")
		}
	}
}

// rescan watches any directories that were created while events were lost.
func (w *Watcher) rescan() {
	dirs, err := getPathsToWatch(w.root)
	if err != nil {
		log.WithError(err).Warn("Failed to rescan")
		return
	}
	for _, dir := range dirs {
		if err := w.add(dir); err != nil {
			log.WithError(err).WithField("path", dir).Warn("Failed to watch directory")
		}
	}
}

// syncPath converts a path on disk to a sync path. It returns false for paths
// outside the root.
func (w *Watcher) syncPath(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return fsys.Clean("/" + filepath.ToSlash(rel)), true
}

// changeSet collects changed paths until they're taken. A path that changes
// many times before it's taken is only reported once.
type changeSet struct {
	trigger chan struct{}

	lock  sync.Mutex
	paths map[string]struct{}
}

func (cs *changeSet) add(p string) {
	cs.lock.Lock()
	cs.paths[p] = struct{}{}
	cs.lock.Unlock()

	select {
	case cs.trigger <- struct{}{}:
	default:
	}
}

// take returns the collected paths, parents first.
func (cs *changeSet) take() []string {
	cs.lock.Lock()
	defer cs.lock.Unlock()

	var paths []string
	for p := range cs.paths {
		paths = append(paths, p)
	}
	cs.paths = map[string]struct{}{}
	sort.Strings(paths)
	return paths
}

func combineUpdates(updates <-chan fsnotify.Event, toSyncPath func(string) (string, bool)) *changeSet {
	combined := &changeSet{
		trigger: make(chan struct{}, 1),
		paths:   map[string]struct{}{},
	}
	go func() {
		for event := range updates {
			// Permission changes aren't synced.
			if event.Op == fsnotify.Chmod {
				continue
			}
			if p, ok := toSyncPath(event.Name); ok {
				combined.add(p)
			}
		}
	}()
	return combined
}

func getPathsToWatch(root string) (paths []string, err error) {
	fi, err := fs.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: root}
		}
		return nil, errors.WithContext(err, "stat")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("%s is not a directory", root)
	}

	// Because fsnotify doesn't watch directories recursively, we walk the
	// directory and watch each subdirectory. Watching a directory covers the
	// files in it.
	err = afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			// Removed while walking.
			if os.IsNotExist(err) {
				return nil
			}
			return errors.WithContext(err, "walk error")
		}

		if fi.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}
