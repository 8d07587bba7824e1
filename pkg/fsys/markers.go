package fsys

import (
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/sidkik/deltasync/pkg/errors"
)

// Markers is the out-of-band sync metadata of a node.
type Markers struct {
	// Unsynced is when the node was last changed locally without the change
	// reaching the server. It's zero once the node is synced.
	Unsynced time.Time `json:"unsynced,omitempty"`

	// Conflict is set on conflicted copies.
	Conflict bool `json:"conflict,omitempty"`
}

// IsUnsynced returns whether the node has local changes that haven't been
// uploaded.
func (m Markers) IsUnsynced() bool {
	return !m.Unsynced.IsZero()
}

// IsZero returns whether no markers are set.
func (m Markers) IsZero() bool {
	return !m.IsUnsynced() && !m.Conflict
}

// MarkerStore persists Markers per path. Setting the zero Markers removes the
// entry.
type MarkerStore interface {
	Get(path string) (Markers, error)
	Set(path string, markers Markers) error

	// Move moves the markers of `oldPath` and all its descendants to
	// `newPath`.
	Move(oldPath, newPath string) error

	// Remove drops the markers of `path` and all its descendants.
	Remove(path string) error
}

// MemoryMarkers is a MarkerStore backed by a map.
type MemoryMarkers struct {
	markers map[string]Markers
	lock    sync.Mutex
}

// NewMemoryMarkers returns an empty MemoryMarkers.
func NewMemoryMarkers() *MemoryMarkers {
	return &MemoryMarkers{markers: map[string]Markers{}}
}

func (mm *MemoryMarkers) Get(path string) (Markers, error) {
	mm.lock.Lock()
	defer mm.lock.Unlock()
	return mm.markers[Clean(path)], nil
}

func (mm *MemoryMarkers) Set(path string, markers Markers) error {
	mm.lock.Lock()
	defer mm.lock.Unlock()

	if markers.IsZero() {
		delete(mm.markers, Clean(path))
	} else {
		mm.markers[Clean(path)] = markers
	}
	return nil
}

func (mm *MemoryMarkers) Move(oldPath, newPath string) error {
	mm.lock.Lock()
	defer mm.lock.Unlock()

	oldPath, newPath = Clean(oldPath), Clean(newPath)
	moved := map[string]Markers{}
	for p, markers := range mm.markers {
		if IsWithin(p, oldPath) {
			moved[newPath+strings.TrimPrefix(p, oldPath)] = markers
			delete(mm.markers, p)
		}
	}
	for p, markers := range moved {
		mm.markers[Clean(p)] = markers
	}
	return nil
}

func (mm *MemoryMarkers) Remove(path string) error {
	mm.lock.Lock()
	defer mm.lock.Unlock()

	for p := range mm.markers {
		if IsWithin(p, path) {
			delete(mm.markers, p)
		}
	}
	return nil
}

// Paths returns the paths that have markers, sorted.
func (mm *MemoryMarkers) Paths() []string {
	mm.lock.Lock()
	defer mm.lock.Unlock()

	var paths []string
	for p := range mm.markers {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Markers returns the markers of `p`.
func (fs *FS) Markers(p string) (Markers, error) {
	return fs.markers.Get(p)
}

// IsUnsynced returns whether `p` has local changes that haven't been
// uploaded.
func (fs *FS) IsUnsynced(p string) (bool, error) {
	markers, err := fs.markers.Get(p)
	return markers.IsUnsynced(), err
}

// IsConflict returns whether `p` is marked as a conflicted copy.
func (fs *FS) IsConflict(p string) (bool, error) {
	markers, err := fs.markers.Get(p)
	return markers.Conflict, err
}

// MarkUnsynced records that `p` was changed locally.
func (fs *FS) MarkUnsynced(p string) error {
	markers, err := fs.markers.Get(p)
	if err != nil {
		return errors.WithContext(err, "get markers")
	}
	markers.Unsynced = fs.clock.Now()
	return fs.markers.Set(p, markers)
}

// MarkConflict marks `p` as a conflicted copy.
func (fs *FS) MarkConflict(p string) error {
	markers, err := fs.markers.Get(p)
	if err != nil {
		return errors.WithContext(err, "get markers")
	}
	markers.Conflict = true
	return fs.markers.Set(p, markers)
}

// ResolveConflict clears the conflict marker of `p` and marks it unsynced, so
// that it's uploaded like any other local change.
func (fs *FS) ResolveConflict(p string) error {
	markers, err := fs.markers.Get(p)
	if err != nil {
		return errors.WithContext(err, "get markers")
	}
	markers.Conflict = false
	markers.Unsynced = fs.clock.Now()
	return fs.markers.Set(p, markers)
}

// ClearUnsynced clears the unsynced marker of `p`, unless the node was
// changed again after `syncedAt`. This way a write that races with an upload
// stays marked.
func (fs *FS) ClearUnsynced(p string, syncedAt time.Time) error {
	markers, err := fs.markers.Get(p)
	if err != nil {
		return errors.WithContext(err, "get markers")
	}

	if !markers.IsUnsynced() || markers.Unsynced.After(syncedAt) {
		return nil
	}
	markers.Unsynced = time.Time{}
	return fs.markers.Set(p, markers)
}

// ClearUnsyncedTree clears the unsynced markers of `p` and its descendants
// that weren't changed after `syncedAt`.
func (fs *FS) ClearUnsyncedTree(p string, syncedAt time.Time) error {
	return fs.walkExisting(p, func(p string) error {
		return fs.ClearUnsynced(p, syncedAt)
	})
}

// HasLocalWork returns whether `p` or any of its descendants is unsynced or
// conflicted. Such nodes must not be deleted by a sync.
func (fs *FS) HasLocalWork(p string) (bool, error) {
	found := false
	err := fs.walkExisting(p, func(p string) error {
		markers, err := fs.markers.Get(p)
		if err != nil {
			return err
		}
		if !markers.IsZero() {
			found = true
			return errStopWalk
		}
		return nil
	})
	if err == errStopWalk {
		err = nil
	}
	return found, err
}

var errStopWalk = errors.New("stop walk")

// walkExisting calls `fn` for `root` and every node below it.
func (fs *FS) walkExisting(root string, fn func(string) error) error {
	return afero.Walk(fs.Fs, root, func(p string, _ os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		return fn(Clean(p))
	})
}
