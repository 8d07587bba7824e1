package fsys

import (
	"os"

	"github.com/spf13/afero"

	"github.com/sidkik/deltasync/pkg/errors"
)

// The operations below are local edits, as opposed to writes made by a sync.
// Every node they touch is marked unsynced until it's uploaded.

// WriteFile writes `data` to `p` and marks it unsynced.
func (fs *FS) WriteFile(p string, data []byte) error {
	if err := fs.EnsureDir(parentDir(p)); err != nil {
		return errors.WithContext(err, "create parent")
	}
	if err := afero.WriteFile(fs.Fs, p, data, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return fs.MarkUnsynced(p)
}

// CreateDir creates the directory `p` and marks it unsynced.
func (fs *FS) CreateDir(p string) error {
	if err := fs.EnsureDir(p); err != nil {
		return errors.WithContext(err, "mkdir")
	}
	return fs.MarkUnsynced(p)
}

// Delete removes `p` and everything below it, along with their markers. It's
// used for both local and synced deletions.
func (fs *FS) Delete(p string) error {
	if err := fs.Fs.RemoveAll(p); err != nil {
		return errors.WithContext(err, "remove")
	}
	return fs.markers.Remove(p)
}

// Move renames `oldPath` to `newPath` and marks the destination unsynced.
// Renaming a conflicted copy resolves the conflict, so its conflict marker
// is cleared.
func (fs *FS) Move(oldPath, newPath string) error {
	if err := fs.EnsureDir(parentDir(newPath)); err != nil {
		return errors.WithContext(err, "create parent")
	}
	if err := fs.Fs.Rename(oldPath, newPath); err != nil {
		return errors.WithContext(err, "rename")
	}
	if err := fs.markers.Move(oldPath, newPath); err != nil {
		return errors.WithContext(err, "move markers")
	}
	return fs.ResolveConflict(newPath)
}

// RenameSynced applies a rename made on another machine. The markers move
// with the node, but nothing is marked unsynced.
func (fs *FS) RenameSynced(oldPath, newPath string) error {
	if err := fs.EnsureDir(parentDir(newPath)); err != nil {
		return errors.WithContext(err, "create parent")
	}

	if _, err := fs.Lstat(newPath); err == nil {
		if err := fs.Fs.RemoveAll(newPath); err != nil {
			return errors.WithContext(err, "remove destination")
		}
	} else if !os.IsNotExist(err) {
		return errors.WithContext(err, "stat destination")
	}

	if err := fs.Fs.Rename(oldPath, newPath); err != nil {
		return errors.WithContext(err, "rename")
	}
	return fs.markers.Move(oldPath, newPath)
}

func parentDir(p string) string {
	return Join(Clean(p), "..")
}
