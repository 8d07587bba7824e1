// Package fsys is the filesystem that trees are synced to and from. It wraps
// an afero filesystem rooted at the sync root, and keeps out-of-band markers
// for nodes that have unsynced local changes or are conflicted copies.
//
// All paths are slash separated and relative to the sync root, e.g.
// "/dir/file".
package fsys

import (
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/deltasync/pkg/errors"
)

// ErrSymlinksUnsupported is returned when the underlying filesystem can't
// create or read symlinks.
var ErrSymlinksUnsupported = errors.New("filesystem does not support symlinks")

// FS is a filesystem rooted at a sync root.
type FS struct {
	afero.Fs

	// root is the directory on disk, when the FS is backed by one.
	root string

	markers MarkerStore
	clock   clockwork.Clock
}

// New wraps `fs`. The markers are kept in `markers`.
func New(fs afero.Fs, markers MarkerStore) *FS {
	return &FS{Fs: fs, markers: markers, clock: clockwork.NewRealClock()}
}

// NewOsFS returns the FS for the directory `root` on the local disk. Markers
// are stored as extended attributes where the platform supports it.
func NewOsFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.WithContext(err, "resolve root")
	}

	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, errors.WithContext(err, "create root")
	}
	fs := New(afero.NewBasePathFs(afero.NewOsFs(), abs), NewXattrMarkers(abs))
	fs.root = abs
	return fs, nil
}

// NewMemFS returns an in-memory FS. It's used by tests, and doesn't support
// symlinks.
func NewMemFS() *FS {
	return New(afero.NewMemMapFs(), NewMemoryMarkers())
}

// WithClock returns a copy of the FS that timestamps markers with `clock`.
func (fs *FS) WithClock(clock clockwork.Clock) *FS {
	copy := *fs
	copy.clock = clock
	return &copy
}

// Clock returns the clock used for marker timestamps.
func (fs *FS) Clock() clockwork.Clock {
	return fs.clock
}

// Clean normalizes `p` into a rooted, slash separated path.
func Clean(p string) string {
	return path.Clean("/" + filepath.ToSlash(p))
}

// Join joins path elements and cleans the result.
func Join(elem ...string) string {
	return Clean(path.Join(elem...))
}

// IsWithin returns whether `p` is `parent` or one of its descendants.
func IsWithin(p, parent string) bool {
	p, parent = Clean(p), Clean(parent)
	if parent == "/" || p == parent {
		return true
	}
	return strings.HasPrefix(p, parent+"/")
}

// Overlaps returns whether one of the paths contains the other.
func Overlaps(a, b string) bool {
	return IsWithin(a, b) || IsWithin(b, a)
}

// Lstat stats `p` without following a trailing symlink, if the underlying
// filesystem supports it.
func (fs *FS) Lstat(p string) (os.FileInfo, error) {
	if lstater, ok := fs.Fs.(afero.Lstater); ok {
		fi, _, err := lstater.LstatIfPossible(p)
		return fi, err
	}
	return fs.Fs.Stat(p)
}

// Root returns the directory on disk that the FS is rooted at, or the empty
// string for in-memory filesystems.
func (fs *FS) Root() string {
	return fs.root
}

func (fs *FS) realPath(p string) string {
	return filepath.Join(fs.root, filepath.FromSlash(Clean(p)))
}

// Readlink returns the target of the symlink at `p`.
//
// Link targets are kept verbatim. afero's BasePathFs resolves targets
// against the base directory, so on disk the os package is used directly.
func (fs *FS) Readlink(p string) (string, error) {
	if fs.root != "" {
		return os.Readlink(fs.realPath(p))
	}

	reader, ok := fs.Fs.(afero.LinkReader)
	if !ok {
		return "", ErrSymlinksUnsupported
	}
	return reader.ReadlinkIfPossible(p)
}

// Symlink creates a symlink at `p` pointing to `target`.
func (fs *FS) Symlink(target, p string) error {
	if fs.root != "" {
		return os.Symlink(target, fs.realPath(p))
	}

	linker, ok := fs.Fs.(afero.Linker)
	if !ok {
		return ErrSymlinksUnsupported
	}
	return linker.SymlinkIfPossible(target, p)
}

// Exists returns whether a node exists at `p`.
func (fs *FS) Exists(p string) (bool, error) {
	_, err := fs.Lstat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// EnsureDir creates `p` and any missing parents. An existing directory is
// not an error.
func (fs *FS) EnsureDir(p string) error {
	return fs.Fs.MkdirAll(p, 0755)
}

// WriteFileAtomic replaces the contents of `p` so that concurrent readers
// see either the old or the new contents, never a partial write.
func (fs *FS) WriteFileAtomic(p string, data []byte, perm os.FileMode) error {
	tmp, err := afero.TempFile(fs.Fs, path.Dir(p), ".deltasync-")
	if err != nil {
		return errors.WithContext(err, "create temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		fs.Fs.Remove(tmpName)
		return errors.WithContext(err, "write")
	}
	if err := tmp.Close(); err != nil {
		fs.Fs.Remove(tmpName)
		return errors.WithContext(err, "close")
	}
	if err := fs.Fs.Chmod(tmpName, perm); err != nil {
		log.WithError(err).WithField("path", p).Debug("Failed to set file mode")
	}

	// Replace symlinks and directories rather than writing through them.
	if fi, err := fs.Lstat(p); err == nil && !fi.Mode().IsRegular() {
		if err := fs.Fs.RemoveAll(p); err != nil {
			fs.Fs.Remove(tmpName)
			return errors.WithContext(err, "remove old node")
		}
	}

	if err := fs.Fs.Rename(tmpName, p); err != nil {
		fs.Fs.Remove(tmpName)
		return errors.WithContext(err, "rename into place")
	}
	return nil
}

// SetModified sets the modification time of `p`.
func (fs *FS) SetModified(p string, modified time.Time) error {
	return fs.Fs.Chtimes(p, modified, modified)
}

// IsTempFile returns whether `name` is a temporary file created by
// WriteFileAtomic.
func IsTempFile(name string) bool {
	return strings.HasPrefix(path.Base(name), ".deltasync-")
}
