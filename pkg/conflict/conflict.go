// Package conflict preserves local changes that an incoming sync would
// otherwise overwrite. The local version is copied to a "conflicted copy"
// next to the original, e.g. "notes (Conflicted Copy 2020-01-02 03:04:05).txt",
// and the copy is marked so that it's never uploaded.
package conflict

import (
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/fsys"
	"github.com/sidkik/deltasync/pkg/metrics"
)

const timestampLayout = "2006-01-02 15:04:05"

var conflictedPattern = regexp.MustCompile(
	` \(Conflicted Copy \d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}( \d+)?\)`)

// PathContainsConflicted returns whether any element of `p` is named like a
// conflicted copy. It doesn't access the filesystem.
func PathContainsConflicted(p string) bool {
	return conflictedPattern.MatchString(p)
}

// Name returns the name of the conflicted copy of `p` made at `at`. Copies
// made within the same second are told apart by `n`, which is omitted when
// it's 1.
func Name(p string, at time.Time, n int) string {
	dir, base := path.Split(p)
	ext := path.Ext(base)
	if ext == base {
		// Dotfiles such as ".bashrc" have no extension.
		ext = ""
	}
	stem := strings.TrimSuffix(base, ext)

	tag := at.Format(timestampLayout)
	if n > 1 {
		tag = fmt.Sprintf("%s %d", tag, n)
	}
	return dir + fmt.Sprintf("%s (Conflicted Copy %s)%s", stem, tag, ext)
}

// Manager makes conflicted copies.
type Manager struct {
	clock clockwork.Clock

	// Serializes name selection so that concurrent copies of the same file
	// don't pick the same name.
	lock sync.Mutex
}

// NewManager returns a Manager that timestamps copies with `clock`.
func NewManager(clock clockwork.Clock) *Manager {
	return &Manager{clock: clock}
}

// IsConflictedCopy returns whether `p` is marked as a conflicted copy.
func (m *Manager) IsConflictedCopy(fs *fsys.FS, p string) (bool, error) {
	return fs.IsConflict(p)
}

// MakeConflictedCopy copies the current contents of `p` to a new conflicted
// copy, and returns the copy's path. The original is left in place for the
// caller to overwrite.
func (m *Manager) MakeConflictedCopy(fs *fsys.FS, p string) (string, error) {
	if fs == nil {
		return "", errors.ErrInvalid
	}

	fi, err := fs.Lstat(p)
	if err != nil {
		return "", errors.WithContext(err, "stat")
	}
	if fi.IsDir() {
		return "", errors.WithContext(errors.ErrPermission, "directories can't be conflicted")
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	copyPath, err := m.freeName(fs, p)
	if err != nil {
		return "", err
	}

	if fi.Mode()&os.ModeSymlink != 0 {
		target, err := fs.Readlink(p)
		if err != nil {
			return "", errors.WithContext(err, "read link")
		}
		if err := fs.Symlink(target, copyPath); err != nil {
			return "", errors.WithContext(err, "copy link")
		}
	} else {
		contents, err := afero.ReadFile(fs, p)
		if err != nil {
			return "", errors.WithContext(err, "read")
		}
		if err := fs.WriteFileAtomic(copyPath, contents, fi.Mode().Perm()); err != nil {
			return "", errors.WithContext(err, "write copy")
		}
		if err := fs.SetModified(copyPath, fi.ModTime()); err != nil {
			log.WithError(err).WithField("path", copyPath).Debug("Failed to set modified time")
		}
	}

	if err := fs.MarkConflict(copyPath); err != nil {
		return "", errors.WithContext(err, "mark conflict")
	}

	metrics.RecordConflict()
	log.WithField("path", p).WithField("copy", copyPath).Info("Preserved local changes in conflicted copy")
	return copyPath, nil
}

func (m *Manager) freeName(fs *fsys.FS, p string) (string, error) {
	now := m.clock.Now()
	for n := 1; ; n++ {
		candidate := Name(p, now, n)
		exists, err := fs.Exists(candidate)
		if err != nil {
			return "", errors.WithContext(err, "stat candidate")
		}
		if !exists {
			return candidate, nil
		}
	}
}
