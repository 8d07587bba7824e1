package tree

import (
	"bytes"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/deltasync/pkg/conflict"
	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/fsys"
	"github.com/sidkik/deltasync/pkg/rsync"
)

// ConflictResolver preserves the local version of a node before a patch
// overwrites it.
type ConflictResolver interface {
	MakeConflictedCopy(fs *fsys.FS, path string) (string, error)
}

// Patch applies `diffList` to the nodes under `path`.
//
// The diff list is authoritative: local nodes that it doesn't contain are
// deleted, unless they have local changes that haven't been uploaded or are
// conflicted copies. Before overwriting a node with such changes, the local
// version is saved with `resolver`. A nil resolver leaves unsynced nodes
// untouched instead.
func Patch(fs *fsys.FS, path string, diffList []DiffNode, opts Options,
	resolver ConflictResolver) (Result, error) {
	if fs == nil {
		return Result{}, errors.ErrInvalid
	}
	path = fsys.Clean(path)

	p := patcher{fs: fs, opts: opts, resolver: resolver}
	if isSingleNode(path, len(diffList), func(i int) string { return diffList[i].Path }) {
		if err := fs.EnsureDir(fsys.Join(path, "..")); err != nil {
			return Result{}, errors.WithContext(err, "create parent directories")
		}
		p.patchNode(diffList[0])
		return p.result, nil
	}

	fi, err := fs.Lstat(path)
	if err == nil && !fi.IsDir() {
		if ok := p.replaceable(path); !ok {
			return p.result, nil
		}
	}
	if err := fs.EnsureDir(path); err != nil {
		return Result{}, errors.WithContext(err, "create directory")
	}

	p.patchChildren(path, diffList)
	return p.result, nil
}

type patcher struct {
	fs       *fsys.FS
	opts     Options
	resolver ConflictResolver
	result   Result
}

func (p *patcher) patchChildren(dir string, children []DiffNode) {
	keep := map[string]struct{}{}
	for _, child := range children {
		keep[fsys.Clean(child.Path)] = struct{}{}
		p.patchNode(child)
	}
	p.deleteAbsent(dir, func(child string) bool {
		_, ok := keep[child]
		return ok
	})
}

func (p *patcher) patchNode(dn DiffNode) {
	path := fsys.Clean(dn.Path)

	var err error
	switch dn.Type {
	case Directory:
		err = p.patchDir(path, dn)
	case Symlink:
		err = p.patchLink(path, dn)
	case File:
		err = p.patchFile(path, dn)
	default:
		err = errors.Errorf("unknown node type %s", dn.Type)
	}

	if err != nil {
		log.WithError(err).WithField("path", path).Warn("Failed to patch node")
		p.result.Failed = append(p.result.Failed, path)
		return
	}
	p.result.Synced = append(p.result.Synced, path)
}

func (p *patcher) patchDir(path string, dn DiffNode) error {
	fi, err := p.fs.Lstat(path)
	if err == nil && !fi.IsDir() {
		if err := p.preserve(path, fi); err != nil {
			return err
		}
		if err := p.fs.Delete(path); err != nil {
			return errors.WithContext(err, "remove node")
		}
	}

	if err := p.fs.EnsureDir(path); err != nil {
		return errors.WithContext(err, "mkdir")
	}

	// Unsynced children still keep the directory from being deleted.
	if err := p.fs.ClearUnsynced(path, p.fs.Clock().Now()); err != nil {
		return err
	}

	if dn.NodeList != nil {
		keep := map[string]struct{}{}
		for _, name := range dn.NodeList {
			keep[fsys.Join(path, name)] = struct{}{}
		}
		p.deleteAbsent(path, func(child string) bool {
			_, ok := keep[child]
			return ok
		})
	} else {
		p.patchChildren(path, dn.Contents)
	}

	p.setModified(path, dn.Modified)
	return nil
}

func (p *patcher) patchLink(path string, dn DiffNode) error {
	fi, err := p.fs.Lstat(path)
	if err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			if target, err := p.fs.Readlink(path); err == nil && target == dn.Link {
				return p.fs.ClearUnsynced(path, p.fs.Clock().Now())
			}
		}
		if err := p.preserve(path, fi); err != nil {
			return err
		}
		if err := p.fs.Delete(path); err != nil {
			return errors.WithContext(err, "remove node")
		}
	}

	if err := p.fs.Symlink(dn.Link, path); err != nil {
		return errors.WithContext(err, "create link")
	}
	return nil
}

func (p *patcher) patchFile(path string, dn DiffNode) error {
	fi, statErr := p.fs.Lstat(path)
	exists := statErr == nil
	if statErr != nil && !os.IsNotExist(statErr) {
		return errors.WithContext(statErr, "stat")
	}

	if dn.Identical {
		if !exists || !fi.Mode().IsRegular() {
			return errors.New("identical node is missing")
		}
		return p.fs.ClearUnsynced(path, p.fs.Clock().Now())
	}

	var existing []byte
	if exists && fi.Mode().IsRegular() {
		var err error
		existing, err = afero.ReadFile(p.fs, path)
		if err != nil {
			return errors.WithContext(err, "read")
		}
	}

	content, err := rsync.Apply(existing, dn.Diffs, p.opts.blockSize())
	if err != nil {
		return errors.WithContext(err, "apply diffs")
	}

	// The sender's listing only claims a size, so the limit is checked again
	// on what was actually sent.
	if limit := p.opts.MaxFileSize; limit > 0 && int64(len(content)) > limit {
		tooLarge := errors.FileTooLarge{Path: path, Size: int64(len(content)), Limit: limit}
		p.result.TooLarge = append(p.result.TooLarge, tooLarge)
		return tooLarge
	}

	if exists {
		unsynced, err := p.fs.IsUnsynced(path)
		if err != nil {
			return errors.WithContext(err, "get markers")
		}

		// The local change is exactly what's being synced, so there's
		// nothing to preserve.
		if unsynced && fi.Mode().IsRegular() && bytes.Equal(content, existing) {
			p.setModified(path, dn.Modified)
			return p.fs.ClearUnsynced(path, p.fs.Clock().Now())
		}

		if err := p.preserve(path, fi); err != nil {
			return err
		}
	}

	perm := os.FileMode(0644)
	if exists && fi.Mode().IsRegular() {
		perm = fi.Mode().Perm()
	}
	if err := p.fs.WriteFileAtomic(path, content, perm); err != nil {
		return err
	}
	p.setModified(path, dn.Modified)
	return p.fs.ClearUnsynced(path, p.fs.Clock().Now())
}

// preserve saves the local version of `path` if it has changes that haven't
// been uploaded.
func (p *patcher) preserve(path string, fi os.FileInfo) error {
	hasWork, err := p.fs.HasLocalWork(path)
	if err != nil {
		return errors.WithContext(err, "get markers")
	}
	if !hasWork {
		return nil
	}

	if fi.IsDir() || p.resolver == nil {
		return errors.WithContext(errors.ErrPermission, "node has unsynced changes")
	}

	if _, err := p.resolver.MakeConflictedCopy(p.fs, path); err != nil {
		return errors.WithContext(err, "make conflicted copy")
	}
	return nil
}

// replaceable returns whether the non-directory at `path` may be replaced by
// a directory.
func (p *patcher) replaceable(path string) bool {
	fi, err := p.fs.Lstat(path)
	if err == nil {
		err = p.preserve(path, fi)
	}
	if err == nil {
		err = p.fs.Delete(path)
	}
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("Failed to replace node with directory")
		p.result.Failed = append(p.result.Failed, path)
		return false
	}
	return true
}

// deleteAbsent deletes the children of `dir` for which `keep` is false.
func (p *patcher) deleteAbsent(dir string, keep func(string) bool) {
	infos, err := afero.ReadDir(p.fs, dir)
	if err != nil {
		log.WithError(err).WithField("path", dir).Warn("Failed to list directory for deletions")
		p.result.Failed = append(p.result.Failed, dir)
		return
	}

	for _, info := range infos {
		child := fsys.Join(dir, info.Name())
		if keep(child) || fsys.IsTempFile(child) || conflict.PathContainsConflicted(child) {
			continue
		}

		hasWork, err := p.fs.HasLocalWork(child)
		if err != nil {
			log.WithError(err).WithField("path", child).Warn("Failed to get markers")
			p.result.Failed = append(p.result.Failed, child)
			continue
		}
		if hasWork {
			log.WithField("path", child).Debug("Keeping node with local changes")
			continue
		}

		if err := p.fs.Delete(child); err != nil {
			log.WithError(err).WithField("path", child).Warn("Failed to delete node")
			p.result.Failed = append(p.result.Failed, child)
			continue
		}
		p.result.Deleted = append(p.result.Deleted, child)
	}
}

func (p *patcher) setModified(path string, modified time.Time) {
	if !p.opts.SyncMtimes || modified.IsZero() {
		return
	}

	if err := p.fs.SetModified(path, modified); err != nil {
		log.WithError(err).WithField("path", path).Debug("Failed to set modified time")
	}
}
