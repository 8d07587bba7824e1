package tree

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/deltasync/pkg/conflict"
	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/fsys"
)

// ErrNotSyncable is returned when listing a node that's never synced, such as
// a conflicted copy or a special file.
var ErrNotSyncable = errors.New("node is not synced")

// SourceList lists the nodes to sync for `path`. For a directory, that's its
// children, along with their contents if `opts.Recursive` is set. For any
// other node, it's the node itself. Conflicted copies are never listed.
func SourceList(fs *fsys.FS, path string, opts Options) ([]Node, error) {
	if fs == nil {
		return nil, errors.ErrInvalid
	}
	path = fsys.Clean(path)

	fi, err := stat(fs, path, opts)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: path}
		}
		return nil, errors.WithContext(err, "stat")
	}

	if !fi.IsDir() {
		node, ok, err := newNode(fs, path, fi, opts)
		switch {
		case err != nil:
			return nil, err
		case !ok:
			return nil, errors.WithContext(ErrNotSyncable, path)
		}
		return []Node{node}, nil
	}
	return listDir(fs, path, opts)
}

func listDir(fs *fsys.FS, dir string, opts Options) ([]Node, error) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.WithContext(err, "read dir")
	}

	nodes := []Node{}
	for _, info := range infos {
		p := fsys.Join(dir, info.Name())
		if fsys.IsTempFile(p) {
			continue
		}

		fi, err := stat(fs, p, opts)
		if err != nil {
			// Deleted since it was listed, or a dangling link.
			log.WithError(err).WithField("path", p).Debug("Skipping unreadable node")
			continue
		}

		node, ok, err := newNode(fs, p, fi, opts)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		if node.Type == Directory && opts.Recursive {
			node.Contents, err = listDir(fs, p, opts)
			if err != nil {
				return nil, errors.WithContext(err, p)
			}
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func newNode(fs *fsys.FS, p string, fi os.FileInfo, opts Options) (Node, bool, error) {
	isCopy, err := isConflictedCopy(fs, p)
	if err != nil {
		return Node{}, false, errors.WithContext(err, "get markers")
	}
	if isCopy {
		return Node{}, false, nil
	}

	node := Node{Path: p, Modified: fi.ModTime()}
	switch {
	case fi.IsDir():
		node.Type = Directory
	case fi.Mode()&os.ModeSymlink != 0:
		node.Type = Symlink
		node.Size = fi.Size()
	case fi.Mode().IsRegular():
		node.Type = File
		node.Size = fi.Size()
	default:
		log.WithField("path", p).WithField("mode", fi.Mode()).Debug("Skipping special file")
		return Node{}, false, nil
	}
	return node, true, nil
}

// isConflictedCopy checks both the marker and the name, so that copies are
// recognized on filesystems that can't store markers.
func isConflictedCopy(fs *fsys.FS, p string) (bool, error) {
	if conflict.PathContainsConflicted(p) {
		return true, nil
	}
	return fs.IsConflict(p)
}

// stat follows symlinks unless they're synced as links.
func stat(fs *fsys.FS, p string, opts Options) (os.FileInfo, error) {
	if opts.Links {
		return fs.Lstat(p)
	}
	return fs.Stat(p)
}
