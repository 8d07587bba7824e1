package tree

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/fsys"
	"github.com/sidkik/deltasync/pkg/rsync"
)

// Diff computes the instructions that bring the receiver's nodes, as
// described by `checksumList`, up to date with the sender's nodes under
// `path`. Nodes that disappeared from the sender since they were listed are
// left out, so the receiver deletes them.
func Diff(fs *fsys.FS, path string, checksumList []ChecksumNode, opts Options) ([]DiffNode, error) {
	if fs == nil {
		return nil, errors.ErrInvalid
	}
	return diffNodes(fs, checksumList, opts)
}

func diffNodes(fs *fsys.FS, checksumList []ChecksumNode, opts Options) ([]DiffNode, error) {
	diffs := []DiffNode{}
	for _, cn := range checksumList {
		dn, ok, err := diffNode(fs, cn, opts)
		if err != nil {
			return nil, errors.WithContext(err, cn.Path)
		}
		if ok {
			diffs = append(diffs, dn)
		}
	}
	return diffs, nil
}

func diffNode(fs *fsys.FS, cn ChecksumNode, opts Options) (DiffNode, bool, error) {
	p := fsys.Clean(cn.Path)
	fi, err := stat(fs, p, opts)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithField("path", p).Debug("Node removed since it was listed")
			return DiffNode{}, false, nil
		}
		return DiffNode{}, false, errors.WithContext(err, "stat")
	}

	dn := DiffNode{Path: p, Type: cn.Type, Modified: fi.ModTime()}
	switch {
	case fi.IsDir():
		dn.Type = Directory
		if cn.Type != Directory {
			// Changed type since it was listed, so the receiver knows nothing
			// about its contents.
			log.WithField("path", p).Debug("Node became a directory since it was listed")
			return dn, true, nil
		}
		return diffDir(fs, dn, cn, opts)

	case fi.Mode()&os.ModeSymlink != 0:
		dn.Type = Symlink
		dn.Link, err = fs.Readlink(p)
		if err != nil {
			return DiffNode{}, false, errors.WithContext(err, "read link")
		}
		return dn, true, nil

	case fi.Mode().IsRegular():
		dn.Type = File
		if cn.Identical && cn.Type == File {
			dn.Identical = true
			return dn, true, nil
		}

		content, err := afero.ReadFile(fs, p)
		if err != nil {
			return DiffNode{}, false, errors.WithContext(err, "read")
		}

		var target []rsync.BlockChecksum
		if cn.Type == File {
			target = cn.Checksums
		}
		dn.Diffs = rsync.Roll(content, target, opts.blockSize())
		return dn, true, nil
	}

	return DiffNode{}, false, nil
}

func diffDir(fs *fsys.FS, dn DiffNode, cn ChecksumNode, opts Options) (DiffNode, bool, error) {
	if opts.Recursive {
		contents, err := diffNodes(fs, cn.Contents, opts)
		if err != nil {
			return DiffNode{}, false, err
		}
		dn.Contents = contents
		return dn, true, nil
	}

	infos, err := afero.ReadDir(fs, dn.Path)
	if err != nil {
		return DiffNode{}, false, errors.WithContext(err, "read dir")
	}

	dn.NodeList = []string{}
	for _, info := range infos {
		p := fsys.Join(dn.Path, info.Name())
		isCopy, err := isConflictedCopy(fs, p)
		if err != nil {
			return DiffNode{}, false, errors.WithContext(err, "get markers")
		}
		if !isCopy && !fsys.IsTempFile(p) {
			dn.NodeList = append(dn.NodeList, info.Name())
		}
	}
	return dn, true, nil
}
