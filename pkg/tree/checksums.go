package tree

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/fsys"
	"github.com/sidkik/deltasync/pkg/rsync"
)

// Checksums computes the receiver's checksums for the sender's source list of
// `path`. Nodes that the receiver is missing get empty checksums, so that the
// sender sends them in full.
//
// The directory that the nodes are synced into is created if it doesn't
// exist yet.
func Checksums(fs *fsys.FS, path string, srcList []Node, opts Options) ([]ChecksumNode, error) {
	if fs == nil {
		return nil, errors.ErrInvalid
	}
	path = fsys.Clean(path)

	dir := path
	if isSingleNode(path, len(srcList), func(i int) string { return srcList[i].Path }) {
		dir = fsys.Join(path, "..")
	}
	if err := fs.EnsureDir(dir); err != nil {
		return nil, errors.WithContext(err, "create parent directories")
	}

	return checksumNodes(fs, srcList, opts)
}

func checksumNodes(fs *fsys.FS, nodes []Node, opts Options) ([]ChecksumNode, error) {
	checksums := []ChecksumNode{}
	for _, node := range nodes {
		cn, err := checksumNode(fs, node, opts)
		if err != nil {
			return nil, errors.WithContext(err, node.Path)
		}
		checksums = append(checksums, cn)
	}
	return checksums, nil
}

func checksumNode(fs *fsys.FS, node Node, opts Options) (ChecksumNode, error) {
	cn := ChecksumNode{
		Path:     fsys.Clean(node.Path),
		Type:     node.Type,
		Modified: node.Modified,
	}

	switch node.Type {
	case Directory:
		contents, err := checksumNodes(fs, node.Contents, opts)
		if err != nil {
			return ChecksumNode{}, err
		}
		cn.Contents = contents
		return cn, nil
	case Symlink:
		cn.Link = true
		return cn, nil
	}

	fi, err := fs.Lstat(cn.Path)
	if err != nil {
		// Missing, or a parent is no longer a directory. Either way the file
		// is sent in full.
		if !os.IsNotExist(err) {
			log.WithError(err).WithField("path", cn.Path).Debug("Failed to stat local node")
		}
		return cn, nil
	}
	if !fi.Mode().IsRegular() {
		// The sender's file replaces whatever is here.
		return cn, nil
	}

	if !opts.Checksum && fi.Size() == node.Size &&
		fi.ModTime().Unix() == node.Modified.Unix() {
		cn.Identical = true
		return cn, nil
	}

	f, err := fs.Open(cn.Path)
	if err != nil {
		return ChecksumNode{}, errors.WithContext(err, "open")
	}
	defer f.Close()

	cn.Checksums, err = rsync.ReadBlockChecksums(f, opts.blockSize())
	if err != nil {
		return ChecksumNode{}, errors.WithContext(err, "checksum")
	}
	return cn, nil
}

// isSingleNode returns whether a list of nodes for `path` is the node at
// `path` itself, rather than the children of the directory at `path`.
func isSingleNode(path string, n int, nodePath func(int) string) bool {
	return n == 1 && fsys.Clean(nodePath(0)) == path && path != "/"
}

// IsDirListing returns whether `srcList`, listed for `path`, holds the
// contents of a directory rather than the node at `path` itself.
func IsDirListing(path string, srcList []Node) bool {
	return !isSingleNode(fsys.Clean(path), len(srcList), func(i int) string { return srcList[i].Path })
}

// CheckListing checks that a source list received for `path` agrees with the
// sender about whether `path` is a directory. An empty listing of a file
// would otherwise be synced as an empty directory.
func CheckListing(path string, srcList []Node, dir bool) error {
	path = fsys.Clean(path)
	if path == "/" || dir == IsDirListing(path, srcList) {
		return nil
	}
	if dir {
		return errors.Errorf("%q is a directory, but only the node itself was listed", path)
	}
	return errors.Errorf("%q is not a directory, but it was listed like one", path)
}
