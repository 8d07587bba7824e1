//go:build linux

package fsys

import (
	"encoding/json"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sidkik/deltasync/pkg/errors"
)

const markersXattr = "user.deltasync.markers"

// XattrMarkers stores markers as an extended attribute of each node, so that
// they follow the node when it's renamed outside of deltasync.
type XattrMarkers struct {
	root string
}

// NewXattrMarkers returns a MarkerStore for the tree rooted at `root`.
func NewXattrMarkers(root string) MarkerStore {
	return XattrMarkers{root: root}
}

func (xm XattrMarkers) realPath(p string) string {
	return filepath.Join(xm.root, filepath.FromSlash(Clean(p)))
}

func (xm XattrMarkers) Get(p string) (Markers, error) {
	buf := make([]byte, 256)
	n, err := unix.Lgetxattr(xm.realPath(p), markersXattr, buf)
	if err == unix.ERANGE {
		size, sizeErr := unix.Lgetxattr(xm.realPath(p), markersXattr, nil)
		if sizeErr != nil {
			return Markers{}, errors.WithContext(sizeErr, "get xattr size")
		}
		buf = make([]byte, size)
		n, err = unix.Lgetxattr(xm.realPath(p), markersXattr, buf)
	}

	switch err {
	case nil:
	case unix.ENODATA, unix.ENOENT, unix.ENOTSUP, unix.EPERM:
		// Symlinks can't have user attributes, so they never carry markers.
		return Markers{}, nil
	default:
		return Markers{}, errors.WithContext(err, "get xattr")
	}

	var markers Markers
	if err := json.Unmarshal(buf[:n], &markers); err != nil {
		return Markers{}, errors.WithContext(err, "parse markers")
	}
	return markers, nil
}

func (xm XattrMarkers) Set(p string, markers Markers) error {
	if markers.IsZero() {
		err := unix.Lremovexattr(xm.realPath(p), markersXattr)
		if err == nil || err == unix.ENODATA || err == unix.ENOENT ||
			err == unix.EPERM || err == unix.ENOTSUP {
			return nil
		}
		return errors.WithContext(err, "remove xattr")
	}

	value, err := json.Marshal(markers)
	if err != nil {
		return errors.WithContext(err, "marshal markers")
	}

	err = unix.Lsetxattr(xm.realPath(p), markersXattr, value, 0)
	if err == unix.EPERM || err == unix.ENOTSUP {
		log.WithError(err).WithField("path", p).Debug("Markers not supported on node")
		return nil
	}
	return errors.WithContext(err, "set xattr")
}

// Move is a no-op since the attributes are renamed along with the nodes.
func (xm XattrMarkers) Move(oldPath, newPath string) error {
	return nil
}

// Remove is a no-op since the attributes are removed along with the nodes.
func (xm XattrMarkers) Remove(p string) error {
	return nil
}
