package tree

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"

	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/fsys"
)

// Ref identifies a synced node for verification.
type Ref struct {
	Path string
	Type NodeType
}

// Refs returns the refs of `nodes` and their contents, in depth-first
// pre-order.
func Refs(nodes []Node) []Ref {
	var refs []Ref
	for _, n := range Flatten(nodes) {
		refs = append(refs, Ref{Path: fsys.Clean(n.Path), Type: n.Type})
	}
	return refs
}

// DiffRefs is Refs for diff nodes.
func DiffRefs(nodes []DiffNode) []Ref {
	var refs []Ref
	for _, n := range FlattenDiffs(nodes) {
		refs = append(refs, Ref{Path: fsys.Clean(n.Path), Type: n.Type})
	}
	return refs
}

// Digest returns a checksum of the current state of the nodes in `refs`:
// their paths, types and contents. After a sync, the sender and the receiver
// compute it over the same refs and compare the results.
func Digest(fs *fsys.FS, refs []Ref, opts Options) ([]byte, error) {
	if fs == nil {
		return nil, errors.ErrInvalid
	}

	h := md5.New()
	for _, ref := range refs {
		fmt.Fprintf(h, "%s\x00%s\x00", ref.Path, ref.Type)
		if err := digestNode(h, fs, ref, opts); err != nil {
			return nil, errors.WithContext(err, ref.Path)
		}
		io.WriteString(h, "\n")
	}
	return h.Sum(nil), nil
}

func digestNode(w io.Writer, fs *fsys.FS, ref Ref, opts Options) error {
	fi, err := stat(fs, ref.Path, opts)
	if os.IsNotExist(err) {
		_, err = io.WriteString(w, "missing")
		return err
	}
	if err != nil {
		return errors.WithContext(err, "stat")
	}

	switch {
	case fi.IsDir():
		_, err = io.WriteString(w, "dir")
		return err
	case fi.Mode()&os.ModeSymlink != 0:
		target, err := fs.Readlink(ref.Path)
		if err != nil {
			return errors.WithContext(err, "read link")
		}
		_, err = io.WriteString(w, "link:"+target)
		return err
	}

	f, err := fs.Open(ref.Path)
	if err != nil {
		return errors.WithContext(err, "open")
	}
	defer f.Close()

	contents := md5.New()
	if _, err := io.Copy(contents, f); err != nil {
		return errors.WithContext(err, "read")
	}
	_, err = fmt.Fprintf(w, "file:%x", contents.Sum(nil))
	return err
}
