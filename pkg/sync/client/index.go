package client

import (
	"encoding/json"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/fsys"
	"github.com/sidkik/deltasync/pkg/tree"
)

// indexPath is where the index is kept between runs. It's named like a temp
// file, so it's never synced.
const indexPath = "/.deltasync-index"

type fingerprint struct {
	dir      bool
	size     int64
	modified time.Time
}

func fingerprintOf(fi os.FileInfo) fingerprint {
	if fi.IsDir() {
		return fingerprint{dir: true}
	}
	return fingerprint{size: fi.Size(), modified: fi.ModTime()}
}

// index remembers what the nodes looked like when they were last synced, so
// that the writes made by a sync aren't mistaken for local changes.
type index map[string]fingerprint

type indexEntry struct {
	Dir      bool      `json:"dir,omitempty"`
	Size     int64     `json:"size,omitempty"`
	Modified time.Time `json:"modified"`
}

// loadIndex reads the index saved by the last run. Without one, every local
// node is treated as changed.
func loadIndex(fs *fsys.FS) index {
	idx := index{}
	data, err := afero.ReadFile(fs, indexPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warn("Failed to read the index of synced nodes")
		}
		return idx
	}

	var entries map[string]indexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		log.WithError(err).Warn("Ignoring corrupt index of synced nodes")
		return idx
	}
	for p, entry := range entries {
		idx[fsys.Clean(p)] = fingerprint{dir: entry.Dir, size: entry.Size, modified: entry.Modified}
	}
	return idx
}

func (idx index) save(fs *fsys.FS) error {
	entries := make(map[string]indexEntry, len(idx))
	for p, fp := range idx {
		entries[p] = indexEntry{Dir: fp.dir, Size: fp.size, Modified: fp.modified}
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}
	return fs.WriteFileAtomic(indexPath, data, 0600)
}

func (idx index) has(p string) bool {
	_, ok := idx[fsys.Clean(p)]
	return ok
}

func (idx index) unchanged(p string, fi os.FileInfo) bool {
	fp, ok := idx[fsys.Clean(p)]
	if !ok {
		return false
	}

	current := fingerprintOf(fi)
	if fp.dir || current.dir {
		return fp.dir == current.dir
	}
	return fp.size == current.size && fp.modified.Equal(current.modified)
}

func (idx index) record(fs *fsys.FS, p string) {
	p = fsys.Clean(p)
	fi, err := fs.Lstat(p)
	if err != nil {
		delete(idx, p)
		return
	}
	idx[p] = fingerprintOf(fi)
}

// recordUploaded records the nodes as they were listed for an upload of
// `path`. Changes made after they were listed are still picked up.
func (idx index) recordUploaded(path string, nodes []tree.Node) {
	path = fsys.Clean(path)
	if len(nodes) != 1 || fsys.Clean(nodes[0].Path) != path {
		idx[path] = fingerprint{dir: true}
	}
	for _, n := range tree.Flatten(nodes) {
		p := fsys.Clean(n.Path)
		if n.Type == tree.Directory {
			idx[p] = fingerprint{dir: true}
		} else {
			idx[p] = fingerprint{size: n.Size, modified: n.Modified}
		}
	}
}

// recordPatch records the nodes of a downstream once it's applied, including
// the ones that were already up to date.
func (idx index) recordPatch(fs *fsys.FS, refs []tree.Ref, result tree.Result) {
	for _, p := range result.Deleted {
		idx.remove(p)
	}

	failed := map[string]bool{}
	for _, p := range result.Failed {
		failed[fsys.Clean(p)] = true
		delete(idx, fsys.Clean(p))
	}
	for _, ref := range refs {
		if !failed[ref.Path] {
			idx.record(fs, ref.Path)
		}
	}
}

func (idx index) remove(p string) {
	for indexed := range idx {
		if fsys.IsWithin(indexed, p) {
			delete(idx, indexed)
		}
	}
}

func (idx index) move(oldPath, newPath string) {
	oldPath, newPath = fsys.Clean(oldPath), fsys.Clean(newPath)
	moved := index{}
	for p, fp := range idx {
		if fsys.IsWithin(p, oldPath) {
			moved[fsys.Clean(newPath+p[len(oldPath):])] = fp
			delete(idx, p)
		}
	}
	for p, fp := range moved {
		idx[p] = fp
	}
}
