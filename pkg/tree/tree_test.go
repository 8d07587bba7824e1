package tree

import (
	"encoding/json"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/deltasync/pkg/conflict"
	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/fsys"
)

var now = time.Date(2019, 3, 14, 15, 9, 26, 0, time.UTC)

// layout maps paths to file contents. Paths ending in a slash are directories.
type layout map[string]string

func makeFS(t *testing.T, files layout) *fsys.FS {
	fs := fsys.NewMemFS().WithClock(clockwork.NewFakeClockAt(now))
	writeLayout(t, fs, files)
	return fs
}

func writeLayout(t *testing.T, fs *fsys.FS, files layout) {
	for path, contents := range files {
		if path[len(path)-1] == '/' {
			require.NoError(t, fs.EnsureDir(path))
			continue
		}
		require.NoError(t, fs.EnsureDir(fsys.Join(path, "..")))
		require.NoError(t, afero.WriteFile(fs, path, []byte(contents), 0644))
	}
}

// readLayout returns everything in `fs` in the same format as `layout`.
func readLayout(t *testing.T, fs *fsys.FS) layout {
	actual := layout{}
	err := afero.Walk(fs, "/", func(path string, fi os.FileInfo, err error) error {
		require.NoError(t, err)
		path = fsys.Clean(path)
		switch {
		case path == "/":
		case fi.IsDir():
			actual[path+"/"] = ""
		default:
			contents, err := afero.ReadFile(fs, path)
			require.NoError(t, err)
			actual[path] = string(contents)
		}
		return nil
	})
	require.NoError(t, err)
	return actual
}

// sync runs a whole sync of `path` from `src` to `dst`, and verifies that
// both sides agree on the result.
func sync(t *testing.T, src, dst *fsys.FS, path string, opts Options) ([]DiffNode, Result) {
	srcList, err := SourceList(src, path, opts)
	require.NoError(t, err)

	// Everything goes through the wire format.
	srcList = roundTrip(t, srcList)

	checksums, err := Checksums(dst, path, srcList, opts)
	require.NoError(t, err)
	checksums = roundTrip(t, checksums)

	diffs, err := Diff(src, path, checksums, opts)
	require.NoError(t, err)
	diffs = roundTrip(t, diffs)

	res, err := Patch(dst, path, diffs, opts, conflict.NewManager(dst.Clock()))
	require.NoError(t, err)
	assert.Empty(t, res.Failed)

	srcDigest, err := Digest(src, DiffRefs(diffs), opts)
	require.NoError(t, err)
	dstDigest, err := Digest(dst, DiffRefs(diffs), opts)
	require.NoError(t, err)
	assert.Equal(t, srcDigest, dstDigest)
	return diffs, res
}

func roundTrip[T any](t *testing.T, v T) T {
	data, err := json.Marshal(v)
	require.NoError(t, err)

	var decoded T
	require.NoError(t, json.Unmarshal(data, &decoded))
	return decoded
}

func TestNodeTypeJSON(t *testing.T) {
	data, err := json.Marshal([]NodeType{File, Directory, Symlink})
	require.NoError(t, err)
	assert.Equal(t, `["FILE","DIRECTORY","SYMLINK"]`, string(data))

	var types []NodeType
	require.NoError(t, json.Unmarshal(data, &types))
	assert.Equal(t, []NodeType{File, Directory, Symlink}, types)

	var typ NodeType
	assert.Error(t, json.Unmarshal([]byte(`"SOCKET"`), &typ))
}

func TestSourceList(t *testing.T) {
	fs := makeFS(t, layout{
		"/a":         "a",
		"/dir/b":     "bb",
		"/dir/sub/c": "ccc",
		"/empty/":    "",
	})

	nodes, err := SourceList(fs, "/", DefaultOptions())
	require.NoError(t, err)

	var paths []string
	for _, n := range Flatten(nodes) {
		paths = append(paths, n.Path)
	}
	assert.Equal(t, []string{"/a", "/dir", "/dir/b", "/dir/sub", "/dir/sub/c", "/empty"}, paths)
	assert.Equal(t, Directory, nodes[1].Type)
	assert.Equal(t, int64(2), nodes[1].Contents[0].Size)

	shallow, err := SourceList(fs, "/dir", DefaultOptions().Shallow())
	require.NoError(t, err)
	require.Len(t, shallow, 2)
	assert.Empty(t, shallow[1].Contents)

	single, err := SourceList(fs, "/dir/b", DefaultOptions())
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, File, single[0].Type)

	_, err = SourceList(fs, "/missing", DefaultOptions())
	assert.Equal(t, errors.FileNotFound{Path: "/missing"}, err)

	_, err = SourceList(nil, "/", DefaultOptions())
	assert.Equal(t, errors.ErrInvalid, err)
}

func TestSourceListNotSyncable(t *testing.T) {
	fs := makeFS(t, layout{"/marked": "y"})
	require.NoError(t, fs.MarkConflict("/marked"))

	nodes, err := SourceList(fs, "/marked", DefaultOptions())
	assert.True(t, errors.Is(err, ErrNotSyncable), "unexpected error %v", err)
	assert.Empty(t, nodes)
}

func TestCheckListing(t *testing.T) {
	file := []Node{{Path: "/f", Type: File}}
	children := []Node{{Path: "/dir/a", Type: File}}

	tests := []struct {
		name    string
		path    string
		srcList []Node
		dir     bool
		expErr  bool
	}{
		{name: "File", path: "/f", srcList: file},
		{name: "Directory", path: "/dir", srcList: children, dir: true},
		{name: "EmptyDirectory", path: "/dir", srcList: []Node{}, dir: true},
		{name: "EmptyFile", path: "/f", srcList: nil, expErr: true},
		{name: "FileListedAsDirectory", path: "/f", srcList: file, dir: true, expErr: true},
		{name: "Root", path: "/", srcList: nil},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			err := CheckListing(test.path, test.srcList, test.dir)
			if test.expErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSourceListExcludesConflictedCopies(t *testing.T) {
	fs := makeFS(t, layout{"/kept": "x", "/marked": "y"})
	require.NoError(t, fs.MarkConflict("/marked"))
	writeLayout(t, fs, layout{conflict.Name("/named", now, 1): "z"})

	nodes, err := SourceList(fs, "/", DefaultOptions())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "/kept", nodes[0].Path)
}

func TestRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	random := func(n int) string {
		buf := make([]byte, n)
		r.Read(buf)
		return string(buf)
	}

	base := random(3000)
	tests := []struct {
		name     string
		src, dst layout
	}{
		{
			name: "new files",
			src:  layout{"/a": base, "/dir/b": "b", "/dir/empty/": ""},
			dst:  layout{},
		},
		{
			name: "modified files",
			src:  layout{"/a": base[:1000] + "changed" + base[1000:], "/b": "new"},
			dst:  layout{"/a": base, "/b": "old"},
		},
		{
			name: "emptied file",
			src:  layout{"/a": ""},
			dst:  layout{"/a": base},
		},
		{
			name: "file replaced by directory",
			src:  layout{"/a/b": "b"},
			dst:  layout{"/a": "a"},
		},
		{
			name: "directory replaced by file",
			src:  layout{"/a": "a"},
			dst:  layout{"/a/b": "b", "/a/c/d": "d"},
		},
	}

	for _, test := range tests {
		test := test
		for _, blockSize := range []int{1, 100, 512, 3000, 10000} {
			t.Run(test.name, func(t *testing.T) {
				src := makeFS(t, test.src)
				dst := makeFS(t, test.dst)

				opts := DefaultOptions()
				opts.BlockSize = blockSize
				sync(t, src, dst, "/", opts)
				assert.Equal(t, readLayout(t, src), readLayout(t, dst), "block size %d", blockSize)
			})
		}
	}
}

func TestIdempotent(t *testing.T) {
	src := makeFS(t, layout{"/a": "a", "/dir/b": "b", "/dir/c/d": "d", "/e/": ""})
	dst := makeFS(t, layout{"/a": "old"})

	sync(t, src, dst, "/", DefaultOptions())

	diffs, res := sync(t, src, dst, "/", DefaultOptions())
	literal, blocks := TransferStats(diffs)
	assert.Zero(t, literal)
	assert.Zero(t, blocks)
	assert.Empty(t, res.Deleted)
	for _, dn := range FlattenDiffs(diffs) {
		if dn.Type == File {
			assert.True(t, dn.Identical, dn.Path)
		}
	}
}

func TestDeleteByAbsence(t *testing.T) {
	src := makeFS(t, layout{"/dir/a": "a", "/dir/b": "b"})
	dst := makeFS(t, layout{"/dir/a": "a", "/dir/b": "b", "/dir/c": "c", "/dir/d/e": "e"})

	_, res := sync(t, src, dst, "/dir", DefaultOptions())
	assert.Equal(t, layout{"/dir/": "", "/dir/a": "a", "/dir/b": "b"}, readLayout(t, dst))
	assert.ElementsMatch(t, []string{"/dir/c", "/dir/d"}, res.Deleted)
}

func TestDeleteByAbsenceKeepsLocalWork(t *testing.T) {
	src := makeFS(t, layout{"/a": "a"})
	dst := makeFS(t, layout{"/a": "a", "/copy": "c"})
	require.NoError(t, dst.WriteFile("/new/unsynced", []byte("local")))
	require.NoError(t, dst.MarkConflict("/copy"))

	sync(t, src, dst, "/", DefaultOptions())
	assert.Equal(t, layout{
		"/a":            "a",
		"/copy":         "c",
		"/new/":         "",
		"/new/unsynced": "local",
	}, readLayout(t, dst))
}

func TestConflictPreservation(t *testing.T) {
	src := makeFS(t, layout{"/dir/f": "remote"})
	dst := makeFS(t, layout{})
	require.NoError(t, dst.WriteFile("/dir/f", []byte("local")))

	sync(t, src, dst, "/", DefaultOptions())

	copyPath := conflict.Name("/dir/f", now, 1)
	assert.Equal(t, layout{
		"/dir/":  "",
		"/dir/f": "remote",
		copyPath: "local",
	}, readLayout(t, dst))

	unsynced, err := dst.IsUnsynced("/dir/f")
	require.NoError(t, err)
	assert.False(t, unsynced)

	// The copy is never uploaded.
	nodes, err := SourceList(dst, "/dir", DefaultOptions())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "/dir/f", nodes[0].Path)
}

func TestUnsyncedMatchingContent(t *testing.T) {
	src := makeFS(t, layout{"/f": "same"})
	dst := makeFS(t, layout{})
	require.NoError(t, dst.WriteFile("/f", []byte("same")))

	opts := DefaultOptions()
	opts.Checksum = true
	sync(t, src, dst, "/", opts)

	assert.Equal(t, layout{"/f": "same"}, readLayout(t, dst))
	unsynced, err := dst.IsUnsynced("/f")
	require.NoError(t, err)
	assert.False(t, unsynced)
}

func TestIdenticalClearsUnsynced(t *testing.T) {
	src := makeFS(t, layout{"/f": "same"})
	dst := makeFS(t, layout{})
	require.NoError(t, dst.WriteFile("/f", []byte("same")))
	require.NoError(t, src.SetModified("/f", now))
	require.NoError(t, dst.SetModified("/f", now))

	diffs, _ := sync(t, src, dst, "/", DefaultOptions())
	require.Len(t, diffs, 1)
	assert.True(t, diffs[0].Identical)

	unsynced, err := dst.IsUnsynced("/f")
	require.NoError(t, err)
	assert.False(t, unsynced)
}

func TestPatchMaxFileSize(t *testing.T) {
	src := makeFS(t, layout{"/dir/ok": "0123456789", "/dir/big": "0123456789a"})
	dst := makeFS(t, layout{})

	srcList, err := SourceList(src, "/", DefaultOptions())
	require.NoError(t, err)
	checksums, err := Checksums(dst, "/", srcList, DefaultOptions())
	require.NoError(t, err)
	diffs, err := Diff(src, "/", checksums, DefaultOptions())
	require.NoError(t, err)

	// Only the receiver's limit is set, as if the sender lied about sizes.
	opts := DefaultOptions()
	opts.MaxFileSize = 10
	res, err := Patch(dst, "/", diffs, opts, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/dir/big"}, res.Failed)
	assert.Equal(t, []errors.FileTooLarge{{Path: "/dir/big", Size: 11, Limit: 10}}, res.TooLarge)
	assert.Equal(t, layout{"/dir/": "", "/dir/ok": "0123456789"}, readLayout(t, dst))
}

func TestNoResolverKeepsUnsynced(t *testing.T) {
	src := makeFS(t, layout{"/f": "remote"})
	dst := makeFS(t, layout{})
	require.NoError(t, dst.WriteFile("/f", []byte("local")))

	srcList, err := SourceList(src, "/", DefaultOptions())
	require.NoError(t, err)
	checksums, err := Checksums(dst, "/", srcList, DefaultOptions())
	require.NoError(t, err)
	diffs, err := Diff(src, "/", checksums, DefaultOptions())
	require.NoError(t, err)

	res, err := Patch(dst, "/", diffs, DefaultOptions(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/f"}, res.Failed)
	assert.Equal(t, layout{"/f": "local"}, readLayout(t, dst))
}

func TestEmptyDirectory(t *testing.T) {
	src := makeFS(t, layout{"/empty/": ""})
	dst := makeFS(t, layout{})

	sync(t, src, dst, "/empty", DefaultOptions())
	assert.Equal(t, layout{"/empty/": ""}, readLayout(t, dst))
}

func TestSingleFile(t *testing.T) {
	src := makeFS(t, layout{"/dir/a": "new", "/dir/b": "b"})
	dst := makeFS(t, layout{"/dir/a": "old", "/dir/other": "kept"})

	sync(t, src, dst, "/dir/a", DefaultOptions().Shallow())
	assert.Equal(t, layout{"/dir/": "", "/dir/a": "new", "/dir/other": "kept"}, readLayout(t, dst))
}

func TestShallowNodeList(t *testing.T) {
	src := makeFS(t, layout{"/dir/sub/a": "a"})
	dst := makeFS(t, layout{"/dir/sub/a": "a", "/dir/sub/stale": "stale"})

	diffs, _ := sync(t, src, dst, "/dir", DefaultOptions().Shallow())
	require.Len(t, diffs, 1)
	assert.Equal(t, []string{"a"}, diffs[0].NodeList)
	assert.Equal(t, layout{"/dir/": "", "/dir/sub/": "", "/dir/sub/a": "a"}, readLayout(t, dst))
}

func TestDigestMismatch(t *testing.T) {
	src := makeFS(t, layout{"/a": "a"})
	dst := makeFS(t, layout{})
	diffs, _ := sync(t, src, dst, "/", DefaultOptions())

	before, err := Digest(dst, DiffRefs(diffs), DefaultOptions())
	require.NoError(t, err)

	writeLayout(t, dst, layout{"/a": "b"})
	after, err := Digest(dst, DiffRefs(diffs), DefaultOptions())
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	require.NoError(t, dst.Delete("/a"))
	missing, err := Digest(dst, DiffRefs(diffs), DefaultOptions())
	require.NoError(t, err)
	assert.NotEqual(t, before, missing)
}

func TestSymlinks(t *testing.T) {
	src, err := fsys.NewOsFS(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(src, "/target", []byte("contents"), 0644))
	require.NoError(t, src.Symlink("target", "/link"))

	t.Run("AsLinks", func(t *testing.T) {
		dst, err := fsys.NewOsFS(t.TempDir())
		require.NoError(t, err)

		sync(t, src, dst, "/", DefaultOptions())
		target, err := dst.Readlink("/link")
		require.NoError(t, err)
		assert.Equal(t, "target", target)

		// Unchanged links aren't rewritten.
		_, res := sync(t, src, dst, "/", DefaultOptions())
		assert.Contains(t, res.Synced, "/link")
	})

	t.Run("AsFiles", func(t *testing.T) {
		dst, err := fsys.NewOsFS(t.TempDir())
		require.NoError(t, err)

		opts := DefaultOptions()
		opts.Links = false
		sync(t, src, dst, "/", opts)

		fi, err := dst.Lstat("/link")
		require.NoError(t, err)
		assert.True(t, fi.Mode().IsRegular())

		contents, err := afero.ReadFile(dst, "/link")
		require.NoError(t, err)
		assert.Equal(t, "contents", string(contents))
	})
}

func TestCheckSizes(t *testing.T) {
	nodes := []Node{
		{Path: "/dir", Type: Directory, Contents: []Node{
			{Path: "/dir/ok", Type: File, Size: 10},
			{Path: "/dir/big", Type: File, Size: 11},
		}},
	}

	assert.NoError(t, CheckSizes(nodes, 0))
	assert.NoError(t, CheckSizes(nodes, 11))

	err := CheckSizes(nodes, 10)
	assert.True(t, errors.Is(err, errors.ErrTooLarge))
	assert.Equal(t, errors.FileTooLarge{Path: "/dir/big", Size: 11, Limit: 10}, err)
}

func TestOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.NoError(t, opts.Validate())
	assert.Equal(t, 512, opts.BlockSize)
	assert.True(t, opts.Recursive)

	shallow := opts.Shallow()
	assert.False(t, shallow.Recursive)
	assert.True(t, shallow.Checksum)
	assert.True(t, opts.Recursive, "the original options are unchanged")

	opts.BlockSize = 0
	assert.True(t, errors.Is(opts.Validate(), errors.ErrInvalid))

	_, err := Patch(nil, "/", nil, DefaultOptions(), nil)
	assert.Equal(t, errors.ErrInvalid, err)
}
