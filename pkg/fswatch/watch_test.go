package fswatch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/deltasync/pkg/errors"
)

func TestGetPathsToWatch(t *testing.T) {
	tests := []struct {
		name     string
		dirs     []string
		files    []string
		root     string
		expPaths []string
		expError error
	}{
		{
			name: "Nested directories",
			dirs: []string{"/home/sync/src", "/home/sync/src/app",
				"/home/sync/src/app/controllers", "/home/sync/tests"},
			files: []string{"/home/sync/tests/test.js", "/home/sync/src/package.json",
				"/home/sync/src/app/controllers/index.js"},
			root: "/home/sync",
			expPaths: []string{"/home/sync", "/home/sync/src", "/home/sync/src/app",
				"/home/sync/src/app/controllers", "/home/sync/tests"},
		},
		{
			name:     "Empty directory",
			dirs:     []string{"/home/sync"},
			root:     "/home/sync",
			expPaths: []string{"/home/sync"},
		},
		{
			name:     "Missing root",
			root:     "/home/sync",
			expError: errors.FileNotFound{Path: "/home/sync"},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			fs = afero.NewMemMapFs()
			for _, dir := range test.dirs {
				require.NoError(t, fs.MkdirAll(dir, 0755))
			}
			for _, file := range test.files {
				require.NoError(t, afero.WriteFile(fs, file, []byte("testfile"), 0644))
			}

			paths, err := getPathsToWatch(test.root)
			if test.expError != nil {
				assert.Equal(t, test.expError, err)
				return
			}
			require.NoError(t, err)

			// Sort for consistency.
			sort.Strings(test.expPaths)
			sort.Strings(paths)
			assert.Equal(t, test.expPaths, paths)
		})
	}
	fs = afero.NewOsFs()
}

func TestSyncPath(t *testing.T) {
	w := &Watcher{root: "/home/sync"}
	tests := []struct {
		path    string
		expPath string
		expOK   bool
	}{
		{"/home/sync", "/", true},
		{"/home/sync/a", "/a", true},
		{"/home/sync/a/b.txt", "/a/b.txt", true},
		{"/home/sync/../other", "", false},
		{"/home/synced", "", false},
		{"/elsewhere", "", false},
	}

	for _, test := range tests {
		p, ok := w.syncPath(test.path)
		assert.Equal(t, test.expOK, ok, test.path)
		assert.Equal(t, test.expPath, p, test.path)
	}
}

func TestCombineUpdates(t *testing.T) {
	w := &Watcher{root: "/home/sync"}
	updates := make(chan fsnotify.Event, 1024)
	for i := 0; i < 100; i++ {
		updates <- fsnotify.Event{Name: "/home/sync/a", Op: fsnotify.Write}
	}
	updates <- fsnotify.Event{Name: "/home/sync/b", Op: fsnotify.Create}
	updates <- fsnotify.Event{Name: "/home/sync/c", Op: fsnotify.Chmod}
	updates <- fsnotify.Event{Name: "/elsewhere", Op: fsnotify.Write}
	updates <- fsnotify.Event{Name: "/home/sync/0", Op: fsnotify.Remove}
	close(updates)

	combined := combineUpdates(updates, w.syncPath)

	var paths []string
	assert.Eventually(t, func() bool {
		select {
		case <-combined.trigger:
			paths = append(paths, combined.take()...)
		default:
		}
		return len(paths) >= 3
	}, 5*time.Second, 10*time.Millisecond)

	sort.Strings(paths)
	assert.Equal(t, []string{"/0", "/a", "/b"}, paths)
}

type recorder chan string

func (r recorder) LocalChange(p string) error {
	r <- p
	return nil
}

func (r recorder) expect(t *testing.T, exp string) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case p := <-r:
			if p == exp {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a change to %s", exp)
		}
	}
}

func TestWatch(t *testing.T) {
	fs = afero.NewOsFs()
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "existing"), 0755))

	changes := make(recorder, 1024)
	w, err := Watch(root, changes)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx)
	}()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	require.NoError(t, os.WriteFile(filepath.Join(root, "existing", "file"), []byte("a"), 0644))
	changes.expect(t, "/existing/file")

	// New directories are watched once they're reported.
	require.NoError(t, os.Mkdir(filepath.Join(root, "new"), 0755))
	changes.expect(t, "/new")
	require.NoError(t, os.WriteFile(filepath.Join(root, "new", "file"), []byte("b"), 0644))
	changes.expect(t, "/new/file")

	require.NoError(t, os.RemoveAll(filepath.Join(root, "existing")))
	changes.expect(t, "/existing")
}

func TestWatchMissingRoot(t *testing.T) {
	fs = afero.NewOsFs()
	_, err := Watch(filepath.Join(t.TempDir(), "missing"), make(recorder))
	var notFound errors.FileNotFound
	assert.True(t, errors.As(err, &notFound))
}
