package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/deltasync/pkg/auth"
	"github.com/sidkik/deltasync/pkg/conflict"
	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/fsys"
	"github.com/sidkik/deltasync/pkg/lock"
	"github.com/sidkik/deltasync/pkg/metrics"
	"github.com/sidkik/deltasync/pkg/proto"
	"github.com/sidkik/deltasync/pkg/store"
	"github.com/sidkik/deltasync/pkg/sync/server"
	"github.com/sidkik/deltasync/pkg/tree"
)

const eventTimeout = 10 * time.Second

// testEnv is a sync server listening on localhost, whose users' trees are
// kept in memory.
type testEnv struct {
	addr   string
	store  store.Store
	tokens *auth.TokenTable
	cancel context.CancelFunc

	treesLock sync.Mutex
	trees     map[string]*fsys.FS
}

func newTestEnv(t *testing.T, config server.Config) *testEnv {
	if config.Options.BlockSize == 0 {
		maxFileSize := config.Options.MaxFileSize
		config.Options = tree.DefaultOptions()
		config.Options.MaxFileSize = maxFileSize
	}

	clock := clockwork.NewRealClock()
	tokens, err := auth.NewTokenTable([]byte("secret"), time.Minute, clock)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	env := &testEnv{
		store:  store.NewMemory(),
		tokens: tokens,
		cancel: cancel,
		trees:  map[string]*fsys.FS{},
	}

	srv, err := server.New(ctx, config, env.store, tokens, env.openTree, clock)
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	env.addr = lis.Addr().String()

	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(ctx, lis, nil)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(eventTimeout):
			t.Error("server didn't shut down")
		}
	})
	return env
}

func (env *testEnv) openTree(username string) (*fsys.FS, error) {
	return env.tree(username), nil
}

func (env *testEnv) tree(username string) *fsys.FS {
	env.treesLock.Lock()
	defer env.treesLock.Unlock()

	fs, ok := env.trees[username]
	if !ok {
		fs = fsys.NewMemFS()
		env.trees[username] = fs
	}
	return fs
}

func (env *testEnv) token(t *testing.T, username string) string {
	token, err := env.tokens.GenerateToken(username)
	require.NoError(t, err)
	return token
}

type testClient struct {
	*Client
	t       *testing.T
	stopped chan struct{}
	err     error
}

// dial connects a client for `username` that syncs `fs`, and starts running
// it.
func (env *testEnv) dial(t *testing.T, username string, fs *fsys.FS, config Config) *testClient {
	c, err := Dial(context.Background(), env.addr, env.token(t, username), fs, config)
	require.NoError(t, err)

	tc := &testClient{Client: c, t: t, stopped: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		tc.err = c.Run(ctx)
		close(tc.stopped)
	}()
	t.Cleanup(func() {
		cancel()
		c.Close()
		<-tc.stopped
	})
	return tc
}

// dialReady is dial, and waits for the initial downstream to finish.
func (env *testEnv) dialReady(t *testing.T, username string, fs *fsys.FS) *testClient {
	c := env.dial(t, username, fs, Config{})
	c.waitFor(Event{Type: EventReady})
	return c
}

// waitFor returns the first event that matches the non-zero fields of
// `want`. Events before it are discarded.
func (c *testClient) waitFor(want Event) Event {
	c.t.Helper()

	deadline := time.After(eventTimeout)
	for {
		select {
		case e, ok := <-c.Events():
			if !ok {
				c.t.Fatalf("client stopped while waiting for %s", want)
			}
			if matches(want, e) {
				return e
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func matches(want, e Event) bool {
	return (want.Type == "" || want.Type == e.Type) &&
		(want.Direction == "" || want.Direction == e.Direction) &&
		(want.Path == "" || want.Path == e.Path) &&
		(want.SyncType == "" || want.SyncType == e.SyncType)
}

func uploaded(path string) Event {
	return Event{Type: EventCompleted, Direction: metrics.Upstream, Path: path}
}

func downloaded(path string) Event {
	return Event{Type: EventCompleted, Direction: metrics.Downstream, Path: path}
}

func writeFile(t *testing.T, fs *fsys.FS, path, contents string) {
	require.NoError(t, fs.EnsureDir(fsys.Join(path, "..")))
	require.NoError(t, afero.WriteFile(fs, path, []byte(contents), 0644))
}

func readFile(t *testing.T, fs *fsys.FS, path string) string {
	contents, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	return string(contents)
}

// listRoot returns the names in the root directory, other than temp files.
func listRoot(t *testing.T, fs *fsys.FS) []string {
	infos, err := afero.ReadDir(fs, "/")
	require.NoError(t, err)

	var names []string
	for _, info := range infos {
		if !fsys.IsTempFile(info.Name()) {
			names = append(names, info.Name())
		}
	}
	return names
}

// saveIndex saves an index that records `paths` as synced, as if by an
// earlier run of the client.
func saveIndex(t *testing.T, fs *fsys.FS, paths ...string) {
	idx := index{}
	for _, p := range paths {
		idx.record(fs, p)
	}
	require.NoError(t, idx.save(fs))
}

func conflictedCopies(t *testing.T, fs *fsys.FS) []string {
	var copies []string
	for _, name := range listRoot(t, fs) {
		if conflict.PathContainsConflicted(name) {
			copies = append(copies, fsys.Join("/", name))
		}
	}
	return copies
}

func exists(t *testing.T, fs *fsys.FS, path string) bool {
	ok, err := fs.Exists(path)
	require.NoError(t, err)
	return ok
}

func TestInitialSync(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	remote := env.tree("alice")
	writeFile(t, remote, "/dir/a.txt", "a")
	writeFile(t, remote, "/b.txt", "b")

	// Synced by an earlier run, and deleted on the server since.
	local := fsys.NewMemFS()
	writeFile(t, local, "/stale.txt", "deleted on the server")
	saveIndex(t, local, "/stale.txt")

	c := env.dial(t, "alice", local, Config{})
	assert.Equal(t, "alice", c.Username())
	c.waitFor(Event{Type: EventReady, Path: "/"})

	assert.Equal(t, "a", readFile(t, local, "/dir/a.txt"))
	assert.Equal(t, "b", readFile(t, local, "/b.txt"))
	assert.False(t, exists(t, local, "/stale.txt"))

	assert.Eventually(t, func() bool {
		return c.State() == proto.StateListening
	}, eventTimeout, 10*time.Millisecond)
}

func TestInitialSyncEmptyTree(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	require.NoError(t, env.tree("alice").EnsureDir("/"))

	local := fsys.NewMemFS()
	env.dialReady(t, "alice", local)

	assert.Empty(t, listRoot(t, local))
}

func TestUpload(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	remote := env.tree("alice")
	require.NoError(t, remote.EnsureDir("/"))

	local := fsys.NewMemFS()
	c := env.dialReady(t, "alice", local)

	require.NoError(t, local.WriteFile("/notes/todo.txt", []byte("write tests")))
	require.NoError(t, c.LocalChange("/notes/todo.txt"))
	c.waitFor(uploaded("/notes/todo.txt"))

	assert.Equal(t, "write tests", readFile(t, remote, "/notes/todo.txt"))
	unsynced, err := local.IsUnsynced("/notes/todo.txt")
	require.NoError(t, err)
	assert.False(t, unsynced)

	// Edits are sent as deltas against the server's copy.
	require.NoError(t, local.WriteFile("/notes/todo.txt", []byte("write more tests")))
	require.NoError(t, c.Sync("/notes"))
	c.waitFor(uploaded("/notes"))
	assert.Equal(t, "write more tests", readFile(t, remote, "/notes/todo.txt"))
}

func TestUploadReachesOtherClients(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	require.NoError(t, env.tree("alice").EnsureDir("/"))
	require.NoError(t, env.tree("bob").EnsureDir("/"))

	laptopFS, desktopFS, bobFS := fsys.NewMemFS(), fsys.NewMemFS(), fsys.NewMemFS()
	laptop := env.dialReady(t, "alice", laptopFS)
	desktop := env.dialReady(t, "alice", desktopFS)
	env.dialReady(t, "bob", bobFS)

	require.NoError(t, laptopFS.WriteFile("/shared.txt", []byte("from the laptop")))
	require.NoError(t, laptop.LocalChange("/shared.txt"))
	laptop.waitFor(uploaded("/shared.txt"))

	desktop.waitFor(downloaded("/shared.txt"))
	assert.Equal(t, "from the laptop", readFile(t, desktopFS, "/shared.txt"))
	assert.False(t, exists(t, bobFS, "/shared.txt"))

	// The desktop's copy was written by a sync, so it's not uploaded again.
	require.NoError(t, desktop.LocalChange("/shared.txt"))
	require.NoError(t, desktop.do(func() error {
		assert.Empty(t, desktop.queue)
		assert.Nil(t, desktop.up)
		return nil
	}))
}

func TestRenameAndDelete(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	remote := env.tree("alice")
	writeFile(t, remote, "/old.txt", "contents")

	local := fsys.NewMemFS()
	c := env.dialReady(t, "alice", local)

	require.NoError(t, c.Rename("/old.txt", "/new/renamed.txt"))
	c.waitFor(Event{Type: EventCompleted, Path: "/new/renamed.txt", SyncType: proto.SyncRename})
	c.waitFor(Event{Type: EventCompleted, Path: "/new/renamed.txt", SyncType: proto.SyncContents})
	assert.False(t, exists(t, remote, "/old.txt"))
	assert.Equal(t, "contents", readFile(t, remote, "/new/renamed.txt"))

	require.NoError(t, c.Delete("/new"))
	c.waitFor(Event{Type: EventCompleted, Path: "/new", SyncType: proto.SyncDelete})
	assert.False(t, exists(t, remote, "/new"))
	assert.False(t, exists(t, local, "/new"))

	assert.Error(t, c.Rename("/", "/elsewhere"))
	assert.Error(t, c.Rename("/a", "/a/b"))
	assert.Error(t, c.Delete("/"))
}

func TestLocalDeletion(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	remote := env.tree("alice")
	writeFile(t, remote, "/doomed.txt", "contents")

	local := fsys.NewMemFS()
	c := env.dialReady(t, "alice", local)

	// Deleted behind the client's back, as seen by the watcher.
	require.NoError(t, local.Fs.Remove("/doomed.txt"))
	require.NoError(t, c.LocalChange("/doomed.txt"))
	c.waitFor(Event{Type: EventCompleted, Path: "/doomed.txt", SyncType: proto.SyncDelete})
	assert.False(t, exists(t, remote, "/doomed.txt"))
}

func TestMaxFileSize(t *testing.T) {
	env := newTestEnv(t, server.Config{Options: tree.Options{MaxFileSize: 10}})
	remote := env.tree("alice")
	require.NoError(t, remote.EnsureDir("/"))

	local := fsys.NewMemFS()
	c := env.dialReady(t, "alice", local)

	require.NoError(t, local.WriteFile("/big", []byte("12345678901")))
	require.NoError(t, c.LocalChange("/big"))
	e := c.waitFor(Event{Type: EventError, Path: "/big"})
	assert.Contains(t, e.Err.Error(), string(proto.NameChecksums))
	assert.False(t, exists(t, remote, "/big"))

	require.NoError(t, local.WriteFile("/small", []byte("1234567890")))
	require.NoError(t, c.LocalChange("/small"))
	c.waitFor(uploaded("/small"))
	assert.Equal(t, "1234567890", readFile(t, remote, "/small"))

	// The failed upload is still marked, so it's retried on the next change.
	unsynced, err := local.IsUnsynced("/big")
	require.NoError(t, err)
	assert.True(t, unsynced)
}

func TestConflictedCopy(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	writeFile(t, env.tree("alice"), "/notes.txt", "server version")

	local := fsys.NewMemFS()
	require.NoError(t, local.WriteFile("/notes.txt", []byte("offline edit")))
	env.dialReady(t, "alice", local)

	assert.Equal(t, "server version", readFile(t, local, "/notes.txt"))

	copies := conflictedCopies(t, local)
	require.Len(t, copies, 1)
	assert.Equal(t, "offline edit", readFile(t, local, copies[0]))

	isConflict, err := local.IsConflict(copies[0])
	require.NoError(t, err)
	assert.True(t, isConflict)
}

func TestOfflineChanges(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	remote := env.tree("alice")
	writeFile(t, remote, "/shared.txt", "server version")

	// Written while the client wasn't running, so nothing marked them.
	local := fsys.NewMemFS()
	writeFile(t, local, "/offline.txt", "created offline")
	writeFile(t, local, "/shared.txt", "edited offline")
	require.NoError(t, local.EnsureDir("/offline-dir"))

	c := env.dialReady(t, "alice", local)

	assert.Equal(t, "created offline", readFile(t, local, "/offline.txt"))
	assert.True(t, exists(t, local, "/offline-dir"))
	assert.Equal(t, "server version", readFile(t, local, "/shared.txt"))
	copies := conflictedCopies(t, local)
	require.Len(t, copies, 1)
	assert.Equal(t, "edited offline", readFile(t, local, copies[0]))

	require.NoError(t, c.Rescan())
	c.waitFor(uploaded("/offline.txt"))
	assert.Equal(t, "created offline", readFile(t, remote, "/offline.txt"))
	assert.Equal(t, "server version", readFile(t, remote, "/shared.txt"))
	assert.False(t, exists(t, remote, copies[0]))
}

func TestOfflineChangesWithIndex(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	remote := env.tree("alice")
	writeFile(t, remote, "/shared.txt", "new version from the server")
	writeFile(t, remote, "/restored.txt", "deleted offline")

	local := fsys.NewMemFS()
	writeFile(t, local, "/shared.txt", "old version")
	writeFile(t, local, "/removed.txt", "deleted on the server")
	writeFile(t, local, "/restored.txt", "deleted offline")
	saveIndex(t, local, "/shared.txt", "/removed.txt", "/restored.txt")
	require.NoError(t, local.Fs.Remove("/restored.txt"))

	env.dialReady(t, "alice", local)

	// Unchanged since the last run, so the server's changes win.
	assert.Equal(t, "new version from the server", readFile(t, local, "/shared.txt"))
	assert.False(t, exists(t, local, "/removed.txt"))
	assert.Empty(t, conflictedCopies(t, local))

	assert.Equal(t, "deleted offline", readFile(t, local, "/restored.txt"))
	assert.True(t, exists(t, remote, "/restored.txt"))
}

func TestIndexSavedOnReady(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	writeFile(t, env.tree("alice"), "/a.txt", "a")

	local := fsys.NewMemFS()
	env.dialReady(t, "alice", local)

	idx := loadIndex(local)
	assert.True(t, idx.has("/a.txt"))
	fi, err := local.Lstat("/a.txt")
	require.NoError(t, err)
	assert.True(t, idx.unchanged("/a.txt", fi))
}

func TestRenamedConflictedCopy(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	remote := env.tree("alice")
	writeFile(t, remote, "/notes.txt", "server version")

	// The markers follow renames made outside of the client, as they do when
	// they're stored as extended attributes.
	markers := fsys.NewMemoryMarkers()
	local := fsys.New(afero.NewMemMapFs(), markers)
	require.NoError(t, local.WriteFile("/notes.txt", []byte("offline edit")))
	c := env.dialReady(t, "alice", local)

	copies := conflictedCopies(t, local)
	require.Len(t, copies, 1)
	copyPath := copies[0]

	// Conflicted copies can't be uploaded as they are.
	require.NoError(t, c.Sync(copyPath))
	c.waitFor(Event{Type: EventError, Path: copyPath})
	assert.False(t, exists(t, remote, copyPath))

	require.NoError(t, local.Fs.Rename(copyPath, "/notes-mine.txt"))
	require.NoError(t, markers.Move(copyPath, "/notes-mine.txt"))
	require.NoError(t, c.LocalChange("/notes-mine.txt"))
	c.waitFor(uploaded("/notes-mine.txt"))

	isConflict, err := local.IsConflict("/notes-mine.txt")
	require.NoError(t, err)
	assert.False(t, isConflict)

	fi, err := remote.Lstat("/notes-mine.txt")
	require.NoError(t, err)
	assert.True(t, fi.Mode().IsRegular())
	assert.Equal(t, "offline edit", readFile(t, remote, "/notes-mine.txt"))
}

func TestLockedUploadIsRetried(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	require.NoError(t, env.tree("alice").EnsureDir("/"))

	// Another server process that holds the lock while it writes.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	other, err := lock.NewCoordinator(ctx, env.store, clockwork.NewRealClock(), lock.DefaultTimeout)
	require.NoError(t, err)
	go other.Run(ctx)

	l, err := other.Request(ctx, "writer", "alice", "/file.txt")
	require.NoError(t, err)
	require.True(t, l.Pin())

	clock := clockwork.NewFakeClock()
	local := fsys.NewMemFS()
	c := env.dial(t, "alice", local, Config{Clock: clock})
	c.waitFor(Event{Type: EventReady})

	require.NoError(t, local.WriteFile("/file.txt", []byte("contents")))
	require.NoError(t, c.LocalChange("/file.txt"))
	e := c.waitFor(Event{Type: EventRetrying, Path: "/file.txt"})
	assert.Contains(t, e.Err.Error(), string(proto.NameLocked))

	require.NoError(t, other.Release(ctx, l))
	clock.BlockUntil(1)
	clock.Advance(DefaultRetryInterval)

	c.waitFor(uploaded("/file.txt"))
	assert.Equal(t, "contents", readFile(t, env.tree("alice"), "/file.txt"))
}

func TestList(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	remote := env.tree("alice")
	writeFile(t, remote, "/dir/a.txt", "a")
	writeFile(t, remote, "/b.txt", "b")

	c := env.dialReady(t, "alice", fsys.NewMemFS())
	ctx := context.Background()

	nodes, err := c.List(ctx, "/dir", false)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "/dir/a.txt", nodes[0].Path)

	nodes, err = c.List(ctx, "/", true)
	require.NoError(t, err)
	var paths []string
	for _, n := range nodes {
		paths = append(paths, n.Path)
		assert.Empty(t, n.Contents)
	}
	assert.ElementsMatch(t, []string{"/dir", "/b.txt"}, paths)

	_, err = c.List(ctx, "/missing", false)
	var perr proto.ProtocolError
	require.True(t, errors.As(err, &perr), "unexpected error %v", err)
	assert.Equal(t, proto.NameSrcList, perr.Name)
}

func TestReset(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	writeFile(t, env.tree("alice"), "/dir/a.txt", "a")

	local := fsys.NewMemFS()
	c := env.dialReady(t, "alice", local)

	// Clobbered without the client noticing.
	writeFile(t, local, "/dir/a.txt", "garbage")
	require.NoError(t, c.Reset("/dir"))
	c.waitFor(downloaded("/dir"))
	assert.Equal(t, "a", readFile(t, local, "/dir/a.txt"))
}

func TestRejectedToken(t *testing.T) {
	env := newTestEnv(t, server.Config{})

	_, err := Dial(context.Background(), env.addr, "not-a-token", fsys.NewMemFS(), Config{})
	require.Error(t, err)

	token := env.token(t, "alice")
	_, err = env.tokens.ResolveToken(token)
	require.NoError(t, err)

	_, err = Dial(context.Background(), env.addr, token, fsys.NewMemFS(), Config{})
	var friendly errors.FriendlyError
	require.True(t, errors.As(err, &friendly), "unexpected error %v", err)
	assert.Contains(t, friendly.FriendlyMessage(), "deltasync token")
}

func TestServerShutdown(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	c := env.dialReady(t, "alice", fsys.NewMemFS())

	env.cancel()
	select {
	case <-c.stopped:
		assert.Equal(t, ErrDisconnected, c.err)
	case <-time.After(eventTimeout):
		t.Fatal("client didn't notice the server shutting down")
	}

	assert.Equal(t, proto.StateClosed, c.State())
	assert.Equal(t, ErrClosed, c.Sync("/"))
}

func TestRescan(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	remote := env.tree("alice")
	writeFile(t, remote, "/kept.txt", "kept")
	writeFile(t, remote, "/removed.txt", "removed")

	local := fsys.NewMemFS()
	c := env.dialReady(t, "alice", local)

	// Changed while nothing was watching.
	writeFile(t, local, "/fresh.txt", "fresh")
	require.NoError(t, local.Fs.Remove("/removed.txt"))
	require.NoError(t, c.Rescan())

	// Deletions are found first.
	c.waitFor(Event{Type: EventCompleted, Path: "/removed.txt", SyncType: proto.SyncDelete})
	c.waitFor(uploaded("/fresh.txt"))
	assert.Equal(t, "fresh", readFile(t, remote, "/fresh.txt"))
	assert.Equal(t, "kept", readFile(t, remote, "/kept.txt"))
	assert.False(t, exists(t, remote, "/removed.txt"))
}
