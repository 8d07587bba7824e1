// Package client implements the client side of the sync protocol. It keeps a
// local tree in sync with the user's tree on the server: it applies the
// downstreams that the server starts, and uploads local changes.
package client

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/sidkik/deltasync/pkg/conflict"
	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/fsys"
	"github.com/sidkik/deltasync/pkg/metrics"
	"github.com/sidkik/deltasync/pkg/proto"
	"github.com/sidkik/deltasync/pkg/tree"
	"github.com/sidkik/deltasync/pkg/version"
)

const (
	// DefaultRetryInterval is how long to wait before retrying an upload for
	// the first time. The wait doubles with each attempt.
	DefaultRetryInterval = 2 * time.Second

	// DefaultMaxAttempts is how many times an upload is tried before giving
	// up on it.
	DefaultMaxAttempts = 8

	maxRetryInterval = time.Minute
	eventBuffer      = 1024
)

var (
	// ErrClosed is returned when using a client that has stopped running.
	ErrClosed = errors.New("client is closed")

	// ErrDisconnected is returned by Run when the server ends the connection.
	ErrDisconnected = errors.New("disconnected by the server")
)

// Config configures a Client.
type Config struct {
	Options       tree.Options
	RetryInterval time.Duration
	MaxAttempts   int
	Clock         clockwork.Clock
}

// Client syncs a local tree with the server.
type Client struct {
	conn     proto.Conn
	close    func() error
	fs       *fsys.FS
	config   Config
	clock    clockwork.Clock
	resolver *conflict.Manager
	username string
	log      *log.Entry

	events  chan Event
	actions chan func()
	done    chan struct{}

	stateLock sync.Mutex
	state     proto.State

	// The fields below are owned by the goroutine in Run.
	ready      bool
	down       *downstream
	up         *upload
	queue      []*upload
	delayed    []*upload
	retryTimer clockwork.Timer
	listings   []chan listing
	index      index
}

type listing struct {
	nodes []tree.Node
	err   error
}

// Dial connects to the server at `addr` and authorizes with `token`.
func Dial(ctx context.Context, addr, token string, fs *fsys.FS, config Config) (*Client, error) {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.WithContext(err, "dial")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	conn, err := proto.Connect(streamCtx, cc)
	if err != nil {
		cancel()
		cc.Close()
		return nil, err
	}

	c, err := Connect(conn, token, fs, config)
	if err != nil {
		cancel()
		cc.Close()
		return nil, err
	}
	c.close = func() error {
		cancel()
		return cc.Close()
	}
	return c, nil
}

// Connect authorizes on `conn` and returns a client for it. Run must be
// called for the client to sync.
func Connect(conn proto.Conn, token string, fs *fsys.FS, config Config) (*Client, error) {
	if fs == nil {
		return nil, errors.ErrInvalid
	}
	if config.Options.BlockSize == 0 {
		config.Options = tree.DefaultOptions()
	}
	if err := config.Options.Validate(); err != nil {
		return nil, errors.WithContext(err, "sync options")
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultRetryInterval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}

	authz := proto.NewRequest(proto.NameAuthz, proto.Content{
		Token:   token,
		Version: version.ProtocolVersion,
	})
	if err := conn.Send(authz); err != nil {
		return nil, authzError(err)
	}

	resp, err := conn.Recv()
	if err != nil {
		return nil, authzError(err)
	}
	if !resp.Is(proto.Response, proto.NameAuthz) {
		return nil, errors.Errorf("unexpected authorization response %s", resp)
	}

	c := &Client{
		conn:     conn,
		fs:       fs,
		config:   config,
		clock:    config.Clock,
		resolver: conflict.NewManager(config.Clock),
		username: resp.Content.Username,
		log:      log.WithField("user", resp.Content.Username),
		events:   make(chan Event, eventBuffer),
		actions:  make(chan func(), 64),
		done:     make(chan struct{}),
		state:    proto.StateInit,
		index:    loadIndex(fs),
	}
	if closer, ok := conn.(io.Closer); ok {
		c.close = closer.Close
	}
	c.log.Info("Connected")
	return c, nil
}

func authzError(err error) error {
	switch status.Code(err) {
	case codes.Unauthenticated:
		return errors.NewFriendlyError("The server rejected the token. " +
			"Tokens can only be used once, and expire after a few minutes.\n" +
			"Request a new one with `deltasync token`.")
	case codes.FailedPrecondition:
		return errors.NewFriendlyError("The server doesn't support this version "+
			"of deltasync (%s).", status.Convert(err).Message())
	}
	return errors.WithContext(err, "authorize")
}

// Username returns the user that the client is syncing for.
func (c *Client) Username() string {
	return c.username
}

// Events returns the channel that progress is reported on. It's closed when
// Run returns. Events are dropped if the channel isn't drained.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the state of the connection.
func (c *Client) State() proto.State {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.state
}

// Close ends the connection.
func (c *Client) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

// Run syncs until the context is cancelled or the connection ends.
func (c *Client) Run(ctx context.Context) (err error) {
	defer func() {
		close(c.done)
		c.stopRetryTimer()
		c.saveIndex()
		for _, ch := range c.listings {
			ch <- listing{err: ErrClosed}
		}

		if err != nil {
			c.setState(proto.StateError)
			c.log.WithError(err).Warn("Connection failed")
		}
		c.setState(proto.StateClosed)
		c.emit(Event{Type: EventDisconnected, Err: err})
		close(c.events)
	}()

	c.emit(Event{Type: EventConnected})

	// Nothing is received until this returns, so it happens before the
	// first downstream.
	if err := c.markOfflineChanges(); err != nil {
		return errors.WithContext(err, "find offline changes")
	}

	msgs := make(chan *proto.Message)
	recvErrs := make(chan error, 1)
	go func() {
		for {
			msg, err := c.conn.Recv()
			if err != nil {
				recvErrs <- err
				return
			}

			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if err := c.startNextUpload(); err != nil {
			return err
		}
		c.updateState()

		var retry <-chan time.Time
		if c.retryTimer != nil {
			retry = c.retryTimer.Chan()
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-recvErrs:
			switch {
			case ctx.Err() != nil:
				return nil
			case err == io.EOF:
				return ErrDisconnected
			case status.Code(err) == codes.Canceled:
				return nil
			}
			return errors.WithContext(err, "receive")
		case msg := <-msgs:
			if err := c.handle(msg); err != nil {
				return err
			}
		case action := <-c.actions:
			action()
		case <-retry:
			c.retryTimer = nil
			c.releaseDelayed()
		}
	}
}

func (c *Client) handle(msg *proto.Message) error {
	c.log.WithField("message", msg.String()).Debug("Received")

	switch {
	case msg.Is(proto.Request, proto.NameChecksums):
		return c.handleChecksumsRequest(msg)
	case msg.Is(proto.Response, proto.NameDiffs):
		return c.handleDiffsResponse(msg)
	case msg.Is(proto.Response, proto.NameVerification):
		c.handleVerified(msg)
		return nil
	case msg.Is(proto.Response, proto.NameSync):
		return c.handleSyncResponse(msg)
	case msg.Is(proto.Request, proto.NameDiffs):
		return c.handleDiffsRequest(msg)
	case msg.Is(proto.Response, proto.NamePatch):
		return c.handlePatchResponse(msg)
	case msg.Is(proto.Response, proto.NameSrcList), msg.Is(proto.Response, proto.NameRoot):
		c.deliverListing(listing{nodes: msg.Content.SrcList})
		return nil
	case msg.Type == proto.Error:
		c.handleError(msg)
		return nil
	}
	return c.unexpected(msg)
}

// handleError handles an error reported by the server. Errors are never
// answered.
func (c *Client) handleError(msg *proto.Message) {
	perr := proto.AsError(msg)
	c.log.WithError(perr).Debug("Server reported an error")

	switch msg.Name {
	case proto.NameVerification:
		c.handleVerificationFailed(msg)
		return
	case proto.NameSrcList, proto.NameRoot:
		c.deliverListing(listing{err: perr})
		return
	}

	if c.down != nil && fsys.Clean(perr.Path) == c.down.path &&
		(msg.Name == proto.NameContent || msg.Name == proto.NameFormat || msg.Name == proto.NameImpl) {
		c.down = nil
		c.emit(Event{Type: EventError, Direction: metrics.Downstream, Phase: perr.Name,
			Path: perr.Path, Err: perr})
		return
	}

	up := c.up
	if up == nil || perr.Path == "" || !fsys.IsWithin(perr.Path, up.path) {
		c.log.WithError(perr).Warn("Server reported an error")
		return
	}

	switch msg.Name {
	case proto.NameNeedsDownstream:
		c.retrySoon(up, perr)
	case proto.NameLocked, proto.NameInterrupted, proto.NameDelete, proto.NameImpl:
		c.retry(up, perr)
	case proto.NameRename:
		// Upload the new path in full instead.
		c.up = nil
		c.log.WithError(perr).Info("Rename failed, uploading the new path instead")
		c.enqueueFront(&upload{path: up.path, syncType: proto.SyncContents})
	default:
		c.fail(up, perr)
	}
}

func (c *Client) unexpected(msg *proto.Message) error {
	c.log.WithField("message", msg.String()).WithField("state", c.State()).Warn(
		"Unexpected message")
	return c.send(proto.NewError(proto.NameFormat, msg.Content.Path,
		errors.Errorf("unexpected %s", msg)))
}

func (c *Client) send(msg *proto.Message) error {
	c.log.WithField("message", msg.String()).Debug("Sending")
	return errors.WithContext(c.conn.Send(msg), "send")
}

func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	default:
		c.log.WithField("event", e.String()).Debug("Dropped event")
	}
}

func (c *Client) updateState() {
	state := proto.StateListening
	switch {
	case c.down != nil && !c.ready:
		state = proto.StateInit
	case c.down != nil:
		state = proto.StateOutOfDate
	case c.up != nil && c.up.state != "":
		state = c.up.state
	case !c.ready:
		state = proto.StateInit
	}
	c.setState(state)
}

func (c *Client) setState(state proto.State) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if c.state != state {
		c.log.WithField("from", c.state).WithField("to", state).Debug("State transition")
		c.state = state
	}
}

// do runs `fn` in the Run goroutine, and returns its result.
func (c *Client) do(fn func() error) error {
	result := make(chan error, 1)
	select {
	case c.actions <- func() { result <- fn() }:
	case <-c.done:
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// Sync uploads `path`.
func (c *Client) Sync(path string) error {
	return c.do(func() error {
		c.enqueue(&upload{path: fsys.Clean(path), syncType: proto.SyncContents})
		return nil
	})
}

// Rename moves `oldPath` to `newPath` locally and on the server.
func (c *Client) Rename(oldPath, newPath string) error {
	oldPath, newPath = fsys.Clean(oldPath), fsys.Clean(newPath)
	if oldPath == "/" || newPath == "/" || fsys.Overlaps(oldPath, newPath) {
		return errors.WithContext(errors.ErrInvalid, "rename")
	}

	return c.do(func() error {
		if err := c.fs.Move(oldPath, newPath); err != nil {
			return err
		}
		c.index.move(oldPath, newPath)
		c.enqueue(&upload{path: newPath, oldPath: oldPath, syncType: proto.SyncRename})
		return nil
	})
}

// Delete removes `path` locally and on the server.
func (c *Client) Delete(path string) error {
	path = fsys.Clean(path)
	if path == "/" {
		return errors.WithContext(errors.ErrInvalid, "delete")
	}

	return c.do(func() error {
		if err := c.fs.Delete(path); err != nil {
			return err
		}
		c.index.remove(path)
		c.dropQueued(path)
		c.enqueue(&upload{path: path, syncType: proto.SyncDelete})
		return nil
	})
}

// Reset asks the server to send `path` again.
func (c *Client) Reset(path string) error {
	return c.do(func() error {
		return c.send(proto.NewRequest(proto.NameReset, proto.Content{Path: fsys.Clean(path)}))
	})
}

// LocalChange tells the client that `path` may have changed on disk. Changes
// made by the client itself are ignored.
func (c *Client) LocalChange(path string) error {
	return c.do(func() error {
		return c.handleLocalChange(fsys.Clean(path))
	})
}

func (c *Client) handleLocalChange(p string) error {
	if p == "/" || fsys.IsTempFile(p) || conflict.PathContainsConflicted(p) {
		return nil
	}

	fi, err := c.fs.Lstat(p)
	switch {
	case err == nil:
		resolved, err := c.resolveRenamedCopy(p)
		if err != nil {
			return err
		}
		if resolved {
			c.enqueue(&upload{path: p, syncType: proto.SyncContents})
			return nil
		}
	case os.IsNotExist(err):
		// Only nodes that reached the server need to be deleted from it.
		if !c.index.has(p) {
			return nil
		}
		c.index.remove(p)
		c.dropQueued(p)
		if err := c.fs.Delete(p); err != nil {
			return err
		}
		c.enqueue(&upload{path: p, syncType: proto.SyncDelete})
		return nil
	case err != nil:
		return errors.WithContext(err, "stat")
	}

	if c.index.unchanged(p, fi) {
		return nil
	}
	if err := c.fs.MarkUnsynced(p); err != nil {
		return errors.WithContext(err, "mark unsynced")
	}
	c.enqueue(&upload{path: p, syncType: proto.SyncContents})
	return nil
}

// markOfflineChanges marks the nodes that changed since the index was saved,
// so that the first downstream preserves them rather than overwriting or
// deleting them. They're uploaded by the next Rescan.
//
// Nodes that were deleted are only dropped from the index, so the first
// downstream restores them.
func (c *Client) markOfflineChanges() error {
	for p := range c.index {
		exists, err := c.fs.Exists(p)
		if err != nil {
			return errors.WithContext(err, "stat")
		}
		if !exists {
			delete(c.index, p)
		}
	}

	var changed int
	err := afero.Walk(c.fs, "/", func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		p = fsys.Clean(p)
		if p == "/" || fsys.IsTempFile(p) || conflict.PathContainsConflicted(p) {
			return nil
		}

		resolved, err := c.resolveRenamedCopy(p)
		if err != nil || resolved || c.index.unchanged(p, fi) {
			return err
		}

		changed++
		return c.fs.MarkUnsynced(p)
	})
	if err != nil {
		return err
	}

	if changed > 0 {
		c.log.WithField("count", changed).Info("Found local changes made while offline")
	}
	return nil
}

// resolveRenamedCopy clears the conflict marker of a conflicted copy that was
// renamed outside of the client, which resolves the conflict. It returns
// whether `p` was one.
func (c *Client) resolveRenamedCopy(p string) (bool, error) {
	isConflict, err := c.fs.IsConflict(p)
	if err != nil {
		return false, errors.WithContext(err, "get markers")
	}
	if !isConflict {
		return false, nil
	}

	c.log.WithField("path", p).Info("Conflicted copy was renamed, uploading it")
	if err := c.fs.ResolveConflict(p); err != nil {
		return false, errors.WithContext(err, "resolve conflict")
	}
	return true, nil
}

func (c *Client) saveIndex() {
	if err := c.index.save(c.fs); err != nil {
		c.log.WithError(err).Warn("Failed to save the index of synced nodes")
	}
}

// Rescan checks every node under the root for changes. It's used instead of
// LocalChange when changes can't be watched for.
func (c *Client) Rescan() error {
	return c.do(func() error {
		for p := range c.index {
			exists, err := c.fs.Exists(p)
			if err != nil {
				return errors.WithContext(err, "stat")
			}
			if !exists {
				if err := c.handleLocalChange(p); err != nil {
					return err
				}
			}
		}

		return afero.Walk(c.fs, "/", func(p string, _ os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			return c.handleLocalChange(fsys.Clean(p))
		})
	})
}

// List returns the server's listing of `path`. If `shallow` is set, the
// contents of directories aren't listed, and `path` must be the root.
func (c *Client) List(ctx context.Context, path string, shallow bool) ([]tree.Node, error) {
	result := make(chan listing, 1)
	err := c.do(func() error {
		req := proto.NewRequest(proto.NameSrcList, proto.Content{Path: fsys.Clean(path)})
		if shallow {
			req = proto.NewRequest(proto.NameRoot, proto.Content{})
		}
		if err := c.send(req); err != nil {
			return err
		}
		c.listings = append(c.listings, result)
		return nil
	})
	if err != nil {
		return nil, err
	}

	select {
	case l := <-result:
		return l.nodes, l.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) deliverListing(l listing) {
	if len(c.listings) == 0 {
		c.log.Warn("Received a listing that wasn't requested")
		return
	}
	c.listings[0] <- l
	c.listings = c.listings[1:]
}
