package server

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/fsys"
	"github.com/sidkik/deltasync/pkg/lock"
	"github.com/sidkik/deltasync/pkg/metrics"
	"github.com/sidkik/deltasync/pkg/proto"
	"github.com/sidkik/deltasync/pkg/tree"
)

// releaseTimeout bounds how long releasing a lock may take once the session
// is closing.
const releaseTimeout = 5 * time.Second

// Transition is the outcome of handling one event in a session.
type Transition struct {
	// State is the state that the session moves to.
	State proto.State

	// Send is sent to the client, in order.
	Send []*proto.Message

	// Broadcast is the paths that the user's other clients need to
	// downstream. They're published after the messages are sent, by which
	// point the patch is written and the lock released.
	Broadcast []string

	// Downstream is the paths to downstream to this client once it's idle.
	Downstream []string
}

type downstream struct {
	path    string
	seq     uint64
	retries int
	digest  []byte
	started time.Time
}

type upstream struct {
	path     string
	oldPath  string
	syncType proto.SyncType
	lock     *lock.Lock
	started  time.Time
}

// session is the server side of one client connection. All of its state is
// owned by the goroutine in run.
type session struct {
	id       string
	username string
	conn     proto.Conn
	fs       *fsys.FS
	srv      *Server
	log      *log.Entry

	ctx    context.Context
	cancel context.CancelFunc

	state proto.State

	// outOfDate maps the paths that the client must downstream before
	// uploading to them, to the sequence number of when they went out of
	// date.
	outOfDate map[string]uint64
	seq       uint64
	downQueue []string

	// syncQueue holds sync requests that arrived during another exchange.
	syncQueue []*proto.Message

	down *downstream
	up   *upstream

	// abandoned is the path of the last upload that was interrupted. The
	// client may still send messages for it before it hears about the
	// interruption.
	abandoned string

	notifyLock    sync.Mutex
	notified      []string
	notifyTrigger chan struct{}

	closableLock sync.Mutex
	closableCond *sync.Cond
	closable     bool
}

func newSession(srv *Server, conn proto.Conn, id, username string, fs *fsys.FS) *session {
	ctx, cancel := context.WithCancel(conn.Context())
	s := &session{
		id:            id,
		username:      username,
		conn:          conn,
		fs:            fs,
		srv:           srv,
		log:           log.WithField("session", id).WithField("user", username),
		ctx:           ctx,
		cancel:        cancel,
		state:         proto.StateConnecting,
		outOfDate:     map[string]uint64{},
		notifyTrigger: make(chan struct{}, 1),
		closable:      true,
	}
	s.closableCond = sync.NewCond(&s.closableLock)
	return s
}

// run handles the session until the client disconnects or the session is
// closed.
func (s *session) run() (err error) {
	defer func() {
		s.cleanup()
		if err != nil {
			s.setState(proto.StateError)
		}
		s.setState(proto.StateClosed)
	}()

	msgs := make(chan *proto.Message)
	recvErrs := make(chan error, 1)
	go func() {
		for {
			msg, err := s.conn.Recv()
			if err != nil {
				recvErrs <- err
				return
			}

			select {
			case msgs <- msg:
			case <-s.ctx.Done():
				return
			}
		}
	}()

	// The client knows nothing about the tree yet.
	s.markOutOfDate("/")
	s.setState(proto.StateInit)
	if err := s.apply(s.startDownstream("/", 0)); err != nil {
		return err
	}

	for {
		var interrupted <-chan struct{}
		if s.up != nil {
			interrupted = s.up.lock.Interrupted()
		}

		var t Transition
		select {
		case <-s.ctx.Done():
			return nil
		case err := <-recvErrs:
			if err == io.EOF || status.Code(err) == codes.Canceled {
				return nil
			}
			return errors.WithContext(err, "receive")
		case msg := <-msgs:
			t = s.handle(msg)
		case <-s.notifyTrigger:
			t = s.handleOutOfDate(s.takeNotified())
		case <-interrupted:
			t = s.handleInterrupted()
		}

		if err := s.apply(t); err != nil {
			return err
		}
	}
}

// apply carries out a transition. Once the session is idle, it starts the
// next queued exchange.
func (s *session) apply(t Transition) error {
	for _, msg := range t.Send {
		s.log.WithField("message", msg.String()).Debug("Sending")
		if err := s.conn.Send(msg); err != nil {
			return errors.WithContext(err, "send")
		}
	}
	s.setState(t.State)

	if len(t.Broadcast) != 0 {
		err := s.srv.broadcaster.Publish(s.ctx, s.username, s.id, t.Broadcast)
		if err != nil {
			s.log.WithError(err).Warn("Failed to broadcast out-of-date paths")
		}
	}
	s.queueDownstream(t.Downstream...)

	if s.state != proto.StateListening {
		return nil
	}
	if next, ok := s.next(); ok {
		return s.apply(next)
	}
	return nil
}

// next starts the next queued exchange, if any. Buffered sync requests go
// first since the client is waiting on them.
func (s *session) next() (Transition, bool) {
	if len(s.syncQueue) != 0 {
		msg := s.syncQueue[0]
		s.syncQueue = s.syncQueue[1:]
		return s.handleSyncRequest(msg), true
	}

	for len(s.downQueue) != 0 {
		path := s.downQueue[0]
		s.downQueue = s.downQueue[1:]
		if len(s.outOfDateOverlap(path)) != 0 {
			return s.startDownstream(path, 0), true
		}
	}
	return Transition{}, false
}

func (s *session) handle(msg *proto.Message) Transition {
	s.log.WithField("message", msg.String()).Debug("Received")

	switch {
	case msg.Is(proto.Request, proto.NameSync):
		if s.state != proto.StateListening {
			s.syncQueue = append(s.syncQueue, msg)
			return s.stay()
		}
		return s.handleSyncRequest(msg)
	case msg.Is(proto.Request, proto.NameReset):
		return s.handleReset(msg)
	case msg.Is(proto.Request, proto.NameSrcList), msg.Is(proto.Request, proto.NameRoot):
		return s.handleSourceListRequest(msg)
	case msg.Type == proto.Error:
		return s.handleClientError(msg)
	}

	switch {
	case s.down != nil && (s.state == proto.StateInit || s.state == proto.StateOutOfDate) &&
		msg.Is(proto.Request, proto.NameDiffs):
		return s.handleDiffsRequest(msg)
	case s.down != nil && s.state == proto.StatePatch && msg.Is(proto.Response, proto.NamePatch):
		return s.handlePatchResponse(msg)
	case s.up != nil && s.state == proto.StateChecksum && msg.Is(proto.Request, proto.NameChecksums):
		return s.handleChecksumsRequest(msg)
	case s.up != nil && s.state == proto.StatePatch && msg.Is(proto.Response, proto.NameDiffs):
		return s.handleDiffsResponse(msg)
	}

	if s.isAbandoned(msg) {
		s.log.WithField("message", msg.String()).Debug("Ignoring message for interrupted upload")
		return s.stay()
	}
	return s.stay(proto.NewError(proto.NameFormat, msg.Content.Path,
		errors.Errorf("unexpected %s in state %s", msg, s.state)))
}

func (s *session) handleSyncRequest(msg *proto.Message) Transition {
	c := msg.Content
	syncType := c.Type
	if syncType == "" {
		syncType = proto.SyncContents
	}

	if c.Path == "" {
		return s.stay(proto.NewError(proto.NameContent, "", errors.MissingFieldError{Field: "path"}))
	}
	path := fsys.Clean(c.Path)

	paths := []string{path}
	switch syncType {
	case proto.SyncContents:
	case proto.SyncDelete:
		if path == "/" {
			return s.stay(proto.NewError(proto.NameContent, path, errors.New("can't delete the root")))
		}
	case proto.SyncRename:
		if c.OldPath == "" || path == "/" || fsys.Clean(c.OldPath) == "/" {
			return s.stay(proto.NewError(proto.NameContent, path, errors.New("invalid rename")))
		}
		paths = append(paths, fsys.Clean(c.OldPath))
	default:
		return s.stay(proto.NewError(proto.NameContent, path,
			errors.Errorf("unknown sync type %q", syncType)))
	}

	if stale := s.outOfDateOverlap(paths...); len(stale) != 0 {
		s.log.WithField("path", path).WithField("outOfDate", stale).Info(
			"Client must downstream before uploading")
		metrics.RecordSync(metrics.Upstream, "needs_downstream", 0)
		return Transition{
			State:      proto.StateListening,
			Send:       []*proto.Message{proto.NewError(proto.NameNeedsDownstream, path, nil)},
			Downstream: stale,
		}
	}

	l, err := s.srv.locks.Request(s.ctx, s.id, s.username, path)
	switch {
	case err == lock.ErrLocked:
		metrics.RecordSync(metrics.Upstream, "locked", 0)
		return s.stay(proto.NewError(proto.NameLocked, path, err))
	case err != nil:
		s.log.WithError(err).WithField("path", path).Error("Failed to request sync lock")
		return s.stay(proto.NewError(proto.NameImpl, path, errors.New("failed to lock")))
	}

	s.up = &upstream{
		path:     path,
		syncType: syncType,
		lock:     l,
		started:  s.srv.clock.Now(),
	}
	if syncType == proto.SyncRename {
		s.up.oldPath = fsys.Clean(c.OldPath)
	}

	resp := proto.NewResponse(proto.NameSync, proto.Content{Path: path, Type: syncType})
	if syncType == proto.SyncContents {
		return Transition{
			State: proto.StateChecksum,
			Send:  []*proto.Message{resp},
		}
	}

	t := s.applyOperation()
	t.Send = append([]*proto.Message{resp}, t.Send...)
	return t
}

// applyOperation applies a rename or delete of the current upload.
func (s *session) applyOperation() Transition {
	up := s.up
	if !up.lock.Pin() {
		return s.handleInterrupted()
	}

	s.setClosable(false)
	var err error
	var name proto.Name
	var changed []string
	switch up.syncType {
	case proto.SyncRename:
		name = proto.NameRename
		err = s.fs.RenameSynced(up.oldPath, up.path)
		changed = []string{parentDir(up.oldPath), parentDir(up.path)}
	case proto.SyncDelete:
		name = proto.NameDelete
		err = s.fs.Delete(up.path)
		changed = []string{parentDir(up.path)}
	}
	s.setClosable(true)
	s.releaseLock()

	logger := s.log.WithField("path", up.path).WithField("type", up.syncType)
	if err != nil {
		logger.WithError(err).Warn("Failed to apply upload")
		metrics.RecordSync(metrics.Upstream, "failed", 0)
		return Transition{
			State: proto.StateListening,
			Send:  []*proto.Message{proto.NewError(name, up.path, err)},
		}
	}

	logger.Info("Applied upload")
	metrics.RecordSync(metrics.Upstream, "synced", s.srv.clock.Since(up.started))
	return Transition{
		State: proto.StateListening,
		Send: []*proto.Message{proto.NewResponse(proto.NamePatch,
			proto.Content{Path: up.path, Type: up.syncType, OldPath: up.oldPath})},
		Broadcast: dedupe(changed),
	}
}

func (s *session) handleChecksumsRequest(msg *proto.Message) Transition {
	up := s.up
	c := msg.Content
	if err := checkScope(up.path, c.Path, tree.Refs(c.SrcList)); err != nil {
		return s.abortUpstream(proto.NewError(proto.NameContent, c.Path, err))
	}
	if err := tree.CheckListing(up.path, c.SrcList, c.Dir); err != nil {
		return s.abortUpstream(proto.NewError(proto.NameContent, c.Path, err))
	}

	if err := tree.CheckSizes(c.SrcList, s.srv.config.Options.MaxFileSize); err != nil {
		var tooLarge errors.FileTooLarge
		errors.As(err, &tooLarge)
		s.log.WithError(err).Info("Rejected upload")
		metrics.RecordSync(metrics.Upstream, "too_large", 0)
		return s.abortUpstream(proto.NewError(proto.NameChecksums, tooLarge.Path, err))
	}

	checksums, err := tree.Checksums(s.fs, up.path, c.SrcList, s.srv.config.Options)
	if err != nil {
		s.log.WithError(err).WithField("path", up.path).Error("Failed to checksum")
		return s.abortUpstream(proto.NewError(proto.NameImpl, up.path, errors.New("failed to checksum")))
	}

	return Transition{
		State: proto.StatePatch,
		Send: []*proto.Message{proto.NewRequest(proto.NameDiffs,
			proto.Content{Path: up.path, Checksums: checksums})},
	}
}

func (s *session) handleDiffsResponse(msg *proto.Message) Transition {
	up := s.up
	c := msg.Content
	opts := s.srv.config.Options
	if err := checkScope(up.path, c.Path, tree.DiffRefs(c.Diffs)); err != nil {
		return s.abortUpstream(proto.NewError(proto.NameContent, c.Path, err))
	}

	if !up.lock.Pin() {
		return s.handleInterrupted()
	}

	s.setClosable(false)
	result, err := tree.Patch(s.fs, up.path, c.Diffs, opts, nil)
	s.setClosable(true)
	if err != nil {
		s.log.WithError(err).WithField("path", up.path).Error("Failed to patch")
		return s.abortUpstream(proto.NewError(proto.NameImpl, up.path, errors.New("failed to patch")))
	}

	digest, err := tree.Digest(s.fs, tree.DiffRefs(c.Diffs), opts)
	if err != nil {
		s.log.WithError(err).WithField("path", up.path).Warn("Failed to compute digest")
	}
	s.releaseLock()

	literal, blocks := tree.TransferStats(c.Diffs)
	metrics.RecordTransfer(metrics.Upstream, literal, blocks*opts.BlockSize)
	if len(result.TooLarge) == 0 {
		metrics.RecordSync(metrics.Upstream, "synced", s.srv.clock.Since(up.started))
	}

	logFields := log.Fields{"path": up.path}
	if len(result.Synced) > 0 {
		logFields["synced"] = truncateSlice(result.Synced, 5)
	}
	if len(result.Deleted) > 0 {
		logFields["deleted"] = truncateSlice(result.Deleted, 5)
	}
	if len(result.Failed) > 0 {
		logFields["failed"] = truncateSlice(result.Failed, 5)
	}
	s.log.WithFields(logFields).Info("Received upload")

	if len(result.TooLarge) > 0 {
		tooLarge := result.TooLarge[0]
		s.log.WithError(tooLarge).Info("Rejected file over the size limit")
		metrics.RecordSync(metrics.Upstream, "too_large", 0)
		return Transition{
			State:     proto.StateListening,
			Send:      []*proto.Message{proto.NewError(proto.NameChecksums, tooLarge.Path, tooLarge)},
			Broadcast: []string{up.path},
		}
	}

	return Transition{
		State: proto.StateListening,
		Send: []*proto.Message{proto.NewResponse(proto.NamePatch, proto.Content{
			Path:     up.path,
			Checksum: digest,
			Failed:   result.Failed,
		})},
		Broadcast: []string{up.path},
	}
}

// handleInterrupted handles the lock of the current upload being handed to
// another client.
func (s *session) handleInterrupted() Transition {
	up := s.up
	s.log.WithField("path", up.path).Info("Upload interrupted by another client")
	metrics.RecordSync(metrics.Upstream, "interrupted", 0)

	s.releaseLock()
	s.abandoned = up.path
	return Transition{
		State: proto.StateListening,
		Send:  []*proto.Message{proto.NewError(proto.NameInterrupted, up.path, nil)},
	}
}

func (s *session) abortUpstream(msg *proto.Message) Transition {
	s.releaseLock()
	t := Transition{State: proto.StateListening}
	if msg != nil {
		t.Send = []*proto.Message{msg}
	}
	return t
}

func (s *session) startDownstream(path string, retries int) Transition {
	path = s.existingAncestor(path)
	srcList, err := tree.SourceList(s.fs, path, s.srv.config.Options)
	if err != nil {
		s.log.WithError(err).WithField("path", path).Warn("Failed to list source")
		s.down = nil
		return Transition{State: proto.StateListening}
	}

	s.down = &downstream{
		path:    path,
		seq:     s.seq,
		retries: retries,
		started: s.srv.clock.Now(),
	}

	state := proto.StateOutOfDate
	if s.state == proto.StateInit {
		state = proto.StateInit
	}
	return Transition{
		State: state,
		Send: []*proto.Message{proto.NewRequest(proto.NameChecksums, proto.Content{
			Path:    path,
			SrcList: srcList,
			Dir:     tree.IsDirListing(path, srcList),
		})},
	}
}

func (s *session) handleDiffsRequest(msg *proto.Message) Transition {
	down := s.down
	c := msg.Content
	opts := s.srv.config.Options
	if fsys.Clean(c.Path) != down.path {
		return s.abortDownstream(proto.NewError(proto.NameContent, c.Path,
			errors.Errorf("expected checksums for %q", down.path)))
	}

	diffs, err := tree.Diff(s.fs, down.path, c.Checksums, opts)
	if err != nil {
		s.log.WithError(err).WithField("path", down.path).Error("Failed to diff")
		return s.abortDownstream(proto.NewError(proto.NameImpl, down.path, errors.New("failed to diff")))
	}

	digest, err := tree.Digest(s.fs, tree.DiffRefs(diffs), opts)
	if err != nil {
		s.log.WithError(err).WithField("path", down.path).Error("Failed to compute digest")
		return s.abortDownstream(proto.NewError(proto.NameImpl, down.path, errors.New("failed to diff")))
	}
	down.digest = digest

	literal, blocks := tree.TransferStats(diffs)
	metrics.RecordTransfer(metrics.Downstream, literal, blocks*opts.BlockSize)
	return Transition{
		State: proto.StatePatch,
		Send: []*proto.Message{proto.NewResponse(proto.NameDiffs, proto.Content{
			Path:     down.path,
			Diffs:    diffs,
			Checksum: digest,
		})},
	}
}

func (s *session) handlePatchResponse(msg *proto.Message) Transition {
	down := s.down
	c := msg.Content
	if fsys.Clean(c.Path) != down.path {
		return s.abortDownstream(proto.NewError(proto.NameContent, c.Path,
			errors.Errorf("expected patch result for %q", down.path)))
	}

	logger := s.log.WithField("path", down.path)
	if bytes.Equal(c.Checksum, down.digest) && len(c.Failed) == 0 {
		logger.Debug("Verified downstream")
		metrics.RecordSync(metrics.Downstream, "synced", s.srv.clock.Since(down.started))
		s.clearOutOfDate(down.path, down.seq)
		s.down = nil
		return Transition{
			State: proto.StateListening,
			Send: []*proto.Message{proto.NewResponse(proto.NameVerification,
				proto.Content{Path: down.path})},
		}
	}

	metrics.RecordSync(metrics.Downstream, "mismatch", 0)
	mismatch := proto.NewError(proto.NameVerification, down.path,
		errors.New("checksum mismatch"))
	if len(c.Failed) > 0 {
		logger = logger.WithField("failed", truncateSlice(c.Failed, 5))
	}

	if down.retries < s.srv.config.MaxVerifyRetries {
		logger.Info("Downstream verification failed. Retrying.")
		t := s.startDownstream(down.path, down.retries+1)
		t.Send = append([]*proto.Message{mismatch}, t.Send...)
		return t
	}

	// Whatever the client has left is newer than what we could send, so let
	// it upload it.
	logger.Warn("Downstream verification failed too many times. Giving up.")
	s.clearOutOfDate(down.path, down.seq)
	s.down = nil
	return Transition{
		State: proto.StateListening,
		Send:  []*proto.Message{mismatch},
	}
}

func (s *session) abortDownstream(msg *proto.Message) Transition {
	s.down = nil
	return Transition{
		State: proto.StateListening,
		Send:  []*proto.Message{msg},
	}
}

// handleClientError aborts the current exchange. Errors aren't answered so
// that the two sides can't get into a loop.
func (s *session) handleClientError(msg *proto.Message) Transition {
	s.log.WithError(proto.AsError(msg)).Warn("Client reported an error")

	switch {
	case s.up != nil:
		metrics.RecordSync(metrics.Upstream, "failed", 0)
		return s.abortUpstream(nil)
	case s.down != nil:
		metrics.RecordSync(metrics.Downstream, "failed", 0)
		s.down = nil
		return Transition{State: proto.StateListening}
	}
	return s.stay()
}

func (s *session) handleReset(msg *proto.Message) Transition {
	path := "/"
	if msg.Content.Path != "" {
		path = fsys.Clean(msg.Content.Path)
	}
	s.markOutOfDate(path)
	return Transition{State: s.state, Downstream: []string{path}}
}

func (s *session) handleSourceListRequest(msg *proto.Message) Transition {
	path := "/"
	opts := s.srv.config.Options
	if msg.Name == proto.NameRoot {
		opts = opts.Shallow()
	} else if msg.Content.Path != "" {
		path = fsys.Clean(msg.Content.Path)
	}

	srcList, err := tree.SourceList(s.fs, path, opts)
	if err != nil {
		var notFound errors.FileNotFound
		if errors.As(err, &notFound) || errors.Is(err, tree.ErrNotSyncable) {
			return s.stay(proto.NewError(msg.Name, path, err))
		}
		s.log.WithError(err).WithField("path", path).Error("Failed to list source")
		return s.stay(proto.NewError(proto.NameImpl, path, errors.New("failed to list")))
	}
	return s.stay(proto.NewResponse(msg.Name, proto.Content{Path: path, SrcList: srcList}))
}

func (s *session) handleOutOfDate(paths []string) Transition {
	for _, p := range paths {
		s.markOutOfDate(p)
	}
	return Transition{State: s.state, Downstream: paths}
}

// notifyOutOfDate tells the session that another client changed `paths`. It
// may be called from any goroutine.
func (s *session) notifyOutOfDate(paths []string) {
	s.notifyLock.Lock()
	s.notified = append(s.notified, paths...)
	s.notifyLock.Unlock()

	select {
	case s.notifyTrigger <- struct{}{}:
	default:
	}
}

func (s *session) takeNotified() []string {
	s.notifyLock.Lock()
	defer s.notifyLock.Unlock()
	paths := s.notified
	s.notified = nil
	return dedupe(paths)
}

func (s *session) markOutOfDate(path string) {
	s.seq++
	s.outOfDate[fsys.Clean(path)] = s.seq
}

// clearOutOfDate marks everything below `path` as up to date, unless it went
// out of date again after `seq`.
func (s *session) clearOutOfDate(path string, seq uint64) {
	for p, marked := range s.outOfDate {
		if fsys.IsWithin(p, path) && marked <= seq {
			delete(s.outOfDate, p)
		}
	}
}

// outOfDateOverlap returns the out-of-date paths that are the same as, above
// or below any of `paths`.
func (s *session) outOfDateOverlap(paths ...string) []string {
	var overlap []string
	for p := range s.outOfDate {
		for _, path := range paths {
			if fsys.Overlaps(p, path) {
				overlap = append(overlap, p)
				break
			}
		}
	}
	sort.Strings(overlap)
	return overlap
}

func (s *session) queueDownstream(paths ...string) {
	for _, p := range paths {
		p = fsys.Clean(p)
		if !contains(s.downQueue, p) {
			s.downQueue = append(s.downQueue, p)
		}
	}
}

func (s *session) existingAncestor(path string) string {
	for path = fsys.Clean(path); path != "/"; path = parentDir(path) {
		if ok, err := s.fs.Exists(path); err == nil && ok {
			return path
		}
	}
	return "/"
}

func (s *session) isAbandoned(msg *proto.Message) bool {
	if s.abandoned == "" || fsys.Clean(msg.Content.Path) != s.abandoned {
		return false
	}
	return msg.Is(proto.Request, proto.NameChecksums) || msg.Is(proto.Response, proto.NameDiffs)
}

func (s *session) releaseLock() {
	if s.up == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := s.srv.locks.Release(ctx, s.up.lock); err != nil {
		s.log.WithError(err).WithField("path", s.up.path).Warn("Failed to release sync lock")
	}
	s.up = nil
}

func (s *session) stay(msgs ...*proto.Message) Transition {
	var send []*proto.Message
	for _, msg := range msgs {
		if msg != nil {
			send = append(send, msg)
		}
	}
	return Transition{State: s.state, Send: send}
}

func (s *session) setState(state proto.State) {
	if state == "" || state == s.state {
		return
	}
	s.log.WithField("from", s.state).WithField("to", state).Debug("State transition")
	s.state = state
}

func (s *session) setClosable(closable bool) {
	s.closableLock.Lock()
	s.closable = closable
	s.closableLock.Unlock()
	s.closableCond.Broadcast()
}

// close ends the session once it's not in the middle of a patch.
func (s *session) close() {
	s.closableLock.Lock()
	for !s.closable {
		s.closableCond.Wait()
	}
	s.closableLock.Unlock()
	s.cancel()
}

func (s *session) cleanup() {
	s.cancel()
	s.releaseLock()
	s.srv.registry.Remove(s)
}

// checkScope checks that the nodes of an exchange for `expPath` are all
// within it.
func checkScope(expPath, path string, refs []tree.Ref) error {
	if fsys.Clean(path) != expPath {
		return errors.Errorf("expected %q, got %q", expPath, path)
	}
	for _, ref := range refs {
		if !fsys.IsWithin(ref.Path, expPath) {
			return errors.Errorf("%q is outside of %q", ref.Path, expPath)
		}
	}
	return nil
}

func parentDir(p string) string {
	return fsys.Join(p, "..")
}

func dedupe(paths []string) []string {
	var deduped []string
	for _, p := range paths {
		if !contains(deduped, p) {
			deduped = append(deduped, p)
		}
	}
	return deduped
}

func contains(slc []string, s string) bool {
	for _, x := range slc {
		if x == s {
			return true
		}
	}
	return false
}
