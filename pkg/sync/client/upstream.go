package client

import (
	"bytes"
	"time"

	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/fsys"
	"github.com/sidkik/deltasync/pkg/metrics"
	"github.com/sidkik/deltasync/pkg/proto"
	"github.com/sidkik/deltasync/pkg/tree"
)

// upload is a sync from the client to the server.
type upload struct {
	path     string
	oldPath  string
	syncType proto.SyncType

	attempts int
	retryAt  time.Time
	started  time.Time

	// Set while the upload is in progress.
	state    proto.State
	listedAt time.Time
	srcList  []tree.Node
	diffs    []tree.DiffNode
}

func (up *upload) matches(other *upload) bool {
	return up.path == other.path && up.oldPath == other.oldPath && up.syncType == other.syncType
}

func (up *upload) event(typ EventType, err error) Event {
	return Event{
		Type:      typ,
		Direction: metrics.Upstream,
		Phase:     up.phase(typ, err),
		Path:      up.path,
		SyncType:  up.syncType,
		Err:       err,
	}
}

func (up *upload) phase(typ EventType, err error) proto.Name {
	var perr proto.ProtocolError
	switch {
	case typ == EventSyncing:
		return proto.NameSync
	case typ == EventCompleted:
		return proto.NamePatch
	case errors.As(err, &perr):
		return perr.Name
	case up.state == proto.StateChecksum && up.srcList != nil:
		return proto.NameChecksums
	case up.state == proto.StatePatch:
		return proto.NameDiffs
	}
	return proto.NameSync
}

// enqueue adds an upload to the back of the queue, unless the queue already
// covers it.
func (c *Client) enqueue(up *upload) {
	for _, queued := range c.queue {
		if queued.matches(up) {
			return
		}
		if up.syncType == proto.SyncContents && queued.syncType == proto.SyncContents &&
			fsys.IsWithin(up.path, queued.path) {
			return
		}
	}
	c.queue = append(c.queue, up)
}

func (c *Client) enqueueFront(up *upload) {
	c.queue = append([]*upload{up}, c.queue...)
}

// dropQueued removes the content uploads of nodes that were deleted.
func (c *Client) dropQueued(path string) {
	keep := func(up *upload) bool {
		return up.syncType != proto.SyncContents || !fsys.IsWithin(up.path, path)
	}

	var queue, delayed []*upload
	for _, up := range c.queue {
		if keep(up) {
			queue = append(queue, up)
		}
	}
	for _, up := range c.delayed {
		if keep(up) {
			delayed = append(delayed, up)
		}
	}
	c.queue, c.delayed = queue, delayed
}

// startNextUpload sends the sync request for the next queued upload, if no
// upload is in progress.
func (c *Client) startNextUpload() error {
	for c.up == nil && len(c.queue) != 0 {
		up := c.queue[0]
		c.queue = c.queue[1:]

		if up.syncType == proto.SyncContents {
			exists, err := c.fs.Exists(up.path)
			if err != nil {
				c.fail(up, errors.WithContext(err, "stat"))
				continue
			}

			if !exists {
				if !c.index.has(up.path) {
					c.log.WithField("path", up.path).Debug("Skipping upload of deleted node")
					continue
				}
				c.index.remove(up.path)
				up = &upload{path: up.path, syncType: proto.SyncDelete}
			}
		}

		if up.attempts == 0 {
			up.started = c.clock.Now()
			c.emit(up.event(EventSyncing, nil))
		}
		up.state = proto.StateChecksum
		c.up = up
		return c.send(proto.NewRequest(proto.NameSync, proto.Content{
			Path:    up.path,
			Type:    up.syncType,
			OldPath: up.oldPath,
		}))
	}
	return nil
}

func (c *Client) handleSyncResponse(msg *proto.Message) error {
	up := c.up
	if up == nil || fsys.Clean(msg.Content.Path) != up.path {
		return c.unexpected(msg)
	}

	// Renames and deletions are applied by the server right away.
	if up.syncType != proto.SyncContents {
		return nil
	}

	up.listedAt = c.fs.Clock().Now()
	srcList, err := tree.SourceList(c.fs, up.path, c.config.Options)
	if err == nil {
		err = tree.CheckSizes(srcList, c.config.Options.MaxFileSize)
	}

	var notFound errors.FileNotFound
	switch {
	case errors.As(err, &notFound):
		// Deleted since it was queued.
		c.up = nil
		if c.index.has(up.path) {
			c.index.remove(up.path)
			c.enqueueFront(&upload{path: up.path, syncType: proto.SyncDelete})
		}
		return c.send(proto.NewError(proto.NameChecksums, up.path, err))
	case err != nil:
		c.fail(up, err)
		return c.send(proto.NewError(proto.NameChecksums, up.path, err))
	}

	up.srcList = srcList
	return c.send(proto.NewRequest(proto.NameChecksums, proto.Content{
		Path:    up.path,
		SrcList: srcList,
		Dir:     tree.IsDirListing(up.path, srcList),
	}))
}

func (c *Client) handleDiffsRequest(msg *proto.Message) error {
	up := c.up
	if up == nil || up.srcList == nil || fsys.Clean(msg.Content.Path) != up.path {
		return c.unexpected(msg)
	}

	diffs, err := tree.Diff(c.fs, up.path, msg.Content.Checksums, c.config.Options)
	if err != nil {
		// Most likely the nodes changed while being diffed.
		c.retry(up, err)
		return c.send(proto.NewError(proto.NameDiffs, up.path, err))
	}

	up.diffs = diffs
	up.state = proto.StatePatch
	return c.send(proto.NewResponse(proto.NameDiffs, proto.Content{
		Path:  up.path,
		Diffs: diffs,
	}))
}

func (c *Client) handlePatchResponse(msg *proto.Message) error {
	up := c.up
	if up == nil || fsys.Clean(msg.Content.Path) != up.path {
		return c.unexpected(msg)
	}

	switch up.syncType {
	case proto.SyncContents:
		if up.diffs == nil {
			return c.unexpected(msg)
		}

		digest, err := tree.Digest(c.fs, tree.DiffRefs(up.diffs), c.config.Options)
		switch {
		case err != nil:
			c.retry(up, errors.WithContext(err, "digest"))
			return nil
		case len(msg.Content.Failed) != 0:
			c.retry(up, errors.Errorf("server failed to sync %v", msg.Content.Failed))
			return nil
		case !bytes.Equal(digest, msg.Content.Checksum):
			c.retry(up, errors.New("checksum mismatch"))
			return nil
		}

		if err := c.clearUnsynced(up); err != nil {
			c.log.WithError(err).WithField("path", up.path).Warn("Failed to clear unsynced markers")
		}
		c.index.recordUploaded(up.path, up.srcList)
	case proto.SyncRename:
		// The destination may have been changed before it was renamed, so
		// its contents are uploaded too.
		c.enqueueFront(&upload{path: up.path, syncType: proto.SyncContents})
	}

	c.up = nil
	c.log.WithField("path", up.path).
		WithField("type", up.syncType).
		WithField("duration", c.clock.Since(up.started)).
		Info("Uploaded")
	c.emit(up.event(EventCompleted, nil))
	return nil
}

// clearUnsynced clears the markers of the nodes that were uploaded, and of
// the directories above them, which the server created if they were missing.
func (c *Client) clearUnsynced(up *upload) error {
	if err := c.fs.ClearUnsyncedTree(up.path, up.listedAt); err != nil {
		return err
	}

	for p := up.path; p != "/"; {
		p = fsys.Join(p, "..")
		if err := c.fs.ClearUnsynced(p, up.listedAt); err != nil {
			return err
		}
	}
	return nil
}

// retry puts off the upload. Each attempt waits twice as long as the last.
func (c *Client) retry(up *upload, err error) {
	c.up = nil
	up.attempts++
	if up.attempts >= c.config.MaxAttempts {
		c.fail(up, errors.WithContext(err, "too many attempts"))
		return
	}

	up.state = ""
	up.srcList = nil
	up.diffs = nil

	delay := c.config.RetryInterval << uint(up.attempts-1)
	if delay > maxRetryInterval || delay <= 0 {
		delay = maxRetryInterval
	}
	up.retryAt = c.clock.Now().Add(delay)
	c.delayed = append(c.delayed, up)
	c.scheduleRetry()

	c.log.WithError(err).
		WithField("path", up.path).
		WithField("attempt", up.attempts).
		WithField("delay", delay).
		Info("Retrying upload")
	c.emit(up.event(EventRetrying, err))
}

// retrySoon requeues the upload without waiting. It's used when the server
// has something to send first, which it does before handling the next
// request anyway.
func (c *Client) retrySoon(up *upload, err error) {
	c.up = nil
	up.attempts++
	if up.attempts >= c.config.MaxAttempts {
		c.fail(up, errors.WithContext(err, "too many attempts"))
		return
	}

	up.state = ""
	up.srcList = nil
	up.diffs = nil
	c.enqueueFront(up)
	c.emit(up.event(EventRetrying, err))
}

func (c *Client) fail(up *upload, err error) {
	if c.up == up {
		c.up = nil
	}
	c.log.WithError(err).
		WithField("path", up.path).
		WithField("type", up.syncType).
		Warn("Failed to upload")
	c.emit(up.event(EventError, err))
}

// scheduleRetry sets the retry timer for the earliest delayed upload.
func (c *Client) scheduleRetry() {
	c.stopRetryTimer()
	if len(c.delayed) == 0 {
		return
	}

	next := c.delayed[0].retryAt
	for _, up := range c.delayed[1:] {
		if up.retryAt.Before(next) {
			next = up.retryAt
		}
	}

	wait := next.Sub(c.clock.Now())
	if wait < 0 {
		wait = 0
	}
	c.retryTimer = c.clock.NewTimer(wait)
}

func (c *Client) stopRetryTimer() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// releaseDelayed queues the delayed uploads that are due.
func (c *Client) releaseDelayed() {
	now := c.clock.Now()
	var waiting []*upload
	for _, up := range c.delayed {
		if up.retryAt.After(now) {
			waiting = append(waiting, up)
			continue
		}

		duplicate := false
		for _, queued := range c.queue {
			if queued.matches(up) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			c.queue = append(c.queue, up)
		}
	}
	c.delayed = waiting
	c.scheduleRetry()
}
