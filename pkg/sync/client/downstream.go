package client

import (
	"time"

	"github.com/sidkik/deltasync/pkg/fsys"
	"github.com/sidkik/deltasync/pkg/metrics"
	"github.com/sidkik/deltasync/pkg/proto"
	"github.com/sidkik/deltasync/pkg/tree"
)

// downstream is a sync from the server to the client. The server drives it,
// so the client only tracks which path is being synced.
type downstream struct {
	path    string
	started time.Time
}

func (c *Client) handleChecksumsRequest(msg *proto.Message) error {
	path := fsys.Clean(msg.Content.Path)
	c.down = &downstream{path: path, started: c.clock.Now()}
	c.emit(Event{Type: EventSyncing, Direction: metrics.Downstream, Phase: proto.NameChecksums, Path: path})

	err := tree.CheckListing(path, msg.Content.SrcList, msg.Content.Dir)
	var checksums []tree.ChecksumNode
	if err == nil {
		checksums, err = tree.Checksums(c.fs, path, msg.Content.SrcList, c.config.Options)
	}
	if err != nil {
		c.log.WithError(err).WithField("path", path).Warn("Failed to checksum")
		c.down = nil
		c.emit(Event{Type: EventError, Direction: metrics.Downstream, Phase: proto.NameChecksums,
			Path: path, Err: err})
		return c.send(proto.NewError(proto.NameChecksums, path, err))
	}

	return c.send(proto.NewRequest(proto.NameDiffs, proto.Content{
		Path:      path,
		Checksums: checksums,
	}))
}

func (c *Client) handleDiffsResponse(msg *proto.Message) error {
	down := c.down
	if down == nil || fsys.Clean(msg.Content.Path) != down.path {
		return c.unexpected(msg)
	}

	opts := c.config.Options
	diffs := msg.Content.Diffs
	result, err := tree.Patch(c.fs, down.path, diffs, opts, c.resolver)
	if err != nil {
		c.log.WithError(err).WithField("path", down.path).Warn("Failed to patch")
		c.down = nil
		c.emit(Event{Type: EventError, Direction: metrics.Downstream, Phase: proto.NamePatch,
			Path: down.path, Err: err})
		return c.send(proto.NewError(proto.NamePatch, down.path, err))
	}

	refs := tree.DiffRefs(diffs)
	c.index.recordPatch(c.fs, refs, result)
	c.index.record(c.fs, down.path)

	digest, err := tree.Digest(c.fs, refs, opts)
	if err != nil {
		// The server treats a missing digest as a mismatch, and sends the
		// path again.
		c.log.WithError(err).WithField("path", down.path).Warn("Failed to compute digest")
	}

	logger := c.log.WithField("path", down.path)
	if len(result.Failed) > 0 {
		logger = logger.WithField("failed", result.Failed)
	}
	logger.WithField("synced", len(result.Synced)).
		WithField("deleted", len(result.Deleted)).
		Debug("Applied downstream")

	return c.send(proto.NewResponse(proto.NamePatch, proto.Content{
		Path:     down.path,
		Checksum: digest,
		Failed:   result.Failed,
	}))
}

func (c *Client) handleVerified(msg *proto.Message) {
	path := fsys.Clean(msg.Content.Path)
	if c.down != nil && c.down.path == path {
		c.log.WithField("path", path).
			WithField("duration", c.clock.Since(c.down.started)).
			Info("Downstream verified")
		c.down = nil
	}

	if !c.ready {
		c.ready = true
		c.saveIndex()
		c.emit(Event{Type: EventReady, Path: path})
	}
	c.emit(Event{Type: EventCompleted, Direction: metrics.Downstream, Phase: proto.NameVerification,
		Path: path})
}

// handleVerificationFailed handles a downstream that didn't match the server.
// If the server retries, it starts a new downstream right after.
func (c *Client) handleVerificationFailed(msg *proto.Message) {
	perr := proto.AsError(msg)
	c.log.WithError(perr).Info("Downstream verification failed")
	c.down = nil
	c.emit(Event{Type: EventError, Direction: metrics.Downstream, Phase: perr.Name,
		Path: perr.Path, Err: perr})
}
