// Package lock implements the sync lock, which makes sure that only one client
// of a user uploads to a path at a time.
//
// Locks live in the shared store, so they're respected by all server
// processes. When a lock is already held, the requester asks the holder to
// give it up over a publish/subscribe channel. The holder agrees unless it's
// in the middle of writing. If the holder doesn't answer within the timeout,
// it's presumed dead and the lock is taken anyway.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/metrics"
	"github.com/sidkik/deltasync/pkg/store"
)

const (
	// Channel is the store channel that override requests and responses are
	// published on.
	Channel = "synclock"

	// DefaultTimeout is how long to wait for the holder of a lock to respond
	// to an override request.
	DefaultTimeout = 5 * time.Second
)

// ErrLocked is returned when the holder of a lock refuses to give it up.
var ErrLocked = errors.New("locked by another client")

// Key returns the store key of the lock for `path` of `username`.
func Key(username, path string) string {
	return fmt.Sprintf("synclock:%s:%s", username, path)
}

// Lock is a held sync lock.
type Lock struct {
	Key      string
	Username string
	Path     string
	HolderID string

	allowOverride bool
	interrupted   chan struct{}
	interruptOnce sync.Once
	mutex         sync.Mutex
}

func newLock(holderID, username, path string) *Lock {
	return &Lock{
		Key:           Key(username, path),
		Username:      username,
		Path:          path,
		HolderID:      holderID,
		allowOverride: true,
		interrupted:   make(chan struct{}),
	}
}

// SetAllowOverride sets whether the lock is given up when another client asks
// for it. It should be false while the holder is writing.
func (l *Lock) SetAllowOverride(allow bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.allowOverride = allow
}

// AllowsOverride returns whether the lock is given up when another client
// asks for it.
func (l *Lock) AllowsOverride() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.allowOverride
}

// Pin stops the lock from being handed over, and returns whether it's still
// held. It's called before writing, since an interrupted write could leave a
// tree that's half from one client and half from another.
func (l *Lock) Pin() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	select {
	case <-l.interrupted:
		return false
	default:
	}
	l.allowOverride = false
	return true
}

// Interrupted is closed when the lock is handed over to another client.
func (l *Lock) Interrupted() <-chan struct{} {
	return l.interrupted
}

// handOver runs `transfer` and marks the lock as interrupted, unless
// overrides aren't allowed.
func (l *Lock) handOver(transfer func() error) (bool, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if !l.allowOverride {
		return false, nil
	}
	if err := transfer(); err != nil {
		return false, err
	}
	l.interrupt()
	return true, nil
}

func (l *Lock) interrupt() {
	l.interruptOnce.Do(func() { close(l.interrupted) })
}

type messageKind string

const (
	overrideRequest  messageKind = "request"
	overrideResponse messageKind = "response"
)

type message struct {
	Kind        messageKind `json:"kind"`
	RequestID   string      `json:"requestId"`
	Key         string      `json:"key"`
	HolderID    string      `json:"holderId"`
	RequesterID string      `json:"requesterId"`
	Unlocked    bool        `json:"unlocked,omitempty"`
}

// Coordinator requests and releases locks, and answers override requests for
// the locks held by this process.
type Coordinator struct {
	store   store.Store
	clock   clockwork.Clock
	timeout time.Duration
	sub     store.Subscription

	held    map[string]*Lock
	pending map[string]chan message
	mutex   sync.Mutex
}

// NewCoordinator subscribes to the lock channel of `st`. Run must be called
// for override requests to be answered.
func NewCoordinator(ctx context.Context, st store.Store, clock clockwork.Clock,
	timeout time.Duration) (*Coordinator, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	sub, err := st.Subscribe(ctx, Channel)
	if err != nil {
		return nil, errors.WithContext(err, "subscribe")
	}

	return &Coordinator{
		store:   st,
		clock:   clock,
		timeout: timeout,
		sub:     sub,
		held:    map[string]*Lock{},
		pending: map[string]chan message{},
	}, nil
}

// Run handles lock messages until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-c.sub.Messages():
			if !ok {
				return errors.New("lock subscription closed")
			}

			var msg message
			if err := json.Unmarshal(payload, &msg); err != nil {
				log.WithError(err).Warn("Ignoring malformed lock message")
				continue
			}

			switch msg.Kind {
			case overrideRequest:
				c.handleOverrideRequest(ctx, msg)
			case overrideResponse:
				c.handleOverrideResponse(msg)
			}
		}
	}
}

// Request acquires the lock for `path` of `username` on behalf of `ownerID`.
// If another owner holds it, it's asked to give it up, and ErrLocked is
// returned if it refuses.
func (c *Coordinator) Request(ctx context.Context, ownerID, username, path string) (*Lock, error) {
	key := Key(username, path)
	logger := log.WithField("key", key).WithField("owner", ownerID)

	var holder string
	for attempt := 0; ; attempt++ {
		ok, err := c.store.SetNX(ctx, key, ownerID)
		if err != nil {
			return nil, errors.WithContext(err, "set lock")
		}
		if ok {
			metrics.RecordLockRequest("acquired")
			return c.register(ownerID, username, path), nil
		}

		var exists bool
		holder, exists, err = c.store.Get(ctx, key)
		if err != nil {
			return nil, errors.WithContext(err, "get lock holder")
		}

		// Released between the two calls.
		if !exists && attempt < 3 {
			continue
		}
		break
	}

	if holder == ownerID {
		return c.reentrant(ownerID, username, path), nil
	}

	requestID := uuid.New().String()
	responses := make(chan message, 1)
	c.mutex.Lock()
	c.pending[requestID] = responses
	c.mutex.Unlock()

	defer func() {
		c.mutex.Lock()
		delete(c.pending, requestID)
		c.mutex.Unlock()
	}()

	logger.WithField("holder", holder).Debug("Requesting lock override")
	if err := c.publish(ctx, message{
		Kind:        overrideRequest,
		RequestID:   requestID,
		Key:         key,
		HolderID:    holder,
		RequesterID: ownerID,
	}); err != nil {
		return nil, err
	}

	select {
	case resp := <-responses:
		if !resp.Unlocked {
			metrics.RecordLockRequest("denied")
			return nil, ErrLocked
		}
		metrics.RecordLockRequest("overridden")
		return c.register(ownerID, username, path), nil

	case <-c.clock.After(c.timeout):
		// The holder is presumed dead.
		logger.WithField("holder", holder).Warn("Lock holder didn't respond, taking over the lock")
		if err := c.store.Set(ctx, key, ownerID); err != nil {
			return nil, errors.WithContext(err, "set lock")
		}
		metrics.RecordLockRequest("timeout")
		return c.register(ownerID, username, path), nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release gives up `lock`. Releasing a lock that was already released or
// handed over has no effect.
func (c *Coordinator) Release(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}

	c.mutex.Lock()
	if c.held[lock.Key] == lock {
		delete(c.held, lock.Key)
	}
	c.mutex.Unlock()

	_, err := c.store.DeleteIfEqual(ctx, lock.Key, lock.HolderID)
	return errors.WithContext(err, "delete lock")
}

// Held returns the lock held by this process for `key`, if any.
func (c *Coordinator) Held(key string) (*Lock, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	lock, ok := c.held[key]
	return lock, ok
}

func (c *Coordinator) register(ownerID, username, path string) *Lock {
	lock := newLock(ownerID, username, path)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if old, ok := c.held[lock.Key]; ok && old.HolderID != ownerID {
		old.interrupt()
	}
	c.held[lock.Key] = lock
	return lock
}

func (c *Coordinator) reentrant(ownerID, username, path string) *Lock {
	c.mutex.Lock()
	lock, ok := c.held[Key(username, path)]
	c.mutex.Unlock()

	if ok && lock.HolderID == ownerID {
		return lock
	}
	return c.register(ownerID, username, path)
}

func (c *Coordinator) handleOverrideRequest(ctx context.Context, req message) {
	c.mutex.Lock()
	lock, ok := c.held[req.Key]
	if !ok || lock.HolderID != req.HolderID {
		// Held by another process, or by nobody that's alive.
		c.mutex.Unlock()
		return
	}

	resp := message{
		Kind:        overrideResponse,
		RequestID:   req.RequestID,
		Key:         req.Key,
		HolderID:    req.HolderID,
		RequesterID: req.RequesterID,
	}

	logger := log.WithField("key", req.Key).WithField("requester", req.RequesterID)
	handedOver, err := lock.handOver(func() error {
		return c.store.Set(ctx, req.Key, req.RequesterID)
	})
	if err != nil {
		c.mutex.Unlock()
		logger.WithError(err).Warn("Failed to hand over lock")
		return
	}

	if handedOver {
		delete(c.held, req.Key)
		resp.Unlocked = true
		logger.Info("Handed over sync lock")
	} else {
		logger.Debug("Refused to hand over sync lock")
	}
	c.mutex.Unlock()

	if err := c.publish(ctx, resp); err != nil {
		logger.WithError(err).Warn("Failed to respond to lock request")
	}
}

func (c *Coordinator) handleOverrideResponse(resp message) {
	c.mutex.Lock()
	ch, ok := c.pending[resp.RequestID]
	c.mutex.Unlock()

	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

func (c *Coordinator) publish(ctx context.Context, msg message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}
	return errors.WithContext(c.store.Publish(ctx, Channel, payload), "publish")
}
