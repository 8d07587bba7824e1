// Package store is the shared key-value and publish/subscribe store that
// server processes coordinate through. It's used by the sync lock and by the
// out-of-date broadcast.
package store

import (
	"context"
)

// Store is a key-value store with conditional writes, plus publish/subscribe
// channels.
type Store interface {
	// SetNX sets `key` to `value` if it isn't set yet, and returns whether it
	// did.
	SetNX(ctx context.Context, key, value string) (bool, error)

	// Set sets `key` to `value` unconditionally.
	Set(ctx context.Context, key, value string) error

	// Get returns the value of `key`, and whether it's set.
	Get(ctx context.Context, key string) (string, bool, error)

	// DeleteIfEqual deletes `key` if its value is `value`, and returns
	// whether it did.
	DeleteIfEqual(ctx context.Context, key, value string) (bool, error)

	// Publish sends `payload` to the current subscribers of `channel`.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe starts receiving the messages published to `channel`. The
	// subscription is active once Subscribe returns.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Close() error
}

// Subscription receives the messages published to a channel.
type Subscription interface {
	// Messages is closed when the subscription is closed.
	Messages() <-chan []byte
	Close() error
}

// subscriptionBuffer is how many messages a subscriber can fall behind before
// messages are dropped.
const subscriptionBuffer = 256
