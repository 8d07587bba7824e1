package server

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/store"
)

// OutOfDateChannel is the store channel that out-of-date notices are
// published on, so that they reach the sessions of every server process.
const OutOfDateChannel = "outofdate"

type notice struct {
	Username string   `json:"username"`
	Origin   string   `json:"origin"`
	Paths    []string `json:"paths"`
}

// Broadcaster tells the sessions of a user that paths changed on the server.
type Broadcaster struct {
	store    store.Store
	sub      store.Subscription
	registry *registry
}

func newBroadcaster(ctx context.Context, st store.Store, reg *registry) (*Broadcaster, error) {
	sub, err := st.Subscribe(ctx, OutOfDateChannel)
	if err != nil {
		return nil, errors.WithContext(err, "subscribe")
	}
	return &Broadcaster{store: st, sub: sub, registry: reg}, nil
}

// Publish notifies every session of `username`, other than `origin`, that
// `paths` changed.
func (b *Broadcaster) Publish(ctx context.Context, username, origin string, paths []string) error {
	payload, err := json.Marshal(notice{Username: username, Origin: origin, Paths: paths})
	if err != nil {
		return errors.WithContext(err, "marshal")
	}
	return errors.WithContext(b.store.Publish(ctx, OutOfDateChannel, payload), "publish")
}

// Run delivers notices to the sessions connected to this process until the
// context is cancelled.
func (b *Broadcaster) Run(ctx context.Context) error {
	defer b.sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-b.sub.Messages():
			if !ok {
				return errors.New("out-of-date subscription closed")
			}

			var n notice
			if err := json.Unmarshal(payload, &n); err != nil {
				log.WithError(err).Warn("Ignoring malformed out-of-date notice")
				continue
			}

			for _, s := range b.registry.ForUser(n.Username) {
				if s.id != n.Origin {
					s.notifyOutOfDate(n.Paths)
				}
			}
		}
	}
}
