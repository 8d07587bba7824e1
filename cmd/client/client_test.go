package client

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/buger/goterm"
	"github.com/stretchr/testify/assert"

	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/metrics"
	"github.com/sidkik/deltasync/pkg/proto"
	syncClient "github.com/sidkik/deltasync/pkg/sync/client"
)

type mockClient struct {
	events  chan syncClient.Event
	rescans chan struct{}
	err     error
}

func newMockClient() *mockClient {
	return &mockClient{
		events:  make(chan syncClient.Event, 16),
		rescans: make(chan struct{}, 16),
	}
}

func (c *mockClient) Events() <-chan syncClient.Event {
	return c.events
}

func (c *mockClient) Rescan() error {
	c.rescans <- struct{}{}
	return c.err
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name  string
		event syncClient.Event
		exp   string
	}{
		{
			name:  "Connected",
			event: syncClient.Event{Type: syncClient.EventConnected},
			exp:   "connected",
		},
		{
			name: "Upload completed",
			event: syncClient.Event{Type: syncClient.EventCompleted, Direction: metrics.Upstream,
				Path: "/a.txt"},
			exp: goterm.Color("upstream completed /a.txt", goterm.GREEN),
		},
		{
			name: "Retrying",
			event: syncClient.Event{Type: syncClient.EventRetrying, Direction: metrics.Upstream,
				Path: "/a.txt", Phase: proto.NameSync, Err: errors.New("locked")},
			exp: goterm.Color("upstream retrying /a.txt (SYNC): locked", goterm.YELLOW),
		},
		{
			name: "Failed",
			event: syncClient.Event{Type: syncClient.EventError, Direction: metrics.Downstream,
				Path: "/b", Phase: proto.NamePatch, Err: errors.New("disk full")},
			exp: goterm.Color("downstream error /b (PATCH): disk full", goterm.RED),
		},
		{
			name:  "Clean disconnect",
			event: syncClient.Event{Type: syncClient.EventDisconnected},
			exp:   "disconnected",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.exp, formatEvent(test.event))
		})
	}
}

func TestPrintEvents(t *testing.T) {
	c := newMockClient()
	c.events <- syncClient.Event{Type: syncClient.EventConnected}
	c.events <- syncClient.Event{Type: syncClient.EventReady, Path: "/"}
	c.events <- syncClient.Event{Type: syncClient.EventDisconnected}
	close(c.events)

	var out bytes.Buffer
	printEvents(&out, c)

	assert.Len(t, c.rescans, 1)
	assert.Equal(t, "connected\n"+
		goterm.Color("ready /", goterm.GREEN)+"\n"+
		"disconnected\n", out.String())
}

func TestPoll(t *testing.T) {
	c := newMockClient()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		poll(ctx, c, 10*time.Millisecond)
		close(done)
	}()

	<-c.rescans
	<-c.rescans
	cancel()
	<-done

	// Polling stops once the client does.
	c = newMockClient()
	c.err = syncClient.ErrClosed
	done = make(chan struct{})
	go func() {
		poll(context.Background(), c, 10*time.Millisecond)
		close(done)
	}()
	<-done
	assert.Len(t, c.rescans, 1)
}
