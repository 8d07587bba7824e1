package client

import (
	"fmt"

	"github.com/sidkik/deltasync/pkg/proto"
)

// EventType is the kind of an Event.
type EventType string

// The event types.
const (
	EventConnected EventType = "connected"

	// EventReady is sent once the initial download of the tree is verified.
	EventReady EventType = "ready"

	EventSyncing   EventType = "syncing"
	EventCompleted EventType = "completed"

	// EventRetrying is sent when an upload is put off, for example because
	// another client holds the sync lock.
	EventRetrying EventType = "retrying"

	EventError EventType = "error"

	// EventDisconnected is the last event. Err is set if the connection
	// failed.
	EventDisconnected EventType = "disconnected"
)

// Event reports the progress of the client.
type Event struct {
	Type EventType

	// Direction is metrics.Upstream or metrics.Downstream.
	Direction string

	// Phase is the step of the sync that the event happened in.
	Phase    proto.Name
	Path     string
	SyncType proto.SyncType
	Err      error
}

func (e Event) String() string {
	desc := string(e.Type)
	if e.Direction != "" {
		desc = fmt.Sprintf("%s %s", e.Direction, desc)
	}
	if e.Path != "" {
		desc = fmt.Sprintf("%s %s", desc, e.Path)
	}
	if e.Phase != "" && e.Err != nil {
		desc = fmt.Sprintf("%s (%s)", desc, e.Phase)
	}
	if e.Err != nil {
		desc = fmt.Sprintf("%s: %s", desc, e.Err)
	}
	return desc
}
