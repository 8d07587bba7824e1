// Package proto defines the messages exchanged by the sync client and server,
// and the gRPC stream that carries them.
//
// Every frame is a Message. Its Type says whether it starts an exchange, answers
// one, or reports a failure, and its Name says which step of the sync it
// belongs to.
package proto

import (
	"fmt"

	"github.com/sidkik/deltasync/pkg/tree"
)

// MessageType is the kind of a message.
type MessageType string

// The message types.
const (
	Request  MessageType = "REQUEST"
	Response MessageType = "RESPONSE"
	Error    MessageType = "ERROR"
)

// Name identifies the step of a sync that a message belongs to.
type Name string

// The message names.
const (
	NameAuthz           Name = "AUTHZ"
	NameSync            Name = "SYNC"
	NameChecksums       Name = "CHECKSUMS"
	NameDiffs           Name = "DIFFS"
	NamePatch           Name = "PATCH"
	NameVerification    Name = "VERIFICATION"
	NameSrcList         Name = "SRCLIST"
	NameRoot            Name = "ROOT"
	NameReset           Name = "RESET"
	NameRename          Name = "RENAME"
	NameDelete          Name = "DELETE"
	NameLocked          Name = "LOCKED"
	NameNeedsDownstream Name = "NEEDS_DOWNSTREAM"
	NameInterrupted     Name = "INTERRUPTED"

	// NameContent reports a message whose content is invalid.
	NameContent Name = "CONTENT"

	// NameFormat reports a message that isn't expected in the current state.
	NameFormat Name = "FORMAT"

	// NameImpl reports an internal failure of the server.
	NameImpl Name = "IMPL"
)

// SyncType is the kind of change that an upstream sync uploads.
type SyncType string

// The sync types.
const (
	SyncContents SyncType = "SYNC"
	SyncRename   SyncType = "RENAME"
	SyncDelete   SyncType = "DELETE"
)

// State is the state of one side of a connection.
type State string

// The connection states.
const (
	StateClosed     State = "CLOSED"
	StateConnecting State = "CONNECTING"
	StateInit       State = "INIT"
	StateListening  State = "LISTENING"
	StateOutOfDate  State = "OUT_OF_DATE"
	StateChecksum   State = "CHKSUM"
	StatePatch      State = "PATCH"
	StateError      State = "ERROR"
)

// Content is the payload of a message. Which fields are set depends on the
// message.
type Content struct {
	Path    string   `json:"path,omitempty"`
	Type    SyncType `json:"type,omitempty"`
	OldPath string   `json:"oldPath,omitempty"`

	// Dir is set when SrcList holds the contents of the directory at Path,
	// rather than the node at Path itself.
	Dir bool `json:"dir,omitempty"`

	SrcList   []tree.Node         `json:"srcList,omitempty"`
	Checksums []tree.ChecksumNode `json:"checksums,omitempty"`
	Diffs     []tree.DiffNode     `json:"diffs,omitempty"`

	// Checksum is the digest of the synced nodes, used for verification.
	Checksum []byte   `json:"checksum,omitempty"`
	Failed   []string `json:"failed,omitempty"`

	Error string `json:"error,omitempty"`

	// Used for authorization.
	Token    string `json:"token,omitempty"`
	Version  string `json:"version,omitempty"`
	Username string `json:"username,omitempty"`
}

// Message is a single frame on the sync stream.
type Message struct {
	Type    MessageType `json:"type"`
	Name    Name        `json:"name"`
	Content Content     `json:"content"`
}

// NewRequest returns a request message.
func NewRequest(name Name, content Content) *Message {
	return &Message{Type: Request, Name: name, Content: content}
}

// NewResponse returns a response message.
func NewResponse(name Name, content Content) *Message {
	return &Message{Type: Response, Name: name, Content: content}
}

// NewError returns an error message about `path`.
func NewError(name Name, path string, err error) *Message {
	content := Content{Path: path}
	if err != nil {
		content.Error = err.Error()
	}
	return &Message{Type: Error, Name: name, Content: content}
}

// Is returns whether the message has the given type and name.
func (msg *Message) Is(typ MessageType, name Name) bool {
	return msg.Type == typ && msg.Name == name
}

func (msg *Message) String() string {
	if msg.Content.Path == "" {
		return fmt.Sprintf("%s(%s)", msg.Type, msg.Name)
	}
	return fmt.Sprintf("%s(%s) %s", msg.Type, msg.Name, msg.Content.Path)
}

// ProtocolError is an ERROR message received from the other side.
type ProtocolError struct {
	Name    Name
	Path    string
	Message string
}

// AsError converts an ERROR message into a ProtocolError.
func AsError(msg *Message) ProtocolError {
	return ProtocolError{
		Name:    msg.Name,
		Path:    msg.Content.Path,
		Message: msg.Content.Error,
	}
}

func (err ProtocolError) Error() string {
	switch {
	case err.Path != "" && err.Message != "":
		return fmt.Sprintf("%s error for %q: %s", err.Name, err.Path, err.Message)
	case err.Path != "":
		return fmt.Sprintf("%s error for %q", err.Name, err.Path)
	case err.Message != "":
		return fmt.Sprintf("%s error: %s", err.Name, err.Message)
	}
	return fmt.Sprintf("%s error", err.Name)
}
