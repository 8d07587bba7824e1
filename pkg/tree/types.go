// Package tree applies the rsync algorithm to trees of files, directories and
// symlinks. A sync of a path runs in four steps:
//
//  1. The sender lists the nodes under the path (SourceList).
//  2. The receiver checksums its copies of those nodes (Checksums).
//  3. The sender diffs its nodes against the checksums (Diff).
//  4. The receiver applies the diffs (Patch).
//
// Afterwards both sides compute a Digest of the synced nodes to verify that
// they agree.
package tree

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/rsync"
)

// NodeType is the type of a node in a tree.
type NodeType int

const (
	// File is a regular file.
	File NodeType = iota

	// Directory is a directory.
	Directory

	// Symlink is a symbolic link that's synced as a link, rather than as the
	// node it points to.
	Symlink
)

var nodeTypeNames = map[NodeType]string{
	File:      "FILE",
	Directory: "DIRECTORY",
	Symlink:   "SYMLINK",
}

func (t NodeType) String() string {
	if name, ok := nodeTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("NodeType(%d)", int(t))
}

// MarshalJSON encodes the type as its name.
func (t NodeType) MarshalJSON() ([]byte, error) {
	name, ok := nodeTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("unknown node type %d", int(t))
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes a type name.
func (t *NodeType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for typ, typName := range nodeTypeNames {
		if typName == name {
			*t = typ
			return nil
		}
	}
	return fmt.Errorf("unknown node type %q", name)
}

// Node is one entry of a source list.
type Node struct {
	Path     string    `json:"path"`
	Type     NodeType  `json:"type"`
	Size     int64     `json:"size,omitempty"`
	Modified time.Time `json:"modified"`

	// Contents are the children of a directory, when listed recursively.
	Contents []Node `json:"contents,omitempty"`
}

// ChecksumNode is the receiver's view of a node in the source list.
type ChecksumNode struct {
	Path      string                `json:"path"`
	Type      NodeType              `json:"type"`
	Modified  time.Time             `json:"modified"`
	Checksums []rsync.BlockChecksum `json:"checksums,omitempty"`

	// Identical is set when the receiver's copy already has the same size and
	// modification time as the sender's, so no checksums were computed.
	Identical bool `json:"identical,omitempty"`

	// Link is set for symlinks, which are sent as their target path.
	Link bool `json:"link,omitempty"`

	Contents []ChecksumNode `json:"contents,omitempty"`
}

// DiffNode contains what the receiver needs to rebuild a node.
type DiffNode struct {
	Path     string              `json:"path"`
	Type     NodeType            `json:"type"`
	Modified time.Time           `json:"modified"`
	Diffs    []rsync.Instruction `json:"diffs,omitempty"`

	// Link is the target of a symlink.
	Link string `json:"link,omitempty"`

	// Identical is set when the receiver already has the node.
	Identical bool `json:"identical,omitempty"`

	// NodeList has the names of a directory's children when it's synced
	// non-recursively, so that the receiver can delete the others.
	NodeList []string `json:"nodeList,omitempty"`

	Contents []DiffNode `json:"contents,omitempty"`
}

// Result is the outcome of a patch. Failures of individual nodes don't abort
// the rest of the patch.
type Result struct {
	Synced  []string `json:"synced,omitempty"`
	Failed  []string `json:"failed,omitempty"`
	Deleted []string `json:"deleted,omitempty"`

	// TooLarge is the files that weren't written because their contents are
	// over Options.MaxFileSize. They're also in Failed.
	TooLarge []errors.FileTooLarge `json:"tooLarge,omitempty"`
}

// Flatten returns every node in `nodes` and their contents in depth-first
// pre-order.
func Flatten(nodes []Node) []Node {
	var flat []Node
	for _, n := range nodes {
		flat = append(flat, n)
		flat = append(flat, Flatten(n.Contents)...)
	}
	return flat
}

// FlattenDiffs is Flatten for diff nodes.
func FlattenDiffs(nodes []DiffNode) []DiffNode {
	var flat []DiffNode
	for _, n := range nodes {
		flat = append(flat, n)
		flat = append(flat, FlattenDiffs(n.Contents)...)
	}
	return flat
}

// TransferStats returns how many bytes of the diffs are sent literally, and
// how many blocks the receiver copies from its existing files.
func TransferStats(diffs []DiffNode) (literal, blocks int) {
	for _, n := range FlattenDiffs(diffs) {
		literal += rsync.LiteralBytes(n.Diffs)
		for _, ins := range n.Diffs {
			if ins.Index != nil {
				blocks++
			}
		}
	}
	return literal, blocks
}
