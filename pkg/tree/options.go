package tree

import (
	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/rsync"
)

// Options controls a sync. It's passed by value and never modified once a
// sync starts.
type Options struct {
	// BlockSize is the size of the blocks that files are checksummed in.
	BlockSize int

	// Recursive lists the contents of directories.
	Recursive bool

	// Checksum always checksums files, even when their size and modification
	// time match.
	Checksum bool

	// Links syncs symlinks as links. Otherwise they're synced as the node they
	// point to.
	Links bool

	// SyncMtimes copies the sender's modification times to the receiver.
	SyncMtimes bool

	// MaxFileSize is the largest file that may be synced, in bytes. Zero
	// means unlimited.
	MaxFileSize int64
}

// DefaultOptions returns the options used unless configured otherwise.
func DefaultOptions() Options {
	return Options{
		BlockSize:  rsync.DefaultBlockSize,
		Recursive:  true,
		Links:      true,
		SyncMtimes: true,
	}
}

// Validate checks that the options are usable.
func (opts Options) Validate() error {
	if opts.BlockSize <= 0 {
		return errors.WithContext(errors.ErrInvalid, "block size must be positive")
	}
	if opts.MaxFileSize < 0 {
		return errors.WithContext(errors.ErrInvalid, "max file size can't be negative")
	}
	return nil
}

// Shallow returns the options for syncing a single level. Files are always
// checksummed so that the diff is exact even when a file looks unchanged.
func (opts Options) Shallow() Options {
	opts.Recursive = false
	opts.Checksum = true
	return opts
}

func (opts Options) blockSize() int {
	if opts.BlockSize <= 0 {
		return rsync.DefaultBlockSize
	}
	return opts.BlockSize
}

// CheckSizes returns a FileTooLarge error for the first file in `nodes`
// that's bigger than `limit`. A limit of zero allows any size.
func CheckSizes(nodes []Node, limit int64) error {
	if limit <= 0 {
		return nil
	}

	for _, n := range Flatten(nodes) {
		if n.Type == File && n.Size > limit {
			return errors.FileTooLarge{Path: n.Path, Size: n.Size, Limit: limit}
		}
	}
	return nil
}
