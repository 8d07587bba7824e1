// Package rsync implements the rsync delta-transfer algorithm: block
// checksums of the receiver's copy of a file, a rolling match of the sender's
// copy against them, and reconstruction of the sender's bytes from the
// resulting instructions.
//
// See https://www.samba.org/~tridge/phd_thesis.pdf for the algorithm.
package rsync

import (
	"crypto/md5"
	"io"

	"github.com/sidkik/deltasync/pkg/errors"
)

const (
	// DefaultBlockSize is the block size used when none is configured.
	DefaultBlockSize = 512

	// mod is the largest prime smaller than 2^16, as in Adler-32.
	mod = 65521
)

// BlockChecksum contains the checksums of one fixed-size block of a file.
type BlockChecksum struct {
	// Index is the position of the block within the file.
	Index int `json:"index"`

	// Weak is the rolling checksum of the block. It's cheap to compute at
	// every offset, but collides often.
	Weak uint32 `json:"weak"`

	// Strong confirms that a weak match is a real match. It isn't used for
	// security.
	Strong []byte `json:"strong"`
}

// Rolling is the weak checksum of a window of bytes. It can slide forward by
// one byte in constant time.
type Rolling struct {
	a, b   uint32
	length uint32
}

// NewRolling computes the weak checksum of `window` from scratch.
func NewRolling(window []byte) Rolling {
	var a, b uint64
	n := uint64(len(window))
	for i, x := range window {
		a += uint64(x)
		b += (n - uint64(i)) * uint64(x)
	}
	return Rolling{
		a:      uint32(a % mod),
		b:      uint32(b % mod),
		length: uint32(n),
	}
}

// Sum returns the combined checksum `a + b*2^16`.
func (r Rolling) Sum() uint32 {
	return r.a + r.b<<16
}

// Roll slides the window forward by one byte: `out` leaves the front of the
// window and `in` is appended to its end.
func (r *Rolling) Roll(out, in byte) {
	r.a = (r.a + mod - uint32(out) + uint32(in)) % mod
	outWeight := (r.length % mod) * uint32(out) % mod
	r.b = (r.b + mod - outWeight + r.a) % mod
}

// Weak returns the weak checksum of `block`.
func Weak(block []byte) uint32 {
	return NewRolling(block).Sum()
}

// Strong returns the strong checksum of `block`.
func Strong(block []byte) []byte {
	sum := md5.Sum(block)
	return sum[:]
}

// WholeFileChecksum returns the strong checksum of an entire file.
func WholeFileChecksum(content []byte) []byte {
	return Strong(content)
}

// bucket reduces a weak checksum to the 16 bit key of the lookup table.
func bucket(weak uint32) uint16 {
	return uint16(weak>>16) ^ uint16(weak)
}

// BlockChecksums splits `content` into blocks of `blockSize` bytes and
// returns their checksums in block order. The last block may be short.
func BlockChecksums(content []byte, blockSize int) []BlockChecksum {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	var checksums []BlockChecksum
	for i := 0; i*blockSize < len(content); i++ {
		end := (i + 1) * blockSize
		if end > len(content) {
			end = len(content)
		}
		block := content[i*blockSize : end]
		checksums = append(checksums, BlockChecksum{
			Index:  i,
			Weak:   Weak(block),
			Strong: Strong(block),
		})
	}
	return checksums
}

// ReadBlockChecksums is like BlockChecksums, but reads the content from `r`.
// Read errors are returned rather than skipped, since a missing block would
// silently corrupt the reconstructed file.
func ReadBlockChecksums(r io.Reader, blockSize int) ([]BlockChecksum, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	var checksums []BlockChecksum
	buf := make([]byte, blockSize)
	for index := 0; ; index++ {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			block := buf[:n]
			checksums = append(checksums, BlockChecksum{
				Index:  index,
				Weak:   Weak(block),
				Strong: Strong(block),
			})
		}

		switch err {
		case nil:
			continue
		case io.EOF, io.ErrUnexpectedEOF:
			return checksums, nil
		default:
			return nil, errors.WithContext(err, "read block")
		}
	}
}
