package rsync

import (
	"bytes"

	"github.com/sidkik/deltasync/pkg/errors"
)

// Instruction is one step in reconstructing a file. Data, when present, is
// written first. Index, when present, then copies that block from the
// receiver's existing copy of the file.
type Instruction struct {
	Index *int   `json:"index,omitempty"`
	Data  []byte `json:"data,omitempty"`
}

// CopyBlock returns an instruction that copies block `index`.
func CopyBlock(index int) Instruction {
	return Instruction{Index: &index}
}

// Literal returns an instruction that inserts `data`.
func Literal(data []byte) Instruction {
	return Instruction{Data: data}
}

type lookupTable map[uint16][]BlockChecksum

func newLookupTable(checksums []BlockChecksum) lookupTable {
	table := lookupTable{}
	for _, c := range checksums {
		key := bucket(c.Weak)
		table[key] = append(table[key], c)
	}
	return table
}

// match returns the index of the first block whose checksums match `window`.
// Candidates are tried in the order of the original checksum list.
func (table lookupTable) match(weak uint32, window []byte) (int, bool) {
	candidates, ok := table[bucket(weak)]
	if !ok {
		return 0, false
	}

	var strong []byte
	for _, c := range candidates {
		if c.Weak != weak {
			continue
		}
		if strong == nil {
			strong = Strong(window)
		}
		if bytes.Equal(strong, c.Strong) {
			return c.Index, true
		}
	}
	return 0, false
}

// Roll computes the instructions that rebuild `data` on a receiver whose copy
// of the file has the given block checksums.
//
// A window of `blockSize` bytes slides over `data` one byte at a time. When
// the window matches a receiver block, the unmatched bytes since the previous
// match are sent as a literal together with the block reference, and scanning
// resumes right after the matched window.
func Roll(data []byte, target []BlockChecksum, blockSize int) []Instruction {
	if len(data) == 0 {
		return nil
	}
	if len(target) == 0 {
		return []Instruction{Literal(data)}
	}
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	table := newLookupTable(target)
	window := blockSize
	if window > len(data) {
		window = len(data)
	}

	var instructions []Instruction
	lastMatchedEnd := 0
	emitMatch := func(start, end, index int) {
		ins := CopyBlock(index)
		if start > lastMatchedEnd {
			ins.Data = data[lastMatchedEnd:start]
		}
		instructions = append(instructions, ins)
		lastMatchedEnd = end
	}

	start := 0
	weak := NewRolling(data[:window])
	for start+window <= len(data) {
		end := start + window
		if index, ok := table.match(weak.Sum(), data[start:end]); ok {
			emitMatch(start, end, index)
			start = end
			if start+window <= len(data) {
				weak = NewRolling(data[start : start+window])
			}
			continue
		}

		if end == len(data) {
			break
		}
		weak.Roll(data[start], data[end])
		start++
	}

	// The receiver's last block is usually short, so try to match whatever is
	// left after the final full window.
	if tail := data[lastMatchedEnd:]; len(tail) > 0 && len(tail) < window {
		if index, ok := table.match(Weak(tail), tail); ok {
			emitMatch(len(data)-len(tail), len(data), index)
		}
	}

	if lastMatchedEnd < len(data) {
		instructions = append(instructions, Literal(data[lastMatchedEnd:]))
	}
	return instructions
}

// Apply rebuilds the sender's bytes from `instructions`, copying referenced
// blocks out of `existing`.
func Apply(existing []byte, instructions []Instruction, blockSize int) ([]byte, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	var out []byte
	for _, ins := range instructions {
		out = append(out, ins.Data...)
		if ins.Index == nil {
			continue
		}

		start := *ins.Index * blockSize
		if *ins.Index < 0 || start >= len(existing) {
			return nil, errors.Errorf("block %d is out of range", *ins.Index)
		}
		end := start + blockSize
		if end > len(existing) {
			end = len(existing)
		}
		out = append(out, existing[start:end]...)
	}
	return out, nil
}

// LiteralBytes returns how many bytes of `instructions` are sent verbatim.
func LiteralBytes(instructions []Instruction) (n int) {
	for _, ins := range instructions {
		n += len(ins.Data)
	}
	return n
}
