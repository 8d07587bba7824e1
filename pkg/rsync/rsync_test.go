package rsync

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alpha = "abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789\n"

// srand generates a random string of fixed size.
func srand(seed int64, size int) []byte {
	r := rand.New(rand.NewSource(seed))
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = alpha[r.Intn(len(alpha))]
	}
	return buf
}

func TestWeak(t *testing.T) {
	content := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	r := NewRolling(content)
	assert.Equal(t, uint32(45), r.a)
	assert.Equal(t, uint32(165), r.b)
	assert.Equal(t, uint32(10813485), Weak(content))
}

// TestRollingHash tests that incrementally calculated checksums arrive at the
// same value as the full window checksum at every offset.
func TestRollingHash(t *testing.T) {
	data := make([]byte, 4096)
	rand.New(rand.NewSource(1)).Read(data)

	for _, window := range []int{1, 2, 16, 511, 1024} {
		rolling := NewRolling(data[:window])
		for start := 0; start+window < len(data); start++ {
			rolling.Roll(data[start], data[start+window])
			exp := Weak(data[start+1 : start+1+window])
			if !assert.Equal(t, exp, rolling.Sum(), "window %d offset %d", window, start+1) {
				return
			}
		}
	}
}

func TestBlockChecksums(t *testing.T) {
	content := []byte("0123456789")
	checksums := BlockChecksums(content, 4)
	require.Len(t, checksums, 3)
	for i, c := range checksums {
		assert.Equal(t, i, c.Index)
	}
	assert.Equal(t, Weak([]byte("89")), checksums[2].Weak)
	assert.Equal(t, Strong([]byte("4567")), checksums[1].Strong)
	assert.Empty(t, BlockChecksums(nil, 4))

	streamed, err := ReadBlockChecksums(bytes.NewReader(content), 4)
	require.NoError(t, err)
	assert.Equal(t, checksums, streamed)
}

func TestRollEdgeCases(t *testing.T) {
	assert.Empty(t, Roll(nil, BlockChecksums([]byte("abc"), 2), 2))
	assert.Equal(t, []Instruction{Literal([]byte("abc"))}, Roll([]byte("abc"), nil, 2))

	// Identical content is sent as block references only.
	content := srand(3, 2000)
	instructions := Roll(content, BlockChecksums(content, 512), 512)
	assert.Len(t, instructions, 4)
	assert.Zero(t, LiteralBytes(instructions))
}

func TestRollInsertion(t *testing.T) {
	old := []byte("abcdefgh")
	instructions := Roll([]byte("abXcdefgh"), BlockChecksums(old, 2), 2)
	exp := []Instruction{
		CopyBlock(0),
		{Data: []byte("X"), Index: intPtr(1)},
		CopyBlock(2),
		CopyBlock(3),
	}
	assert.Equal(t, exp, instructions)
}

func TestRoundTrip(t *testing.T) {
	source := srand(10, 5000)

	modified := append([]byte{}, source[:1200]...)
	modified = append(modified, []byte("inserted in the middle")...)
	modified = append(modified, source[1300:]...)

	tests := []struct {
		name     string
		source   []byte
		existing []byte
	}{
		{"no existing copy", source, nil},
		{"identical", source, source},
		{"prefix cached", source, source[:2000]},
		{"insertion", modified, source},
		{"deletion", source, modified},
		{"empty source", nil, source},
		{"unrelated", srand(11, 3000), srand(12, 3000)},
	}

	for _, test := range tests {
		test := test
		for _, blockSize := range []int{1, 7, 512, len(test.source), 8192} {
			t.Run(test.name, func(t *testing.T) {
				checksums := BlockChecksums(test.existing, blockSize)
				instructions := Roll(test.source, checksums, blockSize)

				actual, err := Apply(test.existing, instructions, blockSize)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(test.source, actual),
					"block size %d: reconstructed content differs", blockSize)
			})
		}
	}
}

func TestApplyOutOfRange(t *testing.T) {
	_, err := Apply([]byte("ab"), []Instruction{CopyBlock(5)}, 2)
	assert.Error(t, err)
}

func intPtr(i int) *int {
	return &i
}
