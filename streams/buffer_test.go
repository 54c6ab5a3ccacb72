package streams

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStream records every transfer that reaches the layer below the
// buffer, so tests can assert on coalescing behavior.
type countingStream struct {
	Head

	reads  []ioRecord
	writes []ioRecord
}

type ioRecord struct {
	off int64
	len int
}

func newCountingStream(next Stream) *countingStream {
	c := &countingStream{}
	c.InitHead(next)
	return c
}

func (c *countingStream) ReadAt(p []byte, off int64) (int, error) {
	c.reads = append(c.reads, ioRecord{off, len(p)})
	return c.Next().ReadAt(p, off)
}

func (c *countingStream) WriteAt(p []byte, off int64) (int, error) {
	c.writes = append(c.writes, ioRecord{off, len(p)})
	return c.Next().WriteAt(p, off)
}

func (c *countingStream) Close() error {
	return c.CloseChain(c)
}

const testSector = 512

// newTestBuffer stacks buffer -> counter -> memory image over a fresh
// image of the given size.
func newTestBuffer(t *testing.T, imageSize, bufSize, cylSize int64) (*Buffer, *countingStream, []byte) {
	t.Helper()
	backing := make([]byte, imageSize)
	counter := newCountingStream(OpenMemory(backing))
	buf, err := NewBuffer(counter, bufSize, cylSize, testSector)
	require.NoError(t, err)
	return buf, counter, backing
}

func TestBufferWriteCoalescing(t *testing.T) {
	// Two adjacent sector writes must reach the medium as one transfer.
	buf, counter, backing := newTestBuffer(t, 64*testSector, 8*testSector, 4*testSector)

	first := bytes.Repeat([]byte{0x11}, testSector)
	second := bytes.Repeat([]byte{0x22}, testSector)

	n, err := buf.WriteAt(first, 0)
	require.NoError(t, err)
	require.Equal(t, testSector, n)

	n, err = buf.WriteAt(second, testSector)
	require.NoError(t, err)
	require.Equal(t, testSector, n)

	assert.Empty(t, counter.writes, "nothing should reach the medium before flush")

	require.NoError(t, buf.Flush())
	require.Len(t, counter.writes, 1)
	assert.Equal(t, ioRecord{0, 2 * testSector}, counter.writes[0])

	assert.Equal(t, first, backing[:testSector])
	assert.Equal(t, second, backing[testSector:2*testSector])
}

func TestBufferReadAfterWrite(t *testing.T) {
	buf, _, _ := newTestBuffer(t, 64*testSector, 8*testSector, 4*testSector)

	payload := make([]byte, 3*testSector)
	rand.Read(payload)

	_, err := ForceWriteAt(buf, payload, 0)
	require.NoError(t, err)

	// Writes are visible to reads on the same stack before any flush.
	got := make([]byte, len(payload))
	n, err := ForceReadAt(buf, got, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	assert.Equal(t, payload, got)
}

func TestBufferPartialCylinderWriteKeepsData(t *testing.T) {
	// A small write in the middle of a cylinder must not clobber the
	// sectors around it.
	backing := make([]byte, 64*testSector)
	for i := range backing {
		backing[i] = byte(i)
	}
	counter := newCountingStream(OpenMemory(backing))
	buf, err := NewBuffer(counter, 8*testSector, 4*testSector, testSector)
	require.NoError(t, err)

	patch := bytes.Repeat([]byte{0xEE}, 16)
	n, err := buf.WriteAt(patch, 100)
	require.NoError(t, err)
	require.Equal(t, len(patch), n)
	require.NoError(t, buf.Flush())

	for i := 0; i < 100; i++ {
		require.Equal(t, byte(i), backing[i], "byte %d before the patch changed", i)
	}
	assert.Equal(t, patch, backing[100:116])
	for i := 116; i < 2*testSector; i++ {
		require.Equal(t, byte(i), backing[i], "byte %d after the patch changed", i)
	}
}

func TestBufferFlushKeepsWindowValid(t *testing.T) {
	buf, counter, _ := newTestBuffer(t, 64*testSector, 8*testSector, 4*testSector)

	payload := bytes.Repeat([]byte{0x42}, testSector)
	_, err := buf.WriteAt(payload, 0)
	require.NoError(t, err)
	require.NoError(t, buf.Flush())

	// A read of the flushed range must be served from the window, not the
	// medium.
	counter.reads = nil
	got := make([]byte, testSector)
	_, err = buf.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Empty(t, counter.reads)
}

func TestBufferOutsideInvalidatesAndFlushes(t *testing.T) {
	buf, counter, backing := newTestBuffer(t, 256*testSector, 8*testSector, 4*testSector)

	_, err := buf.WriteAt(bytes.Repeat([]byte{0x01}, testSector), 0)
	require.NoError(t, err)

	// Jumping far away flushes the dirty window first.
	_, err = buf.WriteAt(bytes.Repeat([]byte{0x02}, testSector), 128*testSector)
	require.NoError(t, err)
	require.Len(t, counter.writes, 1)
	assert.Equal(t, ioRecord{0, testSector}, counter.writes[0])
	assert.Equal(t, byte(0x01), backing[0])

	require.NoError(t, buf.Flush())
	assert.Equal(t, byte(0x02), backing[128*testSector])
}

func TestForceReadAtRetriesShortReads(t *testing.T) {
	// The buffer layer itself produces short reads at cylinder boundaries;
	// ForceReadAt must stitch them together.
	buf, _, backing := newTestBuffer(t, 8*testSector, 4*testSector, 2*testSector)
	rand.Read(backing)

	got := make([]byte, 6*testSector)
	n, err := ForceReadAt(buf, got, 0)
	require.NoError(t, err)
	require.Equal(t, len(got), n)
	assert.Equal(t, backing[:len(got)], got)
}
