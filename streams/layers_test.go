package streams

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosdisk/dosdisk/device"
	"github.com/dosdisk/dosdisk/errors"
	"github.com/dosdisk/dosdisk/mbr"
)

func TestImageRoundTrip(t *testing.T) {
	img := OpenMemory(make([]byte, 16*testSector))

	payload := make([]byte, 3*testSector)
	rand.Read(payload)

	n, err := ForceWriteAt(img, payload, 2*testSector)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, img.Flush())

	got := make([]byte, len(payload))
	n, err = ForceReadAt(img, got, 2*testSector)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	assert.Equal(t, payload, got)
}

func TestOffsetInvariance(t *testing.T) {
	backing := make([]byte, 32*testSector)
	rand.Read(backing)

	const shift = 5 * testSector
	dev := &device.Descriptor{TotSectors: 32, SectorSize: testSector}
	off, err := OpenOffset(OpenMemory(backing), dev, shift, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(27), dev.TotSectors)

	got := make([]byte, 2*testSector)
	n, err := ForceReadAt(off, got, 3*testSector)
	require.NoError(t, err)
	require.Equal(t, len(got), n)
	assert.Equal(t, backing[shift+3*testSector:shift+5*testSector], got)
}

func TestOffsetBeyondImage(t *testing.T) {
	dev := &device.Descriptor{TotSectors: 4, SectorSize: testSector}
	_, err := OpenOffset(OpenMemory(make([]byte, 4*testSector)), dev, 8*testSector, nil)
	assert.Error(t, err)
}

func TestSwapInvolution(t *testing.T) {
	backing := make([]byte, 4*testSector)
	rand.Read(backing)
	original := bytes.Clone(backing)

	// Two swap layers stacked must be the identity.
	twice := OpenSwap(OpenSwap(OpenMemory(backing)))

	got := make([]byte, len(backing))
	_, err := ForceReadAt(twice, got, 0)
	require.NoError(t, err)
	assert.Equal(t, original, got)

	payload := make([]byte, testSector)
	rand.Read(payload)
	_, err = ForceWriteAt(twice, payload, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, backing[:testSector])
}

func TestSwapSwapsWords(t *testing.T) {
	backing := []byte{1, 2, 3, 4}
	s := OpenSwap(OpenMemory(backing))

	got := make([]byte, 4)
	_, err := ForceReadAt(s, got, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 1, 4, 3}, got)
}

func TestRemapZeroSegment(t *testing.T) {
	backing := bytes.Repeat([]byte{0xFF}, 4096)
	dev := &device.Descriptor{DataMap: "512,zero512,1024", SectorSize: 512, TotSectors: 8}
	r, err := OpenRemap(OpenMemory(backing), dev)
	require.NoError(t, err)

	// The first 512 bytes map straight through.
	got := make([]byte, 512)
	_, err = ForceReadAt(r, got, 0)
	require.NoError(t, err)
	assert.Equal(t, backing[:512], got)

	// The zero segment reads as zeroes regardless of the medium.
	_, err = ForceReadAt(r, got, 512)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 512), got)

	// Data after the zero window picks up at the original offset 512.
	_, err = ForceReadAt(r, got, 1024)
	require.NoError(t, err)
	assert.Equal(t, backing[512:1024], got)

	// Zero writes to the zero segment are accepted and discarded...
	n, err := r.WriteAt(make([]byte, 64), 600)
	require.NoError(t, err)
	assert.Equal(t, 64, n)

	// ...but any non-zero byte is refused.
	_, err = r.WriteAt([]byte{0, 0, 1}, 600)
	require.ErrorIs(t, err, errors.ErrProtectedWrite)
}

func TestRemapAdjustsTotSectors(t *testing.T) {
	dev := &device.Descriptor{DataMap: "zero1024,2048", SectorSize: 512, TotSectors: 100}
	_, err := OpenRemap(OpenMemory(make([]byte, 4096)), dev)
	require.NoError(t, err)
	// The zero segment adds 1024 virtual bytes (2 sectors) of nothing.
	assert.Equal(t, uint32(102), dev.TotSectors)
}

// buildPartitionedImage makes an image with one primary partition.
func buildPartitionedImage(t *testing.T, totalSectors, start, length uint32, sysInd uint8) []byte {
	t.Helper()
	backing := make([]byte, totalSectors*512)
	table := &mbr.Table{}
	table.Entries[1] = mbr.Entry{
		SysInd:    sysInd,
		StartSect: start,
		NrSects:   length,
	}
	require.NoError(t, table.WriteSector(backing[:512]))
	return backing
}

func TestPartitionWindowing(t *testing.T) {
	const start, length = 2048, 2000
	backing := buildPartitionedImage(t, 4096, start, length, 0x06)
	// A marker at the first byte of the partition.
	backing[start*512] = 0xAB
	backing[start*512+1] = 0xCD

	dev := &device.Descriptor{Partition: 1}
	p, err := OpenPartition(OpenMemory(backing), dev, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(length), dev.TotSectors)

	got := make([]byte, 2)
	n, err := ForceReadAt(p, got, 0)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	assert.Equal(t, []byte{0xAB, 0xCD}, got)

	// Reads past the partition end return nothing or an error.
	n, _ = p.ReadAt(got, int64(length)*512)
	assert.LessOrEqual(t, n, 0)

	// A straddling read is clipped to the partition.
	buf := make([]byte, 16)
	n, err = p.ReadAt(buf, int64(length)*512-8)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestPartitionRejectsMissingTable(t *testing.T) {
	dev := &device.Descriptor{Partition: 1}
	_, err := OpenPartition(OpenMemory(make([]byte, 4096)), dev, nil)
	assert.ErrorIs(t, err, errors.ErrNoPartitionTable)
}

func TestPartitionRejectsEmptySlot(t *testing.T) {
	backing := buildPartitionedImage(t, 4096, 2048, 2000, 0x06)
	dev := &device.Descriptor{Partition: 2}
	_, err := OpenPartition(OpenMemory(backing), dev, nil)
	assert.Error(t, err)
}
