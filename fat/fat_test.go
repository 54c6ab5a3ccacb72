package fat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosdisk/dosdisk/errors"
)

func TestFatAppendAndDecode(t *testing.T) {
	fs, _ := formatFloppy(t)
	defer fs.Close()

	require.NoError(t, fs.FatAllocate(2, fs.endFat))
	require.NoError(t, fs.FatAppend(2, 3))

	v, err := fs.FatDecode(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), v)
	v, err = fs.FatDecode(3)
	require.NoError(t, err)
	assert.Equal(t, fs.endFat, v)
}

func TestFatDeallocateFreesChain(t *testing.T) {
	fs, _ := formatFloppy(t)
	defer fs.Close()

	// Build 5 -> 6 -> 7 -> end, then tear it down.
	require.NoError(t, fs.FatAllocate(5, 6))
	require.NoError(t, fs.FatAllocate(6, 7))
	require.NoError(t, fs.FatAllocate(7, fs.endFat))

	require.NoError(t, fs.FatDeallocate(5))

	for _, clu := range []uint32{5, 6, 7} {
		v, err := fs.FatDecode(clu)
		require.NoError(t, err)
		assert.Equal(t, uint32(0), v, "cluster %d not freed", clu)
	}
}

func TestFat12OddEvenPacking(t *testing.T) {
	fs, _ := formatFloppy(t)
	defer fs.Close()

	// Adjacent 12-bit entries share a byte; writing one must not disturb
	// the other.
	require.NoError(t, fs.FatEncode(2, 0xABC))
	require.NoError(t, fs.FatEncode(3, 0x123))

	v, err := fs.FatDecode(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xABC), v)
	v, err = fs.FatDecode(3)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x123), v)
}

func TestFat12SectorStraddle(t *testing.T) {
	fs, _ := formatFloppy(t)
	defer fs.Close()

	// Entry 341 starts at FAT byte 511 and spills into the second FAT
	// sector; the codec must fetch both halves through the cache.
	const straddler = 341
	require.NoError(t, fs.FatEncode(straddler, 0x5A5))
	require.NoError(t, fs.FatEncode(straddler-1, 0xE0E))
	require.NoError(t, fs.FatEncode(straddler+1, 0x171))

	v, err := fs.FatDecode(straddler)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x5A5), v)
	v, err = fs.FatDecode(straddler - 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xE0E), v)
	v, err = fs.FatDecode(straddler + 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x171), v)
}

func TestFatWriteUpdatesAllCopies(t *testing.T) {
	fs, _ := formatFloppy(t)
	require.NoError(t, fs.FatEncode(9, 0x321))
	require.NoError(t, fs.Flush())

	// Both FAT copies carry the new entry. Entry 9 is odd and lives at
	// byte offset 13 within each FAT (9 * 3 / 2 = 13): 0x321 encodes as
	// 0x10 0x32 on top of a zero neighbor.
	fatOffset := fs.SectorsToBytes(uint32(fs.fatStart))
	secondFat := fs.SectorsToBytes(uint32(fs.fatStart) + fs.fatLen)
	want := []byte{0x10, 0x32}
	buf := make([]byte, 2)
	_, err := fs.ReadAt(buf, fatOffset+13)
	require.NoError(t, err)
	assert.Equal(t, want, buf)
	_, err = fs.ReadAt(buf, secondFat+13)
	require.NoError(t, err)
	assert.Equal(t, want, buf)
	require.NoError(t, fs.Close())
}

func TestGetNextFreeClusterWraps(t *testing.T) {
	fs, _ := formatFloppy(t)
	defer fs.Close()

	require.NoError(t, fs.FatAllocate(3, fs.endFat))

	// Scanning from 2 skips the allocated cluster 3.
	next, err := fs.GetNextFreeCluster(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), next)

	// Scanning from the end wraps around to the low clusters.
	next, err = fs.GetNextFreeCluster(fs.numClus + 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), next)
}

func TestLoopDetectionTerminates(t *testing.T) {
	fs, _ := formatFloppy(t)
	defer fs.Close()

	// A three-cluster ring: 5 -> 6 -> 7 -> 5.
	require.NoError(t, fs.FatEncode(5, 6))
	require.NoError(t, fs.FatEncode(6, 7))
	require.NoError(t, fs.FatEncode(7, 5))

	// The chain counter must terminate rather than spin.
	decodes := 0
	innerDecode := fs.fatDecode
	fs.fatDecode = func(pos uint32) (uint32, error) {
		decodes++
		return innerDecode(pos)
	}
	fs.countClusters(5)
	assert.LessOrEqual(t, decodes, 20, "walked too long before loop detection")
}

func TestLoopDetectedReadFails(t *testing.T) {
	fs, _ := formatFloppy(t)
	defer fs.Close()

	require.NoError(t, fs.FatEncode(5, 6))
	require.NoError(t, fs.FatEncode(6, 7))
	require.NoError(t, fs.FatEncode(7, 5))

	entry := &DirEntry{Rec: MakeRecord(
		[8]byte{'L', 'O', 'O', 'P', 'Y', ' ', ' ', ' '},
		[3]byte{'B', 'I', 'N'},
		AttrArchive, 5, 512*1024, nowFunc())}
	file := fs.internalFileOpen(5, 512*1024, entry)
	defer file.Close()

	buf := make([]byte, 4096)
	var off int64
	var err error
	for i := 0; i < 10000; i++ {
		var n int
		n, err = file.ReadAt(buf, off)
		if n <= 0 {
			break
		}
		off += int64(n)
	}
	assert.ErrorIs(t, err, errors.ErrLoopDetected)
}

func TestPreallocationAccounting(t *testing.T) {
	fs, _ := formatFloppy(t)
	defer fs.Close()

	before, err := fs.GetFree()
	require.NoError(t, err)
	saved := fs.preallocatedClusters

	const n = 8
	require.NoError(t, fs.PreallocateClusters(n))
	held, err := fs.GetFree()
	require.NoError(t, err)
	assert.Equal(t, before-int64(n)*int64(fs.ClusterBytes()), held,
		"free space must shrink by the reservation")

	fs.ReleasePreallocatedClusters(n)
	assert.Equal(t, saved, fs.preallocatedClusters)
	after, err := fs.GetFree()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPreallocationRefusedWhenFull(t *testing.T) {
	fs, _ := formatFloppy(t)
	defer fs.Close()

	err := fs.PreallocateClusters(fs.numClus + 1)
	assert.ErrorIs(t, err, errors.ErrNoSpace)
}

func TestZeroFatReservedEntries(t *testing.T) {
	fs, _ := formatFloppy(t)
	defer fs.Close()

	v, err := fs.FatDecode(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFF0), v)
	v, err = fs.FatDecode(1)
	require.NoError(t, err)
	assert.Equal(t, fs.endFat, v)
}
