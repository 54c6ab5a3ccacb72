package mbr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRejectsMissingSignature(t *testing.T) {
	_, err := ParseSector(make([]byte, 512))
	assert.Error(t, err)
}

func TestWriteParseRoundTrip(t *testing.T) {
	table := &Table{}
	require.NoError(t,
		table.Entries[1].SetBeginEnd(2048, 4048, 16, 63, true, 0, 16))
	require.NoError(t,
		table.Entries[2].SetBeginEnd(4048, 6048, 16, 63, false, 0x83, 0))

	sector := make([]byte, 512)
	require.NoError(t, table.WriteSector(sector))
	assert.Equal(t, byte(0x55), sector[510])
	assert.Equal(t, byte(0xAA), sector[511])

	parsed, err := ParseSector(sector)
	require.NoError(t, err)
	assert.Equal(t, uint32(2048), parsed.Entries[1].Begin())
	assert.Equal(t, uint32(2000), parsed.Entries[1].NrSects)
	assert.Equal(t, uint8(0x80), parsed.Entries[1].BootInd)
	assert.Equal(t, uint8(0x83), parsed.Entries[2].SysInd)
	assert.Equal(t, uint8(0), parsed.Entries[2].BootInd)
}

func TestCHSEncoding(t *testing.T) {
	// Sector 2048 with 16 heads and 63 sectors per track: cylinder 2,
	// head 0, sector 33.
	chs := setOffset(2048, 16, 63)
	assert.Equal(t, uint16(2), chs.Cylinder())
	assert.Equal(t, uint8(0), chs.Head)
	assert.Equal(t, uint8(33), chs.SectorNumber())

	// Cylinders clamp at 1023.
	chs = setOffset(255*63*1024+5000, 255, 63)
	assert.Equal(t, uint16(1023), chs.Cylinder())

	// Unknown geometry falls back to linear mode.
	assert.Equal(t, CHS{}, setOffset(2048, 0, 0))
}

func TestAutoType(t *testing.T) {
	assert.Equal(t, uint8(0x0C), AutoType(2048, 1000000, 255, 63, 32))
	assert.Equal(t, uint8(0x01), AutoType(0, 2000, 2, 18, 12))
	assert.Equal(t, uint8(0x04), AutoType(0, 60000, 16, 63, 16))
	// Below 1024 cylinders: plain FAT16.
	assert.Equal(t, uint8(0x06), AutoType(0, 100000, 16, 63, 16))
	// Beyond CHS reach: LBA.
	assert.Equal(t, uint8(0x0E), AutoType(0, 64*63*1024+100, 64, 63, 16))
	// Unknown FAT bits are estimated from the size.
	assert.Equal(t, uint8(0x01), AutoType(0, 2000, 2, 18, 0))
	assert.Equal(t, uint8(0x04), AutoType(0, 30000, 16, 63, 0))
}

func TestConsistencyCheckFindsOverlap(t *testing.T) {
	table := &Table{}
	table.Entries[1] = Entry{SysInd: 0x06, StartSect: 100, NrSects: 1000, BootInd: 0x80}
	table.Entries[2] = Entry{SysInd: 0x06, StartSect: 900, NrSects: 1000}

	warnings, active, inconsistent := table.ConsistencyCheck(0)
	assert.True(t, inconsistent)
	assert.Equal(t, 1, active)
	require.NotEmpty(t, warnings)
	assert.Contains(t, warnings[0], "overlap")
}

func TestConsistencyCheckBeyondDisk(t *testing.T) {
	table := &Table{}
	table.Entries[1] = Entry{SysInd: 0x06, StartSect: 100, NrSects: 1000}

	warnings, _, inconsistent := table.ConsistencyCheck(500)
	assert.False(t, inconsistent)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "beyond end of disk")
}

func TestConsistencyCheckCleanTable(t *testing.T) {
	table := &Table{}
	table.Entries[1] = Entry{SysInd: 0x06, StartSect: 100, NrSects: 400, BootInd: 0x80}
	table.Entries[2] = Entry{SysInd: 0x06, StartSect: 500, NrSects: 500}

	warnings, active, inconsistent := table.ConsistencyCheck(1000)
	assert.Empty(t, warnings)
	assert.Equal(t, 1, active)
	assert.False(t, inconsistent)
}
