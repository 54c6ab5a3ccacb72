package fat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOldDosTableLoaded(t *testing.T) {
	require.Len(t, oldDosFormats, 8)
}

func TestOldDosByMedia(t *testing.T) {
	f := OldDosByMedia(0xFD)
	require.NotNil(t, f)
	assert.Equal(t, uint32(40), f.Tracks)
	assert.Equal(t, uint16(9), f.Sectors)
	assert.Equal(t, uint16(2), f.Heads)
	assert.Equal(t, uint16(7), f.DirLen)
	assert.Equal(t, uint8(2), f.ClusterSize)
	assert.Equal(t, uint32(2), f.FatLen)

	assert.Nil(t, OldDosByMedia(0xF7))

	// 0xF9 is ambiguous (720K and 1.2M); the first row wins.
	f = OldDosByMedia(0xF9)
	require.NotNil(t, f)
	assert.Equal(t, uint16(9), f.Sectors)
}

func TestOldDosBySize(t *testing.T) {
	f := OldDosBySize(1440)
	require.NotNil(t, f)
	assert.Equal(t, uint16(18), f.Sectors)
	assert.Equal(t, uint32(80), f.Tracks)

	f = OldDosBySize(360)
	require.NotNil(t, f)
	assert.Equal(t, uint16(9), f.Sectors)
	assert.Equal(t, uint16(2), f.Heads)

	assert.Nil(t, OldDosBySize(1000))
}

func TestOldDosByParams(t *testing.T) {
	// Wildcards match the 2.88M format.
	f := OldDosByParams(80, 2, 36, 0, 0)
	require.NotNil(t, f)
	assert.Equal(t, uint8(0xF0), f.Media.byte())

	// A conflicting cluster size rules the preset out.
	assert.Nil(t, OldDosByParams(80, 2, 36, 0, 1))
	assert.Nil(t, OldDosByParams(81, 2, 36, 0, 0))
}
