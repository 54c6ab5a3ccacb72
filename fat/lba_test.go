package fat

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dosdisk/dosdisk/device"
)

func TestLBAGeometryFloppySizes(t *testing.T) {
	dev := &device.Descriptor{TotSectors: 2880}
	ComputeLBAGeometry(dev)
	assert.Equal(t, uint16(2), dev.Heads)
	assert.Equal(t, uint32(80), dev.Tracks)
	assert.Equal(t, uint16(18), dev.Sectors)

	dev = &device.Descriptor{TotSectors: 360}
	ComputeLBAGeometry(dev)
	assert.Equal(t, uint16(1), dev.Heads)
	assert.Equal(t, uint32(40), dev.Tracks)
	assert.Equal(t, uint16(9), dev.Sectors)
}

func TestLBAGeometryHardDisk(t *testing.T) {
	dev := &device.Descriptor{TotSectors: 1 << 20} // 512 MB
	ComputeLBAGeometry(dev)
	assert.Equal(t, uint16(63), dev.Sectors)
	assert.Equal(t, uint16(32), dev.Heads)
	assert.LessOrEqual(t, dev.Tracks, uint32(1024))

	// Big disks saturate at 255 heads.
	dev = &device.Descriptor{TotSectors: 200 * 1024 * 1024 * 2}
	ComputeLBAGeometry(dev)
	assert.Equal(t, uint16(255), dev.Heads)
}

func TestLBAGeometryKeepsExplicitValues(t *testing.T) {
	dev := &device.Descriptor{TotSectors: 2880, Heads: 4, Sectors: 9, Tracks: 80}
	ComputeLBAGeometry(dev)
	assert.Equal(t, uint16(4), dev.Heads)
	assert.Equal(t, uint16(9), dev.Sectors)
	assert.Equal(t, uint32(80), dev.Tracks)
}
