package dosdisk_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dosdisk "github.com/dosdisk/dosdisk"
	"github.com/dosdisk/dosdisk/device"
	"github.com/dosdisk/dosdisk/fat"
	"github.com/dosdisk/dosdisk/mbr"
	"github.com/dosdisk/dosdisk/streams"
)

func TestFormatCopyReadBack(t *testing.T) {
	image := filepath.Join(t.TempDir(), "disk.img")

	dev := &device.Descriptor{Tracks: 80, Heads: 2, Sectors: 18}
	fs, err := dosdisk.FormatImage(image, dev, fat.FormatOptions{
		Create: true,
		Label:  "APITEST",
	})
	require.NoError(t, err)

	root, err := fs.OpenRoot()
	require.NoError(t, err)

	entry, err := fs.CreateEntry(root, "README.TXT", fat.AttrArchive)
	require.NoError(t, err)
	file := fs.OpenNewFile(entry)
	payload := bytes.Repeat([]byte("dosdisk "), 700)
	_, err = streams.ForceWriteAt(file, payload, 0)
	require.NoError(t, err)
	require.NoError(t, file.SetFileSize(uint32(len(payload))))
	require.NoError(t, file.Close())
	require.NoError(t, root.Close())
	require.NoError(t, fs.Close())

	// Reopen read-only through the public entry point.
	fs, err = dosdisk.OpenImage(image, false)
	require.NoError(t, err)
	defer fs.Close()

	root, err = fs.OpenRoot()
	require.NoError(t, err)
	defer root.Close()

	label, err := fs.Label(root)
	require.NoError(t, err)
	assert.Equal(t, "APITEST", label)

	found, err := fs.Lookup(root, "README.TXT")
	require.NoError(t, err)
	stream, err := fs.OpenFileByEntry(found)
	require.NoError(t, err)
	defer stream.Close()

	got := make([]byte, len(payload))
	n, err := streams.ForceReadAt(stream, got, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	assert.Equal(t, payload, got)
}

func TestOpenDeviceWithPartition(t *testing.T) {
	// A filesystem inside primary partition 1 of a partitioned image:
	// formatted through the offset layer, then opened back through the
	// partition layer.
	image := filepath.Join(t.TempDir(), "parted.img")

	const partStart, partLen = 2048, 40960
	dev := &device.Descriptor{
		Name:       image,
		Offset:     partStart * 512,
		TotSectors: partStart + partLen,
	}
	fs, err := fat.Format(dev, fat.FormatOptions{Create: true})
	require.NoError(t, err)
	formattedBits := fs.FatBits()
	require.NoError(t, fs.Close())

	// Drop an MBR in front of it so it can be found as a partition too.
	img, err := streams.OpenImage(nil, image, os.O_RDWR)
	require.NoError(t, err)
	sector := make([]byte, 512)
	table := &mbr.Table{}
	require.NoError(t, table.Entries[1].SetBeginEnd(
		partStart, partStart+partLen, 16, 63, true, 0, formattedBits))
	require.NoError(t, table.WriteSector(sector))
	_, err = streams.ForceWriteAt(img, sector, 0)
	require.NoError(t, err)
	require.NoError(t, img.Close())

	opened, err := dosdisk.OpenDevice(&device.Descriptor{
		Name:      image,
		Partition: 1,
	}, false)
	require.NoError(t, err)
	defer opened.Close()

	assert.Equal(t, formattedBits, opened.FatBits())
	free, err := opened.GetFree()
	require.NoError(t, err)
	assert.Greater(t, free, int64(0))
}
