// Package dosdisk manipulates MS-DOS FAT12/16/32 filesystems inside image
// files and on raw media, without mounting them: a user-space
// reimplementation of the classic mtools core. The heavy lifting lives in
// the subpackages; this package bundles the entry points command front-ends
// and library users start from.
package dosdisk

import (
	"os"

	"github.com/dosdisk/dosdisk/device"
	"github.com/dosdisk/dosdisk/fat"
)

// OpenImage opens the FAT filesystem in an image file or on a device.
func OpenImage(name string, writable bool) (*fat.Fs, error) {
	dev := &device.Descriptor{Name: name}
	return OpenDevice(dev, writable)
}

// OpenDevice opens a filesystem described by a full device descriptor,
// honoring its partition, offset, remapping and byte-swap settings.
func OpenDevice(dev *device.Descriptor, writable bool) (*fat.Fs, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	return fat.Init(dev, flag)
}

// FormatImage creates a FAT filesystem in the named image file.
func FormatImage(name string, dev *device.Descriptor, opts fat.FormatOptions) (*fat.Fs, error) {
	dev.Name = name
	return fat.Format(dev, opts)
}
