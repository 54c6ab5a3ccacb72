package fat

// "LBA assist" geometry: when only a total sector count is known, invent a
// CHS geometry that BIOSes and partition tables can live with.

import "github.com/dosdisk/dosdisk/device"

// ComputeLBAGeometry fills in heads, sectors and tracks from TotSectors.
// A descriptor with all three already set is left alone. Otherwise the
// floppy sizes may overwrite fields that were set, and the general path
// replaces heads and sectors together when either of them is zero.
func ComputeLBAGeometry(dev *device.Descriptor) {
	if dev.Heads != 0 && dev.Sectors != 0 && dev.Tracks != 0 {
		return
	}
	if dev.TotSectors == 0 {
		// Hopefully the size is still specified somewhere that will be
		// read at a later stage.
		return
	}

	// Floppy sizes, allowing for non-standard formats with slightly more
	// sectors per track than the default.
	if dev.TotSectors <= 8640 && dev.TotSectors%40 == 0 {
		switch {
		case dev.TotSectors <= 540:
			// Double density 48tpi single sided.
			dev.Tracks = 40
			dev.Heads = 1
		case dev.TotSectors <= 1080:
			// Double density 48tpi double sided or 96tpi single sided.
			if dev.Heads == 1 {
				dev.Tracks = 80
			} else {
				dev.Tracks = 40
				dev.Heads = 2
			}
		default:
			// Double density 96tpi double sided, high or extra density.
			dev.Tracks = 80
			dev.Heads = 2
		}
		dev.Sectors = uint16(dev.TotSectors / uint32(dev.Heads) / dev.Tracks)
		return
	}

	if dev.Sectors == 0 || dev.Heads == 0 {
		dev.Sectors = 63
		switch {
		case dev.TotSectors < 16*uint32(dev.Sectors)*1024:
			dev.Heads = 16
		case dev.TotSectors < 32*uint32(dev.Sectors)*1024:
			dev.Heads = 32
		case dev.TotSectors < 64*uint32(dev.Sectors)*1024:
			dev.Heads = 64
		case dev.TotSectors < 128*uint32(dev.Sectors)*1024:
			dev.Heads = 128
		default:
			dev.Heads = 255
		}
	}

	if dev.Tracks == 0 {
		sectPerTrack := uint32(dev.Heads) * uint32(dev.Sectors)
		dev.Tracks = (dev.TotSectors + sectPerTrack - 1) / sectPerTrack
	}
}
