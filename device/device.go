// Package device holds the descriptor that configures how an image or raw
// medium is opened and interpreted. It is the only configuration surface the
// stream stack and the FAT engine consume; command front-ends fill one in
// from flags and hand it down.
package device

// MiscFlags is a bitset of per-device capabilities.
type MiscFlags uint32

const (
	// Privileged devices require elevated privileges for open. Privilege
	// juggling itself happens outside this module.
	Privileged = MiscFlags(1 << iota)
	// NoLock disables the advisory device lock.
	NoLock
	// SCSI selects the SCSI pass-through open path.
	SCSI
	// UseXDF prefers the XDF terminal layer.
	UseXDF
	// FormatOnly marks geometry fields as advisory; existing media is not
	// checked against them.
	FormatOnly
	// Vold translates the device name through the host volume manager.
	Vold
	// Floppyd selects the remote floppyd terminal layer.
	Floppyd
	// Filter presents the input as a pre-convertible byte stream.
	Filter
	// Swap interposes the byte-swap layer on top of the terminal layer.
	Swap
)

func (f MiscFlags) Has(flag MiscFlags) bool {
	return f&flag != 0
}

// Descriptor describes one drive definition: where the medium lives, its
// geometry, and what filesystem parameters the caller wants. Zero values
// mean "not specified"; Openers and the format planner fill in the rest.
type Descriptor struct {
	// Drive is the DOS drive letter this definition answers to.
	Drive byte
	// Name is the image path or device node.
	Name string

	Flags MiscFlags

	// CHS geometry. Any of these may be zero when unknown.
	Heads   uint16
	Sectors uint16
	Tracks  uint32

	// Hidden is the count of hidden sectors preceding the filesystem.
	Hidden uint32
	// Offset shifts all I/O by a fixed byte count (offset layer).
	Offset int64
	// Partition selects a primary MBR partition, 1 through 4. Zero means
	// the medium is unpartitioned.
	Partition int

	// TotSectors is the total sector count. Zero means derive it from the
	// image size or device geometry.
	TotSectors uint32
	// SectorSize overrides the 512-byte default.
	SectorSize uint16
	// Blocksize is the minimum transfer unit of the medium.
	Blocksize uint32

	// FatBits is the requested FAT width: 0 means auto, negative means
	// "preferred, but the planner may change it".
	FatBits int
	// Codepage selects the DOS codepage for shortname conversion.
	Codepage int
	// DataMap configures the remap layer ("1440,zero64,5120").
	DataMap string
	// Precmd is run before the device is opened. Execution is the front
	// end's business; the descriptor only carries the string.
	Precmd string
}

// SetInt fills *target with value only if value is non-zero. Mirrors how
// command-line overrides are merged into a drive definition.
func SetInt[T uint16 | uint32 | int](target *T, value T) {
	if value != 0 {
		*target = value
	}
}

// CylinderSize returns the size of one cylinder in sectors, or 0 when the
// geometry is not known.
func (d *Descriptor) CylinderSize() uint32 {
	return uint32(d.Heads) * uint32(d.Sectors)
}

// AdjustTotSectors shrinks TotSectors by the given byte offset. Used by the
// offset and remap layers, which consume part of the raw medium. Returns
// false if the offset lies beyond the image.
func (d *Descriptor) AdjustTotSectors(offset int64) bool {
	if d.TotSectors == 0 {
		// Not yet known, nothing to adjust.
		return true
	}
	sectorSize := int64(d.SectorSize)
	if sectorSize == 0 {
		sectorSize = 512
	}
	offSectors := offset / sectorSize
	if offSectors > 0 && int64(d.TotSectors) < offSectors {
		return false
	}
	d.TotSectors -= uint32(offSectors)
	return true
}
