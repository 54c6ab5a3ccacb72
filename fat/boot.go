package fat

// On-disk boot sector. The BIOS parameter block is read and written through
// offset-based accessors over the raw sector bytes, because half the fields
// are unaligned and the FAT32 extension overlays the FAT12/16 label block.

import (
	"encoding/binary"
	"fmt"

	"github.com/noxer/bytewriter"
)

const (
	// BootSize is how much of the boot sector we read before the real
	// sector size is known.
	BootSize = 512
	// MaxBootSize bounds the in-memory copy of the boot sector.
	MaxBootSize = 4096
	// MaxSector is the largest sector size the engine accepts.
	MaxSector = 8192
)

// Byte offsets within the boot sector.
const (
	bootJump       = 0  // 3 bytes
	bootBanner     = 3  // 8 bytes
	bootSecsiz     = 11 // u16
	bootClsiz      = 13 // u8
	bootNrsvsect   = 14 // u16
	bootNfat       = 16 // u8
	bootDirents    = 17 // u16
	bootPsect      = 19 // u16
	bootDescr      = 21 // u8, media byte
	bootFatlen     = 22 // u16
	bootNsect      = 24 // u16
	bootNheads     = 26 // u16
	bootNhs        = 28 // u32, hidden sectors
	bootBigsect    = 32 // u32
	bootExt        = 36 // FAT32 extension or FAT12/16 label block
	fat32BigFat    = 36 // u32
	fat32ExtFlags  = 40 // u16
	fat32FsVersion = 42 // u16
	fat32RootClus  = 44 // u32
	fat32InfoSect  = 48 // u16
	fat32BackupBoot = 50 // u16
	fat32LabelBlock = 64

	labelPhysdrive = 0 // offsets within a label block
	labelReserved  = 1
	labelDos4      = 2 // 0x29 when the block is valid
	labelSerial    = 3  // u32
	labelLabel     = 7  // 11 bytes
	labelFatType   = 18 // 8 bytes
	labelBlockSize = 26
)

// BootSector is an in-memory copy of sector 0.
type BootSector struct {
	Bytes [MaxBootSize]byte
}

func (b *BootSector) word(off int) uint16 {
	return binary.LittleEndian.Uint16(b.Bytes[off:])
}

func (b *BootSector) dword(off int) uint32 {
	return binary.LittleEndian.Uint32(b.Bytes[off:])
}

func (b *BootSector) setWord(off int, v uint16) {
	binary.LittleEndian.PutUint16(b.Bytes[off:], v)
}

func (b *BootSector) setDword(off int, v uint32) {
	binary.LittleEndian.PutUint32(b.Bytes[off:], v)
}

func (b *BootSector) SectorSize() uint16  { return b.word(bootSecsiz) }
func (b *BootSector) ClusterSize() uint8  { return b.Bytes[bootClsiz] }
func (b *BootSector) ReservedSectors() uint16 { return b.word(bootNrsvsect) }
func (b *BootSector) NumFat() uint8       { return b.Bytes[bootNfat] }
func (b *BootSector) DirEntries() uint16  { return b.word(bootDirents) }
func (b *BootSector) Descr() uint8        { return b.Bytes[bootDescr] }
func (b *BootSector) FatLen() uint16      { return b.word(bootFatlen) }
func (b *BootSector) Nsect() uint16       { return b.word(bootNsect) }
func (b *BootSector) Nheads() uint16      { return b.word(bootNheads) }
func (b *BootSector) Hidden() uint32      { return b.dword(bootNhs) }

// TotSectors is the 16-bit count, or the 32-bit one when that is zero.
func (b *BootSector) TotSectors() uint32 {
	if psect := b.word(bootPsect); psect != 0 {
		return uint32(psect)
	}
	return b.dword(bootBigsect)
}

func (b *BootSector) BigFatLen() uint32   { return b.dword(fat32BigFat) }
func (b *BootSector) ExtFlags() uint16    { return b.word(fat32ExtFlags) }
func (b *BootSector) RootCluster() uint32 { return b.dword(fat32RootClus) }
func (b *BootSector) InfoSector() uint16  { return b.word(fat32InfoSect) }
func (b *BootSector) BackupBoot() uint16  { return b.word(fat32BackupBoot) }

func (b *BootSector) SetSectorSize(v uint16)  { b.setWord(bootSecsiz, v) }
func (b *BootSector) SetClusterSize(v uint8)  { b.Bytes[bootClsiz] = v }
func (b *BootSector) SetReservedSectors(v uint16) { b.setWord(bootNrsvsect, v) }
func (b *BootSector) SetNumFat(v uint8)       { b.Bytes[bootNfat] = v }
func (b *BootSector) SetDirEntries(v uint16)  { b.setWord(bootDirents, v) }
func (b *BootSector) SetDescr(v uint8)        { b.Bytes[bootDescr] = v }
func (b *BootSector) SetFatLen(v uint16)      { b.setWord(bootFatlen, v) }
func (b *BootSector) SetNsect(v uint16)       { b.setWord(bootNsect, v) }
func (b *BootSector) SetNheads(v uint16)      { b.setWord(bootNheads, v) }

// SetTotSectors stores small counts in the 16-bit field and large ones in
// the 32-bit field, along with the matching width for hidden sectors.
func (b *BootSector) SetTotSectors(tot uint32, hidden uint32) {
	if tot <= 0xFFFF && hidden <= 0xFFFF {
		b.setWord(bootPsect, uint16(tot))
		b.setDword(bootBigsect, 0)
		b.setWord(bootNhs, uint16(hidden))
	} else {
		b.setWord(bootPsect, 0)
		b.setDword(bootBigsect, tot)
		b.setDword(bootNhs, hidden)
	}
}

func (b *BootSector) SetBigFatLen(v uint32)   { b.setDword(fat32BigFat, v) }
func (b *BootSector) SetExtFlags(v uint16)    { b.setWord(fat32ExtFlags, v) }
func (b *BootSector) SetFsVersion(v uint16)   { b.setWord(fat32FsVersion, v) }
func (b *BootSector) SetRootCluster(v uint32) { b.setDword(fat32RootClus, v) }
func (b *BootSector) SetInfoSector(v uint16)  { b.setWord(fat32InfoSect, v) }
func (b *BootSector) SetBackupBoot(v uint16)  { b.setWord(fat32BackupBoot, v) }

// labelBlockOffset is where the label block sits: FAT32 moved it to make
// room for the extended BPB.
func (b *BootSector) labelBlockOffset() int {
	if b.FatLen() != 0 {
		return bootExt
	}
	return fat32LabelBlock
}

// HasBPB4 reports whether the DOS 4 extension (serial number and label) is
// present.
func (b *BootSector) HasBPB4() bool {
	return b.Bytes[b.labelBlockOffset()+labelDos4] == 0x29
}

func (b *BootSector) Serial() uint32 {
	return b.dword(b.labelBlockOffset() + labelSerial)
}

func (b *BootSector) Label() string {
	off := b.labelBlockOffset() + labelLabel
	return string(b.Bytes[off : off+11])
}

// WriteLabelBlock fills in the DOS 4 label block for a freshly formatted
// filesystem.
func (b *BootSector) WriteLabelBlock(fatBits int, serial uint32, label string) {
	off := b.labelBlockOffset()
	block := b.Bytes[off : off+labelBlockSize]
	w := bytewriter.New(block)
	w.Write([]byte{0x00, 0x00, 0x29})
	binary.Write(w, binary.LittleEndian, serial)
	padded := label
	for len(padded) < 11 {
		padded += " "
	}
	w.Write([]byte(padded[:11]))
	w.Write([]byte(fmt.Sprintf("FAT%2.2d   ", fatBits)[:8]))
}

// SetSignature writes the 0x55 0xAA marker at offsets 510-511.
func (b *BootSector) SetSignature() {
	b.Bytes[510] = 0x55
	b.Bytes[511] = 0xAA
}

func (b *BootSector) HasSignature() bool {
	return b.Bytes[510] == 0x55 && b.Bytes[511] == 0xAA
}

// SetJump installs the conventional entry jump and OEM banner.
func (b *BootSector) SetJump(banner string) {
	b.Bytes[0] = 0xEB
	b.Bytes[1] = 0
	b.Bytes[2] = 0x90
	padded := banner
	for len(padded) < 8 {
		padded += " "
	}
	copy(b.Bytes[bootBanner:bootBanner+8], padded[:8])
}
