// Package mbr reads and writes the four-entry primary partition table in a
// Master Boot Record: the 16-byte entry layout, CHS address encoding with
// its 8-bit head and 10-bit cylinder limits, and the cross-entry
// consistency check.
package mbr

import (
	"encoding/binary"
	"fmt"

	"github.com/noxer/bytewriter"

	"github.com/dosdisk/dosdisk/errors"
)

const (
	// TableOffset is where the partition table starts inside sector 0.
	TableOffset = 0x1BE
	// SignatureOffset is where the 0xAA55 boot signature lives.
	SignatureOffset = 510
	// Signature is the little-endian boot signature value.
	Signature = 0xAA55

	entrySize = 16
)

// CHS is a packed cylinder/head/sector address as stored on disk: head,
// sector bits 0-5 with cylinder bits 8-9 folded into bits 6-7, cylinder
// bits 0-7.
type CHS struct {
	Head   uint8
	Sector uint8
	Cyl    uint8
}

func (c CHS) Cylinder() uint16 {
	return uint16(c.Cyl) | (uint16(c.Sector&0xC0) << 2)
}

func (c CHS) SectorNumber() uint8 {
	return c.Sector & 0x3F
}

// setOffset encodes a linear sector number into a CHS address. Addresses
// that do not fit (head > 255) fall back to linear mode, all zeroes;
// cylinders clamp at 1023.
func setOffset(offset uint32, heads, sectors uint16) CHS {
	if heads == 0 || sectors == 0 {
		return CHS{}
	}
	sector := offset % uint32(sectors)
	offset /= uint32(sectors)
	head := offset % uint32(heads)
	offset /= uint32(heads)
	cyl := offset
	if cyl > 1023 {
		cyl = 1023
	}
	if head > 0xFF {
		return CHS{}
	}
	return CHS{
		Head:   uint8(head),
		Sector: uint8((sector+1)&0x3F) | uint8((cyl&0x300)>>2),
		Cyl:    uint8(cyl & 0xFF),
	}
}

// Entry is one primary partition slot.
type Entry struct {
	BootInd   uint8
	Start     CHS
	SysInd    uint8
	End       CHS
	StartSect uint32
	NrSects   uint32
}

// IsAllocated reports whether the slot holds a partition at all.
func (e *Entry) IsAllocated() bool {
	return e.SysInd != 0
}

// Begin is the first sector of the partition.
func (e *Entry) Begin() uint32 {
	return e.StartSect
}

// EndSect is one past the last sector of the partition.
func (e *Entry) EndSect() uint32 {
	return e.StartSect + e.NrSects
}

// Table is the four primary entries of an MBR. Entries are indexed 1-4 to
// match how partitions are numbered everywhere else; index 0 is unused.
type Table struct {
	Entries [5]Entry
}

// ParseSector reads the partition table out of sector 0. The sector must
// carry the 0xAA55 signature.
func ParseSector(sector []byte) (*Table, error) {
	if len(sector) < SignatureOffset+2 {
		return nil, errors.ErrNoPartitionTable.WithMessage("sector too short")
	}
	if binary.LittleEndian.Uint16(sector[SignatureOffset:]) != Signature {
		return nil, errors.ErrNoPartitionTable
	}
	table := &Table{}
	for i := 1; i <= 4; i++ {
		raw := sector[TableOffset+(i-1)*entrySize:]
		table.Entries[i] = Entry{
			BootInd:   raw[0],
			Start:     CHS{Head: raw[1], Sector: raw[2], Cyl: raw[3]},
			SysInd:    raw[4],
			End:       CHS{Head: raw[5], Sector: raw[6], Cyl: raw[7]},
			StartSect: binary.LittleEndian.Uint32(raw[8:]),
			NrSects:   binary.LittleEndian.Uint32(raw[12:]),
		}
	}
	return table, nil
}

// WriteSector encodes the table and signature back into sector 0, leaving
// the bootstrap code area untouched.
func (t *Table) WriteSector(sector []byte) error {
	if len(sector) < SignatureOffset+2 {
		return errors.ErrNoPartitionTable.WithMessage("sector too short")
	}
	w := bytewriter.New(sector[TableOffset : TableOffset+4*entrySize])
	for i := 1; i <= 4; i++ {
		e := &t.Entries[i]
		w.Write([]byte{
			e.BootInd,
			e.Start.Head, e.Start.Sector, e.Start.Cyl,
			e.SysInd,
			e.End.Head, e.End.Sector, e.End.Cyl,
		})
		binary.Write(w, binary.LittleEndian, e.StartSect)
		binary.Write(w, binary.LittleEndian, e.NrSects)
	}
	binary.LittleEndian.PutUint16(sector[SignatureOffset:], Signature)
	return nil
}

// AutoType picks a partition type byte from the partition's extent and the
// filesystem's FAT width, when the caller did not pin one.
func AutoType(begin, end uint32, heads, sectors uint16, fatBits int) uint8 {
	if fatBits == 0 {
		// Rough estimate only; the precise answer would need the cluster
		// count, which is not known here.
		if end-begin < 4096 {
			fatBits = 12
		} else {
			fatBits = 16
		}
	}
	switch {
	case fatBits == 32:
		return 0x0C // Win95 FAT32, LBA
	case end < 65536:
		if fatBits == 12 {
			return 0x01
		}
		return 0x04
	case uint64(end) < uint64(heads)*uint64(sectors)*1024:
		return 0x06
	default:
		return 0x0E
	}
}

// SetBeginEnd fills one entry from a [begin, end) sector range. The type
// byte is auto-detected when typ is zero.
func (e *Entry) SetBeginEnd(
	begin, end uint32,
	heads, sectors uint16,
	activate bool,
	typ uint8,
	fatBits int,
) error {
	if heads > 0xFF {
		return errors.ErrBadOffset.WithMessage(
			fmt.Sprintf("too many heads for partition: %d", heads))
	}
	if sectors > 0xFF {
		return errors.ErrBadOffset.WithMessage(
			fmt.Sprintf("too many sectors for partition: %d", sectors))
	}
	e.Start = setOffset(begin, heads, sectors)
	e.End = setOffset(end-1, heads, sectors)
	e.StartSect = begin
	e.NrSects = end - begin
	if activate {
		e.BootInd = 0x80
	} else {
		e.BootInd = 0
	}
	if typ == 0 {
		typ = AutoType(begin, end, heads, sectors, fatBits)
	}
	e.SysInd = typ
	return nil
}

// overlaps reports whether [start, end) overlaps allocated entry i.
func (t *Table) overlaps(i int, start, end uint32) bool {
	e := &t.Entries[i]
	if !e.IsAllocated() {
		return false
	}
	return end > e.Begin() && (start < e.EndSect() || e.EndSect() < e.Begin())
}

// FindOverlap returns the index of the first entry in 1..until overlapping
// [start, end), or 0 if none does.
func (t *Table) FindOverlap(until int, start, end uint32) int {
	for i := 1; i <= until; i++ {
		if t.overlaps(i, start, end) {
			return i
		}
	}
	return 0
}

// ConsistencyCheck inspects all four primaries: start before end, no
// overlaps, nothing past the end of the device. It returns human-readable
// warnings, the number of active partitions, and whether the table is
// inconsistent enough that it is probably not a partition table at all.
func (t *Table) ConsistencyCheck(totSectors uint32) (warnings []string, hasActivated int, inconsistent bool) {
	for i := 1; i <= 4; i++ {
		e := &t.Entries[i]
		if !e.IsAllocated() {
			continue
		}
		if e.BootInd != 0 {
			hasActivated++
		}
		if e.EndSect() < e.Begin() {
			warnings = append(warnings,
				fmt.Sprintf("end of partition %d before its begin", i))
		}
		if j := t.FindOverlap(i-1, e.Begin(), e.EndSect()); j != 0 {
			warnings = append(warnings,
				fmt.Sprintf("partitions %d and %d overlap", j, i))
			inconsistent = true
		}
		if totSectors != 0 && e.EndSect() > totSectors {
			warnings = append(warnings,
				fmt.Sprintf("partition %d extends beyond end of disk", i))
		}
	}
	return warnings, hasActivated, inconsistent
}
