package fat

// On-disk directory entries: the 32-byte record, the packed DOS date and
// time stamps, and the helpers that read and write entries through a
// directory stream.

import (
	"encoding/binary"
	"time"

	"github.com/dosdisk/dosdisk/errors"
	"github.com/dosdisk/dosdisk/streams"
)

// DirEntrySize is the on-disk size of one directory entry.
const DirEntrySize = 32

// nowFunc is swapped out by tests that need deterministic timestamps.
var nowFunc = time.Now

// Attribute bits.
const (
	AttrReadOnly = 0x01
	AttrHidden   = 0x02
	AttrSystem   = 0x04
	AttrLabel    = 0x08
	AttrDir      = 0x10
	AttrArchive  = 0x20
)

// Name-byte markers.
const (
	// EndMark in the first name byte ends directory iteration.
	EndMark = 0x00
	// DeletedMark in the first name byte marks a deleted entry.
	DeletedMark = 0xE5
)

// Record is the raw 32-byte directory entry.
type Record [DirEntrySize]byte

func (r *Record) Base() (base [8]byte) {
	copy(base[:], r[0:8])
	return base
}

func (r *Record) Ext() (ext [3]byte) {
	copy(ext[:], r[8:11])
	return ext
}

func (r *Record) SetName(base [8]byte, ext [3]byte) {
	copy(r[0:8], base[:])
	copy(r[8:11], ext[:])
}

func (r *Record) Attr() uint8         { return r[11] }
func (r *Record) SetAttr(attr uint8)  { r[11] = attr }
func (r *Record) IsDir() bool         { return r.Attr()&AttrDir != 0 }
func (r *Record) IsLabel() bool       { return r.Attr()&AttrLabel != 0 }
func (r *Record) IsDeleted() bool     { return r[0] == DeletedMark }
func (r *Record) IsEnd() bool         { return r[0] == EndMark }

func (r *Record) Size() uint32 {
	return binary.LittleEndian.Uint32(r[28:])
}

func (r *Record) SetSize(size uint32) {
	binary.LittleEndian.PutUint32(r[28:], size)
}

// Start returns the first cluster, joining the FAT32 high half at offset 20
// with the classic low half at offset 26. The high half is only meaningful
// on FAT32; FAT12/16 used those bytes for EA handles.
func (r *Record) Start(fatBits int) uint32 {
	low := uint32(binary.LittleEndian.Uint16(r[26:]))
	if fatBits == 32 {
		return low | uint32(binary.LittleEndian.Uint16(r[20:]))<<16
	}
	return low
}

func (r *Record) SetStart(start uint32) {
	binary.LittleEndian.PutUint16(r[26:], uint16(start&0xFFFF))
	binary.LittleEndian.PutUint16(r[20:], uint16(start>>16))
}

// dosDate packs a time into the DOS yyyyyyymmmmddddd / hhhhhmmmmmmsssss
// layout, century base 1980.
func dosDate(t time.Time) (date, clock uint16) {
	year := t.Year() - 1980
	if year < 0 {
		year = 0
	}
	date = uint16(year)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	clock = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	return date, clock
}

// dosTime unpacks a DOS date/time pair. Zero dates come back as the 1980
// epoch rather than a zero time so sorting stays sane.
func dosTime(date, clock uint16) time.Time {
	year := int(date>>9) + 1980
	month := time.Month((date >> 5) & 0x0F)
	day := int(date & 0x1F)
	if month == 0 {
		month = time.January
	}
	if day == 0 {
		day = 1
	}
	return time.Date(
		year, month, day,
		int(clock>>11), int((clock>>5)&0x3F), int(clock&0x1F)*2,
		0, time.Local,
	)
}

func (r *Record) MTime() time.Time {
	return dosTime(
		binary.LittleEndian.Uint16(r[24:]),
		binary.LittleEndian.Uint16(r[22:]),
	)
}

// SetTimes stamps creation, access and modification with the same moment,
// the way a freshly made entry looks.
func (r *Record) SetTimes(t time.Time) {
	date, clock := dosDate(t)
	binary.LittleEndian.PutUint16(r[14:], clock) // ctime
	binary.LittleEndian.PutUint16(r[16:], date)  // cdate
	binary.LittleEndian.PutUint16(r[18:], date)  // adate
	binary.LittleEndian.PutUint16(r[22:], clock) // mtime
	binary.LittleEndian.PutUint16(r[24:], date)  // mdate
	r[13] = 0 // ctime_ms
}

// MakeRecord builds a directory entry from its parts.
func MakeRecord(base [8]byte, ext [3]byte, attr uint8, start uint32, size uint32, date time.Time) Record {
	var r Record
	r.SetName(base, ext)
	r.SetAttr(attr)
	r.SetTimes(date)
	r.SetStart(start)
	r.SetSize(size)
	return r
}

// makeLabelRecord builds a volume-label entry. Labels use all 11 name
// bytes as one field, with no implied dot.
func makeLabelRecord(label string, date time.Time) Record {
	var r Record
	copy(r[0:11], "           ")
	copy(r[0:11], label)
	r.SetAttr(AttrArchive | AttrLabel)
	r.SetTimes(date)
	return r
}

// makeRecordFromBase builds special entries (".", "..", the root) without
// codepage conversion.
func makeRecordFromBase(name string, attr uint8, start uint32, size uint32, date time.Time) Record {
	var base [8]byte
	var ext [3]byte
	copy(base[:], "        ")
	copy(base[:], name)
	copy(ext[:], "   ")
	return MakeRecord(base, ext, attr, start, size, date)
}

// DirEntry ties a directory entry to where it lives: the directory stream
// it was read from and its index in it. rootEntryIndex marks the synthetic
// entry for the root directory, which exists in no directory.
const rootEntryIndex = -3

type DirEntry struct {
	// Dir is the (buffered) directory stream holding this entry.
	Dir streams.Stream
	// Index is the entry's position in the directory.
	Index int
	// Rec is the on-disk record.
	Rec Record
}

// IsRoot reports whether this is the synthetic root-directory entry.
func (e *DirEntry) IsRoot() bool {
	return e.Index == rootEntryIndex
}

// ReadDirEntry reads entry index from a directory stream. A nil record
// with a nil error means the directory ended before the entry.
func ReadDirEntry(dir streams.Stream, index int) (*Record, error) {
	var rec Record
	n, err := streams.ForceReadAt(dir, rec[:], int64(index)*DirEntrySize)
	if n != DirEntrySize {
		if n < 0 || err != nil {
			return nil, errors.ErrIOFailed.WithMessage("directory read failed")
		}
		return nil, nil
	}
	return &rec, nil
}

// Write writes the record back to its slot.
func (e *DirEntry) Write() error {
	n, err := streams.ForceWriteAt(e.Dir, e.Rec[:], int64(e.Index)*DirEntrySize)
	if err != nil {
		return err
	}
	if n != DirEntrySize {
		return errors.ErrShortIO.WithMessage("short directory write")
	}
	return nil
}

// WriteEndMark writes an end-of-directory marker at the given slot.
func WriteEndMark(dir streams.Stream, index int) error {
	zero := []byte{EndMark}
	_, err := streams.ForceWriteAt(dir, zero, int64(index)*DirEntrySize)
	return err
}
