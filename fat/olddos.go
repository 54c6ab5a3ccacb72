package fat

// Pre-BPB DOS disk formats. Disks whose media byte is below 0xF0 carry no
// BIOS parameter block; their layout is fixed by the media byte alone. The
// same table feeds the format planner's fast path for classic floppy
// geometries.

import (
	_ "embed"
	"io"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
)

// OldDos describes one classic format.
type OldDos struct {
	Tracks      uint32  `csv:"tracks"`
	Sectors     uint16  `csv:"sectors"`
	Heads       uint16  `csv:"heads"`
	DirLen      uint16  `csv:"dir_len"`
	ClusterSize uint8   `csv:"cluster_size"`
	FatLen      uint32  `csv:"fat_len"`
	Media       hexByte `csv:"media"`
}

// hexByte parses the media byte, written in hex in the table.
type hexByte uint8

func (h *hexByte) UnmarshalCSV(field string) error {
	v, err := strconv.ParseUint(strings.TrimPrefix(field, "0x"), 16, 8)
	if err != nil {
		return err
	}
	*h = hexByte(v)
	return nil
}

func (h hexByte) MarshalCSV() (string, error) {
	return "0x" + strconv.FormatUint(uint64(h), 16), nil
}

//go:embed old-dos-formats.csv
var oldDosRawCSV string
var oldDosFormats []OldDos

func init() {
	reader := strings.NewReader(oldDosRawCSV)
	err := gocsv.UnmarshalToCallback(reader, func(row OldDos) error {
		oldDosFormats = append(oldDosFormats, row)
		return nil
	})
	if err != nil && err != io.EOF {
		panic(err)
	}
}

// OldDosByMedia finds the preset for a media byte, or nil. Media bytes
// 0xF9 are ambiguous (720K and 1.2M); the first match wins, as it always
// has.
func OldDosByMedia(media int) *OldDos {
	for i := range oldDosFormats {
		if int(oldDosFormats[i].Media) == media&0xFF {
			return &oldDosFormats[i]
		}
	}
	return nil
}

// OldDosBySize finds the preset whose capacity is the given number of
// kilobytes.
func OldDosBySize(kbytes uint32) *OldDos {
	for i := range oldDosFormats {
		f := &oldDosFormats[i]
		if f.Tracks*uint32(f.Sectors)*uint32(f.Heads) == kbytes*2 {
			return f
		}
	}
	return nil
}

// OldDosByParams matches a preset against user-specified geometry. Zero
// dirLen and clusterSize act as wildcards.
func OldDosByParams(tracks uint32, heads, sectors, dirLen uint16, clusterSize uint8) *OldDos {
	for i := range oldDosFormats {
		f := &oldDosFormats[i]
		if f.Tracks == tracks && f.Heads == heads && f.Sectors == sectors &&
			(dirLen == 0 || f.DirLen == dirLen) &&
			(clusterSize == 0 || f.ClusterSize == clusterSize) {
			return f
		}
	}
	return nil
}
