// Package dosname converts between host strings and 8.3 DOS shortnames
// under a configurable DOS codepage. Long-name (VFAT) assembly is a higher
// layer's concern; this package only deals with the 11 bytes stored in a
// directory entry.
package dosname

import (
	"bytes"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/dosdisk/dosdisk/errors"
)

// Converter translates shortname bytes under one DOS codepage.
type Converter struct {
	codepage int
	cm       *charmap.Charmap
}

var codepages = map[int]*charmap.Charmap{
	437: charmap.CodePage437,
	850: charmap.CodePage850,
	852: charmap.CodePage852,
	855: charmap.CodePage855,
	858: charmap.CodePage858,
	860: charmap.CodePage860,
	862: charmap.CodePage862,
	863: charmap.CodePage863,
	865: charmap.CodePage865,
	866: charmap.CodePage866,
}

// DefaultCodepage is used when the device descriptor does not name one.
const DefaultCodepage = 850

// Open returns a converter for the given codepage number. Zero selects
// [DefaultCodepage]; unknown codepages are an error.
func Open(codepage int) (*Converter, error) {
	if codepage == 0 {
		codepage = DefaultCodepage
	}
	cm, ok := codepages[codepage]
	if !ok {
		return nil, errors.ErrOpenFailed.WithMessage("unknown DOS codepage")
	}
	return &Converter{codepage: codepage, cm: cm}, nil
}

func (c *Converter) Codepage() int {
	return c.codepage
}

// ToUnicode renders the 8+3 name bytes of a directory entry as a host
// string, with the space padding stripped and a dot inserted before a
// non-empty extension.
func (c *Converter) ToUnicode(base [8]byte, ext [3]byte) string {
	dec := c.cm.NewDecoder()
	b, _ := dec.Bytes(bytes.TrimRight(base[:], " "))
	e, _ := dec.Bytes(bytes.TrimRight(ext[:], " "))
	if len(e) == 0 {
		return string(b)
	}
	return string(b) + "." + string(e)
}

// FromUnicode splits a host name into upper-cased, space-padded base and
// extension bytes. Names that do not fit 8.3 or contain bytes outside the
// codepage are rejected.
func (c *Converter) FromUnicode(name string) (base [8]byte, ext [3]byte, err error) {
	copy(base[:], "        ")
	copy(ext[:], "   ")

	stem, suffix := name, ""
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		stem, suffix = name[:i], name[i+1:]
	}
	if stem == "" || len(stem) > 8 || len(suffix) > 3 {
		return base, ext, errors.ErrNameTooLong.WithMessage(name)
	}

	enc := c.cm.NewEncoder()
	stemBytes, encErr := enc.Bytes([]byte(strings.ToUpper(stem)))
	if encErr != nil {
		return base, ext, errors.ErrNameTooLong.WrapError(encErr)
	}
	suffixBytes, encErr := enc.Bytes([]byte(strings.ToUpper(suffix)))
	if encErr != nil {
		return base, ext, errors.ErrNameTooLong.WrapError(encErr)
	}
	if len(stemBytes) > 8 || len(suffixBytes) > 3 {
		return base, ext, errors.ErrNameTooLong.WithMessage(name)
	}
	copy(base[:], stemBytes)
	copy(ext[:], suffixBytes)
	return base, ext, nil
}
