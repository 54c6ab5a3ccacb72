package streams

// Remap translates a virtual byte range onto a sparse set of segments of the
// underlying stream. The mapping is parsed from a comma-separated string
// such as "0,5120,zero512,10240": each item is an optional kind prefix
// ("zero", "skip", "pos") followed by a length in bytes. "zero" segments
// read as zeroes and accept only zero writes, "skip" omits a piece of the
// underlying medium, and "pos" resets the underlying position outright.

import (
	"strconv"
	"strings"

	"github.com/dosdisk/dosdisk/device"
	"github.com/dosdisk/dosdisk/errors"
)

type segmentKind int

const (
	segmentData segmentKind = iota
	segmentZero
	segmentSkip
	segmentPos
)

type segment struct {
	orig     int64
	remapped int64
	kind     segmentKind
}

type Remap struct {
	Head

	segments  []segment
	netOffset int64
}

// parseMapItem splits one mapping item into its kind prefix and length.
func parseMapItem(item string) (segmentKind, int64, error) {
	kind := segmentData
	switch {
	case strings.HasPrefix(item, "skip"):
		kind, item = segmentSkip, item[4:]
	case strings.HasPrefix(item, "zero"):
		kind, item = segmentZero, item[4:]
	case strings.HasPrefix(item, "pos"):
		kind, item = segmentPos, item[3:]
	}
	length, err := strconv.ParseInt(item, 0, 64)
	if err != nil || length < 0 {
		return kind, 0, errors.ErrBadOffset.WithMessage("bad number in data map: " + item)
	}
	return kind, length, nil
}

func (r *Remap) processMap(mapSpec string) error {
	var orig, remapped int64
	for _, item := range strings.Split(mapSpec, ",") {
		if item == "" {
			continue
		}
		kind, length, err := parseMapItem(item)
		if err != nil {
			return err
		}
		if kind == segmentPos {
			orig = length
			continue
		}
		if kind != segmentSkip {
			r.segments = append(r.segments, segment{
				orig:     orig,
				remapped: remapped,
				kind:     kind,
			})
			remapped += length
		}
		if kind != segmentZero {
			orig += length
		}
	}
	// Whatever follows the last mapped item continues as plain data.
	r.segments = append(r.segments, segment{
		orig:     orig,
		remapped: remapped,
		kind:     segmentData,
	})
	r.netOffset = orig - remapped
	return nil
}

// OpenRemap builds a remap layer from the descriptor's DataMap string. The
// net origin shift is folded back into the descriptor's total sector count.
func OpenRemap(next Stream, dev *device.Descriptor) (*Remap, error) {
	r := &Remap{}
	r.InitHead(next)
	if err := r.processMap(dev.DataMap); err != nil {
		return nil, err
	}
	if !dev.AdjustTotSectors(r.netOffset) {
		return nil, errors.ErrBadOffset.WithMessage("data map consumes more than the base image")
	}
	return r, nil
}

// remap translates a virtual offset to a physical one, clips the transfer at
// the end of the containing segment, and reports the segment kind.
func (r *Remap) remap(start int64, p []byte) (int64, []byte, segmentKind) {
	i := 0
	for ; i < len(r.segments)-1; i++ {
		if start < r.segments[i+1].remapped {
			p = limitToRemaining(p, r.segments[i+1].remapped-start)
			break
		}
	}
	seg := r.segments[i]
	return start - seg.remapped + seg.orig, p, seg.kind
}

func (r *Remap) ReadAt(p []byte, off int64) (int, error) {
	phys, p, kind := r.remap(off, p)
	if kind == segmentData {
		return r.Next().ReadAt(p, phys)
	}
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func (r *Remap) WriteAt(p []byte, off int64) (int, error) {
	phys, p, kind := r.remap(off, p)
	if kind == segmentData {
		return r.Next().WriteAt(p, phys)
	}
	// Only zeroes may be "written" to unmapped sectors. Anything else means
	// the filesystem parameters don't suit this mapping.
	for _, b := range p {
		if b != 0 {
			return -1, errors.ErrProtectedWrite
		}
	}
	return len(p), nil
}

func (r *Remap) Close() error {
	return r.CloseChain(r)
}
