package streams

// Offset shifts every I/O by a fixed byte count. Used for filesystems stored
// at an offset into their image, such as DOSEMU hard disk images.

import (
	"github.com/dosdisk/dosdisk/device"
	"github.com/dosdisk/dosdisk/errors"
)

type Offset struct {
	Head

	offset int64
}

// OpenOffset interposes an offset layer over next. The descriptor's total
// sector count and the optional maxSize bound shrink by the same amount.
func OpenOffset(next Stream, dev *device.Descriptor, offset int64, maxSize *int64) (*Offset, error) {
	o := &Offset{offset: offset}
	o.InitHead(next)

	if maxSize != nil {
		if offset > *maxSize {
			return nil, errors.ErrBadOffset.WithMessage("offset beyond end of base image")
		}
		*maxSize -= offset
	}
	if !dev.AdjustTotSectors(offset) {
		return nil, errors.ErrBadOffset.WithMessage("offset bigger than base image")
	}
	return o, nil
}

func (o *Offset) ReadAt(p []byte, off int64) (int, error) {
	return o.Next().ReadAt(p, off+o.offset)
}

func (o *Offset) WriteAt(p []byte, off int64) (int, error) {
	return o.Next().WriteAt(p, off+o.offset)
}

func (o *Offset) Close() error {
	return o.CloseChain(o)
}
