package streams

// Buffer keeps one cylinder-aligned window of the underlying stream in
// memory, with sector-granular dirty tracking. It is the only place in the
// stack where writes coalesce: every layer above can work in sector units
// and still produce few, large transfers against the medium.

import (
	"fmt"

	"github.com/dosdisk/dosdisk/errors"
)

type Buffer struct {
	Head

	size int64 // size of the read/write buffer
	// all operations happen in multiples of sectorSize; cylinderSize is the
	// preferred alignment, but for efficiency less data may be read
	sectorSize   int64
	cylinderSize int64

	dirty     bool
	everDirty bool
	dirtyPos  int64
	dirtyEnd  int64

	current int64 // absolute offset of first byte in buffer
	curSize int64 // bytes currently valid in the buffer
	buf     []byte
}

// NewBuffer interposes a buffer layer over next. size must be a multiple of
// cylinderSize, which must be a multiple of sectorSize.
func NewBuffer(next Stream, size, cylinderSize, sectorSize int64) (*Buffer, error) {
	if size == 0 || cylinderSize == 0 || sectorSize == 0 || next == nil {
		return nil, errors.ErrBadOffset.WithMessage("zero buffer geometry")
	}
	if size%cylinderSize != 0 {
		return nil, errors.ErrBadOffset.WithMessage("size not multiple of cylinder size")
	}
	if cylinderSize%sectorSize != 0 {
		return nil, errors.ErrBadOffset.WithMessage("cylinder size not multiple of sector size")
	}
	b := &Buffer{
		size:         size,
		cylinderSize: cylinderSize,
		sectorSize:   sectorSize,
		buf:          make([]byte, size),
	}
	b.InitHead(next)
	return b, nil
}

func roundDown(value, grain int64) int64 {
	return value - value%grain
}

func roundUp(value, grain int64) int64 {
	return roundDown(value+grain-1, grain)
}

// curEnd is the absolute offset just past the currently valid data.
func (b *Buffer) curEnd() int64 {
	return b.current + b.curSize
}

// posToNextFullCyl is the distance from pos to the next cylinder boundary;
// a position already on a boundary yields a full cylinder.
func (b *Buffer) posToNextFullCyl(pos int64) int64 {
	return b.cylinderSize - pos%b.cylinderSize
}

// flushDirty writes the dirty window out through the next layer and clears
// the dirty bounds. A short write is an error; there is no retry here, the
// force helper below us is the only retry site.
func (b *Buffer) flushDirty() error {
	if !b.dirty {
		return nil
	}
	want := b.dirtyEnd - b.dirtyPos
	n, err := ForceWriteAt(b.Next(), b.buf[b.dirtyPos:b.dirtyEnd], b.current+b.dirtyPos)
	if err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}
	if int64(n) != want {
		return errors.ErrShortIO.WithMessage("buffer flush: short write")
	}
	b.dirty = false
	b.dirtyPos = 0
	b.dirtyEnd = 0
	return nil
}

// invalidate repositions the window at start's sector. Don't start reading
// too early, or we might not even reach start.
func (b *Buffer) invalidate(start int64) error {
	if err := b.flushDirty(); err != nil {
		return err
	}
	b.current = roundDown(start, b.sectorSize)
	b.curSize = 0
	return nil
}

type position int

const (
	posOutside position = iota
	posAppend
	posInside
)

// classify places the request [start, start+len) relative to the window and
// clips the length accordingly. OUTSIDE invalidates the window first.
func (b *Buffer) classify(start int64, p []byte) (position, []byte, error) {
	switch {
	case start >= b.current && start < b.curEnd():
		return posInside, limitToRemaining(p, b.curSize-(start-b.current)), nil
	case start == b.curEnd() && b.curSize < b.size && int64(len(p)) >= b.sectorSize:
		// Append: the start falls exactly at the end of the loaded data,
		// there is still space, and at least one whole sector arrives.
		p = limitToRemaining(p, b.size-b.curSize)
		return posAppend, p[:roundDown(int64(len(p)), b.sectorSize)], nil
	default:
		if err := b.invalidate(start); err != nil {
			return posOutside, nil, err
		}
		p = limitToRemaining(p, b.cylinderSize-(start-b.current))
		p = limitToRemaining(p, b.posToNextFullCyl(b.current))
		return posOutside, p, nil
	}
}

// load extends the valid window by reading up to the next cylinder boundary
// from the layer below. It must reach at least start.
func (b *Buffer) load(start int64) error {
	length := b.posToNextFullCyl(b.curEnd())
	if max := b.size - b.curSize; length > max {
		length = max
	}
	n, err := b.Next().ReadAt(b.buf[b.curSize:b.curSize+length], b.current+b.curSize)
	if n < 0 {
		return err
	}
	b.curSize += int64(n)
	if b.curEnd() < start {
		// We did not even reach the requested position.
		return errors.ErrShortIO.WithMessage("short buffer fill")
	}
	return nil
}

func (b *Buffer) ReadAt(p []byte, start int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	pos, p, err := b.classify(start, p)
	if err != nil {
		return -1, err
	}
	if pos != posInside {
		if err := b.load(start); err != nil {
			return -1, err
		}
	}
	offset := start - b.current
	p = limitToRemaining(p, b.curSize-offset)
	copy(p, b.buf[offset:])
	return len(p), nil
}

func (b *Buffer) WriteAt(p []byte, start int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.everDirty = true

	pos, p, err := b.classify(start, p)
	if err != nil {
		return -1, err
	}

	var offset int64
	switch pos {
	case posOutside:
		if start%b.cylinderSize != 0 || int64(len(p)) < b.sectorSize {
			// Partial cylinder: read it back first so the flush does not
			// clobber data around the write.
			readSize := b.cylinderSize - b.current%b.cylinderSize
			n, err := b.Next().ReadAt(b.buf[:readSize], b.current)
			if n < 0 {
				return -1, err
			}
			bytesRead := int64(n)
			if bytesRead%b.sectorSize != 0 {
				bytesRead -= bytesRead % b.sectorSize
				if bytesRead == 0 {
					return -1, errors.ErrShortIO.WithMessage(
						fmt.Sprintf("read size not a multiple of sector size (%d)", b.sectorSize))
				}
			}
			b.curSize = bytesRead
			if b.curSize == 0 {
				// Extending the image: nothing to read back yet.
				for i := int64(0); i < readSize; i++ {
					b.buf[i] = 0
				}
				b.curSize = readSize
			}
			offset = start - b.current
			break
		}
		fallthrough
	case posAppend:
		p = p[:roundDown(int64(len(p)), b.sectorSize)]
		offset = start - b.current
		p = limitToRemaining(p, b.size-offset)
		b.curSize += int64(len(p))
		_ = b.Next().PreAllocate(b.curEnd())
	case posInside:
		offset = start - b.current
		p = limitToRemaining(p, b.curSize-offset)
	}

	// Extend if we write beyond the end; the tail past the last full sector
	// is not accepted.
	length := int64(len(p))
	if offset+length > b.curSize {
		length -= (offset + length) % b.sectorSize
		p = p[:length]
		b.curSize = offset + length
	}

	copy(b.buf[offset:], p)
	if !b.dirty || offset < b.dirtyPos {
		b.dirtyPos = roundDown(offset, b.sectorSize)
	}
	if !b.dirty || offset+length > b.dirtyEnd {
		b.dirtyEnd = roundUp(offset+length, b.sectorSize)
	}
	if b.dirtyEnd > b.curSize {
		return -1, errors.ErrIOFailed.WithMessage(
			fmt.Sprintf("dirty end too big: dirty_end=%#x cur_size=%#x", b.dirtyEnd, b.curSize))
	}
	b.dirty = true
	return int(length), nil
}

func (b *Buffer) Flush() error {
	if !b.everDirty {
		return nil
	}
	if err := b.flushDirty(); err != nil {
		return err
	}
	b.everDirty = false
	return nil
}

func (b *Buffer) Close() error {
	last := b.Refs() <= 1
	err := b.CloseChain(b)
	if last {
		b.buf = nil
	}
	return err
}
