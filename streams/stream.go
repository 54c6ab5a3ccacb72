// Package streams implements the layered byte-stream pipeline the FAT engine
// sits on. Every layer decorates the one below it: the terminal layer talks
// to an image file or block device, and partition windowing, fixed offsets,
// sector remapping, byte swapping and cylinder buffering are each one more
// link in the chain.
package streams

import (
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/dosdisk/dosdisk/device"
	"github.com/dosdisk/dosdisk/dosname"
)

// FileData is the answer to a GetData query: metadata about the object
// backing a stream, as far down the chain as somebody knows it.
type FileData struct {
	Date time.Time
	// Size in bytes of the backing object.
	Size int64
	// IsDir reports whether the backing object is a directory.
	IsDir bool
	// Address is the first cluster of the backing file, or 0.
	Address uint32
}

// Stream is one node of the I/O stack.
//
// ReadAt and WriteAt are positional and may return short counts without an
// error; a zero count with a nil error means end of data. Callers that need
// exact lengths use [ForceReadAt] and [ForceWriteAt]. This is deliberately
// looser than [io.ReaderAt].
//
// Flush pushes dirty state down the whole chain. Close releases one
// reference; the last release flushes, tears the layer down, and closes the
// next link. Streams are acyclic and every layer owns exactly one reference
// to its next link.
type Stream interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Flush() error
	Close() error

	// SetGeometry pushes geometry learned from the boot sector down to the
	// terminal layer, which may apply it to the device. orig is the
	// untouched drive definition.
	SetGeometry(dev, orig *device.Descriptor) error
	// GetData describes the backing object.
	GetData() (FileData, error)
	// PreAllocate hints that the stream will grow to size bytes.
	PreAllocate(size int64) error
	// DOSConverter returns the codepage converter for shortname handling.
	DOSConverter() *dosname.Converter
	// Discard drops any caches the terminal device may hold.
	Discard() error

	// Acquire adds a reference; every Acquire needs a matching Close.
	Acquire()

	// Next returns the decorated stream, or nil for a terminal layer.
	Next() Stream
}

// Head is the common prefix of every stream layer: the link to the next
// layer and the reference count. Layers embed it to inherit pass-through
// behavior for every method they do not override.
type Head struct {
	next Stream
	refs int
}

// InitHead wires a freshly constructed layer onto next, taking ownership of
// the caller's reference.
func (h *Head) InitHead(next Stream) {
	h.next = next
	h.refs = 1
}

func (h *Head) Next() Stream {
	return h.next
}

// Acquire adds a reference.
func (h *Head) Acquire() {
	h.refs++
}

// Refs returns the current reference count. Layers with teardown work of
// their own check for the last reference before calling CloseChain.
func (h *Head) Refs() int {
	return h.refs
}

// release decrements the reference count and reports whether this was the
// last reference and teardown should proceed.
func (h *Head) release() bool {
	h.refs--
	return h.refs <= 0
}

// CloseChain performs the shared teardown sequence on last release: flush
// the layer (through its own Flush, hence the self argument), then close the
// next link. Layers with extra state to drop do that before calling this.
// The usual Close implementation is exactly `return s.CloseChain(s)`.
func (h *Head) CloseChain(self Stream) error {
	if !h.release() {
		return nil
	}
	var errs *multierror.Error
	errs = multierror.Append(errs, self.Flush())
	if h.next != nil {
		errs = multierror.Append(errs, h.next.Close())
		h.next = nil
	}
	return errs.ErrorOrNil()
}

// Pass-through defaults. A layer that implements a capability shadows the
// corresponding method.

func (h *Head) ReadAt(p []byte, off int64) (int, error) {
	return h.next.ReadAt(p, off)
}

func (h *Head) WriteAt(p []byte, off int64) (int, error) {
	return h.next.WriteAt(p, off)
}

func (h *Head) Flush() error {
	if h.next == nil {
		return nil
	}
	return h.next.Flush()
}

func (h *Head) SetGeometry(dev, orig *device.Descriptor) error {
	if h.next == nil {
		return nil
	}
	return h.next.SetGeometry(dev, orig)
}

func (h *Head) GetData() (FileData, error) {
	if h.next == nil {
		return FileData{}, nil
	}
	return h.next.GetData()
}

func (h *Head) PreAllocate(size int64) error {
	if h.next == nil {
		return nil
	}
	return h.next.PreAllocate(size)
}

func (h *Head) DOSConverter() *dosname.Converter {
	if h.next == nil {
		return nil
	}
	return h.next.DOSConverter()
}

func (h *Head) Discard() error {
	if h.next == nil {
		return nil
	}
	return h.next.Discard()
}

// limitToRemaining clips p to at most remaining bytes.
func limitToRemaining(p []byte, remaining int64) []byte {
	if int64(len(p)) > remaining {
		return p[:remaining]
	}
	return p
}
