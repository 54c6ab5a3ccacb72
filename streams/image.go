package streams

import (
	"io"
	"os"

	"github.com/xaionaro-go/bytesextra"

	"github.com/dosdisk/dosdisk/device"
	"github.com/dosdisk/dosdisk/dosname"
	"github.com/dosdisk/dosdisk/errors"
)

// Image is the terminal layer: positional I/O against an image file, a block
// device, or an in-memory buffer. It remembers the last position so that
// sequential transfers skip the seek.
type Image struct {
	Head

	rws       io.ReadWriteSeeker
	file      *os.File // nil for in-memory images
	lastWhere int64
	seekable  bool
	readOnly  bool
	name      string
}

// OpenImage opens the image file or device named in dev. The descriptor's
// geometry fields are left alone here; SetGeometry fills them in once the
// boot sector has been parsed.
func OpenImage(dev *device.Descriptor, name string, flag int) (*Image, error) {
	perm := os.FileMode(0666)
	if dev != nil && dev.Flags.Has(device.NoLock) {
		perm = 0444
	}
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, errors.ErrOpenFailed.WrapError(err)
	}
	img := &Image{
		rws:      f,
		file:     f,
		seekable: true,
		readOnly: flag&(os.O_WRONLY|os.O_RDWR) == 0,
		name:     name,
	}
	img.InitHead(nil)
	return img, nil
}

// OpenMemory wraps a byte slice as a terminal layer. Used for tests and for
// building images entirely in memory before writing them out.
func OpenMemory(data []byte) *Image {
	img := &Image{
		rws:      bytesextra.NewReadWriteSeeker(data),
		seekable: true,
		name:     "(memory)",
	}
	img.InitHead(nil)
	return img
}

func (img *Image) io(p []byte, off int64, write bool) (int, error) {
	if img.seekable && off != img.lastWhere {
		if _, err := img.rws.Seek(off, io.SeekStart); err != nil {
			// Seek failed, lastWhere did not move.
			return -1, errors.ErrIOFailed.WrapError(err)
		}
		img.lastWhere = off
	}

	var n int
	var err error
	if write {
		n, err = img.rws.Write(p)
	} else {
		n, err = img.rws.Read(p)
	}
	if n < 0 {
		n = 0
	}
	img.lastWhere = off + int64(n)
	if err == io.EOF {
		return n, nil
	}
	if err != nil {
		if n > 0 {
			return n, nil
		}
		return -1, errors.ErrIOFailed.WrapError(err)
	}
	return n, nil
}

func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	return img.io(p, off, false)
}

func (img *Image) WriteAt(p []byte, off int64) (int, error) {
	if img.readOnly {
		return -1, errors.ErrReadOnly
	}
	return img.io(p, off, true)
}

func (img *Image) Flush() error {
	return nil
}

func (img *Image) Close() error {
	if !img.release() {
		return nil
	}
	if img.file != nil {
		return img.file.Close()
	}
	return nil
}

// Size returns the current byte size of the backing object: stat size for
// regular files, the device's total byte count for block devices, and the
// buffer length for in-memory images.
func (img *Image) Size() (int64, error) {
	if img.file != nil {
		st, err := img.file.Stat()
		if err != nil {
			return 0, errors.ErrOpenFailed.WrapError(err)
		}
		if st.Mode().IsRegular() {
			return st.Size(), nil
		}
		return deviceSize(img.file)
	}
	end, err := img.rws.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.ErrIOFailed.WrapError(err)
	}
	img.lastWhere = end
	return end, nil
}

// SetGeometry derives TotSectors from the image size when the descriptor
// does not pin it. Geometry ioctls on the host device are out of scope; a
// device that cannot report its size fails with ErrGeometryFailed.
func (img *Image) SetGeometry(dev, orig *device.Descriptor) error {
	if dev.TotSectors != 0 || dev.Flags.Has(device.FormatOnly) {
		return nil
	}
	size, err := img.Size()
	if err != nil {
		return errors.ErrGeometryFailed.WrapError(err)
	}
	if size == 0 {
		// Zero-sized image file: newly created, size genuinely unknown.
		return nil
	}
	sectorSize := int64(dev.SectorSize)
	if sectorSize == 0 {
		sectorSize = 512
	}
	sectors := size / sectorSize
	if sectors > int64(^uint32(0)) {
		sectors = int64(^uint32(0))
	}
	dev.TotSectors = uint32(sectors)
	return nil
}

func (img *Image) GetData() (FileData, error) {
	data := FileData{}
	if img.file != nil {
		st, err := img.file.Stat()
		if err != nil {
			return data, errors.ErrOpenFailed.WrapError(err)
		}
		data.Date = st.ModTime()
		data.Size = st.Size()
		data.IsDir = st.IsDir()
	} else if size, err := img.Size(); err == nil {
		data.Size = size
	}
	return data, nil
}

func (img *Image) PreAllocate(size int64) error {
	return nil
}

func (img *Image) DOSConverter() *dosname.Converter {
	return nil
}

func (img *Image) Discard() error {
	if img.file == nil {
		return nil
	}
	return discardDevice(img.file)
}

func (img *Image) Next() Stream {
	return nil
}
