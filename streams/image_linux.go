//go:build linux

package streams

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dosdisk/dosdisk/errors"
)

// deviceSize asks the kernel for the total byte size of a block device.
func deviceSize(f *os.File) (int64, error) {
	var size uint64
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64,
		uintptr(unsafe.Pointer(&size)),
	)
	if errno != 0 {
		return 0, errors.ErrGeometryFailed.WrapError(errno)
	}
	return int64(size), nil
}

// discardDevice drops the kernel's cached pages for a block device so later
// reads observe what we wrote through the raw fd.
func discardDevice(f *os.File) error {
	st, err := f.Stat()
	if err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}
	if st.Mode()&os.ModeDevice == 0 {
		return nil
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKFLSBUF, 0)
	if errno != 0 {
		return errors.ErrIOFailed.WrapError(errno)
	}
	return nil
}
