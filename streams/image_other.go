//go:build !linux

package streams

import (
	"os"

	"github.com/dosdisk/dosdisk/errors"
)

func deviceSize(f *os.File) (int64, error) {
	return 0, errors.ErrGeometryFailed.WithMessage("device size query not supported on this platform")
}

func discardDevice(f *os.File) error {
	return nil
}
