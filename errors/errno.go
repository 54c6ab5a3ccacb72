// Error kinds raised by the stream stack and the FAT engine. These are
// deliberately coarse: each constant names a failure class, and call sites
// attach detail with WithMessage or WrapError.

package errors

import (
	"fmt"
)

type DiskError string

// Stream stack.
const ErrOpenFailed = DiskError("Cannot open image or device")
const ErrGeometryFailed = DiskError("Cannot apply geometry to device")
const ErrShortIO = DiskError("Transfer shorter than requested")
const ErrIOFailed = DiskError("Input/output error")
const ErrBadOffset = DiskError("Offset outside stream bounds")
const ErrProtectedWrite = DiskError("Non-zero data written to unmapped region")
const ErrNoPartitionTable = DiskError("Device does not have a BIOS partition table")
const ErrNoSuchPartition = DiskError("Partition does not exist")

// FAT engine.
const ErrBadBPB = DiskError("Inconsistent BIOS parameter block")
const ErrNoSpace = DiskError("No space left on filesystem")
const ErrLoopDetected = DiskError("Cluster chain loops back on itself")
const ErrBadDirEntry = DiskError("Malformed directory entry")
const ErrNotFound = DiskError("No such file or directory")
const ErrExists = DiskError("File exists")
const ErrIsADirectory = DiskError("Is a directory")
const ErrDirectoryNotEmpty = DiskError("Directory not empty")
const ErrNotADirectory = DiskError("Not a directory")
const ErrNameTooLong = DiskError("File name not expressible as 8.3")
const ErrReadOnly = DiskError("Read-only image")

// Format planner.
const ErrTooFewSectors = DiskError("Too few sectors for any FAT filesystem")
const ErrTooFewClusters = DiskError("Too few clusters for requested FAT bits")
const ErrTooManyClusters = DiskError("Too many clusters for requested FAT bits")
const ErrTooManyClustersForFatLen = DiskError("Too many clusters for requested FAT length")

func (e DiskError) Error() string {
	return string(e)
}

func (e DiskError) WithMessage(message string) DriverError {
	return wrappedError{
		message:       fmt.Sprintf("%s: %s", e.Error(), message),
		originalError: e,
	}
}

func (e DiskError) WrapError(err error) DriverError {
	return wrappedError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: err,
	}
}
