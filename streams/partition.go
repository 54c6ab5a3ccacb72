package streams

// Partition windows the stream onto one primary MBR partition: offsets
// shift by the partition start and lengths clip at the partition end.

import (
	"fmt"

	"github.com/dosdisk/dosdisk/device"
	"github.com/dosdisk/dosdisk/errors"
	"github.com/dosdisk/dosdisk/mbr"
)

type Partition struct {
	Head

	offset int64 // partition start, in bytes
	size   int64 // partition size, in bytes
	nbSect uint32

	// Warnings collected while validating the partition table. The caller
	// decides whether and where to print them.
	Warnings []string
}

// OpenPartition reads the MBR from next and windows all subsequent I/O onto
// primary partition dev.Partition (1-4). The descriptor's total sector
// count becomes the partition's, and maxSize (if given) shrinks to the
// window.
func OpenPartition(next Stream, dev *device.Descriptor, maxSize *int64) (*Partition, error) {
	if dev == nil || dev.Partition <= 0 || dev.Partition > 4 {
		return nil, errors.ErrNoSuchPartition.WithMessage(
			fmt.Sprintf("invalid partition %d (must be between 1 and 4)", dev.Partition))
	}

	p := &Partition{}
	p.InitHead(next)

	sector := make([]byte, 512)
	if n, err := ForceReadAt(next, sector, 0); n != 512 {
		if err == nil {
			err = errors.ErrShortIO
		}
		return nil, errors.ErrNoPartitionTable.WrapError(err)
	}
	table, err := mbr.ParseSector(sector)
	if err != nil {
		return nil, err
	}
	entry := &table.Entries[dev.Partition]
	if !entry.IsAllocated() {
		return nil, errors.ErrNoSuchPartition.WithMessage(
			fmt.Sprintf("partition %d does not exist", dev.Partition))
	}

	partOff := entry.Begin()
	if maxSize != nil {
		if int64(partOff) > *maxSize>>9 {
			return nil, errors.ErrBadOffset.WithMessage("partition starts beyond end of medium")
		}
		*maxSize -= int64(partOff) << 9
		if limit := int64(entry.NrSects) << 9; *maxSize > limit {
			*maxSize = limit
		}
	}
	p.offset = int64(partOff) << 9

	warnings, _, inconsistent := table.ConsistencyCheck(dev.TotSectors)
	p.Warnings = warnings
	if inconsistent {
		p.Warnings = append(p.Warnings,
			"inconsistent partition table; possibly unpartitioned device")
	}

	p.nbSect = entry.NrSects
	p.size = int64(entry.NrSects) << 9
	dev.TotSectors = entry.NrSects
	return p, nil
}

// limitSize clips a transfer at the partition end; offsets past the end are
// rejected outright.
func (p *Partition) limitSize(start int64, buf []byte) ([]byte, error) {
	if start > p.size {
		return nil, errors.ErrBadOffset.WithMessage("access past end of partition")
	}
	return limitToRemaining(buf, p.size-start), nil
}

func (p *Partition) ReadAt(buf []byte, start int64) (int, error) {
	buf, err := p.limitSize(start, buf)
	if err != nil {
		return -1, err
	}
	return p.Next().ReadAt(buf, start+p.offset)
}

func (p *Partition) WriteAt(buf []byte, start int64) (int, error) {
	buf, err := p.limitSize(start, buf)
	if err != nil {
		return -1, err
	}
	return p.Next().WriteAt(buf, start+p.offset)
}

func (p *Partition) GetData() (FileData, error) {
	data, err := p.Next().GetData()
	if err != nil {
		return data, err
	}
	data.Size = p.size
	return data, nil
}

func (p *Partition) SetGeometry(dev, orig *device.Descriptor) error {
	if dev.TotSectors == 0 {
		dev.TotSectors = p.nbSect
	}
	return nil
}

func (p *Partition) Close() error {
	return p.CloseChain(p)
}
