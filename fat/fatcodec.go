package fat

// FAT decoding and encoding for 12, 16 and 32 bit entries, the single-sector
// FAT cache, cluster allocation, and free-space accounting.

import (
	"encoding/binary"

	"github.com/boljen/go-bitmap"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/dosdisk/dosdisk/errors"
	"github.com/dosdisk/dosdisk/streams"
)

// Cluster-count boundaries between FAT widths. A filesystem with fewer than
// fat12MaxClus clusters is FAT12, and so on.
const (
	fat12MaxClus = 4085
	fat16MaxClus = 65525
	fat32MaxClus = 0x0FFFFFF6
)

// setFat picks the FAT width from the cluster count and installs the
// matching codec.
func (fs *Fs) setFat() {
	switch {
	case fs.numClus < fat12MaxClus:
		fs.fatBits = 12
		fs.endFat = 0xFFF
		fs.lastFat = 0xFF6
		fs.fatDecode = fs.fat12Decode
		fs.fatEncode = fs.fat12Encode
	case fs.numClus < fat16MaxClus:
		fs.fatBits = 16
		fs.endFat = 0xFFFF
		fs.lastFat = 0xFFF6
		fs.fatDecode = fs.fat16Decode
		fs.fatEncode = fs.fat16Encode
	default:
		fs.fatBits = 32
		fs.endFat = 0x0FFFFFFF
		fs.lastFat = 0x0FFFFFF6
		fs.fatDecode = fs.fat32Decode
		fs.fatEncode = fs.fat32Encode
	}
}

// flushFatSector writes the cached sector back to every FAT copy, or just
// the primary one on FAT32 filesystems that disabled mirroring.
func (fs *Fs) flushFatSector() error {
	if fs.lastFatAccessMode != fatAccessWrite {
		return nil
	}
	var errs *multierror.Error
	for i := uint32(0); i < uint32(fs.numFat); i++ {
		if fs.fatBits == 32 && !fs.writeAllFats && i != fs.primaryFat {
			continue
		}
		sector := uint32(fs.fatStart) + i*fs.fatLen + fs.lastFatSectorNr
		n, err := streams.ForceWriteAt(
			fs.Next(), fs.lastFatSectorData, fs.SectorsToBytes(sector))
		if err != nil {
			errs = multierror.Append(errs, err)
		} else if n != int(fs.sectorSize) {
			errs = multierror.Append(errs,
				errors.ErrShortIO.WithMessage("short FAT write"))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}
	fs.lastFatAccessMode = fatAccessRead
	return nil
}

// fatSector returns the cached copy of the given sector of the primary FAT,
// loading it first if a different sector is cached. In write mode the
// sector is marked dirty.
func (fs *Fs) fatSector(nr uint32, write bool) ([]byte, error) {
	if fs.lastFatSectorData == nil || fs.lastFatSectorNr != nr ||
		fs.lastFatAccessMode == fatAccessNone {
		if err := fs.flushFatSector(); err != nil {
			return nil, err
		}
		if fs.lastFatSectorData == nil {
			fs.lastFatSectorData = make([]byte, fs.sectorSize)
		}
		sector := uint32(fs.fatStart) + fs.primaryFat*fs.fatLen + nr
		n, err := streams.ForceReadAt(
			fs.Next(), fs.lastFatSectorData, fs.SectorsToBytes(sector))
		if err != nil {
			return nil, errors.ErrIOFailed.WrapError(err)
		}
		if n != int(fs.sectorSize) {
			return nil, errors.ErrShortIO.WithMessage("could not read FAT sector")
		}
		fs.lastFatSectorNr = nr
		fs.lastFatAccessMode = fatAccessRead
	}
	if write {
		fs.lastFatAccessMode = fatAccessWrite
	}
	return fs.lastFatSectorData, nil
}

// zeroFatSector installs an all-zero cached sector without reading the
// medium first. Used when initializing a fresh FAT.
func (fs *Fs) zeroFatSector(nr uint32) error {
	if err := fs.flushFatSector(); err != nil {
		return err
	}
	if fs.lastFatSectorData == nil {
		fs.lastFatSectorData = make([]byte, fs.sectorSize)
	}
	for i := range fs.lastFatSectorData {
		fs.lastFatSectorData[i] = 0
	}
	fs.lastFatSectorNr = nr
	fs.lastFatAccessMode = fatAccessWrite
	return nil
}

// fatByte gives access to one byte of the FAT through the sector cache.
// FAT12 entries can straddle a sector end, so the codec must be able to
// fetch single bytes from two different sectors for one entry.
func (fs *Fs) fatByte(addr uint32, write bool) (*byte, error) {
	sector, err := fs.fatSector(addr>>fs.sectorShift, write)
	if err != nil {
		return nil, err
	}
	return &sector[addr&fs.sectorMask], nil
}

// ---------------------------------------------------------------------------
// FAT12: two 12-bit entries packed into three bytes, little-endian.

func (fs *Fs) fat12Decode(pos uint32) (uint32, error) {
	addr := pos + pos/2
	b0, err := fs.fatByte(addr, false)
	if err != nil {
		return 0, err
	}
	v0 := uint32(*b0)
	b1, err := fs.fatByte(addr+1, false)
	if err != nil {
		return 0, err
	}
	v1 := uint32(*b1)
	if pos&1 != 0 {
		return (v0 >> 4) | (v1 << 4), nil
	}
	return v0 | ((v1 & 0x0F) << 8), nil
}

func (fs *Fs) fat12Encode(pos, value uint32) error {
	addr := pos + pos/2
	b0, err := fs.fatByte(addr, true)
	if err != nil {
		return err
	}
	if pos&1 != 0 {
		*b0 = (*b0 & 0x0F) | uint8((value&0x0F)<<4)
	} else {
		*b0 = uint8(value)
	}
	// The second byte may sit in the next sector; fetch it separately.
	b1, err := fs.fatByte(addr+1, true)
	if err != nil {
		return err
	}
	if pos&1 != 0 {
		*b1 = uint8(value >> 4)
	} else {
		*b1 = (*b1 & 0xF0) | uint8((value>>8)&0x0F)
	}
	return nil
}

// ---------------------------------------------------------------------------
// FAT16: two bytes per entry. Entries never straddle sectors.

func (fs *Fs) fat16Address(pos uint32) (offset uint32, sector uint32) {
	addr := pos * 2
	return addr & fs.sectorMask, addr >> fs.sectorShift
}

func (fs *Fs) fat16Decode(pos uint32) (uint32, error) {
	offset, sectorNr := fs.fat16Address(pos)
	sector, err := fs.fatSector(sectorNr, false)
	if err != nil {
		return 0, err
	}
	return uint32(binary.LittleEndian.Uint16(sector[offset:])), nil
}

func (fs *Fs) fat16Encode(pos, value uint32) error {
	offset, sectorNr := fs.fat16Address(pos)
	sector, err := fs.fatSector(sectorNr, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(sector[offset:], uint16(value))
	return nil
}

// ---------------------------------------------------------------------------
// FAT32: four bytes per entry, low 28 bits; the top nibble is reserved and
// preserved on write.

func (fs *Fs) fat32Address(pos uint32) (offset uint32, sector uint32) {
	addr := pos * 4
	return addr & fs.sectorMask, addr >> fs.sectorShift
}

func (fs *Fs) fat32Decode(pos uint32) (uint32, error) {
	offset, sectorNr := fs.fat32Address(pos)
	sector, err := fs.fatSector(sectorNr, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(sector[offset:]) & 0x0FFFFFFF, nil
}

func (fs *Fs) fat32Encode(pos, value uint32) error {
	offset, sectorNr := fs.fat32Address(pos)
	sector, err := fs.fatSector(sectorNr, true)
	if err != nil {
		return err
	}
	old := binary.LittleEndian.Uint32(sector[offset:])
	binary.LittleEndian.PutUint32(sector[offset:], (old&0xF0000000)|(value&0x0FFFFFFF))
	return nil
}

// ---------------------------------------------------------------------------

// FatDecode returns the successor of cluster pos.
func (fs *Fs) FatDecode(pos uint32) (uint32, error) {
	return fs.fatDecode(pos)
}

// FatEncode sets the FAT entry of cluster pos.
func (fs *Fs) FatEncode(pos, value uint32) error {
	return fs.fatEncode(pos, value)
}

// FatAppend links cluster newpos onto pos: newpos becomes an end-of-chain
// entry and pos points at it.
func (fs *Fs) FatAppend(pos, newpos uint32) error {
	if err := fs.FatAllocate(newpos, fs.endFat); err != nil {
		return err
	}
	return fs.fatEncode(pos, newpos)
}

// FatAllocate marks cluster pos as used with the given successor value.
func (fs *Fs) FatAllocate(pos, value uint32) error {
	if err := fs.fatEncode(pos, value); err != nil {
		return err
	}
	if fs.freeSpace != MAX32 && fs.freeSpace > 0 {
		fs.freeSpace--
	}
	if fs.freeMap != nil {
		fs.freeMap.Set(int(pos), false)
	}
	return nil
}

// FatDeallocate walks the chain from pos writing free entries, releasing
// every cluster on it.
func (fs *Fs) FatDeallocate(pos uint32) error {
	rel := uint32(0)
	var oldRel, oldAbs uint32
	for pos >= 2 && pos <= fs.lastFat {
		next, err := fs.fatDecode(pos)
		if err != nil {
			return err
		}
		if err := fs.fatEncode(pos, 0); err != nil {
			return err
		}
		if fs.freeSpace != MAX32 {
			fs.freeSpace++
		}
		if fs.freeMap != nil {
			fs.freeMap.Set(int(pos), true)
		}
		rel++
		if err := loopDetect(&oldRel, rel, &oldAbs, next); err != nil {
			return err
		}
		pos = next
	}
	return nil
}

// clusterIsFree consults the free-cluster bitmap when one has been built,
// and the FAT itself otherwise.
func (fs *Fs) clusterIsFree(pos uint32) (bool, error) {
	if fs.freeMap != nil {
		return fs.freeMap.Get(int(pos)), nil
	}
	v, err := fs.fatDecode(pos)
	if err != nil {
		return false, err
	}
	return v == 0, nil
}

// GetNextFreeCluster scans for a free cluster starting after last, wrapping
// around at the end of the cluster space. Returns 1 when the filesystem is
// full; 1 is never a legal cluster, so the sentinel cannot collide.
func (fs *Fs) GetNextFreeCluster(last uint32) (uint32, error) {
	if last < 2 {
		last = fs.last
	}
	if last < 2 || last > fs.numClus+1 {
		last = 1
	}
	for pos := last + 1; pos < fs.numClus+2; pos++ {
		free, err := fs.clusterIsFree(pos)
		if err != nil {
			return 1, err
		}
		if free {
			fs.last = pos
			return pos, nil
		}
	}
	for pos := uint32(2); pos <= last; pos++ {
		free, err := fs.clusterIsFree(pos)
		if err != nil {
			return 1, err
		}
		if free {
			fs.last = pos
			return pos, nil
		}
	}
	return 1, nil
}

// ZeroFat initializes a fresh FAT: entry 0 carries the media descriptor
// with all other bits set, entry 1 is an end-of-chain marker, and
// everything else is free.
func (fs *Fs) ZeroFat(mediaDescriptor uint8) error {
	for nr := uint32(0); nr < fs.fatLen; nr++ {
		if err := fs.zeroFatSector(nr); err != nil {
			return err
		}
	}
	// Rewind to sector 0 for the reserved entries.
	if err := fs.fatEncode(0, 0xFFFFFF00|uint32(mediaDescriptor)); err != nil {
		return err
	}
	if err := fs.fatEncode(1, fs.endFat); err != nil {
		return err
	}
	fs.freeSpace = fs.numClus
	fs.last = 1
	freeMap := bitmap.Bitmap(bitmap.NewSlice(int(fs.numClus) + 2))
	for pos := uint32(2); pos < fs.numClus+2; pos++ {
		freeMap.Set(int(pos), true)
	}
	fs.freeMap = freeMap
	return nil
}

// fatWrite flushes the cached FAT sector and, on FAT32, rewrites the info
// sector so free-space hints stay honest.
func (fs *Fs) fatWrite() error {
	if err := fs.flushFatSector(); err != nil {
		return err
	}
	if fs.fatBits == 32 && fs.infoSectorLoc != 0 && fs.infoSectorLoc != MAX32 &&
		fs.freeSpace != MAX32 {
		return fs.writeInfoSector()
	}
	return nil
}

// fatRead verifies the FAT shape against the boot sector values and pulls
// the FAT32 info-sector hints if present.
func (fs *Fs) fatRead(totSectors uint32) error {
	// The FAT must be large enough to describe every cluster.
	nybbles := uint64(fs.numClus+2) * uint64(fs.fatBits) / 4
	if nybbles > uint64(fs.fatLen)*uint64(fs.sectorSize)*2 {
		return errors.ErrBadBPB.WithMessage("FAT too short for cluster count")
	}
	if fs.clusStart+fs.numClus*uint32(fs.clusterSize) > totSectors {
		return errors.ErrBadBPB.WithMessage("clusters extend past end of filesystem")
	}
	// Probe the first FAT sector so a wildly wrong layout fails here, not
	// in the middle of an operation.
	if _, err := fs.fatSector(0, false); err != nil {
		return err
	}
	if fs.fatBits == 32 {
		fs.readInfoSector()
	}
	return nil
}

// FAT32 FSInfo sector layout.
const (
	infoLeadSig   = 0x41615252 // "RRaA"
	infoStructSig = 0x61417272 // "rrAa"
	infoFreeOff   = 488
	infoNextOff   = 492
)

func (fs *Fs) readInfoSector() {
	sector := make([]byte, fs.sectorSize)
	n, err := streams.ForceReadAt(fs.Next(), sector, fs.SectorsToBytes(fs.infoSectorLoc))
	if err != nil || n != int(fs.sectorSize) {
		return
	}
	if binary.LittleEndian.Uint32(sector[0:]) != infoLeadSig ||
		binary.LittleEndian.Uint32(sector[484:]) != infoStructSig {
		return
	}
	free := binary.LittleEndian.Uint32(sector[infoFreeOff:])
	if free <= fs.numClus {
		fs.freeSpace = free
	}
	next := binary.LittleEndian.Uint32(sector[infoNextOff:])
	if next >= 2 && next < fs.numClus+2 {
		fs.last = next
	}
}

func (fs *Fs) writeInfoSector() error {
	sector := make([]byte, fs.sectorSize)
	binary.LittleEndian.PutUint32(sector[0:], infoLeadSig)
	binary.LittleEndian.PutUint32(sector[484:], infoStructSig)
	binary.LittleEndian.PutUint32(sector[infoFreeOff:], fs.freeSpace)
	binary.LittleEndian.PutUint32(sector[infoNextOff:], fs.last)
	sector[510] = 0x55
	sector[511] = 0xAA
	n, err := streams.ForceWriteAt(fs.Next(), sector, fs.SectorsToBytes(fs.infoSectorLoc))
	if err != nil {
		return err
	}
	if n != int(fs.sectorSize) {
		return errors.ErrShortIO.WithMessage("short info sector write")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Free space.

// scanFreeClusters walks the whole FAT once, building the free-cluster
// bitmap and the exact free count. The bitmap is kept current by
// FatAllocate and FatDeallocate afterwards, so the allocator never has to
// walk the FAT again.
func (fs *Fs) scanFreeClusters() error {
	freeMap := bitmap.Bitmap(bitmap.NewSlice(int(fs.numClus) + 2))
	count := uint32(0)
	for pos := uint32(2); pos < fs.numClus+2; pos++ {
		v, err := fs.fatDecode(pos)
		if err != nil {
			return err
		}
		if v == 0 {
			freeMap.Set(int(pos), true)
			count++
		}
	}
	fs.freeMap = freeMap
	fs.freeSpace = count
	return nil
}

// GetFree returns the number of free bytes on the filesystem, with
// outstanding pre-allocations already deducted so the answer stays honest
// about bytes yet to be written.
func (fs *Fs) GetFree() (int64, error) {
	if fs.freeSpace == MAX32 {
		if err := fs.scanFreeClusters(); err != nil {
			return 0, err
		}
	}
	avail := fs.freeSpace
	if avail < fs.preallocatedClusters {
		avail = 0
	} else {
		avail -= fs.preallocatedClusters
	}
	return int64(avail) * int64(fs.ClusterBytes()), nil
}

// GetFreeMinClusters reports whether at least size clusters remain free
// once outstanding pre-allocations are taken into account.
func (fs *Fs) GetFreeMinClusters(size uint32) (bool, error) {
	if fs.freeSpace == MAX32 {
		if _, err := fs.GetFree(); err != nil {
			return false, err
		}
	}
	avail := fs.freeSpace
	if avail < fs.preallocatedClusters {
		return false, nil
	}
	return avail-fs.preallocatedClusters >= size, nil
}

// GetFreeMinBytes reports whether at least ref bytes remain free.
func (fs *Fs) GetFreeMinBytes(ref int64) (bool, error) {
	clusterBytes := int64(fs.ClusterBytes())
	clusters := ref / clusterBytes
	if ref%clusterBytes != 0 {
		clusters++
	}
	return fs.GetFreeMinClusters(uint32(clusters))
}

// loopDetect is the shared cycle check for chain walks: O(1) state with
// exponentially spaced markers. A revisit of the remembered absolute
// cluster at a later relative position means the chain loops.
func loopDetect(oldRel *uint32, rel uint32, oldAbs *uint32, abs uint32) error {
	if *oldRel != 0 && rel > *oldRel && abs == *oldAbs {
		return errors.ErrLoopDetected
	}
	if rel >= 2*(*oldRel)+1 {
		*oldRel = rel
		*oldAbs = abs
	}
	return nil
}
