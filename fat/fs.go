// Package fat implements the FAT12/16/32 filesystem engine on top of the
// stream stack: boot-sector parsing, the FAT codec with its single-sector
// cache, cluster allocation and pre-allocation accounting, file and
// directory streams, and the formatting planner.
package fat

import (
	"math"
	"math/bits"

	"github.com/boljen/go-bitmap"

	"github.com/dosdisk/dosdisk/device"
	"github.com/dosdisk/dosdisk/dosname"
	"github.com/dosdisk/dosdisk/errors"
	"github.com/dosdisk/dosdisk/streams"
)

// MAX32 marks "unknown" for 32-bit counters such as the free-space count.
const MAX32 = math.MaxUint32

type fatAccessMode int

const (
	fatAccessNone fatAccessMode = iota
	fatAccessRead
	fatAccessWrite
)

// Fs is the filesystem engine. It is itself a stream: reads and writes pass
// through to the buffered disk below, Flush writes back the FAT cache, and
// file streams stack on top of it.
type Fs struct {
	streams.Head

	serialized   bool
	serialNumber uint32

	clusterSize uint8
	sectorSize  uint16
	sectorShift uint
	sectorMask  uint32

	fatDecode func(pos uint32) (uint32, error)
	fatEncode func(pos, value uint32) error

	fatStart uint16
	fatLen   uint32
	numFat   uint8
	endFat   uint32
	lastFat  uint32
	fatBits  int

	dirStart  uint32
	dirLen    uint16
	clusStart uint32
	numClus   uint32

	drive byte

	// FAT32 only.
	primaryFat    uint32
	writeAllFats  bool
	rootCluster   uint32
	infoSectorLoc uint32
	backupBoot    uint16

	last                 uint32 // last allocated cluster hint
	freeSpace            uint32 // free clusters, or MAX32 when unknown
	freeMap              bitmap.Bitmap
	preallocatedClusters uint32

	lastFatSectorNr   uint32
	lastFatSectorData []byte
	lastFatAccessMode fatAccessMode

	cp *dosname.Converter

	// Open files are interned by first cluster so two opens of the same
	// file share one handle. Process-wide in the original; carried on the
	// filesystem context here.
	filehash map[uint32]*File

	// batchMode pads tail writes to cluster boundaries.
	batchMode bool
}

// SectorsToBytes converts a sector count or sector address into bytes.
func (fs *Fs) SectorsToBytes(sectors uint32) int64 {
	return int64(sectors) << fs.sectorShift
}

// ClusterBytes is the size of one cluster in bytes.
func (fs *Fs) ClusterBytes() uint32 {
	return uint32(fs.clusterSize) * uint32(fs.sectorSize)
}

func (fs *Fs) FatBits() int       { return fs.fatBits }
func (fs *Fs) NumClus() uint32    { return fs.numClus }
func (fs *Fs) ClusStart() uint32  { return fs.clusStart }
func (fs *Fs) DirStart() uint32   { return fs.dirStart }
func (fs *Fs) DirLen() uint16     { return fs.dirLen }
func (fs *Fs) FatStart() uint16   { return fs.fatStart }
func (fs *Fs) FatLen() uint32     { return fs.fatLen }
func (fs *Fs) NumFat() uint8      { return fs.numFat }
func (fs *Fs) SectorSize() uint16 { return fs.sectorSize }
func (fs *Fs) EndFat() uint32     { return fs.endFat }
func (fs *Fs) RootCluster() uint32 { return fs.rootCluster }

// SetBatchMode turns cluster-padded tail writes on or off.
func (fs *Fs) SetBatchMode(on bool) {
	fs.batchMode = on
}

func (fs *Fs) Flush() error {
	if err := fs.fatWrite(); err != nil {
		return err
	}
	return fs.Head.Flush()
}

func (fs *Fs) Close() error {
	return fs.CloseChain(fs)
}

func (fs *Fs) DOSConverter() *dosname.Converter {
	return fs.cp
}

// calcClusStart derives the first data sector from the layout fields.
func (fs *Fs) calcClusStart() uint32 {
	return uint32(fs.fatStart) + fs.fatLen*uint32(fs.numFat) + uint32(fs.dirLen)
}

// calcNumClus fills clusStart and numClus from the total sector count. It
// fails when the disk cannot even hold the metadata.
func (fs *Fs) calcNumClus(totSectors uint32) error {
	fs.clusStart = fs.calcClusStart()
	if totSectors <= fs.clusStart {
		return errors.ErrTooFewSectors
	}
	fs.numClus = (totSectors - fs.clusStart) / uint32(fs.clusterSize)
	return nil
}

// log2SectorSize returns the exponent when size is a power of two, or
// false. Upper and lower sector size limits are left to the caller.
func log2SectorSize(size uint16) (uint, bool) {
	if size == 0 || size&(size-1) != 0 {
		return 0, false
	}
	return uint(bits.TrailingZeros16(size)), true
}

// parseParams gleans the filesystem layout from the boot sector. Media
// bytes below 0xF0 mean an "old DOS" disk whose parameters come from the
// preset table instead of a BPB. Returns the total sector count.
func (fs *Fs) parseParams(boot *BootSector, media int, cylinderSize uint32) (uint32, error) {
	var totSectors uint32

	if media&^7 == 0xF8 {
		// No BPB; media descriptor found in the first FAT byte.
		params := OldDosByMedia(media)
		if params == nil {
			return 0, errors.ErrBadBPB.WithMessage("unknown media byte")
		}
		fs.clusterSize = params.ClusterSize
		totSectors = cylinderSize * params.Tracks
		fs.fatStart = 1
		fs.fatLen = params.FatLen
		fs.dirLen = params.DirLen
		fs.numFat = 2
		fs.sectorSize = 512
		fs.sectorShift = 9
		fs.sectorMask = 511
	} else {
		fs.sectorSize = boot.SectorSize()
		if fs.sectorSize > MaxSector {
			return 0, errors.ErrBadBPB.WithMessage("sector size too big")
		}
		shift, ok := log2SectorSize(fs.sectorSize)
		if !ok {
			return 0, errors.ErrBadBPB.WithMessage("sector size not a small power of two")
		}
		fs.sectorShift = shift
		fs.sectorMask = uint32(fs.sectorSize) - 1

		// All numbers are in sectors, except numClus (which is in
		// clusters).
		totSectors = boot.TotSectors()
		fs.clusterSize = boot.ClusterSize()
		if fs.clusterSize == 0 {
			return 0, errors.ErrBadBPB.WithMessage("zero cluster size")
		}
		fs.fatStart = boot.ReservedSectors()
		fs.fatLen = uint32(boot.FatLen())
		fs.dirLen = uint16(uint32(boot.DirEntries()) * DirEntrySize / uint32(fs.sectorSize))
		fs.numFat = boot.NumFat()
		if fs.numFat == 0 {
			return 0, errors.ErrBadBPB.WithMessage("zero FAT copies")
		}

		if fs.fatLen == 0 {
			// FAT32 extended BPB.
			fs.fatLen = boot.BigFatLen()
			fs.backupBoot = boot.BackupBoot()
			fs.rootCluster = boot.RootCluster()
			fs.infoSectorLoc = uint32(boot.InfoSector())
			ext := boot.ExtFlags()
			if ext&0x80 != 0 {
				// Mirroring disabled; low bits name the live FAT.
				fs.primaryFat = uint32(ext & 0x0F)
				fs.writeAllFats = false
			} else {
				fs.primaryFat = 0
				fs.writeAllFats = true
			}
		}

		if boot.HasBPB4() {
			fs.serialized = true
			fs.serialNumber = boot.Serial()
		}
	}

	fs.dirStart = uint32(fs.fatStart) + uint32(fs.numFat)*fs.fatLen
	if err := fs.calcNumClus(totSectors); err != nil {
		return 0, err
	}
	fs.setFat()
	return totSectors, nil
}

// Init opens the image named by the descriptor and brings up the whole
// stack: terminal layer, optional swap/remap/partition/offset layers, the
// cylinder buffer, and the FS engine on top. mode is an os.OpenFile flag
// set (os.O_RDONLY or os.O_RDWR).
func Init(dev *device.Descriptor, mode int) (*Fs, error) {
	fs := &Fs{
		freeSpace:    MAX32,
		writeAllFats: true,
		drive:        dev.Drive,
		filehash:     make(map[uint32]*File),
	}

	disk, boot, media, err := openAndReadBoot(dev, mode)
	if err != nil {
		return nil, err
	}
	fs.InitHead(disk)

	cylinderSize := dev.CylinderSize()
	totSectors, err := fs.parseParams(boot, media, cylinderSize)
	if err != nil {
		disk.Close()
		return nil, err
	}

	// Full cylinder buffering; fall back to a single track when the
	// geometry is unknown.
	diskSize := uint32(512)
	if dev.Tracks != 0 {
		diskSize = cylinderSize
	}
	if diskSize > 256 {
		diskSize = uint32(dev.Sectors)
		if dev.Sectors%2 != 0 {
			diskSize <<= 1
		}
	}
	if diskSize%2 != 0 {
		diskSize *= 2
	}
	blocksize := dev.Blocksize
	if blocksize == 0 || blocksize < uint32(fs.sectorSize) {
		blocksize = uint32(fs.sectorSize)
	}
	if diskSize != 0 {
		buffer, err := streams.NewBuffer(
			fs.Next(),
			int64(8*diskSize*blocksize),
			int64(diskSize*blocksize),
			int64(fs.sectorSize),
		)
		if err == nil {
			fs.InitHead(buffer)
		}
	}

	if err := fs.fatRead(totSectors); err != nil {
		fs.Next().Close()
		return nil, errors.ErrBadBPB.WrapError(err)
	}

	cp, err := dosname.Open(dev.Codepage)
	if err != nil {
		fs.Next().Close()
		return nil, err
	}
	fs.cp = cp

	return fs, nil
}

// openAndReadBoot builds the disk half of the stack and reads the boot
// sector off it. Returns the topmost disk stream, the boot sector, and the
// media type (media byte + 0x100 when a BPB is present).
func openAndReadBoot(dev *device.Descriptor, mode int) (streams.Stream, *BootSector, int, error) {
	disk, maxSize, err := OpenDisk(dev, mode)
	if err != nil {
		return nil, nil, 0, err
	}
	_ = maxSize

	boot := &BootSector{}
	size := uint32(BootSize)
	if dev.Blocksize != 0 && dev.Blocksize < MaxBootSize {
		size = dev.Blocksize
	}
	if n, err := streams.ForceReadAt(disk, boot.Bytes[:size], 0); n != int(size) {
		disk.Close()
		if err == nil {
			err = errors.ErrShortIO
		}
		return nil, nil, 0, errors.ErrOpenFailed.WithMessage("could not read boot sector").WrapError(err)
	}

	media, err := mediaType(disk, boot)
	if err != nil {
		disk.Close()
		return nil, nil, 0, err
	}

	if err := disk.SetGeometry(dev, dev); err != nil {
		disk.Close()
		return nil, nil, 0, err
	}
	bootToGeom(dev, media, boot)
	return disk, boot, media, nil
}

// mediaType returns the media byte from the BPB, plus 0x100 when the BPB
// looks valid. Media bytes below 0xF0 mean an old DOS disk: the descriptor
// is in the first FAT byte instead.
func mediaType(disk streams.Stream, boot *BootSector) (int, error) {
	media := int(boot.Descr())
	if media < 0xF0 {
		var temp [512]byte
		if n, _ := streams.ForceReadAt(disk, temp[:], 512); n == 512 {
			media = int(temp[0])
		} else {
			media = 0
		}
	} else {
		media += 0x100
	}
	if media <= 0xF0 {
		return 0, errors.ErrBadBPB.WithMessage("non-DOS media")
	}
	return media, nil
}

// bootToGeom back-fills descriptor geometry from the boot sector.
func bootToGeom(dev *device.Descriptor, media int, boot *BootSector) {
	if media == 0xF0 || media >= 0x100 {
		dev.Heads = boot.Nheads()
		dev.Sectors = boot.Nsect()
		totSectors := boot.TotSectors()
		sectPerTrack := uint32(dev.Heads) * uint32(dev.Sectors)
		if sectPerTrack != 0 {
			dev.Tracks = totSectors / sectPerTrack
			if totSectors%sectPerTrack != 0 {
				dev.Tracks++
			}
		}
		if boot.SectorSize() != 0 {
			dev.SectorSize = boot.SectorSize()
		}
	} else if params := OldDosByMedia(media); params != nil {
		dev.Heads = params.Heads
		dev.Sectors = params.Sectors
		dev.Tracks = params.Tracks
	}
}

// OpenDisk builds the disk side of the stream stack from the descriptor:
// image, then swap, remap, partition and offset layers as configured. The
// returned maxSize is the remaining byte budget of the medium.
func OpenDisk(dev *device.Descriptor, mode int) (streams.Stream, int64, error) {
	img, err := streams.OpenImage(dev, dev.Name, mode)
	if err != nil {
		return nil, 0, err
	}
	var stack streams.Stream = img
	maxSize := int64(math.MaxInt64)

	if dev.Flags.Has(device.Swap) {
		stack = streams.OpenSwap(stack)
	}
	if dev.DataMap != "" {
		remapped, err := streams.OpenRemap(stack, dev)
		if err != nil {
			stack.Close()
			return nil, 0, err
		}
		stack = remapped
	}
	if dev.Partition != 0 {
		part, err := streams.OpenPartition(stack, dev, &maxSize)
		if err != nil {
			stack.Close()
			return nil, 0, err
		}
		stack = part
	}
	if dev.Offset != 0 {
		off, err := streams.OpenOffset(stack, dev, dev.Offset, &maxSize)
		if err != nil {
			stack.Close()
			return nil, 0, err
		}
		stack = off
	}
	return stack, maxSize, nil
}

// PreallocateClusters records that an upper layer will need size more
// clusters. It is granted only if the filesystem still believes it has that
// many free clusters to give.
func (fs *Fs) PreallocateClusters(size uint32) error {
	if size > 0 {
		ok, err := fs.GetFreeMinClusters(size)
		if err != nil {
			return err
		}
		if !ok {
			return errors.ErrNoSpace
		}
	}
	fs.preallocatedClusters += size
	return nil
}

// ReleasePreallocatedClusters returns clusters that were reserved but have
// now either been really allocated or will never be needed.
func (fs *Fs) ReleasePreallocatedClusters(size uint32) {
	fs.preallocatedClusters -= size
}
