package fat

// The formatting planner: given total sectors and whatever the caller
// pinned down, derive a consistent {fat_bits, cluster_size, fat_len,
// dir_len, fat_start} set, then build the filesystem on disk.

import (
	"math/rand"
	"os"

	"github.com/dosdisk/dosdisk/device"
	"github.com/dosdisk/dosdisk/dosname"
	"github.com/dosdisk/dosdisk/errors"
	"github.com/dosdisk/dosdisk/mbr"
	"github.com/dosdisk/dosdisk/streams"
)

// Classifier results for one cluster-size trial.
const (
	fitTooFewSectors  = -2 // not even the metadata fits
	fitTooFewClusters = -1 // shrink cluster size or FAT bits
	fitOK             = 0
	fitTooManyClusters = 1 // grow cluster size or FAT bits
	fitFatLenExceeded  = 2 // fixed FAT length too small; grow cluster size
)

// calcFatLen computes the length of one FAT in sectors from the closed
// form. See the mtools paper on FAT size calculation for why this works:
// one cluster consumes cluster_size*sector_size*2 nybbles of data space
// plus num_fat*fat_nybbles of FAT space.
func (fs *Fs) calcFatLen(totSectors uint32) int {
	fs.fatLen = 0
	clusStart := fs.calcClusStart()
	if totSectors < clusStart {
		return fitTooFewSectors
	}
	remSect := totSectors - clusStart

	// Address the really common case of an odd number of remaining sectors
	// while both nfat and cluster size are even.
	if remSect%2 == 1 && fs.numFat%2 == 0 && fs.clusterSize%2 == 0 {
		remSect--
	}

	fatNybbles := uint32(fs.fatBits) / 4
	numerator := remSect + 2*uint32(fs.clusterSize)
	// Might overflow, but is cancelled out below. Unsigned wrap-around is
	// well-defined, so an a-posteriori fixup is allowable.
	denominator := uint32(fs.clusterSize)*uint32(fs.sectorSize)*2 +
		uint32(fs.numFat)*fatNybbles

	if fatNybbles == 3 {
		// Must test before multiplying, or remSect*fatNybbles might
		// overflow.
		if remSect > 256*fat12MaxClus {
			return fitTooManyClusters
		}
		numerator *= fatNybbles
	} else {
		// Avoid overflow: divide the denominator rather than multiplying
		// the numerator.
		denominator /= fatNybbles
	}

	corr := uint32(0)
	if remSect > denominator {
		numerator -= denominator
		corr++
	}

	fs.fatLen = (numerator-1)/denominator + 1 + corr
	return fitOK
}

// clustersFitIntoFat checks that the FAT has room for a descriptor per
// cluster. Only valid once numClus is known to be below the FAT32 ceiling.
func (fs *Fs) clustersFitIntoFat() bool {
	return ((fs.numClus+2)*(uint32(fs.fatBits)/4)-1)/(uint32(fs.sectorSize)*2) <
		fs.fatLen
}

// tryClusterSize tests the current {fat_bits, cluster_size} pair, padding
// metadata once if allowed to pull a boundary case below the cluster-count
// ceiling.
func (fs *Fs) tryClusterSize(
	totSectors uint32,
	mayChangeBootSize bool,
	mayChangeFatLen bool,
	mayChangeRootSize bool,
	mayPad bool,
) int {
	var minClus, maxClus uint32
	switch fs.fatBits {
	case 12:
		minClus, maxClus = 1, fat12MaxClus
	case 16:
		minClus, maxClus = 4096, fat16MaxClus
	case 32:
		minClus, maxClus = fat16MaxClus, fat32MaxClus
	default:
		return fitTooFewSectors
	}

	if mayChangeFatLen {
		if fit := fs.calcFatLen(totSectors); fit != fitOK {
			return fit
		}
	}

	for {
		if fs.calcNumClus(totSectors) != nil {
			return fitTooFewSectors
		}
		if fs.numClus < minClus {
			// Not enough clusters; the caller should shrink FAT bits
			// again.
			return fitTooFewClusters
		}

		if !mayChangeFatLen {
			// fat_len was explicitly specified; the cluster descriptors
			// must fit within it.
			if fs.numClus >= fat32MaxClus || !fs.clustersFitIntoFat() {
				return fitFatLenExceeded
			}
		}

		if fs.numClus < maxClus {
			break
		}
		if !mayPad {
			return fitTooManyClusters
		}

		// Slightly too many clusters for these FAT bits, and the caller
		// pinned them: waste sectors on boot area, FAT or root directory
		// until the count drops below the ceiling.
		bwaste := totSectors - fs.clusStart - maxClus*uint32(fs.clusterSize) + 1
		waste := uint16(bwaste)
		var dirGrow uint16

		if mayChangeRootSize {
			dirGrow = 32 - fs.dirLen
			if dirGrow > waste {
				dirGrow = waste
			}
			waste -= dirGrow
		}
		if mayChangeFatLen && (!mayChangeBootSize || fs.fatBits == 12) {
			fatGrow := (waste + uint16(fs.numFat) - 1) / uint16(fs.numFat)
			fs.fatLen += uint32(fatGrow)

			// Shrink the directory again, but at most by as much as we
			// grew it.
			dirShrink := waste - fatGrow*uint16(fs.numFat)
			if dirShrink > dirGrow {
				dirShrink = dirGrow
			}
			dirGrow -= dirShrink
		} else if mayChangeBootSize {
			fs.fatStart += waste
		}
		fs.dirLen += dirGrow

		// If padding once failed, no point in retrying.
		mayPad = false
	}
	return fitOK
}

// CalcFsParameters finds a full parameter set for a filesystem of
// totSectors sectors, starting from whatever the caller preset in fs
// (zero fields are free). It implements the decision loop of the original
// planner: walk cluster sizes and FAT widths until the classifier is
// satisfied, falling back one width with padding when a boundary case
// leaves too few clusters for the wider FAT.
func (fs *Fs) CalcFsParameters(dev *device.Descriptor, fat32 bool, totSectors uint32) (uint8, error) {
	mayChangeBootSize := fs.fatStart == 0
	mayChangeFatBits := dev.FatBits == 0 && !fat32
	mayChangeClusterSize := fs.clusterSize == 0
	mayChangeRootSize := fs.dirLen == 0
	mayChangeFatLen := fs.fatLen == 0
	// With both the FAT width and the cluster size pinned by the caller,
	// padding metadata is the only slack left for boundary cases, so it is
	// allowed from the start.
	mayPad := !mayChangeFatBits && !mayChangeClusterSize

	fs.infoSectorLoc = 0

	absFatBits := dev.FatBits
	if absFatBits < 0 {
		absFatBits = -absFatBits
	}

	// Old-DOS fast path: a classic floppy geometry with no conflicting
	// overrides formats exactly the way DOS always did.
	if (mayChangeFatBits || absFatBits == 12) &&
		(mayChangeBootSize || fs.fatStart == 1) {
		if params := OldDosByParams(dev.Tracks, dev.Heads, dev.Sectors,
			fs.dirLen, fs.clusterSize); params != nil {
			fs.fatStart = 1
			fs.clusterSize = params.ClusterSize
			fs.dirLen = params.DirLen
			fs.fatLen = params.FatLen
			fs.fatBits = 12
			if err := fs.calcNumClus(totSectors); err != nil {
				return 0, err
			}
			if err := fs.checkParamsAndSetFat(totSectors); err != nil {
				return 0, err
			}
			return params.Media.byte(), nil
		}
	}

	// A format described by a BPB. Removable media that fill whole
	// cylinders get 0xF0, everything else the hard-disk byte.
	descr := uint8(0xF8)
	perCyl := uint32(dev.Sectors) * uint32(dev.Heads)
	if dev.Hidden == 0 && perCyl != 0 && totSectors%perCyl == 0 {
		descr = 0xF0
	}

	fs.fatBits = absFatBits
	if fs.fatBits == 0 {
		// Not specified by the device: start with a 12-bit FAT unless
		// FAT32 was asked for outright.
		if fat32 {
			fs.fatBits = 32
		} else {
			fs.fatBits = 12
		}
	}
	if fs.clusterSize == 0 {
		switch {
		case totSectors < 2400 && dev.Heads == 2:
			// Double-sided double-density floppies.
			fs.clusterSize = 2
		case mayChangeFatLen && fs.fatBits == 32:
			fs.clusterSize = 8
		default:
			fs.clusterSize = 1
		}
	}

	if fs.dirLen == 0 {
		switch {
		case totSectors < 1200:
			if dev.Heads == 1 {
				fs.dirLen = 4
			} else {
				fs.dirLen = 7
			}
		case totSectors <= 3840:
			fs.dirLen = 14
		case totSectors <= 7680:
			fs.dirLen = 15
		default:
			fs.dirLen = 32
		}
	}
	savedDirLen := fs.dirLen

	for {
		if mayChangeBootSize {
			if fs.fatBits == 32 {
				fs.fatStart = 32
			} else {
				fs.fatStart = 1
			}
		}
		if fs.fatBits == 32 {
			fs.dirLen = 0
		} else if fs.dirLen == 0 {
			fs.dirLen = savedDirLen
		}

		if fs.fatBits == 32 && mayChangeClusterSize && mayChangeFatLen {
			// FAT32 cluster sizes per the Microsoft specification
			// fatgen103, generalized to any sector size.
			switch {
			case totSectors >= 32*1024*1024*2:
				fs.clusterSize = 64
			case totSectors >= 16*1024*1024*2:
				fs.clusterSize = 32
			case totSectors >= 8*1024*1024*2:
				fs.clusterSize = 16
			}
		}

		fit := fs.tryClusterSize(totSectors,
			mayChangeBootSize, mayChangeFatLen, mayChangeRootSize, mayPad)
		if fit == fitOK {
			break
		}
		if fit == fitTooFewSectors {
			return 0, errors.ErrTooFewSectors
		}

		if fit < 0 {
			if mayChangeClusterSize && mayChangeFatLen && fs.clusterSize > 1 {
				fs.clusterSize /= 2
				continue
			}

			// Too few clusters for the current FAT size: after raising
			// FAT bits, the larger FAT entries grew the FAT and pushed
			// the cluster count below the new minimum. Drop the bits back
			// and pad instead.
			if !mayChangeFatBits || fs.fatBits == 12 {
				return 0, errors.ErrTooFewClusters
			}
			switch fs.fatBits {
			case 16:
				fs.fatBits = 12
			case 32:
				fs.fatBits = 16
			}
			mayPad = true
			continue
		}

		if fit == fitTooManyClusters && mayChangeFatBits && !mayPad {
			// Cluster size reached the ceiling for these FAT bits; move
			// to the next width.
			if fs.fatBits == 12 &&
				(!mayChangeClusterSize || fs.clusterSize >= 8) {
				fs.fatBits = 16
				if mayChangeClusterSize {
					fs.clusterSize = 1
				}
				continue
			}
			if fs.fatBits == 16 &&
				(!mayChangeClusterSize || fs.clusterSize >= 64) {
				fs.fatBits = 32
				if mayChangeClusterSize {
					if mayChangeFatLen {
						fs.clusterSize = 8
					} else {
						fs.clusterSize = 1
					}
				}
				continue
			}
		}

		if mayChangeClusterSize && fs.clusterSize < 128 {
			// Double the cluster size and try again.
			fs.clusterSize *= 2
			continue
		}

		if fit == fitFatLenExceeded && mayChangeFatBits &&
			mayChangeRootSize && fs.fatBits == 16 {
			fs.fatBits = 12
			mayPad = true
			continue
		}

		if fit == fitFatLenExceeded {
			return 0, errors.ErrTooManyClustersForFatLen
		}
		return 0, errors.ErrTooManyClusters
	}

	if err := fs.checkParamsAndSetFat(totSectors); err != nil {
		return 0, err
	}
	if fs.fatBits == 32 {
		if err := fs.fat32SpecificInit(); err != nil {
			return 0, err
		}
	}
	return descr, nil
}

func (h hexByte) byte() uint8 {
	return uint8(h)
}

// checkParamsAndSetFat asserts the planner's postconditions and installs
// the FAT codec. The chosen width must survive setFat unchanged.
func (fs *Fs) checkParamsAndSetFat(totSectors uint32) error {
	if fs.fatBits == 32 {
		if fs.dirLen != 0 {
			return errors.ErrBadBPB.WithMessage("FAT32 with fixed root directory")
		}
	} else if fs.dirLen == 0 {
		return errors.ErrBadBPB.WithMessage("zero root directory size")
	}

	// Clusters must fill the disk entirely, up to less than one cluster of
	// slack.
	used := fs.clusStart + fs.numClus*uint32(fs.clusterSize)
	if totSectors < used || totSectors > used+uint32(fs.clusterSize)-1 {
		return errors.ErrBadBPB.WithMessage("clusters do not fill disk")
	}
	if !fs.clustersFitIntoFat() {
		return errors.ErrBadBPB.WithMessage("FAT too small for clusters")
	}

	provisionalBits := fs.fatBits
	fs.setFat()
	if provisionalBits != fs.fatBits {
		return errors.ErrBadBPB.WithMessage("cluster count does not match FAT width")
	}
	return nil
}

func (fs *Fs) fat32SpecificInit() error {
	fs.primaryFat = 0
	fs.writeAllFats = true
	if fs.backupBoot == 0 {
		if fs.fatStart <= 6 {
			fs.backupBoot = fs.fatStart - 1
		} else {
			fs.backupBoot = 6
		}
	}
	if fs.fatStart < 3 {
		return errors.ErrBadBPB.WithMessage("FAT32 needs at least 3 reserved sectors")
	}
	if fs.fatStart <= fs.backupBoot {
		fs.backupBoot = 0
	}
	return nil
}

// FormatOptions carries the caller's choices for a new filesystem. Zero
// fields are picked by the planner.
type FormatOptions struct {
	Label     string
	Serial    uint32
	SerialSet bool
	Fat32     bool
	// Create makes the image file if it does not exist, sized to the
	// geometry.
	Create    bool
	FsVersion uint16
	MediaDesc uint8
	HaveMediaDesc bool

	ClusterSize uint8
	DirLen      uint16
	FatLen      uint32
	FatStart    uint16
	NumFat      uint8
	BackupBoot  uint16
	TotSectors  uint32
}

// initForFormat resets the engine to planner defaults.
func (fs *Fs) initForFormat() {
	fs.numFat = 2
	fs.backupBoot = 0
	fs.freeSpace = MAX32
	fs.writeAllFats = true
	fs.filehash = make(map[uint32]*File)
}

// setFormatSectorSize installs the sector size used for formatting.
func (fs *Fs) setFormatSectorSize(dev *device.Descriptor) error {
	fs.sectorSize = 512
	if dev.SectorSize != 0 {
		fs.sectorSize = dev.SectorSize
	}
	shift, ok := log2SectorSize(fs.sectorSize)
	if !ok {
		return errors.ErrBadBPB.WithMessage("sector size not a power of two")
	}
	fs.sectorShift = shift
	fs.sectorMask = uint32(fs.sectorSize) - 1
	return nil
}

// Format creates a FAT filesystem on the medium described by dev,
// returning the live filesystem for further use. The caller owns the
// returned handle and must Close it.
func Format(dev *device.Descriptor, opts FormatOptions) (*Fs, error) {
	fs := &Fs{drive: dev.Drive}
	fs.initForFormat()
	fs.clusterSize = opts.ClusterSize
	fs.dirLen = opts.DirLen
	fs.fatLen = opts.FatLen
	fs.fatStart = opts.FatStart
	fs.backupBoot = opts.BackupBoot
	if opts.NumFat != 0 {
		fs.numFat = opts.NumFat
	}

	if err := fs.setFormatSectorSize(dev); err != nil {
		return nil, err
	}

	flag := os.O_RDWR
	if opts.Create {
		flag |= os.O_CREATE
	}
	disk, _, err := OpenDisk(dev, flag)
	if err != nil {
		return nil, err
	}

	if opts.TotSectors != 0 {
		dev.TotSectors = opts.TotSectors
	}
	if dev.TotSectors == 0 {
		if err := disk.SetGeometry(dev, dev); err != nil {
			disk.Close()
			return nil, err
		}
	}
	if dev.TotSectors == 0 && dev.Tracks != 0 {
		// CHS geometry given: the partial track taken up by hidden
		// sectors is not usable.
		perCyl := uint32(dev.Sectors) * uint32(dev.Heads)
		dev.TotSectors = dev.Tracks*perCyl - dev.Hidden%perCyl
	}
	ComputeLBAGeometry(dev)
	totSectors := dev.TotSectors
	if totSectors == 0 {
		disk.Close()
		return nil, errors.ErrTooFewSectors.WithMessage("number of sectors not known")
	}

	blocksize := dev.Blocksize
	if blocksize == 0 || blocksize < uint32(fs.sectorSize) {
		blocksize = uint32(fs.sectorSize)
	}

	// Grow a fresh image file to its full size by writing its last sector.
	if opts.Create {
		tail := make([]byte, fs.sectorSize)
		if _, err := streams.ForceWriteAt(disk, tail,
			fs.SectorsToBytes(totSectors-1)); err != nil {
			disk.Close()
			return nil, err
		}
	}

	cylBytes := int64(blocksize) * int64(dev.Heads) * int64(dev.Sectors)
	if cylBytes == 0 {
		cylBytes = int64(blocksize)
	}
	buffer, err := streams.NewBuffer(disk, cylBytes, cylBytes, int64(blocksize))
	if err != nil {
		disk.Close()
		return nil, err
	}
	fs.InitHead(buffer)

	boot := &BootSector{}
	boot.SetNumFat(fs.numFat)
	boot.SetSignature()
	boot.SetNsect(dev.Sectors)
	boot.SetNheads(dev.Heads)

	descr, err := fs.CalcFsParameters(dev, opts.Fat32, totSectors)
	if err != nil {
		buffer.Close()
		return nil, err
	}
	boot.SetDescr(descr)

	if dev.Partition == 0 {
		// Unpartitioned media get a fake partition table pointing at
		// themselves, so tools that insist on one are happy.
		table := &mbr.Table{}
		if err := table.Entries[1].SetBeginEnd(
			0, dev.Tracks*uint32(dev.Heads)*uint32(dev.Sectors),
			dev.Heads, dev.Sectors, true, 0, fs.fatBits); err == nil {
			table.WriteSector(boot.Bytes[:BootSize])
		}
	}

	if fs.fatBits == 32 {
		boot.SetFatLen(0)
		boot.SetBigFatLen(fs.fatLen)
		fs.clusStart = uint32(fs.numFat)*fs.fatLen + uint32(fs.fatStart)
		// Extension flags: mirror FATs, use #0 as primary.
		boot.SetExtFlags(0)
		boot.SetFsVersion(opts.FsVersion)
		fs.rootCluster = 2
		boot.SetRootCluster(fs.rootCluster)
		fs.infoSectorLoc = 1
		boot.SetInfoSector(1)
		boot.SetBackupBoot(fs.backupBoot)
	} else {
		boot.SetFatLen(uint16(fs.fatLen))
		fs.dirStart = uint32(fs.numFat)*fs.fatLen + uint32(fs.fatStart)
		fs.clusStart = fs.dirStart + uint32(fs.dirLen)
	}

	cp, err := dosname.Open(dev.Codepage)
	if err != nil {
		buffer.Close()
		return nil, err
	}
	fs.cp = cp

	serial := opts.Serial
	if !opts.SerialSet {
		serial = rand.Uint32()
	}
	label := opts.Label
	if label == "" {
		label = "NO NAME"
	}
	boot.WriteLabelBlock(fs.fatBits, serial, shortLabel(label))
	fs.serialized = true
	fs.serialNumber = serial

	boot.SetSectorSize(fs.sectorSize)
	boot.SetClusterSize(fs.clusterSize)
	boot.SetReservedSectors(fs.fatStart)
	boot.SetTotSectors(totSectors, dev.Hidden)
	boot.SetJump("DOSDISK")
	installBootProgram(boot)

	if opts.HaveMediaDesc {
		boot.SetDescr(opts.MediaDesc)
	}

	fs.lastFatSectorNr = 0
	fs.lastFatSectorData = nil
	fs.lastFatAccessMode = fatAccessNone
	if err := fs.ZeroFat(boot.Descr()); err != nil {
		buffer.Close()
		return nil, err
	}

	if err := fs.formatRoot(opts.Label, boot); err != nil {
		buffer.Close()
		return nil, err
	}

	if _, err := streams.ForceWriteAt(fs, boot.Bytes[:fs.sectorSize], 0); err != nil {
		buffer.Close()
		return nil, errors.ErrIOFailed.WithMessage("error writing boot sector").WrapError(err)
	}
	if fs.fatBits == 32 && fs.backupBoot != 0 {
		if _, err := streams.ForceWriteAt(fs, boot.Bytes[:fs.sectorSize],
			fs.SectorsToBytes(uint32(fs.backupBoot))); err != nil {
			buffer.Close()
			return nil, errors.ErrIOFailed.WithMessage("error writing backup boot sector").WrapError(err)
		}
	}

	if err := fs.Flush(); err != nil {
		buffer.Close()
		return nil, err
	}
	return fs, nil
}

// shortLabel uppercases and clips a volume label to its 11 bytes.
func shortLabel(label string) string {
	up := make([]byte, 0, 11)
	for i := 0; i < len(label) && len(up) < 11; i++ {
		c := label[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		up = append(up, c)
	}
	return string(up)
}

// bootProgram is a small real-mode stub: it reads the first hard disk's
// boot sector to 0x7C00 with INT 13h and jumps there, and calls INT 19h
// when that read fails.
var bootProgram = []byte{
	0xFA, 0x31, 0xC0, 0x8E, 0xD8, 0x8E, 0xC0, 0xFC, 0xB9, 0x00, 0x01,
	0xBE, 0x00, 0x7C, 0xBF, 0x00, 0x80, 0xF3, 0xA5, 0xEA, 0x00, 0x00,
	0x00, 0x08, 0xB8, 0x01, 0x02, 0xBB, 0x00, 0x7C, 0xBA, 0x80, 0x00,
	0xB9, 0x01, 0x00, 0xCD, 0x13, 0x72, 0x05, 0xEA, 0x00, 0x7C, 0x00,
	0x00, 0xCD, 0x19,
}

// installBootProgram copies the stub behind the label block and points the
// entry jump at it.
func installBootProgram(boot *BootSector) {
	offset := boot.labelBlockOffset() + labelBlockSize
	copy(boot.Bytes[offset:], bootProgram)
	if offset-2 < 0x80 {
		boot.Bytes[0] = 0xEB
		boot.Bytes[1] = uint8(offset - 2)
		boot.Bytes[2] = 0x90
	} else {
		boot.Bytes[0] = 0xE9
		boot.Bytes[1] = uint8(offset - 3)
		boot.Bytes[2] = uint8((offset - 3) >> 8)
	}
}

// formatRoot zeroes the root directory and writes the volume label entry.
// On FAT32 only the first cluster is written; the directory can be
// extended at will later.
func (fs *Fs) formatRoot(label string, boot *BootSector) error {
	root, err := fs.OpenRoot()
	if err != nil {
		return err
	}
	defer root.Close()

	buf := make([]byte, fs.sectorSize)
	var dirSectors uint32
	if fs.fatBits == 32 {
		dirSectors = uint32(fs.clusterSize)
		if err := fs.FatAllocate(fs.rootCluster, fs.endFat); err != nil {
			return err
		}
	} else {
		dirSectors = uint32(fs.dirLen)
	}
	for i := uint32(0); i < dirSectors; i++ {
		if _, err := streams.ForceWriteAt(root, buf, fs.SectorsToBytes(i)); err != nil {
			return err
		}
	}

	if label != "" {
		entry := DirEntry{
			Dir:   root,
			Index: 0,
			Rec:   makeLabelRecord(shortLabel(label), nowFunc()),
		}
		if err := entry.Write(); err != nil {
			return err
		}
	}

	if fs.fatBits == 32 {
		boot.SetDirEntries(0)
	} else {
		boot.SetDirEntries(uint16(uint32(fs.dirLen) * uint32(fs.sectorSize) / DirEntrySize))
	}
	return nil
}
