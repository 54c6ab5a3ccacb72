package fat

// File streams: a DOS file or directory exposed as a stream over the
// filesystem. The map function translates file offsets into absolute disk
// offsets, either by walking the cluster chain or, for the fixed FAT12/16
// root directory, by plain arithmetic.

import (
	"math"
	"time"

	"github.com/dosdisk/dosdisk/errors"
	"github.com/dosdisk/dosdisk/streams"
)

type accessMode int

const (
	modeRead accessMode = iota
	modeWrite
)

// File is an open file or directory. Handles are interned per filesystem:
// opening the same first cluster twice yields the same *File with one more
// reference.
type File struct {
	streams.Head

	// buffer batches directory-entry I/O into sector-sized transfers. Only
	// directories carry one.
	buffer *streams.Buffer

	mapFn func(where uint32, length uint32, mode accessMode) (uint32, int64, error)

	fileSize uint32

	// How many bytes we project to need for this file (includes those
	// already in fileSize), and how many clusters of that projection the
	// filesystem currently reserves for us.
	preallocatedSize     uint32
	preallocatedClusters uint32

	firstAbsClu uint32
	prevAbsClu  uint32
	prevRelClu  uint32

	entry DirEntry

	loopDetectRel uint32
	loopDetectAbs uint32

	where uint32
}

func (f *File) fs() *Fs {
	return f.Next().(*Fs)
}

// disk returns the buffered disk stack under the filesystem, which is what
// file payload I/O goes to directly.
func (f *File) disk() streams.Stream {
	return f.fs().Next()
}

func (f *File) FileSize() uint32  { return f.fileSize }
func (f *File) FirstCluster() uint32 { return f.firstAbsClu }

// IsRootDir reports whether this handle is the fixed FAT12/16 root.
func (f *File) IsRootDir() bool {
	return f.entry.IsRoot() && f.firstAbsClu == 0
}

func (f *File) loopDetect(rel, abs uint32) error {
	return loopDetect(&f.loopDetectRel, rel, &f.loopDetectAbs, abs)
}

// rootMap resolves offsets in the fixed FAT12/16 root directory area. It
// cannot grow.
func (f *File) rootMap(where, length uint32, mode accessMode) (uint32, int64, error) {
	fs := f.fs()
	total := uint32(fs.dirLen) * uint32(fs.sectorSize)
	if where > total {
		return 0, 0, errors.ErrNoSpace.WithMessage("root directory is full")
	}
	if max := total - where; length > max {
		length = max
	}
	if length == 0 {
		return 0, 0, nil
	}
	return length, fs.SectorsToBytes(fs.dirStart) + int64(where), nil
}

// normalMap resolves a file offset by walking the cluster chain, extending
// it in write mode. The returned length never spans a discontinuity: the
// caller issues another map call for the next contiguous run.
func (f *File) normalMap(where, length uint32, mode accessMode) (uint32, int64, error) {
	fs := f.fs()
	clusSize := fs.ClusterBytes()
	offset := where % clusSize

	if mode == modeRead {
		if where >= f.fileSize {
			return 0, 0, nil
		}
		if max := f.fileSize - where; length > max {
			length = max
		}
	}
	if length == 0 {
		return 0, 0, nil
	}

	if f.firstAbsClu < 2 {
		if mode == modeRead {
			return 0, 0, nil
		}
		newClu, err := fs.GetNextFreeCluster(1)
		if err != nil {
			return 0, 0, err
		}
		if newClu == 1 {
			return 0, 0, errors.ErrNoSpace
		}
		// The hash key includes the first cluster; the handle must move.
		f.unhash()
		f.firstAbsClu = newClu
		f.rehash()
		if err := fs.FatAllocate(newClu, fs.endFat); err != nil {
			return 0, 0, err
		}
	}

	relClu := where / clusSize

	var curClu, absClu uint32
	if relClu >= f.prevRelClu {
		curClu = f.prevRelClu
		absClu = f.prevAbsClu
	} else {
		curClu = 0
		absClu = f.firstAbsClu
	}

	nrClu := (offset + length - 1) / clusSize
	for curClu <= relClu+nrClu {
		if curClu == relClu {
			// Reached the beginning of our zone, save coordinates.
			f.prevRelClu = relClu
			f.prevAbsClu = absClu
		}
		newClu, err := fs.fatDecode(absClu)
		if err != nil {
			return 0, 0, err
		}
		if newClu == 0 || newClu == 1 {
			return 0, 0, errors.ErrIOFailed.WithMessage("free cluster in chain")
		}
		if curClu == relClu+nrClu {
			break
		}
		if newClu > fs.lastFat && mode == modeWrite {
			// At the end, and writing: extend.
			newClu, err = fs.GetNextFreeCluster(absClu)
			if err != nil {
				return 0, 0, err
			}
			if newClu == 1 {
				return 0, 0, errors.ErrNoSpace
			}
			if err := fs.FatAppend(absClu, newClu); err != nil {
				return 0, 0, err
			}
		}
		if curClu < relClu && newClu > fs.lastFat {
			// Chain ends before the requested position.
			return 0, 0, nil
		}
		if curClu >= relClu && newClu != absClu+1 {
			// Discontiguous successor ends the run.
			break
		}
		curClu++
		absClu = newClu
		if err := f.loopDetect(curClu, absClu); err != nil {
			return 0, 0, err
		}
	}

	if max := (1+curClu-relClu)*clusSize - offset; length > max {
		length = max
	}

	if fs.batchMode && mode == modeWrite {
		// When writing at the end of the file, pad to the cluster boundary
		// so the tail never has to be read back from disk. Wide arithmetic:
		// near 4 GiB the rounding must not wrap.
		end := int64(where) + int64(length)
		if end >= int64(f.fileSize) {
			padded := roundUpInt64(end, int64(clusSize))
			if padded > math.MaxUint32 {
				return 0, 0, errors.ErrBadOffset.WithMessage("file would exceed 4 GiB")
			}
			length += uint32(padded - end)
		}
	}

	if (length+offset)/clusSize+f.prevAbsClu-2 > fs.numClus {
		return 0, 0, errors.ErrIOFailed.WithMessage("cluster out of range")
	}

	pos := fs.SectorsToBytes((f.prevAbsClu-2)*uint32(fs.clusterSize)+fs.clusStart) +
		int64(offset)
	return length, pos, nil
}

func roundUpInt64(value, grain int64) int64 {
	return value + (grain-value%grain)%grain
}

// readStep performs one map-and-read at the cursor. Short counts are fine;
// zero means end of file.
func (f *File) readStep(p []byte) (int, error) {
	length := truncToUint32(len(p))
	length, pos, err := f.mapFn(f.where, length, modeRead)
	if err != nil {
		return -1, err
	}
	if length == 0 {
		return 0, nil
	}
	n, err := f.disk().ReadAt(p[:length], pos)
	if n < 0 {
		return n, err
	}
	f.where += uint32(n)
	return n, nil
}

// writeStep performs one map-and-write at the cursor, growing the chain as
// needed. In batch mode more bytes than requested may reach the disk to pad
// the last cluster; the return value never exceeds the request.
func (f *File) writeStep(p []byte) (int, error) {
	maxLen := uint32(math.MaxUint32) - f.where
	length := truncToUint32(len(p))
	if length > maxLen {
		length = maxLen
	}
	requested := length

	length, pos, err := f.mapFn(f.where, length, modeWrite)
	if err != nil {
		return -1, err
	}
	if length == 0 {
		return 0, nil
	}

	var n int
	if f.fs().batchMode {
		// The padded tail extends past the caller's buffer; feed zeroes.
		buf := p
		if int(length) > len(p) {
			buf = make([]byte, length)
			copy(buf, p)
		} else {
			buf = p[:length]
		}
		n, err = streams.ForceWriteAt(f.disk(), buf, pos)
	} else {
		n, err = f.disk().WriteAt(p[:length], pos)
	}
	if n < 0 {
		return n, err
	}

	written := uint32(n)
	if written > requested {
		written = requested
	}
	f.where += written
	if f.where > f.fileSize {
		f.fileSize = f.where
	}
	if err := f.recalcPreallocSize(); err != nil {
		return int(written), err
	}
	return int(written), nil
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.where = truncOffToUint32(off)
	return f.readStep(p)
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	f.where = truncOffToUint32(off)
	return f.writeStep(p)
}

func truncToUint32(n int) uint32 {
	if uint64(n) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}

func truncOffToUint32(off int64) uint32 {
	if off < 0 {
		return 0
	}
	if off > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(off)
}

// filebytesToClusters is an overflow-safe conversion of bytes to clusters.
func filebytesToClusters(bytes, clusSize uint32) uint32 {
	ret := bytes / clusSize
	if bytes%clusSize != 0 {
		ret++
	}
	return ret
}

// recalcPreallocSize keeps the filesystem's reserved-cluster counter in
// step with what this file still expects to write.
func (f *File) recalcPreallocSize() error {
	fs := f.fs()
	clusSize := fs.ClusterBytes()
	currentClusters := filebytesToClusters(f.fileSize, clusSize)
	neededClusters := filebytesToClusters(f.preallocatedSize, clusSize)
	var neededPrealloc uint32
	if neededClusters > currentClusters {
		neededPrealloc = neededClusters - currentClusters
	}
	if neededPrealloc > f.preallocatedClusters {
		if err := fs.PreallocateClusters(neededPrealloc - f.preallocatedClusters); err != nil {
			return err
		}
	} else {
		fs.ReleasePreallocatedClusters(f.preallocatedClusters - neededPrealloc)
	}
	f.preallocatedClusters = neededPrealloc
	return nil
}

func (f *File) PreAllocate(size int64) error {
	s := truncOffToUint32(size)
	if s > f.fileSize && s > f.preallocatedSize {
		f.preallocatedSize = s
		return f.recalcPreallocSize()
	}
	return nil
}

func (f *File) GetData() (streams.FileData, error) {
	return streams.FileData{
		Date:    f.entry.Rec.MTime(),
		Size:    int64(f.fileSize),
		IsDir:   f.entry.Rec.IsDir(),
		Address: f.firstAbsClu,
	}, nil
}

// Flush updates the directory entry when the first cluster moved (a fresh
// file got its first allocation).
func (f *File) Flush() error {
	if f.entry.IsRoot() {
		return nil
	}
	if f.firstAbsClu != f.entry.Rec.Start(f.fs().fatBits) {
		f.entry.Rec.SetStart(f.firstAbsClu)
		f.entry.Rec.SetSize(f.fileSize)
		if err := f.entry.Write(); err != nil {
			return err
		}
	}
	return nil
}

// SetFileSize records the new byte size and writes it into the directory
// entry right away.
func (f *File) SetFileSize(size uint32) error {
	f.fileSize = size
	if f.entry.IsRoot() {
		return nil
	}
	f.entry.Rec.SetSize(size)
	return f.entry.Write()
}

func (f *File) Close() error {
	var parent streams.Stream
	if f.Refs() == 1 {
		f.fs().ReleasePreallocatedClusters(f.preallocatedClusters)
		f.preallocatedClusters = 0
		f.unhash()
		if f.entry.Dir != nil && !f.entry.IsRoot() {
			parent = f.entry.Dir
		}
	}
	err := f.CloseChain(f)
	if parent != nil {
		if perr := parent.Close(); err == nil {
			err = perr
		}
	}
	return err
}

// hash keys: a file is identified by its first cluster; the root maps to 0
// and not-yet-allocated files to the illegal cluster 1, which is never
// hashed.
func (f *File) hashKey() uint32 {
	if f.firstAbsClu != 0 {
		return f.firstAbsClu
	}
	if f.IsRootDir() {
		return 0
	}
	return 1
}

func (f *File) rehash() {
	if key := f.hashKey(); key != 1 {
		f.fs().filehash[key] = f
	}
}

func (f *File) unhash() {
	fs := f.fs()
	if key := f.hashKey(); key != 1 && fs.filehash[key] == f {
		delete(fs.filehash, key)
	}
}

// countClusters walks a chain from block, counting clusters, with the same
// loop detection the file map uses.
func (fs *Fs) countClusters(block uint32) uint32 {
	var blocks uint32
	var rel, oldRel, oldAbs uint32
	for block <= fs.lastFat && block != 1 && block != 0 {
		blocks++
		next, err := fs.fatDecode(block)
		if err != nil {
			break
		}
		block = next
		rel++
		if loopDetect(&oldRel, rel, &oldAbs, block) != nil {
			break
		}
	}
	return blocks
}

// countBytes sizes a directory by walking its chain. Directories carry no
// size in their entry, so this is the only way to know.
func (fs *Fs) countBytes(block uint32) uint32 {
	return fs.countClusters(block) * fs.ClusterBytes()
}

// internalFileOpen interns or creates the handle for (fs, first). first==1
// flags a newly created file with no cluster yet; those are not interned
// until the first allocation rehashes them.
func (fs *Fs) internalFileOpen(first uint32, size uint32, entry *DirEntry) *File {
	useRootMap := first == 0 && entry.Rec.IsDir()

	// Cluster 1 is illegal, so it doubles as the "no key" sentinel: newly
	// created files and zero-cluster non-directories are never interned.
	key := first
	if first == 0 && !useRootMap {
		key = 1
	}
	if key != 1 {
		if found, ok := fs.filehash[key]; ok {
			found.Acquire()
			return found
		}
	}

	f := &File{
		fileSize:   size,
		prevRelClu: 0xFFFF,
		entry:      *entry,
	}
	if first == 1 {
		f.firstAbsClu = 0
	} else {
		f.firstAbsClu = first
	}
	fs.Acquire()
	f.InitHead(fs)
	if useRootMap {
		f.mapFn = f.rootMap
	} else {
		f.mapFn = f.normalMap
	}
	if entry.Index == rootEntryIndex {
		// The root directory is its own parent.
		f.entry.Dir = f
	} else if entry.Dir != nil {
		entry.Dir.Acquire()
	}
	if first != 1 {
		f.rehash()
	}
	return f
}

// bufferize interposes the directory buffer between the caller and the
// file so 32-byte entry reads turn into sector-sized fetches. The buffer is
// shared between opens of the same directory.
func (f *File) bufferize() (streams.Stream, error) {
	if f.buffer != nil {
		f.buffer.Acquire()
		// The caller's file reference moves into the shared buffer.
		f.Close()
		return f.buffer, nil
	}
	buffer, err := streams.NewBuffer(f, 64*16384, 512, DirEntrySize)
	if err != nil {
		f.Close()
		return nil, err
	}
	f.buffer = buffer
	return buffer, nil
}

// OpenRoot opens the root directory as a buffered stream: the fixed entry
// area on FAT12/16, the rootCluster chain on FAT32.
func (fs *Fs) OpenRoot() (streams.Stream, error) {
	num := fs.rootCluster

	entry := DirEntry{
		Index: rootEntryIndex,
		Rec:   makeRecordFromBase("/", AttrDir, num, 0, time.Unix(0, 0)),
	}

	var size uint32
	if num != 0 {
		size = fs.countBytes(num)
	} else {
		size = uint32(fs.dirLen) * uint32(fs.sectorSize)
	}
	file := fs.internalFileOpen(num, size, &entry)
	return file.bufferize()
}

// OpenFileByEntry opens the file or directory a directory entry points at.
func (fs *Fs) OpenFileByEntry(entry *DirEntry) (streams.Stream, error) {
	first := entry.Rec.Start(fs.fatBits)

	if first == 0 && entry.Rec.IsDir() {
		return fs.OpenRoot()
	}
	var size uint32
	if entry.Rec.IsDir() {
		size = fs.countBytes(first)
	} else {
		size = entry.Rec.Size()
	}
	file := fs.internalFileOpen(first, size, entry)
	if entry.Rec.IsDir() {
		dir, err := file.bufferize()
		if err != nil {
			return nil, err
		}
		if first == 1 {
			if err := fs.DirGrow(dir, 0); err != nil {
				dir.Close()
				return nil, err
			}
		}
		return dir, nil
	}
	return file, nil
}

// DirGrow extends a subdirectory by one zeroed cluster starting at entry
// slot size. The fixed FAT12/16 root cannot grow; the FAT32 root is a
// cluster chain and grows like a subdirectory.
func (fs *Fs) DirGrow(dir streams.Stream, size int) error {
	ok, err := fs.GetFreeMinClusters(1)
	if err != nil {
		return err
	}
	if !ok {
		return errors.ErrNoSpace
	}
	buf := make([]byte, fs.ClusterBytes())
	n, err := streams.ForceWriteAt(dir, buf, int64(size)*DirEntrySize)
	if err != nil {
		return err
	}
	if n < len(buf) {
		return errors.ErrShortIO.WithMessage("could not grow directory")
	}
	return nil
}
