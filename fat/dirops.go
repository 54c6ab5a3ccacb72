package fat

// Directory-level operations: iterating, looking up and creating 8.3
// entries. Long-name assembly lives above this layer and is not handled
// here.

import (
	"github.com/dosdisk/dosdisk/errors"
	"github.com/dosdisk/dosdisk/streams"
)

// ListDir returns the live entries of a directory, volume labels included,
// deleted slots skipped.
func (fs *Fs) ListDir(dir streams.Stream) ([]DirEntry, error) {
	var entries []DirEntry
	for index := 0; ; index++ {
		rec, err := ReadDirEntry(dir, index)
		if err != nil {
			return nil, err
		}
		if rec == nil || rec.IsEnd() {
			return entries, nil
		}
		if rec.IsDeleted() {
			continue
		}
		entries = append(entries, DirEntry{Dir: dir, Index: index, Rec: *rec})
	}
}

// Lookup finds the entry with the given host name in a directory.
func (fs *Fs) Lookup(dir streams.Stream, name string) (*DirEntry, error) {
	base, ext, err := fs.cp.FromUnicode(name)
	if err != nil {
		return nil, err
	}
	for index := 0; ; index++ {
		rec, err := ReadDirEntry(dir, index)
		if err != nil {
			return nil, err
		}
		if rec == nil || rec.IsEnd() {
			return nil, errors.ErrNotFound.WithMessage(name)
		}
		if rec.IsDeleted() || rec.IsLabel() {
			continue
		}
		if rec.Base() == base && rec.Ext() == ext {
			return &DirEntry{Dir: dir, Index: index, Rec: *rec}, nil
		}
	}
}

// CreateEntry adds a fresh zero-length entry to a directory, reusing a
// deleted slot when one exists. The new file has no cluster yet; its first
// write allocates one.
func (fs *Fs) CreateEntry(dir streams.Stream, name string, attr uint8) (*DirEntry, error) {
	base, ext, err := fs.cp.FromUnicode(name)
	if err != nil {
		return nil, err
	}

	slot := -1
	index := 0
	for ; ; index++ {
		rec, err := ReadDirEntry(dir, index)
		if err != nil {
			return nil, err
		}
		if rec == nil || rec.IsEnd() {
			break
		}
		if rec.IsDeleted() {
			if slot < 0 {
				slot = index
			}
			continue
		}
		if rec.IsLabel() {
			continue
		}
		if rec.Base() == base && rec.Ext() == ext {
			return nil, errors.ErrExists.WithMessage(name)
		}
	}

	atEnd := slot < 0
	if atEnd {
		slot = index
	}

	// Fresh directories start on the illegal cluster 1: opening one grows
	// it by a real cluster and the flush then fixes the entry up. A start
	// of 0 would read as the root directory.
	var start uint32
	if attr&AttrDir != 0 {
		start = 1
	}
	entry := &DirEntry{
		Dir:   dir,
		Index: slot,
		Rec:   MakeRecord(base, ext, attr, start, 0, nowFunc()),
	}
	if err := entry.Write(); err != nil {
		return nil, err
	}
	if atEnd {
		// Terminate the directory after the new entry. The fixed root may
		// simply be full here, which is fine: it needs no terminator.
		if err := WriteEndMark(dir, slot+1); err != nil &&
			!isNoSpace(err) {
			return nil, err
		}
	}
	return entry, nil
}

func isNoSpace(err error) bool {
	for err != nil {
		if err == errors.ErrNoSpace {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// OpenNewFile opens the not-yet-allocated file behind a freshly created
// entry. The handle is keyed by the illegal cluster 1 until its first
// write allocates a real cluster and rehashes it.
func (fs *Fs) OpenNewFile(entry *DirEntry) *File {
	return fs.internalFileOpen(1, 0, entry)
}

// DeleteEntry marks an entry deleted and releases its cluster chain.
// Directories must be empty apart from "." and "..".
func (fs *Fs) DeleteEntry(entry *DirEntry) error {
	if entry.Rec.IsLabel() {
		return errors.ErrBadDirEntry.WithMessage("cannot delete the volume label")
	}
	if entry.Rec.IsDir() {
		dir, err := fs.OpenFileByEntry(entry)
		if err != nil {
			return err
		}
		entries, err := fs.ListDir(dir)
		if cerr := dir.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			if b := e.Rec.Base(); b[0] != '.' {
				return errors.ErrDirectoryNotEmpty
			}
		}
	}

	first := entry.Rec.Start(fs.fatBits)
	entry.Rec[0] = DeletedMark
	if err := entry.Write(); err != nil {
		return err
	}
	if first >= 2 {
		return fs.FatDeallocate(first)
	}
	return nil
}

// Label returns the volume label stored in the root directory, or the
// empty string when there is none.
func (fs *Fs) Label(root streams.Stream) (string, error) {
	for index := 0; ; index++ {
		rec, err := ReadDirEntry(root, index)
		if err != nil {
			return "", err
		}
		if rec == nil || rec.IsEnd() {
			return "", nil
		}
		if rec.IsDeleted() || !rec.IsLabel() {
			continue
		}
		return string(bytesTrimRight(rec[0:11])), nil
	}
}

// SetLabel replaces the volume-label entry, creating one if needed.
func (fs *Fs) SetLabel(root streams.Stream, label string) error {
	slot := -1
	index := 0
	for ; ; index++ {
		rec, err := ReadDirEntry(root, index)
		if err != nil {
			return err
		}
		if rec == nil || rec.IsEnd() {
			break
		}
		if !rec.IsDeleted() && rec.IsLabel() {
			slot = index
			break
		}
	}

	atEnd := slot < 0
	if atEnd {
		slot = index
	}
	entry := DirEntry{
		Dir:   root,
		Index: slot,
		Rec:   makeLabelRecord(shortLabel(label), nowFunc()),
	}
	if err := entry.Write(); err != nil {
		return err
	}
	if atEnd {
		if err := WriteEndMark(root, slot+1); err != nil && !isNoSpace(err) {
			return err
		}
	}
	return nil
}

func bytesTrimRight(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == ' ' {
		end--
	}
	return b[:end]
}

// MakeDir creates a subdirectory with its "." and ".." entries.
func (fs *Fs) MakeDir(parent streams.Stream, name string) (streams.Stream, error) {
	parentData, err := parent.GetData()
	if err != nil {
		return nil, err
	}
	if !parentData.IsDir {
		return nil, errors.ErrNotADirectory
	}

	entry, err := fs.CreateEntry(parent, name, AttrDir)
	if err != nil {
		return nil, err
	}
	dir, err := fs.OpenFileByEntry(entry)
	if err != nil {
		return nil, err
	}

	// Push the grown cluster down to the file so it has a first cluster.
	if err := dir.Flush(); err != nil {
		dir.Close()
		return nil, err
	}
	dirData, err := dir.GetData()
	if err != nil {
		dir.Close()
		return nil, err
	}
	// ".." pointing at the root is written as cluster 0, also on FAT32.
	parentClu := parentData.Address
	if parentClu == fs.rootCluster {
		parentClu = 0
	}

	now := nowFunc()
	dot := DirEntry{Dir: dir, Index: 0,
		Rec: makeRecordFromBase(".", AttrDir, dirData.Address, 0, now)}
	if err := dot.Write(); err != nil {
		dir.Close()
		return nil, err
	}
	dotdot := DirEntry{Dir: dir, Index: 1,
		Rec: makeRecordFromBase("..", AttrDir, parentClu, 0, now)}
	if err := dotdot.Write(); err != nil {
		dir.Close()
		return nil, err
	}
	return dir, nil
}
