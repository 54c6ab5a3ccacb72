package fat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosdisk/dosdisk/errors"
)

func TestDeleteEntryFreesChain(t *testing.T) {
	fs, _ := formatFloppy(t)
	defer fs.Close()

	file := createTestFile(t, fs, "GONE.TXT", make([]byte, 1500))
	first := file.FirstCluster()
	require.NoError(t, file.Close())

	root, err := fs.OpenRoot()
	require.NoError(t, err)
	defer root.Close()

	entry, err := fs.Lookup(root, "GONE.TXT")
	require.NoError(t, err)
	require.NoError(t, fs.DeleteEntry(entry))

	// The slot is recycled and the chain is free again.
	_, err = fs.Lookup(root, "GONE.TXT")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	for clu := first; clu < first+3; clu++ {
		v, derr := fs.FatDecode(clu)
		require.NoError(t, derr)
		assert.Equal(t, uint32(0), v, "cluster %d still allocated", clu)
	}

	// The freed slot is reused by the next create.
	reused, err := fs.CreateEntry(root, "NEW.TXT", AttrArchive)
	require.NoError(t, err)
	assert.Equal(t, entry.Index, reused.Index)
}

func TestDeleteRefusesNonEmptyDirectory(t *testing.T) {
	fs, _ := formatFloppy(t)
	defer fs.Close()

	root, err := fs.OpenRoot()
	require.NoError(t, err)
	defer root.Close()

	dir, err := fs.MakeDir(root, "FULL")
	require.NoError(t, err)
	inner, err := fs.CreateEntry(dir, "KID.TXT", AttrArchive)
	require.NoError(t, err)
	_ = inner
	require.NoError(t, dir.Close())

	entry, err := fs.Lookup(root, "FULL")
	require.NoError(t, err)
	err = fs.DeleteEntry(entry)
	assert.ErrorIs(t, err, errors.ErrDirectoryNotEmpty)
}

func TestDeleteEmptyDirectory(t *testing.T) {
	fs, _ := formatFloppy(t)
	defer fs.Close()

	root, err := fs.OpenRoot()
	require.NoError(t, err)
	defer root.Close()

	dir, err := fs.MakeDir(root, "EMPTY")
	require.NoError(t, err)
	require.NoError(t, dir.Close())

	entry, err := fs.Lookup(root, "EMPTY")
	require.NoError(t, err)
	require.NoError(t, fs.DeleteEntry(entry))
	_, err = fs.Lookup(root, "EMPTY")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestVolumeLabelRoundTrip(t *testing.T) {
	fs, _ := formatFloppy(t)
	defer fs.Close()

	root, err := fs.OpenRoot()
	require.NoError(t, err)
	defer root.Close()

	label, err := fs.Label(root)
	require.NoError(t, err)
	assert.Equal(t, "", label)

	require.NoError(t, fs.SetLabel(root, "backups"))
	label, err = fs.Label(root)
	require.NoError(t, err)
	assert.Equal(t, "BACKUPS", label)

	// Setting again replaces the same slot instead of adding a second
	// label entry.
	require.NoError(t, fs.SetLabel(root, "archive"))
	entries, err := fs.ListDir(root)
	require.NoError(t, err)
	labels := 0
	for _, e := range entries {
		if e.Rec.IsLabel() {
			labels++
		}
	}
	assert.Equal(t, 1, labels)
}

func TestCreateEntryRejectsDuplicates(t *testing.T) {
	fs, _ := formatFloppy(t)
	defer fs.Close()

	root, err := fs.OpenRoot()
	require.NoError(t, err)
	defer root.Close()

	_, err = fs.CreateEntry(root, "SAME.TXT", AttrArchive)
	require.NoError(t, err)
	_, err = fs.CreateEntry(root, "SAME.TXT", AttrArchive)
	assert.ErrorIs(t, err, errors.ErrExists)
}

func TestListDirSkipsDeleted(t *testing.T) {
	fs, _ := formatFloppy(t)
	defer fs.Close()

	root, err := fs.OpenRoot()
	require.NoError(t, err)
	defer root.Close()

	_, err = fs.CreateEntry(root, "KEEP.TXT", AttrArchive)
	require.NoError(t, err)
	doomed, err := fs.CreateEntry(root, "DOOMED.TXT", AttrArchive)
	require.NoError(t, err)
	require.NoError(t, fs.DeleteEntry(doomed))

	entries, err := fs.ListDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "KEEP.TXT",
		fs.DOSConverter().ToUnicode(entries[0].Rec.Base(), entries[0].Rec.Ext()))
}
