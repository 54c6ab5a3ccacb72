package dosname

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromUnicodePadsAndUppercases(t *testing.T) {
	cp, err := Open(0)
	require.NoError(t, err)

	base, ext, err := cp.FromUnicode("hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "HELLO   ", string(base[:]))
	assert.Equal(t, "TXT", string(ext[:]))

	base, ext, err = cp.FromUnicode("NOEXT")
	require.NoError(t, err)
	assert.Equal(t, "NOEXT   ", string(base[:]))
	assert.Equal(t, "   ", string(ext[:]))
}

func TestFromUnicodeRejectsLongNames(t *testing.T) {
	cp, err := Open(437)
	require.NoError(t, err)

	_, _, err = cp.FromUnicode("toolongname.txt")
	assert.Error(t, err)
	_, _, err = cp.FromUnicode("file.html")
	assert.Error(t, err)
	_, _, err = cp.FromUnicode(".hidden")
	assert.Error(t, err)
}

func TestRoundTripThroughCodepage(t *testing.T) {
	cp, err := Open(850)
	require.NoError(t, err)

	base, ext, err := cp.FromUnicode("café.txt")
	require.NoError(t, err)
	name := cp.ToUnicode(base, ext)
	assert.Equal(t, "CAFÉ.TXT", name)
}

func TestUnknownCodepage(t *testing.T) {
	_, err := Open(12345)
	assert.Error(t, err)
}

func TestToUnicodeStripsPadding(t *testing.T) {
	cp, err := Open(0)
	require.NoError(t, err)

	name := cp.ToUnicode(
		[8]byte{'H', 'E', 'L', 'L', 'O', ' ', ' ', ' '},
		[3]byte{'T', 'X', 'T'})
	assert.Equal(t, "HELLO.TXT", name)

	name = cp.ToUnicode(
		[8]byte{'D', 'I', 'R', ' ', ' ', ' ', ' ', ' '},
		[3]byte{' ', ' ', ' '})
	assert.Equal(t, "DIR", name)
}
