package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testFile struct {
	name   string
	closed bool
}

func (f *testFile) Close() error {
	f.closed = true
	return nil
}

func TestTableInstallSmallestUnused(t *testing.T) {
	tbl := NewTable(16)

	fd0, err := tbl.Install(&testFile{name: "a"})
	require.NoError(t, err)
	fd1, err := tbl.Install(&testFile{name: "b"})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), fd0)
	assert.Equal(t, uint32(1), fd1)

	require.NoError(t, tbl.Close(fd0))
	fd2, err := tbl.Install(&testFile{name: "c"})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), fd2, "descriptors are reused lowest-first")
}

func TestTableGet(t *testing.T) {
	tbl := NewTable(16)
	f := &testFile{name: "a"}
	fd, err := tbl.Install(f)
	require.NoError(t, err)

	got, err := tbl.Get(fd)
	require.NoError(t, err)
	assert.Same(t, f, got)

	_, err = tbl.Get(99)
	assert.ErrorIs(t, err, ErrBadFD)
}

func TestTableLimit(t *testing.T) {
	tbl := NewTable(2)
	_, err := tbl.Install(&testFile{})
	require.NoError(t, err)
	_, err = tbl.Install(&testFile{})
	require.NoError(t, err)
	_, err = tbl.Install(&testFile{})
	assert.ErrorIs(t, err, ErrTableFull)
}

func TestTableCloseClosesFile(t *testing.T) {
	tbl := NewTable(16)
	f := &testFile{}
	fd, err := tbl.Install(f)
	require.NoError(t, err)

	require.NoError(t, tbl.Close(fd))
	assert.True(t, f.closed)
	assert.ErrorIs(t, tbl.Close(fd), ErrBadFD)
}

func TestTableCloseAll(t *testing.T) {
	tbl := NewTable(16)
	files := []*testFile{{}, {}, {}}
	for _, f := range files {
		_, err := tbl.Install(f)
		require.NoError(t, err)
	}

	tbl.CloseAll()
	assert.Equal(t, 0, tbl.Len())
	for i, f := range files {
		assert.True(t, f.closed, "file %d not closed", i)
	}
}
