package disk

import (
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-pagelog/common"
)

func mkBlock(b byte) Block {
	block := make(Block, BlockSize)
	for i := range block {
		block[i] = b
	}
	return block
}

func checkDisk(t *testing.T, d Disk) {
	assert := assert.New(t)
	sz, err := d.Size()
	require.NoError(t, err)
	assert.Equal(uint64(16), sz)

	require.NoError(t, d.Write(3, mkBlock(3)))
	b, err := d.Read(3)
	require.NoError(t, err)
	assert.Equal(mkBlock(3), b)

	b, err = d.Read(4)
	require.NoError(t, err)
	assert.Equal(mkBlock(0), b, "unwritten blocks read as zero")

	run := append(mkBlock(7), mkBlock(8)...)
	require.NoError(t, WriteRun(d, 10, run))
	got := make([]byte, 2*BlockSize)
	require.NoError(t, ReadRun(d, 10, got))
	assert.Equal(run, got)
	require.NoError(t, d.Barrier())
}

func TestMemDisk(t *testing.T) {
	d := NewMemDisk(16)
	checkDisk(t, d)
	assert.Panics(t, func() { d.Write(16, mkBlock(1)) }, "out of bounds")
}

func TestFileDisk(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "disk")
	defer cleanup()
	path := filepath.Join(dir, "log")
	d, err := NewFileDisk(path, 16)
	require.NoError(t, err)
	checkDisk(t, d)
	require.NoError(t, d.Close())

	d, err = NewFileDisk(path, 16)
	require.NoError(t, err)
	defer d.Close()
	b, err := d.Read(11)
	require.NoError(t, err)
	assert.Equal(t, mkBlock(8), b, "data survives reopen")
}

func TestFailWrites(t *testing.T) {
	d := NewMemDisk(4)
	FailWrites(d, true)
	err := d.Write(0, mkBlock(1))
	assert.True(t, errors.Is(common.Io, err))
	assert.True(t, errors.IsTemporary(err))
	assert.Error(t, d.Barrier())
	FailWrites(d, false)
	assert.NoError(t, d.Write(0, mkBlock(1)))
}
