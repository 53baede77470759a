package wal

import (
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-pagelog/common"
	"github.com/mit-pdos/go-pagelog/disk"
)

const recSegSize = 8192

func putSegmentHeader(t *testing.T, d disk.Disk, idx uint64, h SegmentHeader) {
	blk := make(disk.Block, disk.BlockSize)
	copy(blk, h.Encode())
	require.NoError(t, d.Write(idx*recSegSize/disk.BlockSize, blk))
}

func putGarbage(t *testing.T, d disk.Disk, idx uint64) {
	blk := make(disk.Block, disk.BlockSize)
	for i := range blk[:common.SEG_HEADER_LEN] {
		blk[i] = byte(i + 1)
	}
	require.NoError(t, d.Write(idx*recSegSize/disk.BlockSize, blk))
}

func lsns(segs []RecoveredSegment) []common.Lsn {
	var r []common.Lsn
	for _, s := range segs {
		r = append(r, s.Lsn)
	}
	return r
}

func TestRecoverEmpty(t *testing.T) {
	d := disk.NewMemDisk(8 * recSegSize / disk.BlockSize)
	r, err := Recover(d, recSegSize)
	require.NoError(t, err)
	assert.Empty(t, r.Segments)
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6, 7}, r.Free)
	assert.Equal(t, uint64(0), r.NextLsn)
}

func TestRecoverTruncatesAtGap(t *testing.T) {
	d := disk.NewMemDisk(8 * recSegSize / disk.BlockSize)
	putSegmentHeader(t, d, 5, SegmentHeader{Lsn: 0})
	putSegmentHeader(t, d, 0, SegmentHeader{Lsn: recSegSize})
	putSegmentHeader(t, d, 2, SegmentHeader{Lsn: 2 * recSegSize, MaxStableLsn: recSegSize + 100})
	// lsn 3*recSegSize never made it
	putSegmentHeader(t, d, 3, SegmentHeader{Lsn: 4 * recSegSize})
	putGarbage(t, d, 4)

	r, err := Recover(d, recSegSize)
	require.NoError(t, err)
	assert.Equal(t, []common.Lsn{0, recSegSize, 2 * recSegSize}, lsns(r.Segments))
	assert.Equal(t, []common.Lsn{0}, lsns(r.Base()))
	assert.Equal(t, []common.Lsn{recSegSize, 2 * recSegSize}, lsns(r.Tail()))
	assert.Equal(t, uint64(5), r.Segments[0].Idx)
	assert.Equal(t, recSegSize+uint64(100), r.MaxStableLsn)
	assert.Equal(t, uint64(5*recSegSize), r.NextLsn)
	assert.Equal(t, []uint64{1, 3, 4, 6, 7}, r.Free)

	for _, idx := range []uint64{3, 4} {
		_, pristine, err := readSegmentHeader(d, idx, recSegSize)
		assert.NoError(t, err)
		assert.True(t, pristine, "segment %d not erased", idx)
	}
}

func TestRecoverMissingStableSegment(t *testing.T) {
	d := disk.NewMemDisk(8 * recSegSize / disk.BlockSize)
	putSegmentHeader(t, d, 0, SegmentHeader{Lsn: 0})
	putSegmentHeader(t, d, 1, SegmentHeader{Lsn: 2 * recSegSize, MaxStableLsn: recSegSize + 5})
	_, err := Recover(d, recSegSize)
	assert.True(t, errors.Is(common.Corruption, err))
}

func TestRecoverDuplicateLsn(t *testing.T) {
	d := disk.NewMemDisk(8 * recSegSize / disk.BlockSize)
	putSegmentHeader(t, d, 0, SegmentHeader{Lsn: recSegSize})
	putSegmentHeader(t, d, 1, SegmentHeader{Lsn: recSegSize})
	_, err := Recover(d, recSegSize)
	assert.True(t, errors.Is(common.ReportableBug, err))
}

func TestRecoverMisalignedLsn(t *testing.T) {
	d := disk.NewMemDisk(8 * recSegSize / disk.BlockSize)
	putSegmentHeader(t, d, 0, SegmentHeader{Lsn: 0})
	putSegmentHeader(t, d, 1, SegmentHeader{Lsn: 17})
	r, err := Recover(d, recSegSize)
	require.NoError(t, err)
	assert.Equal(t, []common.Lsn{0}, lsns(r.Segments))
	assert.Contains(t, r.Free, uint64(1))
}

func TestRecoverWrittenLog(t *testing.T) {
	segSize := uint64(1 << 14)
	l, d, _ := mkTestLog(t, segSize, 8)
	for i := 0; i < 18; i++ {
		writeMsg(t, l, common.PageId(i), fill(4000, byte(i)))
	}
	require.NoError(t, l.Shutdown())

	r, err := Recover(d, segSize)
	require.NoError(t, err)
	assert.Equal(t, []common.Lsn{0, segSize, 2 * segSize, 3 * segSize, 4 * segSize}, lsns(r.Segments))
	assert.Equal(t, 5*segSize, r.NextLsn)
	assert.Equal(t, []uint64{5, 6, 7}, r.Free)
	assert.True(t, r.MaxStableLsn <= 4*segSize)
}
