package wal

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"

	"github.com/mit-pdos/go-pagelog/common"
	"github.com/mit-pdos/go-pagelog/disk"
	"github.com/mit-pdos/go-pagelog/util"
)

// RecoveredSegment is a segment whose header survived, at physical index
// Idx.
type RecoveredSegment struct {
	Idx uint64
	SegmentHeader
}

// Pos is the physical offset of the segment.
func (s RecoveredSegment) Pos(segSize uint64) common.LogOffset {
	return s.Idx * segSize
}

// Recovery describes the log found on disk.
//
// Segments below the highest MaxStableLsn any header recorded were durable
// when that segment was opened, so they are kept unconditionally. Past that
// point only the unbroken run of segments is kept; the first gap ends the
// log, and everything after it is erased.
type Recovery struct {
	SegmentSize uint64
	NumSegments uint64
	// Accepted segments in LSN order.
	Segments []RecoveredSegment
	// Index in Segments where the unstable tail begins.
	TailStart int
	// Physical indices holding no accepted segment.
	Free         []uint64
	MaxStableLsn common.Lsn
	// LSN the log resumes at.
	NextLsn common.Lsn
}

func (r *Recovery) Base() []RecoveredSegment {
	return r.Segments[:r.TailStart]
}

func (r *Recovery) Tail() []RecoveredSegment {
	return r.Segments[r.TailStart:]
}

func readSegmentHeader(d disk.Disk, idx, segSize uint64) (SegmentHeader, bool, error) {
	blk, err := d.Read(idx * segSize / disk.BlockSize)
	if err != nil {
		return SegmentHeader{}, false, err
	}
	return DecodeSegmentHeader(blk)
}

func eraseSegmentHeader(d disk.Disk, idx, segSize uint64) error {
	return d.Write(idx*segSize/disk.BlockSize, make(disk.Block, disk.BlockSize))
}

// Recover scans every segment header of d.
func Recover(d disk.Disk, segSize uint64) (*Recovery, error) {
	nblocks, err := d.Size()
	if err != nil {
		return nil, err
	}
	r := &Recovery{
		SegmentSize: segSize,
		NumSegments: nblocks * disk.BlockSize / segSize,
	}
	var valid []RecoveredSegment
	var erase []uint64
	for idx := uint64(0); idx < r.NumSegments; idx++ {
		h, pristine, err := readSegmentHeader(d, idx, segSize)
		if err != nil && !errors.Is(common.Corruption, err) {
			return nil, err
		}
		switch {
		case pristine:
			r.Free = append(r.Free, idx)
		case err != nil || h.Lsn%segSize != 0:
			util.DPrintf(1, "recover: torn segment header at index %d\n", idx)
			erase = append(erase, idx)
		default:
			valid = append(valid, RecoveredSegment{Idx: idx, SegmentHeader: h})
			if h.MaxStableLsn > r.MaxStableLsn {
				r.MaxStableLsn = h.MaxStableLsn
			}
		}
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].Lsn < valid[j].Lsn })
	for i := 1; i < len(valid); i++ {
		if valid[i].Lsn == valid[i-1].Lsn {
			return nil, errors.E(common.ReportableBug,
				fmt.Sprintf("segments %d and %d both claim lsn %d", valid[i-1].Idx, valid[i].Idx, valid[i].Lsn))
		}
	}

	floor := r.MaxStableLsn - r.MaxStableLsn%segSize
	i := 0
	for i < len(valid) && valid[i].Lsn < floor {
		i++
	}
	r.TailStart = i
	next := floor
	if i == len(valid) || valid[i].Lsn != floor {
		if r.MaxStableLsn%segSize != 0 {
			return nil, errors.E(common.Corruption,
				fmt.Sprintf("segment holding stable lsn %d is missing", r.MaxStableLsn))
		}
	}
	for i < len(valid) && valid[i].Lsn == next {
		next += segSize
		i++
	}
	r.Segments = valid[:i]
	for _, s := range valid[i:] {
		util.DPrintf(1, "recover: discarding segment lsn %d past the end of the log\n", s.Lsn)
		erase = append(erase, s.Idx)
	}
	if len(r.Segments) > 0 {
		r.NextLsn = r.Segments[len(r.Segments)-1].Lsn + segSize
	}
	if len(valid) > 0 && valid[len(valid)-1].Lsn+segSize > r.NextLsn {
		// LSNs never go backwards, even over discarded segments.
		r.NextLsn = valid[len(valid)-1].Lsn + segSize
	}

	for _, idx := range erase {
		if err := eraseSegmentHeader(d, idx, segSize); err != nil {
			return nil, err
		}
		r.Free = append(r.Free, idx)
	}
	if len(erase) > 0 {
		if err := d.Barrier(); err != nil {
			return nil, err
		}
	}
	sort.Slice(r.Free, func(i, j int) bool { return r.Free[i] < r.Free[j] })
	log.Printf("wal: recovered %d segments (%d in the unstable tail), resuming at lsn %d",
		len(r.Segments), len(r.Tail()), r.NextLsn)
	return r, nil
}

// Truncate ends the log at in-segment offset end of Segments[i]: the rest
// of that segment is zeroed and every later segment is erased, so a later
// recovery finds the same log.
func (r *Recovery) Truncate(d disk.Disk, i int, end uint64) error {
	must.Truef(i >= r.TailStart, "truncating stable segment %d", i)
	must.True(end >= common.SEG_HEADER_LEN && end <= r.SegmentSize)
	first := r.Segments[i].Pos(r.SegmentSize) / disk.BlockSize
	blk := end / disk.BlockSize
	if end%disk.BlockSize != 0 {
		b, err := d.Read(first + blk)
		if err != nil {
			return err
		}
		for j := end % disk.BlockSize; j < disk.BlockSize; j++ {
			b[j] = 0
		}
		if err := d.Write(first+blk, b); err != nil {
			return err
		}
		blk++
	}
	if rest := r.SegmentSize - blk*disk.BlockSize; rest > 0 {
		if err := disk.WriteRun(d, first+blk, make([]byte, rest)); err != nil {
			return err
		}
	}
	for _, s := range r.Segments[i+1:] {
		util.DPrintf(1, "recover: erasing segment lsn %d after the tear\n", s.Lsn)
		if err := eraseSegmentHeader(d, s.Idx, r.SegmentSize); err != nil {
			return err
		}
		r.Free = append(r.Free, s.Idx)
	}
	r.Segments = r.Segments[:i+1]
	sort.Slice(r.Free, func(i, j int) bool { return r.Free[i] < r.Free[j] })
	log.Printf("wal: log truncated at lsn %d", r.Segments[i].Lsn+end)
	return d.Barrier()
}
