package wal

import (
	"github.com/grailbio/base/errors"

	"github.com/mit-pdos/go-pagelog/common"
	"github.com/mit-pdos/go-pagelog/disk"
	"github.com/mit-pdos/go-pagelog/util"
)

// ScanSegment calls fn on every message of seg in LSN order, skipping
// canceled ones. It stops at the end of the written data, or at the first
// message that fails its checksum, in which case it reports torn. end is
// the in-segment offset where the scan stopped.
//
// Buffers flushed separately start on block boundaries, so a zero gap up to
// the end of a block jumps to the next block, while an empty frame at a
// block boundary ends the segment. A gap may be shorter than a frame.
func ScanSegment(d disk.Disk, segSize uint64, seg RecoveredSegment,
	fn func(lsn common.Lsn, off common.LogOffset, m Message) error) (end uint64, torn bool, err error) {
	buf := make([]byte, segSize)
	if err := disk.ReadRun(d, seg.Pos(segSize)/disk.BlockSize, buf); err != nil {
		return 0, false, err
	}
	pos := common.SEG_HEADER_LEN
	for pos+MsgHeaderLen <= segSize {
		frame := buf[pos : pos+MsgHeaderLen]
		if isZero(frame) {
			if pos%disk.BlockSize == 0 {
				break
			}
			pos = roundUpBlock(pos)
			continue
		}
		_, _, n := decodeFrame(frame)
		var m Message
		var err error
		if n > segSize-pos-MsgHeaderLen {
			err = errors.E(common.Corruption, "message runs past the segment")
		} else {
			m, err = decodeMessage(buf[pos:pos+MsgHeaderLen+n], seg.Lsn+pos, seg.Pos(segSize)+pos)
		}
		if errors.Is(common.Corruption, err) {
			if gap := roundUpBlock(pos); gap != pos && isZero(buf[pos:gap]) {
				pos = gap
				continue
			}
			util.DPrintf(1, "scan: segment %d torn at %d (length %d)\n", seg.Lsn, pos, n)
			return pos, true, nil
		}
		if err != nil {
			return pos, false, err
		}
		if m.Kind != Canceled {
			if err := fn(seg.Lsn+pos, seg.Pos(segSize)+pos, m); err != nil {
				return pos, false, err
			}
		}
		pos += MsgHeaderLen + n
	}
	return pos, false, nil
}
