package wal

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/tchajed/goose/machine"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-pagelog/common"
	"github.com/mit-pdos/go-pagelog/util"
)

// lsnMask keeps an encoded header from being all zero, which is what an
// erased or never written segment reads as.
const lsnMask uint64 = 0x7FFFFFFFFFFFFFFF

// SegmentHeader is stamped at the start of every segment. MaxStableLsn is
// the stable watermark of the log when the segment was opened.
type SegmentHeader struct {
	Lsn          common.Lsn
	MaxStableLsn common.Lsn
}

// Encode returns the SEG_HEADER_LEN byte encoding:
//
//	[0,4)   crc32 of [4,20)
//	[4,12)  lsn ^ lsnMask
//	[12,20) max stable lsn ^ lsnMask
func (h SegmentHeader) Encode() []byte {
	enc := marshal.NewEnc(common.SEG_HEADER_LEN - 4)
	enc.PutInt(h.Lsn ^ lsnMask)
	enc.PutInt(h.MaxStableLsn ^ lsnMask)
	body := enc.Finish()

	b := make([]byte, common.SEG_HEADER_LEN)
	copy(b[4:], body)
	machine.UInt32Put(b[:4], util.Checksum(body))
	return b
}

func isZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}

// DecodeSegmentHeader parses the first SEG_HEADER_LEN bytes of b. It reports
// pristine for an all-zero header and fails with Corruption when the
// checksum does not match.
func DecodeSegmentHeader(b []byte) (h SegmentHeader, pristine bool, err error) {
	b = b[:common.SEG_HEADER_LEN]
	if isZero(b) {
		return SegmentHeader{}, true, nil
	}
	want := machine.UInt32Get(b[:4])
	if got := util.Checksum(b[4:]); got != want {
		return SegmentHeader{}, false, errors.E(common.Corruption,
			fmt.Sprintf("segment header checksum %#x, expected %#x", got, want))
	}
	dec := marshal.NewDec(b[4:])
	h.Lsn = dec.GetInt() ^ lsnMask
	h.MaxStableLsn = dec.GetInt() ^ lsnMask
	return h, false, nil
}
