package pagelog

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-pagelog/common"
	"github.com/mit-pdos/go-pagelog/heap"
)

// The first payload byte of an inline or blob message says how the
// fragment combines with the page.
const (
	opReplace byte = 1
	opLink    byte = 2
)

const stubLen uint64 = 1 + 8 + 8

func encodeStub(b []byte, op byte, id heap.HeapId) {
	enc := marshal.NewEnc(16)
	enc.PutInt(id.Location)
	enc.PutInt(id.OriginalLsn)
	b[0] = op
	copy(b[1:], enc.Finish())
}

func decodeStub(b []byte) (byte, heap.HeapId, error) {
	if uint64(len(b)) != stubLen {
		return 0, heap.HeapId{}, errors.E(common.Corruption, fmt.Sprintf("blob stub of %d bytes", len(b)))
	}
	dec := marshal.NewDec(b[1:])
	loc := dec.GetInt()
	lsn := dec.GetInt()
	return b[0], heap.HeapId{Location: loc, OriginalLsn: lsn}, nil
}

func checkOp(op byte) error {
	if op != opReplace && op != opLink {
		return errors.E(common.Corruption, fmt.Sprintf("unknown fragment op %d", op))
	}
	return nil
}
