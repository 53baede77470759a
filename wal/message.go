package wal

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/tchajed/goose/machine"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-pagelog/common"
	"github.com/mit-pdos/go-pagelog/util"
)

type MessageKind byte

const (
	// Canceled marks a reservation whose writer gave up; readers skip it.
	Canceled MessageKind = iota + 1
	// Inline carries a page fragment.
	Inline
	// BlobStub references a fragment stored in the heap.
	BlobStub
	// Free records that a page was freed.
	Free
)

func (k MessageKind) String() string {
	switch k {
	case Canceled:
		return "canceled"
	case Inline:
		return "inline"
	case BlobStub:
		return "blob"
	case Free:
		return "free"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// MsgHeaderLen is the framing in front of every payload:
//
//	[0,4)   crc32 of the message's lsn and everything after the crc
//	[4,5)   kind
//	[5,13)  page id
//	[13,21) payload length
const MsgHeaderLen uint64 = 4 + 1 + 8 + 8

// Message is a decoded log record.
type Message struct {
	Kind    MessageKind
	Pid     common.PageId
	Payload []byte
}

// msgChecksum covers lsn so a message left over from an earlier occupant of
// the segment does not verify.
func msgChecksum(b []byte, lsn common.Lsn) uint32 {
	enc := marshal.NewEnc(8)
	enc.PutInt(lsn)
	return util.Checksum(enc.Finish(), b[4:])
}

// stampMessage fills in the framing of the message at lsn whose payload
// already sits in b[MsgHeaderLen:].
func stampMessage(b []byte, lsn common.Lsn, kind MessageKind, pid common.PageId) {
	enc := marshal.NewEnc(16)
	enc.PutInt(pid)
	enc.PutInt(uint64(len(b)) - MsgHeaderLen)
	b[4] = byte(kind)
	copy(b[5:MsgHeaderLen], enc.Finish())
	machine.UInt32Put(b[:4], msgChecksum(b, lsn))
}

// decodeFrame returns the kind, pid and payload length of the framing in b.
func decodeFrame(b []byte) (MessageKind, common.PageId, uint64) {
	dec := marshal.NewDec(b[5:MsgHeaderLen])
	pid := dec.GetInt()
	n := dec.GetInt()
	return MessageKind(b[4]), pid, n
}

// decodeMessage checks a whole message at lsn, framing included.
func decodeMessage(b []byte, lsn common.Lsn, off common.LogOffset) (Message, error) {
	kind, pid, n := decodeFrame(b)
	if uint64(len(b)) != MsgHeaderLen+n {
		return Message{}, errors.E(common.Corruption, fmt.Sprintf("message at %d: bad length %d", off, n))
	}
	if machine.UInt32Get(b[:4]) != msgChecksum(b, lsn) {
		return Message{}, errors.E(common.Corruption, fmt.Sprintf("message at %d: checksum mismatch", off))
	}
	return Message{Kind: kind, Pid: pid, Payload: util.CloneByteSlice(b[MsgHeaderLen:])}, nil
}
