package wal

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/grailbio/base/must"

	"github.com/mit-pdos/go-pagelog/common"
	"github.com/mit-pdos/go-pagelog/header"
)

const bufAlign = 8192

// alignedBuf is the in-memory image of one segment. Every IoBuf of the
// segment shares it; the last owner to release it returns it to the pool.
type alignedBuf struct {
	refs int32
	raw  []byte
	data []byte
	pool *sync.Pool
}

func newBufPool(size uint64) *sync.Pool {
	p := &sync.Pool{}
	p.New = func() interface{} {
		raw := make([]byte, size+bufAlign)
		pad := (bufAlign - int(uintptr(unsafe.Pointer(&raw[0]))%bufAlign)) % bufAlign
		return &alignedBuf{raw: raw, data: raw[pad : uint64(pad)+size], pool: p}
	}
	return p
}

func getAlignedBuf(p *sync.Pool) *alignedBuf {
	ab := p.Get().(*alignedBuf)
	ab.refs = 1
	return ab
}

func (ab *alignedBuf) acquire() *alignedBuf {
	n := atomic.AddInt32(&ab.refs, 1)
	must.Truef(n > 1, "acquire of a released segment buffer")
	return ab
}

func (ab *alignedBuf) release() {
	n := atomic.AddInt32(&ab.refs, -1)
	must.Truef(n >= 0, "segment buffer released too often")
	if n == 0 {
		for i := range ab.data {
			ab.data[i] = 0
		}
		ab.pool.Put(ab)
	}
}

// IoBuf is a window [base, segment end) of a segment buffer that writers
// reserve space in. Offsets in its header are relative to base.
type IoBuf struct {
	hdr uint64
	_   [56]byte

	ab       *alignedBuf
	base     uint64
	SegLsn   common.Lsn
	SegOff   common.LogOffset
	Lsn      common.Lsn
	Offset   common.LogOffset
	Capacity uint64

	// Set under Log.rotateMu once the buffer is sealed.
	sealed      header.Header
	rotateTried bool
	rotateErr   error
}

func newIoBuf(ab *alignedBuf, segSize uint64, segLsn common.Lsn, segOff common.LogOffset, base uint64) *IoBuf {
	must.Truef(base < segSize, "iobuf base %d beyond segment", base)
	return &IoBuf{
		ab:       ab,
		base:     base,
		SegLsn:   segLsn,
		SegOff:   segOff,
		Lsn:      segLsn + base,
		Offset:   segOff + base,
		Capacity: segSize - base,
	}
}

func (b *IoBuf) loadHeader() header.Header {
	return header.Header(atomic.LoadUint64(&b.hdr))
}

func (b *IoBuf) setHeader(h header.Header) {
	atomic.StoreUint64(&b.hdr, uint64(h))
}

func (b *IoBuf) casHeader(old, new header.Header) bool {
	return atomic.CompareAndSwapUint64(&b.hdr, uint64(old), uint64(new))
}

// GetMutRange returns the bytes [at, at+n) of the buffer, relative to base.
//
// Concurrent callers get overlapping slices of one array. Callers must only
// ask for a range they reserved through the header, which guarantees that
// no two live reservations overlap.
func (b *IoBuf) GetMutRange(at, n uint64) []byte {
	must.Truef(at+n <= b.Capacity, "range [%d,%d) beyond iobuf capacity %d", at, at+n, b.Capacity)
	start := b.base + at
	return b.ab.data[start : start+n : start+n]
}

// storeSegmentHeader stamps the segment header at the start of a fresh
// segment and opens the buffer for writers right after it.
func (b *IoBuf) storeSegmentHeader(last header.Header, lsn, maxStable common.Lsn) {
	must.True(b.base == 0, "segment header stored past the start of a segment")
	must.True(b.Capacity >= common.SEG_HEADER_LEN)
	b.Lsn = lsn
	copy(b.GetMutRange(0, common.SEG_HEADER_LEN), SegmentHeader{Lsn: lsn, MaxStableLsn: maxStable}.Encode())
	b.setHeader(last.Salt().BumpSalt().BumpOffset(common.SEG_HEADER_LEN))
}

// end is the in-segment offset where this buffer's data ends once it is
// sealed with h. Buffers that continue the segment start on a block
// boundary so no two buffers ever write the same disk block.
func (b *IoBuf) end(h header.Header) uint64 {
	if h.IsMaxed() {
		return b.base + b.Capacity
	}
	return roundUpBlock(b.base + h.Offset())
}
