// Package header implements the 64-bit reservation word that arbitrates
// writers of a shared log buffer.
//
// Layout, most significant bit first:
//
//	63..33  salt       31 bits, bumped each time the buffer is recycled
//	32      maxed      last buffer of its segment
//	31      sealed     no further reservations
//	30..24  n_writers  writers holding a reservation, at most MaxWriters
//	23..0   offset     bytes reserved so far
//
// All methods are pure. Callers load the word atomically, compute the new
// value here and install it with a compare-and-swap.
package header

import (
	"github.com/grailbio/base/must"
)

type Header uint64

const (
	MaxWriters uint64 = 127

	saltShift    = 33
	maxedBit     = Header(1) << 32
	sealedBit    = Header(1) << 31
	writersShift = 24
	writerMask   = Header(MaxWriters) << writersShift
	offsetMask   = Header(1)<<writersShift - 1
	saltMask     = ^(Header(1)<<saltShift - 1)

	// MaxOffset is the largest offset a header can describe.
	MaxOffset uint64 = uint64(offsetMask)
)

func (h Header) Salt() Header {
	return h & saltMask
}

// BumpSalt advances the salt and clears every other field.
func (h Header) BumpSalt() Header {
	return (h + 1<<saltShift) & saltMask
}

func (h Header) IsMaxed() bool {
	return h&maxedBit != 0
}

func (h Header) MkMaxed() Header {
	return h | maxedBit
}

func (h Header) IsSealed() bool {
	return h&sealedBit != 0
}

func (h Header) MkSealed() Header {
	return h | sealedBit
}

func (h Header) NWriters() uint64 {
	return uint64(h&writerMask) >> writersShift
}

func (h Header) IncrWriters() Header {
	must.Truef(h.NWriters() != MaxWriters, "header %#x: too many writers", uint64(h))
	return h + 1<<writersShift
}

func (h Header) DecrWriters() Header {
	must.Truef(h.NWriters() != 0, "header %#x: writer count underflow", uint64(h))
	return h - 1<<writersShift
}

func (h Header) Offset() uint64 {
	return uint64(h & offsetMask)
}

// BumpOffset adds by to the offset. The sum must still fit in 24 bits.
func (h Header) BumpOffset(by uint64) Header {
	must.Truef(by>>writersShift == 0, "bump of %d does not fit the offset field", by)
	must.Truef(h.Offset()+by <= MaxOffset, "offset %d+%d overflows", h.Offset(), by)
	return h + Header(by)
}
