// Package heap stores values too large to inline in the log.
//
// Blobs are grouped into power-of-two size classes (slabs) starting at
// 32 KiB. Each slab is a separate disk of equally sized slots, so a blob is
// addressed by its slab and slot index alone.
package heap

import (
	"math/bits"

	"github.com/mit-pdos/go-pagelog/common"
	"github.com/mit-pdos/go-pagelog/util"
)

type SlabId = uint8
type SlabIdx = uint32

const (
	MinTrailingZeros uint64 = 15
	MinSz            uint64 = 1 << MinTrailingZeros

	// NumSlabs bounds slab ids so the slab bit fits the high half of a
	// location.
	NumSlabs = 32
)

func SlabIdToSize(id SlabId) uint64 {
	return 1 << (MinTrailingZeros + uint64(id))
}

// SizeToSlabId returns the smallest slab whose slots hold size bytes.
func SizeToSlabId(size uint64) SlabId {
	normalized := util.Max(MinSz, util.NextPowerOfTwo(size))
	rebased := normalized >> MinTrailingZeros
	return SlabId(bits.TrailingZeros64(rebased))
}

func SlabSize(size uint64) uint64 {
	return SlabIdToSize(SizeToSlabId(size))
}

// HeapId names a blob: a slab/slot location plus the LSN of the write that
// produced it.
type HeapId struct {
	Location    uint64
	OriginalLsn common.Lsn
}

func Compose(slab SlabId, idx SlabIdx, lsn common.Lsn) HeapId {
	loc := uint64(1)<<(32+uint64(slab)) | uint64(idx)
	return HeapId{Location: loc, OriginalLsn: lsn}
}

func (h HeapId) Decompose() (SlabId, SlabIdx, common.Lsn) {
	const idxMask = 1<<32 - 1
	high := h.Location >> 32
	slab := SlabId(32)
	if high != 0 {
		slab = SlabId(bits.TrailingZeros64(high))
	}
	return slab, SlabIdx(h.Location & idxMask), h.OriginalLsn
}

func (h HeapId) Slab() SlabId {
	slab, _, _ := h.Decompose()
	return slab
}

func (h HeapId) Idx() SlabIdx {
	_, idx, _ := h.Decompose()
	return idx
}

// Offset is the byte offset of the blob's slot within its slab.
func (h HeapId) Offset() uint64 {
	slab, idx, _ := h.Decompose()
	return SlabIdToSize(slab) * uint64(idx)
}

func (h HeapId) SlabSize() uint64 {
	return SlabIdToSize(h.Slab())
}
