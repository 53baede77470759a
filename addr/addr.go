// Package addr describes where a page fragment lives on disk.
package addr

import (
	"fmt"

	"github.com/mit-pdos/go-pagelog/common"
	"github.com/mit-pdos/go-pagelog/heap"
)

// DiskPtr is either an inline log offset or a heap blob. A heap pointer also
// records the log offset of the stub message that introduced the blob, so
// the log segment holding the reference can be accounted for.
type DiskPtr struct {
	inline bool
	offset common.LogOffset
	heapId heap.HeapId
}

func Inline(off common.LogOffset) DiskPtr {
	return DiskPtr{inline: true, offset: off}
}

func Heap(stub common.LogOffset, id heap.HeapId) DiskPtr {
	return DiskPtr{inline: false, offset: stub, heapId: id}
}

func (p DiskPtr) IsInline() bool {
	return p.inline
}

// Lid locates the physical bytes: the log offset for inline data, the heap
// location otherwise.
func (p DiskPtr) Lid() common.LogOffset {
	if p.inline {
		return p.offset
	}
	return p.heapId.Location
}

func (p DiskPtr) HeapId() (heap.HeapId, bool) {
	return p.heapId, !p.inline
}

// LogOffset is the offset of the log message carrying the fragment (the
// stub for heap data).
func (p DiskPtr) LogOffset() common.LogOffset {
	return p.offset
}

func (p DiskPtr) String() string {
	if p.inline {
		return fmt.Sprintf("inline@%d", p.offset)
	}
	slab, idx, lsn := p.heapId.Decompose()
	return fmt.Sprintf("heap[%d:%d]@%d (stub %d)", slab, idx, lsn, p.offset)
}

// CacheInfo is one fragment of a page. Ts orders fragments of a page
// independently of their LSNs.
type CacheInfo struct {
	Ts  uint64
	Lsn common.Lsn
	Ptr DiskPtr
}
