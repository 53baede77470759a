package alloc

import (
	"sync"

	"github.com/grailbio/base/must"
	"github.com/willf/bitset"

	"github.com/mit-pdos/go-pagelog/util"
)

// Alloc uses a bit map to allocate and free numbers in [1, max). Number 0 is
// never handed out so it can stand for "no number".
type Alloc struct {
	mu   *sync.Mutex // protects bits and next
	bits *bitset.BitSet
	max  uint64
	next uint64 // first number to try
}

func MkMaxAlloc(max uint64) *Alloc {
	must.Truef(max > 1, "alloc of %d numbers has nothing to hand out", max)
	bits := bitset.New(uint(max))
	bits.Set(0)
	return &Alloc{
		mu:   new(sync.Mutex),
		bits: bits,
		max:  max,
		next: 0,
	}
}

func (a *Alloc) incNext() uint64 {
	a.next = a.next + 1
	if a.next >= a.max {
		a.next = 1
	}
	return a.next
}

// AllocNum returns a free number, or 0 when everything is in use.
func (a *Alloc) AllocNum() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := a.incNext()
	num := start
	for {
		if !a.bits.Test(uint(num)) {
			a.bits.Set(uint(num))
			util.DPrintf(10, "AllocNum: %d\n", num)
			return num
		}
		num = a.incNext()
		if num == start {
			return 0
		}
	}
}

// MarkUsed records num as allocated, used when rebuilding state.
func (a *Alloc) MarkUsed(num uint64) {
	must.Truef(num < a.max, "MarkUsed: %d out of range", num)
	a.mu.Lock()
	a.bits.Set(uint(num))
	a.mu.Unlock()
}

// FreeNum releases num. It reports false if num was not allocated, so a
// repeated free is harmless.
func (a *Alloc) FreeNum(num uint64) bool {
	must.Truef(num != 0 && num < a.max, "FreeNum: %d out of range", num)
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.bits.Test(uint(num)) {
		return false
	}
	a.bits.Clear(uint(num))
	return true
}

func (a *Alloc) IsUsed(num uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bits.Test(uint(num))
}

func (a *Alloc) NumFree() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.max - uint64(a.bits.Count())
}
