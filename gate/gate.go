// Package gate is a reader/writer gate whose read side never touches a mutex
// until the first writer arrives.
//
// Readers register in an atomic counter. The first Write sets requiredBit,
// waits for every registered reader to leave, and from then on every reader
// and writer goes through an RWMutex. The switch is permanent.
package gate

import (
	"runtime"
	"sync"
	"sync/atomic"
)

const requiredBit uint64 = 1 << 63

type Gate struct {
	active      uint64
	fastReads   uint64
	lockedReads uint64
	writes      uint64
	upgraded    uint32
	mu          sync.RWMutex
}

func New() *Gate {
	return &Gate{}
}

type guardKind int

const (
	fastGuard guardKind = iota
	readGuard
	writeGuard
)

// Guard is held for the duration of a protected section. Release it exactly
// once.
type Guard struct {
	g    *Gate
	kind guardKind
}

func (gd Guard) Release() {
	switch gd.kind {
	case fastGuard:
		atomic.AddUint64(&gd.g.active, ^uint64(0))
	case readGuard:
		gd.g.mu.RUnlock()
	case writeGuard:
		gd.g.mu.Unlock()
	}
}

// IsExclusive reports whether the guard came from Write.
func (gd Guard) IsExclusive() bool {
	return gd.kind == writeGuard
}

func (g *Gate) Read() Guard {
	prev := atomic.AddUint64(&g.active, 1)
	if prev&requiredBit != 0 {
		// An upgrade is pending or done; do not count against it.
		atomic.AddUint64(&g.active, ^uint64(0))
		g.mu.RLock()
		atomic.AddUint64(&g.lockedReads, 1)
		return Guard{g: g, kind: readGuard}
	}
	atomic.AddUint64(&g.fastReads, 1)
	return Guard{g: g, kind: fastGuard}
}

func (g *Gate) enable() {
	for {
		cur := atomic.LoadUint64(&g.active)
		if cur&requiredBit != 0 {
			return
		}
		if atomic.CompareAndSwapUint64(&g.active, cur, cur|requiredBit) {
			break
		}
	}
	// This goroutine set the bit: wait for the fast-path readers to drain.
	for atomic.LoadUint64(&g.active) != requiredBit {
		runtime.Gosched()
	}
	atomic.StoreUint32(&g.upgraded, 1)
}

func (g *Gate) Write() Guard {
	g.enable()
	for atomic.LoadUint32(&g.upgraded) == 0 {
		runtime.Gosched()
	}
	g.mu.Lock()
	atomic.AddUint64(&g.writes, 1)
	return Guard{g: g, kind: writeGuard}
}

// Upgraded reports whether the gate has switched to lock-backed mode.
func (g *Gate) Upgraded() bool {
	return atomic.LoadUint32(&g.upgraded) == 1
}

type Stats struct {
	FastReads   uint64
	LockedReads uint64
	Writes      uint64
}

func (g *Gate) Stats() Stats {
	return Stats{
		FastReads:   atomic.LoadUint64(&g.fastReads),
		LockedReads: atomic.LoadUint64(&g.lockedReads),
		Writes:      atomic.LoadUint64(&g.writes),
	}
}
