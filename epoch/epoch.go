// Package epoch defers reclamation until every participant that might still
// observe a retired resource has moved on.
//
// A Collector owns a fixed arena of participant slots and a global epoch.
// Pin claims a slot and publishes the global epoch in it. The global epoch
// advances only when every pinned slot has published the current value, so a
// pinned participant holds the global epoch to at most one past its own.
// Work deferred at epoch t runs once the global epoch reaches t+2; by then no
// participant pinned before the deferral can still be pinned.
package epoch

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/must"

	"github.com/mit-pdos/go-pagelog/util"
)

const (
	DefaultSlots = 128

	// collectEvery is how many unpins pass between collection attempts.
	collectEvery = 32
)

type slot struct {
	// 0 when free, otherwise epoch<<1 | 1.
	state uint64
	_     [56]byte
}

type deferred struct {
	epoch uint64
	fn    func()
}

type Collector struct {
	global uint64
	unpins uint64
	next   uint64
	slots  []slot

	mu      sync.Mutex
	garbage []deferred
}

func New(nslots int) *Collector {
	if nslots <= 0 {
		nslots = DefaultSlots
	}
	return &Collector{slots: make([]slot, nslots)}
}

// Guard is a pinned participant. It must be unpinned exactly once.
type Guard struct {
	c   *Collector
	idx int
}

func pinned(e uint64) uint64 {
	return e<<1 | 1
}

// Pin claims a participant slot, spinning if every slot is taken.
func (c *Collector) Pin() *Guard {
	n := uint64(len(c.slots))
	for {
		start := atomic.AddUint64(&c.next, 1)
		for i := uint64(0); i < n; i++ {
			idx := int((start + i) % n)
			s := &c.slots[idx]
			e := atomic.LoadUint64(&c.global)
			if !atomic.CompareAndSwapUint64(&s.state, 0, pinned(e)) {
				continue
			}
			// Re-publish until the value we hold is the current epoch, so an
			// advance that missed our slot cannot go further than e+1.
			for {
				cur := atomic.LoadUint64(&c.global)
				if cur == e {
					break
				}
				e = cur
				atomic.StoreUint64(&s.state, pinned(e))
			}
			return &Guard{c: c, idx: idx}
		}
		util.DPrintf(5, "epoch: all %d slots pinned\n", n)
		runtime.Gosched()
	}
}

func (g *Guard) Unpin() {
	must.True(g.c != nil, "epoch guard unpinned twice")
	c := g.c
	atomic.StoreUint64(&c.slots[g.idx].state, 0)
	g.c = nil
	if atomic.AddUint64(&c.unpins, 1)%collectEvery == 0 {
		c.Collect()
	}
}

// Defer queues fn to run after a grace period. fn runs outside every lock of
// the collector and must not block on the collector itself.
func (g *Guard) Defer(fn func()) {
	must.True(g.c != nil, "defer on an unpinned guard")
	g.c.deferAt(fn)
}

// Defer is a convenience for callers that are not pinned.
func (c *Collector) Defer(fn func()) {
	g := c.Pin()
	g.Defer(fn)
	g.Unpin()
}

func (c *Collector) deferAt(fn func()) {
	e := atomic.LoadUint64(&c.global)
	c.mu.Lock()
	c.garbage = append(c.garbage, deferred{epoch: e, fn: fn})
	c.mu.Unlock()
}

func (c *Collector) tryAdvance() uint64 {
	e := atomic.LoadUint64(&c.global)
	for i := range c.slots {
		s := atomic.LoadUint64(&c.slots[i].state)
		if s&1 == 1 && s>>1 != e {
			return e
		}
	}
	if atomic.CompareAndSwapUint64(&c.global, e, e+1) {
		return e + 1
	}
	return atomic.LoadUint64(&c.global)
}

// Collect tries to advance the global epoch once and runs every deferred
// function whose grace period has elapsed. It returns how many ran.
func (c *Collector) Collect() int {
	e := c.tryAdvance()
	c.mu.Lock()
	var ready []func()
	keep := c.garbage[:0]
	for _, d := range c.garbage {
		if d.epoch+2 <= e {
			ready = append(ready, d.fn)
		} else {
			keep = append(keep, d)
		}
	}
	for i := len(keep); i < len(c.garbage); i++ {
		c.garbage[i] = deferred{}
	}
	c.garbage = keep
	c.mu.Unlock()
	for _, fn := range ready {
		fn()
	}
	return len(ready)
}

// Epoch returns the global epoch.
func (c *Collector) Epoch() uint64 {
	return atomic.LoadUint64(&c.global)
}

// Pending reports how many deferred functions have not run yet.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.garbage)
}

// Drain runs collection until nothing is pending or a pinned participant
// blocks progress. It returns the number still pending.
func (c *Collector) Drain() int {
	for i := 0; i < 3; i++ {
		c.Collect()
	}
	return c.Pending()
}
