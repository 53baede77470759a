package segment

import (
	"sync"

	"github.com/biogo/store/llrb"

	"github.com/mit-pdos/go-pagelog/common"
)

type cleanEntry struct {
	lsn  common.Lsn
	pids pidSet
}

func (e *cleanEntry) Compare(c llrb.Comparable) int {
	o := c.(*cleanEntry)
	switch {
	case e.lsn < o.lsn:
		return -1
	case e.lsn > o.lsn:
		return 1
	}
	return 0
}

// Cleaner holds the pages of draining segments that still have to be
// rewritten elsewhere, oldest segment first. Entries are keyed by segment
// LSN rather than offset: an offset is reused by later occupants, an LSN
// names exactly one.
type Cleaner struct {
	mu   *sync.Mutex
	tree llrb.Tree
	n    int
}

func MkCleaner() *Cleaner {
	return &Cleaner{mu: new(sync.Mutex)}
}

// Add queues the pids of the segment at lsn.
func (c *Cleaner) Add(lsn common.Lsn, pids []common.PageId) {
	if len(pids) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.tree.Get(&cleanEntry{lsn: lsn}).(*cleanEntry)
	if !ok {
		e = &cleanEntry{lsn: lsn, pids: make(pidSet)}
		c.tree.Insert(e)
	}
	for _, pid := range pids {
		if _, ok := e.pids[pid]; !ok {
			e.pids[pid] = struct{}{}
			c.n++
		}
	}
}

// Pop removes the lowest queued page other than ignore from the oldest
// segment that has one, returning the segment it was queued for.
func (c *Cleaner) Pop(ignore common.PageId) (common.Lsn, common.PageId, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var found *cleanEntry
	var pid common.PageId
	c.tree.Do(func(x llrb.Comparable) bool {
		e := x.(*cleanEntry)
		for p := range e.pids {
			if p == ignore {
				continue
			}
			if found == nil || p < pid {
				pid, found = p, e
			}
		}
		return found != nil
	})
	if found == nil {
		return 0, 0, false
	}
	delete(found.pids, pid)
	if len(found.pids) == 0 {
		c.tree.Delete(found)
	}
	c.n--
	return found.lsn, pid, true
}

func (c *Cleaner) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
