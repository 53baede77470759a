package segment

import (
	"fmt"
	"sync"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/mit-pdos/go-pagelog/addr"
	"github.com/mit-pdos/go-pagelog/common"
	"github.com/mit-pdos/go-pagelog/config"
	"github.com/mit-pdos/go-pagelog/epoch"
	"github.com/mit-pdos/go-pagelog/gate"
	"github.com/mit-pdos/go-pagelog/heap"
	"github.com/mit-pdos/go-pagelog/util"
	"github.com/mit-pdos/go-pagelog/wal"
)

type lsnKey struct {
	lsn common.Lsn
	idx uint64
}

func (k lsnKey) Compare(c llrb.Comparable) int {
	o := c.(lsnKey)
	switch {
	case k.lsn < o.lsn:
		return -1
	case k.lsn > o.lsn:
		return 1
	}
	return 0
}

type idxKey uint64

func (k idxKey) Compare(c llrb.Comparable) int {
	o := c.(idxKey)
	switch {
	case k < o:
		return -1
	case k > o:
		return 1
	}
	return 0
}

// Accountant owns the segment table. It decides where the log writes next
// and when a segment's space may be reused:
//
//   - a segment still holding the latest fragment of some page is never
//     freed, and
//   - a freed segment only becomes reusable after an epoch grace period, so
//     no reader can still hold an offset into it.
//
// It implements wal.SegmentAllocator.
type Accountant struct {
	rc        *config.RunningConfig
	gate      *gate.Gate
	collector *epoch.Collector
	cleaner   *Cleaner
	segSize   uint64
	capacity  uint64

	mu       *sync.Mutex
	segments []Segment
	ordering llrb.Tree // lsnKey of every occupied segment
	free     llrb.Tree // idxKey of every reusable segment
	// Freed segments waiting for a still-active segment to become durable,
	// keyed by their LSN.
	held map[common.Lsn]uint64
	// Segments of the unstable tail found at recovery and, among them, the
	// ones already freed.
	tail          map[uint64]bool
	parked        map[uint64]bool
	tailReleaseAt common.Lsn
}

var _ wal.SegmentAllocator = (*Accountant)(nil)

func MkAccountant(rc *config.RunningConfig, g *gate.Gate, c *epoch.Collector) *Accountant {
	return &Accountant{
		rc:        rc,
		gate:      g,
		collector: c,
		cleaner:   MkCleaner(),
		segSize:   rc.SegmentSize,
		capacity:  rc.LogSegments,
		mu:        new(sync.Mutex),
		held:      make(map[common.Lsn]uint64),
	}
}

func (a *Accountant) Cleaner() *Cleaner {
	return a.cleaner
}

func (a *Accountant) segmentLsn(lsn common.Lsn) common.Lsn {
	return lsn - lsn%a.segSize
}

// Requires a.mu.
func (a *Accountant) takeFree(lsn common.Lsn) (uint64, bool) {
	var idx uint64
	found := false
	a.free.Do(func(c llrb.Comparable) bool {
		i := uint64(c.(idxKey))
		f := a.segments[i].(*Free)
		if f.HasPrev && f.PrevLsn >= lsn {
			return false
		}
		idx, found = i, true
		return true
	})
	if found {
		a.free.Delete(idxKey(idx))
		return idx, true
	}
	if uint64(len(a.segments)) < a.capacity {
		a.segments = append(a.segments, &Free{})
		return uint64(len(a.segments) - 1), true
	}
	return 0, false
}

func (a *Accountant) nextSegment(lsn common.Lsn) (common.LogOffset, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if lsn%a.segSize != 0 {
		return 0, false, errors.E(common.ReportableBug, fmt.Sprintf("segment lsn %d is not aligned", lsn))
	}
	if a.ordering.Get(lsnKey{lsn: lsn}) != nil {
		return 0, false, errors.E(common.ReportableBug, fmt.Sprintf("segment lsn %d allocated twice", lsn))
	}
	idx, ok := a.takeFree(lsn)
	if !ok {
		return 0, false, nil
	}
	a.segments[idx] = ToActive(a.segments[idx], lsn)
	a.ordering.Insert(lsnKey{lsn: lsn, idx: idx})
	util.DPrintf(2, "accountant: segment %d is active at lsn %d\n", idx, lsn)
	return idx * a.segSize, true, nil
}

// NextSegment activates a free segment for lsn and returns its offset.
func (a *Accountant) NextSegment(lsn common.Lsn, maxStable common.Lsn) (common.LogOffset, error) {
	g := a.gate.Read()
	defer g.Release()
	off, ok, err := a.nextSegment(lsn)
	if err != nil || ok {
		return off, err
	}
	// Freed segments may only be waiting for their grace period.
	a.collector.Drain()
	off, ok, err = a.nextSegment(lsn)
	if err != nil || ok {
		return off, err
	}
	return 0, errors.E(common.Io, errors.Temporary,
		fmt.Sprintf("log is full: no free segment for lsn %d (stable %d)", lsn, maxStable))
}

// Requires a.mu.
func (a *Accountant) occupied(ci addr.CacheInfo) (Segment, error) {
	idx := ci.Ptr.LogOffset() / a.segSize
	if idx >= uint64(len(a.segments)) {
		return nil, errors.E(common.ReportableBug, fmt.Sprintf("fragment %v beyond the segment table", ci.Ptr))
	}
	s := a.segments[idx]
	lsn, ok := LsnOf(s)
	if !ok || lsn != a.segmentLsn(ci.Lsn) {
		return nil, nil
	}
	return s, nil
}

// Requires a.mu.
func (a *Accountant) link(pid common.PageId, ci addr.CacheInfo) error {
	s, err := a.occupied(ci)
	if err != nil {
		return err
	}
	act, ok := s.(*Active)
	if !ok {
		return errors.E(common.ReportableBug,
			fmt.Sprintf("pid %d linked at lsn %d into a segment that is not active (%v)", pid, ci.Lsn, s))
	}
	act.InsertPid(pid, a.segmentLsn(ci.Lsn))
	return nil
}

// MarkLink records a new fragment of pid. The fragment's reservation must
// not be complete yet, which keeps its segment active.
func (a *Accountant) MarkLink(pid common.PageId, ci addr.CacheInfo) error {
	g := a.gate.Read()
	defer g.Release()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.link(pid, ci)
}

// MarkReplace records that the fragments new supersede old. Heap blobs of
// old fragments that new does not carry over are released.
func (a *Accountant) MarkReplace(pid common.PageId, old []addr.CacheInfo, new []addr.CacheInfo) error {
	if len(new) == 0 {
		return errors.E(common.ReportableBug, fmt.Sprintf("pid %d replaced by nothing", pid))
	}
	g := a.gate.Read()
	defer g.Release()

	var newest common.Lsn
	kept := make(map[heap.HeapId]bool)
	for _, ci := range new {
		if ci.Lsn > newest {
			newest = ci.Lsn
		}
		if id, ok := ci.Ptr.HeapId(); ok {
			kept[id] = true
		}
	}
	replacement := a.segmentLsn(newest)

	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[Segment]bool)
	for _, ci := range new {
		// pid stays live in segments that receive one of the new fragments
		if s, err := a.occupied(ci); err == nil && s != nil {
			seen[s] = true
		}
	}
	for _, ci := range old {
		s, err := a.occupied(ci)
		if err != nil {
			return err
		}
		if s == nil {
			util.DPrintf(3, "accountant: pid %d fragment in recycled segment %v\n", pid, ci.Ptr)
			continue
		}
		if id, ok := ci.Ptr.HeapId(); ok && !kept[id] {
			RemoveHeapItem(s, id, a.rc)
		}
		if !seen[s] {
			seen[s] = true
			RemovePid(s, pid, replacement)
		}
	}
	for _, ci := range new {
		if err := a.link(pid, ci); err != nil {
			return err
		}
	}
	return nil
}

// Stabilize advances segments now that everything below stable is durable.
func (a *Accountant) Stabilize(stable common.Lsn) error {
	g := a.gate.Read()
	release := a.stabilize(stable)
	g.Release()
	for _, idx := range release {
		idx := idx
		a.collector.Defer(func() { a.makeReusable(idx) })
	}
	if len(release) > 0 {
		a.collector.Collect()
	}
	return nil
}

func (a *Accountant) stabilize(stable common.Lsn) []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var release []uint64
	if a.tail != nil && stable > a.tailReleaseAt {
		for idx := range a.parked {
			a.free.Insert(idxKey(idx))
		}
		log.Printf("accountant: unstable tail of %d segments released at lsn %d", len(a.tail), stable)
		a.tail, a.parked = nil, nil
	}

	var keys []lsnKey
	a.ordering.Do(func(c llrb.Comparable) bool {
		keys = append(keys, c.(lsnKey))
		return false
	})
	threshold := a.rc.CleanupThreshold()
	for _, k := range keys {
		if act, ok := a.segments[k.idx].(*Active); ok && k.lsn+a.segSize <= stable {
			in, canFree := act.ToInactive(stable, a.rc)
			a.segments[k.idx] = in
			for _, lsn := range canFree {
				if idx, ok := a.held[lsn]; ok {
					delete(a.held, lsn)
					release = append(release, idx)
				}
			}
			util.DPrintf(2, "accountant: segment %d (lsn %d) inactive\n", k.idx, k.lsn)
		}
		if in, ok := a.segments[k.idx].(*Inactive); ok {
			live, max := in.Live()
			if live*100 <= threshold*max {
				d, pids := in.ToDraining(stable)
				a.segments[k.idx] = d
				a.cleaner.Add(k.lsn, pids)
				util.DPrintf(2, "accountant: segment %d (lsn %d) draining, %d of %d pages to move\n",
					k.idx, k.lsn, live, max)
			}
		}
	}
	for _, k := range keys {
		d, ok := a.segments[k.idx].(*Draining)
		if !ok || !d.CanFree() {
			continue
		}
		f, replacement := d.ToFree(stable)
		a.segments[k.idx] = f
		a.ordering.Delete(k)
		util.DPrintf(2, "accountant: segment %d (lsn %d) free\n", k.idx, k.lsn)
		if r, ok := a.ordering.Get(lsnKey{lsn: replacement}).(lsnKey); ok && replacement != k.lsn {
			if act, ok := a.segments[r.idx].(*Active); ok {
				act.DeferFreeLsn(k.lsn)
				a.held[k.lsn] = k.idx
				continue
			}
		}
		release = append(release, k.idx)
	}
	return release
}

// makeReusable runs once no reader can still observe the segment.
func (a *Accountant) makeReusable(idx uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.segments[idx].(*Free); !ok {
		return
	}
	if a.tail[idx] {
		a.parked[idx] = true
		return
	}
	a.free.Insert(idxKey(idx))
}

// Clean returns a page that must be rewritten so the draining segment at
// the returned LSN can be freed, skipping ignore.
func (a *Accountant) Clean(ignore common.PageId) (common.Lsn, common.PageId, bool) {
	return a.cleaner.Pop(ignore)
}

// Compact shrinks the segment table by its trailing reusable segments and
// returns how many it dropped. It takes the gate exclusively.
func (a *Accountant) Compact() int {
	g := a.gate.Write()
	defer g.Release()
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for len(a.segments) > 0 {
		idx := uint64(len(a.segments) - 1)
		if a.free.Get(idxKey(idx)) == nil {
			break
		}
		a.free.Delete(idxKey(idx))
		a.segments = a.segments[:idx]
		n++
	}
	if n > 0 {
		log.Printf("accountant: compacted %d trailing segments", n)
	}
	return n
}

// Recover rebuilds the table from a recovery scan and the fragments of
// every page. Every recovered segment starts out inactive.
func (a *Accountant) Recover(rec *wal.Recovery, pages map[common.PageId][]addr.CacheInfo) error {
	g := a.gate.Read()
	defer g.Release()
	a.mu.Lock()
	defer a.mu.Unlock()
	if rec.NumSegments < a.capacity {
		a.capacity = rec.NumSegments
	}
	for _, s := range rec.Segments {
		for uint64(len(a.segments)) <= s.Idx {
			a.segments = append(a.segments, &Free{})
		}
		a.segments[s.Idx] = (&Free{}).ToActive(s.Lsn)
		a.ordering.Insert(lsnKey{lsn: s.Lsn, idx: s.Idx})
	}
	for pid, frags := range pages {
		for _, ci := range frags {
			s, err := a.occupied(ci)
			if err != nil {
				return err
			}
			act, ok := s.(*Active)
			if !ok {
				return errors.E(common.Corruption,
					fmt.Sprintf("pid %d has a fragment at %v in a segment that did not survive", pid, ci.Ptr))
			}
			act.InsertPid(pid, a.segmentLsn(ci.Lsn))
		}
	}
	if tail := rec.Tail(); len(tail) > 0 {
		a.tail = make(map[uint64]bool)
		a.parked = make(map[uint64]bool)
		for _, s := range tail {
			a.tail[s.Idx] = true
		}
		a.tailReleaseAt = rec.NextLsn
	}
	// Segments no page lives in any more were freed before the restart, or
	// were about to be; their headers are still on disk.
	empty := 0
	for _, s := range rec.Segments {
		in, _ := a.segments[s.Idx].(*Active).ToInactive(rec.NextLsn, a.rc)
		if live, _ := in.Live(); live > 0 {
			a.segments[s.Idx] = in
			continue
		}
		a.segments[s.Idx] = &Free{PrevLsn: s.Lsn, HasPrev: true}
		a.ordering.Delete(lsnKey{lsn: s.Lsn, idx: s.Idx})
		if a.tail[s.Idx] {
			a.parked[s.Idx] = true
		}
		empty++
	}
	for idx, s := range a.segments {
		if _, ok := s.(*Free); ok && !a.parked[uint64(idx)] {
			a.free.Insert(idxKey(idx))
		}
	}
	log.Printf("accountant: recovered %d segments (%d empty), %d pages", len(rec.Segments), empty, len(pages))
	return nil
}

type Stats struct {
	Free     int
	Active   int
	Inactive int
	Draining int
	// Reusable counts free segments available to NextSegment.
	Reusable int
	Held     int
	Cleaning int
}

func (a *Accountant) Stats() Stats {
	g := a.gate.Read()
	defer g.Release()
	a.mu.Lock()
	defer a.mu.Unlock()
	var st Stats
	for _, s := range a.segments {
		switch s.(type) {
		case *Free:
			st.Free++
		case *Active:
			st.Active++
		case *Inactive:
			st.Inactive++
		case *Draining:
			st.Draining++
		}
	}
	st.Reusable = a.free.Len()
	st.Held = len(a.held)
	st.Cleaning = a.cleaner.Len()
	return st
}
