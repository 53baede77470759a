// Package segment tracks the lifecycle of log segments:
//
//	Free -> Active -> Inactive -> Draining -> Free
//
// A segment is Active while it may still receive writes, Inactive once all
// of it is durable, Draining once the pages still living in it have been
// handed to the cleaner for relocation, and Free when every page that ever
// lived in it has been superseded.
//
// Each state is its own type and a transition consumes one value and
// returns the next. Calling a transition on the wrong state is a bug in the
// caller and panics.
package segment

import (
	"sort"

	"github.com/grailbio/base/must"

	"github.com/mit-pdos/go-pagelog/common"
	"github.com/mit-pdos/go-pagelog/config"
	"github.com/mit-pdos/go-pagelog/heap"
)

type Segment interface {
	String() string
	isSegment()
}

type pidSet map[common.PageId]struct{}

func (s pidSet) sorted() []common.PageId {
	pids := make([]common.PageId, 0, len(s))
	for pid := range s {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// Free remembers the LSN of its previous occupant, if it ever had one.
type Free struct {
	PrevLsn common.Lsn
	HasPrev bool
}

type Active struct {
	lsn                     common.Lsn
	pids                    pidSet
	deferredReplaced        pidSet
	latestReplacementLsn    common.Lsn
	canFreeUponDeactivation map[common.Lsn]struct{}
	deferredHeapRemovals    map[heap.HeapId]struct{}
}

type Inactive struct {
	lsn                  common.Lsn
	pids                 pidSet
	maxPids              uint64
	replacedPids         uint64
	latestReplacementLsn common.Lsn
}

type Draining struct {
	lsn                  common.Lsn
	maxPids              uint64
	replacedPids         uint64
	latestReplacementLsn common.Lsn
}

func (*Free) isSegment()     {}
func (*Active) isSegment()   {}
func (*Inactive) isSegment() {}
func (*Draining) isSegment() {}

func (*Free) String() string     { return "free" }
func (*Active) String() string   { return "active" }
func (*Inactive) String() string { return "inactive" }
func (*Draining) String() string { return "draining" }

// LsnOf returns the LSN of the segment's current occupant. Free segments
// have none.
func LsnOf(s Segment) (common.Lsn, bool) {
	switch s := s.(type) {
	case *Active:
		return s.lsn, true
	case *Inactive:
		return s.lsn, true
	case *Draining:
		return s.lsn, true
	}
	return 0, false
}

func (f *Free) ToActive(lsn common.Lsn) *Active {
	must.Truef(!f.HasPrev || lsn > f.PrevLsn,
		"segment reused at lsn %d, not after its previous lsn %d", lsn, f.PrevLsn)
	return &Active{
		lsn:                     lsn,
		pids:                    make(pidSet),
		deferredReplaced:        make(pidSet),
		canFreeUponDeactivation: make(map[common.Lsn]struct{}),
		deferredHeapRemovals:    make(map[heap.HeapId]struct{}),
	}
}

func (a *Active) Lsn() common.Lsn {
	return a.lsn
}

func (a *Active) Len() int {
	return len(a.pids)
}

func (a *Active) InsertPid(pid common.PageId, lsn common.Lsn) {
	must.Truef(lsn == a.lsn, "insert of pid %d at lsn %d into active segment %d", pid, lsn, a.lsn)
	a.pids[pid] = struct{}{}
	delete(a.deferredReplaced, pid)
}

// RemovePid records that pid was rewritten at replacementLsn. A replacement
// inside this segment leaves the pid live here.
func (a *Active) RemovePid(pid common.PageId, replacementLsn common.Lsn) {
	must.Truef(replacementLsn >= a.lsn, "pid %d replaced at %d before segment %d", pid, replacementLsn, a.lsn)
	if replacementLsn > a.latestReplacementLsn {
		a.latestReplacementLsn = replacementLsn
	}
	if replacementLsn == a.lsn {
		return
	}
	a.deferredReplaced[pid] = struct{}{}
}

// DeferFreeLsn holds back the release of the segment at lsn until this one
// is durable.
func (a *Active) DeferFreeLsn(lsn common.Lsn) {
	a.canFreeUponDeactivation[lsn] = struct{}{}
}

// RemoveHeapItem queues the blob for release at deactivation; a page
// written into this segment may still reference it.
func (a *Active) RemoveHeapItem(id heap.HeapId) {
	a.deferredHeapRemovals[id] = struct{}{}
}

// ToInactive returns the inactive segment and the LSNs of segments that may
// now be released.
func (a *Active) ToInactive(toLsn common.Lsn, rc *config.RunningConfig) (*Inactive, []common.Lsn) {
	must.Truef(toLsn >= a.lsn, "deactivating segment %d at %d", a.lsn, toLsn)
	for id := range a.deferredHeapRemovals {
		rc.Heap.Free(id)
	}
	in := &Inactive{
		lsn:                  a.lsn,
		pids:                 a.pids,
		maxPids:              uint64(len(a.pids)),
		latestReplacementLsn: a.latestReplacementLsn,
	}
	for pid := range a.deferredReplaced {
		if _, ok := in.pids[pid]; ok {
			delete(in.pids, pid)
			in.replacedPids++
		}
	}
	canFree := make([]common.Lsn, 0, len(a.canFreeUponDeactivation))
	for lsn := range a.canFreeUponDeactivation {
		canFree = append(canFree, lsn)
	}
	sort.Slice(canFree, func(i, j int) bool { return canFree[i] < canFree[j] })
	return in, canFree
}

func (i *Inactive) Lsn() common.Lsn {
	return i.lsn
}

// Live returns how many pages still live here and how many ever did.
func (i *Inactive) Live() (live uint64, max uint64) {
	return uint64(len(i.pids)), i.maxPids
}

func (i *Inactive) RemovePid(pid common.PageId, replacementLsn common.Lsn) {
	must.Truef(replacementLsn >= i.lsn, "pid %d replaced at %d before segment %d", pid, replacementLsn, i.lsn)
	if replacementLsn > i.latestReplacementLsn {
		i.latestReplacementLsn = replacementLsn
	}
	if replacementLsn == i.lsn {
		return
	}
	if _, ok := i.pids[pid]; ok {
		delete(i.pids, pid)
		i.replacedPids++
	}
}

func (i *Inactive) RemoveHeapItem(id heap.HeapId, rc *config.RunningConfig) {
	rc.Heap.Free(id)
}

// ToDraining returns the draining segment and the pages that must be
// relocated before it can be freed.
func (i *Inactive) ToDraining(toLsn common.Lsn) (*Draining, []common.PageId) {
	must.Truef(toLsn >= i.lsn, "draining segment %d at %d", i.lsn, toLsn)
	return &Draining{
		lsn:                  i.lsn,
		maxPids:              i.maxPids,
		replacedPids:         i.replacedPids,
		latestReplacementLsn: i.latestReplacementLsn,
	}, i.pids.sorted()
}

func (d *Draining) Lsn() common.Lsn {
	return d.lsn
}

func (d *Draining) RemovePid(pid common.PageId, replacementLsn common.Lsn) {
	must.Truef(replacementLsn >= d.lsn, "pid %d replaced at %d before segment %d", pid, replacementLsn, d.lsn)
	if replacementLsn > d.latestReplacementLsn {
		d.latestReplacementLsn = replacementLsn
	}
	if replacementLsn == d.lsn {
		return
	}
	d.replacedPids++
}

func (d *Draining) RemoveHeapItem(id heap.HeapId, rc *config.RunningConfig) {
	rc.Heap.Free(id)
}

// CanFree reports whether every page that lived here has been replaced.
func (d *Draining) CanFree() bool {
	return d.replacedPids == d.maxPids
}

// ToFree returns the free segment and the highest LSN any of this
// segment's pages was rewritten at.
func (d *Draining) ToFree(toLsn common.Lsn) (*Free, common.Lsn) {
	must.Truef(toLsn >= d.lsn, "freeing segment %d at %d", d.lsn, toLsn)
	return &Free{PrevLsn: d.lsn, HasPrev: true}, d.latestReplacementLsn
}

func InsertPid(s Segment, pid common.PageId, lsn common.Lsn) {
	switch s := s.(type) {
	case *Active:
		s.InsertPid(pid, lsn)
	default:
		must.Neverf("insert_pid on %v segment", s)
	}
}

func RemovePid(s Segment, pid common.PageId, replacementLsn common.Lsn) {
	switch s := s.(type) {
	case *Active:
		s.RemovePid(pid, replacementLsn)
	case *Inactive:
		s.RemovePid(pid, replacementLsn)
	case *Draining:
		s.RemovePid(pid, replacementLsn)
	default:
		must.Neverf("remove_pid on %v segment", s)
	}
}

func RemoveHeapItem(s Segment, id heap.HeapId, rc *config.RunningConfig) {
	switch s := s.(type) {
	case *Active:
		s.RemoveHeapItem(id)
	case *Inactive:
		s.RemoveHeapItem(id, rc)
	case *Draining:
		s.RemoveHeapItem(id, rc)
	default:
		must.Neverf("remove_heap_item on %v segment", s)
	}
}

func DeferFreeLsn(s Segment, lsn common.Lsn) {
	switch s := s.(type) {
	case *Active:
		s.DeferFreeLsn(lsn)
	default:
		must.Neverf("defer_free_lsn on %v segment", s)
	}
}

func ToActive(s Segment, lsn common.Lsn) *Active {
	f, ok := s.(*Free)
	if !ok {
		must.Neverf("free_to_active on %v segment", s)
	}
	return f.ToActive(lsn)
}

func ToInactive(s Segment, toLsn common.Lsn, rc *config.RunningConfig) (*Inactive, []common.Lsn) {
	a, ok := s.(*Active)
	if !ok {
		must.Neverf("active_to_inactive on %v segment", s)
	}
	return a.ToInactive(toLsn, rc)
}

func ToDraining(s Segment, toLsn common.Lsn) (*Draining, []common.PageId) {
	i, ok := s.(*Inactive)
	if !ok {
		must.Neverf("inactive_to_draining on %v segment", s)
	}
	return i.ToDraining(toLsn)
}

func ToFree(s Segment, toLsn common.Lsn) (*Free, common.Lsn) {
	d, ok := s.(*Draining)
	if !ok {
		must.Neverf("draining_to_free on %v segment", s)
	}
	return d.ToFree(toLsn)
}
