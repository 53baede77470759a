// Package pagelog is a log-structured page store. Pages are written as
// fragments (a base and any number of deltas) to an append-only log of
// segments; large fragments live in a slab heap and the log only carries a
// stub. Segments whose pages have all been rewritten elsewhere are reused.
//
// Callers combine the fragments Read returns; pagelog never interprets
// page contents.
package pagelog

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"

	"github.com/mit-pdos/go-pagelog/addr"
	"github.com/mit-pdos/go-pagelog/common"
	"github.com/mit-pdos/go-pagelog/config"
	"github.com/mit-pdos/go-pagelog/epoch"
	"github.com/mit-pdos/go-pagelog/gate"
	"github.com/mit-pdos/go-pagelog/lockmap"
	"github.com/mit-pdos/go-pagelog/pagetable"
	"github.com/mit-pdos/go-pagelog/segment"
	"github.com/mit-pdos/go-pagelog/util"
	"github.com/mit-pdos/go-pagelog/wal"
)

const (
	readAttempts    = 3
	reserveAttempts = 200
)

// Log is an open page store.
type Log struct {
	rc        *config.RunningConfig
	gate      *gate.Gate
	collector *epoch.Collector
	acct      *segment.Accountant
	wal       *wal.Log
	pages     *pagetable.PageTable
	locks     *lockmap.LockMap

	nextPid uint64
	ts      uint64

	freeMu   *sync.Mutex
	freePids []common.PageId
}

// Open starts the store described by cfg, recovering whatever its files
// hold.
func Open(cfg config.Config) (*Log, error) {
	rc, err := cfg.Start()
	if err != nil {
		return nil, err
	}
	l, err := open(rc)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return l, nil
}

func open(rc *config.RunningConfig) (*Log, error) {
	rec, err := wal.Recover(rc.LogDisk, rc.SegmentSize)
	if err != nil {
		return nil, err
	}
	st, err := replay(rc, rec)
	if err != nil {
		return nil, err
	}
	frags := make(map[common.PageId][]addr.CacheInfo, len(st.pages))
	var ups []pagetable.Update
	for pid, ps := range st.pages {
		frags[pid] = ps.Frags
		ups = append(ups, pagetable.Update{Pid: pid, State: ps})
		for _, ci := range ps.Frags {
			if id, ok := ci.Ptr.HeapId(); ok {
				if err := rc.Heap.MarkUsed(id); err != nil {
					return nil, err
				}
			}
		}
	}

	l := &Log{
		rc:        rc,
		gate:      gate.New(),
		collector: epoch.New(rc.EpochSlots),
		pages:     pagetable.MkPageTable(),
		locks:     lockmap.MkLockMap(),
		nextPid:   st.nextPid,
		ts:        st.ts,
		freeMu:    new(sync.Mutex),
		freePids:  st.freePids,
	}
	l.pages.MultiSet(ups)
	l.acct = segment.MkAccountant(rc, l.gate, l.collector)
	if err := l.acct.Recover(rec, frags); err != nil {
		return nil, err
	}
	flushEvery := time.Duration(rc.FlushEveryMs) * time.Millisecond
	l.wal, err = wal.MkLog(rc.LogDisk, rc.SegmentSize, l.acct, rec.NextLsn, flushEvery)
	if err != nil {
		return nil, err
	}
	log.Printf("pagelog: opened with %d pages (%d free), next lsn %d",
		len(st.pages), len(st.freePids), rec.NextLsn)
	return l, nil
}

func (l *Log) check() error {
	if err := l.rc.Err(); err != nil {
		return err
	}
	if err := l.wal.Err(); err != nil {
		l.rc.GlobalError.Set(err)
		return err
	}
	return nil
}

func (l *Log) nextTs() uint64 {
	return atomic.AddUint64(&l.ts, 1)
}

func notFound(pid common.PageId) error {
	return errors.E(common.CollectionNotFound, fmt.Sprintf("page %d", pid))
}

// reserve retries while the log is out of segments; cleaning and
// flushing free them up. Callers must not hold other reservations.
func (l *Log) reserve(kind wal.MessageKind, pid common.PageId, n uint64) (*wal.Reservation, error) {
	var err error
	for i := 0; i < reserveAttempts; i++ {
		var r *wal.Reservation
		r, err = l.wal.Reserve(kind, pid, n)
		if err == nil || !errors.IsTemporary(err) || l.wal.Err() != nil {
			return r, err
		}
		util.DPrintf(1, "pagelog: reserve for pid %d: %v\n", pid, err)
		if err := l.wal.FlushAll(); err != nil {
			return nil, err
		}
		time.Sleep(time.Millisecond)
	}
	return nil, err
}

// writeFragment reserves and fills a message carrying data. The caller
// must finish the reservation.
func (l *Log) writeFragment(pid common.PageId, op byte, data []byte, retry bool) (addr.CacheInfo, *wal.Reservation, error) {
	reserve := l.wal.Reserve
	if retry {
		reserve = l.reserve
	}
	if uint64(len(data))+1 <= l.rc.MaxInline() {
		r, err := reserve(wal.Inline, pid, uint64(len(data))+1)
		if err != nil {
			return addr.CacheInfo{}, nil, err
		}
		p := r.Payload()
		p[0] = op
		copy(p[1:], data)
		return addr.CacheInfo{Ts: l.nextTs(), Lsn: r.Lsn, Ptr: addr.Inline(r.Offset)}, r, nil
	}
	r, err := reserve(wal.BlobStub, pid, stubLen)
	if err != nil {
		return addr.CacheInfo{}, nil, err
	}
	id, err := l.rc.Heap.Write(data, r.Lsn)
	if err == nil {
		if err = l.rc.Heap.Sync(); err != nil {
			l.rc.Heap.Free(id)
		}
	}
	if err != nil {
		r.Abort()
		return addr.CacheInfo{}, nil, err
	}
	encodeStub(r.Payload(), op, id)
	return addr.CacheInfo{Ts: l.nextTs(), Lsn: r.Lsn, Ptr: addr.Heap(r.Offset, id)}, r, nil
}

// relinkBlob writes a new stub for a blob that is already in the heap.
func (l *Log) relinkBlob(pid common.PageId, op byte, ci addr.CacheInfo) (addr.CacheInfo, *wal.Reservation, error) {
	id, _ := ci.Ptr.HeapId()
	if !l.rc.Heap.Live(id) {
		return addr.CacheInfo{}, nil, errors.E(common.ReportableBug,
			fmt.Sprintf("pid %d references released blob %v", pid, ci.Ptr))
	}
	r, err := l.wal.Reserve(wal.BlobStub, pid, stubLen)
	if err != nil {
		return addr.CacheInfo{}, nil, err
	}
	encodeStub(r.Payload(), op, id)
	return addr.CacheInfo{Ts: l.nextTs(), Lsn: r.Lsn, Ptr: addr.Heap(r.Offset, id)}, r, nil
}

func (l *Log) allocPid() common.PageId {
	l.freeMu.Lock()
	if n := len(l.freePids); n > 0 {
		pid := l.freePids[n-1]
		l.freePids = l.freePids[:n-1]
		l.freeMu.Unlock()
		return pid
	}
	l.freeMu.Unlock()
	for {
		pid := atomic.AddUint64(&l.nextPid, 1) - 1
		if !common.IsReserved(pid) {
			return pid
		}
	}
}

func (l *Log) releasePid(pid common.PageId) {
	l.freeMu.Lock()
	l.freePids = append(l.freePids, pid)
	l.freeMu.Unlock()
}

// AllocatePage stores data as the base of a new page.
func (l *Log) AllocatePage(data []byte) (common.PageId, addr.CacheInfo, error) {
	if err := l.check(); err != nil {
		return 0, addr.CacheInfo{}, err
	}
	pid := l.allocPid()
	l.locks.Acquire(pid)
	ci, err := l.allocate(pid, data)
	l.locks.Release(pid)
	if err != nil {
		l.releasePid(pid)
		return 0, addr.CacheInfo{}, err
	}
	l.maybeClean(pid)
	return pid, ci, nil
}

func (l *Log) allocate(pid common.PageId, data []byte) (addr.CacheInfo, error) {
	old, reused := l.pages.Get(pid)
	ci, r, err := l.writeFragment(pid, opReplace, data, true)
	if err != nil {
		return addr.CacheInfo{}, err
	}
	if reused {
		err = l.acct.MarkReplace(pid, old.Frags, []addr.CacheInfo{ci})
	} else {
		err = l.acct.MarkLink(pid, ci)
	}
	if err != nil {
		r.Abort()
		return addr.CacheInfo{}, err
	}
	r.Complete()
	l.pages.Set(pid, pagetable.PageState{Frags: []addr.CacheInfo{ci}})
	return ci, nil
}

// Link appends a delta to pid.
func (l *Log) Link(pid common.PageId, delta []byte) (addr.CacheInfo, error) {
	if err := l.check(); err != nil {
		return addr.CacheInfo{}, err
	}
	l.locks.Acquire(pid)
	ci, err := l.link(pid, delta)
	l.locks.Release(pid)
	if err == nil {
		l.maybeClean(pid)
	}
	return ci, err
}

func (l *Log) link(pid common.PageId, delta []byte) (addr.CacheInfo, error) {
	st, ok := l.pages.Get(pid)
	if !ok || st.Free {
		return addr.CacheInfo{}, notFound(pid)
	}
	ci, r, err := l.writeFragment(pid, opLink, delta, true)
	if err != nil {
		return addr.CacheInfo{}, err
	}
	if err := l.acct.MarkLink(pid, ci); err != nil {
		r.Abort()
		return addr.CacheInfo{}, err
	}
	r.Complete()
	st.Frags = append(st.Frags, ci)
	l.pages.Set(pid, st)
	if uint64(len(st.Frags)) > common.PAGE_CONSOLIDATION_THRESHOLD {
		util.DPrintf(2, "pagelog: pid %d has %d fragments\n", pid, len(st.Frags))
	}
	return ci, nil
}

// Replace makes base the only fragment of pid.
func (l *Log) Replace(pid common.PageId, base []byte) (addr.CacheInfo, error) {
	if err := l.check(); err != nil {
		return addr.CacheInfo{}, err
	}
	l.locks.Acquire(pid)
	ci, err := l.replace(pid, base)
	l.locks.Release(pid)
	if err == nil {
		l.maybeClean(pid)
	}
	return ci, err
}

func (l *Log) replace(pid common.PageId, base []byte) (addr.CacheInfo, error) {
	st, ok := l.pages.Get(pid)
	if !ok || st.Free {
		return addr.CacheInfo{}, notFound(pid)
	}
	ci, r, err := l.writeFragment(pid, opReplace, base, true)
	if err != nil {
		return addr.CacheInfo{}, err
	}
	if err := l.acct.MarkReplace(pid, st.Frags, []addr.CacheInfo{ci}); err != nil {
		r.Abort()
		return addr.CacheInfo{}, err
	}
	r.Complete()
	l.pages.Set(pid, pagetable.PageState{Frags: []addr.CacheInfo{ci}})
	return ci, nil
}

// Free deletes pid. Its id is handed out again by AllocatePage.
func (l *Log) Free(pid common.PageId) error {
	if common.IsReserved(pid) {
		return errors.E(common.Unsupported, fmt.Sprintf("page %d is reserved", pid))
	}
	if err := l.check(); err != nil {
		return err
	}
	l.locks.Acquire(pid)
	err := l.free(pid)
	l.locks.Release(pid)
	if err != nil {
		return err
	}
	l.releasePid(pid)
	l.maybeClean(pid)
	return nil
}

func (l *Log) free(pid common.PageId) error {
	st, ok := l.pages.Get(pid)
	if !ok || st.Free {
		return notFound(pid)
	}
	return l.writeFree(pid, st)
}

// writeFree logs a free record for pid that supersedes st.
func (l *Log) writeFree(pid common.PageId, st pagetable.PageState) error {
	must.Truef(l.locks.IsLocked(pid), "free record for unlocked pid %d", pid)
	r, err := l.reserve(wal.Free, pid, 0)
	if err != nil {
		return err
	}
	ci := addr.CacheInfo{Ts: l.nextTs(), Lsn: r.Lsn, Ptr: addr.Inline(r.Offset)}
	if err := l.acct.MarkReplace(pid, st.Frags, []addr.CacheInfo{ci}); err != nil {
		r.Abort()
		return err
	}
	r.Complete()
	l.pages.Set(pid, pagetable.PageState{Free: true, Frags: []addr.CacheInfo{ci}})
	return nil
}

func sameFrags(a, b []addr.CacheInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (l *Log) readFragment(pid common.PageId, ci addr.CacheInfo) ([]byte, error) {
	if id, ok := ci.Ptr.HeapId(); ok {
		return l.rc.Heap.Read(id)
	}
	m, err := l.wal.Read(ci.Lsn, ci.Ptr.LogOffset())
	if err != nil {
		return nil, err
	}
	if m.Pid != pid || m.Kind != wal.Inline || len(m.Payload) == 0 {
		return nil, errors.E(common.Corruption,
			fmt.Sprintf("pid %d: %v holds a %v message of pid %d", pid, ci.Ptr, m.Kind, m.Pid))
	}
	if err := checkOp(m.Payload[0]); err != nil {
		return nil, err
	}
	return m.Payload[1:], nil
}

func (l *Log) readPage(pid common.PageId) (pagetable.PageState, [][]byte, error) {
	g := l.gate.Read()
	defer g.Release()
	eg := l.collector.Pin()
	defer eg.Unpin()
	st, ok := l.pages.Get(pid)
	if !ok || st.Free {
		return st, nil, notFound(pid)
	}
	frags := make([][]byte, 0, len(st.Frags))
	for _, ci := range st.Frags {
		b, err := l.readFragment(pid, ci)
		if err != nil {
			return st, nil, err
		}
		frags = append(frags, b)
	}
	return st, frags, nil
}

// Read returns the fragments of pid, base first.
func (l *Log) Read(pid common.PageId) ([][]byte, error) {
	var err error
	for i := 0; i < readAttempts; i++ {
		var st pagetable.PageState
		var frags [][]byte
		st, frags, err = l.readPage(pid)
		if err == nil || !errors.Is(common.Corruption, err) {
			return frags, err
		}
		// A concurrent rewrite may have released what we were reading.
		if cur, ok := l.pages.Get(pid); ok && sameFrags(cur.Frags, st.Frags) {
			break
		}
	}
	return nil, err
}

// Flush makes every completed write durable.
func (l *Log) Flush() error {
	if err := l.wal.FlushAll(); err != nil {
		l.rc.GlobalError.Set(err)
		return err
	}
	return l.check()
}

func (l *Log) maybeClean(ignore common.PageId) {
	if l.acct.Cleaner().Len() == 0 {
		return
	}
	if _, err := l.clean(ignore); err != nil {
		util.DPrintf(1, "pagelog: cleaning: %v\n", err)
	}
}

// Clean rewrites one page of a draining segment, reporting false when
// there is nothing to clean.
func (l *Log) Clean() (bool, error) {
	if err := l.check(); err != nil {
		return false, err
	}
	return l.clean(common.BATCH_MANIFEST_PID)
}

func (l *Log) clean(ignore common.PageId) (bool, error) {
	lsn, pid, ok := l.acct.Clean(ignore)
	if !ok {
		return false, nil
	}
	l.locks.Acquire(pid)
	defer l.locks.Release(pid)
	st, ok := l.pages.Get(pid)
	if !ok || !l.livesIn(st, lsn) {
		return true, nil
	}
	util.DPrintf(3, "pagelog: relocating pid %d (%d fragments) out of segment %d\n", pid, len(st.Frags), lsn)
	err := l.relocate(pid, st)
	if err != nil {
		l.acct.Cleaner().Add(lsn, []common.PageId{pid})
	}
	return true, err
}

func (l *Log) livesIn(st pagetable.PageState, segLsn common.Lsn) bool {
	for _, ci := range st.Frags {
		if ci.Lsn-ci.Lsn%l.rc.SegmentSize == segLsn {
			return true
		}
	}
	return false
}

// relocate rewrites every fragment of pid into the current segment.
func (l *Log) relocate(pid common.PageId, st pagetable.PageState) error {
	must.Truef(l.locks.IsLocked(pid), "relocating unlocked pid %d", pid)
	if st.Free {
		return l.writeFree(pid, st)
	}

	var rs []*wal.Reservation
	abort := func() {
		for _, r := range rs {
			r.Abort()
		}
	}
	moved := make([]addr.CacheInfo, 0, len(st.Frags))
	for i, ci := range st.Frags {
		op := opLink
		if i == 0 {
			op = opReplace
		}
		var nci addr.CacheInfo
		var r *wal.Reservation
		var err error
		if _, isBlob := ci.Ptr.HeapId(); isBlob {
			nci, r, err = l.relinkBlob(pid, op, ci)
		} else {
			var data []byte
			if data, err = l.readFragment(pid, ci); err == nil {
				nci, r, err = l.writeFragment(pid, op, data, false)
			}
		}
		if err != nil {
			abort()
			return err
		}
		rs = append(rs, r)
		moved = append(moved, nci)
	}
	if err := l.acct.MarkReplace(pid, st.Frags, moved); err != nil {
		abort()
		return err
	}
	for _, r := range rs {
		r.Complete()
	}
	l.pages.Set(pid, pagetable.PageState{Frags: moved})
	return nil
}

// Compact drops trailing unused segments from the segment table.
func (l *Log) Compact() int {
	return l.acct.Compact()
}

// Snapshot returns the state of every page.
func (l *Log) Snapshot() map[common.PageId]pagetable.PageState {
	snap := make(map[common.PageId]pagetable.PageState)
	l.pages.Range(func(pid common.PageId, st pagetable.PageState) bool {
		snap[pid] = st
		return true
	})
	return snap
}

func (l *Log) SegmentStats() segment.Stats {
	return l.acct.Stats()
}

func (l *Log) StableLsn() common.Lsn {
	return l.wal.StableLsn()
}

// Shutdown flushes and closes the store.
func (l *Log) Shutdown() error {
	err := l.wal.Shutdown()
	if l.rc.Mode == config.LowSpace {
		l.acct.Compact()
	}
	l.collector.Drain()
	if cerr := l.rc.Close(); err == nil {
		err = cerr
	}
	log.Printf("pagelog: shut down at stable lsn %d", l.wal.StableLsn())
	return err
}
