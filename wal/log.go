// Package wal is the write path of the page log: segment buffers that many
// writers reserve space in concurrently, and the logger that writes sealed
// buffers to disk in LSN order.
//
// A segment is the unit of allocation on disk. Its in-memory image is cut
// into IoBufs: the buffer being reserved into is sealed when a reservation
// does not fit (which also marks it maxed, the last buffer of its segment),
// or when a flush is requested, in which case the next IoBuf continues the
// same segment at the following block boundary. Whoever leaves a sealed
// buffer with no writers hands it to the logger.
//
// The LSN of a byte is its segment's LSN plus its offset in the segment, and
// segment LSNs are multiples of the segment size.
package wal

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"

	"github.com/mit-pdos/go-pagelog/common"
	"github.com/mit-pdos/go-pagelog/disk"
	"github.com/mit-pdos/go-pagelog/header"
	"github.com/mit-pdos/go-pagelog/util"
)

// SegmentAllocator decides where segments live and learns when data becomes
// durable.
type SegmentAllocator interface {
	// NextSegment returns the physical offset for a new segment that
	// starts at lsn.
	NextSegment(lsn common.Lsn, maxStable common.Lsn) (common.LogOffset, error)
	// Stabilize reports that every byte below stable is durable.
	Stabilize(stable common.Lsn) error
}

const writeAttempts = 3

type Log struct {
	d       disk.Disk
	segSize uint64
	alloc   SegmentAllocator
	pool    *sync.Pool

	cur    atomic.Value // *IoBuf
	stable uint64
	err    errors.Once

	rotateMu *sync.Mutex

	mu         *sync.Mutex
	condLogger *sync.Cond
	condFlush  *sync.Cond
	condShut   *sync.Cond
	queue      map[common.Lsn]*IoBuf
	nextWrite  common.Lsn
	inflight   map[common.LogOffset]*alignedBuf
	shutdown   bool
	nthread    uint64
	stop       chan struct{}
}

func roundUpBlock(n uint64) uint64 {
	return util.RoundUp(n, disk.BlockSize) * disk.BlockSize
}

func mkLog(d disk.Disk, segSize uint64, alloc SegmentAllocator, nextLsn common.Lsn) (*Log, error) {
	must.Truef(nextLsn%segSize == 0, "log resumes mid-segment at %d", nextLsn)
	ml := new(sync.Mutex)
	l := &Log{
		d:          d,
		segSize:    segSize,
		alloc:      alloc,
		pool:       newBufPool(segSize),
		stable:     nextLsn,
		rotateMu:   new(sync.Mutex),
		mu:         ml,
		condLogger: sync.NewCond(ml),
		condFlush:  sync.NewCond(ml),
		condShut:   sync.NewCond(ml),
		queue:      make(map[common.Lsn]*IoBuf),
		nextWrite:  nextLsn,
		inflight:   make(map[common.LogOffset]*alignedBuf),
		stop:       make(chan struct{}),
	}
	off, err := alloc.NextSegment(nextLsn, nextLsn)
	if err != nil {
		return nil, err
	}
	l.cur.Store(l.openSegment(nextLsn, off, 0))
	util.DPrintf(1, "mkLog: segment size %d, resuming at lsn %d\n", segSize, nextLsn)
	return l, nil
}

func (l *Log) startBackgroundThreads(flushEvery time.Duration) {
	l.mu.Lock()
	l.nthread += 1
	if flushEvery > 0 {
		l.nthread += 1
	}
	l.mu.Unlock()
	go func() { l.logger() }()
	if flushEvery > 0 {
		go func() { l.flusher(flushEvery) }()
	}
}

// MkLog starts a log whose first segment begins at nextLsn. A zero
// flushEvery disables periodic flushing.
func MkLog(d disk.Disk, segSize uint64, alloc SegmentAllocator, nextLsn common.Lsn, flushEvery time.Duration) (*Log, error) {
	l, err := mkLog(d, segSize, alloc, nextLsn)
	if err != nil {
		return nil, err
	}
	l.startBackgroundThreads(flushEvery)
	return l, nil
}

func (l *Log) SegmentSize() uint64 {
	return l.segSize
}

func (l *Log) current() *IoBuf {
	return l.cur.Load().(*IoBuf)
}

// StableLsn returns the watermark below which every byte is durable.
func (l *Log) StableLsn() common.Lsn {
	return atomic.LoadUint64(&l.stable)
}

// Err returns the write failure that stopped the log, if any.
func (l *Log) Err() error {
	return l.err.Err()
}

// MaxPayload is the largest payload a single reservation can carry.
func (l *Log) MaxPayload() uint64 {
	return l.segSize - common.SEG_HEADER_LEN - MsgHeaderLen
}

// openSegment builds the first IoBuf of a segment and registers its image
// for reads until the whole segment is on disk.
func (l *Log) openSegment(lsn common.Lsn, off common.LogOffset, last header.Header) *IoBuf {
	ab := getAlignedBuf(l.pool)
	b := newIoBuf(ab, l.segSize, lsn, off, 0)
	b.storeSegmentHeader(last, lsn, l.StableLsn())
	l.mu.Lock()
	must.Truef(l.inflight[off] == nil, "segment at offset %d is still in flight", off)
	l.inflight[off] = ab.acquire()
	l.mu.Unlock()
	util.DPrintf(3, "openSegment: lsn %d at offset %d\n", lsn, off)
	return b
}

// Reservation is a claimed range of a log buffer. The caller fills Payload
// and then calls Complete or Abort exactly once. Until then the buffer
// cannot be flushed.
type Reservation struct {
	l    *Log
	buf  *IoBuf
	at   uint64
	n    uint64
	kind MessageKind
	pid  common.PageId
	done bool

	Lsn    common.Lsn
	Offset common.LogOffset
}

// Reserve claims space for a message with an n byte payload.
func (l *Log) Reserve(kind MessageKind, pid common.PageId, n uint64) (*Reservation, error) {
	if n > l.MaxPayload() {
		return nil, errors.E(common.Unsupported,
			fmt.Sprintf("%d byte message does not fit a %d byte segment", n, l.segSize))
	}
	total := MsgHeaderLen + n
	for {
		if err := l.err.Err(); err != nil {
			return nil, err
		}
		b := l.current()
		h := b.loadHeader()
		if h.IsSealed() {
			if err := l.awaitRotation(b); err != nil {
				return nil, err
			}
			continue
		}
		if h.NWriters() == header.MaxWriters {
			runtime.Gosched()
			continue
		}
		if h.Offset()+total > b.Capacity {
			s := h.MkSealed().MkMaxed()
			if !b.casHeader(h, s) {
				continue
			}
			if s.NWriters() == 0 {
				l.enqueue(b)
			}
			l.rotate(b, s)
			continue
		}
		if !b.casHeader(h, h.BumpOffset(total).IncrWriters()) {
			continue
		}
		at := h.Offset()
		return &Reservation{
			l:      l,
			buf:    b,
			at:     at,
			n:      total,
			kind:   kind,
			pid:    pid,
			Lsn:    b.Lsn + at,
			Offset: b.Offset + at,
		}, nil
	}
}

func (r *Reservation) Payload() []byte {
	return r.buf.GetMutRange(r.at+MsgHeaderLen, r.n-MsgHeaderLen)
}

func (r *Reservation) finish(kind MessageKind) {
	must.True(!r.done, "reservation finished twice")
	r.done = true
	stampMessage(r.buf.GetMutRange(r.at, r.n), r.Lsn, kind, r.pid)
	r.l.exitWriter(r.buf)
}

func (r *Reservation) Complete() {
	r.finish(r.kind)
}

// Abort gives the space back as a canceled message.
func (r *Reservation) Abort() {
	r.finish(Canceled)
}

func (l *Log) exitWriter(b *IoBuf) {
	for {
		h := b.loadHeader()
		nh := h.DecrWriters()
		if b.casHeader(h, nh) {
			if nh.IsSealed() && nh.NWriters() == 0 {
				l.enqueue(b)
			}
			return
		}
	}
}

func (l *Log) enqueue(b *IoBuf) {
	l.mu.Lock()
	l.queue[b.Lsn] = b
	l.condLogger.Broadcast()
	l.mu.Unlock()
}

// rotate installs the successor of b, which the caller just sealed with s.
func (l *Log) rotate(b *IoBuf, s header.Header) {
	l.rotateMu.Lock()
	defer l.rotateMu.Unlock()
	b.sealed = s
	b.rotateTried = true
	b.rotateErr = l.doRotate(b)
	if b.rotateErr != nil {
		log.Error.Printf("wal: rotating past lsn %d: %v", b.Lsn, b.rotateErr)
	}
}

// awaitRotation lets a writer that found b sealed make progress: either b
// has a successor by now, or the rotation failed and is retried here.
func (l *Log) awaitRotation(b *IoBuf) error {
	l.rotateMu.Lock()
	if l.current() != b {
		l.rotateMu.Unlock()
		return nil
	}
	if !b.rotateTried {
		l.rotateMu.Unlock()
		runtime.Gosched()
		return nil
	}
	err := l.doRotate(b)
	b.rotateErr = err
	l.rotateMu.Unlock()
	return err
}

// Assumes caller holds rotateMu.
func (l *Log) doRotate(b *IoBuf) error {
	s := b.sealed
	var nb *IoBuf
	if s.IsMaxed() {
		lsn := b.SegLsn + l.segSize
		off, err := l.alloc.NextSegment(lsn, l.StableLsn())
		if err != nil {
			return err
		}
		nb = l.openSegment(lsn, off, s)
	} else {
		nb = newIoBuf(b.ab.acquire(), l.segSize, b.SegLsn, b.SegOff, b.end(s))
		nb.setHeader(s.Salt().BumpSalt())
	}
	l.cur.Store(nb)
	return nil
}

// sealForFlush seals b so the logger picks it up. It is a no-op when b is
// already sealed or holds no messages.
func (l *Log) sealForFlush(b *IoBuf) {
	for {
		h := b.loadHeader()
		if h.IsSealed() {
			return
		}
		if h.Offset() == 0 || (b.base == 0 && h.Offset() <= common.SEG_HEADER_LEN) {
			return
		}
		s := h.MkSealed()
		if roundUpBlock(b.base+h.Offset()) >= l.segSize {
			s = s.MkMaxed()
		}
		if b.casHeader(h, s) {
			if s.NWriters() == 0 {
				l.enqueue(b)
			}
			l.rotate(b, s)
			return
		}
	}
}

func (l *Log) writeDurable(blk uint64, data []byte, lsn common.Lsn) error {
	var err error
	for i := 0; i < writeAttempts; i++ {
		err = disk.WriteRun(l.d, blk, data)
		if err == nil {
			err = l.d.Barrier()
		}
		if err == nil || !errors.IsTemporary(err) {
			break
		}
		util.DPrintf(1, "wal: retrying write at lsn %d: %v\n", lsn, err)
	}
	return err
}

// writeBuf writes a sealed, writer-free buffer and makes it durable.
//
// The first block of a segment goes out on its own: once it is durable the
// previous occupant's header is gone, so a torn write can only leave a torn
// tail behind it.
func (l *Log) writeBuf(b *IoBuf) (header.Header, error) {
	h := b.loadHeader()
	must.Truef(h.IsSealed() && h.NWriters() == 0, "logger got a live buffer at lsn %d", b.Lsn)
	data := b.ab.data[b.base:b.end(h)]
	blk := (b.SegOff + b.base) / disk.BlockSize
	if b.base == 0 && uint64(len(data)) > disk.BlockSize {
		if err := l.writeDurable(blk, data[:disk.BlockSize], b.Lsn); err != nil {
			return h, err
		}
		blk, data = blk+1, data[disk.BlockSize:]
	}
	return h, l.writeDurable(blk, data, b.Lsn)
}

// logger writes sealed buffers to disk in LSN order.
//
// Operates by waiting on condLogger for the next buffer in sequence.
func (l *Log) logger() {
	l.mu.Lock()
	for {
		b, ok := l.queue[l.nextWrite]
		if !ok {
			if l.shutdown {
				break
			}
			l.condLogger.Wait()
			continue
		}
		delete(l.queue, l.nextWrite)
		failed := l.err.Err() != nil
		l.mu.Unlock()

		var h header.Header
		var err error
		if failed {
			h = b.loadHeader()
		} else {
			h, err = l.writeBuf(b)
		}

		l.mu.Lock()
		l.nextWrite = b.SegLsn + b.end(h)
		b.ab.release()
		if h.IsMaxed() {
			l.inflight[b.SegOff].release()
			delete(l.inflight, b.SegOff)
		}
		if err != nil {
			log.Error.Printf("wal: write at lsn %d failed: %v", b.Lsn, err)
			l.err.Set(err)
		}
		if failed || err != nil {
			l.condFlush.Broadcast()
			continue
		}
		stable := l.nextWrite
		atomic.StoreUint64(&l.stable, stable)
		l.condFlush.Broadcast()
		l.mu.Unlock()
		if err := l.alloc.Stabilize(stable); err != nil {
			log.Error.Printf("wal: stabilize %d: %v", stable, err)
		}
		l.mu.Lock()
	}
	util.DPrintf(1, "logger: shutdown\n")
	l.nthread -= 1
	l.condShut.Signal()
	l.mu.Unlock()
}

func (l *Log) flusher(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.sealForFlush(l.current())
		case <-l.stop:
			l.mu.Lock()
			l.nthread -= 1
			l.condShut.Signal()
			l.mu.Unlock()
			return
		}
	}
}

// Flush waits until the message reserved at lsn, and everything before it,
// is durable. A caller must not flush a reservation it has not finished.
func (l *Log) Flush(lsn common.Lsn) error {
	util.DPrintf(5, "Flush: till lsn %d\n", lsn)
	if l.StableLsn() > lsn {
		return l.err.Err()
	}
	if b := l.current(); lsn >= b.Lsn {
		l.sealForFlush(b)
	}
	l.mu.Lock()
	l.condLogger.Broadcast()
	for l.StableLsn() <= lsn && l.err.Err() == nil {
		l.condFlush.Wait()
	}
	l.mu.Unlock()
	return l.err.Err()
}

// FlushAll flushes every message reserved so far.
func (l *Log) FlushAll() error {
	b := l.current()
	h := b.loadHeader()
	used := h.Offset()
	if used == 0 || (b.base == 0 && used <= common.SEG_HEADER_LEN) {
		if b.Lsn == 0 {
			return l.err.Err()
		}
		return l.Flush(b.Lsn - 1)
	}
	return l.Flush(b.Lsn + used - 1)
}

func (l *Log) readRange(off common.LogOffset, n uint64) ([]byte, error) {
	first := off / disk.BlockSize
	last := (off + n - 1) / disk.BlockSize
	buf := make([]byte, (last-first+1)*disk.BlockSize)
	if err := disk.ReadRun(l.d, first, buf); err != nil {
		return nil, err
	}
	start := off - first*disk.BlockSize
	return buf[start : start+n], nil
}

func (l *Log) checkBounds(off common.LogOffset, n uint64) error {
	if off%l.segSize+n > l.segSize {
		return errors.E(common.Corruption, fmt.Sprintf("message at %d crosses its segment", off))
	}
	return nil
}

// Read returns the message reserved at lsn and off, from memory while its
// segment is being written and from disk afterwards.
func (l *Log) Read(lsn common.Lsn, off common.LogOffset) (Message, error) {
	if err := l.checkBounds(off, MsgHeaderLen); err != nil {
		return Message{}, err
	}
	segOff := off - off%l.segSize
	l.mu.Lock()
	ab, ok := l.inflight[segOff]
	if ok {
		ab.acquire()
	}
	l.mu.Unlock()
	if ok {
		defer ab.release()
		at := off - segOff
		_, _, n := decodeFrame(ab.data[at:])
		if err := l.checkBounds(off, MsgHeaderLen+n); err != nil {
			return Message{}, err
		}
		return decodeMessage(ab.data[at:at+MsgHeaderLen+n], lsn, off)
	}
	frame, err := l.readRange(off, MsgHeaderLen)
	if err != nil {
		return Message{}, err
	}
	_, _, n := decodeFrame(frame)
	if err := l.checkBounds(off, MsgHeaderLen+n); err != nil {
		return Message{}, err
	}
	b, err := l.readRange(off, MsgHeaderLen+n)
	if err != nil {
		return Message{}, err
	}
	return decodeMessage(b, lsn, off)
}

// Shutdown flushes everything and stops the background goroutines.
func (l *Log) Shutdown() error {
	util.DPrintf(1, "shutdown wal\n")
	err := l.FlushAll()
	close(l.stop)
	l.mu.Lock()
	l.shutdown = true
	l.condLogger.Broadcast()
	for l.nthread > 0 {
		util.DPrintf(1, "wait for logger/flusher\n")
		l.condShut.Wait()
	}
	l.mu.Unlock()
	util.DPrintf(1, "wal done\n")
	return err
}
