package heap

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/multierror"
	"github.com/tchajed/goose/machine"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-pagelog/alloc"
	"github.com/mit-pdos/go-pagelog/common"
	"github.com/mit-pdos/go-pagelog/disk"
	"github.com/mit-pdos/go-pagelog/util"
)

// BlobHeaderLen is the per-blob framing: crc32, length and original lsn.
const BlobHeaderLen uint64 = 4 + 8 + 8

// Opener provides the backing disk of a slab.
type Opener interface {
	Open(slab SlabId, numBlocks uint64) (disk.Disk, error)
}

type MemOpener struct{}

func (MemOpener) Open(slab SlabId, numBlocks uint64) (disk.Disk, error) {
	return disk.NewMemDisk(numBlocks), nil
}

// FileOpener keeps slab i in Dir/heap.i.
type FileOpener struct {
	Dir string
}

func (o FileOpener) Open(slab SlabId, numBlocks uint64) (disk.Disk, error) {
	return disk.NewFileDisk(filepath.Join(o.Dir, fmt.Sprintf("heap.%d", slab)), numBlocks)
}

type slab struct {
	id     SlabId
	size   uint64
	nslots uint64
	d      disk.Disk
	slots  *alloc.Alloc

	mu    *sync.Mutex // protects owner
	owner map[SlabIdx]common.Lsn
}

// Heap is the blob store. Slabs are opened on first use.
type Heap struct {
	opener       Opener
	bytesPerSlab uint64

	mu    *sync.Mutex
	slabs [NumSlabs]*slab
}

func MkHeap(opener Opener, bytesPerSlab uint64) *Heap {
	return &Heap{
		opener:       opener,
		bytesPerSlab: bytesPerSlab,
		mu:           new(sync.Mutex),
	}
}

func (h *Heap) getSlab(id SlabId) (*slab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s := h.slabs[id]; s != nil {
		return s, nil
	}
	size := SlabIdToSize(id)
	nslots := util.Max(2, h.bytesPerSlab/size)
	if nslots > 1<<32 {
		nslots = 1 << 32
	}
	d, err := h.opener.Open(id, nslots*size/disk.BlockSize)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("open slab %d", id))
	}
	s := &slab{
		id:     id,
		size:   size,
		nslots: nslots,
		d:      d,
		slots:  alloc.MkMaxAlloc(nslots),
		mu:     new(sync.Mutex),
		owner:  make(map[SlabIdx]common.Lsn),
	}
	h.slabs[id] = s
	util.DPrintf(1, "heap: opened slab %d (%d slots of %d bytes)\n", id, nslots, size)
	return s, nil
}

func (s *slab) firstBlock(idx SlabIdx) uint64 {
	return uint64(idx) * s.size / disk.BlockSize
}

func encodeBlob(data []byte, lsn common.Lsn) []byte {
	n := util.RoundUp(BlobHeaderLen+uint64(len(data)), disk.BlockSize) * disk.BlockSize
	enc := marshal.NewEnc(16)
	enc.PutInt(uint64(len(data)))
	enc.PutInt(lsn)
	hdr := enc.Finish()

	buf := make([]byte, n)
	copy(buf[4:], hdr)
	copy(buf[BlobHeaderLen:], data)
	machine.UInt32Put(buf[:4], util.Checksum(buf[4:BlobHeaderLen+uint64(len(data))]))
	return buf
}

func checkBlobSize(n uint64) error {
	if n > common.MAX_BLOB {
		return errors.E(common.Unsupported,
			fmt.Sprintf("blob of %d bytes exceeds the %d byte limit", n, common.MAX_BLOB))
	}
	return nil
}

// Write stores data in the smallest slab that fits it.
func (h *Heap) Write(data []byte, lsn common.Lsn) (HeapId, error) {
	if err := checkBlobSize(uint64(len(data))); err != nil {
		return HeapId{}, err
	}
	s, err := h.getSlab(SizeToSlabId(BlobHeaderLen + uint64(len(data))))
	if err != nil {
		return HeapId{}, err
	}
	num := s.slots.AllocNum()
	if num == 0 {
		return HeapId{}, errors.E(errors.OOM, fmt.Sprintf("slab %d is full", s.id))
	}
	idx := SlabIdx(num)
	if err := disk.WriteRun(s.d, s.firstBlock(idx), encodeBlob(data, lsn)); err != nil {
		s.slots.FreeNum(num)
		return HeapId{}, err
	}
	s.mu.Lock()
	s.owner[idx] = lsn
	s.mu.Unlock()
	return Compose(s.id, idx, lsn), nil
}

func (h *Heap) lookup(id HeapId) (*slab, SlabIdx, error) {
	slabId, idx, _ := id.Decompose()
	if slabId >= NumSlabs || idx == 0 {
		return nil, 0, errors.E(common.ReportableBug, fmt.Sprintf("malformed heap id %#x", id.Location))
	}
	s, err := h.getSlab(slabId)
	if err != nil {
		return nil, 0, err
	}
	if uint64(idx) >= s.nslots {
		return nil, 0, errors.E(common.ReportableBug, fmt.Sprintf("heap id %#x out of range", id.Location))
	}
	return s, idx, nil
}

// Read returns the blob named by id, checking its checksum and that it is
// the write id refers to.
func (h *Heap) Read(id HeapId) ([]byte, error) {
	s, idx, err := h.lookup(id)
	if err != nil {
		return nil, err
	}
	start := s.firstBlock(idx)
	first := make([]byte, disk.BlockSize)
	if err := s.d.ReadTo(start, first); err != nil {
		return nil, err
	}
	dec := marshal.NewDec(first[4:BlobHeaderLen])
	n := dec.GetInt()
	lsn := dec.GetInt()
	if BlobHeaderLen+n > s.size {
		return nil, errors.E(common.Corruption, fmt.Sprintf("heap id %#x: bad length %d", id.Location, n))
	}
	if lsn != id.OriginalLsn {
		return nil, errors.E(common.Corruption,
			fmt.Sprintf("heap id %#x: written at lsn %d, expected %d", id.Location, lsn, id.OriginalLsn))
	}
	buf := first
	total := util.RoundUp(BlobHeaderLen+n, disk.BlockSize) * disk.BlockSize
	if total > disk.BlockSize {
		buf = make([]byte, total)
		copy(buf, first)
		if err := disk.ReadRun(s.d, start+1, buf[disk.BlockSize:]); err != nil {
			return nil, err
		}
	}
	if machine.UInt32Get(buf[:4]) != util.Checksum(buf[4:BlobHeaderLen+n]) {
		return nil, errors.E(common.Corruption, fmt.Sprintf("heap id %#x: checksum mismatch", id.Location))
	}
	return util.CloneByteSlice(buf[BlobHeaderLen : BlobHeaderLen+n]), nil
}

// Free releases the slot of id. Freeing an id that is no longer live, either
// because it was freed before or because its slot now holds a newer blob, is
// a no-op.
func (h *Heap) Free(id HeapId) {
	s, idx, err := h.lookup(id)
	if err != nil {
		log.Error.Printf("heap: free %#x: %v", id.Location, err)
		return
	}
	s.mu.Lock()
	lsn, ok := s.owner[idx]
	if !ok || lsn != id.OriginalLsn {
		s.mu.Unlock()
		util.DPrintf(3, "heap: ignoring stale free of %#x@%d\n", id.Location, id.OriginalLsn)
		return
	}
	delete(s.owner, idx)
	s.mu.Unlock()
	s.slots.FreeNum(uint64(idx))
}

// MarkUsed records id as live, used when rebuilding the heap after a
// restart.
func (h *Heap) MarkUsed(id HeapId) error {
	s, idx, err := h.lookup(id)
	if err != nil {
		return err
	}
	s.slots.MarkUsed(uint64(idx))
	s.mu.Lock()
	s.owner[idx] = id.OriginalLsn
	s.mu.Unlock()
	return nil
}

// Live reports whether id names a blob that has not been freed.
func (h *Heap) Live(id HeapId) bool {
	s, idx, err := h.lookup(id)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lsn, ok := s.owner[idx]
	return ok && lsn == id.OriginalLsn
}

// Sync makes every written blob durable.
func (h *Heap) Sync() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	errs := multierror.NewMultiError(NumSlabs)
	for _, s := range h.slabs {
		if s != nil {
			errs.Add(s.d.Barrier())
		}
	}
	return errs.Err()
}

func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	errs := multierror.NewMultiError(NumSlabs)
	for i, s := range h.slabs {
		if s != nil {
			errs.Add(s.d.Close())
			h.slabs[i] = nil
		}
	}
	return errs.Err()
}
