package disk

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-pagelog/common"
)

var _ Disk = (*fileDisk)(nil)

type fileDisk struct {
	path      string
	fd        int
	numBlocks uint64
}

func ioErr(err error, args ...interface{}) error {
	return errors.E(append([]interface{}{common.Io, errors.Temporary, err}, args...)...)
}

// NewFileDisk opens (creating if needed) a file of numBlocks blocks.
func NewFileDisk(path string, numBlocks uint64) (Disk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, errors.E(common.Io, err, "open", path)
	}
	var stat unix.Stat_t
	err = unix.Fstat(fd, &stat)
	if err != nil {
		unix.Close(fd)
		return nil, errors.E(common.Io, err, "stat", path)
	}
	if (stat.Mode&unix.S_IFREG) != 0 && uint64(stat.Size) != numBlocks*BlockSize {
		err = unix.Ftruncate(fd, int64(numBlocks*BlockSize))
		if err != nil {
			unix.Close(fd)
			return nil, errors.E(common.Io, err, "truncate", path)
		}
	}
	return &fileDisk{path: path, fd: fd, numBlocks: numBlocks}, nil
}

func (d *fileDisk) checkRange(a uint64, n int, op string) {
	if uint64(n)%BlockSize != 0 || n == 0 {
		panic(fmt.Errorf("%s: %d bytes is not block sized", op, n))
	}
	if a+uint64(n)/BlockSize > d.numBlocks {
		panic(fmt.Errorf("out-of-bounds %s at %v", op, a))
	}
}

func (d *fileDisk) ReadTo(a uint64, buf Block) error {
	if uint64(len(buf)) != BlockSize {
		panic("buffer is not block-sized")
	}
	return d.ReadBatch(a, buf)
}

func (d *fileDisk) Read(a uint64) (Block, error) {
	buf := make([]byte, BlockSize)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *fileDisk) Write(a uint64, v Block) error {
	if uint64(len(v)) != BlockSize {
		panic(fmt.Errorf("v is not block sized (%d bytes)", len(v)))
	}
	return d.WriteBatch(a, v)
}

func (d *fileDisk) WriteBatch(start uint64, data []byte) error {
	d.checkRange(start, len(data), "write")
	for done := 0; done < len(data); {
		n, err := unix.Pwrite(d.fd, data[done:], int64(start*BlockSize)+int64(done))
		if err != nil {
			return ioErr(err, "pwrite", d.path)
		}
		done += n
	}
	return nil
}

func (d *fileDisk) ReadBatch(start uint64, data []byte) error {
	d.checkRange(start, len(data), "read")
	for done := 0; done < len(data); {
		n, err := unix.Pread(d.fd, data[done:], int64(start*BlockSize)+int64(done))
		if err != nil {
			return ioErr(err, "pread", d.path)
		}
		if n == 0 {
			return errors.E(common.Io, "short read", d.path)
		}
		done += n
	}
	return nil
}

func (d *fileDisk) Size() (uint64, error) {
	return d.numBlocks, nil
}

func (d *fileDisk) Barrier() error {
	// NOTE: on macOS, this flushes to the drive but doesn't actually issue a
	// disk barrier; see https://golang.org/src/internal/poll/fd_fsync_darwin.go
	// for more details. The correct replacement is to issue a fcntl syscall with
	// cmd F_FULLFSYNC.
	err := unix.Fsync(d.fd)
	if err != nil {
		return ioErr(err, "fsync", d.path)
	}
	return nil
}

func (d *fileDisk) Close() error {
	err := unix.Close(d.fd)
	if err != nil {
		return errors.E(common.Io, err, "close", d.path)
	}
	return nil
}

var _ Disk = (*memDisk)(nil)

// memDisk stores only blocks that have been written.
type memDisk struct {
	l         *sync.RWMutex
	numBlocks uint64
	blocks    map[uint64]*[BlockSize]byte
	// failWrites, when set, makes every write and barrier fail.
	failWrites bool
}

// NewMemDisk returns an in-memory disk, used for temporary logs and tests.
func NewMemDisk(numBlocks uint64) Disk {
	return &memDisk{
		l:         new(sync.RWMutex),
		numBlocks: numBlocks,
		blocks:    make(map[uint64]*[BlockSize]byte),
	}
}

// FailWrites makes subsequent writes and barriers on a memory disk return an
// Io error. It is a no-op for other disks.
func FailWrites(d Disk, fail bool) {
	if md, ok := d.(*memDisk); ok {
		md.l.Lock()
		md.failWrites = fail
		md.l.Unlock()
	}
}

func (d *memDisk) ReadTo(a uint64, buf Block) error {
	if uint64(len(buf)) != BlockSize {
		panic("buffer is not block-sized")
	}
	return d.ReadBatch(a, buf)
}

func (d *memDisk) Read(a uint64) (Block, error) {
	buf := make(Block, BlockSize)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *memDisk) Write(a uint64, v Block) error {
	if uint64(len(v)) != BlockSize {
		panic(fmt.Errorf("v is not block-sized (%d bytes)", len(v)))
	}
	return d.WriteBatch(a, v)
}

func (d *memDisk) WriteBatch(start uint64, data []byte) error {
	d.l.Lock()
	defer d.l.Unlock()
	if d.failWrites {
		return errors.E(common.Io, errors.Temporary, "memdisk: injected write failure")
	}
	n := uint64(len(data)) / BlockSize
	if start+n > d.numBlocks {
		panic(fmt.Errorf("out-of-bounds write at %v", start))
	}
	for i := uint64(0); i < n; i++ {
		blk, ok := d.blocks[start+i]
		if !ok {
			blk = new([BlockSize]byte)
			d.blocks[start+i] = blk
		}
		copy(blk[:], data[i*BlockSize:])
	}
	return nil
}

func (d *memDisk) ReadBatch(start uint64, data []byte) error {
	d.l.RLock()
	defer d.l.RUnlock()
	n := uint64(len(data)) / BlockSize
	if start+n > d.numBlocks {
		panic(fmt.Errorf("out-of-bounds read at %v", start))
	}
	for i := uint64(0); i < n; i++ {
		dst := data[i*BlockSize : (i+1)*BlockSize]
		if blk, ok := d.blocks[start+i]; ok {
			copy(dst, blk[:])
		} else {
			for j := range dst {
				dst[j] = 0
			}
		}
	}
	return nil
}

func (d *memDisk) Size() (uint64, error) {
	// this never changes so we assume it's safe to run lock-free
	return d.numBlocks, nil
}

func (d *memDisk) Barrier() error {
	d.l.RLock()
	defer d.l.RUnlock()
	if d.failWrites {
		return errors.E(common.Io, errors.Temporary, "memdisk: injected barrier failure")
	}
	return nil
}

func (d *memDisk) Close() error { return nil }
