package disk

// Block is a 4096-byte buffer
type Block = []byte

const BlockSize uint64 = 4096

// Disk provides access to a logical block-based disk
type Disk interface {
	// Read reads a disk block by address
	//
	// Expects a < Size().
	Read(a uint64) (Block, error)

	// ReadTo reads the disk block at a and stores the result in b
	//
	// Expects a < Size().
	ReadTo(a uint64, b Block) error

	// Write updates a disk block by address
	//
	// Expects a < Size().
	Write(a uint64, v Block) error

	// Size reports how big the disk is, in blocks
	Size() (uint64, error)

	// Barrier ensures data is persisted.
	//
	// When it returns, all outstanding writes are guaranteed to be durably on
	// disk
	Barrier() error

	// Close releases any resources used by the disk and makes it unusable.
	Close() error
}

// Batcher is implemented by disks that can move a run of consecutive blocks
// in one call. Callers go through WriteRun/ReadRun, which fall back to block
// at a time io for other disks.
type Batcher interface {
	WriteBatch(start uint64, data []byte) error
	ReadBatch(start uint64, data []byte) error
}

func checkRun(data []byte) {
	if uint64(len(data))%BlockSize != 0 {
		panic("run is not a multiple of the block size")
	}
}

// WriteRun writes data, a whole number of blocks, starting at block start.
func WriteRun(d Disk, start uint64, data []byte) error {
	checkRun(data)
	if b, ok := d.(Batcher); ok {
		return b.WriteBatch(start, data)
	}
	for i := uint64(0); i*BlockSize < uint64(len(data)); i++ {
		err := d.Write(start+i, data[i*BlockSize:(i+1)*BlockSize])
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadRun fills data, a whole number of blocks, starting at block start.
func ReadRun(d Disk, start uint64, data []byte) error {
	checkRun(data)
	if b, ok := d.(Batcher); ok {
		return b.ReadBatch(start, data)
	}
	for i := uint64(0); i*BlockSize < uint64(len(data)); i++ {
		err := d.ReadTo(start+i, data[i*BlockSize:(i+1)*BlockSize])
		if err != nil {
			return err
		}
	}
	return nil
}
