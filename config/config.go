// Package config holds the tunables of a page log and the per-process state
// shared by its components once it is running.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"

	"github.com/mit-pdos/go-pagelog/common"
	"github.com/mit-pdos/go-pagelog/disk"
	"github.com/mit-pdos/go-pagelog/heap"
	"github.com/mit-pdos/go-pagelog/header"
	"github.com/mit-pdos/go-pagelog/util"
)

type Mode int

const (
	// LowSpace drains segments eagerly and compacts on shutdown.
	LowSpace Mode = iota
	// HighThroughput tolerates more garbage before draining.
	HighThroughput
)

func (m Mode) String() string {
	switch m {
	case LowSpace:
		return "low-space"
	case HighThroughput:
		return "high-throughput"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

type Config struct {
	// Path is the directory holding the log and heap files.
	Path string
	// Temporary keeps everything in memory; Path is ignored.
	Temporary bool
	// CreateNew fails Start if a log already exists at Path.
	CreateNew bool

	SegmentSize uint64
	// LogSegments is the capacity of the log file in segments.
	LogSegments uint64
	// FlushEveryMs seals and flushes the current buffer periodically; zero
	// disables the timer.
	FlushEveryMs uint64
	Mode         Mode
	// SegmentCleanupThreshold is the live percentage at or below which an
	// inactive segment is drained. Zero picks a value from Mode.
	SegmentCleanupThreshold uint64
	HeapBytesPerSlab        uint64
	EpochSlots              int
}

func DefaultConfig() Config {
	return Config{
		SegmentSize:      1 << 23,
		LogSegments:      512,
		FlushEveryMs:     500,
		Mode:             LowSpace,
		HeapBytesPerSlab: 1 << 30,
		EpochSlots:       128,
	}
}

func (c Config) CleanupThreshold() uint64 {
	if c.SegmentCleanupThreshold != 0 {
		return c.SegmentCleanupThreshold
	}
	if c.Mode == HighThroughput {
		return common.SEGMENT_CLEANUP_THRESHOLD / 2
	}
	return common.SEGMENT_CLEANUP_THRESHOLD
}

// MaxInline is the largest payload stored directly in the log; larger
// values go to the heap.
func (c Config) MaxInline() uint64 {
	return c.SegmentSize / 8
}

func (c Config) LogPath() string {
	return filepath.Join(c.Path, "log")
}

func (c Config) HeapDir() string {
	return filepath.Join(c.Path, "heap")
}

func invalid(format string, args ...interface{}) error {
	return errors.E(errors.Invalid, fmt.Sprintf(format, args...))
}

func (c Config) Validate() error {
	if !util.IsPowerOfTwo(c.SegmentSize) {
		return invalid("segment size %d is not a power of two", c.SegmentSize)
	}
	if c.SegmentSize < 2*disk.BlockSize {
		return invalid("segment size %d is below the %d byte minimum", c.SegmentSize, 2*disk.BlockSize)
	}
	if c.SegmentSize > header.MaxOffset {
		return invalid("segment size %d does not fit a reservation header", c.SegmentSize)
	}
	if c.LogSegments < 2 {
		return invalid("log needs at least 2 segments, got %d", c.LogSegments)
	}
	if c.CleanupThreshold() > 100 {
		return invalid("segment cleanup threshold %d%% is above 100%%", c.CleanupThreshold())
	}
	if c.HeapBytesPerSlab < heap.MinSz {
		return invalid("heap slabs need at least %d bytes, got %d", heap.MinSz, c.HeapBytesPerSlab)
	}
	if !c.Temporary && c.Path == "" {
		return invalid("a persistent log needs a path")
	}
	if c.Mode != LowSpace && c.Mode != HighThroughput {
		return invalid("unknown %v", c.Mode)
	}
	return nil
}

// RunningConfig is the validated configuration plus the state every
// component of an open log shares.
type RunningConfig struct {
	Config
	Heap    *heap.Heap
	LogDisk disk.Disk
	// GlobalError records the first unrecoverable background failure.
	// Foreground operations fail with it once set.
	GlobalError errors.Once
}

// Start validates c and opens its files.
func (c Config) Start() (*RunningConfig, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	rc := &RunningConfig{Config: c}
	nblocks := c.LogSegments * c.SegmentSize / disk.BlockSize
	if c.Temporary {
		rc.LogDisk = disk.NewMemDisk(nblocks)
		rc.Heap = heap.MkHeap(heap.MemOpener{}, c.HeapBytesPerSlab)
		util.DPrintf(1, "config: temporary log, %d segments of %d bytes\n", c.LogSegments, c.SegmentSize)
		return rc, nil
	}
	if c.CreateNew {
		if _, err := os.Stat(c.LogPath()); err == nil {
			return nil, errors.E(errors.Exists, "log already exists at", c.Path)
		}
	}
	if err := os.MkdirAll(c.HeapDir(), 0777); err != nil {
		return nil, errors.E(common.Io, err, "create", c.HeapDir())
	}
	d, err := disk.NewFileDisk(c.LogPath(), nblocks)
	if err != nil {
		return nil, err
	}
	rc.LogDisk = d
	rc.Heap = heap.MkHeap(heap.FileOpener{Dir: c.HeapDir()}, c.HeapBytesPerSlab)
	util.DPrintf(1, "config: log at %s, %d segments of %d bytes\n", c.Path, c.LogSegments, c.SegmentSize)
	return rc, nil
}

// Err returns the recorded background failure, if any.
func (rc *RunningConfig) Err() error {
	return rc.GlobalError.Err()
}

func (rc *RunningConfig) Close() error {
	herr := rc.Heap.Close()
	derr := rc.LogDisk.Close()
	if herr != nil {
		return herr
	}
	return derr
}
