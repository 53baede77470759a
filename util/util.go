package util

import (
	"hash/crc32"
	"math/bits"

	"github.com/grailbio/base/log"
)

// Debug is the verbosity above which DPrintf output is dropped.
const Debug uint64 = 0

// DPrintf logs through grailbio's leveled logger. Level 0 is informational;
// larger levels are increasingly chatty debug output.
func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Debug {
		log.Level(level).Printf(format, a...)
	}
}

func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	} else {
		return m
	}
}

func Max(n uint64, m uint64) uint64 {
	if n > m {
		return n
	}
	return m
}

func CloneByteSlice(s []byte) []byte {
	s2 := make([]byte, len(s))
	copy(s2, s)
	return s2
}

// NextPowerOfTwo returns the smallest power of two >= n (1 for n == 0).
func NextPowerOfTwo(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	return 1 << (64 - bits.LeadingZeros64(n-1))
}

func IsPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// Checksum is the CRC32 (IEEE) used for every on-disk frame.
func Checksum(bufs ...[]byte) uint32 {
	var crc uint32
	for _, b := range bufs {
		crc = crc32.Update(crc, crc32.IEEETable, b)
	}
	return crc
}
