// Package common holds the identifiers, constants and error kinds shared by
// every layer of the page log.
package common

import (
	"math"

	"github.com/grailbio/base/errors"
)

// Lsn is a byte position in the logical log stream. LSNs strictly increase.
type Lsn = uint64

// PageId names a logical page.
type PageId = uint64

// LogOffset is a physical byte offset in the log file.
type LogOffset = uint64

const (
	META_PID           PageId = 0
	COUNTER_PID        PageId = 1
	BATCH_MANIFEST_PID PageId = math.MaxUint64 - 666
)

const (
	MAX_MSG_HEADER_LEN uint64 = 32
	SEG_HEADER_LEN     uint64 = 20

	MAX_SPACE_AMPLIFICATION float64 = 10.0

	PAGE_CONSOLIDATION_THRESHOLD uint64 = 10
	SEGMENT_CLEANUP_THRESHOLD    uint64 = 50

	// Allows for around 1 trillion pages.
	MAX_PID_BITS uint64 = 37
	MAX_BLOB     uint64 = 1 << 37
)

// IsReserved reports whether pid is one of the pids with a fixed on-disk
// meaning.
func IsReserved(pid PageId) bool {
	return pid == META_PID || pid == COUNTER_PID || pid == BATCH_MANIFEST_PID
}

// Error kinds surfaced by the page log. They alias kinds of
// github.com/grailbio/base/errors so callers can test them with errors.Is.
const (
	// Io is a read, write or sync failure against the backing file.
	Io = errors.Unavailable
	// Corruption is a checksum or framing mismatch in stable data.
	Corruption = errors.Integrity
	// Unsupported is a request the system cannot serve, such as an
	// oversized blob.
	Unsupported = errors.NotSupported
	// CollectionNotFound is a lookup of a page that does not exist.
	CollectionNotFound = errors.NotExist
	// ReportableBug is an internal inconsistency detected at runtime.
	ReportableBug = errors.Precondition
)
