package recordstore

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	importerrors "github.com/tamirms/batchimport/errors"
)

const (
	// flagInUse marks a slot holding a live record.
	flagInUse = byte(1)

	// slotOverhead is the flags byte plus the trailing xxhash64 checksum.
	slotOverhead = 1 + 8

	// minPageSize keeps the header page and madvise granularity sane.
	minPageSize = 512
)

// RecordLoad selects how GetRecordByCursor treats records that are not in use.
type RecordLoad int

const (
	// LoadNormal fails with ErrRecordNotInUse for records that are not in use.
	LoadNormal RecordLoad = iota
	// LoadCheck loads records that are not in use and leaves them flagged as such.
	LoadCheck
)

// Record is a fixed-size record of a Store. A Record is rewritten in place when
// it is read into again, so batches of records can be pooled.
type Record struct {
	id    int64
	inUse bool

	// Data is the record payload. Its backing array is reused across reads.
	Data []byte
}

// NewRecord returns an empty record with payload capacity for recordSize bytes.
func NewRecord(recordSize int) *Record {
	return &Record{id: -1, Data: make([]byte, 0, recordSize)}
}

// ID returns the record id, or -1 if the record was never loaded.
func (r *Record) ID() int64 {
	return r.id
}

// InUse reports whether the record is live.
func (r *Record) InUse() bool {
	return r.inUse
}

// Clear resets the record to its unloaded state, keeping the payload buffer.
func (r *Record) Clear() {
	r.id = -1
	r.inUse = false
	r.Data = r.Data[:0]
}

func slotSize(recordSize int) int {
	return recordSize + slotOverhead
}

// encodeSlot writes flags, payload (zero padded to recordSize) and checksum into slot.
func encodeSlot(slot []byte, inUse bool, payload []byte, recordSize int) {
	var flags byte
	if inUse {
		flags = flagInUse
	}
	slot[0] = flags
	n := copy(slot[1:1+recordSize], payload)
	clear(slot[1+n : 1+recordSize])
	binary.LittleEndian.PutUint64(slot[1+recordSize:], xxhash.Sum64(slot[:1+recordSize]))
}

// validateLayout checks that pageSize is a power of two and holds at least one record.
func validateLayout(pageSize, recordSize int) error {
	if recordSize < 0 || pageSize < minPageSize || pageSize&(pageSize-1) != 0 {
		return errInvalidLayout(pageSize, recordSize)
	}
	if slotSize(recordSize) > pageSize {
		return errInvalidLayout(pageSize, recordSize)
	}
	return nil
}

// validateRecordCount keeps the file size implied by numRecords within int64.
func validateRecordCount(numRecords uint64, pageSize int) error {
	if numRecords >= uint64(math.MaxInt64/pageSize) {
		return fmt.Errorf("%w: %d records with page size %d", importerrors.ErrTooManyRecords, numRecords, pageSize)
	}
	return nil
}
