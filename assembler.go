package batchimport

import (
	"fmt"

	importerrors "github.com/tamirms/batchimport/errors"
	"github.com/tamirms/batchimport/recordstore"
)

// RecordAssembler materializes records into batch slots.
type RecordAssembler[R Record] interface {
	// NewBatchObject returns n record slots shaped by the store's record factory.
	NewBatchObject(n int) []R
	// Append reads record id through cursor into batch[index] and reports
	// whether the slot counts as filled.
	Append(store RecordStore[R], cursor recordstore.PageCursor, batch []R, id int64, index int) (bool, error)
	// CutOffAt returns the first count slots of batch.
	CutOffAt(batch []R, count int) []R
}

// UnusedPolicy decides whether records that are not in use occupy a batch slot.
type UnusedPolicy int

const (
	// SkipUnused leaves records that are not in use out of the batch.
	SkipUnused UnusedPolicy = iota
	// KeepUnused keeps them, flagged as not in use.
	KeepUnused
)

func (p UnusedPolicy) String() string {
	switch p {
	case SkipUnused:
		return "skip-unused"
	case KeepUnused:
		return "keep-unused"
	default:
		return fmt.Sprintf("UnusedPolicy(%d)", int(p))
	}
}

// RecordDataAssembler is the stock RecordAssembler. Whether a slot is
// counted depends only on the record read and the policy.
type RecordDataAssembler[R Record] struct {
	factory func() R
	policy  UnusedPolicy
}

// NewRecordDataAssembler returns an assembler building slots with factory.
func NewRecordDataAssembler[R Record](factory func() R, policy UnusedPolicy) *RecordDataAssembler[R] {
	return &RecordDataAssembler[R]{factory: factory, policy: policy}
}

// Policy returns the unused-record policy.
func (a *RecordDataAssembler[R]) Policy() UnusedPolicy {
	return a.policy
}

func (a *RecordDataAssembler[R]) NewBatchObject(n int) []R {
	batch := make([]R, n)
	for i := range batch {
		batch[i] = a.factory()
	}
	return batch
}

// Append fails with ErrBatchOverflow only when a record past capacity would
// be counted. Records past capacity are read into a scratch record first, so
// a full batch can still absorb trailing rejected records.
func (a *RecordDataAssembler[R]) Append(store RecordStore[R], cursor recordstore.PageCursor, batch []R, id int64, index int) (bool, error) {
	var record R
	if index < len(batch) {
		record = batch[index]
	} else {
		record = a.factory()
	}
	if err := store.GetRecordByCursor(id, record, recordstore.LoadCheck, cursor); err != nil {
		return false, err
	}
	filled := a.policy == KeepUnused || record.InUse()
	if filled && index >= len(batch) {
		return false, fmt.Errorf("%w: record %d at slot %d of %d", importerrors.ErrBatchOverflow, id, index, len(batch))
	}
	return filled, nil
}

func (a *RecordDataAssembler[R]) CutOffAt(batch []R, count int) []R {
	if count == len(batch) {
		return batch
	}
	return batch[:count]
}
