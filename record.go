package batchimport

import "github.com/tamirms/batchimport/recordstore"

// Record is a fixed-size stored unit with an id and an in-use flag.
type Record interface {
	ID() int64
	InUse() bool
}

// RecordStore is random access to records keyed by dense ids.
// *recordstore.Store implements RecordStore[*recordstore.Record].
//
// Stores are shared by all workers of a step; concurrent reads through
// distinct cursors must be safe.
type RecordStore[R Record] interface {
	NewRecord() R
	OpenPageCursorForReading(id int64) (recordstore.PageCursor, error)
	OpenPageCursorForReadingWithPrefetching(id int64) (recordstore.PageCursor, error)
	GetRecordByCursor(id int64, record R, mode recordstore.RecordLoad, cursor recordstore.PageCursor) error
}
