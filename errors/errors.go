// Package errors defines all exported error sentinels for the batchimport module.
//
// This is the single source of truth for error values. The root batchimport
// package and the recordstore package both import from here, so errors.Is
// checks work across package boundaries.
package errors

import "errors"

// Configuration errors
var (
	ErrInvalidBatchSize      = errors.New("batchimport: batch size must be positive")
	ErrInvalidProcessorCount = errors.New("batchimport: max number of processors must be at least 1")
)

// Store errors
var (
	ErrStoreClosed     = errors.New("batchimport: record store is closed")
	ErrCursorClosed    = errors.New("batchimport: page cursor is closed")
	ErrForeignCursor   = errors.New("batchimport: page cursor belongs to another store")
	ErrCursorsOpen     = errors.New("batchimport: record store still has open page cursors")
	ErrInvalidRecordID = errors.New("batchimport: record id out of range")
	ErrRecordNotInUse  = errors.New("batchimport: record is not in use")
	ErrRecordTooLarge  = errors.New("batchimport: payload exceeds configured record size")
	ErrInvalidPageSize = errors.New("batchimport: page size cannot hold a single record")
	ErrTooManyRecords  = errors.New("batchimport: record count exceeds addressable file size")
	ErrWriterClosed    = errors.New("batchimport: store writer is closed")
)

// Store file errors
var (
	ErrInvalidMagic    = errors.New("batchimport: invalid magic number")
	ErrInvalidVersion  = errors.New("batchimport: unsupported version")
	ErrChecksumFailed  = errors.New("batchimport: header checksum verification failed")
	ErrTruncatedFile   = errors.New("batchimport: record store file is truncated")
	ErrCorruptedRecord = errors.New("batchimport: record data is corrupted")
)

// Step errors
var (
	ErrBatchOverflow      = errors.New("batchimport: unit filled more slots than batch capacity")
	ErrMultipleEmissions  = errors.New("batchimport: unit sent more than one batch")
	ErrOrderingViolation  = errors.New("batchimport: batch released out of ticket order")
	ErrNoDownstream       = errors.New("batchimport: step has no downstream")
	ErrStepNotStarted     = errors.New("batchimport: step is not started")
	ErrStepAlreadyStarted = errors.New("batchimport: step is already started")
	ErrStepClosed         = errors.New("batchimport: step is closed")
	ErrWorkerPanic        = errors.New("batchimport: worker panicked")
)

// Stage control errors
var (
	ErrStageClosed = errors.New("batchimport: stage control is closed")
	ErrStageBusy   = errors.New("batchimport: stage control still has active steps")
)
