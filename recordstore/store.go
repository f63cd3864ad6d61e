// Package recordstore implements a paged, memory-mapped store of fixed-size
// records keyed by dense int64 ids.
//
// File layout: [Header page][Record page 0][Record page 1]...
// Every page is PageSize bytes. Record pages hold RecordsPerPage slots of
// [flags 1B][payload RecordSize B][xxhash64 8B]; slots never straddle pages.
//
// Reads go through a PageCursor, which pins one page at a time. A Store may be
// read by many goroutines at once, each with its own cursor.
package recordstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"

	importerrors "github.com/tamirms/batchimport/errors"
)

const (
	// DefaultPageSize is the page size used by NewWriter unless overridden.
	DefaultPageSize = 8192

	// DefaultPrefetchWindow is how many pages a prefetching cursor asks the
	// kernel to read ahead of the page it pins.
	DefaultPrefetchWindow = 32
)

// Store is a read-only record store backed by a memory-mapped file.
//
// Thread Safety:
//   - NewRecord, OpenPageCursor*, GetRecordByCursor are safe for concurrent use
//   - a PageCursor must only be used by one goroutine at a time
//   - Close must only be called after all cursors are closed
type Store struct {
	mmap mmap.MMap
	data []byte

	header         *header
	slotSize       int
	recordsPerPage int64
	numPages       int64
	prefetchWindow int64
	osPageSize     int

	openCursors atomic.Int64
	pinnedPages atomic.Int64
	closed      atomic.Bool
}

// OpenOption configures a Store at open time.
type OpenOption func(*openConfig)

type openConfig struct {
	prefetchWindow int
}

// WithPrefetchWindow sets how many pages prefetching cursors read ahead.
func WithPrefetchWindow(pages int) OpenOption {
	return func(c *openConfig) {
		c.prefetchWindow = pages
	}
}

// Open opens a record store file for reading.
// It opens the file, memory-maps it, and closes the file descriptor.
func Open(path string, opts ...OpenOption) (*Store, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open record store file: %w", err)
	}
	defer file.Close()
	return OpenFile(file, opts...)
}

// OpenFile opens a record store by memory-mapping the given file.
// The caller is responsible for closing f, which may happen as soon as
// OpenFile returns.
func OpenFile(f *os.File, opts ...OpenOption) (*Store, error) {
	cfg := openConfig{prefetchWindow: DefaultPrefetchWindow}
	for _, opt := range opts {
		opt(&cfg)
	}

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat record store file: %w", err)
	}
	if stat.Size() < headerSize {
		return nil, importerrors.ErrTruncatedFile
	}

	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap record store file: %w", err)
	}

	s := &Store{
		mmap:           mm,
		data:           []byte(mm),
		prefetchWindow: int64(max(cfg.prefetchWindow, 0)),
		osPageSize:     os.Getpagesize(),
	}
	if err := s.initFromData(); err != nil {
		return nil, errors.Join(err, s.unmap())
	}
	return s, nil
}

func (s *Store) initFromData() error {
	hdr, err := decodeHeader(s.data[:headerSize])
	if err != nil {
		return err
	}
	if int64(len(s.data)) < hdr.fileSize() {
		return importerrors.ErrTruncatedFile
	}

	s.header = hdr
	s.slotSize = hdr.slotSize()
	s.recordsPerPage = hdr.recordsPerPage()
	s.numPages = hdr.numPages()
	return nil
}

// Close unmaps the store. It fails with ErrCursorsOpen while page cursors
// are still open, leaving the store usable.
func (s *Store) Close() error {
	if n := s.openCursors.Load(); n > 0 {
		return fmt.Errorf("%w: %d", importerrors.ErrCursorsOpen, n)
	}
	if s.closed.Swap(true) {
		return nil
	}
	return s.unmap()
}

func (s *Store) unmap() error {
	if s.mmap == nil {
		return nil
	}
	err := s.mmap.Unmap()
	s.mmap = nil
	s.data = nil
	return err
}

// NewRecord returns a record sized for this store.
func (s *Store) NewRecord() *Record {
	return NewRecord(int(s.header.RecordSize))
}

// HighID returns one past the highest record id in the store.
func (s *Store) HighID() int64 {
	return int64(s.header.NumRecords)
}

// RecordSize returns the payload size of a record.
func (s *Store) RecordSize() int {
	return int(s.header.RecordSize)
}

// PageSize returns the size of one page in bytes.
func (s *Store) PageSize() int {
	return int(s.header.PageSize)
}

// RecordsPerPage returns how many records one page holds.
func (s *Store) RecordsPerPage() int64 {
	return s.recordsPerPage
}

// OpenCursors returns the number of page cursors not yet closed.
func (s *Store) OpenCursors() int64 {
	return s.openCursors.Load()
}

// PinnedPages returns the number of pages currently pinned by cursors.
func (s *Store) PinnedPages() int64 {
	return s.pinnedPages.Load()
}

// OpenPageCursorForReading opens a cursor positioned at the page holding id.
func (s *Store) OpenPageCursorForReading(id int64) (PageCursor, error) {
	return s.openCursor(id, false)
}

// OpenPageCursorForReadingWithPrefetching opens a cursor positioned at the page
// holding id that reads ahead of the pages it pins.
func (s *Store) OpenPageCursorForReadingWithPrefetching(id int64) (PageCursor, error) {
	return s.openCursor(id, true)
}

func (s *Store) openCursor(id int64, prefetch bool) (PageCursor, error) {
	if s.closed.Load() {
		return nil, importerrors.ErrStoreClosed
	}
	if err := s.checkID(id); err != nil {
		return nil, err
	}

	s.openCursors.Add(1)
	c := &pageCursor{
		store:      s,
		prefetch:   prefetch,
		pageID:     noPage,
		prefetched: noPage,
	}
	if _, err := c.Next(s.pageOf(id)); err != nil {
		return nil, errors.Join(err, c.Close())
	}
	return c, nil
}

// GetRecordByCursor reads record id into record through cursor, moving the
// cursor to the record's page if needed. The record is rewritten in place.
func (s *Store) GetRecordByCursor(id int64, record *Record, mode RecordLoad, cursor PageCursor) error {
	if s.closed.Load() {
		return importerrors.ErrStoreClosed
	}
	if err := s.checkID(id); err != nil {
		return err
	}
	c, ok := cursor.(*pageCursor)
	if !ok || c.store != s {
		return importerrors.ErrForeignCursor
	}
	if _, err := c.Next(s.pageOf(id)); err != nil {
		return err
	}

	offset := int(id%s.recordsPerPage) * s.slotSize
	slot := c.page[offset : offset+s.slotSize]
	recordSize := int(s.header.RecordSize)
	stored := binary.LittleEndian.Uint64(slot[1+recordSize:])
	if xxhash.Sum64(slot[:1+recordSize]) != stored {
		return fmt.Errorf("record %d: %w", id, importerrors.ErrCorruptedRecord)
	}

	record.id = id
	record.inUse = slot[0]&flagInUse != 0
	record.Data = append(record.Data[:0], slot[1:1+recordSize]...)

	if mode == LoadNormal && !record.inUse {
		return fmt.Errorf("record %d: %w", id, importerrors.ErrRecordNotInUse)
	}
	return nil
}

func (s *Store) checkID(id int64) error {
	if id < 0 || id >= int64(s.header.NumRecords) {
		return fmt.Errorf("%w: %d (high id %d)", importerrors.ErrInvalidRecordID, id, s.header.NumRecords)
	}
	return nil
}

func (s *Store) pageOf(id int64) int64 {
	return id / s.recordsPerPage
}

// page returns the bytes of record page pageID.
func (s *Store) page(pageID int64) []byte {
	pageSize := int64(s.header.PageSize)
	start := (pageID + 1) * pageSize
	return s.data[start : start+pageSize]
}

// readAhead hints the kernel to load record pages [from, to).
// The range is widened to OS page boundaries, which the mapping start satisfies.
func (s *Store) readAhead(from, to int64) {
	to = min(to, s.numPages)
	if from >= to {
		return
	}
	pageSize := int64(s.header.PageSize)
	start := (from + 1) * pageSize
	end := (to + 1) * pageSize
	start -= start % int64(s.osPageSize)
	adviseWillNeed(s.data[start:end])
}

func errInvalidLayout(pageSize, recordSize int) error {
	return fmt.Errorf("%w: page size %d, record size %d", importerrors.ErrInvalidPageSize, pageSize, recordSize)
}
