package recordstore

import (
	"errors"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"

	importerrors "github.com/tamirms/batchimport/errors"
)

// WriterOption configures a Writer.
type WriterOption func(*writerConfig)

type writerConfig struct {
	pageSize int
}

// WithPageSize sets the page size of the written store. It must be a power
// of two, at least 512, and large enough to hold one record.
func WithPageSize(pageSize int) WriterOption {
	return func(c *writerConfig) {
		c.pageSize = pageSize
	}
}

// Writer creates a record store file using mmap-based writes.
// The file is sized for numRecords up front and every slot starts out as a
// record that is not in use.
//
// SetRecord is safe for concurrent use on distinct ids. Finish and Close are not.
type Writer struct {
	path string
	file *os.File
	mmap mmap.MMap
	data []byte

	header         header
	slotSize       int
	recordsPerPage int64

	finished bool
	closed   bool
}

// NewWriter creates path and prepares it to hold numRecords records of
// recordSize payload bytes.
func NewWriter(path string, numRecords uint64, recordSize int, opts ...WriterOption) (*Writer, error) {
	cfg := writerConfig{pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := validateLayout(cfg.pageSize, recordSize); err != nil {
		return nil, err
	}
	if err := validateRecordCount(numRecords, cfg.pageSize); err != nil {
		return nil, err
	}

	hdr := header{
		Magic:      magic,
		Version:    version,
		PageSize:   uint32(cfg.pageSize),
		RecordSize: uint32(recordSize),
		NumRecords: numRecords,
	}
	size := hdr.fileSize()

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create record store file: %w", err)
	}

	// Pre-allocate disk blocks to prevent SIGBUS on disk full
	if err := fallocateFile(file, size); err != nil {
		primaryErr := fmt.Errorf("allocate disk space: %w", err)
		return nil, errors.Join(primaryErr, file.Close(), os.Remove(path))
	}

	mm, err := mmap.MapRegion(file, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		primaryErr := fmt.Errorf("mmap record store file: %w", err)
		return nil, errors.Join(primaryErr, file.Close(), os.Remove(path))
	}

	w := &Writer{
		path:           path,
		file:           file,
		mmap:           mm,
		data:           []byte(mm),
		header:         hdr,
		slotSize:       hdr.slotSize(),
		recordsPerPage: hdr.recordsPerPage(),
	}

	recordPages := w.data[cfg.pageSize:]
	prefaultRegion(recordPages)

	for id := int64(0); id < int64(numRecords); id++ {
		encodeSlot(w.slot(id), false, nil, recordSize)
	}
	return w, nil
}

// SetRecord writes record id. payload is zero padded to the record size.
func (w *Writer) SetRecord(id int64, inUse bool, payload []byte) error {
	if w.closed || w.finished {
		return importerrors.ErrWriterClosed
	}
	if id < 0 || id >= int64(w.header.NumRecords) {
		return fmt.Errorf("%w: %d (high id %d)", importerrors.ErrInvalidRecordID, id, w.header.NumRecords)
	}
	if len(payload) > int(w.header.RecordSize) {
		return fmt.Errorf("%w: %d > %d", importerrors.ErrRecordTooLarge, len(payload), w.header.RecordSize)
	}
	encodeSlot(w.slot(id), inUse, payload, int(w.header.RecordSize))
	return nil
}

func (w *Writer) slot(id int64) []byte {
	pageSize := int64(w.header.PageSize)
	page := id / w.recordsPerPage
	offset := (page+1)*pageSize + (id%w.recordsPerPage)*int64(w.slotSize)
	return w.data[offset : offset+int64(w.slotSize)]
}

// Finish writes the header, flushes the mapping and closes the file.
// On error the partially written file is removed.
func (w *Writer) Finish() error {
	if w.closed || w.finished {
		return importerrors.ErrWriterClosed
	}

	w.header.encodeTo(w.data[:headerSize])

	// Flush dirty pages to file (ensures writes visible before unmap)
	if err := w.mmap.Flush(); err != nil {
		primaryErr := fmt.Errorf("mmap flush failed: %w", err)
		return errors.Join(primaryErr, w.Close())
	}

	unmapErr := w.mmap.Unmap()
	w.mmap = nil
	w.data = nil
	if unmapErr != nil {
		primaryErr := fmt.Errorf("mmap unmap failed: %w", unmapErr)
		return errors.Join(primaryErr, w.Close())
	}

	if err := w.file.Sync(); err != nil {
		primaryErr := fmt.Errorf("sync failed: %w", err)
		return errors.Join(primaryErr, w.Close())
	}

	closeErr := w.file.Close()
	w.file = nil
	w.finished = true
	return closeErr
}

// Close releases the writer. If Finish did not succeed, the file is removed.
// Idempotent: safe to call multiple times.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.finished {
		return nil
	}

	var unmapErr error
	if w.mmap != nil {
		unmapErr = w.mmap.Unmap()
		w.mmap = nil
		w.data = nil
	}
	var closeErr error
	if w.file != nil {
		closeErr = w.file.Close()
		w.file = nil
	}
	removeErr := os.Remove(w.path)
	if errors.Is(removeErr, os.ErrNotExist) {
		removeErr = nil
	}
	return errors.Join(unmapErr, closeErr, removeErr)
}
