package recordstore

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"

	importerrors "github.com/tamirms/batchimport/errors"
)

const (
	// magic number for record store files: "NREC" in little-endian
	magic = uint32(0x4345524E)

	// version is the current format version
	version = uint16(0x0001)

	// headerSize is the exact size of the serialized header (64 bytes).
	// The header lives at the start of page 0, which holds nothing else.
	headerSize = 64

	// checksumOffset is where the xxh3 checksum of the preceding header bytes starts.
	checksumOffset = 56
)

// header is the 64-byte file header.
//
// Layout:
//
//	Offset  Size  Field       Type
//	0       4     Magic       0x4345524E ("NREC")
//	4       2     Version     0x0001
//	6       4     PageSize    uint32_le
//	10      4     RecordSize  uint32_le (payload bytes per record)
//	14      8     NumRecords  uint64_le
//	22      34    Reserved    [34]byte (zero)
//	56      8     Checksum    uint64_le (xxh3 of bytes 0..55)
type header struct {
	Magic      uint32
	Version    uint16
	PageSize   uint32
	RecordSize uint32
	NumRecords uint64
	Reserved   [34]byte
}

// encodeTo serializes the header, including its checksum, to an existing buffer.
func (h *header) encodeTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint32(buf[6:10], h.PageSize)
	binary.LittleEndian.PutUint32(buf[10:14], h.RecordSize)
	binary.LittleEndian.PutUint64(buf[14:22], h.NumRecords)
	copy(buf[22:checksumOffset], h.Reserved[:])
	binary.LittleEndian.PutUint64(buf[checksumOffset:headerSize], xxh3.Hash(buf[:checksumOffset]))
}

// decodeHeader parses and validates a 64-byte header.
func decodeHeader(buf []byte) (*header, error) {
	if len(buf) < headerSize {
		return nil, importerrors.ErrTruncatedFile
	}

	h := &header{
		Magic:      binary.LittleEndian.Uint32(buf[0:4]),
		Version:    binary.LittleEndian.Uint16(buf[4:6]),
		PageSize:   binary.LittleEndian.Uint32(buf[6:10]),
		RecordSize: binary.LittleEndian.Uint32(buf[10:14]),
		NumRecords: binary.LittleEndian.Uint64(buf[14:22]),
	}
	copy(h.Reserved[:], buf[22:checksumOffset])

	if h.Magic != magic {
		return nil, importerrors.ErrInvalidMagic
	}
	if h.Version != version {
		return nil, importerrors.ErrInvalidVersion
	}
	if binary.LittleEndian.Uint64(buf[checksumOffset:headerSize]) != xxh3.Hash(buf[:checksumOffset]) {
		return nil, importerrors.ErrChecksumFailed
	}
	if err := validateLayout(int(h.PageSize), int(h.RecordSize)); err != nil {
		return nil, err
	}
	if err := validateRecordCount(h.NumRecords, int(h.PageSize)); err != nil {
		return nil, err
	}

	return h, nil
}

// slotSize returns bytes occupied by one record: flags, payload and checksum.
func (h *header) slotSize() int {
	return slotSize(int(h.RecordSize))
}

// recordsPerPage returns how many whole record slots fit in one page.
func (h *header) recordsPerPage() int64 {
	return int64(int(h.PageSize) / h.slotSize())
}

// numPages returns the number of record pages, excluding the header page.
func (h *header) numPages() int64 {
	rpp := uint64(h.recordsPerPage())
	return int64((h.NumRecords + rpp - 1) / rpp)
}

// fileSize returns the exact file size implied by the header.
func (h *header) fileSize() int64 {
	return (h.numPages() + 1) * int64(h.PageSize)
}
