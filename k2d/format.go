// Package k2d implements the binary database format bundling the
// finalized hash table, the taxonomy and optional diagnostics into a
// single file.
//
// The file starts with a fixed 64-byte little-endian header followed by
// the taxonomy section, the raw cell array, and the optional counter
// and sketch sections. The payload after the header is covered by a
// CRC32-Castagnoli checksum and may be section-compressed with zstd or
// lz4; an uncompressed file keeps the cell array 8-byte aligned so it
// can be memory-mapped and probed in place.
package k2d

import (
	"errors"
	"fmt"
)

const (
	// MagicNumber identifies database files (ASCII "TXG2" on disk).
	MagicNumber = 0x32475854

	// Version is the current file format version (v1.0).
	Version = 0x00010000

	// headerSize is the fixed size of FileHeader on disk.
	headerSize = 64

	// checksumOffset is the byte offset of FileHeader.Checksum, patched
	// after the payload has been written.
	checksumOffset = 36

	// sectionAlign keeps the cell array mmap-addressable.
	sectionAlign = 8
)

// Header flag bits.
const (
	flagExactCounters = 1 << 0
	flagSketch        = 1 << 1
)

var (
	// ErrCorruptDatabase is the parent of all load-time corruption
	// errors; errors.Is(err, ErrCorruptDatabase) catches them all.
	ErrCorruptDatabase = errors.New("k2d: corrupt database")

	ErrInvalidMagic       = fmt.Errorf("%w: invalid magic number", ErrCorruptDatabase)
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported version", ErrCorruptDatabase)
	ErrTruncated          = fmt.Errorf("%w: truncated file", ErrCorruptDatabase)
	ErrChecksumMismatch   = fmt.Errorf("%w: checksum mismatch", ErrCorruptDatabase)

	// ErrCompressedMmap is returned by Open for compressed files, which
	// cannot be probed in place.
	ErrCompressedMmap = errors.New("k2d: compressed database cannot be memory-mapped")
)

// Compression selects the payload compression scheme.
type Compression uint8

const (
	// CompressionNone stores the payload raw; required for Open.
	CompressionNone Compression = iota

	// CompressionZstd compresses the payload with zstd.
	CompressionZstd

	// CompressionLZ4 compresses the payload with lz4.
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

func (c Compression) valid() bool { return c <= CompressionLZ4 }

// FileHeader is the 64-byte header at the start of every database
// file. Field order matches the on-disk layout; encoding/binary writes
// it without padding.
type FileHeader struct {
	Magic   uint32
	Version uint32

	// K and MinimizerLen record the minimizer scheme the database was
	// built with. Classification against a database requires the same
	// scheme; the fields are carried verbatim for the caller to check.
	K            uint8
	MinimizerLen uint8

	KeyBits         uint8
	Probing         uint8
	Compression     uint8
	Flags           uint8
	SketchPrecision uint8
	Pad1            [1]byte

	Capacity uint64
	Size     uint64

	TaxonomyCount uint32

	// Checksum is CRC32-Castagnoli over the uncompressed payload
	// following the header.
	Checksum uint32

	MaxLoadFactor float64

	Reserved [16]byte
}

// nodeRecord is the fixed prefix of one taxonomy node on disk,
// followed by RankLen rank bytes and NameLen name bytes.
type nodeRecord struct {
	ID      uint32
	Parent  uint32
	RankLen uint16
	NameLen uint16
}

func alignPad(n int) int {
	return (sectionAlign - n%sectionAlign) % sectionAlign
}
