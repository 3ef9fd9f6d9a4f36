package k2d

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"unsafe"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/taxgo/cht"
	"github.com/hupe1980/taxgo/internal/hash"
	"github.com/hupe1980/taxgo/internal/mmap"
	"github.com/hupe1980/taxgo/sketch"
	"github.com/hupe1980/taxgo/taxonomy"
)

// Database is a loaded database file: the immutable table, its
// taxonomy, and the optional cardinality sketch.
type Database struct {
	Table    *cht.Table
	Taxonomy *taxonomy.Taxonomy

	// Sketch is non-nil when the file carries one.
	Sketch *sketch.Sketch

	Header FileHeader

	mapped *mmap.File
}

// Close releases the memory mapping, if any. Databases returned by
// Load own their memory and Close is a no-op; after closing a mapped
// database its table must not be used.
func (db *Database) Close() error {
	if db.mapped == nil {
		return nil
	}
	m := db.mapped
	db.mapped = nil
	return m.Close()
}

// Load reads the database at path into memory, decompressing the
// payload if needed, and verifies the checksum.
func Load(path string) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 256*1024)

	var header FileHeader
	if err := binary.Read(br, binary.LittleEndian, &header); err != nil {
		return nil, truncated(err)
	}
	if err := validateHeader(&header); err != nil {
		return nil, err
	}

	var payload io.Reader = br
	switch Compression(header.Compression) {
	case CompressionZstd:
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptDatabase, err)
		}
		defer dec.Close()
		payload = dec
	case CompressionLZ4:
		payload = lz4.NewReader(br)
	}

	cr := newChecksumReader(payload)

	tax, taxLen, err := readTaxonomy(cr, header.TaxonomyCount)
	if err != nil {
		return nil, err
	}
	if pad := alignPad(taxLen); pad > 0 {
		if _, err := io.CopyN(io.Discard, cr, int64(pad)); err != nil {
			return nil, truncated(err)
		}
	}

	cells, err := readUint32Slice(cr, header.Capacity)
	if err != nil {
		return nil, truncated(err)
	}

	table, err := cht.NewTable(cells, header.KeyBits, cht.Probing(header.Probing), header.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptDatabase, err)
	}

	if header.Flags&flagExactCounters != 0 {
		counters, err := readUint32Slice(cr, header.Capacity)
		if err != nil {
			return nil, truncated(err)
		}
		if err := table.RestoreCounters(counters); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptDatabase, err)
		}
	}

	var sk *sketch.Sketch
	if header.Flags&flagSketch != 0 {
		registers := make([]uint8, 1<<header.SketchPrecision)
		if _, err := io.ReadFull(cr, registers); err != nil {
			return nil, truncated(err)
		}
		sk, err = sketch.Restore(header.SketchPrecision, registers)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptDatabase, err)
		}
	}

	if cr.Sum() != header.Checksum {
		return nil, fmt.Errorf("%w: expected 0x%08x, got 0x%08x", ErrChecksumMismatch, header.Checksum, cr.Sum())
	}

	return &Database{
		Table:    table,
		Taxonomy: tax,
		Sketch:   sk,
		Header:   header,
	}, nil
}

// Open memory-maps the database at path and serves lookups directly
// from the mapping without copying the cell array. Only uncompressed
// files can be opened this way. The returned database must be closed.
func Open(path string) (*Database, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}

	db, err := openMapped(m)
	if err != nil {
		m.Close()
		return nil, err
	}
	return db, nil
}

func openMapped(m *mmap.File) (*Database, error) {
	data := m.Data
	if len(data) < headerSize {
		return nil, ErrTruncated
	}

	var header FileHeader
	if err := binary.Read(bytes.NewReader(data[:headerSize]), binary.LittleEndian, &header); err != nil {
		return nil, truncated(err)
	}
	if err := validateHeader(&header); err != nil {
		return nil, err
	}
	if Compression(header.Compression) != CompressionNone {
		return nil, ErrCompressedMmap
	}

	if sum := hash.CRC32C(data[headerSize:]); sum != header.Checksum {
		return nil, fmt.Errorf("%w: expected 0x%08x, got 0x%08x", ErrChecksumMismatch, header.Checksum, sum)
	}

	off := headerSize

	tax, taxLen, err := readTaxonomy(bytes.NewReader(data[off:]), header.TaxonomyCount)
	if err != nil {
		return nil, err
	}
	off += taxLen + alignPad(taxLen)

	// Bounds in uint64 space so a hostile capacity cannot overflow the
	// byte count before the check.
	if off > len(data) || header.Capacity > uint64(len(data)-off)/4 {
		return nil, ErrTruncated
	}
	cellBytes := int(header.Capacity) * 4
	cells := unsafe.Slice((*uint32)(unsafe.Pointer(&data[off])), header.Capacity)
	off += cellBytes

	table, err := cht.NewTable(cells, header.KeyBits, cht.Probing(header.Probing), header.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptDatabase, err)
	}

	if header.Flags&flagExactCounters != 0 {
		if header.Capacity > uint64(len(data)-off)/4 {
			return nil, ErrTruncated
		}
		counters := unsafe.Slice((*uint32)(unsafe.Pointer(&data[off])), header.Capacity)
		off += cellBytes
		if err := table.RestoreCounters(counters); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptDatabase, err)
		}
	}

	var sk *sketch.Sketch
	if header.Flags&flagSketch != 0 {
		regBytes := 1 << header.SketchPrecision
		if off+regBytes > len(data) {
			return nil, ErrTruncated
		}
		sk, err = sketch.Restore(header.SketchPrecision, data[off:off+regBytes])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptDatabase, err)
		}
	}

	return &Database{
		Table:    table,
		Taxonomy: tax,
		Sketch:   sk,
		Header:   header,
		mapped:   m,
	}, nil
}

func validateHeader(h *FileHeader) error {
	if h.Magic != MagicNumber {
		return fmt.Errorf("%w: got 0x%08x", ErrInvalidMagic, h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("%w: got 0x%08x", ErrUnsupportedVersion, h.Version)
	}
	if h.Capacity == 0 || h.Capacity&(h.Capacity-1) != 0 {
		return fmt.Errorf("%w: capacity %d is not a power of two", ErrCorruptDatabase, h.Capacity)
	}
	if h.Size > h.Capacity {
		return fmt.Errorf("%w: size %d exceeds capacity %d", ErrCorruptDatabase, h.Size, h.Capacity)
	}
	if !Compression(h.Compression).valid() {
		return fmt.Errorf("%w: unknown compression scheme %d", ErrCorruptDatabase, h.Compression)
	}
	if h.Flags&^(flagExactCounters|flagSketch) != 0 {
		return fmt.Errorf("%w: unknown flags 0x%02x", ErrCorruptDatabase, h.Flags)
	}
	if h.Flags&flagSketch != 0 && (h.SketchPrecision < sketch.MinPrecision || h.SketchPrecision > sketch.MaxPrecision) {
		return fmt.Errorf("%w: sketch precision %d out of range", ErrCorruptDatabase, h.SketchPrecision)
	}
	return nil
}

// readTaxonomy reads TaxonomyCount node records and returns the built
// tree plus the unpadded section length in bytes.
func readTaxonomy(r io.Reader, count uint32) (*taxonomy.Taxonomy, int, error) {
	tuples := make([]taxonomy.NodeTuple, 0, count)
	read := 0

	var buf []byte
	for i := uint32(0); i < count; i++ {
		var rec nodeRecord
		if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
			return nil, 0, truncated(err)
		}

		n := int(rec.RankLen) + int(rec.NameLen)
		if cap(buf) < n {
			buf = make([]byte, n)
		}
		buf = buf[:n]
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, 0, truncated(err)
		}

		tuples = append(tuples, taxonomy.NodeTuple{
			ID:     taxonomy.TaxID(rec.ID),
			Parent: taxonomy.TaxID(rec.Parent),
			Rank:   string(buf[:rec.RankLen]),
			Name:   string(buf[rec.RankLen:]),
		})
		read += 12 + n
	}

	tax, err := taxonomy.New(tuples)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrCorruptDatabase, err)
	}
	return tax, read, nil
}

// readUint32Slice reads count little-endian uint32 values as raw
// bytes. The count comes from an untrusted header, so the slice grows
// chunk by chunk with the data actually read: a header claiming more
// cells than the file holds fails with a short read after a bounded
// allocation instead of sizing the full slice up front.
func readUint32Slice(r io.Reader, count uint64) ([]uint32, error) {
	if count == 0 {
		return nil, nil
	}
	if count > uint64(math.MaxInt)/4 {
		return nil, fmt.Errorf("%w: section of %d entries exceeds the address space", ErrCorruptDatabase, count)
	}

	const chunkCells = 1 << 22 // 16 MiB per read
	slice := make([]uint32, 0, min(count, chunkCells))
	for uint64(len(slice)) < count {
		n := int(min(count-uint64(len(slice)), chunkCells))
		buf := make([]uint32, n)
		byteBuf := unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), n*4)
		if _, err := io.ReadFull(r, byteBuf); err != nil {
			return nil, err
		}
		slice = append(slice, buf...)
	}
	return slice, nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrTruncated, err)
	}
	return err
}
