package hlog

// record.go implements the on-log wire format: a fixed-size meta header
// followed by opaque key and value bytes, exactly as spec.md §3 describes.
// Records are 8-byte aligned and never straddle a page boundary — an
// allocation that would straddle one is padded with an invalid record and
// retried on the next page (see hlog.go Allocate).
//
// © 2025 corekv authors. MIT License.

import (
	"encoding/binary"
	"fmt"
)

// Flag bits packed into Meta.Flags.
const (
	FlagTombstone uint8 = 1 << 0
	FlagInvalid   uint8 = 1 << 1
	// FlagWriting is a reserved "writer in progress" bit. No code path sets
	// or checks it: records are never updated in place, and RMW appends a
	// new version instead (see SPEC_FULL.md §9).
	FlagWriting uint8 = 1 << 2
)

// metaSize is the fixed size of the Meta header:
// TotalLen(4) + KeyLen(4) + ValueLen(4) + Flags(1) + pad(3) + PrevVersion(8)
// = 24 bytes, already 8-aligned.
const metaSize = 24

// Meta is the fixed header prefixing every record in the log.
type Meta struct {
	// TotalLen is the total record length in bytes, header and alignment
	// padding included.
	TotalLen uint32
	// KeyLen is the length of the key segment immediately following Meta.
	KeyLen uint32
	// ValueLen is the exact (unpadded) length of the value segment; for
	// tombstones this is always 0.
	ValueLen uint32
	// Flags carries Flag* bits.
	Flags uint8
	// PrevVersion is the address of an earlier version of the same key.
	// Store upserts, deletes and RMWs write it as 0; only a GC migration
	// sets it, to the address the record was copied from. Recovery does not
	// read it.
	PrevVersion Address
}

// Tombstone reports whether this record is a logical delete marker.
func (m Meta) Tombstone() bool { return m.Flags&FlagTombstone != 0 }

// Invalid reports whether this record is padding/filler to be skipped.
func (m Meta) Invalid() bool { return m.Flags&FlagInvalid != 0 }

// Writing reports whether a concurrent in-place mutation is in flight.
func (m Meta) Writing() bool { return m.Flags&FlagWriting != 0 }

// Record is a fully decoded log entry.
type Record struct {
	Meta  Meta
	Key   []byte
	Value []byte
}

// RecordSize returns the 8-byte-aligned total size a record occupies on log,
// given its key and value lengths.
func RecordSize(keyLen, valueLen int) int64 {
	return alignUp8(int64(metaSize + keyLen + valueLen))
}

// Encode serialises a record into dst, which must be at least
// RecordSize(len(key), len(value)) bytes. Encode zero-pads the alignment
// tail so byte-equal round trips (spec.md §8 property 6) hold exactly.
func Encode(dst []byte, meta Meta, key, value []byte) error {
	need := RecordSize(len(key), len(value))
	if int64(len(dst)) < need {
		return fmt.Errorf("hlog: encode buffer too small: have %d need %d", len(dst), need)
	}
	meta.TotalLen = uint32(need)
	meta.KeyLen = uint32(len(key))
	if meta.Tombstone() {
		value = nil
	}
	meta.ValueLen = uint32(len(value))

	binary.LittleEndian.PutUint32(dst[0:4], meta.TotalLen)
	binary.LittleEndian.PutUint32(dst[4:8], meta.KeyLen)
	binary.LittleEndian.PutUint32(dst[8:12], meta.ValueLen)
	dst[12] = meta.Flags
	dst[13], dst[14], dst[15] = 0, 0, 0
	binary.LittleEndian.PutUint64(dst[16:24], uint64(meta.PrevVersion))

	copy(dst[metaSize:], key)
	copy(dst[metaSize+len(key):], value)
	for i := metaSize + len(key) + len(value); i < int(need); i++ {
		dst[i] = 0
	}
	return nil
}

// DecodeMeta reads only the fixed header from buf, which must be at least
// metaSize bytes. Used by scans that only need flags/lengths without paying
// to copy key/value bytes.
func DecodeMeta(buf []byte) (Meta, error) {
	if len(buf) < metaSize {
		return Meta{}, fmt.Errorf("hlog: buffer shorter than meta header (%d < %d)", len(buf), metaSize)
	}
	return Meta{
		TotalLen:    binary.LittleEndian.Uint32(buf[0:4]),
		KeyLen:      binary.LittleEndian.Uint32(buf[4:8]),
		ValueLen:    binary.LittleEndian.Uint32(buf[8:12]),
		Flags:       buf[12],
		PrevVersion: Address(binary.LittleEndian.Uint64(buf[16:24])),
	}, nil
}

// Decode fully parses a record out of buf, which must span at least the
// record's TotalLen bytes as reported by its header.
func Decode(buf []byte) (Record, error) {
	meta, err := DecodeMeta(buf)
	if err != nil {
		return Record{}, err
	}
	if int64(len(buf)) < int64(meta.TotalLen) {
		return Record{}, fmt.Errorf("hlog: buffer shorter than record TotalLen (%d < %d)", len(buf), meta.TotalLen)
	}
	keyEnd := metaSize + int(meta.KeyLen)
	valEnd := keyEnd + int(meta.ValueLen)
	if valEnd > int(meta.TotalLen) {
		return Record{}, fmt.Errorf("hlog: corrupt record: key/value length overruns total length")
	}
	key := append([]byte(nil), buf[metaSize:keyEnd]...)

	var value []byte
	if meta.ValueLen > 0 {
		value = append([]byte(nil), buf[keyEnd:valEnd]...)
	}
	return Record{Meta: meta, Key: key, Value: value}, nil
}

// EncodeInvalid writes a padding/filler record spanning exactly size bytes,
// used by Allocate to pad out the remainder of a page it cannot use.
func EncodeInvalid(dst []byte) {
	size := int64(len(dst))
	binary.LittleEndian.PutUint32(dst[0:4], uint32(size))
	binary.LittleEndian.PutUint32(dst[4:8], 0)
	binary.LittleEndian.PutUint32(dst[8:12], 0)
	dst[12] = FlagInvalid
	dst[13], dst[14], dst[15] = 0, 0, 0
	binary.LittleEndian.PutUint64(dst[16:24], 0)
	for i := metaSize; i < len(dst); i++ {
		dst[i] = 0
	}
}
