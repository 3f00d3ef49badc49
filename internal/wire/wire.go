// Package wire frames cache entries for byte-oriented backends (redis,
// bigcache, ristretto). The envelope carries entry metadata so logical
// expiry and tag membership survive round-trips through stores that only
// understand opaque bytes.
package wire

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/psadesk/respcache/store"
)

const (
	version byte = 1

	flagCompressed byte = 1 << 0

	maxTags   = 0xFFFF
	maxTagLen = 0xFFFF
)

var (
	ErrCorrupt = errors.New("respcache: corrupt entry")
	magic4     = [...]byte{'R', 'S', 'P', 'C'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

func putTime(buf *bytes.Buffer, t time.Time) {
	var u8 [8]byte
	var n int64
	if !t.IsZero() {
		n = t.UnixNano()
	}
	binary.BigEndian.PutUint64(u8[:], uint64(n))
	buf.Write(u8[:])
}

func getTime(b []byte) time.Time {
	n := int64(binary.BigEndian.Uint64(b))
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// EncodeEntry frames an entry:
//
//	magic(4) | ver(1) | flags(1) | createdAt(i64 be) | expiresAt(i64 be) |
//	ttl(i64 be) | originalSize(u32 be) | ntags(u16 be) |
//	[tagLen(u16 be) tag]* | vlen(u32 be) | payload
func EncodeEntry(e *store.Entry) []byte {
	total := 4 + 1 + 1 + 8 + 8 + 8 + 4 + 2
	for _, t := range e.Tags {
		total += 2 + len(t)
	}
	total += 4 + len(e.Value)

	var buf bytes.Buffer
	buf.Grow(total)

	buf.Write(magic4[:])
	buf.WriteByte(version)

	var flags byte
	if e.Compressed {
		flags |= flagCompressed
	}
	buf.WriteByte(flags)

	putTime(&buf, e.CreatedAt)
	putTime(&buf, e.ExpiresAt)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], uint64(e.TTL))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(e.OriginalSize))
	buf.Write(u4[:])

	if len(e.Tags) > maxTags {
		panic("respcache: too many tags in entry")
	}
	binary.BigEndian.PutUint16(u2[:], uint16(len(e.Tags)))
	buf.Write(u2[:])
	for _, t := range e.Tags {
		if len(t) > maxTagLen {
			panic("respcache: tag too long")
		}
		binary.BigEndian.PutUint16(u2[:], uint16(len(t)))
		buf.Write(u2[:])
		buf.WriteString(t)
	}

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Value)))
	buf.Write(u4[:])
	buf.Write(e.Value)

	return buf.Bytes()
}

// DecodeEntry parses an envelope. Decompression is NOT performed here;
// callers check Compressed and use Decompress when they need the original
// payload. Any structural violation returns ErrCorrupt.
func DecodeEntry(b []byte) (*store.Entry, error) {
	const hdr = 4 + 1 + 1 + 8 + 8 + 8 + 4 + 2
	if len(b) < hdr || !hasMagic(b) || b[4] != version {
		return nil, ErrCorrupt
	}

	flags := b[5]
	off := 6

	createdAt := getTime(b[off : off+8])
	off += 8
	expiresAt := getTime(b[off : off+8])
	off += 8

	ttl := time.Duration(int64(binary.BigEndian.Uint64(b[off : off+8])))
	off += 8

	originalSize := int64(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4

	ntags := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2

	var tags []string
	if ntags > 0 {
		tags = make([]string, 0, ntags)
	}
	for i := 0; i < ntags; i++ {
		if off+2 > len(b) {
			return nil, ErrCorrupt
		}
		tlen := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if tlen > len(b)-off {
			return nil, ErrCorrupt
		}
		tags = append(tags, string(b[off:off+tlen]))
		off += tlen
	}

	if off+4 > len(b) {
		return nil, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // exact-length check; rejects junk
		return nil, ErrCorrupt
	}

	return &store.Entry{
		Value:        b[off : off+vlen],
		CreatedAt:    createdAt,
		ExpiresAt:    expiresAt,
		TTL:          ttl,
		Tags:         tags,
		Size:         int64(vlen),
		Compressed:   flags&flagCompressed != 0,
		OriginalSize: originalSize,
	}, nil
}

// Compress gzips payload when it exceeds the threshold AND the compressed
// form is actually smaller. Returns (data, compressed).
func Compress(payload []byte, threshold int) ([]byte, bool) {
	if threshold <= 0 || len(payload) <= threshold {
		return payload, false
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return payload, false
	}
	if err := zw.Close(); err != nil {
		return payload, false
	}
	if buf.Len() >= len(payload) {
		return payload, false
	}
	return buf.Bytes(), true
}

// Decompress reverses Compress. Corrupt gzip data maps to ErrCorrupt so
// stores can self-heal uniformly.
func Decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, ErrCorrupt
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, ErrCorrupt
	}
	return out, nil
}
