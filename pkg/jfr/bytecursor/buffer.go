// Package bytecursor provides positioned, seekable readers over recordings
// that are either held in memory or memory-mapped from disk. Files larger than
// a single mappable region are mapped as a sequence of fixed-size splices and
// presented to readers as one contiguous logical buffer.
package bytecursor

import (
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// DefaultSpliceSize is the size of a single mapped segment. Recordings that
// fit into one splice are mapped as a single region.
const DefaultSpliceSize = 1 << 30

// Buffer is an immutable, read-only byte buffer made of equally sized
// segments. Only the last segment may be shorter than the segment size.
type Buffer struct {
	segs    [][]byte
	segSize int64
	size    int64

	// flat is set when the buffer consists of a single segment and allows
	// reads to bypass segment translation.
	flat []byte

	release func([]byte) error
	closed  bool
}

// FromBytes wraps b without copying.
func FromBytes(b []byte) *Buffer {
	return &Buffer{
		segs:    [][]byte{b},
		segSize: int64(len(b)),
		size:    int64(len(b)),
		flat:    b,
	}
}

// Segmented splits b into segments of segSize bytes without copying. The
// resulting buffer behaves exactly like a spliced mapping of the same data.
func Segmented(b []byte, segSize int) (*Buffer, error) {
	if segSize <= 0 {
		return nil, fmt.Errorf("invalid segment size %d", segSize)
	}
	if len(b) <= segSize {
		return FromBytes(b), nil
	}
	segs := make([][]byte, 0, (len(b)+segSize-1)/segSize)
	for off := 0; off < len(b); off += segSize {
		end := min(off+segSize, len(b))
		segs = append(segs, b[off:end:end])
	}
	return newSegmented(segs, int64(segSize), int64(len(b)), nil), nil
}

func newSegmented(segs [][]byte, segSize, size int64, release func([]byte) error) *Buffer {
	b := &Buffer{
		segs:    segs,
		segSize: segSize,
		size:    size,
		release: release,
	}
	if len(segs) == 1 {
		b.flat = segs[0]
	}
	return b
}

// Len returns the total number of bytes in the buffer.
func (b *Buffer) Len() int64 { return b.size }

// Splices returns the number of segments backing the buffer.
func (b *Buffer) Splices() int { return len(b.segs) }

// Cursor returns a new cursor positioned at the start of the buffer.
func (b *Buffer) Cursor() *Cursor {
	return &Cursor{
		buf:   b,
		limit: b.size,
		mark:  -1,
		order: binary.BigEndian,
	}
}

// Close releases the mapped segments. Cursors must not be used afterwards.
func (b *Buffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if b.release == nil {
		return nil
	}
	var errs error
	for _, s := range b.segs {
		if err := b.release(s); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	b.segs = nil
	b.flat = nil
	return errs
}

// copyAt copies len(dst) bytes starting at the absolute offset abs, crossing
// segment boundaries as needed. The caller guarantees the range is valid.
func (b *Buffer) copyAt(dst []byte, abs int64) {
	for n := 0; n < len(dst); {
		seg := b.segs[abs/b.segSize]
		off := abs % b.segSize
		c := copy(dst[n:], seg[off:])
		n += c
		abs += int64(c)
	}
}
