package bytecursor

import (
	"encoding/binary"
	"math"

	"github.com/grafana/jfrstream/pkg/jfr/jfrerr"
)

// Cursor is a positioned reader over a window of a Buffer. Positions are
// relative to the start of the window. A cursor is not safe for concurrent
// use; independent cursors over the same buffer are.
type Cursor struct {
	buf   *Buffer
	base  int64
	limit int64
	pos   int64
	mark  int64
	order binary.ByteOrder

	scratch [8]byte
	spill   []byte
}

// SetOrder changes the byte order of fixed-width reads. JFR is big-endian.
func (c *Cursor) SetOrder(order binary.ByteOrder) { c.order = order }

func (c *Cursor) Position() int64 { return c.pos }

// Offset returns the absolute buffer offset of the current position.
func (c *Cursor) Offset() int64 { return c.base + c.pos }

func (c *Cursor) Len() int64 { return c.limit }

func (c *Cursor) Remaining() int64 { return c.limit - c.pos }

// Seek moves the cursor to pos. Seeking to the end of the window is allowed.
func (c *Cursor) Seek(pos int64) error {
	if pos < 0 || pos > c.limit {
		return jfrerr.OutOfRange(pos)
	}
	c.pos = pos
	return nil
}

func (c *Cursor) Skip(n int64) error {
	if n < 0 || c.limit-c.pos < n {
		return jfrerr.Truncated(c.pos, n)
	}
	c.pos += n
	return nil
}

// Mark records the current logical position.
func (c *Cursor) Mark() { c.mark = c.pos }

// Reset restores the position recorded by Mark. It does nothing if no mark
// was set.
func (c *Cursor) Reset() {
	if c.mark >= 0 {
		c.pos = c.mark
	}
}

// Slice returns an independent cursor over [off, off+n) of this window.
func (c *Cursor) Slice(off, n int64) (*Cursor, error) {
	if off < 0 || n < 0 || off+n > c.limit {
		return nil, jfrerr.OutOfRange(off + n)
	}
	return &Cursor{
		buf:   c.buf,
		base:  c.base + off,
		limit: n,
		mark:  -1,
		order: c.order,
	}, nil
}

// take returns the next n bytes and advances the cursor. When the range is
// split across splices the bytes are assembled into scratch space, so the
// result is only valid until the next read.
func (c *Cursor) take(n int) ([]byte, error) {
	if c.limit-c.pos < int64(n) {
		return nil, jfrerr.Truncated(c.pos, int64(n))
	}
	if n == 0 {
		return nil, nil
	}
	abs := c.base + c.pos
	c.pos += int64(n)
	if c.buf.flat != nil {
		return c.buf.flat[abs : abs+int64(n)], nil
	}
	seg := c.buf.segs[abs/c.buf.segSize]
	off := abs % c.buf.segSize
	if off+int64(n) <= int64(len(seg)) {
		return seg[off : off+int64(n)], nil
	}
	var dst []byte
	if n <= len(c.scratch) {
		dst = c.scratch[:n]
	} else {
		if cap(c.spill) < n {
			c.spill = make([]byte, n)
		}
		dst = c.spill[:n]
	}
	c.buf.copyAt(dst, abs)
	return dst, nil
}

func (c *Cursor) U8() (uint8, error) {
	if c.pos >= c.limit {
		return 0, jfrerr.Truncated(c.pos, 1)
	}
	abs := c.base + c.pos
	c.pos++
	if c.buf.flat != nil {
		return c.buf.flat[abs], nil
	}
	return c.buf.segs[abs/c.buf.segSize][abs%c.buf.segSize], nil
}

func (c *Cursor) I8() (int8, error) {
	b, err := c.U8()
	return int8(b), err
}

func (c *Cursor) Bool() (bool, error) {
	b, err := c.U8()
	return b != 0, err
}

func (c *Cursor) U16() (uint16, error) {
	b, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return c.order.Uint16(b), nil
}

func (c *Cursor) U32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return c.order.Uint32(b), nil
}

func (c *Cursor) U64() (uint64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return c.order.Uint64(b), nil
}

func (c *Cursor) I16() (int16, error) {
	v, err := c.U16()
	return int16(v), err
}

func (c *Cursor) I32() (int32, error) {
	v, err := c.U32()
	return int32(v), err
}

func (c *Cursor) I64() (int64, error) {
	v, err := c.U64()
	return int64(v), err
}

func (c *Cursor) F32() (float32, error) {
	v, err := c.U32()
	return math.Float32frombits(v), err
}

func (c *Cursor) F64() (float64, error) {
	v, err := c.U64()
	return math.Float64frombits(v), err
}

// Bytes returns the next n bytes. The slice aliases the mapped data when the
// range lies within one splice; otherwise it aliases a scratch buffer owned
// by the cursor. In both cases callers must copy what they keep.
func (c *Cursor) Bytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, jfrerr.Truncated(c.pos, int64(n))
	}
	return c.take(n)
}

// Read fills dst from the current position.
func (c *Cursor) Read(dst []byte) error {
	n := len(dst)
	if c.limit-c.pos < int64(n) {
		return jfrerr.Truncated(c.pos, int64(n))
	}
	c.buf.copyAt(dst, c.base+c.pos)
	c.pos += int64(n)
	return nil
}

// Varint reads a JFR compressed integer. See AppendVarint for the layout.
func (c *Cursor) Varint() (uint64, error) {
	abs := c.base + c.pos
	if c.buf.flat != nil && c.limit-c.pos >= MaxVarintLen {
		v, n := decodeVarint(c.buf.flat[abs : abs+MaxVarintLen])
		c.pos += int64(n)
		return v, nil
	}
	if c.buf.flat == nil && c.limit-c.pos >= MaxVarintLen {
		seg := c.buf.segs[abs/c.buf.segSize]
		if off := abs % c.buf.segSize; off+MaxVarintLen <= int64(len(seg)) {
			v, n := decodeVarint(seg[off : off+MaxVarintLen])
			c.pos += int64(n)
			return v, nil
		}
	}
	return c.varintSlow()
}

func (c *Cursor) varintSlow() (uint64, error) {
	start := c.pos
	var v uint64
	for i := 0; i < MaxVarintLen-1; i++ {
		b, err := c.U8()
		if err != nil {
			c.pos = start
			return 0, jfrerr.Truncated(start, int64(i+1))
		}
		v |= uint64(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return v, nil
		}
	}
	b, err := c.U8()
	if err != nil {
		c.pos = start
		return 0, jfrerr.Truncated(start, MaxVarintLen)
	}
	return v | uint64(b)<<56, nil
}

// VarintInt reads a varint that must fit a non-negative int.
func (c *Cursor) VarintInt() (int, error) {
	start := c.pos
	v, err := c.Varint()
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt32 {
		return 0, jfrerr.Formatf(start, "length %d out of bounds", v)
	}
	return int(v), nil
}
