package intern

import (
	"github.com/grafana/jfrstream/pkg/jfr/bytecursor"
	"github.com/grafana/jfrstream/pkg/jfr/jfrerr"
)

// String encoding tags.
const (
	TagNull   byte = 0
	TagEmpty  byte = 1
	TagConst  byte = 2
	TagUTF8   byte = 3
	TagChars  byte = 4
	TagLatin1 byte = 5
)

// Reader reads tagged strings from a cursor.
type Reader struct {
	Interner
	units []uint16
}

func NewReader() *Reader {
	return &Reader{}
}

// ReadString reads one tagged string. ok is false for the null tag, which is
// distinct from the empty string. Tag 2 values index table.
func (r *Reader) ReadString(c *bytecursor.Cursor, table []string) (s string, ok bool, err error) {
	start := c.Position()
	tag, err := c.U8()
	if err != nil {
		return "", false, err
	}
	switch tag {
	case TagNull:
		return "", false, nil
	case TagEmpty:
		return "", true, nil
	case TagConst:
		idx, err := c.Varint()
		if err != nil {
			return "", false, err
		}
		if idx >= uint64(len(table)) {
			return "", false, jfrerr.Formatf(c.Offset(), "string table index %d out of bounds (%d entries)", idx, len(table))
		}
		return table[idx], true, nil
	case TagUTF8, TagLatin1:
		n, err := c.VarintInt()
		if err != nil {
			return "", false, err
		}
		b, err := c.Bytes(n)
		if err != nil {
			return "", false, err
		}
		return r.Bytes(b, tag), true, nil
	case TagChars:
		n, err := c.VarintInt()
		if err != nil {
			return "", false, err
		}
		if int64(n) > c.Remaining() {
			return "", false, jfrerr.Truncated(c.Position(), int64(n))
		}
		r.units = r.units[:0]
		for i := 0; i < n; i++ {
			u, err := c.Varint()
			if err != nil {
				return "", false, err
			}
			r.units = append(r.units, uint16(u))
		}
		return r.Chars(r.units), true, nil
	default:
		return "", false, jfrerr.Formatf(start, "unknown string encoding %d", tag)
	}
}

// SkipString advances past one tagged string without building it.
func SkipString(c *bytecursor.Cursor) error {
	start := c.Position()
	tag, err := c.U8()
	if err != nil {
		return err
	}
	switch tag {
	case TagNull, TagEmpty:
		return nil
	case TagConst:
		_, err = c.Varint()
		return err
	case TagUTF8, TagLatin1:
		n, err := c.VarintInt()
		if err != nil {
			return err
		}
		return c.Skip(int64(n))
	case TagChars:
		n, err := c.VarintInt()
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if _, err := c.Varint(); err != nil {
				return err
			}
		}
		return nil
	default:
		return jfrerr.Formatf(start, "unknown string encoding %d", tag)
	}
}

// AppendString appends s encoded with the UTF-8 tag, or the null tag when
// null is set.
func AppendString(dst []byte, s string, null bool) []byte {
	switch {
	case null:
		return append(dst, TagNull)
	case s == "":
		return append(dst, TagEmpty)
	}
	dst = append(dst, TagUTF8)
	dst = bytecursor.AppendVarint(dst, uint64(len(s)))
	return append(dst, s...)
}
