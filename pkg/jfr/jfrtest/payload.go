// Package jfrtest writes small but bit-exact JFR recordings for tests.
package jfrtest

import (
	"encoding/binary"
	"math"

	"github.com/grafana/jfrstream/pkg/jfr/bytecursor"
	"github.com/grafana/jfrstream/pkg/jfr/intern"
)

// Payload accumulates the wire encoding of field values.
type Payload struct {
	b []byte
}

func P() *Payload { return &Payload{} }

func (p *Payload) Bytes() []byte { return p.b }

func (p *Payload) Varint(v uint64) *Payload {
	p.b = bytecursor.AppendVarint(p.b, v)
	return p
}

func (p *Payload) Long(v int64) *Payload { return p.Varint(uint64(v)) }

// Int encodes v zero-extended from 32 bits, as JFR writers do.
func (p *Payload) Int(v int32) *Payload { return p.Varint(uint64(uint32(v))) }

func (p *Payload) Short(v int16) *Payload { return p.Varint(uint64(uint16(v))) }

func (p *Payload) Char(v uint16) *Payload { return p.Varint(uint64(v)) }

func (p *Payload) Byte(v byte) *Payload {
	p.b = append(p.b, v)
	return p
}

func (p *Payload) Bool(v bool) *Payload {
	if v {
		return p.Byte(1)
	}
	return p.Byte(0)
}

func (p *Payload) Float(v float32) *Payload {
	p.b = binary.BigEndian.AppendUint32(p.b, math.Float32bits(v))
	return p
}

func (p *Payload) Double(v float64) *Payload {
	p.b = binary.BigEndian.AppendUint64(p.b, math.Float64bits(v))
	return p
}

// String encodes s with the UTF-8 tag, or the empty tag for "".
func (p *Payload) String(s string) *Payload {
	p.b = intern.AppendString(p.b, s, false)
	return p
}

func (p *Payload) Null() *Payload {
	p.b = append(p.b, intern.TagNull)
	return p
}

// Latin1 encodes s, which must only contain code points below 256.
func (p *Payload) Latin1(s string) *Payload {
	var raw []byte
	for _, r := range s {
		raw = append(raw, byte(r))
	}
	p.b = append(p.b, intern.TagLatin1)
	p.b = bytecursor.AppendVarint(p.b, uint64(len(raw)))
	p.b = append(p.b, raw...)
	return p
}

// Ref encodes a constant pool reference.
func (p *Payload) Ref(id int64) *Payload { return p.Long(id) }

// Array writes the element count; elements are appended by the caller.
func (p *Payload) Array(n int) *Payload { return p.Varint(uint64(n)) }

func (p *Payload) Raw(b []byte) *Payload {
	p.b = append(p.b, b...)
	return p
}

// event frames body as a size-prefixed event of the given type.
func event(typeID int64, body []byte) []byte {
	inner := bytecursor.AppendVarint(nil, uint64(typeID))
	inner = append(inner, body...)
	size := sizeFor(len(inner))
	out := bytecursor.AppendVarint(make([]byte, 0, size), uint64(size))
	return append(out, inner...)
}

// sizeFor returns the total event size for a body of n bytes, the size
// field included.
func sizeFor(n int) int {
	for k := 1; k < bytecursor.MaxVarintLen; k++ {
		if bytecursor.VarintLen(uint64(n+k)) == k {
			return n + k
		}
	}
	return n + bytecursor.MaxVarintLen
}
