package metadata

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Signature returns a structural hash of c: its name, simple-type flag and,
// for every field, the name, dimension, constant pool flag and the layout of
// the field type. Inline field types contribute their own signature; pooled
// and primitive types contribute only their name since the layout of a pool
// entry does not affect how a reference is encoded.
//
// Classes with equal layouts hash equally across chunks even when their wire
// ids differ.
func (m *Metadata) Signature(c *Class) uint64 {
	return m.signature(c, shallow)
}

// DecodeSignature is like Signature but pooled field types contribute their
// full layout too. Two classes with equal decode signatures materialize the
// same way, including the pool entries their fields resolve to.
func (m *Metadata) DecodeSignature(c *Class) uint64 {
	return m.signature(c, deep)
}

type signatureMode int

const (
	shallow signatureMode = iota
	deep
)

func (m *Metadata) signature(c *Class, mode signatureMode) uint64 {
	if c.sigSet[mode] {
		return c.sig[mode]
	}
	s := signer{md: m, mode: mode, onStack: make(map[int]int)}
	h, _ := s.sign(c, 0)
	return h
}

type signer struct {
	md      *Metadata
	mode    signatureMode
	onStack map[int]int
}

const noBackRef = int(^uint(0) >> 1)

// sign returns the hash of c and the smallest stack depth referenced by a
// recursive back-reference found below c. Signatures depending on a class
// further up the stack are not cached, as they would differ when computed
// from another entry point.
func (s *signer) sign(c *Class, depth int) (uint64, int) {
	if c.sigSet[s.mode] {
		return c.sig[s.mode], noBackRef
	}
	s.onStack[c.Index] = depth
	defer delete(s.onStack, c.Index)

	d := xxhash.New()
	writeString(d, c.Name)
	if c.SimpleType {
		_, _ = d.Write([]byte{1})
	} else {
		_, _ = d.Write([]byte{0})
	}
	minRef := noBackRef
	var num [8]byte
	for i := range c.Fields {
		f := &c.Fields[i]
		writeString(d, f.Name)
		flags := byte(f.Dimension) << 1
		if f.ConstantPool {
			flags |= 1
		}
		_, _ = d.Write([]byte{flags})

		ft, ok := s.md.FieldType(f)
		switch {
		case !ok:
			binary.LittleEndian.PutUint64(num[:], uint64(f.ClassID))
			_, _ = d.Write([]byte{'?'})
			_, _ = d.Write(num[:])
		case ft.IsPrimitive() || f.ConstantPool && s.mode == shallow:
			_, _ = d.Write([]byte{'n'})
			writeString(d, ft.Name)
		default:
			if at, recursive := s.onStack[ft.Index]; recursive {
				_, _ = d.Write([]byte{'r'})
				writeString(d, ft.Name)
				minRef = min(minRef, at)
				continue
			}
			h, ref := s.sign(ft, depth+1)
			minRef = min(minRef, ref)
			_, _ = d.Write([]byte{'s'})
			binary.LittleEndian.PutUint64(num[:], h)
			_, _ = d.Write(num[:])
		}
	}
	h := d.Sum64()
	if minRef >= depth {
		c.sig[s.mode], c.sigSet[s.mode] = h, true
		minRef = noBackRef
	}
	return h, minRef
}

func writeString(d *xxhash.Digest, s string) {
	_, _ = d.WriteString(s)
	_, _ = d.Write([]byte{0})
}
