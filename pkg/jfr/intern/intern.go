// Package intern decodes JFR string values. Repeated identical runs of bytes
// or chars, which are common for constant pool strings, reuse the previously
// built string instead of allocating a new one.
package intern

import (
	"unicode/utf16"
	"unicode/utf8"
)

// Interner is a single-slot cache per encoding. It is not safe for concurrent
// use.
type Interner struct {
	raw    []byte
	rawEnc byte
	rawStr string
	rawSet bool

	units    []uint16
	unitsStr string
	unitsSet bool

	hits   uint64
	misses uint64
}

// Bytes returns the string for b in the given encoding (TagUTF8 or
// TagLatin1). b is not retained.
func (in *Interner) Bytes(b []byte, enc byte) string {
	if len(b) == 0 {
		return ""
	}
	if in.rawSet && in.rawEnc == enc && string(b) == string(in.raw) {
		in.hits++
		return in.rawStr
	}
	in.misses++
	in.raw = append(in.raw[:0], b...)
	in.rawEnc = enc
	in.rawSet = true
	if enc == TagLatin1 {
		in.rawStr = latin1(b)
	} else {
		in.rawStr = string(b)
	}
	return in.rawStr
}

// Chars returns the string for a run of UTF-16 code units. Surrogate pairs
// are combined; unpaired surrogates become U+FFFD.
func (in *Interner) Chars(u []uint16) string {
	if len(u) == 0 {
		return ""
	}
	if in.unitsSet && equalUnits(u, in.units) {
		in.hits++
		return in.unitsStr
	}
	in.misses++
	in.units = append(in.units[:0], u...)
	in.unitsSet = true
	in.unitsStr = string(utf16.Decode(u))
	return in.unitsStr
}

// Stats returns how many lookups were served from the cache and how many
// built a new string.
func (in *Interner) Stats() (hits, misses uint64) { return in.hits, in.misses }

func equalUnits(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func latin1(b []byte) string {
	ascii := true
	for _, c := range b {
		if c >= utf8.RuneSelf {
			ascii = false
			break
		}
	}
	if ascii {
		return string(b)
	}
	out := make([]byte, 0, len(b)*2)
	for _, c := range b {
		out = utf8.AppendRune(out, rune(c))
	}
	return string(out)
}
