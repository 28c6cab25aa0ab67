package bytecursor

// MaxVarintLen is the maximum encoded length of a JFR compressed integer.
const MaxVarintLen = 9

// AppendVarint appends the JFR encoding of v to dst. The first eight bytes
// carry 7 bits each, least significant group first, with the high bit
// signalling continuation. If all eight are used, a ninth byte carries the
// remaining 8 bits verbatim. This is not the encoding/binary uvarint format.
func AppendVarint(dst []byte, v uint64) []byte {
	for i := 0; i < MaxVarintLen-1; i++ {
		if v < 0x80 {
			return append(dst, byte(v))
		}
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// VarintLen returns the number of bytes AppendVarint uses for v.
func VarintLen(v uint64) int {
	for n := 1; n < MaxVarintLen; n++ {
		if v < 1<<(7*n) {
			return n
		}
	}
	return MaxVarintLen
}

// decodeVarint decodes from b, which must hold at least MaxVarintLen bytes.
func decodeVarint(b []byte) (uint64, int) {
	var v uint64
	for i := 0; i < MaxVarintLen-1; i++ {
		x := b[i]
		v |= uint64(x&0x7f) << (7 * i)
		if x&0x80 == 0 {
			return v, i + 1
		}
	}
	return v | uint64(b[MaxVarintLen-1])<<56, MaxVarintLen
}
