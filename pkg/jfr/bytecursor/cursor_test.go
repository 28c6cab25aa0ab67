package bytecursor

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/jfrstream/pkg/jfr/jfrerr"
)

func Test_VarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 126, 127, 128, 255, 16383, 16384, 2097151, 2097152}
	for n := 1; n <= 9; n++ {
		if 7*n < 64 {
			values = append(values, 1<<(7*n)-1, 1<<(7*n))
		}
	}
	values = append(values, 1<<56-1, 1<<56, 1<<63, math.MaxUint64, math.MaxUint64-1)

	for _, v := range values {
		buf := AppendVarint(nil, v)
		assert.Equal(t, VarintLen(v), len(buf), "length of %d", v)
		assert.LessOrEqual(t, len(buf), MaxVarintLen)

		c := FromBytes(buf).Cursor()
		got, err := c.Varint()
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, int64(len(buf)), c.Position())
	}
}

func Test_VarintNinthByteIsRaw(t *testing.T) {
	buf := []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0xff}
	v, err := FromBytes(buf).Cursor().Varint()
	require.NoError(t, err)
	assert.Equal(t, uint64(0xff)<<56, v)
	assert.Equal(t, buf, AppendVarint(nil, v))
}

func Test_VarintAcrossSplices(t *testing.T) {
	var data []byte
	values := []uint64{1, 300, 1 << 40, math.MaxUint64, 5, 1 << 20}
	for _, v := range values {
		data = AppendVarint(data, v)
	}
	for _, seg := range []int{1, 2, 3, 5, 7} {
		b, err := Segmented(data, seg)
		require.NoError(t, err)
		c := b.Cursor()
		for _, v := range values {
			got, err := c.Varint()
			require.NoError(t, err)
			assert.Equal(t, v, got, "segment size %d", seg)
		}
		assert.Zero(t, c.Remaining())
	}
}

func Test_VarintTruncated(t *testing.T) {
	c := FromBytes([]byte{0x80, 0x80}).Cursor()
	_, err := c.Varint()
	require.Error(t, err)
	assert.True(t, jfrerr.IsTruncated(err))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Zero(t, c.Position())
}

const (
	testFileSize  = 2048
	testSliceSize = 71
)

func testData() []byte {
	data := make([]byte, testFileSize)
	data[0] = 1
	binary.BigEndian.PutUint16(data[1:], 2)
	binary.BigEndian.PutUint32(data[3:], 3)
	binary.BigEndian.PutUint32(data[7:], math.Float32bits(4.1))
	binary.BigEndian.PutUint64(data[11:], math.Float64bits(5.2))
	binary.BigEndian.PutUint64(data[19:], 6)
	copy(data[27:], []byte{10, 20, 30})

	binary.BigEndian.PutUint16(data[testSliceSize-1:], 1)
	binary.BigEndian.PutUint32(data[testSliceSize*2-2:], 2)
	binary.BigEndian.PutUint32(data[testSliceSize*3-3:], math.Float32bits(3.1))
	binary.BigEndian.PutUint64(data[testSliceSize*4-1:], math.Float64bits(4.2))
	binary.BigEndian.PutUint64(data[testSliceSize*5-1:], 5)
	for i := 0; i < 2*testSliceSize+17; i++ {
		data[testSliceSize*6+i] = 8
	}
	return data
}

func spliced(t *testing.T) *Cursor {
	t.Helper()
	b, err := Segmented(testData(), testSliceSize)
	require.NoError(t, err)
	require.Greater(t, b.Splices(), 1)
	return b.Cursor()
}

func Test_Position(t *testing.T) {
	c := spliced(t)
	assert.Zero(t, c.Position())
	require.NoError(t, c.Seek(testSliceSize+1))
	assert.Equal(t, int64(testSliceSize+1), c.Position())
	assert.Equal(t, int64(testFileSize-testSliceSize-1), c.Remaining())

	err := c.Seek(testFileSize + 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, jfrerr.ErrOutOfRange)
	assert.Equal(t, int64(testSliceSize+1), c.Position())
}

func Test_ReadSimple(t *testing.T) {
	for name, c := range map[string]*Cursor{
		"flat":    FromBytes(testData()).Cursor(),
		"spliced": spliced(t),
	} {
		t.Run(name, func(t *testing.T) {
			b, err := c.U8()
			require.NoError(t, err)
			assert.Equal(t, uint8(1), b)
			s, err := c.U16()
			require.NoError(t, err)
			assert.Equal(t, uint16(2), s)
			i, err := c.I32()
			require.NoError(t, err)
			assert.Equal(t, int32(3), i)
			f, err := c.F32()
			require.NoError(t, err)
			assert.Equal(t, float32(4.1), f)
			d, err := c.F64()
			require.NoError(t, err)
			assert.Equal(t, 5.2, d)
			l, err := c.I64()
			require.NoError(t, err)
			assert.Equal(t, int64(6), l)
			raw, err := c.Bytes(3)
			require.NoError(t, err)
			assert.Equal(t, []byte{10, 20, 30}, raw)
		})
	}
}

func Test_ReadAcrossSplices(t *testing.T) {
	c := spliced(t)

	require.NoError(t, c.Seek(testSliceSize-1))
	s, err := c.U16()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), s)

	require.NoError(t, c.Seek(testSliceSize*2-2))
	i, err := c.U32()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), i)

	require.NoError(t, c.Seek(testSliceSize*3-3))
	f, err := c.F32()
	require.NoError(t, err)
	assert.Equal(t, float32(3.1), f)

	require.NoError(t, c.Seek(testSliceSize*4-1))
	d, err := c.F64()
	require.NoError(t, err)
	assert.Equal(t, 4.2, d)

	require.NoError(t, c.Seek(testSliceSize*5-1))
	l, err := c.U64()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), l)

	expected := make([]byte, 2*testSliceSize+17)
	for i := range expected {
		expected[i] = 8
	}
	require.NoError(t, c.Seek(testSliceSize*6))
	got := make([]byte, len(expected))
	require.NoError(t, c.Read(got))
	assert.Equal(t, expected, got)

	require.NoError(t, c.Seek(testSliceSize*6))
	raw, err := c.Bytes(len(expected))
	require.NoError(t, err)
	assert.Equal(t, expected, raw)
}

func Test_ThreeSegmentsMatchUnsplit(t *testing.T) {
	data := make([]byte, 30)
	for i := range data {
		data[i] = byte(i * 7)
	}
	flat := FromBytes(data).Cursor()
	b, err := Segmented(data, 10)
	require.NoError(t, err)
	require.Equal(t, 3, b.Splices())
	split := b.Cursor()

	for _, pos := range []int64{7, 8, 9, 17, 18, 19} {
		require.NoError(t, flat.Seek(pos))
		require.NoError(t, split.Seek(pos))
		want, err := flat.U32()
		require.NoError(t, err)
		got, err := split.U32()
		require.NoError(t, err)
		assert.Equal(t, want, got, "position %d", pos)
	}
}

func Test_Slice(t *testing.T) {
	c := spliced(t)
	s1, err := c.Slice(0, testFileSize)
	require.NoError(t, err)
	require.NoError(t, s1.Seek(5))
	assert.Zero(t, c.Position())

	s2, err := c.Slice(testSliceSize+3, 2*testSliceSize)
	require.NoError(t, err)
	assert.Zero(t, s2.Position())
	assert.Equal(t, int64(2*testSliceSize), s2.Remaining())

	_, err = c.Slice(3*testSliceSize, testFileSize)
	assert.ErrorIs(t, err, jfrerr.ErrOutOfRange)
}

func Test_SubSlice(t *testing.T) {
	c := spliced(t)
	s1, err := c.Slice(testSliceSize-1, 2*testSliceSize)
	require.NoError(t, err)
	v, err := s1.U16()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), v)

	s2, err := s1.Slice(testSliceSize-1, testSliceSize)
	require.NoError(t, err)
	i, err := s2.U32()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), i)
	assert.Equal(t, int64(testSliceSize*2-2+4), s2.Offset())
}

func Test_MarkReset(t *testing.T) {
	c := spliced(t)
	c.Reset()
	assert.Zero(t, c.Position())

	require.NoError(t, c.Seek(testSliceSize-1))
	c.Mark()
	_, err := c.U64()
	require.NoError(t, err)
	c.Reset()
	assert.Equal(t, int64(testSliceSize-1), c.Position())
	v, err := c.U16()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), v)
}

func Test_TruncatedRead(t *testing.T) {
	c := FromBytes([]byte{1, 2, 3}).Cursor()
	require.NoError(t, c.Seek(1))
	_, err := c.U32()
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, int64(1), c.Position())

	var te *jfrerr.TruncatedError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, int64(4), te.Need)
}

func Test_OpenMapped(t *testing.T) {
	page := os.Getpagesize()
	data := make([]byte, 3*page)
	for i := range data {
		data[i] = byte(i)
	}
	binary.BigEndian.PutUint32(data[page-2:], 0xcafebabe)
	binary.BigEndian.PutUint32(data[2*page-1:], 0xdeadbeef)

	path := filepath.Join(t.TempDir(), "rec.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	b, err := Open(path, int64(page))
	require.NoError(t, err)
	defer func() { require.NoError(t, b.Close()) }()

	assert.Equal(t, int64(len(data)), b.Len())
	c := b.Cursor()
	require.NoError(t, c.Seek(int64(page-2)))
	v, err := c.U32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xcafebabe), v)

	require.NoError(t, c.Seek(int64(2*page-1)))
	v, err = c.U32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), v)

	require.NoError(t, c.Seek(0))
	all := make([]byte, len(data))
	require.NoError(t, c.Read(all))
	assert.Equal(t, data, all)
}
