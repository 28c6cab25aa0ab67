package metadata

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/jfrstream/pkg/jfr/bytecursor"
	"github.com/grafana/jfrstream/pkg/jfr/intern"
	"github.com/grafana/jfrstream/pkg/jfr/jfrerr"
	"github.com/grafana/jfrstream/pkg/jfr/jfrtest"
)

const (
	labelID      = 200
	threadID     = 10
	stackFrameID = 11
	sampleID     = 20
	nodeID       = 21
	durationID   = 22
)

func testChunk() *jfrtest.Chunk {
	return jfrtest.NewChunk().Primitives().
		Class(jfrtest.Class{ID: labelID, Name: AnnotationLabel, Fields: []jfrtest.Field{jfrtest.F("value", jfrtest.String)}}).
		Class(jfrtest.Class{
			ID:   sampleID,
			Name: "jdk.ExecutionSample", SuperType: EventSuperType,
			Annotations: []jfrtest.Annotation{{ClassID: labelID, Value: "Method Profiling Sample"}},
			Settings:    []jfrtest.Setting{{Name: "period", ClassID: jfrtest.Long, DefaultValue: "20 ms"}},
			Fields: []jfrtest.Field{
				jfrtest.F("startTime", jfrtest.Long),
				jfrtest.PoolF("sampledThread", threadID),
				jfrtest.ArrayF("frames", stackFrameID),
				jfrtest.F("elapsed", durationID),
			},
		}).
		// Referenced by the sample before being defined.
		Class(jfrtest.Class{ID: threadID, Name: "java.lang.Thread", Fields: []jfrtest.Field{
			jfrtest.F("javaName", jfrtest.String),
			jfrtest.F("osThreadId", jfrtest.Long),
		}}).
		Class(jfrtest.Class{ID: stackFrameID, Name: "jdk.types.StackFrame", Fields: []jfrtest.Field{
			jfrtest.F("lineNumber", jfrtest.Int),
			jfrtest.F("type", jfrtest.String),
		}}).
		Class(jfrtest.Class{ID: nodeID, Name: "test.Node", Fields: []jfrtest.Field{
			jfrtest.F("value", jfrtest.Int),
			jfrtest.ArrayF("children", nodeID),
		}}).
		Class(jfrtest.Class{ID: durationID, Name: "test.Duration", SimpleType: true, Fields: []jfrtest.Field{
			jfrtest.F("nanos", jfrtest.Long),
		}})
}

func parseChunk(t *testing.T, data []byte) (*Metadata, error) {
	t.Helper()
	off := int64(binary.BigEndian.Uint64(data[24:32]))
	c := bytecursor.FromBytes(data).Cursor()
	require.NoError(t, c.Seek(off))
	return Parse(c, intern.NewReader())
}

func Test_Parse(t *testing.T) {
	md, err := parseChunk(t, testChunk().Bytes())
	require.NoError(t, err)

	sample, ok := md.ClassByName("jdk.ExecutionSample")
	require.True(t, ok)
	assert.Equal(t, int64(sampleID), sample.ID)
	assert.True(t, sample.IsEvent())
	assert.Equal(t, "Method Profiling Sample", sample.Label())
	require.Len(t, sample.Settings, 1)
	assert.Equal(t, "period", sample.Settings[0].Name)
	assert.Equal(t, "20 ms", sample.Settings[0].DefaultValue)
	require.Len(t, sample.Fields, 4)

	thread, ok := sample.Field("sampledThread")
	require.True(t, ok)
	assert.True(t, thread.ConstantPool)
	tc, ok := md.FieldType(thread)
	require.True(t, ok)
	assert.Equal(t, "java.lang.Thread", tc.Name)

	frames, ok := sample.Field("frames")
	require.True(t, ok)
	assert.True(t, frames.IsArray())
	assert.False(t, frames.ConstantPool)

	elapsed, _ := sample.Field("elapsed")
	et, ok := md.FieldType(elapsed)
	require.True(t, ok)
	assert.True(t, et.SimpleType)
	assert.Equal(t, "long", md.Unwrap(et).Name)

	assert.Equal(t, "en_US", md.Region.Locale)

	events := md.EventTypes()
	require.Len(t, events, 1)
	assert.Equal(t, sample, events[0])

	classes := md.Classes()
	for i := 1; i < len(classes); i++ {
		assert.Less(t, classes[i-1].ID, classes[i].ID)
	}
}

func Test_ParseSelfReference(t *testing.T) {
	md, err := parseChunk(t, testChunk().Bytes())
	require.NoError(t, err)
	node, ok := md.Class(nodeID)
	require.True(t, ok)
	children, _ := node.Field("children")
	ct, ok := md.FieldType(children)
	require.True(t, ok)
	assert.Same(t, node, ct)
}

func Test_ParseDanglingClass(t *testing.T) {
	data := jfrtest.NewChunk().Primitives().
		Class(jfrtest.Class{ID: 5, Name: "test.Broken", Fields: []jfrtest.Field{jfrtest.F("x", 999)}}).
		Bytes()
	_, err := parseChunk(t, data)
	require.Error(t, err)
	assert.True(t, jfrerr.IsFormat(err))
}

func Test_ParseMalformed(t *testing.T) {
	enc := func(vs ...uint64) []byte {
		var b []byte
		for _, v := range vs {
			b = bytecursor.AppendVarint(b, v)
		}
		return b
	}
	for _, tc := range []struct {
		name    string
		strs    []string
		tree    []byte
		wantErr func(error) bool
	}{
		{
			name:    "unknown element",
			strs:    []string{"bogus"},
			tree:    enc(0, 0, 0),
			wantErr: jfrerr.IsFormat,
		},
		{
			name:    "string index out of range",
			strs:    []string{"root"},
			tree:    enc(7, 0, 0),
			wantErr: jfrerr.IsFormat,
		},
		{
			name:    "tree not rooted",
			strs:    []string{"metadata"},
			tree:    enc(0, 0, 0),
			wantErr: jfrerr.IsFormat,
		},
		{
			name:    "field under root",
			strs:    []string{"root", "field"},
			tree:    enc(0, 0, 1, 1, 0, 0),
			wantErr: jfrerr.IsFormat,
		},
		{
			name:    "truncated",
			strs:    []string{"root"},
			tree:    enc(0, 0, 3),
			wantErr: jfrerr.IsTruncated,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := bytecursor.FromBytes(jfrtest.RawMetadata(tc.strs, tc.tree)).Cursor()
			_, err := Parse(c, intern.NewReader())
			require.Error(t, err)
			assert.True(t, tc.wantErr(err), "unexpected error %v", err)
		})
	}
}

func Test_ParseWrongType(t *testing.T) {
	c := bytecursor.FromBytes([]byte{3, 1, 0}).Cursor()
	_, err := Parse(c, intern.NewReader())
	assert.True(t, jfrerr.IsFormat(err))
}

func Test_SignatureStableAcrossChunks(t *testing.T) {
	a, err := parseChunk(t, testChunk().Bytes())
	require.NoError(t, err)

	// Same layouts under different wire ids.
	renumbered := jfrtest.NewChunk().Primitives().
		Class(jfrtest.Class{ID: 50, Name: "java.lang.Thread", Fields: []jfrtest.Field{
			jfrtest.F("javaName", jfrtest.String),
			jfrtest.F("osThreadId", jfrtest.Long),
		}}).
		Class(jfrtest.Class{ID: 51, Name: "test.Node", Fields: []jfrtest.Field{
			jfrtest.F("value", jfrtest.Int),
			jfrtest.ArrayF("children", 51),
		}})
	b, err := parseChunk(t, renumbered.Bytes())
	require.NoError(t, err)

	for _, name := range []string{"java.lang.Thread", "test.Node"} {
		ca, _ := a.ClassByName(name)
		cb, _ := b.ClassByName(name)
		assert.NotEqual(t, ca.ID, cb.ID)
		assert.Equal(t, a.Signature(ca), b.Signature(cb), name)
	}
}

func Test_SignatureDistinguishesLayouts(t *testing.T) {
	mk := func(fields ...jfrtest.Field) uint64 {
		md, err := parseChunk(t, jfrtest.NewChunk().Primitives().
			Class(jfrtest.Class{ID: 5, Name: "test.T", Fields: fields}).Bytes())
		require.NoError(t, err)
		c, _ := md.Class(5)
		return md.Signature(c)
	}
	base := mk(jfrtest.F("a", jfrtest.Int))
	assert.Equal(t, base, mk(jfrtest.F("a", jfrtest.Int)))
	assert.NotEqual(t, base, mk(jfrtest.F("a", jfrtest.Long)))
	assert.NotEqual(t, base, mk(jfrtest.F("b", jfrtest.Int)))
	assert.NotEqual(t, base, mk(jfrtest.ArrayF("a", jfrtest.Int)))
	assert.NotEqual(t, base, mk(jfrtest.PoolF("a", jfrtest.Int)))
	assert.NotEqual(t, base, mk(jfrtest.F("a", jfrtest.Int), jfrtest.F("b", jfrtest.Int)))
}

func Test_SignatureMutualRecursion(t *testing.T) {
	mk := func(xType int64) (*Metadata, *Class, *Class) {
		md, err := parseChunk(t, jfrtest.NewChunk().Primitives().
			Class(jfrtest.Class{ID: 5, Name: "test.A", Fields: []jfrtest.Field{jfrtest.ArrayF("b", 6), jfrtest.F("x", xType)}}).
			Class(jfrtest.Class{ID: 6, Name: "test.B", Fields: []jfrtest.Field{jfrtest.ArrayF("a", 5)}}).
			Bytes())
		require.NoError(t, err)
		a, _ := md.Class(5)
		b, _ := md.Class(6)
		return md, a, b
	}
	md1, a1, b1 := mk(jfrtest.Int)
	md2, a2, b2 := mk(jfrtest.Long)

	// Entering through A first must not pin a signature for B that hides
	// the layout of A.
	assert.NotEqual(t, md1.Signature(a1), md2.Signature(a2))
	assert.NotEqual(t, md1.Signature(b1), md2.Signature(b2))
}

func Test_DecodeSignatureCoversPooledLayouts(t *testing.T) {
	mk := func(threadField string) (*Metadata, *Class) {
		md, err := parseChunk(t, jfrtest.NewChunk().Primitives().
			Class(jfrtest.Class{ID: 10, Name: "java.lang.Thread", Fields: []jfrtest.Field{
				jfrtest.F(threadField, jfrtest.String),
				jfrtest.PoolF("group", 11),
			}}).
			Class(jfrtest.Class{ID: 11, Name: "java.lang.ThreadGroup", Fields: []jfrtest.Field{
				jfrtest.F("name", jfrtest.String),
				jfrtest.PoolF("parent", 11),
			}}).
			Class(jfrtest.Class{ID: 20, Name: "test.Sample", Fields: []jfrtest.Field{
				jfrtest.F("startTime", jfrtest.Long),
				jfrtest.PoolF("sampledThread", 10),
			}}).
			Bytes())
		require.NoError(t, err)
		c, _ := md.Class(20)
		return md, c
	}
	md1, s1 := mk("javaName")
	md2, s2 := mk("osName")
	md3, s3 := mk("javaName")

	assert.Equal(t, md1.Signature(s1), md2.Signature(s2))
	assert.NotEqual(t, md1.DecodeSignature(s1), md2.DecodeSignature(s2))
	assert.Equal(t, md1.DecodeSignature(s1), md3.DecodeSignature(s3))
	assert.NotEqual(t, md1.Signature(s1), md1.DecodeSignature(s1))
}

func Test_UnwrapPrimitive(t *testing.T) {
	md, err := parseChunk(t, jfrtest.NewChunk().Primitives().
		Class(jfrtest.Class{ID: 11, Name: "test.Point", Fields: []jfrtest.Field{jfrtest.F("x", jfrtest.Int)}}).
		Class(jfrtest.Class{ID: 12, Name: "test.Location", SimpleType: true, Fields: []jfrtest.Field{jfrtest.F("point", 11)}}).
		Class(jfrtest.Class{ID: 13, Name: "test.Percent", SimpleType: true, Fields: []jfrtest.Field{jfrtest.F("value", jfrtest.Float)}}).
		Bytes())
	require.NoError(t, err)

	loc, _ := md.Class(12)
	pct, _ := md.Class(13)
	assert.Equal(t, "test.Point", md.Unwrap(loc).Name)
	assert.Equal(t, "test.Location", md.UnwrapPrimitive(loc).Name)
	assert.Equal(t, "float", md.UnwrapPrimitive(pct).Name)
}
