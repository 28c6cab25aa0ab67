package plan

import (
	"encoding/binary"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/jfrstream/pkg/jfr/bytecursor"
	"github.com/grafana/jfrstream/pkg/jfr/intern"
	"github.com/grafana/jfrstream/pkg/jfr/jfrerr"
	"github.com/grafana/jfrstream/pkg/jfr/jfrtest"
	"github.com/grafana/jfrstream/pkg/jfr/metadata"
	"github.com/grafana/jfrstream/pkg/jfr/pool"
)

type ids struct {
	thread, frame, point, node, duration, sample int64
}

var (
	chunkIDs      = ids{thread: 10, frame: 11, point: 12, node: 13, duration: 14, sample: 20}
	renumberedIDs = ids{thread: 30, frame: 31, point: 32, node: 33, duration: 34, sample: 40}
)

func testChunk(id ids) *jfrtest.Chunk {
	return jfrtest.NewChunk().Primitives().
		Class(jfrtest.Class{ID: id.thread, Name: "java.lang.Thread", Fields: []jfrtest.Field{
			jfrtest.F("javaName", jfrtest.String),
			jfrtest.F("osThreadId", jfrtest.Long),
		}}).
		Class(jfrtest.Class{ID: id.frame, Name: "jdk.types.StackFrame", Fields: []jfrtest.Field{
			jfrtest.F("lineNumber", jfrtest.Int),
			jfrtest.F("method", jfrtest.String),
		}}).
		Class(jfrtest.Class{ID: id.point, Name: "test.Point", Fields: []jfrtest.Field{
			jfrtest.F("x", jfrtest.Int),
			jfrtest.F("y", jfrtest.Int),
		}}).
		Class(jfrtest.Class{ID: id.node, Name: "test.Node", Fields: []jfrtest.Field{
			jfrtest.F("value", jfrtest.Int),
			jfrtest.ArrayF("children", id.node),
		}}).
		Class(jfrtest.Class{ID: id.duration, Name: "test.Duration", SimpleType: true, Fields: []jfrtest.Field{
			jfrtest.F("nanos", jfrtest.Long),
		}}).
		Class(jfrtest.Class{ID: id.sample, Name: "test.Sample", SuperType: metadata.EventSuperType, Fields: []jfrtest.Field{
			jfrtest.F("startTime", jfrtest.Long),
			jfrtest.F("b", jfrtest.Byte),
			jfrtest.F("flag", jfrtest.Boolean),
			jfrtest.F("s", jfrtest.Short),
			jfrtest.F("ch", jfrtest.Char),
			jfrtest.F("i", jfrtest.Int),
			jfrtest.F("f", jfrtest.Float),
			jfrtest.F("d", jfrtest.Double),
			jfrtest.F("name", jfrtest.String),
			jfrtest.PoolF("sampledThread", id.thread),
			jfrtest.ArrayF("frames", id.frame),
			jfrtest.ArrayF("ids", jfrtest.Int),
			jfrtest.F("point", id.point),
			jfrtest.F("tree", id.node),
			jfrtest.F("duration", id.duration),
			{Name: "threads", ClassID: id.thread, Array: true, Pool: true},
			jfrtest.F("comment", jfrtest.String),
		}})
}

func threadPayload(name string, tid int64) []byte {
	return jfrtest.P().String(name).Long(tid).Bytes()
}

func samplePayload() []byte {
	p := jfrtest.P().
		Long(123456789).
		Byte(0xfe).
		Bool(true).
		Short(-2).
		Char('x').
		Int(-7).
		Float(1.5).
		Double(2.25).
		String("main-sample").
		Ref(1)
	p.Array(2).Int(10).String("run").Int(20).String("loop")
	p.Array(3).Int(1).Int(2).Int(3)
	p.Int(4).Int(5)
	// tree: 1 -> [2 -> [], 3 -> [4 -> []]]
	p.Int(1).Array(2).
		Int(2).Array(0).
		Int(3).Array(1).Int(4).Array(0)
	p.Long(1_000_000)
	p.Array(2).Ref(2).Ref(99)
	p.Null()
	return p.Bytes()
}

type fixture struct {
	md      *metadata.Metadata
	sample  *metadata.Class
	c       *bytecursor.Cursor
	start   int64
	end     int64
	pools   *pool.Store
	planner *Planner
}

func schema(t *testing.T, chunk *jfrtest.Chunk) *metadata.Metadata {
	t.Helper()
	data := chunk.Bytes()
	c := bytecursor.FromBytes(data).Cursor()
	require.NoError(t, c.Seek(int64(binary.BigEndian.Uint64(data[24:32]))))
	md, err := metadata.Parse(c, intern.NewReader())
	require.NoError(t, err)
	return md
}

func newFixture(t *testing.T, id ids, cache *Cache) *fixture {
	t.Helper()
	md := schema(t, testChunk(id))
	sample, ok := md.Class(id.sample)
	require.True(t, ok)

	var data []byte
	t1 := threadPayload("main", 1)
	t2 := threadPayload("worker", 2)
	data = append(data, t1...)
	data = append(data, t2...)
	start := int64(len(data))
	data = append(data, samplePayload()...)

	c := bytecursor.FromBytes(data).Cursor()
	pools := pool.NewStore(0)
	pools.BeginChunk(c)
	pools.RecordOffset(id.thread, 1, 0)
	pools.RecordOffset(id.thread, 2, int64(len(t1)))
	pools.SetReady()

	planner := NewPlanner(cache, pools, intern.NewReader())
	planner.BeginChunk(md)
	return &fixture{md: md, sample: sample, c: c, start: start, end: int64(len(data)), pools: pools, planner: planner}
}

type thread struct {
	JavaName   string
	OSThreadID int64 `jfr:"osThreadId"`
}

type frame struct {
	LineNumber int32
	Method     string
}

type node struct {
	Value    int32
	Children []node
}

type fullSample struct {
	StartTime     int64
	B             int8    `jfr:"b"`
	Flag          bool    `jfr:"flag"`
	S             int16   `jfr:"s"`
	Ch            uint16  `jfr:"ch"`
	I             int64   `jfr:"i"`
	F             float32 `jfr:"f"`
	D             float64 `jfr:"d"`
	Name          *string
	SampledThread *thread
	Frames        []frame
	IDs           []int32 `jfr:"ids"`
	Point         struct{ X, Y int32 }
	Tree          node
	Duration      int64
	Threads       []Ref   `jfr:"threads,ref"`
	Comment       *string `jfr:"comment"`
	Missing       string  `jfr:"missing,optional"`
	Ignored       string  `jfr:"-"`
}

type nothing struct{}

type startOnly struct {
	StartTime int64
}

func (f *fixture) decode(t *testing.T, shape *Shape) any {
	t.Helper()
	d, err := f.planner.DecodePlan(f.sample, shape)
	require.NoError(t, err)
	require.NoError(t, f.c.Seek(f.start))
	v, err := f.planner.Decode(f.sample, d, f.c)
	require.NoError(t, err)
	assert.Equal(t, f.end, f.c.Position(), "decode into %s", shape)
	return v
}

func Test_SkipDecodeEquivalence(t *testing.T) {
	f := newFixture(t, chunkIDs, nil)

	require.NoError(t, f.c.Seek(f.start))
	require.NoError(t, f.planner.Skip(f.sample, f.c))
	assert.Equal(t, f.end, f.c.Position())

	for _, typ := range []reflect.Type{
		reflect.TypeOf(nothing{}),
		reflect.TypeOf(startOnly{}),
		reflect.TypeOf(fullSample{}),
		reflect.TypeOf(Record{}),
	} {
		shape, err := Bind(typ)
		require.NoError(t, err)
		f.decode(t, shape)
	}
}

func Test_DecodeStruct(t *testing.T) {
	f := newFixture(t, chunkIDs, nil)
	shape, err := ShapeOf[fullSample]()
	require.NoError(t, err)
	s := f.decode(t, shape).(*fullSample)

	assert.Equal(t, int64(123456789), s.StartTime)
	assert.Equal(t, int8(-2), s.B)
	assert.True(t, s.Flag)
	assert.Equal(t, int16(-2), s.S)
	assert.Equal(t, uint16('x'), s.Ch)
	assert.Equal(t, int64(-7), s.I)
	assert.Equal(t, float32(1.5), s.F)
	assert.Equal(t, 2.25, s.D)
	require.NotNil(t, s.Name)
	assert.Equal(t, "main-sample", *s.Name)
	assert.Nil(t, s.Comment)
	require.NotNil(t, s.SampledThread)
	assert.Equal(t, thread{JavaName: "main", OSThreadID: 1}, *s.SampledThread)
	assert.Equal(t, []frame{{10, "run"}, {20, "loop"}}, s.Frames)
	assert.Equal(t, []int32{1, 2, 3}, s.IDs)
	assert.Equal(t, int32(4), s.Point.X)
	assert.Equal(t, int32(5), s.Point.Y)
	assert.Equal(t, node{Value: 1, Children: []node{
		{Value: 2, Children: []node{}},
		{Value: 3, Children: []node{{Value: 4, Children: []node{}}}},
	}}, s.Tree)
	assert.Equal(t, int64(1_000_000), s.Duration)
	assert.Empty(t, s.Missing)

	require.Len(t, s.Threads, 2)
	var th thread
	ok, err := f.planner.Resolve(s.Threads[0], &th)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "worker", th.JavaName)

	ok, err = f.planner.Resolve(s.Threads[1], &th)
	require.NoError(t, err)
	assert.False(t, ok)
}

func Test_DecodeRecord(t *testing.T) {
	f := newFixture(t, chunkIDs, nil)
	shape, err := Bind(reflect.TypeOf(Record{}))
	require.NoError(t, err)
	r := f.decode(t, shape).(Record)

	assert.Equal(t, int64(123456789), r["startTime"])
	assert.Equal(t, int8(-2), r["b"])
	assert.Equal(t, true, r["flag"])
	assert.Equal(t, int32(-7), r["i"])
	assert.Equal(t, "main-sample", r["name"])
	assert.Nil(t, r["comment"])
	assert.Contains(t, r, "comment")
	assert.Equal(t, int64(1_000_000), r["duration"])
	assert.Equal(t, Record{"javaName": "main", "osThreadId": int64(1)}, r["sampledThread"])
	assert.Equal(t, []any{int32(1), int32(2), int32(3)}, r["ids"])
	assert.Equal(t, []any{
		Record{"lineNumber": int32(10), "method": "run"},
		Record{"lineNumber": int32(20), "method": "loop"},
	}, r["frames"])
	assert.Equal(t, []any{Record{"javaName": "worker", "osThreadId": int64(2)}, nil}, r["threads"])
}

func Test_PooledValuesDecodedOnce(t *testing.T) {
	f := newFixture(t, chunkIDs, nil)
	shape, err := ShapeOf[fullSample]()
	require.NoError(t, err)
	a := f.decode(t, shape).(*fullSample)
	b := f.decode(t, shape).(*fullSample)
	assert.Same(t, a.SampledThread, b.SampledThread)
	assert.Equal(t, 1, f.pools.Stats().Decoded)
}

func Test_BindingErrors(t *testing.T) {
	type missing struct {
		Nope int64 `jfr:"nope"`
	}
	type incompatible struct {
		Name int64 `jfr:"name"`
	}
	type narrow struct {
		StartTime int32
	}
	type notSlice struct {
		IDs int32 `jfr:"ids"`
	}
	type refInline struct {
		Point Ref `jfr:"point"`
	}
	type badPooled struct {
		SampledThread struct {
			JavaName int32
		}
	}

	for _, tc := range []struct {
		name  string
		typ   reflect.Type
		field string
	}{
		{"missing field", reflect.TypeOf(missing{}), "nope"},
		{"string into int", reflect.TypeOf(incompatible{}), "name"},
		{"long into int32", reflect.TypeOf(narrow{}), "startTime"},
		{"array into scalar", reflect.TypeOf(notSlice{}), "ids"},
		{"ref to inline", reflect.TypeOf(refInline{}), "point"},
		{"pooled type mismatch", reflect.TypeOf(badPooled{}), "javaName"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, chunkIDs, nil)
			shape, err := Bind(tc.typ)
			require.NoError(t, err)

			_, err = f.planner.DecodePlan(f.sample, shape)
			require.Error(t, err)
			require.True(t, jfrerr.IsBinding(err), "%v", err)
			var be *jfrerr.BindingError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tc.field, be.Field)

			failed := f.planner.Stats().BindingErrors
			assert.Positive(t, failed)
			_, again := f.planner.DecodePlan(f.sample, shape)
			assert.Same(t, err, again)
			assert.Equal(t, failed, f.planner.Stats().BindingErrors)
		})
	}
}

func Test_BindShape(t *testing.T) {
	shape, err := ShapeOf[fullSample]()
	require.NoError(t, err)
	sf, ok := shape.Field("sampledThread")
	require.True(t, ok)
	assert.Equal(t, "SampledThread", sf.GoName)
	_, ok = shape.Field("ignored")
	assert.False(t, ok)
	missing, ok := shape.Field("missing")
	require.True(t, ok)
	assert.True(t, missing.Optional)

	again, err := ShapeOf[fullSample]()
	require.NoError(t, err)
	assert.Same(t, shape, again)

	type badOption struct {
		A int `jfr:"a,eager"`
	}
	type badType struct {
		C chan int
	}
	type badRef struct {
		T int64 `jfr:"t,ref"`
	}
	type dup struct {
		A int `jfr:"x"`
		B int `jfr:"x"`
	}
	for _, typ := range []reflect.Type{
		reflect.TypeOf(badOption{}),
		reflect.TypeOf(badType{}),
		reflect.TypeOf(badRef{}),
		reflect.TypeOf(dup{}),
		reflect.TypeOf(0),
	} {
		_, err := Bind(typ)
		assert.True(t, jfrerr.IsBinding(err), "%s: %v", typ, err)
	}
}

func Test_PlansSharedAcrossChunks(t *testing.T) {
	cache, err := NewCache(16)
	require.NoError(t, err)
	shape, err := ShapeOf[fullSample]()
	require.NoError(t, err)

	first := newFixture(t, chunkIDs, cache)
	a := first.decode(t, shape).(*fullSample)
	compiled := first.planner.Stats().Compiled
	assert.Positive(t, compiled)

	second := newFixture(t, renumberedIDs, cache)
	b := second.decode(t, shape).(*fullSample)
	assert.Zero(t, second.planner.Stats().Compiled)
	assert.Positive(t, second.planner.Stats().CacheHits)

	a.Threads, b.Threads = nil, nil
	assert.Equal(t, a, b)
}

func Test_RefFromAnotherChunk(t *testing.T) {
	f := newFixture(t, chunkIDs, nil)
	shape, err := ShapeOf[fullSample]()
	require.NoError(t, err)
	s := f.decode(t, shape).(*fullSample)

	f.planner.BeginChunk(f.md)
	var th thread
	_, err = f.planner.Resolve(s.Threads[0], &th)
	assert.Error(t, err)
}

func Test_SkipPlanTape(t *testing.T) {
	f := newFixture(t, chunkIDs, nil)
	nodeCls, ok := f.md.ClassByName("test.Node")
	require.True(t, ok)
	sp, err := f.planner.SkipPlan(nodeCls)
	require.NoError(t, err)
	assert.Equal(t, "test.Node[varint array call:test.Node end]", sp.String())

	point, _ := f.md.ClassByName("test.Point")
	sp, err = f.planner.SkipPlan(point)
	require.NoError(t, err)
	assert.Equal(t, []Instr{{Op: OpVarint}, {Op: OpVarint}}, sp.Tape)

	again, err := f.planner.SkipPlan(point)
	require.NoError(t, err)
	assert.Same(t, sp, again)
	assert.Equal(t, 2, f.planner.Stats().SkipPlans)
}

func Test_SkipArrayTruncated(t *testing.T) {
	md := schema(t, testChunk(chunkIDs))
	cls, _ := md.Class(chunkIDs.node)
	x := NewPlanner(nil, pool.NewStore(0), intern.NewReader())
	x.BeginChunk(md)
	c := bytecursor.FromBytes(jfrtest.P().Int(1).Array(1000).Bytes()).Cursor()
	err := x.Skip(cls, c)
	assert.True(t, jfrerr.IsTruncated(err))
}
