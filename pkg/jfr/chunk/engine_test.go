package chunk

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/jfrstream/pkg/jfr/bytecursor"
	"github.com/grafana/jfrstream/pkg/jfr/jfrerr"
	"github.com/grafana/jfrstream/pkg/jfr/jfrtest"
	"github.com/grafana/jfrstream/pkg/jfr/metadata"
	"github.com/grafana/jfrstream/pkg/jfr/plan"
)

const (
	threadID = 10
	sampleID = 20
	noteID   = 21
)

type thread struct {
	JavaName   string
	OSThreadID int64 `jfr:"osThreadId"`
}

type sample struct {
	StartTime     int64
	SampledThread *thread
	Weight        int32
}

func testChunk() *jfrtest.Chunk {
	return jfrtest.NewChunk().Primitives().
		Class(jfrtest.Class{ID: threadID, Name: "java.lang.Thread", Fields: []jfrtest.Field{
			jfrtest.F("javaName", jfrtest.String),
			jfrtest.F("osThreadId", jfrtest.Long),
		}}).
		Class(jfrtest.Class{ID: sampleID, Name: "test.Sample", SuperType: metadata.EventSuperType, Fields: []jfrtest.Field{
			jfrtest.F("startTime", jfrtest.Long),
			jfrtest.PoolF("sampledThread", threadID),
			jfrtest.F("weight", jfrtest.Int),
		}}).
		Class(jfrtest.Class{ID: noteID, Name: "test.Note", SuperType: metadata.EventSuperType, Fields: []jfrtest.Field{
			jfrtest.F("startTime", jfrtest.Long),
			jfrtest.F("text", jfrtest.String),
		}})
}

func threads(entries ...jfrtest.Entry) jfrtest.Pool {
	return jfrtest.Pool{TypeID: threadID, Entries: entries}
}

func threadEntry(id int64, name string) jfrtest.Entry {
	return jfrtest.Entry{ID: id, Payload: jfrtest.P().String(name).Long(id).Bytes()}
}

func sampleEvent(ts, tid int64, weight int32) *jfrtest.Payload {
	return jfrtest.P().Long(ts).Ref(tid).Int(weight)
}

func noteEvent(ts int64, text string) *jfrtest.Payload {
	return jfrtest.P().Long(ts).String(text)
}

// recorder records the callbacks of a run and decodes samples.
type recorder struct {
	BaseListener

	filter     TypeFilter
	chunkStart func(h *Header) Control
	onEvent    func(ctx *Context, typeID int64) Control
	onError    func(err error) Control

	events      map[int64]int
	samples     []sample
	records     []plan.Record
	checkpoints []*Checkpoint
	chunkEnds   []bool
	errs        []error
	ended       bool
}

func newRecorder() *recorder {
	return &recorder{events: make(map[int64]int)}
}

func (r *recorder) OnRecordingStart(ctx *Context) Control {
	ctx.SetTypeFilter(r.filter)
	return Continue
}

func (r *recorder) OnChunkStart(_ *Context, h *Header) Control {
	if r.chunkStart != nil {
		return r.chunkStart(h)
	}
	return Continue
}

func (r *recorder) OnCheckpoint(_ *Context, cp *Checkpoint) Control {
	r.checkpoints = append(r.checkpoints, cp)
	return Continue
}

func (r *recorder) OnEvent(ctx *Context, typeID int64, c *bytecursor.Cursor, _ int64) (Control, error) {
	r.events[typeID]++
	cls, ok := ctx.Metadata().Class(typeID)
	if !ok {
		return Stop, nil
	}
	var shape *plan.Shape
	var err error
	if cls.Name == "test.Sample" {
		shape, err = plan.ShapeOf[sample]()
	} else {
		shape, err = plan.Bind(reflect.TypeOf(plan.Record{}))
	}
	if err != nil {
		return Stop, err
	}
	d, err := ctx.Planner().DecodePlan(cls, shape)
	if err != nil {
		return Stop, err
	}
	v, err := ctx.Planner().Decode(cls, d, c)
	if err != nil {
		return Stop, err
	}
	switch v := v.(type) {
	case *sample:
		r.samples = append(r.samples, *v)
	case plan.Record:
		r.records = append(r.records, v)
	}
	if r.onEvent != nil {
		return r.onEvent(ctx, typeID), nil
	}
	return Continue, nil
}

func (r *recorder) OnChunkEnd(_ *Context, _ *Header, skipped bool) Control {
	r.chunkEnds = append(r.chunkEnds, skipped)
	return Continue
}

func (r *recorder) OnError(ctx *Context, err error) Control {
	r.errs = append(r.errs, err)
	if r.onError != nil {
		return r.onError(err)
	}
	return r.BaseListener.OnError(ctx, err)
}

func (r *recorder) OnRecordingEnd(*Context) { r.ended = true }

func run(t *testing.T, data []byte, r *recorder) (Stats, error) {
	t.Helper()
	return NewEngine(nil, nil, 0).Run(context.Background(), bytecursor.FromBytes(data).Cursor(), r)
}

func Test_ThreeOfTenEvents(t *testing.T) {
	ch := testChunk().Checkpoint(threads(threadEntry(1, "main")))
	for i := 0; i < 10; i++ {
		if i%3 == 0 && i > 0 {
			ch.Event(sampleID, sampleEvent(int64(i), 1, int32(i)))
		} else {
			ch.Event(noteID, noteEvent(int64(i), "note"))
		}
	}
	r := newRecorder()
	stats, err := run(t, jfrtest.Recording(ch), r)
	require.NoError(t, err)

	assert.Equal(t, 3, r.events[sampleID])
	assert.Equal(t, 7, r.events[noteID])
	assert.Equal(t, 10, stats.Events)
	assert.Equal(t, 1, stats.Chunks)
	assert.Equal(t, 1, stats.Checkpoints)
	assert.Equal(t, 1, stats.PoolEntries)
	assert.Equal(t, []bool{false}, r.chunkEnds)
	assert.True(t, r.ended)

	require.Len(t, r.samples, 3)
	for i, s := range r.samples {
		assert.Equal(t, int64(3*(i+1)), s.StartTime)
		assert.Equal(t, int32(3*(i+1)), s.Weight)
		require.NotNil(t, s.SampledThread)
		assert.Equal(t, thread{JavaName: "main", OSThreadID: 1}, *s.SampledThread)
	}
	require.Len(t, r.records, 7)
	assert.Equal(t, plan.Record{"startTime": int64(0), "text": "note"}, r.records[0])
}

func Test_ChunkIsolation(t *testing.T) {
	// Both chunks use wire id 5 for different classes.
	first := jfrtest.NewChunk().Primitives().
		Class(jfrtest.Class{ID: 5, Name: "test.A", SuperType: metadata.EventSuperType, Fields: []jfrtest.Field{
			jfrtest.F("value", jfrtest.Int),
		}}).
		Event(5, jfrtest.P().Int(7))
	second := jfrtest.NewChunk().Primitives().
		Class(jfrtest.Class{ID: 5, Name: "test.B", SuperType: metadata.EventSuperType, Fields: []jfrtest.Field{
			jfrtest.F("name", jfrtest.String),
			jfrtest.F("count", jfrtest.Long),
		}}).
		Event(5, jfrtest.P().String("x").Long(9))

	r := newRecorder()
	stats, err := run(t, jfrtest.Recording(first, second), r)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Chunks)
	assert.Equal(t, []plan.Record{
		{"value": int32(7)},
		{"name": "x", "count": int64(9)},
	}, r.records)
}

func Test_PoolTypeZeroQuirk(t *testing.T) {
	pool := threads(threadEntry(1, "main"))
	pool.LeadingZeros = 2
	ch := testChunk().Checkpoint(pool).Event(sampleID, sampleEvent(1, 1, 1))

	r := newRecorder()
	stats, err := run(t, jfrtest.Recording(ch), r)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PoolQuirks)
	require.Len(t, r.samples, 1)
	require.NotNil(t, r.samples[0].SampledThread)
	assert.Equal(t, "main", r.samples[0].SampledThread.JavaName)
}

func Test_CheckpointChain(t *testing.T) {
	ch := testChunk().
		Checkpoint(threads(threadEntry(1, "main"))).
		Checkpoint(threads(threadEntry(2, "worker"), threadEntry(1, "shadowed"))).
		Event(sampleID, sampleEvent(1, 2, 1)).
		Event(sampleID, sampleEvent(2, 1, 1))

	r := newRecorder()
	stats, err := run(t, jfrtest.Recording(ch), r)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Checkpoints)
	assert.Equal(t, 2, stats.PoolEntries)
	require.Len(t, r.checkpoints, 2)
	assert.NotZero(t, r.checkpoints[0].Delta)
	assert.Zero(t, r.checkpoints[1].Delta)
	assert.True(t, r.checkpoints[0].Flush)

	require.Len(t, r.samples, 2)
	assert.Equal(t, "worker", r.samples[0].SampledThread.JavaName)
	assert.Equal(t, "main", r.samples[1].SampledThread.JavaName)
}

func Test_FilteredPoolsAreNotRecorded(t *testing.T) {
	ch := testChunk().
		Checkpoint(threads(threadEntry(1, "main"), threadEntry(2, "worker"))).
		Event(sampleID, sampleEvent(1, 1, 1)).
		Event(noteID, noteEvent(2, "after"))

	r := newRecorder()
	r.filter = func(cls *metadata.Class) bool { return cls.Name != "java.lang.Thread" }
	stats, err := run(t, jfrtest.Recording(ch), r)
	require.NoError(t, err)
	assert.Zero(t, stats.PoolEntries)
	assert.Equal(t, 2, stats.Events)
	require.Len(t, r.samples, 1)
	assert.Nil(t, r.samples[0].SampledThread)
	assert.Equal(t, []plan.Record{{"startTime": int64(2), "text": "after"}}, r.records)
}

func Test_ListenerControl(t *testing.T) {
	recording := func() []byte {
		return jfrtest.Recording(
			testChunk().Event(noteID, noteEvent(1, "a")).Event(noteID, noteEvent(2, "b")),
			testChunk().Event(noteID, noteEvent(3, "c")),
		)
	}

	t.Run("skip chunk at start", func(t *testing.T) {
		r := newRecorder()
		r.chunkStart = func(h *Header) Control {
			if h.Index == 0 {
				return Skip
			}
			return Continue
		}
		stats, err := run(t, recording(), r)
		require.NoError(t, err)
		assert.Equal(t, []bool{true, false}, r.chunkEnds)
		assert.Equal(t, 1, stats.SkippedChunks)
		assert.Equal(t, 1, stats.Events)
		require.Len(t, r.records, 1)
		assert.Equal(t, "c", r.records[0]["text"])
	})

	t.Run("skip rest of chunk from event", func(t *testing.T) {
		r := newRecorder()
		r.onEvent = func(*Context, int64) Control { return Skip }
		stats, err := run(t, recording(), r)
		require.NoError(t, err)
		assert.Equal(t, []bool{true, true}, r.chunkEnds)
		assert.Equal(t, 2, stats.Events)
	})

	t.Run("stop", func(t *testing.T) {
		r := newRecorder()
		r.onEvent = func(*Context, int64) Control { return Stop }
		stats, err := run(t, recording(), r)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Events)
		assert.Empty(t, r.chunkEnds)
		assert.True(t, r.ended)
	})
}

func Test_MalformedChunk(t *testing.T) {
	broken := testChunk().
		Class(jfrtest.Class{ID: 30, Name: "test.Broken", Fields: []jfrtest.Field{jfrtest.F("x", 999)}}).
		Event(noteID, noteEvent(1, "lost"))
	good := testChunk().Event(noteID, noteEvent(2, "kept"))

	t.Run("skipped by default", func(t *testing.T) {
		r := newRecorder()
		stats, err := run(t, jfrtest.Recording(broken, good), r)
		require.NoError(t, err)
		require.Len(t, r.errs, 1)
		assert.True(t, jfrerr.IsFormat(r.errs[0]))
		assert.Equal(t, []bool{true, false}, r.chunkEnds)
		assert.Equal(t, 1, stats.SkippedChunks)
		require.Len(t, r.records, 1)
		assert.Equal(t, "kept", r.records[0]["text"])
	})

	t.Run("abort", func(t *testing.T) {
		r := newRecorder()
		r.onError = func(error) Control { return Stop }
		_, err := run(t, jfrtest.Recording(broken, good), r)
		require.Error(t, err)
		assert.True(t, jfrerr.IsFormat(err))
		assert.Empty(t, r.records)
		assert.True(t, r.ended)
	})
}

func Test_TruncatedRecording(t *testing.T) {
	data := jfrtest.Recording(testChunk().Event(noteID, noteEvent(1, "a")))
	r := newRecorder()
	_, err := run(t, data[:len(data)-10], r)
	require.Error(t, err)
	assert.True(t, jfrerr.IsTruncated(err))
	assert.True(t, r.ended)
}

func Test_BadMagic(t *testing.T) {
	data := jfrtest.Recording(testChunk())
	data[0] = 'X'
	r := newRecorder()
	_, err := run(t, data, r)
	require.Error(t, err)
	assert.True(t, jfrerr.IsFormat(err))
	assert.True(t, r.ended)
}

func Test_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newRecorder()
	data := jfrtest.Recording(testChunk())
	_, err := NewEngine(nil, nil, 0).Run(ctx, bytecursor.FromBytes(data).Cursor(), r)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, r.ended)
}

func Test_ReadHeader(t *testing.T) {
	ch := testChunk()
	data := jfrtest.Recording(ch, testChunk())
	c := bytecursor.FromBytes(data).Cursor()

	h, err := ReadHeader(c, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), h.Major)
	assert.Equal(t, uint16(1), h.Minor)
	assert.Equal(t, int64(len(data)/2), h.Size)
	assert.Equal(t, ch.StartNanos, h.StartTime().UnixNano())
	assert.Equal(t, int64(HeaderSize), c.Position())
	assert.Equal(t, int64(1500), h.TicksToNanos(1500))

	require.NoError(t, c.Seek(h.Size))
	h, err = ReadHeader(c, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Index)
	assert.Equal(t, int64(len(data)/2), h.Offset)
}
