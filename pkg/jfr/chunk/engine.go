// Package chunk drives a recording through its chunks: it reads every chunk
// header, rebuilds the schema from the metadata event, scans the checkpoint
// chain into the constant pool store and streams the events to a Listener.
package chunk

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/jfrstream/pkg/jfr/bytecursor"
	"github.com/grafana/jfrstream/pkg/jfr/intern"
	"github.com/grafana/jfrstream/pkg/jfr/jfrerr"
	"github.com/grafana/jfrstream/pkg/jfr/metadata"
	"github.com/grafana/jfrstream/pkg/jfr/plan"
	"github.com/grafana/jfrstream/pkg/jfr/pool"
)

// cancelCheckInterval is the number of events between context checks.
const cancelCheckInterval = 4096

// Engine runs recordings. An engine holds no per-run state and may run any
// number of recordings concurrently; runs only share the plan cache.
type Engine struct {
	logger       log.Logger
	cache        *plan.Cache
	maxPoolDepth int
}

// NewEngine creates an engine. A nil cache gives every run a private one.
func NewEngine(logger log.Logger, cache *plan.Cache, maxPoolDepth int) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Engine{logger: logger, cache: cache, maxPoolDepth: maxPoolDepth}
}

func (e *Engine) newContext() *Context {
	pools := pool.NewStore(e.maxPoolDepth)
	strs := intern.NewReader()
	return &Context{
		Logger:  e.logger,
		pools:   pools,
		strs:    strs,
		planner: plan.NewPlanner(e.cache, pools, strs),
	}
}

// Run reads the recording at c from its current position to the end.
//
// Malformed chunks are reported to Listener.OnError, which decides whether
// the run continues with the next chunk. Truncated input, a broken chunk
// header and context cancellation end the run with an error.
// OnRecordingEnd is called in every case.
func (e *Engine) Run(ctx context.Context, c *bytecursor.Cursor, l Listener) (Stats, error) {
	pc := e.newContext()
	defer l.OnRecordingEnd(pc)

	if l.OnRecordingStart(pc) == Stop {
		return pc.stats, nil
	}
	for index := 0; c.Remaining() > 0; index++ {
		if err := ctx.Err(); err != nil {
			return pc.stats, err
		}
		h, err := ReadHeader(c, index)
		if err != nil {
			// The chunk size cannot be trusted, so there is nothing to
			// resume from.
			l.OnError(pc, err)
			return pc.stats, err
		}
		ctrl, err := e.chunk(ctx, pc, c, h, l)
		if err != nil || ctrl == Stop {
			return pc.stats, err
		}
		if err := c.Seek(h.Offset + h.Size); err != nil {
			return pc.stats, err
		}
	}
	return pc.stats, nil
}

func (e *Engine) chunk(ctx context.Context, pc *Context, c *bytecursor.Cursor, h *Header, l Listener) (Control, error) {
	cc, err := c.Slice(h.Offset, h.Size)
	if err != nil {
		return Stop, err
	}
	pc.beginChunk(h, cc)
	pc.stats.Chunks++
	logger := log.With(pc.Logger, "chunk", h.Index)

	ctrl := l.OnChunkStart(pc, h)
	switch ctrl {
	case Stop:
		return Stop, nil
	case Skip:
		level.Debug(logger).Log("msg", "chunk skipped by listener", "phase", "start")
	default:
		ctrl, err = e.body(ctx, pc, cc, l, logger)
	}
	if err != nil {
		if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
			return Stop, err
		}
		if l.OnError(pc, err) == Stop || jfrerr.IsTruncated(err) {
			return Stop, err
		}
		level.Warn(logger).Log("msg", "skipping malformed chunk", "err", err)
		ctrl = Skip
	}
	if ctrl == Stop {
		return Stop, nil
	}
	skipped := ctrl == Skip
	if skipped {
		pc.stats.SkippedChunks++
	}
	return l.OnChunkEnd(pc, h, skipped), nil
}

func (e *Engine) body(ctx context.Context, pc *Context, cc *bytecursor.Cursor, l Listener, logger log.Logger) (Control, error) {
	h := pc.header
	if err := cc.Seek(h.MetaOffset); err != nil {
		return Stop, err
	}
	md, err := metadata.Parse(cc, pc.strs)
	if err != nil {
		return Stop, fmt.Errorf("metadata: %w", err)
	}
	pc.beginSchema(md)
	if ctrl := l.OnMetadata(pc, md); ctrl != Continue {
		level.Debug(logger).Log("msg", "chunk skipped by listener", "phase", "metadata", "control", ctrl)
		return ctrl, nil
	}

	ctrl, err := e.checkpoints(pc, cc, l, logger)
	if err != nil || ctrl != Continue {
		return ctrl, err
	}
	pc.pools.SetReady()
	return e.events(ctx, pc, cc, l, logger)
}

// checkpoints follows the checkpoint chain starting at the header's
// constant pool offset.
func (e *Engine) checkpoints(pc *Context, cc *bytecursor.Cursor, l Listener, logger log.Logger) (Control, error) {
	h := pc.header
	seen := make(map[int64]struct{})
	for off := h.CPOffset; off != 0; {
		if _, loop := seen[off]; loop {
			return Stop, jfrerr.Formatf(h.Offset+off, "checkpoint chain revisits offset %d", off)
		}
		seen[off] = struct{}{}
		if off < HeaderSize || off >= h.Size {
			return Stop, jfrerr.Formatf(h.Offset, "checkpoint offset %d outside of chunk", off)
		}
		if err := cc.Seek(off); err != nil {
			return Stop, err
		}
		cp, err := e.checkpoint(pc, cc, logger)
		if err != nil {
			return Stop, fmt.Errorf("checkpoint at %d: %w", off, err)
		}
		pc.stats.Checkpoints++
		pc.stats.PoolEntries += cp.Entries
		if ctrl := l.OnCheckpoint(pc, cp); ctrl != Continue {
			level.Debug(logger).Log("msg", "chunk skipped by listener", "phase", "checkpoint", "control", ctrl)
			return ctrl, nil
		}
		off += cp.Delta
		if cp.Delta == 0 {
			break
		}
	}
	return Continue, nil
}

func (e *Engine) checkpoint(pc *Context, cc *bytecursor.Cursor, logger log.Logger) (*Checkpoint, error) {
	cp := &Checkpoint{Offset: cc.Position()}
	size, err := cc.Varint()
	if err != nil {
		return nil, err
	}
	if size == 0 || size > uint64(cc.Len()-cp.Offset) {
		return nil, jfrerr.Formatf(cc.Offset(), "checkpoint size %d out of bounds", size)
	}
	cp.Size = int64(size)
	end := cp.Offset + cp.Size

	typ, err := cc.Varint()
	if err != nil {
		return nil, err
	}
	if int64(typ) != metadata.TypeCheckpoint {
		return nil, jfrerr.Formatf(cc.Offset(), "expected checkpoint event, got type %d", typ)
	}
	for _, dst := range []*int64{&cp.StartTicks, &cp.Duration, &cp.Delta} {
		v, err := cc.Varint()
		if err != nil {
			return nil, err
		}
		*dst = int64(v)
	}
	if cp.Flush, err = cc.Bool(); err != nil {
		return nil, err
	}
	if cp.Pools, err = cc.VarintInt(); err != nil {
		return nil, err
	}

	for i := 0; i < cp.Pools; i++ {
		typeID, err := e.poolType(pc, cc, end, logger)
		if err != nil {
			return nil, err
		}
		count, err := cc.VarintInt()
		if err != nil {
			return nil, err
		}
		if int64(count) > end-cc.Position() {
			return nil, jfrerr.Formatf(cc.Offset(), "constant pool of type %d declares %d entries", typeID, count)
		}
		cls, ok := pc.md.Class(typeID)
		if !ok {
			return nil, jfrerr.Formatf(cc.Offset(), "constant pool of unknown type %d", typeID)
		}
		sp, err := pc.planner.SkipPlan(cls)
		if err != nil {
			return nil, err
		}
		record := pc.Accepts(cls)
		for j := 0; j < count; j++ {
			id, err := cc.Varint()
			if err != nil {
				return nil, err
			}
			if record && pc.pools.RecordOffset(typeID, int64(id), cc.Position()) {
				cp.Entries++
			}
			if err := sp.Run(cc); err != nil {
				return nil, err
			}
			if cc.Position() > end {
				return nil, jfrerr.Formatf(cc.Offset(), "constant pool of %s overruns its checkpoint", cls.Name)
			}
		}
	}
	return cp, nil
}

// poolType reads the type id of the next pool. Some writers emit zero ids
// in front of it, which are skipped.
func (e *Engine) poolType(pc *Context, cc *bytecursor.Cursor, end int64, logger log.Logger) (int64, error) {
	for zeros := 0; ; zeros++ {
		if cc.Position() >= end {
			return 0, jfrerr.Formatf(cc.Offset(), "checkpoint ends before its constant pools")
		}
		v, err := cc.Varint()
		if err != nil {
			return 0, err
		}
		if v != 0 {
			if zeros > 0 {
				pc.stats.PoolQuirks += zeros
				level.Debug(logger).Log("msg", "skipped zero constant pool type ids", "count", zeros, "type", v)
			}
			return int64(v), nil
		}
	}
}

func (e *Engine) events(ctx context.Context, pc *Context, cc *bytecursor.Cursor, l Listener, logger log.Logger) (Control, error) {
	h := pc.header
	if err := cc.Seek(HeaderSize); err != nil {
		return Stop, err
	}
	for n := 1; cc.Position() < h.Size; n++ {
		if n%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return Stop, err
			}
		}
		start := cc.Position()
		size, err := cc.Varint()
		if err != nil {
			return Stop, err
		}
		if size == 0 || size > uint64(h.Size-start) {
			return Stop, jfrerr.Formatf(h.Offset+start, "event size %d out of bounds", size)
		}
		end := start + int64(size)
		typ, err := cc.Varint()
		if err != nil {
			return Stop, err
		}
		if cc.Position() > end {
			return Stop, jfrerr.Formatf(h.Offset+start, "event header overruns its size %d", size)
		}
		if int64(typ) > metadata.TypeCheckpoint {
			pc.stats.Events++
			ctrl, err := l.OnEvent(pc, int64(typ), cc, end-cc.Position())
			if err != nil {
				return Stop, err
			}
			if ctrl != Continue {
				level.Debug(logger).Log("msg", "chunk skipped by listener", "phase", "event", "type", typ, "control", ctrl)
				return ctrl, nil
			}
		}
		if err := cc.Seek(end); err != nil {
			return Stop, err
		}
	}
	return Continue, nil
}
