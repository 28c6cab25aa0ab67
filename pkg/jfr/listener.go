package jfr

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/jfrstream/pkg/jfr/bytecursor"
	"github.com/grafana/jfrstream/pkg/jfr/chunk"
	"github.com/grafana/jfrstream/pkg/jfr/jfrerr"
	"github.com/grafana/jfrstream/pkg/jfr/metadata"
)

// runListener dispatches the events of one run to the parser's handlers.
type runListener struct {
	p *Parser

	// reachable holds the arena indexes of the classes the registered
	// event types of the current chunk can reach.
	reachable  map[int]struct{}
	chunkStart time.Time
	last       chunk.Stats
	ctl        Control
}

func (l *runListener) OnRecordingStart(ctx *chunk.Context) chunk.Control {
	ctx.SetTypeFilter(func(cls *metadata.Class) bool {
		_, ok := l.reachable[cls.Index]
		return ok
	})
	return chunk.Continue
}

func (l *runListener) OnChunkStart(*chunk.Context, *chunk.Header) chunk.Control {
	l.chunkStart = time.Now()
	l.reachable = nil
	return chunk.Continue
}

func (l *runListener) OnMetadata(_ *chunk.Context, md *metadata.Metadata) chunk.Control {
	l.reachable = reachable(md, l.p.handlers)
	return chunk.Continue
}

// reachable returns the classes referenced, directly or through other
// classes, by the event types that have handlers.
func reachable[V any](md *metadata.Metadata, handlers map[string]V) map[int]struct{} {
	seen := make(map[int]struct{})
	var stack []*metadata.Class
	for name := range handlers {
		if cls, ok := md.ClassByName(name); ok {
			stack = append(stack, cls)
		}
	}
	for len(stack) > 0 {
		cls := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[cls.Index]; ok {
			continue
		}
		seen[cls.Index] = struct{}{}
		for i := range cls.Fields {
			if ft, ok := md.FieldType(&cls.Fields[i]); ok {
				stack = append(stack, ft)
			}
		}
	}
	return seen
}

func (l *runListener) OnCheckpoint(*chunk.Context, *chunk.Checkpoint) chunk.Control {
	return chunk.Continue
}

func (l *runListener) OnEvent(ctx *chunk.Context, typeID int64, c *bytecursor.Cursor, _ int64) (chunk.Control, error) {
	cls, ok := ctx.Metadata().Class(typeID)
	if !ok {
		if l.p.stats.UnknownEvents == 0 {
			level.Debug(l.p.logger).Log("msg", "skipping event of undeclared type", "chunk", ctx.Header().Index, "type", typeID, "offset", c.Offset())
		}
		l.p.stats.UnknownEvents++
		return chunk.Continue, nil
	}
	groups := l.p.handlers[cls.Name]
	if len(groups) == 0 {
		return chunk.Continue, nil
	}
	planner := ctx.Planner()
	start := c.Position()
	for _, g := range groups {
		d, err := planner.DecodePlan(cls, g.shape)
		if err != nil {
			if !jfrerr.IsBinding(err) {
				return chunk.Stop, err
			}
			l.bindingFailed(ctx, cls, g, err)
			continue
		}
		if err := c.Seek(start); err != nil {
			return chunk.Stop, err
		}
		v, err := planner.Decode(cls, d, c)
		if err != nil {
			if !jfrerr.IsBinding(err) {
				return chunk.Stop, err
			}
			l.bindingFailed(ctx, cls, g, err)
			continue
		}
		l.p.stats.EventsDecoded++
		l.p.metrics.eventsDecoded.Inc()

		l.ctl = Control{ctx: ctx, class: cls}
		for _, h := range g.handlers {
			l.p.stats.Dispatched++
			if err := h.fn(v, &l.ctl); err != nil {
				return chunk.Stop, err
			}
			if l.ctl.abort {
				return chunk.Stop, nil
			}
		}
	}
	return chunk.Continue, nil
}

func (l *runListener) bindingFailed(ctx *chunk.Context, cls *metadata.Class, g *group, err error) {
	k := bindingKey{typeName: cls.Name, shape: g.shape}
	if _, ok := l.p.failed[k]; ok {
		return
	}
	l.p.failed[k] = struct{}{}
	l.p.stats.BindingFailures++
	l.p.metrics.bindingFailures.Inc()
	level.Warn(l.p.logger).Log("msg", "cannot decode event type into shape, handlers are not called", "chunk", ctx.Header().Index, "type", cls.Name, "shape", g.shape, "err", err)
}

func (l *runListener) OnChunkEnd(ctx *chunk.Context, h *chunk.Header, skipped bool) chunk.Control {
	outcome := "decoded"
	if skipped {
		outcome = "skipped"
	}
	l.p.metrics.chunks.WithLabelValues(outcome).Inc()
	l.p.metrics.chunkDuration.Observe(time.Since(l.chunkStart).Seconds())
	l.flushStats(ctx)
	return chunk.Continue
}

func (l *runListener) OnError(ctx *chunk.Context, err error) chunk.Control {
	logger := log.With(l.p.logger, "err", err)
	if h := ctx.Header(); h != nil {
		logger = log.With(logger, "chunk", h.Index, "offset", h.Offset)
	}
	if jfrerr.IsFormat(err) {
		level.Warn(logger).Log("msg", "malformed chunk")
		return chunk.Skip
	}
	level.Error(logger).Log("msg", "reading recording failed")
	return chunk.Stop
}

func (l *runListener) OnRecordingEnd(ctx *chunk.Context) {
	l.flushStats(ctx)
	ps := ctx.Planner().Stats()
	l.p.stats.SkipPlans += ps.SkipPlans
	l.p.stats.DecodePlans += ps.DecodePlans
}

// flushStats adds the engine counters gathered since the last flush.
func (l *runListener) flushStats(ctx *chunk.Context) {
	s := ctx.Stats()
	d := chunk.Stats{
		Chunks:        s.Chunks - l.last.Chunks,
		SkippedChunks: s.SkippedChunks - l.last.SkippedChunks,
		Checkpoints:   s.Checkpoints - l.last.Checkpoints,
		Events:        s.Events - l.last.Events,
		PoolEntries:   s.PoolEntries - l.last.PoolEntries,
	}
	l.last = s

	l.p.stats.Chunks += d.Chunks
	l.p.stats.SkippedChunks += d.SkippedChunks
	l.p.stats.Checkpoints += d.Checkpoints
	l.p.stats.Events += d.Events
	l.p.stats.PoolEntries += d.PoolEntries
	l.p.metrics.events.Add(float64(d.Events))
	l.p.metrics.poolEntries.Add(float64(d.PoolEntries))
}
