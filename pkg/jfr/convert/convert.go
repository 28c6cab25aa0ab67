// Package convert turns the profiling events of a recording into pprof
// profiles, one per sample kind.
package convert

import (
	"context"
	"sort"
	"time"

	"github.com/google/pprof/profile"
	"github.com/pkg/errors"

	"github.com/grafana/jfrstream/pkg/jfr"
	"github.com/grafana/jfrstream/pkg/jfr/plan"
	"github.com/grafana/jfrstream/pkg/jfr/types"
)

// DefaultPeriod is the execution sampling interval assumed when none is
// configured. It matches the default of async-profiler.
const DefaultPeriod = 10 * time.Millisecond

const threadLabel = "thread"

type Kind int

const (
	KindCPU Kind = iota
	KindWall
	KindAllocInNewTLAB
	KindAllocOutsideTLAB
	KindLock
	KindThreadPark
	KindLiveObject
)

func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindWall:
		return "wall"
	case KindAllocInNewTLAB:
		return "alloc_in_new_tlab"
	case KindAllocOutsideTLAB:
		return "alloc_outside_tlab"
	case KindLock:
		return "lock"
	case KindThreadPark:
		return "thread_park"
	case KindLiveObject:
		return "live_object"
	default:
		return "unknown"
	}
}

// Metric returns the profile metric name of the kind.
func (k Kind) Metric() string {
	switch k {
	case KindCPU:
		return "process_cpu"
	case KindWall:
		return "wall"
	case KindLock:
		return "mutex"
	case KindThreadPark:
		return "block"
	default:
		return "memory"
	}
}

type Profile struct {
	Kind Kind
	*profile.Profile
}

type Options struct {
	// Period is the execution sampling interval; cpu and wall samples are
	// weighted by it.
	Period time.Duration
	// ThreadLabels labels every sample with the name of its thread.
	ThreadLabels bool
}

// Converter collects the samples of the recordings read by a parser.
type Converter struct {
	opts Options

	// event is the profiling mode announced by the last jdk.ActiveSetting
	// named "event".
	event    string
	builders map[Kind]*profileBuilder

	chunk  int
	stacks map[stackKey][]*profile.Location

	start, end int64
	regs       []*jfr.Registration
}

// New registers the converter handlers with p.
func New(p *jfr.Parser, opts Options) (*Converter, error) {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	c := &Converter{
		opts:     opts,
		builders: make(map[Kind]*profileBuilder),
		chunk:    -1,
	}
	period := opts.Period.Nanoseconds()
	one := []int64{1}
	periodValue := []int64{period}

	err := c.register(
		handle(p, types.TypeActiveSetting, func(e *types.ActiveSetting, _ *jfr.Control) error {
			if e.IsEventSetting() {
				c.event = e.Value
			}
			return nil
		}),
		handle(p, types.TypeExecutionSample, func(e *types.ExecutionSample, ctl *jfr.Control) error {
			if e.State != nil && e.State.Name == types.ThreadStateRunnable {
				if err := c.add(ctl, KindCPU, e.StackTrace, e.SampledThread, periodValue); err != nil {
					return err
				}
			}
			if c.event == "wall" {
				return c.add(ctl, KindWall, e.StackTrace, e.SampledThread, periodValue)
			}
			return nil
		}),
		handle(p, types.TypeAllocInNewTLAB, func(e *types.ObjectAllocationInNewTLAB, ctl *jfr.Control) error {
			return c.add(ctl, KindAllocInNewTLAB, e.StackTrace, e.EventThread, []int64{1, e.TLABSize})
		}),
		handle(p, types.TypeAllocOutsideTLAB, func(e *types.ObjectAllocationOutsideTLAB, ctl *jfr.Control) error {
			return c.add(ctl, KindAllocOutsideTLAB, e.StackTrace, e.EventThread, []int64{1, e.AllocationSize})
		}),
		handle(p, types.TypeJavaMonitorEnter, func(e *types.JavaMonitorEnter, ctl *jfr.Control) error {
			return c.add(ctl, KindLock, e.StackTrace, e.EventThread, []int64{1, ctl.Header().TicksToNanos(e.Duration)})
		}),
		handle(p, types.TypeThreadPark, func(e *types.ThreadPark, ctl *jfr.Control) error {
			return c.add(ctl, KindThreadPark, e.StackTrace, e.EventThread, []int64{1, ctl.Header().TicksToNanos(e.Duration)})
		}),
		handle(p, types.TypeLiveObject, func(e *types.LiveObject, ctl *jfr.Control) error {
			return c.add(ctl, KindLiveObject, e.StackTrace, e.EventThread, one)
		}),
	)
	if err != nil {
		c.Revoke()
		return nil, err
	}
	return c, nil
}

type stackKey struct {
	kind Kind
	ref  plan.Ref
}

type registration struct {
	r   *jfr.Registration
	err error
}

func handle[T any](p *jfr.Parser, typeName string, fn func(*T, *jfr.Control) error) registration {
	r, err := jfr.Handle(p, typeName, fn)
	return registration{r: r, err: err}
}

func (c *Converter) register(regs ...registration) error {
	for _, r := range regs {
		if r.err != nil {
			return r.err
		}
		c.regs = append(c.regs, r.r)
	}
	return nil
}

// Revoke removes the converter handlers from the parser.
func (c *Converter) Revoke() {
	for _, r := range c.regs {
		r.Revoke()
	}
	c.regs = nil
}

func (c *Converter) add(ctl *jfr.Control, kind Kind, ref plan.Ref, thread *types.Thread, values []int64) error {
	if ctl.Chunk() != c.chunk {
		c.chunk = ctl.Chunk()
		c.stacks = make(map[stackKey][]*profile.Location)
		h := ctl.Header()
		if c.start == 0 || h.StartNanos < c.start {
			c.start = h.StartNanos
		}
		if end := h.StartNanos + h.DurationNanos; end > c.end {
			c.end = end
		}
	}
	b := c.builder(kind)
	k := stackKey{kind: kind, ref: ref}
	locs, ok := c.stacks[k]
	if !ok {
		var st *types.StackTrace
		found, err := ctl.Resolve(ref, &st)
		if err != nil {
			return errors.Wrapf(err, "resolve stack trace of %s sample", kind)
		}
		if !found {
			return nil
		}
		locs = c.locations(b, st)
		c.stacks[k] = locs
	}
	var labelKey, labelValue string
	if c.opts.ThreadLabels && thread != nil {
		labelKey, labelValue = threadLabel, thread.JavaName
	}
	b.addSample(locs, labelKey, labelValue, values)
	return nil
}

// locations maps the frames of st to locations of b, leaf first.
func (c *Converter) locations(b *profileBuilder, st *types.StackTrace) []*profile.Location {
	locs := make([]*profile.Location, 0, len(st.Frames))
	for i := range st.Frames {
		m := st.Frames[i].Method
		if m == nil {
			continue
		}
		locs = append(locs, b.location(m.FrameName()))
	}
	return locs
}

func (c *Converter) builder(kind Kind) *profileBuilder {
	if b, ok := c.builders[kind]; ok {
		return b
	}
	b := newProfileBuilder()
	switch kind {
	case KindCPU:
		b.addSampleType("cpu", "nanoseconds")
		b.setPeriodType("cpu", "nanoseconds")
		b.Period = c.opts.Period.Nanoseconds()
	case KindWall:
		b.addSampleType("wall", "nanoseconds")
		b.setPeriodType("wall", "nanoseconds")
		b.Period = c.opts.Period.Nanoseconds()
	case KindAllocInNewTLAB:
		b.addSampleType("alloc_in_new_tlab_objects", "count")
		b.addSampleType("alloc_in_new_tlab_bytes", "bytes")
		b.setPeriodType("space", "bytes")
	case KindAllocOutsideTLAB:
		b.addSampleType("alloc_outside_tlab_objects", "count")
		b.addSampleType("alloc_outside_tlab_bytes", "bytes")
		b.setPeriodType("space", "bytes")
	case KindLock:
		b.addSampleType("contentions", "count")
		b.addSampleType("delay", "nanoseconds")
		b.setPeriodType("mutex", "count")
	case KindThreadPark:
		b.addSampleType("contentions", "count")
		b.addSampleType("delay", "nanoseconds")
		b.setPeriodType("block", "count")
	case KindLiveObject:
		b.addSampleType("live", "count")
		b.setPeriodType("objects", "count")
	}
	c.builders[kind] = b
	return b
}

// Profiles returns the collected profiles ordered by kind.
func (c *Converter) Profiles() []Profile {
	res := make([]Profile, 0, len(c.builders))
	for kind, b := range c.builders {
		b.TimeNanos = c.start
		b.DurationNanos = c.end - c.start
		res = append(res, Profile{Kind: kind, Profile: b.Profile})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Kind < res[j].Kind })
	return res
}

// Convert reads the recording of p and returns its profiles.
func Convert(ctx context.Context, p *jfr.Parser, opts Options) ([]Profile, error) {
	c, err := New(p, opts)
	if err != nil {
		return nil, err
	}
	defer c.Revoke()
	if err := p.Run(ctx); err != nil {
		return nil, err
	}
	return c.Profiles(), nil
}
