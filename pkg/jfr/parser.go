// Package jfr reads Java Flight Recorder recordings.
//
// A Parser streams through a memory-mapped recording once per Run and hands
// events of the registered types to their handlers. Events are decoded into
// Go structs bound through `jfr` field tags, or into plan.Record values. Types
// nobody registered for, and constant pools none of the registered types can
// reach, are skipped without being decoded.
//
//	p, err := jfr.Open("app.jfr")
//	...
//	defer p.Close()
//	_, err = jfr.Handle(p, "jdk.ExecutionSample", func(e *types.ExecutionSample, ctl *jfr.Control) error {
//		...
//	})
//	err = p.Run(ctx)
package jfr

import (
	"context"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/grafana/jfrstream/pkg/jfr/bytecursor"
	"github.com/grafana/jfrstream/pkg/jfr/chunk"
	"github.com/grafana/jfrstream/pkg/jfr/plan"
)

type Stats struct {
	Chunks        int
	SkippedChunks int
	Checkpoints   int
	PoolEntries   int
	// Events counts every event seen, EventsDecoded the events materialized
	// for handlers and Dispatched the handler invocations.
	Events          int
	EventsDecoded   int
	Dispatched      int
	BindingFailures int
	// UnknownEvents counts events whose type the chunk does not declare.
	// They are skipped by their size.
	UnknownEvents int
	// SkipPlans and DecodePlans count the plans used per chunk.
	SkipPlans   int
	DecodePlans int
}

// Parser reads one recording. Handlers are registered before Run; a Parser
// must not be used from several goroutines at once.
type Parser struct {
	logger  log.Logger
	metrics *metrics
	engine  *chunk.Engine

	buf  *bytecursor.Buffer
	temp string

	handlers map[string][]*group
	failed   map[bindingKey]struct{}
	stats    Stats
}

type bindingKey struct {
	typeName string
	shape    *plan.Shape
}

// Open maps the recording at path. Compressed recordings are inflated into a
// temporary file first unless decompression is disabled.
func Open(path string, opts ...Option) (*Parser, error) {
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	var temp string
	if o.cfg.Decompress {
		if temp, err = spool(path, o.cfg.TempDir); err != nil {
			return nil, errors.Wrapf(err, "open %s", path)
		}
	}
	mapped := path
	if temp != "" {
		level.Debug(o.logger).Log("msg", "inflated compressed recording", "path", path, "temp", temp)
		mapped = temp
	}
	buf, err := bytecursor.Open(mapped, o.cfg.SpliceSize)
	if err != nil {
		if temp != "" {
			_ = os.Remove(temp)
		}
		return nil, errors.Wrapf(err, "open %s", path)
	}
	p := newParser(o, buf)
	p.temp = temp
	return p, nil
}

// OpenBytes reads a recording held in memory. data must not be modified
// until the parser is closed.
func OpenBytes(data []byte, opts ...Option) (*Parser, error) {
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	if o.cfg.Decompress {
		if data, err = decompressBytes(data); err != nil {
			return nil, errors.Wrap(err, "open recording")
		}
	}
	return newParser(o, bytecursor.FromBytes(data)), nil
}

func applyOptions(opts []Option) (options, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.cfg.Validate(); err != nil {
		return o, errors.Wrap(err, "invalid config")
	}
	if o.logger == nil {
		o.logger = log.NewNopLogger()
	}
	if o.cache == nil {
		cache, err := plan.NewCache(o.cfg.PlanCacheSize)
		if err != nil {
			return o, err
		}
		o.cache = cache
	}
	return o, nil
}

func newParser(o options, buf *bytecursor.Buffer) *Parser {
	return &Parser{
		logger:   o.logger,
		metrics:  newMetrics(o.reg),
		engine:   chunk.NewEngine(o.logger, o.cache, o.cfg.MaxPoolDepth),
		buf:      buf,
		handlers: make(map[string][]*group),
		failed:   make(map[bindingKey]struct{}),
	}
}

// Size returns the size of the (inflated) recording.
func (p *Parser) Size() int64 { return p.buf.Len() }

// Run reads the whole recording and calls the handlers of every registered
// event. It returns the first error a handler returns, truncated input, or
// the context error once ctx is done. Malformed chunks are logged and
// skipped.
func (p *Parser) Run(ctx context.Context) error {
	l := &runListener{p: p}
	_, err := p.engine.Run(ctx, p.buf.Cursor(), l)
	if err != nil {
		return errors.Wrap(err, "read recording")
	}
	return nil
}

// Stats returns the counters accumulated over all runs.
func (p *Parser) Stats() Stats { return p.stats }

// Close unmaps the recording and removes the inflated copy, if any.
func (p *Parser) Close() error {
	var errs multierror.Error
	if err := p.buf.Close(); err != nil {
		errs.Errors = append(errs.Errors, err)
	}
	if p.temp != "" {
		if err := os.Remove(p.temp); err != nil && !os.IsNotExist(err) {
			errs.Errors = append(errs.Errors, err)
		}
		p.temp = ""
	}
	return errs.ErrorOrNil()
}
