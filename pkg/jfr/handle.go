package jfr

import (
	"reflect"

	"github.com/pkg/errors"

	"github.com/grafana/jfrstream/pkg/jfr/chunk"
	"github.com/grafana/jfrstream/pkg/jfr/metadata"
	"github.com/grafana/jfrstream/pkg/jfr/plan"
)

// group holds the handlers of one event type that share a shape. An event
// is decoded once per group.
type group struct {
	shape    *plan.Shape
	handlers []*handler
}

type handler struct {
	fn func(v any, ctl *Control) error
}

// Registration is the handle of a registered handler.
type Registration struct {
	p        *Parser
	typeName string
	g        *group
	h        *handler
}

// Handle registers fn for events of the wire type typeName, decoded into T.
// T is bound when Handle is called, so invalid tags are reported here.
// When T does not fit the schema of a chunk the mismatch is logged once and
// the handler is not called for events of that chunk.
func Handle[T any](p *Parser, typeName string, fn func(e *T, ctl *Control) error) (*Registration, error) {
	shape, err := plan.ShapeOf[T]()
	if err != nil {
		return nil, errors.Wrapf(err, "handle %s", typeName)
	}
	return p.register(typeName, shape, func(v any, ctl *Control) error {
		return fn(v.(*T), ctl)
	}), nil
}

// HandleRecord registers fn for events of typeName decoded into records
// holding every field.
func HandleRecord(p *Parser, typeName string, fn func(r plan.Record, ctl *Control) error) (*Registration, error) {
	shape, err := plan.Bind(reflect.TypeOf(plan.Record(nil)))
	if err != nil {
		return nil, errors.Wrapf(err, "handle %s", typeName)
	}
	return p.register(typeName, shape, func(v any, ctl *Control) error {
		return fn(v.(plan.Record), ctl)
	}), nil
}

func (p *Parser) register(typeName string, shape *plan.Shape, fn func(any, *Control) error) *Registration {
	h := &handler{fn: fn}
	var g *group
	for _, x := range p.handlers[typeName] {
		if x.shape == shape {
			g = x
			break
		}
	}
	if g == nil {
		g = &group{shape: shape}
		p.handlers[typeName] = append(p.handlers[typeName], g)
	}
	g.handlers = append(g.handlers, h)
	return &Registration{p: p, typeName: typeName, g: g, h: h}
}

// Revoke removes the handler. Events of a type without handlers are
// skipped. Revoking twice does nothing.
func (r *Registration) Revoke() {
	g := r.g
	for i, h := range g.handlers {
		if h == r.h {
			g.handlers = append(g.handlers[:i:i], g.handlers[i+1:]...)
			break
		}
	}
	if len(g.handlers) > 0 {
		return
	}
	groups := r.p.handlers[r.typeName]
	for i, x := range groups {
		if x == g {
			groups = append(groups[:i:i], groups[i+1:]...)
			break
		}
	}
	if len(groups) == 0 {
		delete(r.p.handlers, r.typeName)
		return
	}
	r.p.handlers[r.typeName] = groups
}

// Control is passed to handlers. It is only valid during the call.
type Control struct {
	ctx   *chunk.Context
	class *metadata.Class
	abort bool
}

// Abort ends the run once the current handler returns.
func (c *Control) Abort() { c.abort = true }

// Chunk returns the index of the chunk the event belongs to.
func (c *Control) Chunk() int { return c.ctx.Header().Index }

func (c *Control) Header() *chunk.Header { return c.ctx.Header() }

// Type returns the schema class of the event.
func (c *Control) Type() *metadata.Class { return c.class }

// Resolve decodes the constant pool value ref points to into dst. Refs are
// only valid within the chunk of the event they were read from.
func (c *Control) Resolve(ref plan.Ref, dst any) (bool, error) {
	return c.ctx.Planner().Resolve(ref, dst)
}
