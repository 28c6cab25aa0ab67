// Package plan compiles chunk schema classes into reusable routines that
// either skip or materialize their values.
//
// A skip plan is a flat instruction tape that only depends on the layout of
// a class. A decode plan binds the wire fields of a class to a Go shape and
// mixes materializing steps with skip steps for fields the shape does not
// want. Plans never refer to wire ids: the executing planner supplies the
// chunk's classes, so a plan compiled in one chunk is reused by any later
// chunk whose class has the same structural signature.
package plan

import (
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/grafana/jfrstream/pkg/jfr/bytecursor"
	"github.com/grafana/jfrstream/pkg/jfr/intern"
	"github.com/grafana/jfrstream/pkg/jfr/jfrerr"
	"github.com/grafana/jfrstream/pkg/jfr/metadata"
	"github.com/grafana/jfrstream/pkg/jfr/pool"
)

// generation distinguishes Refs of different chunks and planners.
var generation atomic.Uint64

type planKey struct {
	class  int
	target reflect.Type
	kind   planKind
}

type Stats struct {
	// SkipPlans and DecodePlans count the plans handed out, once per class
	// and shape in every chunk.
	SkipPlans   int
	DecodePlans int
	// Compiled counts plans built from scratch; the rest came from the
	// shared cache.
	Compiled      int
	CacheHits     int
	BindingErrors int
}

// Planner is the per-run front end of the plan cache. It executes plans
// against the current chunk and is not safe for concurrent use.
type Planner struct {
	cache *Cache
	pools *pool.Store
	strs  *intern.Reader

	md  *metadata.Metadata
	gen uint64

	skips    map[int]*SkipPlan
	plans    map[planKey]cacheEntry
	building map[planKey]struct{}

	stats Stats
}

func NewPlanner(cache *Cache, pools *pool.Store, strs *intern.Reader) *Planner {
	if cache == nil {
		cache, _ = NewCache(DefaultCacheSize)
	}
	return &Planner{
		cache:    cache,
		pools:    pools,
		strs:     strs,
		skips:    make(map[int]*SkipPlan),
		plans:    make(map[planKey]cacheEntry),
		building: make(map[planKey]struct{}),
	}
}

// BeginChunk switches the planner to the schema of a new chunk.
func (x *Planner) BeginChunk(md *metadata.Metadata) {
	x.md = md
	x.gen = generation.Add(1)
	clear(x.skips)
	clear(x.plans)
	clear(x.building)
}

func (x *Planner) Metadata() *metadata.Metadata { return x.md }

func (x *Planner) Stats() Stats { return x.stats }

// SkipPlan returns the skip plan of cls.
func (x *Planner) SkipPlan(cls *metadata.Class) (*SkipPlan, error) {
	if sp, ok := x.skips[cls.Index]; ok {
		return sp, nil
	}
	k := cacheKey{sig: x.md.Signature(cls), kind: kindSkip}
	e, ok := x.cache.get(k)
	if ok {
		x.stats.CacheHits++
	} else {
		e.skip, e.err = newTapeCompiler(x.md).class(cls)
		if e.err != nil {
			return nil, e.err
		}
		x.stats.Compiled++
		x.cache.add(k, e)
	}
	x.stats.SkipPlans++
	x.skips[cls.Index] = e.skip
	return e.skip, nil
}

// Skip advances c past one value of cls.
func (x *Planner) Skip(cls *metadata.Class, c *bytecursor.Cursor) error {
	sp, err := x.SkipPlan(cls)
	if err != nil {
		return err
	}
	return sp.Run(c)
}

// DecodePlan returns the plan materializing cls into shape. A binding
// failure is cached like a plan and returned for every later request.
func (x *Planner) DecodePlan(cls *metadata.Class, shape *Shape) (*DecodePlan, error) {
	e := x.lookup(cls, shape.Type, kindDecode, func() cacheEntry {
		d, err := newBuilder(x).plan(cls, shape)
		return cacheEntry{decode: d, err: err}
	})
	return e.decode, e.err
}

func (x *Planner) valuePlan(cls *metadata.Class, t reflect.Type) (*valueOp, error) {
	e := x.lookup(cls, t, kindValue, func() cacheEntry {
		op, err := newBuilder(x).value(cls, t)
		return cacheEntry{value: op, err: err}
	})
	return e.value, e.err
}

func (x *Planner) lookup(cls *metadata.Class, t reflect.Type, kind planKind, build func() cacheEntry) cacheEntry {
	pk := planKey{class: cls.Index, target: t, kind: kind}
	if e, ok := x.plans[pk]; ok {
		return e
	}
	// Decode and value plans validate the pooled types they resolve, so
	// their key covers the layout of those types as well.
	k := cacheKey{sig: x.md.DecodeSignature(cls), target: t, kind: kind}
	e, ok := x.cache.get(k)
	if ok {
		x.stats.CacheHits++
	} else {
		x.building[pk] = struct{}{}
		e = build()
		delete(x.building, pk)
		if e.err != nil && !jfrerr.IsBinding(e.err) {
			// Format errors belong to this chunk's schema.
			return e
		}
		x.stats.Compiled++
		x.cache.add(k, e)
	}
	switch {
	case e.err != nil:
		x.stats.BindingErrors++
	case kind == kindDecode:
		x.stats.DecodePlans++
	}
	x.plans[pk] = e
	return e
}

// checkValue validates that pooled values of cls can be decoded into t.
// Classes whose plan is being built are assumed valid, which breaks
// reference cycles between pooled types.
func (x *Planner) checkValue(cls *metadata.Class, t reflect.Type) error {
	if _, ok := x.building[planKey{class: cls.Index, target: t, kind: kindValue}]; ok {
		return nil
	}
	_, err := x.valuePlan(cls, t)
	return err
}

// Decode materializes one value of cls using d. It returns a pointer to a
// new value of the shape's type, or a Record for dynamic shapes.
func (x *Planner) Decode(cls *metadata.Class, d *DecodePlan, c *bytecursor.Cursor) (any, error) {
	if d.Shape.Dynamic {
		m := make(Record, len(cls.Fields))
		if err := d.exec(x, cls, c, reflect.ValueOf(m)); err != nil {
			return nil, err
		}
		return m, nil
	}
	v := reflect.New(d.Shape.Type)
	if err := d.exec(x, cls, c, v.Elem()); err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// resolve returns the pooled value (cls, id) decoded into t.
func (x *Planner) resolve(cls *metadata.Class, id int64, t reflect.Type) (reflect.Value, bool, error) {
	v, ok, err := x.pools.Get(cls.ID, id, t, func(c *bytecursor.Cursor) (any, error) {
		op, err := x.valuePlan(cls, t)
		if err != nil {
			return nil, err
		}
		v := reflect.New(t).Elem()
		if err := op.decode(x, cls, c, v); err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil || !ok {
		return reflect.Value{}, false, err
	}
	return v.(reflect.Value), true, nil
}

// Resolve decodes the pooled value behind ref into dst, which must be a
// non-nil pointer. It reports false when the pool has no such entry.
func (x *Planner) Resolve(ref Ref, dst any) (bool, error) {
	if ref.gen != x.gen {
		return false, fmt.Errorf("%s was read from another chunk", ref)
	}
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return false, fmt.Errorf("resolve %s: destination must be a non-nil pointer, got %T", ref, dst)
	}
	cls, ok := x.md.Class(ref.Type)
	if !ok {
		return false, jfrerr.Formatf(-1, "%s: unknown class", ref)
	}
	v, ok, err := x.resolve(cls, ref.ID, rv.Elem().Type())
	if err != nil || !ok {
		return false, err
	}
	rv.Elem().Set(v)
	return true, nil
}
