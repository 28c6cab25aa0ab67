package chunk

import (
	"github.com/go-kit/log"

	"github.com/grafana/jfrstream/pkg/jfr/bytecursor"
	"github.com/grafana/jfrstream/pkg/jfr/intern"
	"github.com/grafana/jfrstream/pkg/jfr/metadata"
	"github.com/grafana/jfrstream/pkg/jfr/plan"
	"github.com/grafana/jfrstream/pkg/jfr/pool"
)

// TypeFilter reports whether values of a class are of interest. Constant
// pool entries of rejected classes are skipped without being recorded.
type TypeFilter func(cls *metadata.Class) bool

type Stats struct {
	Chunks        int
	SkippedChunks int
	Checkpoints   int
	// Events counts events with a type id above 1, whether or not a
	// listener looked at them.
	Events      int
	PoolEntries int
	// PoolQuirks counts zero type ids skipped in front of constant pools.
	PoolQuirks int
}

// Context is the state of one run. The schema, constant pools and plans are
// rebuilt for every chunk; the context itself lives for the whole run and
// must not be retained after it.
type Context struct {
	Logger log.Logger

	header  *Header
	md      *metadata.Metadata
	cursor  *bytecursor.Cursor
	pools   *pool.Store
	planner *plan.Planner
	strs    *intern.Reader
	filter  TypeFilter

	stats Stats
}

func (c *Context) Header() *Header { return c.header }

// Metadata returns the schema of the current chunk, nil before the metadata
// phase.
func (c *Context) Metadata() *metadata.Metadata { return c.md }

// Cursor returns the cursor over the current chunk.
func (c *Context) Cursor() *bytecursor.Cursor { return c.cursor }

func (c *Context) Pools() *pool.Store { return c.pools }

func (c *Context) Planner() *plan.Planner { return c.planner }

func (c *Context) Strings() *intern.Reader { return c.strs }

func (c *Context) Stats() Stats { return c.stats }

// SetTypeFilter restricts the constant pools recorded from now on. A nil
// filter accepts every class.
func (c *Context) SetTypeFilter(f TypeFilter) { c.filter = f }

// Accepts reports whether the installed filter accepts cls.
func (c *Context) Accepts(cls *metadata.Class) bool {
	return c.filter == nil || c.filter(cls)
}

func (c *Context) beginChunk(h *Header, cc *bytecursor.Cursor) {
	c.header = h
	c.md = nil
	c.cursor = cc
	c.pools.BeginChunk(cc)
}

func (c *Context) beginSchema(md *metadata.Metadata) {
	c.md = md
	c.planner.BeginChunk(md)
}
