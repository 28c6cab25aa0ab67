package jfr

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/grafana/jfrstream/pkg/jfr/bytecursor"
	"github.com/grafana/jfrstream/pkg/jfr/chunk"
	"github.com/grafana/jfrstream/pkg/jfr/metadata"
)

type TypeSummary struct {
	Name  string
	Count int
	// Bytes is the encoded size of the event payloads.
	Bytes int64
}

type ChunkSummary struct {
	Header      *chunk.Header
	Classes     int
	Checkpoints int
	PoolEntries int
	// Types lists the event types seen in the chunk, largest first.
	Types []TypeSummary
}

// Summarize counts the events of every type without decoding them. It
// does not call the registered handlers.
func (p *Parser) Summarize(ctx context.Context) ([]ChunkSummary, error) {
	l := &summaryListener{}
	if _, err := p.engine.Run(ctx, p.buf.Cursor(), l); err != nil {
		return l.chunks, errors.Wrap(err, "summarize recording")
	}
	return l.chunks, nil
}

// Metadata returns the schema of every chunk, skipping over the events.
func (p *Parser) Metadata(ctx context.Context) ([]*metadata.Metadata, error) {
	l := &metadataListener{}
	if _, err := p.engine.Run(ctx, p.buf.Cursor(), l); err != nil {
		return l.schemas, errors.Wrap(err, "read metadata")
	}
	return l.schemas, nil
}

type summaryListener struct {
	chunk.BaseListener

	chunks  []ChunkSummary
	current *ChunkSummary
	types   map[int64]*TypeSummary
}

func (l *summaryListener) OnRecordingStart(ctx *chunk.Context) chunk.Control {
	ctx.SetTypeFilter(func(*metadata.Class) bool { return false })
	return chunk.Continue
}

func (l *summaryListener) OnChunkStart(_ *chunk.Context, h *chunk.Header) chunk.Control {
	l.chunks = append(l.chunks, ChunkSummary{Header: h})
	l.current = &l.chunks[len(l.chunks)-1]
	l.types = make(map[int64]*TypeSummary)
	return chunk.Continue
}

func (l *summaryListener) OnMetadata(_ *chunk.Context, md *metadata.Metadata) chunk.Control {
	l.current.Classes = len(md.Classes())
	return chunk.Continue
}

func (l *summaryListener) OnCheckpoint(_ *chunk.Context, cp *chunk.Checkpoint) chunk.Control {
	l.current.Checkpoints++
	l.current.PoolEntries += cp.Entries
	return chunk.Continue
}

func (l *summaryListener) OnEvent(ctx *chunk.Context, typeID int64, c *bytecursor.Cursor, size int64) (chunk.Control, error) {
	ts, ok := l.types[typeID]
	if !ok {
		name := "unknown"
		if cls, ok := ctx.Metadata().Class(typeID); ok {
			name = cls.Name
		}
		ts = &TypeSummary{Name: name}
		l.types[typeID] = ts
	}
	ts.Count++
	ts.Bytes += size
	return chunk.Continue, nil
}

func (l *summaryListener) OnChunkEnd(*chunk.Context, *chunk.Header, bool) chunk.Control {
	types := make([]TypeSummary, 0, len(l.types))
	for _, ts := range l.types {
		types = append(types, *ts)
	}
	sort.Slice(types, func(i, j int) bool {
		if types[i].Bytes != types[j].Bytes {
			return types[i].Bytes > types[j].Bytes
		}
		return types[i].Name < types[j].Name
	})
	l.current.Types = types
	return chunk.Continue
}

type metadataListener struct {
	chunk.BaseListener

	schemas []*metadata.Metadata
}

func (l *metadataListener) OnMetadata(_ *chunk.Context, md *metadata.Metadata) chunk.Control {
	l.schemas = append(l.schemas, md)
	return chunk.Skip
}
