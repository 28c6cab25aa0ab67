package chunk

import (
	"github.com/grafana/jfrstream/pkg/jfr/bytecursor"
	"github.com/grafana/jfrstream/pkg/jfr/jfrerr"
	"github.com/grafana/jfrstream/pkg/jfr/metadata"
)

// Control is returned by listener callbacks to steer the engine.
type Control uint8

const (
	// Continue proceeds with the next phase.
	Continue Control = iota
	// Skip abandons the rest of the current chunk. The engine resumes with
	// the next chunk.
	Skip
	// Stop ends the run. OnRecordingEnd is still called.
	Stop
)

func (c Control) String() string {
	switch c {
	case Continue:
		return "continue"
	case Skip:
		return "skip"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Checkpoint describes a checkpoint event after its constant pools have been
// scanned.
type Checkpoint struct {
	// Offset of the event within the chunk.
	Offset     int64
	Size       int64
	StartTicks int64
	Duration   int64
	// Delta is the distance to the next checkpoint of the chain, 0 for the
	// last one.
	Delta int64
	Flush bool
	// Pools is the number of pools in the event and Entries the number of
	// values recorded for lookup.
	Pools   int
	Entries int
}

// Listener receives the phases of a run. Callbacks are invoked on the
// goroutine calling Engine.Run.
type Listener interface {
	// OnRecordingStart is the place to install a type filter.
	OnRecordingStart(ctx *Context) Control
	OnChunkStart(ctx *Context, h *Header) Control
	OnMetadata(ctx *Context, md *metadata.Metadata) Control
	OnCheckpoint(ctx *Context, cp *Checkpoint) Control
	// OnEvent is called for every event with a type id above 1. The cursor
	// is positioned at the payload of size bytes; the engine moves past the
	// event afterwards no matter how much of it was read. A returned error
	// is handled like a decoding error of the chunk.
	OnEvent(ctx *Context, typeID int64, c *bytecursor.Cursor, size int64) (Control, error)
	// OnChunkEnd reports whether the chunk was left early.
	OnChunkEnd(ctx *Context, h *Header, skipped bool) Control
	// OnError decides what happens after a chunk failed to decode. Skip and
	// Continue abandon the chunk, Stop ends the run with err. Truncated input
	// always ends the run.
	OnError(ctx *Context, err error) Control
	OnRecordingEnd(ctx *Context)
}

// BaseListener continues through every phase and skips chunks that fail to
// decode. Embed it to implement only some callbacks.
type BaseListener struct{}

func (BaseListener) OnRecordingStart(*Context) Control { return Continue }
func (BaseListener) OnChunkStart(*Context, *Header) Control { return Continue }
func (BaseListener) OnMetadata(*Context, *metadata.Metadata) Control { return Continue }
func (BaseListener) OnCheckpoint(*Context, *Checkpoint) Control { return Continue }
func (BaseListener) OnChunkEnd(*Context, *Header, bool) Control { return Continue }
func (BaseListener) OnRecordingEnd(*Context) {}
func (BaseListener) OnEvent(*Context, int64, *bytecursor.Cursor, int64) (Control, error) {
	return Continue, nil
}

func (BaseListener) OnError(_ *Context, err error) Control {
	if jfrerr.IsFormat(err) {
		return Skip
	}
	return Stop
}
