package chunk

import (
	"fmt"
	"time"

	"github.com/grafana/jfrstream/pkg/jfr/bytecursor"
	"github.com/grafana/jfrstream/pkg/jfr/jfrerr"
)

// HeaderSize is the encoded size of a chunk header.
const HeaderSize = 68

var magic = [4]byte{'F', 'L', 'R', 0}

// Header describes one chunk. Offsets are relative to the start of the
// chunk.
type Header struct {
	// Index is the position of the chunk in the recording, starting at 0.
	Index int
	// Offset is the position of the chunk in the recording.
	Offset int64

	Major, Minor   uint16
	Size           int64
	CPOffset       int64
	MetaOffset     int64
	StartNanos     int64
	DurationNanos  int64
	StartTicks     int64
	TicksPerSecond int64
	Features       int32
}

func (h *Header) String() string {
	return fmt.Sprintf("chunk %d (v%d.%d, offset %d, size %d)", h.Index, h.Major, h.Minor, h.Offset, h.Size)
}

func (h *Header) StartTime() time.Time { return time.Unix(0, h.StartNanos) }

func (h *Header) Duration() time.Duration { return time.Duration(h.DurationNanos) }

// TicksToNanos converts a tick count of this chunk to nanoseconds.
func (h *Header) TicksToNanos(ticks int64) int64 {
	if h.TicksPerSecond <= 0 || h.TicksPerSecond == int64(time.Second) {
		return ticks
	}
	return int64(float64(ticks) * float64(time.Second) / float64(h.TicksPerSecond))
}

// ReadHeader reads the header of the chunk starting at the cursor position.
// The chunk must fit the remaining data.
func ReadHeader(c *bytecursor.Cursor, index int) (*Header, error) {
	h := &Header{Index: index, Offset: c.Position()}
	if c.Remaining() < HeaderSize {
		return nil, jfrerr.Truncated(h.Offset, HeaderSize)
	}
	var m [4]byte
	if err := c.Read(m[:]); err != nil {
		return nil, err
	}
	if m != magic {
		return nil, jfrerr.Formatf(h.Offset, "invalid chunk magic %q", m[:])
	}
	var err error
	if h.Major, err = c.U16(); err != nil {
		return nil, err
	}
	if h.Minor, err = c.U16(); err != nil {
		return nil, err
	}
	for _, dst := range []*int64{
		&h.Size, &h.CPOffset, &h.MetaOffset,
		&h.StartNanos, &h.DurationNanos, &h.StartTicks, &h.TicksPerSecond,
	} {
		if *dst, err = c.I64(); err != nil {
			return nil, err
		}
	}
	if h.Features, err = c.I32(); err != nil {
		return nil, err
	}
	if err := h.validate(); err != nil {
		return nil, err
	}
	if h.Size > c.Remaining()+HeaderSize {
		return nil, jfrerr.Truncated(h.Offset, h.Size)
	}
	return h, nil
}

func (h *Header) validate() error {
	if h.Major != 1 && h.Major != 2 {
		return jfrerr.Formatf(h.Offset, "unsupported format version %d.%d", h.Major, h.Minor)
	}
	if h.Size < HeaderSize {
		return jfrerr.Formatf(h.Offset, "chunk size %d is smaller than its header", h.Size)
	}
	if h.MetaOffset < HeaderSize || h.MetaOffset >= h.Size {
		return jfrerr.Formatf(h.Offset, "metadata offset %d outside of chunk", h.MetaOffset)
	}
	if h.CPOffset != 0 && (h.CPOffset < HeaderSize || h.CPOffset >= h.Size) {
		return jfrerr.Formatf(h.Offset, "constant pool offset %d outside of chunk", h.CPOffset)
	}
	return nil
}
