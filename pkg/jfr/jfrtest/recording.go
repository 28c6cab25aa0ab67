package jfrtest

import (
	"encoding/binary"
	"strconv"

	"github.com/grafana/jfrstream/pkg/jfr/bytecursor"
	"github.com/grafana/jfrstream/pkg/jfr/intern"
)

// Wire ids of the primitive classes defined by Chunk.Primitives.
const (
	Long int64 = 100 + iota
	Int
	Short
	Byte
	Boolean
	Char
	Float
	Double
	String
)

var primitiveNames = map[int64]string{
	Long:    "long",
	Int:     "int",
	Short:   "short",
	Byte:    "byte",
	Boolean: "boolean",
	Char:    "char",
	Float:   "float",
	Double:  "double",
	String:  "java.lang.String",
}

const HeaderSize = 68

type Annotation struct {
	ClassID int64
	Value   string
}

type Setting struct {
	Name         string
	ClassID      int64
	DefaultValue string
}

type Field struct {
	Name        string
	ClassID     int64
	Array       bool
	Pool        bool
	Annotations []Annotation
}

func F(name string, classID int64) Field { return Field{Name: name, ClassID: classID} }

// PoolF declares a field encoded as a constant pool reference.
func PoolF(name string, classID int64) Field {
	return Field{Name: name, ClassID: classID, Pool: true}
}

// ArrayF declares an array field.
func ArrayF(name string, classID int64) Field {
	return Field{Name: name, ClassID: classID, Array: true}
}

type Class struct {
	ID          int64
	Name        string
	SuperType   string
	SimpleType  bool
	Fields      []Field
	Annotations []Annotation
	Settings    []Setting
}

type Entry struct {
	ID      int64
	Payload []byte
}

type Pool struct {
	TypeID int64
	// LeadingZeros emits zero type ids before TypeID, mimicking an encoder
	// quirk observed in real recordings.
	LeadingZeros int
	Entries      []Entry
}

type checkpoint struct {
	pools []Pool
}

// Chunk describes one chunk. Events are laid out after the header, followed
// by the checkpoint chain and the metadata event.
type Chunk struct {
	Classes        []Class
	StartNanos     int64
	DurationNanos  int64
	StartTicks     int64
	TicksPerSecond int64
	Major, Minor   uint16

	events      [][]byte
	checkpoints []checkpoint
}

func NewChunk() *Chunk {
	return &Chunk{
		StartNanos:     1_700_000_000_000_000_000,
		DurationNanos:  1_000_000_000,
		TicksPerSecond: 1_000_000_000,
		Major:          2,
		Minor:          1,
	}
}

// Primitives defines the built-in value classes.
func (c *Chunk) Primitives() *Chunk {
	for id := Long; id <= String; id++ {
		c.Classes = append(c.Classes, Class{ID: id, Name: primitiveNames[id]})
	}
	return c
}

func (c *Chunk) Class(cl Class) *Chunk {
	c.Classes = append(c.Classes, cl)
	return c
}

// Event appends an event of typeID carrying payload.
func (c *Chunk) Event(typeID int64, payload *Payload) *Chunk {
	c.events = append(c.events, event(typeID, payload.Bytes()))
	return c
}

// Checkpoint appends a checkpoint event holding pools. Checkpoints are
// chained in the order they are added.
func (c *Chunk) Checkpoint(pools ...Pool) *Chunk {
	c.checkpoints = append(c.checkpoints, checkpoint{pools: pools})
	return c
}

// Bytes encodes the chunk.
func (c *Chunk) Bytes() []byte {
	body := make([]byte, 0, 1024)
	for _, e := range c.events {
		body = append(body, e...)
	}

	cpOffset := int64(0)
	if len(c.checkpoints) > 0 {
		cpOffset = int64(HeaderSize + len(body))
		encoded := make([][]byte, len(c.checkpoints))
		for i, cp := range c.checkpoints {
			if i == len(c.checkpoints)-1 {
				encoded[i] = cp.encode(c.StartTicks, 0)
				break
			}
			// The delta is the checkpoint's own size, which in turn depends
			// on the encoded width of the delta.
			delta := 0
			for {
				encoded[i] = cp.encode(c.StartTicks, int64(delta))
				if len(encoded[i]) == delta {
					break
				}
				delta = len(encoded[i])
			}
		}
		for _, e := range encoded {
			body = append(body, e...)
		}
	}

	metaOffset := int64(HeaderSize + len(body))
	body = append(body, c.metadata()...)

	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, 'F', 'L', 'R', 0)
	out = binary.BigEndian.AppendUint16(out, c.Major)
	out = binary.BigEndian.AppendUint16(out, c.Minor)
	for _, v := range []int64{
		int64(HeaderSize + len(body)),
		cpOffset,
		metaOffset,
		c.StartNanos,
		c.DurationNanos,
		c.StartTicks,
		c.TicksPerSecond,
	} {
		out = binary.BigEndian.AppendUint64(out, uint64(v))
	}
	out = binary.BigEndian.AppendUint32(out, 0)
	return append(out, body...)
}

func (cp checkpoint) encode(startTicks, delta int64) []byte {
	p := P().Long(startTicks).Long(0).Long(delta).Bool(true).Varint(uint64(len(cp.pools)))
	for _, pool := range cp.pools {
		for i := 0; i < pool.LeadingZeros; i++ {
			p.Varint(0)
		}
		p.Long(pool.TypeID).Varint(uint64(len(pool.Entries)))
		for _, e := range pool.Entries {
			p.Long(e.ID).Raw(e.Payload)
		}
	}
	return event(1, p.Bytes())
}

type element struct {
	name  string
	attrs [][2]string
	subs  []element
}

func (c *Chunk) metadata() []byte {
	var classes []element
	for _, cl := range c.Classes {
		e := element{name: "class", attrs: [][2]string{
			{"id", strconv.FormatInt(cl.ID, 10)},
			{"name", cl.Name},
		}}
		if cl.SuperType != "" {
			e.attrs = append(e.attrs, [2]string{"superType", cl.SuperType})
		}
		if cl.SimpleType {
			e.attrs = append(e.attrs, [2]string{"simpleType", "true"})
		}
		for _, s := range cl.Settings {
			e.subs = append(e.subs, element{name: "setting", attrs: [][2]string{
				{"name", s.Name},
				{"class", strconv.FormatInt(s.ClassID, 10)},
				{"defaultValue", s.DefaultValue},
			}})
		}
		e.subs = append(e.subs, annotations(cl.Annotations)...)
		for _, f := range cl.Fields {
			fe := element{name: "field", attrs: [][2]string{
				{"name", f.Name},
				{"class", strconv.FormatInt(f.ClassID, 10)},
			}}
			if f.Pool {
				fe.attrs = append(fe.attrs, [2]string{"constantPool", "true"})
			}
			if f.Array {
				fe.attrs = append(fe.attrs, [2]string{"dimension", "1"})
			}
			fe.subs = annotations(f.Annotations)
			e.subs = append(e.subs, fe)
		}
		classes = append(classes, e)
	}
	root := element{name: "root", subs: []element{
		{name: "metadata", subs: classes},
		{name: "region", attrs: [][2]string{{"locale", "en_US"}, {"gmtOffset", "0"}}},
	}}

	var st stringTable
	st.collect(root)

	p := P().Long(c.StartTicks).Long(0).Long(1)
	p.Varint(uint64(len(st.list)))
	for _, s := range st.list {
		p.String(s)
	}
	p.Raw(st.encode(root, nil))
	return event(0, p.Bytes())
}

func annotations(as []Annotation) []element {
	var res []element
	for _, a := range as {
		attrs := [][2]string{{"class", strconv.FormatInt(a.ClassID, 10)}}
		if a.Value != "" {
			attrs = append(attrs, [2]string{"value", a.Value})
		}
		res = append(res, element{name: "annotation", attrs: attrs})
	}
	return res
}

type stringTable struct {
	list  []string
	index map[string]int
}

func (t *stringTable) add(s string) {
	if t.index == nil {
		t.index = make(map[string]int)
	}
	if _, ok := t.index[s]; !ok {
		t.index[s] = len(t.list)
		t.list = append(t.list, s)
	}
}

func (t *stringTable) collect(e element) {
	t.add(e.name)
	for _, a := range e.attrs {
		t.add(a[0])
		t.add(a[1])
	}
	for _, s := range e.subs {
		t.collect(s)
	}
}

func (t *stringTable) encode(e element, dst []byte) []byte {
	dst = bytecursor.AppendVarint(dst, uint64(t.index[e.name]))
	dst = bytecursor.AppendVarint(dst, uint64(len(e.attrs)))
	for _, a := range e.attrs {
		dst = bytecursor.AppendVarint(dst, uint64(t.index[a[0]]))
		dst = bytecursor.AppendVarint(dst, uint64(t.index[a[1]]))
	}
	dst = bytecursor.AppendVarint(dst, uint64(len(e.subs)))
	for _, s := range e.subs {
		dst = t.encode(s, dst)
	}
	return dst
}

// Recording concatenates chunks.
func Recording(chunks ...*Chunk) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c.Bytes()...)
	}
	return out
}

// RawMetadata returns a metadata event with the given string table and a
// pre-encoded element tree, for malformed-input tests.
func RawMetadata(strs []string, tree []byte) []byte {
	p := P().Long(0).Long(0).Long(1).Varint(uint64(len(strs)))
	for _, s := range strs {
		p.b = intern.AppendString(p.b, s, false)
	}
	p.Raw(tree)
	return event(0, p.Bytes())
}
