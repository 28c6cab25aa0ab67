// Package metadata holds the schema of one chunk: the classes, fields,
// annotations and settings described by the chunk's metadata event.
//
// Wire type ids are only valid within the chunk that defined them. Classes
// live in an arena and reference each other by id; a field's type is resolved
// lazily through the arena on first use since classes may be referenced
// before they are read.
package metadata

import (
	"sort"
)

// Reserved event type ids.
const (
	TypeMetadata   int64 = 0
	TypeCheckpoint int64 = 1
)

const (
	EventSuperType  = "jdk.jfr.Event"
	AnnotationLabel = "jdk.jfr.Label"
	AnnotationDesc  = "jdk.jfr.Description"
)

var primitives = map[string]struct{}{
	"byte":             {},
	"char":             {},
	"short":            {},
	"int":              {},
	"long":             {},
	"float":            {},
	"double":           {},
	"boolean":          {},
	"java.lang.String": {},
}

// IsPrimitive reports whether name is one of the built-in JFR value types.
func IsPrimitive(name string) bool {
	_, ok := primitives[name]
	return ok
}

type Region struct {
	DST       int64
	GMTOffset int64
	Locale    string
}

type Annotation struct {
	ClassID int64
	// TypeName is the name of the annotation class, filled in once the whole
	// tree has been read.
	TypeName    string
	Values      map[string]string
	Annotations []Annotation
}

// Value returns the annotation's "value" attribute.
func (a *Annotation) Value() string { return a.Values["value"] }

type Setting struct {
	Name         string
	ClassID      int64
	DefaultValue string
	Annotations  []Annotation
}

type Field struct {
	Name         string
	ClassID      int64
	Dimension    int
	ConstantPool bool
	Annotations  []Annotation

	// typeIdx is the arena index of the field's class plus one; zero means
	// not resolved yet.
	typeIdx int
}

// IsArray reports whether the field holds a length-prefixed sequence.
func (f *Field) IsArray() bool { return f.Dimension > 0 }

type Class struct {
	ID          int64
	Name        string
	SuperType   string
	SimpleType  bool
	Fields      []Field
	Annotations []Annotation
	Settings    []Setting

	// Index is the position of the class in its chunk's arena.
	Index int

	// sig and sigSet are indexed by signature mode.
	sig    [2]uint64
	sigSet [2]bool
}

func (c *Class) IsPrimitive() bool { return IsPrimitive(c.Name) }

// IsEvent reports whether the class describes an event type.
func (c *Class) IsEvent() bool { return c.SuperType == EventSuperType }

// Field returns the field called name.
func (c *Class) Field(name string) (*Field, bool) {
	for i := range c.Fields {
		if c.Fields[i].Name == name {
			return &c.Fields[i], true
		}
	}
	return nil, false
}

// Annotation returns the first annotation of class name.
func (c *Class) Annotation(name string) (*Annotation, bool) {
	return findAnnotation(c.Annotations, name)
}

// Label returns the jdk.jfr.Label annotation value, if any.
func (c *Class) Label() string {
	if a, ok := c.Annotation(AnnotationLabel); ok {
		return a.Value()
	}
	return ""
}

func (f *Field) Annotation(name string) (*Annotation, bool) {
	return findAnnotation(f.Annotations, name)
}

func findAnnotation(as []Annotation, name string) (*Annotation, bool) {
	for i := range as {
		if as[i].TypeName == name {
			return &as[i], true
		}
	}
	return nil, false
}

// Metadata is the schema of one chunk.
type Metadata struct {
	Size      int64
	StartTime int64
	Duration  int64
	ID        int64
	Strings   []string
	Region    Region

	classes []*Class
	byID    map[int64]int
	byName  map[string]int
	ordered []*Class
}

func newMetadata() *Metadata {
	return &Metadata{
		byID:   make(map[int64]int),
		byName: make(map[string]int),
	}
}

// Class returns the class registered under the wire id.
func (m *Metadata) Class(id int64) (*Class, bool) {
	i, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	return m.classes[i], true
}

func (m *Metadata) ClassByName(name string) (*Class, bool) {
	i, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	return m.classes[i], true
}

// Classes returns every class of the chunk ordered by wire id.
func (m *Metadata) Classes() []*Class {
	if m.ordered == nil {
		m.ordered = append([]*Class(nil), m.classes...)
		sort.Slice(m.ordered, func(i, j int) bool { return m.ordered[i].ID < m.ordered[j].ID })
	}
	return m.ordered
}

// EventTypes returns the classes describing event types, ordered by wire id.
func (m *Metadata) EventTypes() []*Class {
	var res []*Class
	for _, c := range m.Classes() {
		if c.IsEvent() {
			res = append(res, c)
		}
	}
	return res
}

// FieldType resolves the class of f. The result is cached in f.
func (m *Metadata) FieldType(f *Field) (*Class, bool) {
	if f.typeIdx > 0 {
		return m.classes[f.typeIdx-1], true
	}
	i, ok := m.byID[f.ClassID]
	if !ok {
		return nil, false
	}
	f.typeIdx = i + 1
	return m.classes[i], true
}

// Unwrap follows simple-type classes down to the class of their only
// field. Simple types are single-field wrappers that carry semantics such
// as units but are encoded exactly like the wrapped value.
func (m *Metadata) Unwrap(c *Class) *Class {
	for i := 0; c.SimpleType && len(c.Fields) == 1 && !c.Fields[0].IsArray() && !c.Fields[0].ConstantPool && i < maxDepth; i++ {
		next, ok := m.FieldType(&c.Fields[0])
		if !ok {
			return c
		}
		c = next
	}
	return c
}

// UnwrapPrimitive returns the primitive c wraps through simple types, or c
// itself when the chain ends at any other class.
func (m *Metadata) UnwrapPrimitive(c *Class) *Class {
	if u := m.Unwrap(c); u.IsPrimitive() {
		return u
	}
	return c
}

func (m *Metadata) add(c *Class) {
	c.Index = len(m.classes)
	m.classes = append(m.classes, c)
	m.ordered = nil
}
