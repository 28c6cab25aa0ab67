package metadata

import (
	"strconv"

	"github.com/grafana/jfrstream/pkg/jfr/bytecursor"
	"github.com/grafana/jfrstream/pkg/jfr/intern"
	"github.com/grafana/jfrstream/pkg/jfr/jfrerr"
)

// maxDepth bounds the nesting of metadata elements and of simple-type
// unwrapping.
const maxDepth = 64

type kind uint8

const (
	kindRoot kind = iota + 1
	kindMetadata
	kindRegion
	kindClass
	kindField
	kindAnnotation
	kindSetting
)

var kinds = map[string]kind{
	"root":       kindRoot,
	"metadata":   kindMetadata,
	"region":     kindRegion,
	"class":      kindClass,
	"field":      kindField,
	"annotation": kindAnnotation,
	"setting":    kindSetting,
}

func (k kind) String() string {
	for name, v := range kinds {
		if v == k {
			return name
		}
	}
	return "unknown"
}

// Parse reads a metadata event starting at the cursor position. The cursor
// is left after the element tree.
func Parse(c *bytecursor.Cursor, r *intern.Reader) (*Metadata, error) {
	start := c.Position()
	size, err := c.Varint()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, jfrerr.Formatf(c.Offset(), "metadata event has zero size")
	}
	typeID, err := c.Varint()
	if err != nil {
		return nil, err
	}
	if int64(typeID) != TypeMetadata {
		return nil, jfrerr.Formatf(c.Offset(), "unexpected metadata event type %d", typeID)
	}
	md := newMetadata()
	md.Size = int64(size)
	for _, dst := range []*int64{&md.StartTime, &md.Duration, &md.ID} {
		v, err := c.Varint()
		if err != nil {
			return nil, err
		}
		*dst = int64(v)
	}

	n, err := c.VarintInt()
	if err != nil {
		return nil, err
	}
	if int64(n) > c.Remaining() {
		return nil, jfrerr.Formatf(c.Offset(), "string table of %d entries exceeds event", n)
	}
	md.Strings = make([]string, n)
	for i := range md.Strings {
		// Null entries are kept as empty strings.
		if md.Strings[i], _, err = r.ReadString(c, nil); err != nil {
			return nil, err
		}
	}

	p := &parser{c: c, md: md}
	k, err := p.element(0, nil)
	if err != nil {
		return nil, err
	}
	if k != kindRoot {
		return nil, jfrerr.Formatf(c.Offset(), "metadata tree starts with %s, expected root", k)
	}
	if end := start + int64(size); c.Position() > end {
		return nil, jfrerr.Formatf(c.Offset(), "metadata element tree overruns event by %d bytes", c.Position()-end)
	}
	if err := md.Validate(); err != nil {
		return nil, err
	}
	return md, nil
}

// Validate checks that every field references a known class and resolves
// annotation type names.
func (m *Metadata) Validate() error {
	for _, c := range m.classes {
		for i := range c.Fields {
			f := &c.Fields[i]
			if _, ok := m.FieldType(f); !ok {
				return jfrerr.Formatf(-1, "field %s.%s references unknown class id %d", c.Name, f.Name, f.ClassID)
			}
			m.nameAnnotations(f.Annotations)
		}
		m.nameAnnotations(c.Annotations)
		for i := range c.Settings {
			m.nameAnnotations(c.Settings[i].Annotations)
		}
	}
	return nil
}

func (m *Metadata) nameAnnotations(as []Annotation) {
	for i := range as {
		if c, ok := m.Class(as[i].ClassID); ok {
			as[i].TypeName = c.Name
		}
		m.nameAnnotations(as[i].Annotations)
	}
}

type parser struct {
	c  *bytecursor.Cursor
	md *Metadata
}

func (p *parser) str() (string, error) {
	idx, err := p.c.Varint()
	if err != nil {
		return "", err
	}
	if idx >= uint64(len(p.md.Strings)) {
		return "", jfrerr.Formatf(p.c.Offset(), "string index %d out of bounds (%d entries)", idx, len(p.md.Strings))
	}
	return p.md.Strings[idx], nil
}

func (p *parser) parseInt(key, v string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, jfrerr.Formatf(p.c.Offset(), "attribute %s: %v", key, err)
	}
	return n, nil
}

// element reads one element and its sub-elements. The decoded value is
// attached to parent, which must accept that element kind.
func (p *parser) element(depth int, parent any) (kind, error) {
	if depth > maxDepth {
		return 0, jfrerr.Formatf(p.c.Offset(), "metadata elements nested deeper than %d", maxDepth)
	}
	name, err := p.str()
	if err != nil {
		return 0, err
	}
	k, ok := kinds[name]
	if !ok {
		return 0, jfrerr.Formatf(p.c.Offset(), "unknown metadata element %q", name)
	}

	var self any
	switch k {
	case kindRoot, kindMetadata:
		self = k
	case kindRegion:
		self = &p.md.Region
	case kindClass:
		self = &Class{ID: -1}
	case kindField:
		self = &Field{}
	case kindAnnotation:
		self = &Annotation{}
	case kindSetting:
		self = &Setting{}
	}
	if cl, ok := self.(*Class); ok {
		p.md.add(cl)
	}
	if err := p.attributes(self); err != nil {
		return 0, err
	}
	if cl, ok := self.(*Class); ok && cl.ID < 0 {
		return 0, jfrerr.Formatf(p.c.Offset(), "class %q has no id", cl.Name)
	}

	n, err := p.c.VarintInt()
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		if _, err := p.element(depth+1, self); err != nil {
			return 0, err
		}
	}
	if parent != nil {
		if err := p.attach(parent, self, k); err != nil {
			return 0, err
		}
	}
	return k, nil
}

func (p *parser) attributes(self any) error {
	n, err := p.c.VarintInt()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		key, err := p.str()
		if err != nil {
			return err
		}
		value, err := p.str()
		if err != nil {
			return err
		}
		if err := p.attribute(self, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) attribute(self any, key, value string) (err error) {
	switch e := self.(type) {
	case *Class:
		switch key {
		case "id":
			if e.ID, err = p.parseInt(key, value); err != nil {
				return err
			}
			if _, dup := p.md.byID[e.ID]; dup {
				return jfrerr.Formatf(p.c.Offset(), "duplicate class id %d", e.ID)
			}
			// Registered before the sub-elements are read so that fields
			// can refer back to their own class.
			p.md.byID[e.ID] = e.Index
		case "name":
			e.Name = value
			p.md.byName[value] = e.Index
		case "superType":
			e.SuperType = value
		case "simpleType":
			e.SimpleType = value == "true"
		}
	case *Field:
		switch key {
		case "name":
			e.Name = value
		case "class":
			e.ClassID, err = p.parseInt(key, value)
		case "constantPool":
			e.ConstantPool = value == "true"
		case "dimension":
			var d int64
			if d, err = p.parseInt(key, value); err == nil {
				if d < 0 || d > 1 {
					return jfrerr.Formatf(p.c.Offset(), "unsupported field dimension %d", d)
				}
				e.Dimension = int(d)
			}
		}
	case *Annotation:
		if key == "class" {
			e.ClassID, err = p.parseInt(key, value)
			return err
		}
		if e.Values == nil {
			e.Values = make(map[string]string, 1)
		}
		e.Values[key] = value
	case *Setting:
		switch key {
		case "name":
			e.Name = value
		case "class":
			e.ClassID, err = p.parseInt(key, value)
		case "defaultValue":
			e.DefaultValue = value
		}
	case *Region:
		switch key {
		case "dst":
			e.DST, err = p.parseInt(key, value)
		case "gmtOffset":
			e.GMTOffset, err = p.parseInt(key, value)
		case "locale":
			e.Locale = value
		}
	}
	return err
}

func (p *parser) attach(parent, child any, k kind) error {
	ok := false
	switch pe := parent.(type) {
	case kind:
		ok = pe == kindRoot && (k == kindMetadata || k == kindRegion) ||
			pe == kindMetadata && k == kindClass
	case *Class:
		switch ce := child.(type) {
		case *Field:
			pe.Fields, ok = append(pe.Fields, *ce), true
		case *Annotation:
			pe.Annotations, ok = append(pe.Annotations, *ce), true
		case *Setting:
			pe.Settings, ok = append(pe.Settings, *ce), true
		}
	case *Field:
		if ce, isAnn := child.(*Annotation); isAnn {
			pe.Annotations, ok = append(pe.Annotations, *ce), true
		}
	case *Annotation:
		if ce, isAnn := child.(*Annotation); isAnn {
			pe.Annotations, ok = append(pe.Annotations, *ce), true
		}
	case *Setting:
		if ce, isAnn := child.(*Annotation); isAnn {
			pe.Annotations, ok = append(pe.Annotations, *ce), true
		}
	}
	if !ok {
		return jfrerr.Formatf(p.c.Offset(), "unexpected %s element", k)
	}
	return nil
}
