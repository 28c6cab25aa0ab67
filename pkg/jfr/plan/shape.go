package plan

import (
	"reflect"
	"strings"
	"sync"

	"github.com/iancoleman/strcase"

	"github.com/grafana/jfrstream/pkg/jfr/jfrerr"
)

// Record is a dynamic shape: every field of the wire type is decoded and
// stored under its wire name. Nested inline and pooled values become
// Records, arrays become []any.
type Record map[string]any

var (
	recordType = reflect.TypeOf(Record(nil))
	refType    = reflect.TypeOf(Ref{})
	anyType    = reflect.TypeOf((*any)(nil)).Elem()
	stringPtr  = reflect.TypeOf((*string)(nil))

	recordShape = &Shape{Type: recordType, Dynamic: true}
)

// ShapeField binds a wire field to a field of a Go struct.
type ShapeField struct {
	Wire     string
	GoName   string
	Index    int
	Type     reflect.Type
	Optional bool
}

// Shape is the binding table of a Go type, built once per type.
type Shape struct {
	Type    reflect.Type
	Dynamic bool
	Fields  []ShapeField

	byWire map[string]int
}

func (s *Shape) String() string { return s.Type.String() }

// Field returns the binding of the wire field name.
func (s *Shape) Field(wire string) (*ShapeField, bool) {
	i, ok := s.byWire[wire]
	if !ok {
		return nil, false
	}
	return &s.Fields[i], true
}

var shapes sync.Map // reflect.Type -> shapeEntry

type shapeEntry struct {
	shape *Shape
	err   error
}

// ShapeOf binds T.
func ShapeOf[T any]() (*Shape, error) {
	return Bind(reflect.TypeOf((*T)(nil)).Elem())
}

// Bind builds the binding table of t, which must be a struct or Record.
//
// Struct fields bind through the `jfr` tag: `jfr:"name"` names the wire
// field, `jfr:"-"` ignores the Go field, and the options `optional` (the wire
// field may be absent) and `ref` (keep a pooled value as an unresolved Ref)
// follow the name. Untagged exported fields bind to the lower camel case form
// of their name.
func Bind(t reflect.Type) (*Shape, error) {
	if e, ok := shapes.Load(t); ok {
		return e.(shapeEntry).shape, e.(shapeEntry).err
	}
	s, err := bind(t)
	e, _ := shapes.LoadOrStore(t, shapeEntry{shape: s, err: err})
	return e.(shapeEntry).shape, e.(shapeEntry).err
}

func bind(t reflect.Type) (*Shape, error) {
	if t == recordType {
		return recordShape, nil
	}
	if t.Kind() != reflect.Struct {
		return nil, jfrerr.Bindingf("", "", t.String(), "shape must be a struct or plan.Record, got %s", t.Kind())
	}
	s := &Shape{Type: t, byWire: make(map[string]int)}
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag, hasTag := sf.Tag.Lookup("jfr")
		if tag == "-" {
			continue
		}
		f := ShapeField{
			GoName: sf.Name,
			Index:  i,
			Type:   sf.Type,
		}
		var ref bool
		if hasTag {
			parts := strings.Split(tag, ",")
			f.Wire = parts[0]
			for _, opt := range parts[1:] {
				switch opt {
				case "optional":
					f.Optional = true
				case "ref":
					ref = true
				case "":
				default:
					return nil, jfrerr.Bindingf("", sf.Name, t.String(), "unknown tag option %q", opt)
				}
			}
		}
		if f.Wire == "" {
			f.Wire = strcase.ToLowerCamel(sf.Name)
		}
		if ref && f.Type != refType && f.Type != reflect.SliceOf(refType) {
			return nil, jfrerr.Bindingf("", sf.Name, t.String(), "ref fields must be plan.Ref or []plan.Ref, got %s", f.Type)
		}
		if err := supported(f.Type); err != nil {
			return nil, jfrerr.Bindingf("", sf.Name, t.String(), "%v", err)
		}
		if prev, dup := s.byWire[f.Wire]; dup {
			return nil, jfrerr.Bindingf("", sf.Name, t.String(), "wire field %q already bound to %s", f.Wire, s.Fields[prev].GoName)
		}
		s.byWire[f.Wire] = len(s.Fields)
		s.Fields = append(s.Fields, f)
	}
	return s, nil
}

type unsupportedError struct{ t reflect.Type }

func (e unsupportedError) Error() string { return "unsupported field type " + e.t.String() }

func supported(t reflect.Type) error {
	switch t {
	case recordType, refType, anyType, stringPtr:
		return nil
	}
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Struct:
		return nil
	case reflect.Pointer:
		if t.Elem().Kind() == reflect.Struct {
			return nil
		}
	case reflect.Slice:
		return supported(t.Elem())
	}
	return unsupportedError{t: t}
}
