package plan

import (
	"reflect"

	"github.com/grafana/jfrstream/pkg/jfr/bytecursor"
	"github.com/grafana/jfrstream/pkg/jfr/jfrerr"
	"github.com/grafana/jfrstream/pkg/jfr/metadata"
)

type primKind uint8

const (
	primByte primKind = iota + 1
	primBool
	primShort
	primChar
	primInt
	primLong
	primFloat
	primDouble
)

var primKinds = map[string]primKind{
	"byte":    primByte,
	"boolean": primBool,
	"short":   primShort,
	"char":    primChar,
	"int":     primInt,
	"long":    primLong,
	"float":   primFloat,
	"double":  primDouble,
}

var primBits = [...]int{
	primByte:   8,
	primBool:   1,
	primShort:  16,
	primChar:   16,
	primInt:    32,
	primLong:   64,
	primFloat:  32,
	primDouble: 64,
}

const stringClass = "java.lang.String"

// scalar holds a primitive value: integers sign-extended (chars
// zero-extended) in i, booleans as 0 or 1, floating point values in f.
type scalar struct {
	i int64
	f float64
}

func readPrim(c *bytecursor.Cursor, k primKind) (s scalar, err error) {
	switch k {
	case primByte:
		var b int8
		b, err = c.I8()
		s.i = int64(b)
	case primBool:
		var b bool
		if b, err = c.Bool(); b {
			s.i = 1
		}
	case primFloat:
		var f float32
		f, err = c.F32()
		s.f = float64(f)
	case primDouble:
		s.f, err = c.F64()
	default:
		var v uint64
		v, err = c.Varint()
		switch k {
		case primShort:
			s.i = int64(int16(uint16(v)))
		case primChar:
			s.i = int64(uint16(v))
		case primInt:
			s.i = int64(int32(uint32(v)))
		default:
			s.i = int64(v)
		}
	}
	return s, err
}

// canonical returns the Go value used for k in dynamic records.
func canonical(k primKind, s scalar) any {
	switch k {
	case primByte:
		return int8(s.i)
	case primBool:
		return s.i != 0
	case primShort:
		return int16(s.i)
	case primChar:
		return uint16(s.i)
	case primInt:
		return int32(s.i)
	case primFloat:
		return float32(s.f)
	case primDouble:
		return s.f
	default:
		return s.i
	}
}

type valueKind uint8

const (
	vPrim valueKind = iota + 1
	vString
	vInline
	vPooled
	vRef
	vArray
)

type inlineTarget uint8

const (
	tStruct inlineTarget = iota + 1
	tPtr
	tRecord
	tIface
)

type stringTarget uint8

const (
	sPlain stringTarget = iota + 1
	sPtr
	sIface
)

// valueOp materializes one wire value into a Go value.
type valueOp struct {
	kind valueKind

	prim primKind
	set  func(dst reflect.Value, s scalar)

	str stringTarget

	nested *DecodePlan
	target inlineTarget

	poolType reflect.Type

	elem      *valueOp
	sliceType reflect.Type
}

// DecodePlan materializes a class into a shape. Steps follow the wire field
// order; fields the shape does not bind are covered by skip steps.
type DecodePlan struct {
	Class string
	Shape *Shape

	steps []step
}

type step struct {
	skip *SkipPlan

	field   int
	goIndex int
	key     reflect.Value
	op      *valueOp
}

// Decoded reports how many wire fields the plan materializes.
func (d *DecodePlan) Decoded() int {
	n := 0
	for _, s := range d.steps {
		if s.skip == nil {
			n++
		}
	}
	return n
}

func (d *DecodePlan) exec(x *Planner, cls *metadata.Class, c *bytecursor.Cursor, dst reflect.Value) error {
	for i := range d.steps {
		st := &d.steps[i]
		if st.skip != nil {
			if err := st.skip.Run(c); err != nil {
				return err
			}
			continue
		}
		fcls, ok := x.md.FieldType(&cls.Fields[st.field])
		if !ok {
			return jfrerr.Formatf(c.Offset(), "field %s.%s references unknown class id %d", cls.Name, cls.Fields[st.field].Name, cls.Fields[st.field].ClassID)
		}
		if !d.Shape.Dynamic {
			if err := st.op.decode(x, fcls, c, dst.Field(st.goIndex)); err != nil {
				return err
			}
			continue
		}
		v := reflect.New(anyType).Elem()
		if err := st.op.decode(x, fcls, c, v); err != nil {
			return err
		}
		dst.SetMapIndex(st.key, v)
	}
	return nil
}

func (op *valueOp) decode(x *Planner, cls *metadata.Class, c *bytecursor.Cursor, dst reflect.Value) error {
	switch op.kind {
	case vPrim:
		s, err := readPrim(c, op.prim)
		if err != nil {
			return err
		}
		op.set(dst, s)
	case vString:
		s, ok, err := x.strs.ReadString(c, x.md.Strings)
		if err != nil {
			return err
		}
		switch {
		case op.str == sPlain:
			dst.SetString(s)
		case !ok:
			dst.SetZero()
		case op.str == sPtr:
			dst.Set(reflect.ValueOf(&s))
		default:
			dst.Set(reflect.ValueOf(s))
		}
	case vInline:
		switch op.target {
		case tStruct:
			return op.nested.exec(x, cls, c, dst)
		case tPtr:
			v := reflect.New(dst.Type().Elem())
			if err := op.nested.exec(x, cls, c, v.Elem()); err != nil {
				return err
			}
			dst.Set(v)
		default:
			m := make(Record, len(cls.Fields))
			if err := op.nested.exec(x, cls, c, reflect.ValueOf(m)); err != nil {
				return err
			}
			dst.Set(reflect.ValueOf(m))
		}
	case vPooled:
		id, err := c.Varint()
		if err != nil {
			return err
		}
		v, ok, err := x.resolve(cls, int64(id), op.poolType)
		if err != nil {
			return err
		}
		if ok {
			dst.Set(v)
		} else {
			dst.SetZero()
		}
	case vRef:
		id, err := c.Varint()
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(Ref{Type: cls.ID, ID: int64(id), gen: x.gen}))
	case vArray:
		n, err := c.VarintInt()
		if err != nil {
			return err
		}
		if int64(n) > c.Remaining() {
			// Only elements of an inline class without fields occupy no bytes.
			if op.elem.kind != vInline || len(cls.Fields) > 0 {
				return jfrerr.Truncated(c.Position(), int64(n))
			}
			return jfrerr.Formatf(c.Offset(), "%d empty %s values exceed the remaining %d bytes", n, cls.Name, c.Remaining())
		}
		s := reflect.MakeSlice(op.sliceType, n, n)
		for i := 0; i < n; i++ {
			if err := op.elem.decode(x, cls, c, s.Index(i)); err != nil {
				return err
			}
		}
		dst.Set(s)
	}
	return nil
}

// builder compiles decode plans for one chunk. Plans for inline classes are
// memoized per build so that recursive inline types terminate.
type builder struct {
	x     *Planner
	plans map[planKey]*DecodePlan
}

func newBuilder(x *Planner) *builder {
	return &builder{x: x, plans: make(map[planKey]*DecodePlan)}
}

func (b *builder) plan(cls *metadata.Class, shape *Shape) (*DecodePlan, error) {
	k := planKey{class: cls.Index, target: shape.Type}
	if d, ok := b.plans[k]; ok {
		return d, nil
	}
	d := &DecodePlan{Class: cls.Name, Shape: shape}
	b.plans[k] = d

	if shape.Dynamic {
		for i := range cls.Fields {
			f := &cls.Fields[i]
			op, err := b.field(cls, f, anyType)
			if err != nil {
				return nil, err
			}
			d.steps = append(d.steps, step{field: i, key: reflect.ValueOf(f.Name), op: op})
		}
		return d, nil
	}

	for _, sf := range shape.Fields {
		if _, ok := cls.Field(sf.Wire); !ok && !sf.Optional {
			return nil, jfrerr.Bindingf(cls.Name, sf.Wire, shape.String(), "no such field")
		}
	}
	skipFrom := -1
	flush := func(to int) error {
		if skipFrom < 0 {
			return nil
		}
		sp := &SkipPlan{Name: cls.Name}
		if err := newTapeCompiler(b.x.md).fields(sp, cls, skipFrom, to); err != nil {
			return err
		}
		d.steps = append(d.steps, step{skip: sp})
		skipFrom = -1
		return nil
	}
	for i := range cls.Fields {
		f := &cls.Fields[i]
		sf, bound := shape.Field(f.Name)
		if !bound {
			if skipFrom < 0 {
				skipFrom = i
			}
			continue
		}
		if err := flush(i); err != nil {
			return nil, err
		}
		op, err := b.field(cls, f, sf.Type)
		if err != nil {
			return nil, err
		}
		d.steps = append(d.steps, step{field: i, goIndex: sf.Index, op: op})
	}
	if err := flush(len(cls.Fields)); err != nil {
		return nil, err
	}
	return d, nil
}

func (b *builder) field(owner *metadata.Class, f *metadata.Field, t reflect.Type) (*valueOp, error) {
	ft, ok := b.x.md.FieldType(f)
	if !ok {
		return nil, jfrerr.Formatf(-1, "field %s.%s references unknown class id %d", owner.Name, f.Name, f.ClassID)
	}
	bindErr := func(format string, args ...any) error {
		return jfrerr.Bindingf(owner.Name, f.Name, t.String(), format, args...)
	}
	if !f.IsArray() {
		return b.scalar(ft, f.ConstantPool, t, bindErr)
	}
	elemT, sliceT := anyType, reflect.SliceOf(anyType)
	if t != anyType {
		if t.Kind() != reflect.Slice {
			return nil, bindErr("array of %s needs a slice", ft.Name)
		}
		elemT, sliceT = t.Elem(), t
	}
	elem, err := b.scalar(ft, f.ConstantPool, elemT, bindErr)
	if err != nil {
		return nil, err
	}
	return &valueOp{kind: vArray, elem: elem, sliceType: sliceT}, nil
}

func (b *builder) scalar(ft *metadata.Class, pooled bool, t reflect.Type, bindErr func(string, ...any) error) (*valueOp, error) {
	if t == refType {
		if !pooled {
			return nil, bindErr("plan.Ref needs a constant pool field")
		}
		return &valueOp{kind: vRef}, nil
	}
	if pooled {
		// Pooled values are decoded through the plan of the pooled class in
		// whatever chunk they are resolved in; validate it for this one.
		if err := b.x.checkValue(ft, t); err != nil {
			return nil, err
		}
		return &valueOp{kind: vPooled, poolType: t}, nil
	}
	return b.inline(ft, t, bindErr)
}

func structLike(t reflect.Type) bool {
	return t == recordType ||
		t.Kind() == reflect.Struct ||
		t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct
}

func (b *builder) inline(ft *metadata.Class, t reflect.Type, bindErr func(string, ...any) error) (*valueOp, error) {
	// The nested plan of a non-primitive class runs against the wrapper's
	// fields, so only primitives are unwrapped.
	if !structLike(t) {
		ft = b.x.md.UnwrapPrimitive(ft)
	}
	if ft.Name == stringClass {
		switch {
		case t == anyType:
			return &valueOp{kind: vString, str: sIface}, nil
		case t == stringPtr:
			return &valueOp{kind: vString, str: sPtr}, nil
		case t.Kind() == reflect.String:
			return &valueOp{kind: vString, str: sPlain}, nil
		}
		return nil, bindErr("cannot decode %s into %s", ft.Name, t)
	}
	if k, ok := primKinds[ft.Name]; ok {
		set, ok := setter(k, t)
		if !ok {
			return nil, bindErr("cannot decode %s into %s", ft.Name, t)
		}
		return &valueOp{kind: vPrim, prim: k, set: set}, nil
	}

	var (
		shape  *Shape
		target inlineTarget
		err    error
	)
	switch {
	case t == anyType:
		shape, target = recordShape, tIface
	case t == recordType:
		shape, target = recordShape, tRecord
	case t.Kind() == reflect.Struct && t != refType:
		shape, err = Bind(t)
		target = tStruct
	case t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct:
		shape, err = Bind(t.Elem())
		target = tPtr
	default:
		return nil, bindErr("cannot decode %s into %s", ft.Name, t)
	}
	if err != nil {
		return nil, err
	}
	nested, err := b.plan(ft, shape)
	if err != nil {
		return nil, err
	}
	return &valueOp{kind: vInline, nested: nested, target: target}, nil
}

func setter(k primKind, t reflect.Type) (func(reflect.Value, scalar), bool) {
	if t == anyType {
		return func(dst reflect.Value, s scalar) { dst.Set(reflect.ValueOf(canonical(k, s))) }, true
	}
	switch t.Kind() {
	case reflect.Bool:
		if k == primBool {
			return func(dst reflect.Value, s scalar) { dst.SetBool(s.i != 0) }, true
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if k != primBool && k != primFloat && k != primDouble && t.Bits() >= primBits[k] {
			return func(dst reflect.Value, s scalar) { dst.SetInt(s.i) }, true
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if k != primBool && k != primFloat && k != primDouble && t.Bits() >= primBits[k] {
			return func(dst reflect.Value, s scalar) { dst.SetUint(uint64(s.i)) }, true
		}
	case reflect.Float32:
		if k == primFloat {
			return func(dst reflect.Value, s scalar) { dst.SetFloat(s.f) }, true
		}
	case reflect.Float64:
		if k == primFloat || k == primDouble {
			return func(dst reflect.Value, s scalar) { dst.SetFloat(s.f) }, true
		}
	}
	return nil, false
}

// value compiles the op materializing one inline value of cls into t.
func (b *builder) value(cls *metadata.Class, t reflect.Type) (*valueOp, error) {
	return b.inline(cls, t, func(format string, args ...any) error {
		return jfrerr.Bindingf(cls.Name, "", t.String(), format, args...)
	})
}
