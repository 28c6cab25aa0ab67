package plan

import (
	"fmt"
	"strings"

	"github.com/grafana/jfrstream/pkg/jfr/bytecursor"
	"github.com/grafana/jfrstream/pkg/jfr/intern"
	"github.com/grafana/jfrstream/pkg/jfr/jfrerr"
	"github.com/grafana/jfrstream/pkg/jfr/metadata"
)

type Op uint8

const (
	OpByte Op = iota + 1
	OpVarint
	OpFloat
	OpDouble
	OpString
	OpCPRef
	// OpArray reads an element count and repeats the instructions up to the
	// matching OpArrayEnd; Arg is the index of that OpArrayEnd.
	OpArray
	OpArrayEnd
	// OpCall runs a separate plan, used for recursive inline types. Arg
	// indexes the plan's call table.
	OpCall
)

var opNames = [...]string{
	OpByte:     "byte",
	OpVarint:   "varint",
	OpFloat:    "float",
	OpDouble:   "double",
	OpString:   "string",
	OpCPRef:    "cpref",
	OpArray:    "array",
	OpArrayEnd: "end",
	OpCall:     "call",
}

func (o Op) String() string {
	if int(o) < len(opNames) && opNames[o] != "" {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", o)
}

type Instr struct {
	Op  Op
	Arg int32
}

// maxCallDepth bounds OpCall nesting while a plan runs.
const maxCallDepth = 256

// SkipPlan advances a cursor past one value of a class without building
// it. It only depends on the class layout, so a plan is shared by every
// chunk and consumer that sees the same layout.
type SkipPlan struct {
	Name string
	Tape []Instr

	calls     []*SkipPlan
	recursive bool
}

func (p *SkipPlan) String() string {
	var sb strings.Builder
	sb.WriteString(p.Name)
	sb.WriteByte('[')
	for i, in := range p.Tape {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(in.Op.String())
		if in.Op == OpCall {
			fmt.Fprintf(&sb, ":%s", p.calls[in.Arg].Name)
		}
	}
	sb.WriteByte(']')
	return sb.String()
}

// Run skips one value.
func (p *SkipPlan) Run(c *bytecursor.Cursor) error {
	return p.run(c, 0)
}

type loop struct {
	pc        int
	remaining int
}

func (p *SkipPlan) run(c *bytecursor.Cursor, depth int) error {
	if depth > maxCallDepth {
		return jfrerr.Formatf(c.Offset(), "%s: inline values nested deeper than %d", p.Name, maxCallDepth)
	}
	var (
		loops []loop
		err   error
	)
	for pc := 0; pc < len(p.Tape); pc++ {
		in := p.Tape[pc]
		switch in.Op {
		case OpByte:
			err = c.Skip(1)
		case OpVarint, OpCPRef:
			_, err = c.Varint()
		case OpFloat:
			err = c.Skip(4)
		case OpDouble:
			err = c.Skip(8)
		case OpString:
			err = intern.SkipString(c)
		case OpArray:
			var n int
			if n, err = c.VarintInt(); err != nil {
				return err
			}
			if n == 0 {
				pc = int(in.Arg)
				continue
			}
			if int(in.Arg) > pc+1 && int64(n) > c.Remaining() {
				return jfrerr.Truncated(c.Position(), int64(n))
			}
			loops = append(loops, loop{pc: pc, remaining: n})
		case OpArrayEnd:
			top := &loops[len(loops)-1]
			if top.remaining--; top.remaining > 0 {
				pc = top.pc
			} else {
				loops = loops[:len(loops)-1]
			}
		case OpCall:
			err = p.calls[in.Arg].run(c, depth+1)
		default:
			return jfrerr.Formatf(c.Offset(), "%s: invalid op %s", p.Name, in.Op)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *SkipPlan) emit(op Op, arg int32) int {
	p.Tape = append(p.Tape, Instr{Op: op, Arg: arg})
	return len(p.Tape) - 1
}

func (p *SkipPlan) call(sub *SkipPlan) {
	p.calls = append(p.calls, sub)
	p.emit(OpCall, int32(len(p.calls)-1))
}

// splice appends the tape of a non-recursive plan, relocating jumps and
// calls.
func (p *SkipPlan) splice(sub *SkipPlan) {
	base := int32(len(p.Tape))
	callBase := int32(len(p.calls))
	p.calls = append(p.calls, sub.calls...)
	for _, in := range sub.Tape {
		switch in.Op {
		case OpArray, OpArrayEnd:
			in.Arg += base
		case OpCall:
			in.Arg += callBase
		}
		p.Tape = append(p.Tape, in)
	}
}

var primitiveOps = map[string]Op{
	"byte":             OpByte,
	"boolean":          OpByte,
	"short":            OpVarint,
	"char":             OpVarint,
	"int":              OpVarint,
	"long":             OpVarint,
	"float":            OpFloat,
	"double":           OpDouble,
	"java.lang.String": OpString,
}

// maxInline bounds the nesting of inline types while compiling.
const maxInline = 64

// tapeCompiler turns class layouts into skip tapes. Inline field types are
// flattened into the enclosing tape unless they are recursive, in which case
// they are compiled into a separate plan reached through OpCall.
type tapeCompiler struct {
	md    *metadata.Metadata
	stack map[int]*SkipPlan
}

func newTapeCompiler(md *metadata.Metadata) *tapeCompiler {
	return &tapeCompiler{md: md, stack: make(map[int]*SkipPlan)}
}

func (k *tapeCompiler) class(cls *metadata.Class) (*SkipPlan, error) {
	sp := &SkipPlan{Name: cls.Name}
	if err := k.fields(sp, cls, 0, len(cls.Fields)); err != nil {
		return nil, err
	}
	return sp, nil
}

// fields compiles cls.Fields[from:to] into sp. sp is registered as the
// plan of cls while its fields are compiled.
func (k *tapeCompiler) fields(sp *SkipPlan, cls *metadata.Class, from, to int) error {
	if len(k.stack) > maxInline {
		return jfrerr.Formatf(-1, "%s: inline types nested deeper than %d", cls.Name, maxInline)
	}
	if from == 0 && to == len(cls.Fields) {
		k.stack[cls.Index] = sp
		defer delete(k.stack, cls.Index)
	}
	for i := from; i < to; i++ {
		f := &cls.Fields[i]
		ft, ok := k.md.FieldType(f)
		if !ok {
			return jfrerr.Formatf(-1, "field %s.%s references unknown class id %d", cls.Name, f.Name, f.ClassID)
		}
		if !f.IsArray() {
			if err := k.value(sp, f.ConstantPool, ft); err != nil {
				return err
			}
			continue
		}
		start := sp.emit(OpArray, 0)
		if err := k.value(sp, f.ConstantPool, ft); err != nil {
			return err
		}
		end := sp.emit(OpArrayEnd, int32(start))
		sp.Tape[start].Arg = int32(end)
	}
	return nil
}

func (k *tapeCompiler) value(sp *SkipPlan, pooled bool, ft *metadata.Class) error {
	if pooled {
		sp.emit(OpCPRef, 0)
		return nil
	}
	if op, ok := primitiveOps[ft.Name]; ok {
		sp.emit(op, 0)
		return nil
	}
	if outer, ok := k.stack[ft.Index]; ok {
		outer.recursive = true
		sp.call(outer)
		return nil
	}
	sub, err := k.class(ft)
	if err != nil {
		return err
	}
	if sub.recursive {
		sp.call(sub)
	} else {
		sp.splice(sub)
	}
	return nil
}
