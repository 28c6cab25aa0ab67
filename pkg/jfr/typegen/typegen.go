// Package typegen writes Go shape declarations for the types of a
// recording, ready to be used with jfr.Handle.
package typegen

import (
	"bytes"
	"fmt"
	"go/format"
	"sort"
	"strings"

	"github.com/iancoleman/strcase"
	"github.com/samber/lo"

	"github.com/grafana/jfrstream/pkg/jfr/metadata"
)

type Options struct {
	Package string
	// Types restricts the output to the named classes and the classes they
	// reach. By default every event type is generated.
	Types []string
	// Refs declares pooled struct fields as plan.Ref instead of pointers.
	Refs bool
}

var goPrimitives = map[string]string{
	"byte":             "int8",
	"char":             "uint16",
	"short":            "int16",
	"int":              "int32",
	"long":             "int64",
	"float":            "float32",
	"double":           "float64",
	"boolean":          "bool",
	"java.lang.String": "string",
}

type generator struct {
	md   *metadata.Metadata
	opts Options

	names map[int]string // class index -> Go name
	order []*metadata.Class
	// inlinePtr holds the inline fields that close a cycle of inline
	// structs and must be pointers, by owner index and field position.
	inlinePtr map[[2]int]bool
	usesRef   bool
}

// Generate returns gofmt-ed Go source declaring one struct per class.
func Generate(md *metadata.Metadata, opts Options) ([]byte, error) {
	if opts.Package == "" {
		opts.Package = "types"
	}
	g := &generator{
		md:        md,
		opts:      opts,
		names:     make(map[int]string),
		inlinePtr: make(map[[2]int]bool),
	}
	roots, err := g.roots()
	if err != nil {
		return nil, err
	}
	g.collect(roots)
	g.name()

	var body bytes.Buffer
	for _, cls := range g.order {
		if err := g.declare(&body, cls); err != nil {
			return nil, err
		}
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "// Code generated by jfrtool gen-types. DO NOT EDIT.\n\npackage %s\n\n", opts.Package)
	if g.usesRef {
		out.WriteString("import \"github.com/grafana/jfrstream/pkg/jfr/plan\"\n\n")
	}
	out.Write(body.Bytes())
	src, err := format.Source(out.Bytes())
	if err != nil {
		return nil, fmt.Errorf("format generated source: %w", err)
	}
	return src, nil
}

func (g *generator) roots() ([]*metadata.Class, error) {
	if len(g.opts.Types) == 0 {
		return g.md.EventTypes(), nil
	}
	var roots []*metadata.Class
	for _, name := range lo.Uniq(g.opts.Types) {
		cls, ok := g.md.ClassByName(name)
		if !ok {
			return nil, fmt.Errorf("type %q is not declared by the recording", name)
		}
		roots = append(roots, cls)
	}
	return roots, nil
}

// collect gathers the struct classes reachable from roots and marks the
// inline fields closing a cycle.
func (g *generator) collect(roots []*metadata.Class) {
	seen := make(map[int]bool)
	onPath := make(map[int]bool)
	var visit func(cls *metadata.Class)
	visit = func(cls *metadata.Class) {
		seen[cls.Index] = true
		onPath[cls.Index] = true
		g.order = append(g.order, cls)
		for i := range cls.Fields {
			f := &cls.Fields[i]
			ft, ok := g.md.FieldType(f)
			if !ok {
				continue
			}
			ft = g.md.UnwrapPrimitive(ft)
			if ft.IsPrimitive() {
				continue
			}
			if !f.ConstantPool && !f.IsArray() && onPath[ft.Index] {
				g.inlinePtr[[2]int{cls.Index, i}] = true
			}
			if !seen[ft.Index] {
				visit(ft)
			}
		}
		onPath[cls.Index] = false
	}
	for _, cls := range roots {
		if !seen[cls.Index] && !g.md.UnwrapPrimitive(cls).IsPrimitive() {
			visit(cls)
		}
	}
}

// name assigns Go names: the last segment of the wire name, or the whole
// name when the last segment is ambiguous.
func (g *generator) name() {
	short := lo.GroupBy(g.order, func(cls *metadata.Class) string {
		return strcase.ToCamel(lastSegment(cls.Name))
	})
	for name, classes := range short {
		for _, cls := range classes {
			if len(classes) == 1 {
				g.names[cls.Index] = name
				continue
			}
			g.names[cls.Index] = strcase.ToCamel(strings.ReplaceAll(cls.Name, ".", "_"))
		}
	}
	sort.Slice(g.order, func(i, j int) bool {
		return g.names[g.order[i].Index] < g.names[g.order[j].Index]
	})
}

func lastSegment(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func (g *generator) declare(w *bytes.Buffer, cls *metadata.Class) error {
	name := g.names[cls.Index]
	doc := cls.Name
	if label := cls.Label(); label != "" {
		doc += ": " + label
	}
	if cls.IsEvent() {
		doc += " (event)"
	}
	fmt.Fprintf(w, "// %s is %s\n", name, doc)
	fmt.Fprintf(w, "type %s struct {\n", name)

	used := make(map[string]bool)
	for i := range cls.Fields {
		f := &cls.Fields[i]
		typ, opts, err := g.fieldType(cls, i)
		if err != nil {
			return err
		}
		goName := strcase.ToCamel(f.Name)
		for used[goName] {
			goName += "_"
		}
		used[goName] = true
		tag := f.Name
		if opts != "" {
			tag += "," + opts
		}
		fmt.Fprintf(w, "\t%s %s `jfr:%q`\n", goName, typ, tag)
	}
	w.WriteString("}\n\n")
	return nil
}

func (g *generator) fieldType(owner *metadata.Class, i int) (typ, tagOpts string, err error) {
	f := &owner.Fields[i]
	ft, ok := g.md.FieldType(f)
	if !ok {
		return "", "", fmt.Errorf("field %s.%s references unknown class id %d", owner.Name, f.Name, f.ClassID)
	}
	ft = g.md.UnwrapPrimitive(ft)

	var elem string
	switch {
	case ft.IsPrimitive():
		elem = goPrimitives[ft.Name]
	case f.ConstantPool && g.opts.Refs:
		elem, tagOpts = "plan.Ref", "ref"
		g.usesRef = true
	case f.ConstantPool || g.inlinePtr[[2]int{owner.Index, i}]:
		elem = "*" + g.names[ft.Index]
	default:
		elem = g.names[ft.Index]
	}
	if f.IsArray() {
		return "[]" + elem, tagOpts, nil
	}
	return elem, tagOpts, nil
}
