package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/samber/lo"
	"github.com/xlab/treeprint"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/jfrstream/pkg/jfr"
	"github.com/grafana/jfrstream/pkg/jfr/convert"
	"github.com/grafana/jfrstream/pkg/jfr/metadata"
	"github.com/grafana/jfrstream/pkg/jfr/plan"
	"github.com/grafana/jfrstream/pkg/jfr/typegen"
)

type tool struct {
	logger log.Logger
	cfg    jfr.Config
	reg    *prometheus.Registry
	cache  *plan.Cache
}

// newTool returns a tool whose parsers share one plan cache and one
// registry. A tool may open several recordings concurrently.
func newTool(logger log.Logger, cfg jfr.Config) (*tool, error) {
	cache, err := plan.NewCache(cfg.PlanCacheSize)
	if err != nil {
		return nil, err
	}
	return &tool{
		logger: logger,
		cfg:    cfg,
		reg:    prometheus.NewRegistry(),
		cache:  cache,
	}, nil
}

func (t *tool) open(path string) (*jfr.Parser, error) {
	p, err := jfr.Open(path,
		jfr.WithConfig(t.cfg),
		jfr.WithLogger(log.With(t.logger, "file", filepath.Base(path))),
		jfr.WithRegisterer(t.reg),
		jfr.WithPlanCache(t.cache),
	)
	if err != nil {
		return nil, err
	}
	level.Debug(t.logger).Log("msg", "opened recording", "path", path, "size", humanize.Bytes(uint64(p.Size())))
	return p, nil
}

func (t *tool) summary(ctx context.Context, w io.Writer, path string) error {
	p, err := t.open(path)
	if err != nil {
		return err
	}
	defer p.Close()

	chunks, err := p.Summarize(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: %s in %d chunk(s)\n\n", path, humanize.Bytes(uint64(p.Size())), len(chunks))

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Chunk", "Version", "Start", "Duration", "Size", "Classes", "Checkpoints", "Events"})
	totals := make(map[string]*jfr.TypeSummary)
	for _, c := range chunks {
		h := c.Header
		events := lo.SumBy(c.Types, func(ts jfr.TypeSummary) int { return ts.Count })
		table.Append([]string{
			fmt.Sprint(h.Index),
			fmt.Sprintf("%d.%d", h.Major, h.Minor),
			h.StartTime().UTC().Format(time.RFC3339),
			h.Duration().String(),
			humanize.Bytes(uint64(h.Size)),
			humanize.Comma(int64(c.Classes)),
			humanize.Comma(int64(c.Checkpoints)),
			humanize.Comma(int64(events)),
		})
		for _, ts := range c.Types {
			total, ok := totals[ts.Name]
			if !ok {
				total = &jfr.TypeSummary{Name: ts.Name}
				totals[ts.Name] = total
			}
			total.Count += ts.Count
			total.Bytes += ts.Bytes
		}
	}
	table.Render()
	fmt.Fprintln(w)

	types := lo.Map(lo.Values(totals), func(ts *jfr.TypeSummary, _ int) jfr.TypeSummary { return *ts })
	sortTypes(types)
	table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"Event type", "Count", "Size"})
	for _, ts := range types {
		table.Append([]string{ts.Name, humanize.Comma(int64(ts.Count)), humanize.Bytes(uint64(ts.Bytes))})
	}
	table.Render()
	return nil
}

func sortTypes(types []jfr.TypeSummary) {
	sort.Slice(types, func(i, j int) bool {
		if types[i].Bytes != types[j].Bytes {
			return types[i].Bytes > types[j].Bytes
		}
		return types[i].Name < types[j].Name
	})
}

// dump prints events of the given types, or of every event type, as JSON
// lines.
func (t *tool) dump(ctx context.Context, w io.Writer, path string, types []string, limit int) error {
	p, err := t.open(path)
	if err != nil {
		return err
	}
	defer p.Close()

	if len(types) == 0 {
		schemas, err := p.Metadata(ctx)
		if err != nil {
			return err
		}
		for _, md := range schemas {
			for _, cls := range md.EventTypes() {
				types = append(types, cls.Name)
			}
		}
		types = lo.Uniq(types)
	}

	enc := json.NewEncoder(w)
	var n int
	for _, typ := range types {
		_, err := jfr.HandleRecord(p, typ, func(r plan.Record, ctl *jfr.Control) error {
			n++
			if err := enc.Encode(dumpLine{Chunk: ctl.Chunk(), Type: ctl.Type().Name, Event: r}); err != nil {
				return err
			}
			if limit > 0 && n >= limit {
				ctl.Abort()
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if err := p.Run(ctx); err != nil {
		return err
	}
	level.Debug(t.logger).Log("msg", "dumped events", "count", n, "stats", fmt.Sprintf("%+v", p.Stats()))
	return nil
}

type dumpLine struct {
	Chunk int         `json:"chunk"`
	Type  string      `json:"type"`
	Event plan.Record `json:"event"`
}

type pprofOptions struct {
	period       time.Duration
	threadLabels bool
}

// pprof writes one gzipped profile per recording and sample kind into dir.
// Recordings are converted concurrently.
func (t *tool) pprof(ctx context.Context, paths []string, dir string, opts pprofOptions) error {
	base := func(path string) string { return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) }
	if dup := lo.FindDuplicatesBy(paths, base); len(dup) > 0 {
		return errors.Errorf("recordings %v would write to the same profile files", dup)
	}
	var written atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, path := range paths {
		path := path
		g.Go(func() error {
			names, err := t.writeProfiles(ctx, path, dir, opts)
			written.Add(int64(len(names)))
			return err
		})
	}
	err := g.Wait()
	level.Info(t.logger).Log("msg", "conversion done", "recordings", len(paths), "profiles", written.Load())
	return err
}

func (t *tool) writeProfiles(ctx context.Context, path, dir string, opts pprofOptions) ([]string, error) {
	p, err := t.open(path)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	profiles, err := convert.Convert(ctx, p, convert.Options{Period: opts.period, ThreadLabels: opts.threadLabels})
	if err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		level.Warn(t.logger).Log("msg", "recording holds no profiling events", "path", path)
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	var written []string
	for _, prof := range profiles {
		name := filepath.Join(dir, fmt.Sprintf("%s.%s.pb.gz", base, prof.Kind))
		if err := writeProfile(name, prof); err != nil {
			return written, errors.Wrapf(err, "write %s profile", prof.Kind)
		}
		level.Info(t.logger).Log("msg", "profile written", "kind", prof.Kind, "metric", prof.Kind.Metric(), "samples", len(prof.Sample), "path", name)
		written = append(written, name)
	}
	return written, nil
}

func writeProfile(name string, prof convert.Profile) (err error) {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return prof.Write(f)
}

type genTypesOptions struct {
	pkg   string
	types []string
	refs  bool
}

// genTypes writes Go shapes for the schema of the first chunk.
func (t *tool) genTypes(ctx context.Context, w io.Writer, path string, opts genTypesOptions) error {
	p, err := t.open(path)
	if err != nil {
		return err
	}
	defer p.Close()

	schemas, err := p.Metadata(ctx)
	if err != nil {
		return err
	}
	if len(schemas) == 0 {
		return errors.Errorf("%s holds no chunks", path)
	}
	src, err := typegen.Generate(schemas[0], typegen.Options{Package: opts.pkg, Types: opts.types, Refs: opts.refs})
	if err != nil {
		return err
	}
	_, err = w.Write(src)
	return err
}

// schema prints the layout of the given types, or of every event type, in
// the first chunk of the recording. Pooled and recursive fields are not
// expanded.
func (t *tool) schema(ctx context.Context, w io.Writer, path string, types []string) error {
	p, err := t.open(path)
	if err != nil {
		return err
	}
	defer p.Close()

	schemas, err := p.Metadata(ctx)
	if err != nil {
		return err
	}
	if len(schemas) == 0 {
		return errors.Errorf("%s holds no chunks", path)
	}
	md := schemas[0]
	roots := md.EventTypes()
	if len(types) > 0 {
		roots = nil
		for _, name := range lo.Uniq(types) {
			cls, ok := md.ClassByName(name)
			if !ok {
				return errors.Errorf("type %s not found in %s", name, path)
			}
			roots = append(roots, cls)
		}
	}

	tree := treeprint.NewWithRoot(filepath.Base(path))
	for _, cls := range roots {
		schemaFields(md, tree.AddBranch(cls.Name), cls, map[int64]bool{cls.ID: true})
	}
	_, err = io.WriteString(w, tree.String())
	return err
}

func schemaFields(md *metadata.Metadata, branch treeprint.Tree, cls *metadata.Class, onPath map[int64]bool) {
	for i := range cls.Fields {
		f := &cls.Fields[i]
		ft, ok := md.FieldType(f)
		if !ok {
			branch.AddNode(fmt.Sprintf("%s ?%d", f.Name, f.ClassID))
			continue
		}
		label := f.Name + " " + strings.Repeat("[]", f.Dimension) + ft.Name
		switch {
		case f.ConstantPool:
			branch.AddNode(label + " (pool)")
		case ft.IsPrimitive() || len(ft.Fields) == 0:
			branch.AddNode(label)
		case onPath[ft.ID]:
			branch.AddNode(label + " (recursive)")
		default:
			onPath[ft.ID] = true
			schemaFields(md, branch.AddBranch(label), ft, onPath)
			delete(onPath, ft.ID)
		}
	}
}

func (t *tool) writeMetrics(w io.Writer) error {
	families, err := t.reg.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
