package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"
)

var cfg struct {
	verbose      bool
	printMetrics bool
	configFile   string

	summary struct {
		file string
	}
	dump struct {
		file  string
		types []string
		limit int
	}
	schema struct {
		file  string
		types []string
	}
	pprof struct {
		files  []string
		output string
		opts   pprofOptions
	}
	genTypes struct {
		file   string
		output string
		opts   genTypesOptions
	}
}

var (
	consoleOutput           = os.Stderr
	logger        log.Logger = log.NewLogfmtLogger(log.NewSyncWriter(consoleOutput))
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	jfrCfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed loading config: %v\n", err)
		os.Exit(1)
	}

	app := kingpin.New(filepath.Base(os.Args[0]), "Inspect and convert Java Flight Recorder recordings.").UsageWriter(os.Stdout)
	app.Version(version.Print("jfrtool"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)
	app.Flag("config.file", "YAML file with the recording reader configuration.").StringVar(&cfg.configFile)
	app.Flag("print-metrics", "Print the reader metrics to stderr when done.").Default("false").BoolVar(&cfg.printMetrics)
	registerConfigFlags(app, jfrCfg)

	summaryCmd := app.Command("summary", "Print the chunks of a recording and the events they hold.")
	summaryCmd.Arg("file", "Recording path.").Required().ExistingFileVar(&cfg.summary.file)

	dumpCmd := app.Command("dump", "Print events as JSON lines.")
	dumpCmd.Arg("file", "Recording path.").Required().ExistingFileVar(&cfg.dump.file)
	dumpCmd.Flag("type", "Event type to print, all event types when omitted. Repeatable.").Short('t').StringsVar(&cfg.dump.types)
	dumpCmd.Flag("limit", "Stop after this many events, 0 for no limit.").Default("0").IntVar(&cfg.dump.limit)

	schemaCmd := app.Command("schema", "Print the layout of the types of a recording.")
	schemaCmd.Arg("file", "Recording path.").Required().ExistingFileVar(&cfg.schema.file)
	schemaCmd.Flag("type", "Type to print, all event types when omitted. Repeatable.").Short('t').StringsVar(&cfg.schema.types)

	pprofCmd := app.Command("pprof", "Convert the profiling events of recordings to pprof profiles.")
	pprofCmd.Arg("files", "Recording paths.").Required().ExistingFilesVar(&cfg.pprof.files)
	pprofCmd.Flag("output", "Directory the profiles are written to.").Short('o').Default(".").StringVar(&cfg.pprof.output)
	pprofCmd.Flag("period", "Execution sampling interval of the recording.").Default("10ms").DurationVar(&cfg.pprof.opts.period)
	pprofCmd.Flag("thread-labels", "Label samples with their thread name.").Default("false").BoolVar(&cfg.pprof.opts.threadLabels)

	genTypesCmd := app.Command("gen-types", "Generate Go shapes for the types of a recording.")
	genTypesCmd.Arg("file", "Recording path.").Required().ExistingFileVar(&cfg.genTypes.file)
	genTypesCmd.Flag("output", "Output file, stdout when omitted.").Short('o').StringVar(&cfg.genTypes.output)
	genTypesCmd.Flag("package", "Package name of the generated file.").Default("types").StringVar(&cfg.genTypes.opts.pkg)
	genTypesCmd.Flag("type", "Type to generate along with the types it references, all event types when omitted. Repeatable.").Short('t').StringsVar(&cfg.genTypes.opts.types)
	genTypesCmd.Flag("refs", "Declare constant pool fields as unresolved references.").Default("false").BoolVar(&cfg.genTypes.opts.refs)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	t, err := newTool(logger, *jfrCfg)
	if err != nil {
		os.Exit(checkError(err))
	}

	switch parsedCmd {
	case summaryCmd.FullCommand():
		err = t.summary(ctx, os.Stdout, cfg.summary.file)
	case dumpCmd.FullCommand():
		err = t.dump(ctx, os.Stdout, cfg.dump.file, cfg.dump.types, cfg.dump.limit)
	case schemaCmd.FullCommand():
		err = t.schema(ctx, os.Stdout, cfg.schema.file, cfg.schema.types)
	case pprofCmd.FullCommand():
		err = t.pprof(ctx, cfg.pprof.files, cfg.pprof.output, cfg.pprof.opts)
	case genTypesCmd.FullCommand():
		err = genTypesTo(ctx, t, cfg.genTypes.file, cfg.genTypes.output, cfg.genTypes.opts)
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
	if err == nil && cfg.printMetrics {
		err = t.writeMetrics(consoleOutput)
	}
	os.Exit(checkError(err))
}

func genTypesTo(ctx context.Context, t *tool, file, output string, opts genTypesOptions) error {
	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return t.genTypes(ctx, w, file, opts)
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
	return 1
}
