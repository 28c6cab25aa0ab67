package main

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"
	"gopkg.in/yaml.v3"

	"github.com/grafana/jfrstream/pkg/jfr"
)

const configFileFlag = "config.file"

// loadConfig reads the file named by -config.file, if any, on top of the
// defaults. Flags are registered afterwards with the loaded values as
// defaults, so that they take precedence over the file.
func loadConfig(args []string) (*jfr.Config, error) {
	c := jfr.DefaultConfig()
	path := configFilePath(args)
	if path == "" {
		return &c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "parse config file %s", path)
	}
	return &c, nil
}

// configFilePath finds the config file flag before the command line is
// parsed.
func configFilePath(args []string) string {
	for i, arg := range args {
		name := strings.TrimLeft(arg, "-")
		if len(name) == len(arg) {
			continue
		}
		if v, ok := strings.CutPrefix(name, configFileFlag+"="); ok {
			return v
		}
		if name == configFileFlag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func registerConfigFlags(app *kingpin.Application, c *jfr.Config) {
	app.Flag("jfr.splice-size", "Size in bytes of a single mapped region of a recording.").
		Default(strconv.FormatInt(c.SpliceSize, 10)).Int64Var(&c.SpliceSize)
	app.Flag("jfr.plan-cache-size", "Number of compiled decode and skip plans kept in memory.").
		Default(strconv.Itoa(c.PlanCacheSize)).IntVar(&c.PlanCacheSize)
	app.Flag("jfr.max-pool-depth", "Maximum nesting of constant pool references.").
		Default(strconv.Itoa(c.MaxPoolDepth)).IntVar(&c.MaxPoolDepth)
	app.Flag("jfr.decompress", "Inflate gzip and zstd compressed recordings.").
		Default(strconv.FormatBool(c.Decompress)).BoolVar(&c.Decompress)
	app.Flag("jfr.temp-dir", "Directory for inflated recordings.").
		Default(c.TempDir).StringVar(&c.TempDir)
}
