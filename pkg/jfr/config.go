package jfr

import (
	"flag"
	"fmt"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/jfrstream/pkg/jfr/bytecursor"
	"github.com/grafana/jfrstream/pkg/jfr/plan"
	"github.com/grafana/jfrstream/pkg/jfr/pool"
)

type Config struct {
	// Recordings larger than a splice are mapped as several regions.
	SpliceSize    int64 `yaml:"splice_size"`
	PlanCacheSize int   `yaml:"plan_cache_size"`
	// Bounds how deeply constant pool entries may reference each other.
	MaxPoolDepth int `yaml:"max_pool_depth"`

	Decompress bool   `yaml:"decompress"`
	TempDir    string `yaml:"temp_dir,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		SpliceSize:    bytecursor.DefaultSpliceSize,
		PlanCacheSize: plan.DefaultCacheSize,
		MaxPoolDepth:  pool.DefaultMaxDepth,
		Decompress:    true,
	}
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("jfr.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	d := DefaultConfig()
	f.Int64Var(&cfg.SpliceSize, prefix+"splice-size", d.SpliceSize, "Size in bytes of a single mapped region of a recording. Rounded up to the page size.")
	f.IntVar(&cfg.PlanCacheSize, prefix+"plan-cache-size", d.PlanCacheSize, "Number of compiled decode and skip plans kept in memory.")
	f.IntVar(&cfg.MaxPoolDepth, prefix+"max-pool-depth", d.MaxPoolDepth, "Maximum nesting of constant pool references.")
	f.BoolVar(&cfg.Decompress, prefix+"decompress", d.Decompress, "Inflate gzip and zstd compressed recordings.")
	f.StringVar(&cfg.TempDir, prefix+"temp-dir", d.TempDir, "Directory for inflated recordings. Defaults to the system temporary directory.")
}

func (cfg *Config) Validate() error {
	if cfg.SpliceSize <= 0 {
		return fmt.Errorf("splice size must be positive, got %d", cfg.SpliceSize)
	}
	if cfg.PlanCacheSize <= 0 {
		return fmt.Errorf("plan cache size must be positive, got %d", cfg.PlanCacheSize)
	}
	if cfg.MaxPoolDepth <= 0 {
		return fmt.Errorf("max pool depth must be positive, got %d", cfg.MaxPoolDepth)
	}
	return nil
}

// Option configures a Parser.
type Option func(*options)

type options struct {
	cfg    Config
	logger log.Logger
	reg    prometheus.Registerer
	cache  *plan.Cache
}

func defaultOptions() options {
	return options{
		cfg:    DefaultConfig(),
		logger: log.NewNopLogger(),
	}
}

func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegisterer registers the parser metrics with reg. Parsers sharing a
// registerer share their metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.reg = reg
	}
}

// WithPlanCache shares compiled plans with other parsers using the same
// cache.
func WithPlanCache(cache *plan.Cache) Option {
	return func(o *options) {
		o.cache = cache
	}
}

func WithSpliceSize(n int64) Option {
	return func(o *options) {
		o.cfg.SpliceSize = n
	}
}
