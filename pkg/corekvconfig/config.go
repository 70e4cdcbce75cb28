// Package corekvconfig loads a corekv.Config from either a struct literal or
// a pflag.FlagSet, and turns it into the functional Options pkg/corekv.Open
// expects. It mirrors the teacher's defaultConfig()/applyOptions() split in
// pkg/config.go: a plain defaulted struct first, options derived from it
// second, so CLI tools and library callers share one source of truth for
// defaults.
//
// © 2025 corekv authors. MIT License.
package corekvconfig

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"

	"github.com/Voskan/corekv/pkg/corekv"
)

// Config is the flat, serializable/flaggable mirror of pkg/corekv's Option
// set. Every field has the same meaning as its corekv.With* counterpart.
type Config struct {
	Dir                string        `json:"dir"`
	MemorySize         int64         `json:"memory_size"`
	PageSize           int64         `json:"page_size"`
	MutableFraction    float64       `json:"mutable_fraction"`
	ReadonlyFraction   float64       `json:"readonly_fraction"`
	CheckpointInterval time.Duration `json:"checkpoint_interval"`
	GCInterval         time.Duration `json:"gc_interval"`
	GCParallelism      int           `json:"gc_parallelism"`
	CheckpointOnClose  bool          `json:"checkpoint_on_close"`
	RecoverOnOpen      bool          `json:"recover_on_open"`
	MetricsEnabled     bool          `json:"metrics_enabled"`
}

// Default returns a Config populated with the same defaults pkg/corekv.Open
// applies internally when an Option is omitted.
func Default(dir string) Config {
	return Config{
		Dir:                dir,
		MemorySize:         64 << 20,
		PageSize:           1 << 20,
		MutableFraction:    0.6,
		ReadonlyFraction:   0.2,
		GCParallelism:      4,
		CheckpointOnClose:  true,
		RecoverOnOpen:      true,
	}
}

// RegisterFlags binds fs's flags to c, defaulting every flag to c's current
// field values. Call Default first to seed sensible defaults before
// registering.
func RegisterFlags(fs *flag.FlagSet, c *Config) {
	fs.StringVar(&c.Dir, "dir", c.Dir, "store directory")
	fs.Int64Var(&c.MemorySize, "memory-size", c.MemorySize, "in-memory log capacity in bytes")
	fs.Int64Var(&c.PageSize, "page-size", c.PageSize, "page size in bytes (power of two)")
	fs.Float64Var(&c.MutableFraction, "mutable-fraction", c.MutableFraction, "fraction of capacity kept mutable")
	fs.Float64Var(&c.ReadonlyFraction, "readonly-fraction", c.ReadonlyFraction, "fraction of capacity kept read-only")
	fs.DurationVar(&c.CheckpointInterval, "checkpoint-interval", c.CheckpointInterval, "background checkpoint interval (0 disables)")
	fs.DurationVar(&c.GCInterval, "gc-interval", c.GCInterval, "background GC interval (0 disables)")
	fs.IntVar(&c.GCParallelism, "gc-parallelism", c.GCParallelism, "number of bucket ranges GC scans concurrently")
	fs.BoolVar(&c.CheckpointOnClose, "checkpoint-on-close", c.CheckpointOnClose, "checkpoint once more on Close")
	fs.BoolVar(&c.RecoverOnOpen, "recover-on-open", c.RecoverOnOpen, "replay the latest checkpoint on Open")
	fs.BoolVar(&c.MetricsEnabled, "metrics", c.MetricsEnabled, "enable Prometheus metrics collection")
}

// Validate checks Dir, PageSize and MemorySize without opening a store. It
// does not check the region fractions or that MemorySize/PageSize is a
// power of two, both of which corekv.Open also rejects.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("corekvconfig: dir must be set")
	}
	if c.PageSize <= 0 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("corekvconfig: page size must be a power of two")
	}
	if c.MemorySize <= 0 || c.MemorySize%c.PageSize != 0 {
		return fmt.Errorf("corekvconfig: memory size must be a positive multiple of page size")
	}
	return nil
}

// Options converts c into the corekv.Option slice corekv.Open expects. reg
// is the Prometheus registry to use when c.MetricsEnabled is set; it may be
// nil, in which case metrics are silently disabled regardless of the flag.
func (c Config) Options(reg *prometheus.Registry) []corekv.Option {
	opts := []corekv.Option{
		corekv.WithMemorySize(c.MemorySize),
		corekv.WithPageSize(c.PageSize),
		corekv.WithRegionFractions(c.MutableFraction, c.ReadonlyFraction),
		corekv.WithCheckpointInterval(c.CheckpointInterval),
		corekv.WithGCInterval(c.GCInterval),
		corekv.WithGCParallelism(c.GCParallelism),
		corekv.WithCheckpointOnClose(c.CheckpointOnClose),
		corekv.WithRecoverOnOpen(c.RecoverOnOpen),
	}
	if c.MetricsEnabled && reg != nil {
		opts = append(opts, corekv.WithMetrics(reg))
	}
	return opts
}
