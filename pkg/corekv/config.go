// Package corekv is the thin, typed-friendly wrapper around the internal
// epoch/device/hlog/index/checkpoint/gc packages: it wires them together
// behind the Core API spec.md §6 describes (open/close/upsert/read/
// delete/rmw/checkpoint/recover/stats) and runs the background scheduler
// that advances region boundaries, flushes, checkpoints, and collects
// garbage. It generalizes the teacher's Cache[K,V] functional-options
// config and shard-of-structures layout onto a single hybrid-log store.
//
// © 2025 corekv authors. MIT License.
package corekv

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Option configures a Store. Every option is a plain function over config so
// new knobs never break existing call sites, the same functional-options
// shape the teacher uses for Cache[K,V].
type Option func(*config)

type config struct {
	dir string

	memorySize       int64
	pageSize         int64
	mutableFraction  float64
	readonlyFraction float64

	checkpointInterval time.Duration
	gcInterval         time.Duration
	gcParallelism      int

	checkpointOnClose bool
	recoverOnOpen     bool

	logger   *zap.Logger
	registry *prometheus.Registry
}

func defaultConfig(dir string) *config {
	return &config{
		dir:                dir,
		memorySize:         64 << 20, // 64 MiB
		pageSize:           1 << 20,  // 1 MiB
		mutableFraction:    0.6,
		readonlyFraction:   0.2,
		checkpointInterval: 0, // disabled unless WithCheckpointInterval is set
		gcInterval:         0,
		gcParallelism:      4,
		checkpointOnClose:  true,
		recoverOnOpen:      true,
		logger:             zap.NewNop(),
	}
}

// WithMemorySize sets the total in-memory ring-buffer capacity in bytes; must
// be a power-of-two multiple of the page size.
func WithMemorySize(bytes int64) Option {
	return func(c *config) { c.memorySize = bytes }
}

// WithPageSize sets the power-of-two page size in bytes.
func WithPageSize(bytes int64) Option {
	return func(c *config) { c.pageSize = bytes }
}

// WithRegionFractions overrides the fraction of capacity kept mutable and
// read-only before the respective boundary is advanced further.
func WithRegionFractions(mutable, readonly float64) Option {
	return func(c *config) {
		c.mutableFraction = mutable
		c.readonlyFraction = readonly
	}
}

// WithCheckpointInterval enables a background checkpoint every interval; zero
// (the default) disables automatic checkpointing.
func WithCheckpointInterval(interval time.Duration) Option {
	return func(c *config) { c.checkpointInterval = interval }
}

// WithGCInterval enables a background GC pass every interval.
func WithGCInterval(interval time.Duration) Option {
	return func(c *config) { c.gcInterval = interval }
}

// WithGCParallelism bounds how many bucket ranges GC scans concurrently.
func WithGCParallelism(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.gcParallelism = n
		}
	}
}

// WithLogger plugs an external zap.Logger. The store never logs on the hot
// path; only background transitions (checkpoint, GC, recovery) are emitted.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics collection. Passing nil disables
// metrics (the default).
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

// WithCheckpointOnClose controls whether Close persists a final checkpoint;
// enabled by default.
func WithCheckpointOnClose(enabled bool) Option {
	return func(c *config) { c.checkpointOnClose = enabled }
}

// WithRecoverOnOpen controls whether Open replays the latest checkpoint;
// enabled by default. Disabling it is mainly useful for tests that want a
// guaranteed-empty store against a nonempty directory.
func WithRecoverOnOpen(enabled bool) Option {
	return func(c *config) { c.recoverOnOpen = enabled }
}

func (c *config) validate() error {
	if c.dir == "" {
		return errors.New("corekv: dir must be set")
	}
	if c.pageSize <= 0 || c.pageSize&(c.pageSize-1) != 0 {
		return errors.New("corekv: page size must be a power of two")
	}
	if c.memorySize <= 0 || c.memorySize%c.pageSize != 0 {
		return errors.New("corekv: memory size must be a positive multiple of page size")
	}
	numPages := c.memorySize / c.pageSize
	if numPages&(numPages-1) != 0 {
		return errors.New("corekv: memory size / page size must be a power of two")
	}
	if c.mutableFraction <= 0 || c.mutableFraction >= 1 {
		return errors.New("corekv: mutable fraction must be in (0, 1)")
	}
	if c.readonlyFraction <= 0 || c.mutableFraction+c.readonlyFraction >= 1 {
		return errors.New("corekv: mutable+readonly fraction must be < 1")
	}
	return nil
}

func (c *config) numPages() int64 { return c.memorySize / c.pageSize }
