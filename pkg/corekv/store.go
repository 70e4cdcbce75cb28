package corekv

// store.go implements the Core API of spec.md §6: open/close/upsert/read/
// delete/rmw/checkpoint/recover/stats, wiring epoch+device+hlog+index+
// checkpoint+gc together behind a single Store. It plays the role the
// teacher's Cache[K,V] plays for arena-cache, but the unit of storage is a
// byte-oriented hybrid log rather than a sharded in-memory map.
//
// © 2025 corekv authors. MIT License.

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/Voskan/corekv/internal/checkpoint"
	"github.com/Voskan/corekv/internal/device"
	"github.com/Voskan/corekv/internal/epoch"
	"github.com/Voskan/corekv/internal/gc"
	"github.com/Voskan/corekv/internal/hlog"
	"github.com/Voskan/corekv/internal/index"
	corekverrors "github.com/Voskan/corekv/pkg/errors"
)

// Mutator is the pure read-modify-write function spec.md §6 requires:
// given the current value (absent if the key does not exist yet), it
// returns the value to write.
type Mutator func(current []byte, found bool) []byte

// Stats is a point-in-time snapshot of store counters, per spec.md §6's
// `stats() -> snapshot of counters`.
type Stats struct {
	Begin, Head, ReadOnly, Tail hlog.Address
	LastCheckpointToken         string
	CheckpointsCommitted        int
	GCPasses                    int
	LastBackgroundError         error
	LastBackgroundErrorAt       time.Time
}

// Store is a single hybrid-log key-value engine instance.
type Store struct {
	cfg *config

	dev   device.Device
	em    *epoch.Manager
	hlog  *hlog.HybridLog
	idx   *index.Index
	ckpt  *checkpoint.Driver
	gcRun *gc.Collector

	sched   *scheduler
	status  *backgroundStatus
	metrics metricsSink

	mu              sync.Mutex // guards lastCheckpointT and closed; upsert/delete/rmw do not take it
	lastCheckpointT string

	closed bool
}

// Open constructs a Store rooted at dir, recovering from the latest
// checkpoint found there unless WithRecoverOnOpen(false) was passed, and
// starts the background scheduler.
func Open(dir string, opts ...Option) (*Store, error) {
	cfg := defaultConfig(dir)
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logDir := filepath.Join(dir, "log")
	dev, err := device.NewFileDevice(device.FileDeviceConfig{
		Dir:         logDir,
		SegmentSize: cfg.pageSize * cfg.numPages(),
		Logger:      cfg.logger,
	})
	if err != nil {
		return nil, corekverrors.IO(err, "open")
	}

	em := epoch.NewManager()
	hl, err := hlog.Open(hlog.Config{
		PageSize:         cfg.pageSize,
		NumPages:         cfg.numPages(),
		MutableFraction:  cfg.mutableFraction,
		ReadonlyFraction: cfg.readonlyFraction,
		Device:           dev,
		Epoch:            em,
		Logger:           cfg.logger,
	})
	if err != nil {
		dev.Close()
		return nil, corekverrors.NewStoreError(err, corekverrors.CodeInvalidInput, "open: hlog")
	}

	idx := index.New(defaultIndexBuckets)

	ckptDir := filepath.Join(dir, "checkpoints")
	ckpt, err := checkpoint.New(ckptDir, hl, idx, cfg.logger)
	if err != nil {
		dev.Close()
		return nil, corekverrors.IO(err, "open: checkpoint driver")
	}

	gcRun := gc.New(hl, idx, em, cfg.logger)
	gcRun.Parallelism = cfg.gcParallelism

	st := &Store{
		cfg:     cfg,
		dev:     dev,
		em:      em,
		hlog:    hl,
		idx:     idx,
		ckpt:    ckpt,
		gcRun:   gcRun,
		status:  &backgroundStatus{},
		metrics: newMetricsSink(cfg.registry),
	}

	if cfg.recoverOnOpen {
		rec, err := checkpoint.Recover(context.Background(), ckptDir, hl, idx, cfg.logger)
		if err != nil {
			dev.Close()
			return nil, corekverrors.NewStoreError(err, corekverrors.CodeCorrupted, "open: recover")
		}
		st.lastCheckpointT = rec.Token
	}

	st.sched = newScheduler(st)
	st.sched.start()
	return st, nil
}

// defaultIndexBuckets is the initial bucket count for a freshly opened
// store; the index grows its overflow chains as needed without resizing the
// top-level table (see internal/index for the bucket-chaining design).
const defaultIndexBuckets = 1 << 14

// Close flushes, stops the background scheduler, optionally persists a
// final checkpoint, and releases the device.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.sched.stop()

	if err := s.hlog.FlushNewlyImmutable(ctx); err != nil {
		return corekverrors.IO(err, "close: flush")
	}
	if s.cfg.checkpointOnClose {
		if _, err := s.Checkpoint(ctx); err != nil {
			return err
		}
	}
	if err := s.dev.Close(); err != nil {
		return corekverrors.IO(err, "close: device")
	}
	return nil
}

// Upsert appends a new version of key (tombstone records are produced only
// by Delete) and installs its address in the index under CAS.
func (s *Store) Upsert(ctx context.Context, key, value []byte) error {
	if s.isClosed() {
		return corekverrors.Closed("upsert")
	}
	s.metrics.incUpsert()
	_, err := s.appendAndInstall(ctx, key, value, 0)
	if err != nil {
		return classify(err, "upsert", ctx)
	}
	return nil
}

// Read returns the current value for key, or corekverrors.NotFound if no
// live record exists.
func (s *Store) Read(ctx context.Context, key []byte) ([]byte, error) {
	if s.isClosed() {
		return nil, corekverrors.Closed("read")
	}
	g := s.em.Protect()
	defer s.em.Unprotect(g)

	hash := hashKey(key)
	tag := index.Tag(hash)
	addr, ok := s.idx.Find(hash, tag, s.keyMatch(ctx, key))
	if !ok {
		s.metrics.incRead(false)
		return nil, corekverrors.NotFound(string(key))
	}

	raw, err := s.hlog.Get(ctx, hlog.Address(addr))
	if err != nil {
		s.metrics.incRead(false)
		return nil, classify(err, "read", ctx)
	}
	rec, err := hlog.Decode(raw)
	if err != nil {
		return nil, corekverrors.Corrupted(err, "record")
	}
	if !bytesEqual(rec.Key, key) || rec.Meta.Tombstone() {
		s.metrics.incRead(false)
		return nil, corekverrors.NotFound(string(key))
	}
	s.metrics.incRead(true)
	out := make([]byte, len(rec.Value))
	copy(out, rec.Value)
	return out, nil
}

// Delete appends a tombstone record for key.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	if s.isClosed() {
		return corekverrors.Closed("delete")
	}
	s.metrics.incDelete()
	_, err := s.appendAndInstall(ctx, key, nil, hlog.FlagTombstone)
	if err != nil {
		return classify(err, "delete", ctx)
	}
	return nil
}

// RMW performs a read-modify-write: it reads the current value (if any),
// calls mutator, and appends the result as a new version, retrying the
// index CAS if a concurrent writer won the race in between.
func (s *Store) RMW(ctx context.Context, key []byte, mutator Mutator) error {
	if s.isClosed() {
		return corekverrors.Closed("rmw")
	}
	s.metrics.incRMW()

	hash := hashKey(key)
	tag := index.Tag(hash)
	for {
		current, found, expectedAddr, err := s.readForRMW(ctx, key, hash, tag)
		if err != nil {
			return classify(err, "rmw", ctx)
		}
		next := mutator(current, found)

		addr, err := s.appendRecord(ctx, key, next, 0)
		if err != nil {
			return classify(err, "rmw", ctx)
		}
		if expectedAddr == 0 { // no index entry yet; a tombstoned key still has one
			if s.idx.InsertNew(hash, tag, uint64(addr), s.keyMatch(ctx, key)) != index.Retry {
				return nil
			}
			continue // lost race to install a brand-new key; retry from the read
		}
		if s.idx.UpdateCAS(hash, tag, expectedAddr, uint64(addr)) != index.Retry {
			return nil
		}
		// Lost the CAS race: someone else updated the key between our read
		// and our CAS. The record we just appended becomes orphaned log
		// space, reclaimed by GC once begin_address passes it.
	}
}

func (s *Store) readForRMW(ctx context.Context, key []byte, hash uint64, tag uint16) (value []byte, found bool, addr uint64, err error) {
	g := s.em.Protect()
	defer s.em.Unprotect(g)

	cur, ok := s.idx.Find(hash, tag, s.keyMatch(ctx, key))
	if !ok {
		return nil, false, 0, nil
	}
	raw, err := s.hlog.Get(ctx, hlog.Address(cur))
	if err != nil {
		return nil, false, 0, err
	}
	rec, err := hlog.Decode(raw)
	if err != nil {
		return nil, false, 0, err
	}
	if !bytesEqual(rec.Key, key) || rec.Meta.Tombstone() {
		return nil, false, cur, nil
	}
	out := make([]byte, len(rec.Value))
	copy(out, rec.Value)
	return out, true, cur, nil
}

// appendAndInstall appends a record and installs it in the index,
// retrying the insert-vs-update decision if a concurrent writer raced it.
func (s *Store) appendAndInstall(ctx context.Context, key, value []byte, flags uint8) (hlog.Address, error) {
	addr, err := s.appendRecord(ctx, key, value, flags)
	if err != nil {
		return 0, err
	}

	hash := hashKey(key)
	tag := index.Tag(hash)
	match := s.keyMatch(ctx, key)
	for {
		cur, ok := s.idx.Find(hash, tag, match)
		if !ok {
			if s.idx.InsertNew(hash, tag, uint64(addr), match) != index.Retry {
				return addr, nil
			}
			continue
		}
		if s.idx.UpdateCAS(hash, tag, cur, uint64(addr)) != index.Retry {
			return addr, nil
		}
	}
}

// keyMatch returns an index.KeyMatch that disambiguates slots sharing a tag
// by reading the candidate address back from the log and comparing its
// actual key against key, rather than trusting the first tag match.
func (s *Store) keyMatch(ctx context.Context, key []byte) index.KeyMatch {
	return func(candidate uint64) bool {
		g := s.em.Protect()
		defer s.em.Unprotect(g)
		raw, err := s.hlog.Get(ctx, hlog.Address(candidate))
		if err != nil {
			return false
		}
		rec, err := hlog.Decode(raw)
		if err != nil {
			return false
		}
		return bytesEqual(rec.Key, key)
	}
}

func (s *Store) appendRecord(ctx context.Context, key, value []byte, flags uint8) (hlog.Address, error) {
	size := hlog.RecordSize(len(key), len(value))
	addr, buf, err := s.hlog.Allocate(ctx, size)
	if err != nil {
		return 0, err
	}
	meta := hlog.Meta{Flags: flags}
	if err := hlog.Encode(buf, meta, key, value); err != nil {
		return 0, err
	}
	return addr, nil
}

// Checkpoint runs one checkpoint pass and returns its token.
func (s *Store) Checkpoint(ctx context.Context) (string, error) {
	token, err := s.ckpt.Run(ctx)
	if err != nil {
		return "", corekverrors.IO(err, "checkpoint")
	}
	s.mu.Lock()
	s.lastCheckpointT = token
	s.mu.Unlock()
	s.status.recordCheckpoint()
	s.metrics.incCheckpoint()
	return token, nil
}

// runGC picks new_begin from the last checkpoint's frozen tail (falling
// back to the current read-only boundary when no checkpoint has run yet)
// and runs one GC pass.
func (s *Store) runGC(ctx context.Context) error {
	s.mu.Lock()
	token := s.lastCheckpointT
	s.mu.Unlock()

	target := s.hlog.ReadOnly()
	if token != "" {
		desc, err := checkpoint.ReadDescriptor(filepath.Join(s.cfg.dir, "checkpoints", token, "meta"))
		if err == nil {
			target = desc.Tail
		}
	}
	stats, err := s.gcRun.Run(ctx, target)
	if err != nil {
		return err
	}
	s.status.recordGC()
	s.metrics.incGC(stats.Migrated, stats.Removed)
	return nil
}

// Stats returns a point-in-time snapshot of store counters.
func (s *Store) Stats() Stats {
	lastErr, lastAt, checkpoints, gcPasses := s.status.snapshot()
	s.mu.Lock()
	token := s.lastCheckpointT
	s.mu.Unlock()
	return Stats{
		Begin:                 s.hlog.Begin(),
		Head:                  s.hlog.Head(),
		ReadOnly:              s.hlog.ReadOnly(),
		Tail:                  s.hlog.Tail(),
		LastCheckpointToken:   token,
		CheckpointsCommitted:  checkpoints,
		GCPasses:              gcPasses,
		LastBackgroundError:   lastErr,
		LastBackgroundErrorAt: lastAt,
	}
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func classify(err error, op string, ctx context.Context) error {
	if ctx.Err() != nil {
		return corekverrors.Timeout(err, op)
	}
	return corekverrors.IO(err, op)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// hashKey is the FNV-1a 64-bit hash used to select index buckets and tags.
// Kept identical to internal/checkpoint's copy so recovered and freshly
// written entries land in the same bucket for the same key.
func hashKey(key []byte) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for _, b := range key {
		h ^= uint64(b)
		h *= prime64
	}
	return h
}
