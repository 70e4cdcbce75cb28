package corekv

// scheduler.go is the background worker described in spec.md §5: a single
// loop goroutine that periodically advances read-only/head boundaries,
// drives flushes, and runs checkpoints/GC on their configured intervals. The
// read-only advance and flush of each region tick run in a
// golang.org/x/sync/errgroup goroutine that the loop waits on; checkpoints
// and GC run directly on the loop goroutine. Every task is cooperatively
// cancelled through the scheduler's context on Close.
//
// © 2025 corekv authors. MIT License.

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const regionAdvanceInterval = 5 * time.Millisecond

type scheduler struct {
	store  *Store
	status *backgroundStatus
	log    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func newScheduler(store *Store) *scheduler {
	return &scheduler{store: store, status: store.status, log: store.cfg.logger}
}

func (s *scheduler) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx)
}

func (s *scheduler) stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *scheduler) loop(ctx context.Context) {
	defer close(s.done)

	regionTicker := time.NewTicker(regionAdvanceInterval)
	defer regionTicker.Stop()

	var checkpointTicker, gcTicker *time.Ticker
	if s.store.cfg.checkpointInterval > 0 {
		checkpointTicker = time.NewTicker(s.store.cfg.checkpointInterval)
		defer checkpointTicker.Stop()
	}
	if s.store.cfg.gcInterval > 0 {
		gcTicker = time.NewTicker(s.store.cfg.gcInterval)
		defer gcTicker.Stop()
	}

	var checkpointCh, gcCh <-chan time.Time
	if checkpointTicker != nil {
		checkpointCh = checkpointTicker.C
	}
	if gcTicker != nil {
		gcCh = gcTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-regionTicker.C:
			s.advanceRegions(ctx)
		case <-checkpointCh:
			if _, err := s.store.Checkpoint(ctx); err != nil {
				s.status.recordError(err)
				s.log.Warn("scheduled checkpoint failed", zap.Error(err))
			}
		case <-gcCh:
			if err := s.store.runGC(ctx); err != nil {
				s.status.recordError(err)
				s.log.Warn("scheduled gc failed", zap.Error(err))
			}
		}
	}
}

// advanceRegions runs one round of read-only/head advancement plus the
// flush it unblocks. The read-only advance and flush run in an errgroup
// goroutine that advanceRegions waits for, so a slow flush delays the head
// advance and the next tick.
func (s *scheduler) advanceRegions(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.store.hlog.TryAdvanceReadOnly()
		return s.store.hlog.FlushNewlyImmutable(gctx)
	})
	if err := g.Wait(); err != nil {
		s.status.recordError(err)
		s.log.Warn("background flush failed", zap.Error(err))
		return
	}
	s.store.hlog.TryAdvanceHead()
	s.store.em.Advance()

	b, h, r, t := s.store.hlog.Begin(), s.store.hlog.Head(), s.store.hlog.ReadOnly(), s.store.hlog.Tail()
	s.store.metrics.setBoundaries(uint64(b), uint64(h), uint64(r), uint64(t))
}
