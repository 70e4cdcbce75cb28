package hlog

// hlog.go is the hybrid log proper: the ring buffer plus the four atomic
// region boundaries and the allocate/get/region-advance operations of
// spec.md §4.3. It generalizes the teacher's shard.put "bump the arena,
// rotate on overflow" shape from per-shard time-bounded arenas to one
// striped ring buffer addressed by a monotonic logical counter.
//
// © 2025 corekv authors. MIT License.

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Voskan/corekv/internal/device"
	"github.com/Voskan/corekv/internal/epoch"
)

// Config configures a HybridLog instance. Fields mirror spec.md §6's
// configuration surface for the subset hlog itself owns.
type Config struct {
	PageSize         int64 // power of two
	NumPages         int64 // power of two; PageSize*NumPages == memory_size
	MutableFraction  float64
	ReadonlyFraction float64
	Device           device.Device
	Epoch            *epoch.Manager
	Logger           *zap.Logger
}

// HybridLog owns the in-memory ring buffer, the four atomic boundaries, and
// the device the on-disk prefix is persisted to.
type HybridLog struct {
	pm       pageMath
	numPages int64
	capacity int64

	pages []*physPage

	begin    atomic.Uint64
	head     atomic.Uint64
	readOnly atomic.Uint64
	tail     atomic.Uint64

	mutableFraction  float64
	readonlyFraction float64

	device device.Device
	epoch  *epoch.Manager
	log    *zap.Logger

	// lastFlushedPage is the index of the highest logical page fully
	// written to device so far; the background flush walk resumes from
	// lastFlushedPage+1 every time it runs.
	lastFlushedPage atomic.Int64
	// lastClosedPage mirrors lastFlushedPage for the head-advance walk.
	lastClosedPage atomic.Int64
}

// Open constructs a HybridLog starting at logical address 8 (0 stays
// reserved as "invalid"), with all four boundaries equal.
func Open(cfg Config) (*HybridLog, error) {
	pm, err := newPageMath(cfg.PageSize)
	if err != nil {
		return nil, err
	}
	if cfg.NumPages <= 0 || cfg.NumPages&(cfg.NumPages-1) != 0 {
		return nil, fmt.Errorf("hlog: num pages must be a power of two, got %d", cfg.NumPages)
	}
	if cfg.Device == nil {
		return nil, fmt.Errorf("hlog: device is required")
	}
	if cfg.Epoch == nil {
		return nil, fmt.Errorf("hlog: epoch manager is required")
	}
	lg := cfg.Logger
	if lg == nil {
		lg = zap.NewNop()
	}

	h := &HybridLog{
		pm:               pm,
		numPages:         cfg.NumPages,
		capacity:         cfg.NumPages * cfg.PageSize,
		pages:            make([]*physPage, cfg.NumPages),
		mutableFraction:  cfg.MutableFraction,
		readonlyFraction: cfg.ReadonlyFraction,
		device:           cfg.Device,
		epoch:            cfg.Epoch,
		log:              lg,
	}
	for i := range h.pages {
		h.pages[i] = newPhysPage(cfg.PageSize)
	}
	// Page 0 starts out allocated so the very first Allocate call does not
	// need to run the slot-preparation dance.
	h.pages[0].setState(PageAllocated)
	h.pages[0].logicalPage.Store(0)
	h.lastFlushedPage.Store(-1)
	h.lastClosedPage.Store(-1)

	const initial = 8 // keep address 0 reserved/invalid
	h.begin.Store(uint64(initial))
	h.head.Store(uint64(initial))
	h.readOnly.Store(uint64(initial))
	h.tail.Store(uint64(initial))
	return h, nil
}

// Begin, Head, ReadOnly, Tail return the four boundaries.
func (h *HybridLog) Begin() Address    { return Address(h.begin.Load()) }
func (h *HybridLog) Head() Address     { return Address(h.head.Load()) }
func (h *HybridLog) ReadOnly() Address { return Address(h.readOnly.Load()) }
func (h *HybridLog) Tail() Address     { return Address(h.tail.Load()) }

// Capacity returns the total number of bytes backing the in-memory ring.
func (h *HybridLog) Capacity() int64 { return h.capacity }

// PageSize returns the configured page size in bytes.
func (h *HybridLog) PageSize() int64 { return h.pm.pageSize }

// PageIndex returns the logical page number containing address a.
func (h *HybridLog) PageIndex(a Address) int64 { return h.pm.page(a) }

// PageStart returns the address of byte 0 of logical page p.
func (h *HybridLog) PageStart(p int64) Address { return Address(p << h.pm.pageShift) }

func (h *HybridLog) physSlot(page int64) *physPage {
	return h.pages[page&(h.numPages-1)]
}

// Allocate atomically advances tail by size (rounded to 8 bytes), padding
// and retrying across page boundaries, and returns a slice of the physical
// buffer the caller may write into. Allocate blocks cooperatively (it never
// holds a lock while doing so) when the ring is full and head has not
// advanced far enough to free the page the tail is about to enter.
func (h *HybridLog) Allocate(ctx context.Context, size int64) (Address, []byte, error) {
	aligned := alignUp8(size)
	if aligned > h.pm.pageSize {
		return 0, nil, fmt.Errorf("hlog: record of %d bytes exceeds page size %d", size, h.pm.pageSize)
	}

	backoff := time.Microsecond
	for {
		if err := ctx.Err(); err != nil {
			return 0, nil, fmt.Errorf("hlog: allocate: %w", err)
		}

		tail := Address(h.tail.Load())

		if !h.pm.fitsInPage(tail, aligned) {
			next := h.pm.startOfNextPage(tail)
			if h.tail.CompareAndSwap(uint64(tail), uint64(next)) {
				padSize := int64(next) - int64(tail)
				slot := h.physSlot(h.pm.page(tail))
				off := h.pm.offset(tail)
				EncodeInvalid(slot.buf[off : off+padSize])
			}
			continue
		}

		if h.pm.offset(tail) == 0 {
			ready := h.prepareSlotForPage(h.pm.page(tail))
			if !ready {
				select {
				case <-ctx.Done():
					return 0, nil, fmt.Errorf("hlog: allocate: %w", ctx.Err())
				case <-time.After(backoff):
				}
				if backoff < time.Millisecond {
					backoff *= 2
				}
				runtime.Gosched()
				continue
			}
		}

		newTail := tail + Address(aligned)
		if h.tail.CompareAndSwap(uint64(tail), uint64(newTail)) {
			slot := h.physSlot(h.pm.page(tail))
			off := h.pm.offset(tail)
			return tail, slot.buf[off : off+aligned], nil
		}
	}
}

// prepareSlotForPage ensures the physical ring slot for logicalPage is ready
// to receive writes, claiming it from Unallocated or Free via CAS. Returns
// false when the slot is still occupied by an older, not-yet-evicted page —
// the ring is full and the caller must yield for head to advance.
func (h *HybridLog) prepareSlotForPage(logicalPage int64) bool {
	slot := h.physSlot(logicalPage)

	if slot.logicalPage.Load() == logicalPage && slot.State() == PageAllocated {
		return true // another allocator already prepared this exact page
	}
	if slot.casState(PageUnallocated, PageAllocated) {
		slot.logicalPage.Store(logicalPage)
		return true
	}
	if slot.casState(PageFree, PageAllocated) {
		slot.logicalPage.Store(logicalPage)
		return true
	}
	return false
}

// Get returns the bytes of the record at address, which must lie within
// [begin, tail). The caller must hold an epoch guard covering the call: for
// addresses at or above head the returned slice aliases ring-buffer memory
// that only the guard keeps from being recycled; for addresses below head
// it is a fresh copy read from the device.
func (h *HybridLog) Get(ctx context.Context, address Address) ([]byte, error) {
	begin := Address(h.begin.Load())
	tail := Address(h.tail.Load())
	if address < begin || address >= tail {
		return nil, fmt.Errorf("hlog: address %d out of range [%d, %d)", address, begin, tail)
	}

	head := Address(h.head.Load())
	if address >= head {
		slot := h.physSlot(h.pm.page(address))
		off := h.pm.offset(address)
		// Peek the header to learn TotalLen without assuming the caller
		// already knows it.
		meta, err := DecodeMeta(slot.buf[off:])
		if err != nil {
			return nil, err
		}
		end := off + int64(meta.TotalLen)
		if end > int64(len(slot.buf)) {
			return nil, fmt.Errorf("hlog: record at %d overruns its page", address)
		}
		return slot.buf[off:end], nil
	}

	// Cold path: the page has been evicted from RAM; fetch from the device.
	// We don't know TotalLen up front, so read a header-sized probe first.
	probe, err := h.device.Read(ctx, uint64(address), metaSize)
	if err != nil {
		return nil, fmt.Errorf("hlog: device read (meta): %w", err)
	}
	meta, err := DecodeMeta(probe)
	if err != nil {
		return nil, err
	}
	full, err := h.device.Read(ctx, uint64(address), int(meta.TotalLen))
	if err != nil {
		return nil, fmt.Errorf("hlog: device read (record): %w", err)
	}
	return full, nil
}

// FlushNewlyImmutable writes every page that is fully covered by
// [head, readOnly) and not yet flushed out to the device, in page order,
// marking each PageFlushed as its write completes. It is meant to be
// driven by the background scheduler after a successful TryAdvanceReadOnly.
func (h *HybridLog) FlushNewlyImmutable(ctx context.Context) error {
	readOnly := Address(h.readOnly.Load())
	targetPage := h.pm.page(readOnly) - 1 // pages strictly before readOnly's page are fully covered

	start := h.lastFlushedPage.Load() + 1
	for p := start; p <= targetPage; p++ {
		slot := h.physSlot(p)
		if slot.logicalPage.Load() != p {
			break // slot already reused for a later page; nothing left to flush here
		}
		if slot.State() != PageAllocated {
			continue
		}
		addr := uint64(p) << h.pm.pageShift
		if err := h.device.Write(ctx, addr, slot.buf); err != nil {
			return fmt.Errorf("hlog: flush page %d: %w", p, err)
		}
		if !slot.casState(PageAllocated, PageFlushed) {
			// Raced with a concurrent flush driver; leave state/bookkeeping
			// to whichever one actually advanced it.
			continue
		}
		h.lastFlushedPage.Store(p)
	}
	return nil
}

// StageTail copies the live bytes of every ring page from the start of
// readOnly's page through tail, for a checkpoint to persist as its log-tail
// staging file. Records in [readOnly, tail) have not reached a page
// FlushNewlyImmutable would flush, so without this copy they exist only in
// RAM and do not survive a restart.
func (h *HybridLog) StageTail(readOnly, tail Address) ([]byte, error) {
	start := h.pm.page(readOnly) // re-captures the whole boundary-straddling page too
	startAddr := Address(start << h.pm.pageShift)
	if tail <= startAddr {
		return nil, nil
	}
	lastPage := h.pm.page(tail - 1)

	out := make([]byte, 0, (lastPage-start+1)*h.pm.pageSize)
	for p := start; p <= lastPage; p++ {
		slot := h.physSlot(p)
		if slot.logicalPage.Load() != p {
			return nil, fmt.Errorf("hlog: stage tail: page %d not resident", p)
		}
		out = append(out, slot.buf...)
	}
	return out, nil
}

// Restore resets the four boundaries to the values recorded in a checkpoint
// descriptor and repopulates the ring pages spanning [head, tail) so Get can
// serve addresses the index recovers without every one of them forcing a
// device round trip. Pages below the page containing readOnly are already
// durable (FlushNewlyImmutable wrote them before the descriptor was
// committed) and are reloaded from the device; pages from that point through
// tail exist only in tailBytes, the buffer a checkpoint captured via
// StageTail before anything could overwrite that RAM. Restore must run
// before any Allocate or Get call against h.
func (h *HybridLog) Restore(ctx context.Context, begin, head, readOnly, tail Address, tailBytes []byte) error {
	h.begin.Store(uint64(begin))
	h.head.Store(uint64(head))
	h.readOnly.Store(uint64(readOnly))
	h.tail.Store(uint64(tail))

	firstPage := h.pm.page(head)
	if tail <= head {
		h.lastFlushedPage.Store(firstPage - 1)
		h.lastClosedPage.Store(firstPage - 1)
		return nil
	}
	lastPage := h.pm.page(tail - 1)
	tailStartPage := h.pm.page(readOnly)

	for p := firstPage; p <= lastPage; p++ {
		var buf []byte
		if p < tailStartPage {
			b, err := h.device.Read(ctx, uint64(p)<<h.pm.pageShift, int(h.pm.pageSize))
			if err != nil {
				return fmt.Errorf("hlog: restore: read flushed page %d: %w", p, err)
			}
			buf = b
		} else {
			off := (p - tailStartPage) * h.pm.pageSize
			if off < 0 || off+h.pm.pageSize > int64(len(tailBytes)) {
				return fmt.Errorf("hlog: restore: staged tail missing page %d", p)
			}
			buf = tailBytes[off : off+h.pm.pageSize]
		}

		slot := h.physSlot(p)
		copy(slot.buf, buf)
		slot.logicalPage.Store(p)
		if p < tailStartPage {
			slot.setState(PageFlushed)
		} else {
			slot.setState(PageAllocated)
		}
	}

	h.lastFlushedPage.Store(tailStartPage - 1)
	h.lastClosedPage.Store(firstPage - 1)
	return nil
}

// TryAdvanceReadOnly attempts one CAS step of the read-only boundary toward
// tail - mutableFraction*capacity. Returns the new boundary and whether this
// call performed the advance (false means another advancer won the race, or
// there was nothing useful to advance).
func (h *HybridLog) TryAdvanceReadOnly() (Address, bool) {
	tail := Address(h.tail.Load())
	readOnly := Address(h.readOnly.Load())

	lag := Address(int64(float64(h.capacity) * h.mutableFraction))
	if tail <= lag {
		return readOnly, false // tail - lag would wrap below address 0
	}
	target := tail - lag
	if target <= readOnly {
		return readOnly, false
	}
	if h.readOnly.CompareAndSwap(uint64(readOnly), uint64(target)) {
		return target, true
	}
	return Address(h.readOnly.Load()), false
}

// TryAdvanceHead attempts one CAS step of the head boundary toward
// readOnly - readonlyFraction*capacity, but only as far as pages that have
// actually finished flushing allow. Pages that fall below the new head are
// deferred to the epoch manager for eventual freeing; TryAdvanceHead itself
// never blocks on the grace period.
func (h *HybridLog) TryAdvanceHead() (Address, bool) {
	readOnly := Address(h.readOnly.Load())
	head := Address(h.head.Load())

	lag := Address(int64(float64(h.capacity) * h.readonlyFraction))
	if readOnly <= lag {
		return head, false // readOnly - lag would wrap below address 0
	}
	target := readOnly - lag
	if target <= head {
		return head, false
	}

	// Clamp target to what has actually been flushed to disk so far.
	flushedThrough := h.lastFlushedPage.Load()
	maxAllowedAddr := Address((flushedThrough + 1) << h.pm.pageShift)
	if target > maxAllowedAddr {
		target = maxAllowedAddr
	}
	if target <= head {
		return head, false
	}

	if !h.head.CompareAndSwap(uint64(head), uint64(target)) {
		return Address(h.head.Load()), false
	}

	h.closeAndDeferPages(h.pm.page(head), h.pm.page(target))
	return target, true
}

// closeAndDeferPages marks every page in [fromPage, toPage) Closed and
// registers its physical slot to become Free once the current epoch drains,
// guaranteeing no in-flight reader still holds a reference to it.
func (h *HybridLog) closeAndDeferPages(fromPage, toPage int64) {
	for p := fromPage; p < toPage; p++ {
		slot := h.physSlot(p)
		if slot.logicalPage.Load() != p {
			continue
		}
		if !slot.casState(PageFlushed, PageClosed) {
			continue
		}
		slotCopy := slot
		h.epoch.Defer(func() {
			if slotCopy.casState(PageClosed, PageEvicting) {
				for i := range slotCopy.buf {
					slotCopy.buf[i] = 0
				}
				slotCopy.casState(PageEvicting, PageFree)
			}
		})
	}
}

// AdvanceBegin CASes begin_address to newBegin, called by the garbage
// collector once no index entry references anything below newBegin. The
// device is given the opportunity to reclaim disk space below the new
// boundary.
func (h *HybridLog) AdvanceBegin(ctx context.Context, newBegin Address) error {
	for {
		begin := Address(h.begin.Load())
		if newBegin <= begin {
			return nil
		}
		if h.begin.CompareAndSwap(uint64(begin), uint64(newBegin)) {
			break
		}
	}
	if err := h.device.Truncate(ctx, uint64(newBegin)); err != nil {
		return fmt.Errorf("hlog: truncate: %w", err)
	}
	return nil
}
