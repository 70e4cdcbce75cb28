// Package epoch implements grace-period based reclamation for corekv.
//
// Every thread that touches log bytes or index entries first calls Protect,
// which pins the calling goroutine to the current global epoch; it calls
// Unprotect before blocking or returning. A piece of deferred work ("free
// this page", "drop this bucket") is registered with Defer against the epoch
// at which it became unreachable, and only runs once every goroutine has been
// observed in a strictly later epoch.
//
// The design mirrors the teacher's genring/clockpro split: genring owned
// generation lifetime with no locking because the parent shard already
// serialised access; here, by contrast, Manager is the thing that *provides*
// the serialisation-free guarantee to its callers. Per-goroutine slots are
// atomic words; the slot table is read and grown under an RWMutex, and the
// deferred-callback queue is guarded by a mutex.
//
// © 2025 corekv authors. MIT License.
package epoch

import (
	"sync"
	"sync/atomic"
)

// maxThreads is the initial size of the striped table of per-thread epoch
// slots, and the increment it grows by when every slot is claimed. Each
// Protect call claims one slot until its Guard is released; the table grows rather than wrapping around and silently sharing a
// slot once more than this many guards are concurrently live.
const maxThreads = 128

// unprotected is the sentinel slot value meaning "this slot does not hold an
// active protection right now".
const unprotected = ^uint64(0)

// claiming is the sentinel a goroutine stores while it owns a slot but has
// not yet published the epoch it is entering. It is deliberately larger than
// any real epoch value (one below unprotected) so that Advance, which only
// refuses to retire an epoch when a slot's value is <= the epoch being
// retired, never blocks on a slot mid-claim.
const claiming = unprotected - 1

// Guard is a scoped epoch registration. While held, references returned by
// the hybrid log or hash index remain valid. A Guard must be released via
// Manager.Unprotect exactly once.
type Guard struct {
	slot  *atomic.Uint64
	epoch uint64
}

// deferred is one callback queued to run once its epoch has fully drained.
type deferred struct {
	epoch uint64
	fn    func()
}

// Manager serialises region-boundary advances and reclamation against
// concurrent readers without ever blocking those readers. Protect/Unprotect
// never allocate on the hot path and never block; Defer enqueues onto a
// per-epoch queue that has no size limit; Advance is meant to be driven by a single
// background goroutine but is safe to call from more than one.
type Manager struct {
	current atomic.Uint64 // global epoch counter, starts at 1

	// slots holds the epoch each active thread last protected at, or
	// `unprotected`/`claiming`. The table grows (never shrinks) under
	// slotsMu whenever Protect finds every existing slot taken; Guard
	// caches the claimed slot's pointer directly so Unprotect never has to
	// re-resolve an index into a slice that may have since grown.
	slotsMu sync.RWMutex
	slots   []*atomic.Uint64

	slotCtr atomic.Uint64 // round-robin starting point for the next Protect scan

	mu       sync.Mutex // guards pending, not the hot path
	pending  map[uint64][]deferred
	drainMax int // largest single-epoch queue length seen; recorded, never enforced
}

// NewManager constructs a Manager with the global epoch initialised to 1
// (0 is reserved to mean "never protected").
func NewManager() *Manager {
	m := &Manager{
		pending: make(map[uint64][]deferred),
	}
	m.current.Store(1)
	m.growSlots(maxThreads)
	return m
}

// growSlots extends the slot table until it holds at least minLen slots,
// each initialised to unprotected. Safe to call concurrently with Protect's
// scan and with other growSlots calls.
func (m *Manager) growSlots(minLen int) {
	m.slotsMu.Lock()
	defer m.slotsMu.Unlock()
	for len(m.slots) < minLen {
		s := new(atomic.Uint64)
		s.Store(unprotected)
		m.slots = append(m.slots, s)
	}
}

// Protect pins the calling goroutine to the current epoch and returns a
// Guard covering subsequent reads into the log or index. Protect is
// reentrant in the sense that nested Protect/Unprotect pairs on distinct
// Guards from the same goroutine are safe, each occupying its own slot.
//
// A free slot is claimed via CAS before any epoch is published into it, and
// the published epoch is re-validated against the global counter after the
// store: if Advance raced past the window between claiming the slot and
// publishing into it, the epoch we intended to enter may already have begun
// retiring, and we must republish against whatever epoch is current now.
func (m *Manager) Protect() Guard {
	start := int(m.slotCtr.Add(1) - 1)
	for {
		m.slotsMu.RLock()
		n := len(m.slots)
		for i := 0; i < n; i++ {
			slot := m.slots[(start+i)%n]
			if slot.CompareAndSwap(unprotected, claiming) {
				m.slotsMu.RUnlock()
				return m.publish(slot)
			}
		}
		m.slotsMu.RUnlock()
		m.growSlots(n + maxThreads)
	}
}

// publish stores the current global epoch into slot and re-checks it has
// not since moved on; a mismatch means Advance may have scanned this slot
// while it still read `claiming` and retired an epoch we are about to
// publish, so we loop and republish against the new current epoch instead.
func (m *Manager) publish(slot *atomic.Uint64) Guard {
	for {
		e := m.current.Load()
		slot.Store(e)
		if m.current.Load() == e {
			return Guard{slot: slot, epoch: e}
		}
	}
}

// Unprotect releases the protection recorded by g. After this call, pointers
// obtained while g was held must not be dereferenced again.
func (m *Manager) Unprotect(g Guard) {
	g.slot.Store(unprotected)
}

// Defer registers fn to run once the current global epoch has drained: every
// slot has since moved on to a strictly later epoch (or is unprotected).
// Defer never blocks; fn runs later, from within a call to Advance.
func (m *Manager) Defer(fn func()) {
	e := m.current.Load()
	m.mu.Lock()
	m.pending[e] = append(m.pending[e], deferred{epoch: e, fn: fn})
	m.drainMax = max(m.drainMax, len(m.pending[e]))
	m.mu.Unlock()
}

// Advance bumps the global epoch if and only if every slot has already
// moved past the previous epoch (or was never protected, or is mid-claim via
// `claiming`, which by construction always reads as past any real epoch),
// then runs any callbacks deferred against epochs that have now fully
// drained. Safe to call repeatedly and concurrently from a background
// driver; a call that finds readers still pinned to the old epoch is a cheap
// no-op.
func (m *Manager) Advance() {
	prev := m.current.Load()

	m.slotsMu.RLock()
	slots := m.slots
	m.slotsMu.RUnlock()

	for _, slot := range slots {
		s := slot.Load()
		if s != unprotected && s <= prev {
			return // someone is still inside the epoch we'd retire
		}
	}

	if !m.current.CompareAndSwap(prev, prev+1) {
		return // another driver already advanced; let it run the callbacks
	}
	m.drainUpTo(prev)
}

// drainUpTo executes and discards every deferred callback whose epoch is <=
// upto; callbacks for later epochs are left queued for a future Advance.
func (m *Manager) drainUpTo(upto uint64) {
	m.mu.Lock()
	var ready []deferred
	for e, items := range m.pending {
		if e <= upto {
			ready = append(ready, items...)
			delete(m.pending, e)
		}
	}
	m.mu.Unlock()

	for _, d := range ready {
		d.fn()
	}
}

// Epoch returns the current global epoch, useful for diagnostics and for
// stamping checkpoint descriptors with the epoch a cut was taken at.
func (m *Manager) Epoch() uint64 { return m.current.Load() }

// PendingCount reports how many deferred callbacks are still queued, summed
// across every epoch. Intended for metrics, not the hot path.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, items := range m.pending {
		n += len(items)
	}
	return n
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
