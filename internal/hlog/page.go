package hlog

// page.go implements the ring buffer's physical page table. A fixed number
// of physical pages (power of two) back the in-memory portion of the log;
// logical address a maps to physical slot a mod (numPages*pageSize). Each
// page moves through the states spec.md §3 enumerates.
//
// © 2025 corekv authors. MIT License.

import "sync/atomic"

// PageState is one of the six states a physical page cycles through.
type PageState int32

const (
	PageUnallocated PageState = iota
	PageAllocated
	PageFlushed
	PageClosed
	PageEvicting
	PageFree
)

func (s PageState) String() string {
	switch s {
	case PageUnallocated:
		return "unallocated"
	case PageAllocated:
		return "allocated"
	case PageFlushed:
		return "flushed"
	case PageClosed:
		return "closed"
	case PageEvicting:
		return "evicting"
	case PageFree:
		return "free"
	default:
		return "unknown"
	}
}

// physPage is one physical ring-buffer slot.
type physPage struct {
	buf   []byte // pageSize bytes, allocated once and reused forever
	state atomic.Int32
	// logicalPage records which logical page index currently occupies this
	// physical slot, so slot preparation, flushing, tail staging and page
	// closing can tell whether the slot still holds the page they expect.
	// Get does not consult it.
	logicalPage atomic.Int64
}

func newPhysPage(pageSize int64) *physPage {
	p := &physPage{buf: make([]byte, pageSize)}
	p.state.Store(int32(PageUnallocated))
	p.logicalPage.Store(-1)
	return p
}

func (p *physPage) State() PageState { return PageState(p.state.Load()) }
func (p *physPage) setState(s PageState) { p.state.Store(int32(s)) }

// casState attempts to move the page from `from` to `to`, returning whether
// it succeeded (false means another advancer already moved it).
func (p *physPage) casState(from, to PageState) bool {
	return p.state.CompareAndSwap(int32(from), int32(to))
}
