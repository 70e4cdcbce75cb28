// Package device abstracts the byte-addressable persistent backing that the
// hybrid log flushes pages to and reads cold pages from. The core is
// agnostic to whether the concrete implementation is a single growing file,
// a directory of segment files, or an embedded KV store used as an L2 tier —
// it only ever speaks the Device interface below.
//
// © 2025 corekv authors. MIT License.
package device

import (
	"context"
	"errors"
)

// ErrShortRead is returned when a Read call could not retrieve the requested
// number of bytes. Per the spec this is only fatal during recovery; callers
// on the hot path should treat it as a Resource-class error.
var ErrShortRead = errors.New("device: short read")

// ErrClosed is returned by any operation issued after Close.
var ErrClosed = errors.New("device: closed")

// Device is the storage contract the hybrid log depends on. Writes issued
// for disjoint address ranges are independent; writes for overlapping
// ranges must preserve program order, which every implementation here
// achieves by routing same-page writes through a single call site in hlog.
type Device interface {
	// Write persists bytes starting at the given logical address. It does
	// not imply durability; call Flush to wait for that.
	Write(ctx context.Context, address uint64, bytes []byte) error

	// Read retrieves exactly n bytes starting at address, or ErrShortRead.
	Read(ctx context.Context, address uint64, n int) ([]byte, error)

	// Flush blocks until every Write strictly below uptoAddress is durable.
	Flush(ctx context.Context, uptoAddress uint64) error

	// Truncate permits the device to reclaim space strictly below address.
	// Implementations may treat this as advisory.
	Truncate(ctx context.Context, address uint64) error

	// Close releases any OS-level resources. Safe to call once; further
	// calls return ErrClosed.
	Close() error
}
