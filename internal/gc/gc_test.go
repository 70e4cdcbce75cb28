package gc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Voskan/corekv/internal/device"
	"github.com/Voskan/corekv/internal/epoch"
	"github.com/Voskan/corekv/internal/hlog"
	"github.com/Voskan/corekv/internal/index"
)

func newTestStack(t *testing.T, pageSize, numPages int64) (*hlog.HybridLog, *epoch.Manager, *index.Index) {
	t.Helper()
	dev, err := device.NewFileDevice(device.FileDeviceConfig{
		Dir:         t.TempDir(),
		SegmentSize: pageSize * numPages,
	})
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	em := epoch.NewManager()
	h, err := hlog.Open(hlog.Config{
		PageSize:         pageSize,
		NumPages:         numPages,
		MutableFraction:  0.5,
		ReadonlyFraction: 0.25,
		Device:           dev,
		Epoch:            em,
	})
	require.NoError(t, err)
	return h, em, index.New(16)
}

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

func upsert(t *testing.T, h *hlog.HybridLog, idx *index.Index, key, value []byte) hlog.Address {
	t.Helper()
	size := hlog.RecordSize(len(key), len(value))
	addr, buf, err := h.Allocate(context.Background(), size)
	require.NoError(t, err)
	require.NoError(t, hlog.Encode(buf, hlog.Meta{}, key, value))

	hash := hashKey(key)
	tag := index.Tag(hash)
	if cur, ok := idx.Find(hash, tag, nil); ok {
		idx.UpdateCAS(hash, tag, cur, uint64(addr))
	} else {
		idx.InsertNew(hash, tag, uint64(addr), nil)
	}
	return addr
}

func advanceBoundaries(t *testing.T, h *hlog.HybridLog, em *epoch.Manager) {
	t.Helper()
	h.TryAdvanceReadOnly()
	require.NoError(t, h.FlushNewlyImmutable(context.Background()))
	h.TryAdvanceHead()
	em.Advance()
	em.Advance()
}

func TestPickNewBeginTakesMinimum(t *testing.T) {
	require.Equal(t, hlog.Address(5), PickNewBegin(5, 10))
	require.Equal(t, hlog.Address(10), PickNewBegin(20, 10))
}

func TestRunMigratesLiveEntriesBelowNewBegin(t *testing.T) {
	h, em, idx := newTestStack(t, 256, 8)
	addr := upsert(t, h, idx, []byte("live-key"), []byte("still-needed"))

	for i := 0; i < 400; i++ {
		upsert(t, h, idx, []byte("filler"), make([]byte, 32))
		advanceBoundaries(t, h, em)
		if h.ReadOnly() > addr {
			break
		}
	}
	require.Greater(t, h.ReadOnly(), addr, "test setup failed to push read-only past the live key")

	c := New(h, idx, em, nil)
	stats, err := c.Run(context.Background(), h.ReadOnly())
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.Migrated, 1)

	hash := hashKey([]byte("live-key"))
	tag := index.Tag(hash)
	newAddr, ok := idx.Find(hash, tag, nil)
	require.True(t, ok, "live key must survive GC with a migrated address")
	require.GreaterOrEqual(t, newAddr, uint64(stats.NewBegin))

	g := em.Protect()
	defer em.Unprotect(g)
	raw, err := h.Get(context.Background(), hlog.Address(newAddr))
	require.NoError(t, err)
	rec, err := hlog.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, []byte("still-needed"), rec.Value)
}

func TestRunAdvancesBeginAddress(t *testing.T) {
	h, em, idx := newTestStack(t, 256, 8)
	startBegin := h.Begin()

	for i := 0; i < 400; i++ {
		upsert(t, h, idx, []byte("filler"), make([]byte, 32))
		advanceBoundaries(t, h, em)
		if h.ReadOnly() > startBegin+500 {
			break
		}
	}

	c := New(h, idx, em, nil)
	stats, err := c.Run(context.Background(), h.ReadOnly())
	require.NoError(t, err)
	require.Greater(t, h.Begin(), startBegin)
	require.Equal(t, h.Begin(), stats.NewBegin)
}

func TestRunNoOpWhenNewBeginNotPastCurrentBegin(t *testing.T) {
	h, em, idx := newTestStack(t, 256, 8)
	c := New(h, idx, em, nil)
	stats, err := c.Run(context.Background(), h.Begin())
	require.NoError(t, err)
	require.Equal(t, h.Begin(), stats.NewBegin)
	require.Zero(t, stats.Migrated)
}
