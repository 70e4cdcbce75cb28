package index

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindMissingReturnsFalse(t *testing.T) {
	idx := New(16)
	_, ok := idx.Find(0xdeadbeef, 7, nil)
	require.False(t, ok)
}

func TestInsertThenFind(t *testing.T) {
	idx := New(16)
	hash := uint64(12345)
	tag := Tag(hash)

	out := idx.InsertNew(hash, tag, 100, nil)
	require.Equal(t, Inserted, out)

	addr, ok := idx.Find(hash, tag, nil)
	require.True(t, ok)
	require.Equal(t, uint64(100), addr)
}

func TestUpdateCASAdvancesAddress(t *testing.T) {
	idx := New(16)
	hash := uint64(555)
	tag := Tag(hash)
	require.Equal(t, Inserted, idx.InsertNew(hash, tag, 10, nil))

	out := idx.UpdateCAS(hash, tag, 10, 20)
	require.Equal(t, Updated, out)

	addr, ok := idx.Find(hash, tag, nil)
	require.True(t, ok)
	require.Equal(t, uint64(20), addr)
}

func TestUpdateCASStaleExpectedRetries(t *testing.T) {
	idx := New(16)
	hash := uint64(77)
	tag := Tag(hash)
	require.Equal(t, Inserted, idx.InsertNew(hash, tag, 10, nil))
	require.Equal(t, Updated, idx.UpdateCAS(hash, tag, 10, 20))

	out := idx.UpdateCAS(hash, tag, 10, 30) // stale expected address
	require.Equal(t, Retry, out)

	addr, ok := idx.Find(hash, tag, nil)
	require.True(t, ok)
	require.Equal(t, uint64(20), addr, "stale CAS must not have applied")
}

func TestRemoveClearsSlot(t *testing.T) {
	idx := New(16)
	hash := uint64(999)
	tag := Tag(hash)
	require.Equal(t, Inserted, idx.InsertNew(hash, tag, 42, nil))

	out := idx.Remove(hash, tag, 42)
	require.Equal(t, Removed, out)

	_, ok := idx.Find(hash, tag, nil)
	require.False(t, ok)
}

func TestRemoveWrongExpectedAddressNotFound(t *testing.T) {
	idx := New(16)
	hash := uint64(1001)
	tag := Tag(hash)
	require.Equal(t, Inserted, idx.InsertNew(hash, tag, 42, nil))

	out := idx.Remove(hash, tag, 999)
	require.Equal(t, NotFound, out)

	addr, ok := idx.Find(hash, tag, nil)
	require.True(t, ok)
	require.Equal(t, uint64(42), addr)
}

func TestOverflowChainBeyondBucketEntries(t *testing.T) {
	idx := New(1) // force every key into the same bucket
	for i := 0; i < bucketEntries*3; i++ {
		hash := uint64(i+1) << 50 // distinct tags, same single bucket
		out := idx.InsertNew(hash, Tag(hash), uint64(i+1)*8, nil)
		require.Contains(t, []Outcome{Inserted, Retry}, out)
	}
	for i := 0; i < bucketEntries*3; i++ {
		hash := uint64(i+1) << 50
		addr, ok := idx.Find(hash, Tag(hash), nil)
		require.True(t, ok, "entry %d should be findable after overflow chaining", i)
		require.Equal(t, uint64(i+1)*8, addr)
	}
}

func TestSnapshotReturnsAllLiveEntries(t *testing.T) {
	idx := New(8)
	want := map[uint64]uint64{}
	for i := uint64(1); i <= 50; i++ {
		hash := i*104729 | i<<50 // spread across buckets, one distinct tag per key
		idx.InsertNew(hash, Tag(hash), i, nil)
		want[hash] = i
	}

	entries := idx.Snapshot()
	got := map[uint64]uint64{}
	for _, e := range entries {
		got[e.KeyHash] = e.Address
	}
	require.Equal(t, want, got)
}

func TestScanRangeCoversDisjointSubsets(t *testing.T) {
	idx := New(8)
	for i := uint64(1); i <= 50; i++ {
		hash := i * 104729
		idx.InsertNew(hash, Tag(hash), i, nil)
	}

	var all []Entry
	all = append(all, idx.ScanRange(0, 4)...)
	all = append(all, idx.ScanRange(4, 8)...)
	require.Len(t, all, len(idx.Snapshot()))
}

func TestConcurrentInsertFindNeverPanics(t *testing.T) {
	idx := New(64)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			for i := uint64(0); i < 200; i++ {
				hash := base*1000 + i
				idx.InsertNew(hash, Tag(hash), hash, nil)
				idx.Find(hash, Tag(hash), nil)
			}
		}(uint64(w))
	}
	wg.Wait()
}
