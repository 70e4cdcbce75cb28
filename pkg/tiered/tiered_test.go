package tiered

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Voskan/corekv/pkg/corekv"
)

func openPair(t *testing.T) (*corekv.Store, *corekv.Store) {
	t.Helper()
	opts := []corekv.Option{
		corekv.WithMemorySize(1 << 20),
		corekv.WithPageSize(4096),
		corekv.WithRegionFractions(0.5, 0.25),
	}
	hot, err := corekv.Open(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { hot.Close(context.Background()) })

	cold, err := corekv.Open(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { cold.Close(context.Background()) })

	return hot, cold
}

func TestGetPrefersHot(t *testing.T) {
	hot, cold := openPair(t)
	ts := New(hot, cold, nil)
	ctx := context.Background()

	require.NoError(t, hot.Upsert(ctx, []byte("k"), []byte("hot-value")))
	require.NoError(t, cold.Upsert(ctx, []byte("k"), []byte("cold-value")))

	got, err := ts.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "hot-value", string(got))
}

func TestGetFallsBackToColdAndPromotes(t *testing.T) {
	hot, cold := openPair(t)
	ts := New(hot, cold, nil)
	ctx := context.Background()

	require.NoError(t, cold.Upsert(ctx, []byte("k"), []byte("cold-value")))

	got, err := ts.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "cold-value", string(got))

	// Promote should have installed the record into Hot.
	promoted, err := hot.Read(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "cold-value", string(promoted))
}

func TestDeleteRemovesFromBothTiers(t *testing.T) {
	hot, cold := openPair(t)
	ts := New(hot, cold, nil)
	ctx := context.Background()

	require.NoError(t, hot.Upsert(ctx, []byte("k"), []byte("v")))
	require.NoError(t, cold.Upsert(ctx, []byte("k"), []byte("v")))
	require.NoError(t, ts.Delete(ctx, []byte("k")))

	_, err := ts.Get(ctx, []byte("k"))
	require.Error(t, err)
}

func TestPromoteDoesNotClobberConcurrentHotWrite(t *testing.T) {
	hot, cold := openPair(t)
	ts := New(hot, cold, nil)
	ctx := context.Background()

	require.NoError(t, hot.Upsert(ctx, []byte("k"), []byte("fresh-hot-value")))
	require.NoError(t, ts.Promote(ctx, []byte("k"), []byte("stale-cold-value")))

	got, err := hot.Read(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "fresh-hot-value", string(got))
}
