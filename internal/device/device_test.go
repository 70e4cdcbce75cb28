package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileDeviceWriteRead(t *testing.T) {
	dir := t.TempDir()
	d, err := NewFileDevice(FileDeviceConfig{Dir: dir, SegmentSize: 4096})
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	payload := []byte("hybrid-log-record-bytes")
	require.NoError(t, d.Write(ctx, 100, payload))

	got, err := d.Read(ctx, 100, len(payload))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFileDeviceSplitsAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	d, err := NewFileDevice(FileDeviceConfig{Dir: dir, SegmentSize: 16})
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	payload := []byte("0123456789ABCDEFGHIJ") // 20 bytes, crosses the 16-byte segment boundary
	require.NoError(t, d.Write(ctx, 10, payload))

	got, err := d.Read(ctx, 10, len(payload))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFileDeviceFlushAndTruncate(t *testing.T) {
	dir := t.TempDir()
	d, err := NewFileDevice(FileDeviceConfig{Dir: dir, SegmentSize: 16})
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	require.NoError(t, d.Write(ctx, 0, []byte("aaaaaaaaaaaaaaaa")))
	require.NoError(t, d.Write(ctx, 16, []byte("bbbbbbbbbbbbbbbb")))
	require.NoError(t, d.Flush(ctx, 32))
	require.NoError(t, d.Truncate(ctx, 16))

	// Segment 0 is gone; reading it now opens a fresh, empty segment file
	// and reports a short read.
	got, err := d.Read(ctx, 0, 16)
	require.ErrorIs(t, err, ErrShortRead)
	require.Nil(t, got)
}

func TestFileDeviceShortRead(t *testing.T) {
	dir := t.TempDir()
	d, err := NewFileDevice(FileDeviceConfig{Dir: dir, SegmentSize: 4096})
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Read(context.Background(), 0, 64)
	require.ErrorIs(t, err, ErrShortRead)
}

func TestBadgerDeviceWriteRead(t *testing.T) {
	dir := t.TempDir()
	d, err := NewBadgerDevice(BadgerDeviceConfig{Dir: dir, PageSize: 4096})
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	page := make([]byte, 4096)
	copy(page, []byte("page-zero-contents"))
	require.NoError(t, d.Write(ctx, 0, page))

	got, err := d.Read(ctx, 6, 9)
	require.NoError(t, err)
	require.Equal(t, []byte("ero-conte"), got)
}

func TestBadgerDeviceTruncate(t *testing.T) {
	dir := t.TempDir()
	d, err := NewBadgerDevice(BadgerDeviceConfig{Dir: dir, PageSize: 4096})
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	require.NoError(t, d.Write(ctx, 0, make([]byte, 4096)))
	require.NoError(t, d.Write(ctx, 4096, make([]byte, 4096)))
	require.NoError(t, d.Truncate(ctx, 4096))

	_, err = d.Read(ctx, 0, 1)
	require.ErrorIs(t, err, ErrShortRead)

	_, err = d.Read(ctx, 4096, 1)
	require.NoError(t, err)
}
