package device

// BadgerDevice is an alternative cold-tier Device backend, grounded directly
// in the teacher's examples/disk_eject/main.go pattern of using an embedded
// Badger instance as an L2 store behind the in-memory cache. Here Badger
// plays the same role for whichever hybrid-log pages fall below
// head_address: each page becomes a Badger key, and flush/truncate become
// Update/Delete transactions instead of raw file syncs/removals.
//
// Bytes are addressed per fixed-size page (pageSize), matching the hybrid
// log's own page granularity, so Write/Read never need to split a request
// across multiple Badger keys the way FileDevice splits across segments.
//
// © 2025 corekv authors. MIT License.

import (
	"context"
	"encoding/binary"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerDeviceConfig configures a BadgerDevice.
type BadgerDeviceConfig struct {
	Dir      string
	PageSize int64
	Logger   *zap.Logger
}

// BadgerDevice implements Device by storing one Badger key per page.
type BadgerDevice struct {
	db       *badger.DB
	pageSize int64
	log      *zap.Logger
}

// NewBadgerDevice opens (creating if necessary) a Badger instance at cfg.Dir.
func NewBadgerDevice(cfg BadgerDeviceConfig) (*BadgerDevice, error) {
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("device: page size must be > 0")
	}
	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("device: badger open: %w", err)
	}
	lg := cfg.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	return &BadgerDevice{db: db, pageSize: cfg.PageSize, log: lg}, nil
}

func (d *BadgerDevice) pageKey(pageID int64) []byte {
	key := make([]byte, 6+8)
	copy(key, "page:")
	binary.BigEndian.PutUint64(key[5:], uint64(pageID))
	return key
}

// Write upserts the page(s) covering [address, address+len(bytes)). The
// hybrid log always writes whole, page-aligned pages to the device, so in
// practice this touches exactly one key.
func (d *BadgerDevice) Write(ctx context.Context, address uint64, bytes []byte) error {
	pageID := int64(address) / d.pageSize
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(d.pageKey(pageID), bytes)
	})
}

// Read fetches n bytes starting at address. n must not exceed one page.
func (d *BadgerDevice) Read(ctx context.Context, address uint64, n int) ([]byte, error) {
	pageID := int64(address) / d.pageSize
	off := int64(address) % d.pageSize

	var out []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(d.pageKey(pageID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("%w: page %d absent", ErrShortRead, pageID)
			}
			return err
		}
		return item.Value(func(val []byte) error {
			if off+int64(n) > int64(len(val)) {
				return ErrShortRead
			}
			out = append([]byte(nil), val[off:off+int64(n)]...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Flush syncs the whole Badger instance to disk via DB.Sync; uptoAddress is
// not consulted.
func (d *BadgerDevice) Flush(ctx context.Context, uptoAddress uint64) error {
	return d.db.Sync()
}

// Truncate deletes every page key strictly below address.
func (d *BadgerDevice) Truncate(ctx context.Context, address uint64) error {
	maxFullPage := int64(address) / d.pageSize
	return d.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var toDelete [][]byte
		prefix := []byte("page:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			pageID := int64(binary.BigEndian.Uint64(key[5:]))
			if pageID < maxFullPage {
				toDelete = append(toDelete, key)
			}
		}
		for _, key := range toDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close shuts down the underlying Badger instance.
func (d *BadgerDevice) Close() error {
	return d.db.Close()
}
