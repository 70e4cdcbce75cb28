package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/Voskan/corekv/internal/hlog"
	"github.com/Voskan/corekv/internal/index"
)

// Recovered summarizes what Recover found and replayed, for the caller to
// log or expose via stats.
type Recovered struct {
	Token           string
	Descriptor      Descriptor
	EntriesLoaded   int
	RecordsReplayed int
}

// Recover locates the latest valid descriptor under dir (valid = fully
// written, checksum matches), restores h's boundaries and ring pages from
// the descriptor and its staged log tail, rebuilds idx from the descriptor's
// index shards, and then replays any records in [descriptor.Tail,
// end-of-log) by re-inserting them into idx so later versions win. A dir
// with no committed checkpoint yet is not an error: Recover returns a zero
// Recovered and the caller starts from an empty store.
func Recover(ctx context.Context, dir string, h *hlog.HybridLog, idx *index.Index, logger *zap.Logger) (Recovered, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	token, err := latestToken(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Recovered{}, nil
		}
		return Recovered{}, fmt.Errorf("checkpoint: read latest pointer: %w", err)
	}
	if token == "" {
		return Recovered{}, nil
	}

	descPath := filepath.Join(dir, token, "meta")
	desc, err := readDescriptor(descPath)
	if err != nil {
		return Recovered{}, fmt.Errorf("checkpoint: read descriptor %s: %w", descPath, err)
	}
	if checksumOf(desc) != desc.Checksum {
		return Recovered{}, fmt.Errorf("checkpoint: descriptor %s failed checksum validation", descPath)
	}

	tailBytes, err := os.ReadFile(filepath.Join(dir, token, "log-tail.bin"))
	if err != nil && !os.IsNotExist(err) {
		return Recovered{}, fmt.Errorf("checkpoint: read log tail: %w", err)
	}
	if err := h.Restore(ctx, desc.Begin, desc.Head, desc.ReadOnly, desc.Tail, tailBytes); err != nil {
		return Recovered{}, fmt.Errorf("checkpoint: restore log: %w", err)
	}

	entriesLoaded := 0
	for shard := 0; shard < desc.NumShards; shard++ {
		path := filepath.Join(dir, token, shardFileName(shard))
		entries, err := readShard(path)
		if err != nil {
			return Recovered{}, fmt.Errorf("checkpoint: read shard %d: %w", shard, err)
		}
		for _, e := range entries {
			key, err := recordKeyAt(ctx, h, hlog.Address(e.Address))
			if err != nil {
				return Recovered{}, fmt.Errorf("checkpoint: read key at shard entry (addr %d): %w", e.Address, err)
			}
			applyReplayedUpsert(ctx, h, idx, key, e.KeyHash, e.Tag, e.Address)
			entriesLoaded++
		}
	}

	replayed, err := replayTail(ctx, h, idx, desc.Tail)
	if err != nil {
		return Recovered{}, fmt.Errorf("checkpoint: replay tail: %w", err)
	}

	logger.Info("checkpoint recovered",
		zap.String("token", token),
		zap.Int("entries_loaded", entriesLoaded),
		zap.Int("records_replayed", replayed),
	)
	return Recovered{Token: token, Descriptor: desc, EntriesLoaded: entriesLoaded, RecordsReplayed: replayed}, nil
}

// replayTail walks the log from the frozen checkpoint cut T forward to the
// current tail, re-inserting every well-formed, non-invalid record into idx
// so a key written after the checkpoint (but before the crash) is not lost.
// Replaying the same range twice is safe: insertOrUpdate on an
// already-present key just overwrites with the same or a newer address.
func replayTail(ctx context.Context, h *hlog.HybridLog, idx *index.Index, from hlog.Address) (int, error) {
	addr := from
	tail := h.Tail()
	replayed := 0
	for addr < tail {
		raw, err := h.Get(ctx, addr)
		if err != nil {
			// The remainder of the log past this point was never fully
			// durable (a torn write at the moment of crash); stop here.
			break
		}
		rec, err := hlog.Decode(raw)
		if err != nil {
			break
		}
		if !rec.Meta.Invalid() {
			keyHash := hashKey(rec.Key)
			tag := index.Tag(keyHash)
			if rec.Meta.Tombstone() {
				match := sameKeyAt(ctx, h, rec.Key)
				if cur, ok := idx.Find(keyHash, tag, match); ok {
					idx.Remove(keyHash, tag, cur)
				}
			} else {
				applyReplayedUpsert(ctx, h, idx, rec.Key, keyHash, tag, uint64(addr))
			}
			replayed++
		}
		addr += hlog.Address(hlog.RecordSize(len(rec.Key), len(rec.Value)))
	}
	return replayed, nil
}

// applyReplayedUpsert installs (keyHash, tag, addr) for key, disambiguating
// same-tag slots by comparing the actual key bytes stored at each candidate
// address rather than assuming the first tag match is the right one.
func applyReplayedUpsert(ctx context.Context, h *hlog.HybridLog, idx *index.Index, key []byte, keyHash uint64, tag uint16, addr uint64) {
	match := sameKeyAt(ctx, h, key)
	for {
		if cur, ok := idx.Find(keyHash, tag, match); ok {
			if cur >= addr {
				return // already holds an equal-or-newer version
			}
			if idx.UpdateCAS(keyHash, tag, cur, addr) != index.Retry {
				return
			}
			continue
		}
		if idx.InsertNew(keyHash, tag, addr, match) != index.Retry {
			return
		}
	}
}

// sameKeyAt returns an index.KeyMatch that reports whether the record stored
// at a candidate address is the same key as want, read back from the log
// itself. A candidate address that can no longer be decoded (already
// reclaimed, or a torn tail write) never matches.
func sameKeyAt(ctx context.Context, h *hlog.HybridLog, want []byte) index.KeyMatch {
	return func(candidate uint64) bool {
		k, err := recordKeyAt(ctx, h, hlog.Address(candidate))
		if err != nil {
			return false
		}
		return bytes.Equal(k, want)
	}
}

// recordKeyAt reads and decodes the record at addr, returning just its key.
func recordKeyAt(ctx context.Context, h *hlog.HybridLog, addr hlog.Address) ([]byte, error) {
	raw, err := h.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	rec, err := hlog.Decode(raw)
	if err != nil {
		return nil, err
	}
	return rec.Key, nil
}

// hashKey is the same 64-bit key-hash function the store uses to select
// index buckets and tags; kept here so recovery need not import the
// top-level store package.
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

func latestToken(dir string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, "LATEST"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// ReadDescriptor loads and parses a single checkpoint descriptor file,
// exposed for callers (such as the GC scheduler) that need a checkpoint's
// frozen tail without running a full Recover.
func ReadDescriptor(path string) (Descriptor, error) {
	return readDescriptor(path)
}

func readDescriptor(path string) (Descriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, err
	}
	var d Descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
