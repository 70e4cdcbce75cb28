package corekv

// typed.go provides Typed[K,V], a thin generic façade over the raw
// []byte-keyed Store for callers who would rather work with concrete Go
// types, the same convenience the teacher's Cache[K,V] gives over a raw
// byte-oriented backend. Unlike the teacher's in-memory cache, corekv's
// core is deliberately byte-oriented (so the wire format can be written
// straight to the log); Typed only adds the marshal/unmarshal boundary.
//
// © 2025 corekv authors. MIT License.

import "context"

// Codec converts between a concrete Go value and its wire bytes.
type Codec[V any] struct {
	Marshal   func(V) ([]byte, error)
	Unmarshal func([]byte) (V, error)
}

// KeyCodec converts a concrete key type to its byte representation. Keys
// are not decoded back (the store never needs to reconstruct a key from its
// bytes), only encoded consistently.
type KeyCodec[K any] func(K) []byte

// Typed wraps a *Store with typed Upsert/Read/Delete/RMW methods.
type Typed[K any, V any] struct {
	store    *Store
	keyCodec KeyCodec[K]
	codec    Codec[V]
}

// NewTyped builds a Typed façade over store using keyCodec and codec to
// cross the []byte boundary.
func NewTyped[K any, V any](store *Store, keyCodec KeyCodec[K], codec Codec[V]) *Typed[K, V] {
	return &Typed[K, V]{store: store, keyCodec: keyCodec, codec: codec}
}

// Upsert marshals value and appends it under key.
func (t *Typed[K, V]) Upsert(ctx context.Context, key K, value V) error {
	b, err := t.codec.Marshal(value)
	if err != nil {
		return err
	}
	return t.store.Upsert(ctx, t.keyCodec(key), b)
}

// Read reads and unmarshals the current value for key.
func (t *Typed[K, V]) Read(ctx context.Context, key K) (V, error) {
	var zero V
	raw, err := t.store.Read(ctx, t.keyCodec(key))
	if err != nil {
		return zero, err
	}
	return t.codec.Unmarshal(raw)
}

// Delete appends a tombstone for key.
func (t *Typed[K, V]) Delete(ctx context.Context, key K) error {
	return t.store.Delete(ctx, t.keyCodec(key))
}

// RMW performs a typed read-modify-write; mutator receives the zero value
// and found=false when key does not yet exist.
func (t *Typed[K, V]) RMW(ctx context.Context, key K, mutator func(current V, found bool) V) error {
	return t.store.RMW(ctx, t.keyCodec(key), func(raw []byte, found bool) []byte {
		var current V
		if found {
			v, err := t.codec.Unmarshal(raw)
			if err == nil {
				current = v
			} else {
				found = false
			}
		}
		next := mutator(current, found)
		b, err := t.codec.Marshal(next)
		if err != nil {
			// Mutator contract has no error return; a marshal failure here
			// indicates a Codec bug, not a runtime condition callers retry.
			panic(err)
		}
		return b
	})
}

// StringKeyCodec is a ready-made KeyCodec for string keys.
func StringKeyCodec(key string) []byte { return []byte(key) }
