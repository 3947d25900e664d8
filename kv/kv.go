// Package kv defines the ordered key-value engine contract shared by the
// storage backends, plus helpers for the MVCC key layout stored in them.
package kv

import (
	"context"
)

// Engine is a persistent ordered key-value store.
//
// Keys sort bytewise. Apply makes a batch visible atomically: a concurrent
// Get or Scan observes either all of a batch or none of it. Engines are safe
// for concurrent use; Apply calls are serialized by the caller.
type Engine interface {
	// Get returns the value of key, or ErrNotFound. The returned slice must
	// not be modified and is only valid until the next Apply.
	Get(key []byte) ([]byte, error)

	// Apply atomically applies the batch. b.TS, when non-zero, becomes the
	// checkpoint reported by CheckpointTS once the batch is durable in the
	// engine itself.
	Apply(b *Batch) error

	// Scan returns an iterator over [start, end) in ascending order, as of
	// the moment of the call. A nil end means no upper bound.
	Scan(start, end []byte) Iterator

	// CheckpointTS is the highest batch TS whose effects are durable without
	// the write-ahead log.
	CheckpointTS() uint64

	// LoadMeta returns the last blob passed to SaveMeta, or nil.
	LoadMeta() ([]byte, error)
	SaveMeta(meta []byte) error

	Close() error
}

// Compactor is implemented by engines that can reclaim space held by MVCC
// versions no snapshot at or above watermark can observe.
type Compactor interface {
	Compact(ctx context.Context, watermark uint64) error
}

// Flusher is implemented by engines that buffer writes in memory and can be
// asked to persist them, advancing CheckpointTS.
type Flusher interface {
	Flush() error
}

// Iterator walks a key range. Call Next before the first Key/Value. Key and
// Value are only valid until the following Next.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// OpKind distinguishes batch operations.
type OpKind uint8

const (
	OpPut OpKind = iota + 1
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return "invalid"
	}
}

type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// Batch is a group of operations applied atomically. Later operations on the
// same key override earlier ones.
type Batch struct {
	Ops []Op
	TS  uint64
}

func (b *Batch) Put(key, value []byte) {
	b.Ops = append(b.Ops, Op{OpPut, key, value})
}

func (b *Batch) Delete(key []byte) {
	b.Ops = append(b.Ops, Op{Kind: OpDelete, Key: key})
}

func (b *Batch) Len() int {
	return len(b.Ops)
}

func (b *Batch) Size() int {
	var n int
	for _, op := range b.Ops {
		n += len(op.Key) + len(op.Value) + 1
	}
	return n
}

func (b *Batch) Reset() {
	clear(b.Ops)
	b.Ops = b.Ops[:0]
	b.TS = 0
}

// PrefixEnd returns the smallest key greater than every key having the given
// prefix, or nil if there is none (prefix is all 0xFF).
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// emptyIter is returned for empty ranges and closed engines.
type emptyIter struct {
	err error
}

func EmptyIterator(err error) Iterator { return emptyIter{err} }

func (it emptyIter) Next() bool    { return false }
func (it emptyIter) Key() []byte   { return nil }
func (it emptyIter) Value() []byte { return nil }
func (it emptyIter) Err() error    { return it.err }
func (it emptyIter) Close() error  { return nil }
