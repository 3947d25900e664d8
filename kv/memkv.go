package kv

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

// Mem is a transient in-memory Engine intended for tests. Every Apply
// publishes a new immutable sorted slice, so scans are naturally
// snapshot-consistent.
type Mem struct {
	mu     sync.Mutex
	items  atomic.Pointer[[]memKV]
	ts     atomic.Uint64
	meta   []byte
	closed atomic.Bool
}

type memKV struct {
	key   []byte
	value []byte
}

func NewMem() *Mem {
	m := &Mem{}
	m.items.Store(&[]memKV{})
	return m
}

func findMem(items []memKV, key []byte) (int, bool) {
	return slices.BinarySearchFunc(items, key, func(kv memKV, key []byte) int {
		return bytes.Compare(kv.key, key)
	})
}

func (m *Mem) Get(key []byte) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	items := *m.items.Load()
	i, ok := findMem(items, key)
	if !ok {
		return nil, ErrNotFound
	}
	return items[i].value, nil
}

func (m *Mem) Apply(b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return ErrClosed
	}
	items := slices.Clone(*m.items.Load())
	for _, op := range b.Ops {
		i, ok := findMem(items, op.Key)
		switch op.Kind {
		case OpPut:
			kv := memKV{slices.Clone(op.Key), slices.Clone(op.Value)}
			if ok {
				items[i] = kv
			} else {
				items = slices.Insert(items, i, kv)
			}
		case OpDelete:
			if ok {
				items = slices.Delete(items, i, i+1)
			}
		}
	}
	m.items.Store(&items)
	if b.TS > m.ts.Load() {
		m.ts.Store(b.TS)
	}
	return nil
}

func (m *Mem) Scan(start, end []byte) Iterator {
	if m.closed.Load() {
		return EmptyIterator(ErrClosed)
	}
	items := *m.items.Load()
	lo, _ := findMem(items, start)
	hi := len(items)
	if end != nil {
		hi, _ = findMem(items, end)
	}
	if hi < lo {
		hi = lo
	}
	return &memIter{items: items[lo:hi], pos: -1}
}

func (m *Mem) CheckpointTS() uint64 {
	return m.ts.Load()
}

func (m *Mem) LoadMeta() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.meta), nil
}

func (m *Mem) SaveMeta(meta []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta = slices.Clone(meta)
	return nil
}

// Compact drops versions that Retention rejects.
func (m *Mem) Compact(ctx context.Context, watermark uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := Retention{Watermark: watermark}
	old := *m.items.Load()
	items := make([]memKV, 0, len(old))
	for _, kv := range old {
		if r.Keep(kv.key, kv.value) {
			items = append(items, kv)
		}
	}
	m.items.Store(&items)
	return ctx.Err()
}

func (m *Mem) Len() int {
	return len(*m.items.Load())
}

func (m *Mem) Close() error {
	m.closed.Store(true)
	return nil
}

type memIter struct {
	items []memKV
	pos   int
}

func (it *memIter) Next() bool {
	if it.pos+1 >= len(it.items) {
		it.pos = len(it.items)
		return false
	}
	it.pos++
	return true
}

func (it *memIter) Key() []byte   { return it.items[it.pos].key }
func (it *memIter) Value() []byte { return it.items[it.pos].value }
func (it *memIter) Err() error    { return nil }
func (it *memIter) Close() error  { return nil }
