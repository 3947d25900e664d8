package lsm

import (
	"bytes"
	"math"
	"sync"

	"github.com/andreyvit/xlim/kv"
)

// nodeOverhead approximates per-entry bookkeeping for memtable sizing.
const nodeOverhead = 48

// memtable buffers recent writes. Writers hold mu exclusively for a whole
// batch; readers hold it shared for single lookups or iterator steps.
type memtable struct {
	id uint64

	mu     sync.RWMutex
	list   *skiplist
	size   int
	maxSeq uint64
	maxTS  uint64
}

func newMemtable(id uint64) *memtable {
	return &memtable{id: id, list: newSkiplist()}
}

// add inserts every operation of b at sequence seq. Keys and values are
// copied, so the caller may reuse the batch.
func (m *memtable) add(b *kv.Batch, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range b.Ops {
		buf := make([]byte, len(op.Key)+len(op.Value))
		key := buf[:len(op.Key):len(op.Key)]
		copy(key, op.Key)
		var value []byte
		kind := kindDelete
		if op.Kind == kv.OpPut {
			kind = kindPut
			value = buf[len(op.Key):]
			copy(value, op.Value)
		}
		if m.list.insert(key, value, seq, kind) {
			m.size += len(buf) + nodeOverhead
		}
	}
	m.maxSeq = max(m.maxSeq, seq)
	m.maxTS = max(m.maxTS, b.TS)
}

// get returns the newest version of key visible at seq.
func (m *memtable) get(key []byte, seq uint64) (entryKind, []byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	x := m.list.seek(key, seq, nil)
	if x == nil || !bytes.Equal(x.key, key) {
		return 0, nil, false
	}
	return x.kind, x.value, true
}

func (m *memtable) approximateSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *memtable) empty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.count == 0
}

func (m *memtable) stamps() (maxSeq, maxTS uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxSeq, m.maxTS
}

// iter walks the newest version of every key in [start, end) visible at
// seq, tombstones included.
func (m *memtable) iter(seq uint64, start, end []byte) *memIter {
	return &memIter{m: m, seq: seq, start: start, end: end}
}

type memIter struct {
	m     *memtable
	seq   uint64
	start []byte
	end   []byte
	node  *skipnode
	done  bool
}

func (it *memIter) next() bool {
	if it.done {
		return false
	}
	it.m.mu.RLock()
	defer it.m.mu.RUnlock()

	var x *skipnode
	if it.node == nil {
		x = it.m.list.seek(it.start, math.MaxUint64, nil)
	} else {
		x = it.node.next[0]
	}
	for x != nil {
		if it.node != nil && bytes.Equal(x.key, it.node.key) {
			x = x.next[0] // older version of the key already returned
			continue
		}
		if x.seq > it.seq {
			x = x.next[0]
			continue
		}
		break
	}
	if x == nil || (it.end != nil && bytes.Compare(x.key, it.end) >= 0) {
		it.done, it.node = true, nil
		return false
	}
	it.node = x
	return true
}

func (it *memIter) key() []byte     { return it.node.key }
func (it *memIter) value() []byte   { return it.node.value }
func (it *memIter) kind() entryKind { return it.node.kind }
func (it *memIter) err() error      { return nil }
