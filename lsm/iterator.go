package lsm

import (
	"bytes"
	"container/heap"
)

// source is an ordered stream of entries with unique keys.
type source interface {
	next() bool
	key() []byte
	kind() entryKind
	value() []byte
	err() error
}

type heapItem struct {
	src  source
	prio int // lower is newer
}

type sourceHeap []heapItem

func (h sourceHeap) Len() int { return len(h) }
func (h sourceHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].src.key(), h[j].src.key())
	return c < 0 || (c == 0 && h[i].prio < h[j].prio)
}
func (h sourceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *sourceHeap) Push(x any)   { *h = append(*h, x.(heapItem)) }
func (h *sourceHeap) Pop() any {
	old := *h
	item := old[len(old)-1]
	*h = old[:len(old)-1]
	return item
}

// mergeIter combines sources ordered newest first. For every key only the
// entry of the newest source is returned, and deleted keys are skipped.
type mergeIter struct {
	srcs    []source
	h       sourceHeap
	started bool
	closed  bool
	cur     []byte
	fail    error

	k []byte
	v []byte

	release func()
}

func newMergeIter(srcs []source, release func()) *mergeIter {
	return &mergeIter{srcs: srcs, release: release}
}

func (it *mergeIter) Next() bool {
	if it.fail != nil || it.closed {
		return false
	}
	if !it.started {
		it.started = true
		for i, s := range it.srcs {
			if s.next() {
				it.h = append(it.h, heapItem{s, i})
			} else if err := s.err(); err != nil {
				it.fail = err
				return false
			}
		}
		heap.Init(&it.h)
	} else {
		it.skip()
	}
	for it.fail == nil && len(it.h) > 0 {
		top := it.h[0].src
		it.cur = append(it.cur[:0], top.key()...)
		if top.kind() == kindDelete {
			it.skip()
			continue
		}
		it.k, it.v = top.key(), top.value()
		return true
	}
	it.k, it.v = nil, nil
	return false
}

// skip advances every source positioned at it.cur.
func (it *mergeIter) skip() {
	for len(it.h) > 0 && bytes.Equal(it.h[0].src.key(), it.cur) {
		top := it.h[0].src
		if top.next() {
			heap.Fix(&it.h, 0)
			continue
		}
		if err := top.err(); err != nil {
			it.fail = err
		}
		heap.Pop(&it.h)
	}
}

func (it *mergeIter) Key() []byte   { return it.k }
func (it *mergeIter) Value() []byte { return it.v }
func (it *mergeIter) Err() error    { return it.fail }

func (it *mergeIter) Close() error {
	if it.release != nil {
		it.release()
		it.release = nil
	}
	it.closed = true
	it.srcs, it.h = nil, nil
	return nil
}
