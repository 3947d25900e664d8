package lsm

import (
	"bytes"
	"math/rand/v2"
)

type entryKind uint8

const (
	kindPut    entryKind = 1
	kindDelete entryKind = 2
)

func (k entryKind) valid() bool {
	return k == kindPut || k == kindDelete
}

const (
	maxHeight = 12
	branching = 4
)

// skipnode keys and seqs never change after insertion; value and kind only
// change while the node's seq is not yet visible to any reader.
type skipnode struct {
	key   []byte
	value []byte
	seq   uint64
	kind  entryKind
	next  []*skipnode
}

// before reports whether n sorts before (key, seq). Nodes are ordered by
// ascending key, then by descending seq, so the newest version of a key
// comes first.
func (n *skipnode) before(key []byte, seq uint64) bool {
	c := bytes.Compare(n.key, key)
	return c < 0 || (c == 0 && n.seq > seq)
}

// skiplist is not safe for concurrent use; memtable guards it. Nodes are
// never removed, so a node pointer stays usable across lock releases.
type skiplist struct {
	head   skipnode
	height int
	count  int
}

func newSkiplist() *skiplist {
	l := &skiplist{height: 1}
	l.head.next = make([]*skipnode, maxHeight)
	return l
}

// seek returns the first node at or after (key, seq), filling prev with the
// last node before it on every level when prev is non-nil.
func (l *skiplist) seek(key []byte, seq uint64, prev *[maxHeight]*skipnode) *skipnode {
	x := &l.head
	for level := l.height - 1; level >= 0; level-- {
		for {
			nx := x.next[level]
			if nx == nil || !nx.before(key, seq) {
				break
			}
			x = nx
		}
		if prev != nil {
			prev[level] = x
		}
	}
	return x.next[0]
}

func (l *skiplist) first() *skipnode {
	return l.head.next[0]
}

// insert adds a version. A second insert of the same (key, seq) replaces the
// value and reports false.
func (l *skiplist) insert(key, value []byte, seq uint64, kind entryKind) bool {
	var prev [maxHeight]*skipnode
	x := l.seek(key, seq, &prev)
	if x != nil && x.seq == seq && bytes.Equal(x.key, key) {
		x.value, x.kind = value, kind
		return false
	}

	h := randomHeight()
	if h > l.height {
		for i := l.height; i < h; i++ {
			prev[i] = &l.head
		}
		l.height = h
	}
	n := &skipnode{
		key:   key,
		value: value,
		seq:   seq,
		kind:  kind,
		next:  make([]*skipnode, h),
	}
	for i := range h {
		n.next[i] = prev[i].next[i]
		prev[i].next[i] = n
	}
	l.count++
	return true
}

func randomHeight() int {
	h := 1
	for h < maxHeight && rand.IntN(branching) == 0 {
		h++
	}
	return h
}
