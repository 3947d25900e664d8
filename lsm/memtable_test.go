package lsm

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/andreyvit/xlim/kv"
)

func TestMemtable_versions(t *testing.T) {
	m := newMemtable(1)
	apply := func(seq uint64, ops ...string) {
		var b kv.Batch
		for _, op := range ops {
			if k, ok := bytes.CutPrefix([]byte(op), []byte("-")); ok {
				b.Delete(k)
			} else {
				k, v, _ := bytes.Cut([]byte(op), []byte("="))
				b.Put(k, v)
			}
		}
		m.add(&b, seq)
	}
	apply(1, "a=1", "b=1")
	apply(2, "a=2", "-b", "c=2")
	apply(3, "a=3", "a=3b")

	tests := []struct {
		seq  uint64
		want string
	}{
		{0, ""},
		{1, "a=1 b=1"},
		{2, "a=2 -b c=2"},
		{3, "a=3b -b c=2"},
	}
	for _, tt := range tests {
		var got []string
		it := m.iter(tt.seq, nil, nil)
		for it.next() {
			if it.kind() == kindDelete {
				got = append(got, "-"+string(it.key()))
			} else {
				got = append(got, string(it.key())+"="+string(it.value()))
			}
		}
		if want := strings.Fields(tt.want); !slices.Equal(got, want) {
			t.Errorf("at seq %d: %v, wanted %v", tt.seq, got, want)
		}
	}

	if kind, v, ok := m.get([]byte("b"), 1); !ok || kind != kindPut || string(v) != "1" {
		t.Errorf("get(b, 1) = %v %q %v", kind, v, ok)
	}
	if kind, _, ok := m.get([]byte("b"), 5); !ok || kind != kindDelete {
		t.Errorf("get(b, 5) = %v %v, wanted tombstone", kind, ok)
	}
	if _, _, ok := m.get([]byte("c"), 1); ok {
		t.Errorf("get(c, 1) found a future version")
	}
	if maxSeq, _ := m.stamps(); maxSeq != 3 {
		t.Errorf("maxSeq = %d", maxSeq)
	}
}

func TestMemtable_iterRange(t *testing.T) {
	m := newMemtable(1)
	var b kv.Batch
	for i := range 100 {
		b.Put(fmt.Appendf(nil, "k%02d", i), nil)
	}
	m.add(&b, 1)

	var got []string
	it := m.iter(1, []byte("k10"), []byte("k15"))
	for it.next() {
		got = append(got, string(it.key()))
	}
	if !slices.Equal(got, []string{"k10", "k11", "k12", "k13", "k14"}) {
		t.Errorf("range = %v", got)
	}
}

func TestMemtable_iterSeesConcurrentInserts(t *testing.T) {
	m := newMemtable(1)
	var b kv.Batch
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("c"), []byte("1"))
	m.add(&b, 1)

	it := m.iter(1, nil, nil)
	if !it.next() || string(it.key()) != "a" {
		t.Fatalf("first key = %q", it.key())
	}
	b.Reset()
	b.Put([]byte("b"), []byte("2"))
	m.add(&b, 2)
	if !it.next() || string(it.key()) != "c" {
		t.Fatalf("second key = %q, wanted c (b is newer than the snapshot)", it.key())
	}
	if it.next() {
		t.Fatalf("unexpected key %q", it.key())
	}
}
