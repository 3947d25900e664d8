// Package kvtest holds a conformance suite that every kv.Engine passes.
package kvtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/andreyvit/xlim/kv"
)

type Suite struct {
	// Open opens (or reopens) an engine stored in dir.
	Open func(t testing.TB, dir string) kv.Engine

	// Persistent engines are reopened to check durability.
	Persistent bool
}

func (s Suite) Run(t *testing.T) {
	t.Run("GetPut", s.testGetPut)
	t.Run("BatchOverride", s.testBatchOverride)
	t.Run("Scan", s.testScan)
	t.Run("ScanSnapshot", s.testScanSnapshot)
	t.Run("Meta", s.testMeta)
	t.Run("Checkpoint", s.testCheckpoint)
	t.Run("Compact", s.testCompact)
	if s.Persistent {
		t.Run("Reopen", s.testReopen)
	}
}

func (s Suite) open(t *testing.T) (kv.Engine, string) {
	dir := t.TempDir()
	e := s.Open(t, dir)
	t.Cleanup(func() { e.Close() })
	return e, dir
}

func (s Suite) testGetPut(t *testing.T) {
	e, _ := s.open(t)
	if _, err := e.Get([]byte("a")); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get(a) on empty engine: err = %v, wanted ErrNotFound", err)
	}
	var b kv.Batch
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))
	ensure(e.Apply(&b))
	Value(t, e, "a", "1")
	Value(t, e, "b", "2")

	b.Reset()
	b.Delete([]byte("a"))
	b.Put([]byte("c"), []byte("3"))
	ensure(e.Apply(&b))
	Value(t, e, "a", "")
	Value(t, e, "c", "3")
}

func (s Suite) testBatchOverride(t *testing.T) {
	e, _ := s.open(t)
	var b kv.Batch
	b.Put([]byte("k"), []byte("first"))
	b.Delete([]byte("k"))
	b.Put([]byte("k"), []byte("last"))
	b.Put([]byte("gone"), []byte("x"))
	b.Delete([]byte("gone"))
	ensure(e.Apply(&b))
	Value(t, e, "k", "last")
	Value(t, e, "gone", "")
}

func (s Suite) testScan(t *testing.T) {
	e, _ := s.open(t)
	var b kv.Batch
	for i := range 50 {
		b.Put(fmt.Appendf(nil, "key%03d", i), fmt.Appendf(nil, "val%d", i))
	}
	ensure(e.Apply(&b))
	b.Reset()
	b.Delete([]byte("key010"))
	ensure(e.Apply(&b))

	got := Keys(t, e.Scan([]byte("key008"), []byte("key013")))
	want := []string{"key008", "key009", "key011", "key012"}
	if !slices.Equal(got, want) {
		t.Errorf("Scan = %v, wanted %v", got, want)
	}

	got = Keys(t, e.Scan([]byte("key048"), nil))
	want = []string{"key048", "key049"}
	if !slices.Equal(got, want) {
		t.Errorf("open-ended Scan = %v, wanted %v", got, want)
	}

	got = Keys(t, e.Scan([]byte("zzz"), nil))
	if len(got) != 0 {
		t.Errorf("Scan past end = %v, wanted nothing", got)
	}
}

func (s Suite) testScanSnapshot(t *testing.T) {
	e, _ := s.open(t)
	var b kv.Batch
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("c"), []byte("3"))
	ensure(e.Apply(&b))

	it := e.Scan(nil, nil)
	defer it.Close()

	b.Reset()
	b.Put([]byte("b"), []byte("2"))
	b.Delete([]byte("c"))
	ensure(e.Apply(&b))

	var got []string
	for it.Next() {
		got = append(got, string(it.Key())+"="+string(it.Value()))
	}
	ensure(it.Err())
	want := []string{"a=1", "c=3"}
	if !slices.Equal(got, want) {
		t.Errorf("Scan opened before Apply = %v, wanted %v", got, want)
	}
}

func (s Suite) testMeta(t *testing.T) {
	e, _ := s.open(t)
	meta, err := e.LoadMeta()
	ensure(err)
	if meta != nil {
		t.Errorf("initial meta = %q, wanted nil", meta)
	}
	ensure(e.SaveMeta([]byte("catalog v1")))
	meta = must(e.LoadMeta())
	if string(meta) != "catalog v1" {
		t.Errorf("meta = %q, wanted %q", meta, "catalog v1")
	}
}

func (s Suite) testCheckpoint(t *testing.T) {
	e, _ := s.open(t)
	var b kv.Batch
	b.Put([]byte("a"), []byte("1"))
	b.TS = 7
	ensure(e.Apply(&b))
	Flush(e)
	if ts := e.CheckpointTS(); ts != 7 {
		t.Errorf("CheckpointTS = %d, wanted 7", ts)
	}
}

func (s Suite) testCompact(t *testing.T) {
	e, _ := s.open(t)
	c, ok := e.(kv.Compactor)
	if !ok {
		t.Skip("engine does not implement kv.Compactor")
	}
	user := []byte("doc1")
	versions := []struct {
		ts  uint64
		tag byte
	}{{1, kv.TagValue}, {2, kv.TagValue}, {3, kv.TagTombstone}, {5, kv.TagValue}}
	for _, v := range versions {
		var b kv.Batch
		b.Put(kv.Versioned(user, v.ts), []byte{v.tag})
		b.TS = v.ts
		ensure(e.Apply(&b))
		Flush(e)
	}
	var b kv.Batch
	b.Put(kv.Versioned([]byte("doc2"), 2), []byte{kv.TagValue})
	ensure(e.Apply(&b))

	ensure(c.Compact(context.Background(), 4))

	var got []uint64
	it := e.Scan(user, kv.PrefixEnd(user))
	for it.Next() {
		_, ts, _ := kv.SplitVersioned(it.Key())
		got = append(got, ts)
	}
	ensure(it.Err())
	it.Close()
	if !slices.Equal(got, []uint64{5}) {
		t.Errorf("doc1 versions after Compact(4) = %v, wanted [5]", got)
	}
	Value(t, e, string(kv.Versioned([]byte("doc2"), 2)), "v")
}

func (s Suite) testReopen(t *testing.T) {
	dir := t.TempDir()
	e := s.Open(t, dir)
	var b kv.Batch
	for i := range 200 {
		b.Put(fmt.Appendf(nil, "k%04d", i), bytes.Repeat([]byte{byte(i)}, 100))
	}
	b.TS = 3
	ensure(e.Apply(&b))
	ensure(e.SaveMeta([]byte("m")))
	Flush(e)
	ensure(e.Close())

	e = s.Open(t, dir)
	defer e.Close()
	if ts := e.CheckpointTS(); ts != 3 {
		t.Errorf("CheckpointTS after reopen = %d, wanted 3", ts)
	}
	if meta := must(e.LoadMeta()); string(meta) != "m" {
		t.Errorf("meta after reopen = %q", meta)
	}
	if n := len(Keys(t, e.Scan(nil, nil))); n != 200 {
		t.Errorf("%d keys after reopen, wanted 200", n)
	}
	v := must(e.Get([]byte("k0123")))
	if !bytes.Equal(v, bytes.Repeat([]byte{123}, 100)) {
		t.Errorf("k0123 = %x", v)
	}
}

// Flush persists buffered writes of engines that support it.
func Flush(e kv.Engine) {
	if f, ok := e.(kv.Flusher); ok {
		ensure(f.Flush())
	}
}

// Value checks the value of a key; an empty want means the key must be
// absent.
func Value(t testing.TB, e kv.Engine, key, want string) {
	t.Helper()
	v, err := e.Get([]byte(key))
	if want == "" {
		if !errors.Is(err, kv.ErrNotFound) {
			t.Errorf("Get(%q) = %q, %v; wanted ErrNotFound", key, v, err)
		}
		return
	}
	if err != nil {
		t.Errorf("Get(%q) failed: %v", key, err)
	} else if string(v) != want {
		t.Errorf("Get(%q) = %q, wanted %q", key, v, want)
	}
}

func Keys(t testing.TB, it kv.Iterator) []string {
	t.Helper()
	defer it.Close()
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	if err := it.Err(); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	return keys
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
