package lsm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/andreyvit/xlim/kv"
	"github.com/andreyvit/xlim/kv/kvtest"
)

func testOptions(t testing.TB) Options {
	return Options{
		MemtableSize:      4096,
		BlockSize:         512,
		Compression:       CompressionLZ4,
		CompactionTrigger: -1,
		NoSync:            true,
		Logger:            slog.New(slog.NewTextHandler(tlogWriter{t}, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
}

type tlogWriter struct{ t testing.TB }

func (w tlogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(bytes.TrimSpace(p)))
	return len(p), nil
}

func openTest(t testing.TB, dir string, o Options) *DB {
	d, err := Open(dir, o)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return d
}

func TestLSM(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			kvtest.Suite{
				Open: func(t testing.TB, dir string) kv.Engine {
					o := testOptions(t)
					o.Compression = c
					return openTest(t, dir, o)
				},
				Persistent: true,
			}.Run(t)
		})
	}
}

func TestLSM_againstModel(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(t)
	o.MemtableSize = 1024
	o.BlockSize = 128
	d := openTest(t, dir, o)

	rnd := rand.New(rand.NewPCG(1, 2))
	model := make(map[string]string)
	for round := range 40 {
		var b kv.Batch
		for range 20 {
			k := fmt.Sprintf("key%03d", rnd.IntN(150))
			if rnd.IntN(4) == 0 {
				b.Delete([]byte(k))
				delete(model, k)
			} else {
				v := fmt.Sprintf("v%d-%d", round, rnd.IntN(1000))
				b.Put([]byte(k), []byte(v))
				model[k] = v
			}
		}
		b.TS = uint64(round + 1)
		ensure(d.Apply(&b))
		if round%7 == 3 {
			ensure(d.Flush())
		}
	}

	check := func(d *DB) {
		t.Helper()
		want := slices.Sorted(maps.Keys(model))
		got := kvtest.Keys(t, d.Scan(nil, nil))
		if !slices.Equal(got, want) {
			t.Fatalf("keys = %v, wanted %v", got, want)
		}
		for k, v := range model {
			kvtest.Value(t, d, k, v)
		}
		kvtest.Value(t, d, "key999", "")
	}
	check(d)
	if n := d.Stats().Segments; n < 3 {
		t.Errorf("segments = %d, wanted several", n)
	}

	ensure(d.Flush())
	ensure(d.Compact(context.Background(), 0))
	if n := d.Stats().Segments; n != 1 {
		t.Errorf("segments after Compact = %d, wanted 1", n)
	}
	check(d)

	ensure(d.Flush())
	ensure(d.Close())
	d = openTest(t, dir, o)
	defer d.Close()
	check(d)
	if ts := d.CheckpointTS(); ts != 40 {
		t.Errorf("CheckpointTS = %d, wanted 40", ts)
	}
}

func TestLSM_iteratorKeepsSegmentsAlive(t *testing.T) {
	dir := t.TempDir()
	d := openTest(t, dir, testOptions(t))
	defer d.Close()

	for i := range 3 {
		var b kv.Batch
		b.Put([]byte(fmt.Sprintf("k%d", i)), []byte("x"))
		ensure(d.Apply(&b))
		ensure(d.Flush())
	}
	old := segmentFiles(t, dir)
	if len(old) != 3 {
		t.Fatalf("segment files = %v", old)
	}

	it := d.Scan(nil, nil)
	ensure(d.Compact(context.Background(), 0))

	// inputs are still referenced by the iterator
	for _, name := range old {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s deleted while in use: %v", name, err)
		}
	}
	got := kvtest.Keys(t, it)
	if !slices.Equal(got, []string{"k0", "k1", "k2"}) {
		t.Errorf("keys = %v", got)
	}
	files := segmentFiles(t, dir)
	if len(files) != 1 || slices.Contains(old, files[0]) {
		t.Errorf("segment files after iterator closed = %v", files)
	}
}

func TestLSM_corruptBlock(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(t)
	o.Compression = CompressionNone
	d := openTest(t, dir, o)
	var b kv.Batch
	b.Put([]byte("alpha"), []byte("one"))
	b.Put([]byte("beta"), []byte("two"))
	ensure(d.Apply(&b))
	ensure(d.Flush())
	ensure(d.Close())

	files := segmentFiles(t, dir)
	fn := filepath.Join(dir, files[0])
	data := must(os.ReadFile(fn))
	data[3] ^= 0x01 // inside the first key
	ensure(os.WriteFile(fn, data, 0o644))

	d = openTest(t, dir, o)
	defer d.Close()
	_, err := d.Get([]byte("alpha"))
	if !errors.Is(err, kv.ErrCorruption) {
		t.Fatalf("Get on corrupted segment: err = %v, wanted ErrCorruption", err)
	}
	var de *kv.DataError
	if !errors.As(err, &de) || de.Source != files[0] {
		t.Errorf("error does not name the segment: %v", err)
	}
	it := d.Scan(nil, nil)
	for it.Next() {
	}
	if !errors.Is(it.Err(), kv.ErrCorruption) {
		t.Errorf("Scan error = %v, wanted ErrCorruption", it.Err())
	}
	it.Close()
}

func TestLSM_corruptFooter(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(t)
	d := openTest(t, dir, o)
	var b kv.Batch
	b.Put([]byte("k"), []byte("v"))
	ensure(d.Apply(&b))
	ensure(d.Flush())
	ensure(d.Close())

	fn := filepath.Join(dir, segmentFiles(t, dir)[0])
	data := must(os.ReadFile(fn))
	data[len(data)-20] ^= 0xFF
	ensure(os.WriteFile(fn, data, 0o644))

	_, err := Open(dir, o)
	if !errors.Is(err, kv.ErrCorruption) {
		t.Fatalf("Open with corrupted footer: err = %v, wanted ErrCorruption", err)
	}
	// the segment is unmapped by now, so the message must not read from it
	if msg := err.Error(); !strings.Contains(msg, "bad segment footer") {
		t.Errorf("err = %q", msg)
	}
}

func TestLSM_truncatedSegment(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(t)
	d := openTest(t, dir, o)
	var b kv.Batch
	b.Put([]byte("k"), []byte("v"))
	ensure(d.Apply(&b))
	ensure(d.Flush())
	ensure(d.Close())

	fn := filepath.Join(dir, segmentFiles(t, dir)[0])
	ensure(os.Truncate(fn, 10))

	_, err := Open(dir, o)
	if !errors.Is(err, kv.ErrCorruption) {
		t.Fatalf("Open with truncated segment: err = %v, wanted ErrCorruption", err)
	}
	var de *kv.DataError
	if !errors.As(err, &de) || de.Len != 10 || len(de.Data) != 10 {
		t.Fatalf("err = %v, wanted a DataError with a 10-byte excerpt", err)
	}
	if msg := err.Error(); !strings.Contains(msg, "segment too short") {
		t.Errorf("err = %q", msg)
	}
}

func TestLSM_leftoversRemoved(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(t)
	d := openTest(t, dir, o)
	var b kv.Batch
	b.Put([]byte("k"), []byte("v"))
	ensure(d.Apply(&b))
	ensure(d.Flush())
	ensure(d.Close())

	ensure(os.WriteFile(filepath.Join(dir, segmentFileName(999)), []byte("partial"), 0o644))
	ensure(os.WriteFile(filepath.Join(dir, manifestTmpName), []byte("partial"), 0o644))
	ensure(os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("keep"), 0o644))

	d = openTest(t, dir, o)
	defer d.Close()
	kvtest.Value(t, d, "k", "v")
	for _, name := range []string{segmentFileName(999), manifestTmpName} {
		if _, err := os.Stat(filepath.Join(dir, name)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s not removed: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "unrelated.txt")); err != nil {
		t.Errorf("unrelated file removed: %v", err)
	}
}

func TestLSM_backgroundCompaction(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(t)
	o.CompactionTrigger = 2
	o.CompactionBytesPerSec = 1 << 20
	compacted := make(chan struct{}, 1)
	o.Watermark = func() uint64 {
		select {
		case compacted <- struct{}{}:
		default:
		}
		return 0
	}
	d := openTest(t, dir, o)
	defer d.Close()

	for i := range 2 {
		var b kv.Batch
		b.Put([]byte(fmt.Sprintf("k%d", i)), []byte("x"))
		ensure(d.Apply(&b))
		ensure(d.Flush())
	}
	<-compacted
	// Compact holds compactMu, so an explicit call waits for the background run
	ensure(d.Compact(context.Background(), 0))
	if st := d.Stats(); st.Segments != 1 || st.Compactions < 1 {
		t.Errorf("stats after compaction = %+v", st)
	}
	kvtest.Value(t, d, "k0", "x")
	kvtest.Value(t, d, "k1", "x")
}

func TestLSM_closed(t *testing.T) {
	d := openTest(t, t.TempDir(), testOptions(t))
	ensure(d.Close())
	ensure(d.Close())
	if _, err := d.Get([]byte("k")); !errors.Is(err, kv.ErrClosed) {
		t.Errorf("Get after Close: err = %v", err)
	}
	var b kv.Batch
	b.Put([]byte("k"), []byte("v"))
	if err := d.Apply(&b); !errors.Is(err, kv.ErrClosed) {
		t.Errorf("Apply after Close: err = %v", err)
	}
	if err := d.Scan(nil, nil).Err(); !errors.Is(err, kv.ErrClosed) {
		t.Errorf("Scan after Close: err = %v", err)
	}
}

func segmentFiles(t testing.TB, dir string) []string {
	t.Helper()
	entries := must(os.ReadDir(dir))
	var names []string
	for _, e := range entries {
		if _, ok := parseSegmentFileName(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	return names
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
