package badgerkv_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/andreyvit/xlim/kv"
	"github.com/andreyvit/xlim/kv/badgerkv"
	"github.com/andreyvit/xlim/kv/kvtest"
)

func open(t testing.TB, dir string) kv.Engine {
	db, err := badgerkv.Open(dir, badgerkv.Options{
		IsTesting: true,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return db
}

func TestBadger(t *testing.T) {
	kvtest.Suite{Open: open, Persistent: true}.Run(t)
}

func TestBadger_metaKeysHidden(t *testing.T) {
	db := open(t, t.TempDir())
	defer db.Close()

	ensure(db.SaveMeta([]byte("catalog")))
	var b kv.Batch
	b.Put([]byte("a"), []byte("1"))
	b.TS = 9
	ensure(db.Apply(&b))

	keys := kvtest.Keys(t, db.Scan(nil, nil))
	if len(keys) != 1 || keys[0] != "a" {
		t.Errorf("keys = %q, wanted only the data key", keys)
	}
	if err := db.(kv.Compactor).Compact(context.Background(), 100); err != nil {
		t.Fatal(err)
	}
	kvtest.Value(t, db, "a", "1")
}

func TestBadger_closed(t *testing.T) {
	db := open(t, t.TempDir())
	ensure(db.Close())
	if _, err := db.Get([]byte("k")); !errors.Is(err, kv.ErrClosed) {
		t.Errorf("Get after Close: err = %v, wanted ErrClosed", err)
	}
	if err := db.Scan(nil, nil).Err(); !errors.Is(err, kv.ErrClosed) {
		t.Errorf("Scan after Close: err = %v, wanted ErrClosed", err)
	}
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

func TestBadger_valueLogValues(t *testing.T) {
	dir := t.TempDir()
	db := open(t, dir)
	big := strings.Repeat("x", 64<<10)
	var b kv.Batch
	b.Put([]byte("small"), []byte("v"))
	b.Put([]byte("big"), []byte(big))
	b.TS = 1
	ensure(db.Apply(&b))
	ensure(db.Close())

	db = open(t, dir)
	defer db.Close()
	kvtest.Value(t, db, "small", "v")
	kvtest.Value(t, db, "big", big)
	if ts := db.CheckpointTS(); ts != 1 {
		t.Errorf("CheckpointTS = %d, wanted 1", ts)
	}
}
