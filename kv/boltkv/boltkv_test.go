package boltkv_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/andreyvit/xlim/kv"
	"github.com/andreyvit/xlim/kv/boltkv"
	"github.com/andreyvit/xlim/kv/kvtest"
)

func open(t testing.TB, dir string) kv.Engine {
	db, err := boltkv.Open(filepath.Join(dir, "data.bolt"), boltkv.Options{IsTesting: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return db
}

func TestBolt(t *testing.T) {
	kvtest.Suite{Open: open, Persistent: true}.Run(t)
}

func TestBolt_compactInChunks(t *testing.T) {
	db := open(t, t.TempDir())
	defer db.Close()

	var b kv.Batch
	for i := range 2500 {
		user := fmt.Appendf(nil, "doc%05d", i)
		b.Put(kv.Versioned(user, 1), []byte{kv.TagValue})
		b.Put(kv.Versioned(user, 2), []byte{kv.TagValue})
	}
	ensure(db.Apply(&b))
	ensure(db.(kv.Compactor).Compact(context.Background(), 10))

	if n := len(kvtest.Keys(t, db.Scan(nil, nil))); n != 2500 {
		t.Errorf("%d versions after Compact, wanted 2500", n)
	}
	kvtest.Value(t, db, string(kv.Versioned([]byte("doc01234"), 2)), "v")
	kvtest.Value(t, db, string(kv.Versioned([]byte("doc01234"), 1)), "")
}

func TestBolt_closed(t *testing.T) {
	db := open(t, t.TempDir())
	ensure(db.Close())
	if _, err := db.Get([]byte("k")); !errors.Is(err, kv.ErrClosed) {
		t.Errorf("Get after Close: err = %v, wanted ErrClosed", err)
	}
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
