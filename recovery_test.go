package xlim

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/andreyvit/xlim/doc"
)

var crashBackends = []Backend{BackendLSM, BackendBolt}

// crashDir snapshots the files of a live database into a new directory, as
// if the process died at this point.
func crashDir(t testing.TB, db *DB) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "crashed")
	db.commitMu.Lock()
	err := os.CopyFS(dir, os.DirFS(db.dir))
	db.commitMu.Unlock()
	ensure(err)
	return dir
}

func crashCopy(t testing.TB, db *DB) *DB {
	t.Helper()
	return setupWith(t, crashDir(t, db), db.opt)
}

// logUncommitted writes WAL records of a transaction inserting d, without
// a commit marker. With sealGroup the journal commit group is still closed,
// so only the missing marker keeps the records from being replayed.
func logUncommitted(t testing.TB, db *DB, c *Collection, d *doc.Document, sealGroup bool) uuid.UUID {
	t.Helper()
	id := must(uuid.NewV7())
	w := stagedWrite{key: docKey(c.id, id), value: must(doc.Encode(d))}

	db.commitMu.Lock()
	defer db.commitMu.Unlock()
	ensure(db.journal.WriteRecord(db.journal.Now(), encodeRecord(w.record(db.allocTxID()))))
	if sealGroup {
		ensure(db.journal.Commit())
	} else {
		ensure(db.journal.Flush())
	}
	return id
}

func TestRecovery_ReplaysCommitted(t *testing.T) {
	forEachBackend(t, crashBackends, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		db := setup(t, backend)
		c := setupPeople(t, db)
		ensure(c.CreateIndex("age"))
		var id uuid.UUID
		write(t, db, func(tx *Tx) {
			id = insert(tx, c, map[string]any{"name": "zed", "age": 70})
		})
		write(t, db, func(tx *Tx) {
			ensure(c.Update(ctx, tx, id, doc.MustFromMap(map[string]any{"name": "zed", "age": 71})))
		})
		lastTS := db.Stats().LastTS

		db2 := crashCopy(t, db)
		deepEqual(t, db2.Stats().LastTS, lastTS)
		c2 := must(db2.Collection("people"))
		deepEqual(t, c2.Indexes(), []string{"age"})
		read(t, db2, func(tx *Tx) {
			deepEqual(t, len(find(tx, c2, All())), len(people)+1)
			deepEqual(t, names(find(tx, c2, Where("age", Gt, 70))), []string{"zed"})
			deepEqual(t, names(find(tx, c2, Where("age", Eq, 70))), []string{})
		})

		// the recovered database keeps going
		write(t, db2, func(tx *Tx) {
			insert(tx, c2, map[string]any{"name": "yves", "age": 1})
		})
		deepEqual(t, db2.Stats().LastTS, lastTS+1)
		db2 = reopen(t, db2)
		c2 = must(db2.Collection("people"))
		read(t, db2, func(tx *Tx) {
			deepEqual(t, len(find(tx, c2, All())), len(people)+2)
		})
	})
}

func TestRecovery_WithoutCommitMarker(t *testing.T) {
	for _, sealGroup := range []bool{false, true} {
		name := "unsealed"
		if sealGroup {
			name = "sealed"
		}
		t.Run(name, func(t *testing.T) {
			forEachBackend(t, crashBackends, func(t *testing.T, backend Backend) {
				ctx := context.Background()
				db := setup(t, backend)
				c := must(db.CreateCollection("c"))
				var a uuid.UUID
				write(t, db, func(tx *Tx) {
					a = insert(tx, c, map[string]any{"name": "a"})
				})
				b := logUncommitted(t, db, c, doc.MustFromMap(map[string]any{"name": "b"}), sealGroup)

				db2 := crashCopy(t, db)
				c2 := must(db2.Collection("c"))
				read(t, db2, func(tx *Tx) {
					must(c2.Get(ctx, tx, a))
					_, err := c2.Get(ctx, tx, b)
					isErr(t, err, ErrNotFound)
					deepEqual(t, names(find(tx, c2, All())), []string{"a"})
				})
			})
		})
	}
}

func TestRecovery_TornTail(t *testing.T) {
	forEachBackend(t, crashBackends, func(t *testing.T, backend Backend) {
		db := setup(t, backend)
		c := setupPeople(t, db)
		dir := crashDir(t, db)

		segs := must(filepath.Glob(filepath.Join(dir, walDirName, "wal-*.log")))
		if len(segs) == 0 {
			t.Fatalf("no WAL segments in %s", dir)
		}
		f := must(os.OpenFile(segs[len(segs)-1], os.O_WRONLY|os.O_APPEND, 0))
		must(f.Write([]byte{0x42, 0x13, 0x37, 0x00, 0xFF, 0xFF, 0xFF}))
		ensure(f.Close())

		db2 := setupWith(t, dir, db.opt)
		c2 := must(db2.Collection(c.Name()))
		read(t, db2, func(tx *Tx) {
			deepEqual(t, len(find(tx, c2, All())), len(people))
		})
	})
}

func TestRecovery_AfterCheckpoint(t *testing.T) {
	db := setup(t, BackendLSM)
	c := setupPeople(t, db)
	ensure(db.Compact(context.Background()))
	ckpt := db.engine.CheckpointTS()
	if ckpt == 0 {
		t.Fatalf("no checkpoint after Compact")
	}
	write(t, db, func(tx *Tx) {
		insert(tx, c, map[string]any{"name": "late"})
	})

	db2 := crashCopy(t, db)
	st := db2.Stats()
	deepEqual(t, st.CheckpointTS, ckpt)
	deepEqual(t, st.LastTS, ckpt+1)
	c2 := must(db2.Collection("people"))
	read(t, db2, func(tx *Tx) {
		deepEqual(t, len(find(tx, c2, All())), len(people)+1)
	})
}

func TestRecovery_RedoesCatalogSave(t *testing.T) {
	db := setup(t, BackendBolt)
	c := setupPeople(t, db)
	stale := db.catalog.Load().encode()
	ensure(c.CreateIndex("city"))

	// as if the process died between applying the batch and saving the
	// catalog
	ensure(db.engine.SaveMeta(stale))

	db2 := crashCopy(t, db)
	c2 := must(db2.Collection("people"))
	deepEqual(t, c2.Indexes(), []string{"city"})
	read(t, db2, func(tx *Tx) {
		deepEqual(t, must(c2.Explain(tx, Where("city", Eq, "Paris"))).Kind, IndexEquality)
		deepEqual(t, names(find(tx, c2, Where("city", Eq, "Paris"))), []string{"alice"})
	})
}

func TestRecovery_RejectsTimestampRegression(t *testing.T) {
	db := setup(t, BackendLSM)
	c := must(db.CreateCollection("c"))
	write(t, db, func(tx *Tx) {
		insert(tx, c, map[string]any{"n": 1})
	})

	// a second commit claiming an already used timestamp
	db.commitMu.Lock()
	txID := db.allocTxID()
	w := stagedWrite{key: docKey(c.id, must(uuid.NewV7())), value: must(doc.Encode(doc.New()))}
	ensure(db.journal.WriteRecord(0, encodeRecord(w.record(txID))))
	ensure(db.journal.WriteRecord(0, encodeRecord(&walRecord{Kind: recCommit, TxID: txID, TS: db.lastTS.Load()})))
	ensure(db.journal.Commit())
	db.commitMu.Unlock()

	dir := crashDir(t, db)
	opt := db.opt
	opt.IsTesting = true
	_, err := Open(dir, opt)
	isErr(t, err, ErrCorruption)
}

func TestWALRecord_Decode(t *testing.T) {
	for _, r := range []*walRecord{
		{Kind: recPut, TxID: 1, Key: []byte("k"), Value: []byte("v")},
		{Kind: recDelete, TxID: 2, Key: []byte("k")},
		{Kind: recCommit, TxID: 3, TS: 9},
		{Kind: recCatalog, TxID: 4, Value: newCatalog().encode()},
	} {
		deepEqual(t, must(decodeRecord(encodeRecord(r))), r)
	}

	for _, r := range []*walRecord{
		{Kind: recPut, TxID: 1},
		{Kind: recCommit, TxID: 3},
		{Kind: 99, TxID: 3},
	} {
		_, err := decodeRecord(encodeRecord(r))
		isErr(t, err, ErrCorruption)
	}
	_, err := decodeRecord([]byte{0xc1})
	var de *DataError
	if !errors.As(err, &de) || de.Source != "wal" {
		t.Errorf("** decodeRecord(garbage) = %v, wanted a wal DataError", err)
	}
}
