package xlim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/andreyvit/xlim/doc"
)

func TestTx_UncommittedInvisible(t *testing.T) {
	forEachBackend(t, allBackends, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		db := setup(t, backend)
		c := must(db.CreateCollection("c"))

		t1 := db.Begin(Snapshot)
		x := insert(t1, c, map[string]any{"name": "X"})

		t2 := db.Begin(Snapshot)
		_, err := c.Get(ctx, t2, x)
		isErr(t, err, ErrNotFound)
		deepEqual(t, len(find(t2, c, All())), 0)

		ensure(t1.Commit())

		// t2 keeps its snapshot
		_, err = c.Get(ctx, t2, x)
		isErr(t, err, ErrNotFound)
		t2.Abort()

		t3 := db.Begin(Snapshot)
		d := must(c.Get(ctx, t3, x))
		deepEqual(t, d.Map(), map[string]any{"name": "X"})
		t3.Abort()
	})
}

func TestTx_ReadYourWrites(t *testing.T) {
	ctx := context.Background()
	db := setup(t, BackendMemory)
	c := setupPeople(t, db)
	ensure(c.CreateIndex("age"))

	tx := db.Begin(Snapshot)
	defer tx.Abort()
	id := insert(tx, c, map[string]any{"name": "zed", "age": 50})
	deepEqual(t, must(c.Get(ctx, tx, id)).Map(), map[string]any{"name": "zed", "age": int64(50)})

	deepEqual(t, names(find(tx, c, Where("age", Gt, 30))), []string{"alice", "carol", "zed"})

	alice := find(tx, c, Where("name", Eq, "alice"))[0]
	ensure(c.Delete(ctx, tx, alice.ID))
	deepEqual(t, names(find(tx, c, Where("age", Gt, 30))), []string{"carol", "zed"})

	carol := find(tx, c, Where("name", Eq, "carol"))[0]
	ensure(c.Update(ctx, tx, carol.ID, doc.MustFromMap(map[string]any{"name": "carol", "age": 1})))
	deepEqual(t, names(find(tx, c, Where("age", Gt, 30))), []string{"zed"})
	deepEqual(t, names(find(tx, c, Where("age", Lt, 20))), []string{"carol", "frank"})
}

func TestTx_Atomicity(t *testing.T) {
	forEachBackend(t, persistentBackends, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		db := setup(t, backend)
		c := must(db.CreateCollection("c"))
		ensure(c.CreateIndex("n"))

		fail := errors.New("fail")
		err := db.Update(ctx, Snapshot, func(tx *Tx) error {
			for i := range 10 {
				insert(tx, c, map[string]any{"n": i})
			}
			return fail
		})
		isErr(t, err, fail)

		err = db.Update(ctx, Snapshot, func(tx *Tx) error {
			insert(tx, c, map[string]any{"n": 1})
			panic("boom")
		})
		var p panicked
		if !errors.As(err, &p) || p.reason != "boom" {
			t.Errorf("** panicking Update returned %v", err)
		}

		db = reopen(t, db)
		c = must(db.Collection("c"))
		read(t, db, func(tx *Tx) {
			deepEqual(t, len(find(tx, c, All())), 0)
			deepEqual(t, must(tx.CollectionStats(c)).IndexEntries, 0)
		})
	})
}

func TestTx_WriteWriteConflict(t *testing.T) {
	ctx := context.Background()
	db := setup(t, BackendLSM)
	c := must(db.CreateCollection("c"))
	var id uuid.UUID
	write(t, db, func(tx *Tx) {
		id = insert(tx, c, map[string]any{"n": 0})
	})

	t1 := db.Begin(Snapshot)
	t2 := db.Begin(Snapshot)
	ensure(c.Update(ctx, t1, id, doc.MustFromMap(map[string]any{"n": 1})))
	ensure(c.Update(ctx, t2, id, doc.MustFromMap(map[string]any{"n": 2})))
	ensure(t1.Commit())

	err := t2.Commit()
	isErr(t, err, ErrConflict)
	var ce *CollectionError
	if !errors.As(err, &ce) || ce.Collection != "c" || ce.ID != id {
		t.Errorf("** conflict error = %#v", err)
	}
	deepEqual(t, t2.IsActive(), false)
	isErr(t, t2.Commit(), ErrTxDone)

	read(t, db, func(tx *Tx) {
		deepEqual(t, must(c.Get(ctx, tx, id)).Map(), map[string]any{"n": int64(1)})
	})
	st := db.Stats()
	deepEqual(t, st.Conflicts, uint64(1))
	deepEqual(t, st.Aborts, uint64(1))
}

func TestTx_SnapshotAllowsWriteSkew(t *testing.T) {
	ctx := context.Background()
	db := setup(t, BackendMemory)
	c := must(db.CreateCollection("c"))
	var a, b uuid.UUID
	write(t, db, func(tx *Tx) {
		a = insert(tx, c, map[string]any{"n": 0})
		b = insert(tx, c, map[string]any{"n": 0})
	})

	t1 := db.Begin(Snapshot)
	t2 := db.Begin(Snapshot)
	must(c.Get(ctx, t1, b))
	must(c.Get(ctx, t2, a))
	ensure(c.Update(ctx, t1, a, doc.MustFromMap(map[string]any{"n": 1})))
	ensure(c.Update(ctx, t2, b, doc.MustFromMap(map[string]any{"n": 1})))
	ensure(t1.Commit())
	ensure(t2.Commit())
}

func TestTx_SerializableReadConflict(t *testing.T) {
	ctx := context.Background()
	db := setup(t, BackendMemory)
	c := must(db.CreateCollection("c"))
	var a, b uuid.UUID
	write(t, db, func(tx *Tx) {
		a = insert(tx, c, map[string]any{"n": 0})
		b = insert(tx, c, map[string]any{"n": 0})
	})

	t1 := db.Begin(Serializable)
	t2 := db.Begin(Serializable)
	must(c.Get(ctx, t1, b))
	must(c.Get(ctx, t2, a))
	ensure(c.Update(ctx, t1, a, doc.MustFromMap(map[string]any{"n": 1})))
	ensure(c.Update(ctx, t2, b, doc.MustFromMap(map[string]any{"n": 1})))
	ensure(t1.Commit())
	isErr(t, t2.Commit(), ErrConflict)
}

func TestTx_SerializablePhantom(t *testing.T) {
	db := setup(t, BackendBolt)
	c := setupPeople(t, db)
	log := must(db.CreateCollection("log"))

	t1 := db.Begin(Serializable)
	n := len(find(t1, c, Where("age", Gt, 30)))
	insert(t1, log, map[string]any{"count": n})

	write(t, db, func(tx *Tx) {
		insert(tx, c, map[string]any{"name": "gina", "age": 60})
	})
	isErr(t, t1.Commit(), ErrConflict)

	// the same interleaving commits under snapshot isolation
	t2 := db.Begin(Snapshot)
	n = len(find(t2, c, Where("age", Gt, 30)))
	insert(t2, log, map[string]any{"count": n})
	write(t, db, func(tx *Tx) {
		insert(tx, c, map[string]any{"name": "hank", "age": 61})
	})
	ensure(t2.Commit())
}

func TestTx_UpdateRetries(t *testing.T) {
	ctx := context.Background()
	db := setup(t, BackendLSM)
	c := must(db.CreateCollection("c"))
	var id uuid.UUID
	write(t, db, func(tx *Tx) {
		id = insert(tx, c, map[string]any{"n": 0})
	})

	var attempts int
	err := db.Update(ctx, Snapshot, func(tx *Tx) error {
		attempts++
		d := must(c.Get(ctx, tx, id))
		n, _ := d.Get("n")
		if attempts == 1 {
			// a concurrent writer sneaks in
			write(t, db, func(tx2 *Tx) {
				ensure(c.Update(ctx, tx2, id, doc.MustFromMap(map[string]any{"n": n.AsInt() + 10})))
			})
		}
		return c.Update(ctx, tx, id, doc.MustFromMap(map[string]any{"n": n.AsInt() + 1}))
	})
	ensure(err)
	deepEqual(t, attempts, 2)
	deepEqual(t, db.Stats().Retries, uint64(1))
	read(t, db, func(tx *Tx) {
		deepEqual(t, must(c.Get(ctx, tx, id)).Map(), map[string]any{"n": int64(11)})
	})
}

func TestTx_UpdateNoRetries(t *testing.T) {
	ctx := context.Background()
	db := setupWith(t, t.TempDir(), Options{Backend: BackendMemory, MaxRetries: -1})
	c := must(db.CreateCollection("c"))
	var id uuid.UUID
	write(t, db, func(tx *Tx) {
		id = insert(tx, c, map[string]any{"n": 0})
	})

	var attempts int
	err := db.Update(ctx, Snapshot, func(tx *Tx) error {
		attempts++
		write(t, db, func(tx2 *Tx) {
			ensure(c.Update(ctx, tx2, id, doc.MustFromMap(map[string]any{"n": attempts})))
		})
		return c.Update(ctx, tx, id, doc.MustFromMap(map[string]any{"n": -1}))
	})
	isErr(t, err, ErrConflict)
	deepEqual(t, attempts, 1)
}

func TestTx_ConcurrentIncrements(t *testing.T) {
	forEachBackend(t, allBackends, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		db := setupWith(t, t.TempDir(), Options{Backend: backend, MaxRetries: 1000})
		c := must(db.CreateCollection("counters"))
		var id uuid.UUID
		write(t, db, func(tx *Tx) {
			id = insert(tx, c, map[string]any{"n": 0})
		})

		const workers, perWorker = 4, 10
		var g errgroup.Group
		for range workers {
			g.Go(func() error {
				for range perWorker {
					err := db.Update(ctx, Snapshot, func(tx *Tx) error {
						d, err := c.Get(ctx, tx, id)
						if err != nil {
							return err
						}
						n, _ := d.Get("n")
						return c.Update(ctx, tx, id, doc.MustFromMap(map[string]any{"n": n.AsInt() + 1}))
					})
					if err != nil {
						return err
					}
				}
				return nil
			})
		}
		ensure(g.Wait())

		read(t, db, func(tx *Tx) {
			deepEqual(t, must(c.Get(ctx, tx, id)).Map(), map[string]any{"n": int64(workers * perWorker)})
		})
	})
}

func TestTx_ConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	db := setup(t, BackendLSM)
	c := must(db.CreateCollection("c"))
	ensure(c.CreateIndex("w"))

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 25 {
				ensure(db.Update(ctx, Snapshot, func(tx *Tx) error {
					insert(tx, c, map[string]any{"w": w, "name": fmt.Sprintf("%d-%d", w, i)})
					return nil
				}))
			}
		}()
	}
	wg.Wait()

	read(t, db, func(tx *Tx) {
		deepEqual(t, len(find(tx, c, All())), 100)
		deepEqual(t, len(find(tx, c, Where("w", Eq, 2))), 25)
	})
}

func TestTx_ReadOnlyView(t *testing.T) {
	db := setup(t, BackendMemory)
	c := must(db.CreateCollection("c"))
	err := db.View(context.Background(), func(tx *Tx) error {
		_, err := c.Insert(context.Background(), tx, doc.New())
		return err
	})
	isErr(t, err, ErrInvalidArgument)
}

func TestTx_Finished(t *testing.T) {
	ctx := context.Background()
	db := setup(t, BackendMemory)
	c := must(db.CreateCollection("c"))

	tx := db.Begin(Snapshot)
	tx.Abort()
	tx.Abort()
	_, err := c.Insert(ctx, tx, doc.New())
	isErr(t, err, ErrTxDone)
	_, err = c.Find(ctx, tx, All())
	isErr(t, err, ErrTxDone)
	isErr(t, tx.Commit(), ErrTxDone)

	// an empty transaction commits without taking a timestamp
	ts := db.Stats().LastTS
	tx = db.Begin(Snapshot)
	ensure(tx.Commit())
	deepEqual(t, db.Stats().LastTS, ts)
}

func TestTx_ContextCanceled(t *testing.T) {
	db := setup(t, BackendMemory)
	c := setupPeople(t, db)
	ctx, cancel := context.WithCancel(context.Background())

	tx := db.Begin(Snapshot)
	defer tx.Abort()
	cur := must(c.Find(ctx, tx, All()))
	if !cur.Next(ctx) {
		t.Fatalf("Next = false, err = %v", cur.Err())
	}
	cancel()
	if cur.Next(ctx) {
		t.Fatalf("Next after cancel = true")
	}
	isErr(t, cur.Err(), context.Canceled)

	isErr(t, db.Update(ctx, Snapshot, func(tx *Tx) error { return nil }), context.Canceled)
}

func TestTx_WriteToDroppedCollection(t *testing.T) {
	db := setup(t, BackendMemory)
	c := must(db.CreateCollection("c"))

	tx := db.Begin(Snapshot)
	insert(tx, c, map[string]any{"n": 1})
	ensure(db.DropCollection("c"))
	isErr(t, tx.Commit(), ErrConflict)
}

func TestTx_SerializableScanOfDroppedCollection(t *testing.T) {
	db := setup(t, BackendMemory)
	c := setupPeople(t, db)
	other := must(db.CreateCollection("other"))

	tx := db.Begin(Serializable)
	deepEqual(t, len(find(tx, c, All())), len(people))
	insert(tx, other, map[string]any{"n": 1})
	ensure(db.DropCollection("people"))
	isErr(t, tx.Commit(), ErrConflict)
}
