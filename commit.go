package xlim

import (
	"fmt"
	"log/slog"

	"github.com/andreyvit/xlim/doc"
	"github.com/andreyvit/xlim/kv"
)

// commitSet remembers what a recent commit wrote, for validating
// transactions that began before it.
type commitSet struct {
	ts    uint64
	docs  map[docRef]struct{}
	colls map[uint32]struct{}
}

// Commit validates the transaction against commits published since it
// began, makes its writes durable in the write-ahead log and publishes them.
// On ErrConflict the transaction is aborted and nothing is written.
func (tx *Tx) Commit() error {
	if err := tx.checkActive(); err != nil {
		if tx.state == txActive {
			tx.Abort()
		}
		return err
	}
	db := tx.db
	if len(tx.order) == 0 {
		tx.finish(txCommitted)
		return nil
	}

	db.commitMu.Lock()
	defer db.commitMu.Unlock()

	err := tx.commit_locked()
	if err != nil {
		tx.finish(txAborted)
		tx.writes, tx.order = nil, nil
		db.aborts.Add(1)
		return err
	}
	tx.finish(txCommitted)
	db.commits.Add(1)
	return nil
}

func (tx *Tx) commit_locked() error {
	db := tx.db
	if db.poisoned != nil {
		return kv.IOErr("commit", db.poisoned)
	}
	if err := tx.validate_locked(); err != nil {
		db.conflicts.Add(1)
		if db.verbose {
			db.logger.LogAttrs(db.ctx, slog.LevelDebug, "xlim: conflict", slog.Uint64("tx", tx.id), slog.Uint64("snapshot", tx.startTS), slog.Any("err", err))
		}
		return err
	}

	ts := db.lastTS.Load() + 1
	cat := db.catalog.Load()
	writes, colls, err := tx.stage_locked(cat, ts-1)
	if err != nil {
		return err
	}
	if err := db.publish_locked(tx.id, ts, writes, nil); err != nil {
		return err
	}

	cs := &commitSet{ts: ts, docs: make(map[docRef]struct{}, len(tx.order)), colls: colls}
	for _, ref := range tx.order {
		cs.docs[ref] = struct{}{}
	}
	db.remember_locked(cs)

	if db.verbose {
		db.logger.LogAttrs(db.ctx, slog.LevelDebug, "xlim: committed", slog.Uint64("tx", tx.id), slog.Uint64("ts", ts), slog.Int("docs", len(tx.order)), slog.Int("keys", len(writes)))
	}
	return nil
}

// validate_locked fails with ErrConflict when a transaction that committed
// after tx began wrote a document tx writes. Serializable transactions also
// fail when such a commit wrote a document tx read, or any document of a
// collection tx scanned.
func (tx *Tx) validate_locked() error {
	cat := tx.db.catalog.Load()
	for _, cs := range tx.db.recent {
		if cs.ts <= tx.startTS {
			continue
		}
		for _, ref := range tx.order {
			if _, ok := cs.docs[ref]; ok {
				return tx.conflictErr(cat, ref, "written by a concurrent transaction")
			}
		}
		if tx.mode != Serializable {
			continue
		}
		for ref := range tx.reads {
			if _, ok := cs.docs[ref]; ok {
				return tx.conflictErr(cat, ref, "read document changed by a concurrent transaction")
			}
		}
		for coll := range tx.scans {
			if _, ok := cs.colls[coll]; ok {
				return tx.conflictErr(cat, docRef{coll: coll}, "scanned collection changed by a concurrent transaction")
			}
		}
	}
	return nil
}

func (tx *Tx) conflictErr(cat *catalog, ref docRef, msg string) error {
	name := fmt.Sprintf("#%d", ref.coll)
	if cd := cat.byID(ref.coll); cd != nil {
		name = cd.Name
	}
	return collErrf(name, "", ref.id, ErrConflict, "%s", msg)
}

// stage_locked turns buffered changes into key writes, diffing index entries
// against the latest committed versions.
func (tx *Tx) stage_locked(cat *catalog, latest uint64) ([]stagedWrite, map[uint32]struct{}, error) {
	db := tx.db
	writes := make([]stagedWrite, 0, len(tx.order)*2)
	colls := make(map[uint32]struct{})
	for _, ref := range tx.order {
		chg := tx.writes[ref]
		cd := cat.byID(ref.coll)
		if cd == nil {
			return nil, nil, collErrf(chg.collection, "", ref.id, ErrConflict, "collection has been dropped")
		}
		colls[ref.coll] = struct{}{}

		var old *doc.Document
		if len(cd.Indexes) > 0 {
			var err error
			old, err = db.readDoc(cd, ref.id, latest)
			if err != nil {
				return nil, nil, err
			}
		}

		key := docKey(ref.coll, ref.id)
		if chg.doc == nil {
			writes = append(writes, stagedWrite{key: key, del: true})
		} else {
			writes = append(writes, stagedWrite{key: key, value: chg.payload})
		}
		writes = appendIndexDiff(writes, cd, cd.Indexes, old, chg.doc)
	}
	return writes, colls, nil
}

// publish_locked writes the records and the commit marker to the WAL, waits
// for durability, then applies the batch and advances the clock. A non-nil
// cat is published together with the writes.
func (db *DB) publish_locked(txID, ts uint64, writes []stagedWrite, cat *catalog) error {
	var meta []byte
	if cat != nil {
		meta = cat.encode()
	}

	if db.journal != nil {
		seg, n, err := db.logCommit_locked(txID, ts, writes, meta)
		if err != nil {
			if derr := db.journal.Discard(); derr != nil {
				db.logger.LogAttrs(db.ctx, slog.LevelError, "xlim: WAL discard failed", slog.Uint64("tx", txID), slog.Any("err", derr))
			}
			return kv.IOErr("wal", err)
		}
		db.walBytes.Add(uint64(n))
		db.walSegs[seg] = max(db.walSegs[seg], ts)
	}

	var b kv.Batch
	b.TS = ts
	for i := range writes {
		writes[i].appendToBatch(&b, ts)
	}
	if err := db.engine.Apply(&b); err != nil {
		return db.poison_locked(err)
	}
	if cat != nil {
		if err := db.engine.SaveMeta(meta); err != nil {
			return db.poison_locked(err)
		}
		db.catalog.Store(cat)
	}
	db.lastTS.Store(ts)

	if db.journal != nil && len(db.walSegs) > 1 {
		db.trimWAL_locked()
	}
	return nil
}

func (db *DB) logCommit_locked(txID, ts uint64, writes []stagedWrite, meta []byte) (seg uint32, n int, err error) {
	now := db.journal.Now()
	write := func(r *walRecord) error {
		data := encodeRecord(r)
		n += len(data)
		return db.journal.WriteRecord(now, data)
	}
	for i := range writes {
		if err = write(writes[i].record(txID)); err != nil {
			return
		}
	}
	if meta != nil {
		if err = write(&walRecord{Kind: recCatalog, TxID: txID, Value: meta}); err != nil {
			return
		}
	}
	if err = write(&walRecord{Kind: recCommit, TxID: txID, TS: ts}); err != nil {
		return
	}
	seg = db.journal.CurrentSegment()
	err = db.journal.Commit()
	return
}

// poison_locked stops all further commits after the WAL and the engine
// diverged; reopening the database replays the WAL and repairs it.
func (db *DB) poison_locked(err error) error {
	if db.poisoned == nil {
		db.poisoned = err
		db.logger.LogAttrs(db.ctx, slog.LevelError, "xlim: engine write failed after WAL commit; reopen the database to recover", slog.Any("err", err))
	}
	return kv.IOErr("apply", err)
}

// remember_locked records a commit for validation and forgets commits that
// no open transaction can conflict with anymore.
func (db *DB) remember_locked(cs *commitSet) {
	db.recent = append(db.recent, cs)
	wm := db.watermark()
	i := 0
	for i < len(db.recent) && db.recent[i].ts <= wm {
		i++
	}
	if i > 0 {
		n := copy(db.recent, db.recent[i:])
		clear(db.recent[n:])
		db.recent = db.recent[:n]
	}
}
