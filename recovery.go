package xlim

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/andreyvit/xlim/journal"
	"github.com/andreyvit/xlim/kv"
)

// recover replays committed WAL transactions that the engine has not
// persisted yet. The journal itself drops uncommitted tails and truncates
// at the first damaged commit group.
func (db *DB) recover() error {
	start := time.Now()
	ckpt := db.engine.CheckpointTS()
	lastTS := ckpt
	var replayed, skipped, discarded int
	var latestCat []byte
	var latestCatTS uint64

	segs, err := db.journal.Segments()
	if err != nil && !isNotExist(err) {
		return err
	}
	for _, s := range segs {
		db.walSegs[s.Ordinal] = 0
	}

	err = db.journal.Recover(func(recs []journal.Record) error {
		txns, err := groupRecords(recs)
		if err != nil {
			return err
		}
		for _, t := range txns {
			if t.commitTS == 0 {
				discarded++
				continue
			}
			if t.commitTS > db.walSegs[t.seg] {
				db.walSegs[t.seg] = t.commitTS
			}
			if t.commitTS <= ckpt {
				skipped++
			} else if t.commitTS <= lastTS {
				return kv.DataErrf("wal", nil, 0, nil, "commit timestamp %d of tx %d is not after %d", t.commitTS, t.id, lastTS)
			} else {
				var b kv.Batch
				b.TS = t.commitTS
				for i := range t.writes {
					t.writes[i].appendToBatch(&b, t.commitTS)
				}
				if err := db.engine.Apply(&b); err != nil {
					return err
				}
				replayed++
			}
			lastTS = max(lastTS, t.commitTS)
			if t.catalog != nil && t.commitTS > latestCatTS {
				latestCat, latestCatTS = t.catalog, t.commitTS
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// DDL saves the catalog after applying its batch; redo that if the
	// crash came in between.
	if latestCat != nil && latestCatTS > db.catalog.Load().TS {
		cat, err := decodeCatalog(latestCat)
		if err != nil {
			return err
		}
		if err := db.engine.SaveMeta(latestCat); err != nil {
			return err
		}
		db.catalog.Store(cat)
	}

	db.lastTS.Store(lastTS)
	if replayed > 0 || discarded > 0 || db.verbose {
		db.logger.LogAttrs(db.ctx, slog.LevelInfo, "xlim: recovered", slog.Uint64("checkpoint", ckpt), slog.Uint64("ts", lastTS), slog.Int("replayed", replayed), slog.Int("skipped", skipped), slog.Int("discarded", discarded), slog.Duration("took", time.Since(start)))
	}
	return nil
}

type recoveredTx struct {
	id       uint64
	seg      uint32
	commitTS uint64
	writes   []stagedWrite
	catalog  []byte
}

// groupRecords splits one journal commit group into transactions, in the
// order their first records appear.
func groupRecords(recs []journal.Record) ([]*recoveredTx, error) {
	var txns []*recoveredTx
	byID := make(map[uint64]*recoveredTx)
	for _, rec := range recs {
		r, err := decodeRecord(rec.Data)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", rec.Seq, err)
		}
		t := byID[r.TxID]
		if t == nil {
			t = &recoveredTx{id: r.TxID, seg: rec.Seg}
			byID[r.TxID] = t
			txns = append(txns, t)
		}
		if t.commitTS != 0 {
			return nil, kv.DataErrf("wal", rec.Data, 0, nil, "record %d of tx %d follows its commit marker", rec.Seq, r.TxID)
		}
		switch r.Kind {
		case recPut, recDelete:
			t.writes = append(t.writes, stagedFromRecord(r))
		case recCatalog:
			t.catalog = r.Value
		case recCommit:
			t.commitTS = r.TS
		}
	}
	return txns, nil
}
