package xlim

import (
	"github.com/google/uuid"

	"github.com/andreyvit/xlim/kv"
	"github.com/andreyvit/xlim/lsm"
)

type Stats struct {
	Collections int

	LastTS       uint64
	CheckpointTS uint64
	Watermark    uint64
	OpenTxns     int

	Commits   uint64
	Conflicts uint64
	Aborts    uint64
	Retries   uint64

	WALBytes    uint64
	WALSegments int

	// LSM is only set for BackendLSM.
	LSM *lsm.Stats
}

func (db *DB) Stats() Stats {
	st := Stats{
		Collections:  len(db.catalog.Load().Collections),
		LastTS:       db.lastTS.Load(),
		CheckpointTS: db.engine.CheckpointTS(),
		Watermark:    db.watermark(),
		OpenTxns:     db.openTxnCount(),
		Commits:      db.commits.Load(),
		Conflicts:    db.conflicts.Load(),
		Aborts:       db.aborts.Load(),
		Retries:      db.retries.Load(),
		WALBytes:     db.walBytes.Load(),
	}
	if db.journal != nil {
		if segs, err := db.journal.Segments(); err == nil {
			st.WALSegments = len(segs)
		}
	}
	if e, ok := db.engine.(*lsm.DB); ok {
		ls := e.Stats()
		st.LSM = &ls
	}
	return st
}

type CollectionStats struct {
	Docs         int
	IndexEntries int

	DataSize  int
	IndexSize int
}

func (cs *CollectionStats) TotalSize() int {
	return cs.DataSize + cs.IndexSize
}

// CollectionStats counts the documents and index entries of c visible to
// tx, and their encoded sizes. It scans the whole collection.
func (tx *Tx) CollectionStats(c *Collection) (CollectionStats, error) {
	var result CollectionStats
	if err := tx.checkActive(); err != nil {
		return result, err
	}
	cd, err := c.def()
	if err != nil {
		return result, err
	}

	prefix := appendCollPrefix(nil, cd.ID)
	vi := scanVersions(tx.db.engine, prefix, kv.PrefixEnd(prefix), tx.startTS)
	for vi.Next() {
		result.Docs++
		result.DataSize += len(vi.Key()) + len(vi.Value())
	}
	vi.Close()
	if err := vi.Err(); err != nil {
		return result, collErrf(cd.Name, "", uuid.Nil, err, "stats")
	}

	prefix = collIndexPrefix(cd.ID)
	vi = scanVersions(tx.db.engine, prefix, kv.PrefixEnd(prefix), tx.startTS)
	for vi.Next() {
		result.IndexEntries++
		result.IndexSize += len(vi.Key())
	}
	vi.Close()
	if err := vi.Err(); err != nil {
		return result, collErrf(cd.Name, "", uuid.Nil, err, "stats")
	}
	return result, nil
}
