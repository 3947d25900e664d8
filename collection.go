package xlim

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/andreyvit/xlim/doc"
	"github.com/andreyvit/xlim/kv"
)

// Collection is a handle to a named set of documents. Handles stay valid
// until the collection is dropped.
type Collection struct {
	db   *DB
	id   uint32
	name string
}

func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) def() (*collectionDef, error) {
	cd := c.db.catalog.Load().byID(c.id)
	if cd == nil {
		return nil, collErrf(c.name, "", uuid.Nil, ErrNotFound, "collection has been dropped")
	}
	return cd, nil
}

func (c *Collection) ref(id uuid.UUID) docRef {
	return docRef{c.id, id}
}

// Insert buffers a new document and returns its id. A nil d.ID gets a
// fresh UUIDv7; a preset id must not exist yet.
func (c *Collection) Insert(ctx context.Context, tx *Tx, d *doc.Document) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	if err := tx.checkWritable(); err != nil {
		return uuid.Nil, err
	}
	cd, err := c.def()
	if err != nil {
		return uuid.Nil, err
	}
	if d == nil {
		return uuid.Nil, collErrf(c.name, "", uuid.Nil, ErrInvalidArgument, "insert nil document")
	}
	payload, err := doc.Encode(d)
	if err != nil {
		return uuid.Nil, collErrf(c.name, "", d.ID, fmt.Errorf("%w: %w", ErrInvalidArgument, err), "insert")
	}

	id := d.ID
	if id == uuid.Nil {
		id, err = uuid.NewV7()
		if err != nil {
			return uuid.Nil, err
		}
	} else {
		existing, err := tx.lookup(cd, c.ref(id))
		if err != nil {
			return uuid.Nil, err
		}
		if existing != nil {
			return uuid.Nil, collErrf(c.name, "", id, ErrExists, "insert")
		}
	}

	ref := c.ref(id)
	kind := ChangeInsert
	if prior := tx.buffered(ref); prior != nil && prior.kind == ChangeDelete {
		kind = ChangeUpdate
	}
	stored := d.Clone()
	stored.ID = id
	tx.buffer(ref, &Change{collection: c.name, kind: kind, id: id, doc: stored, payload: payload})
	return id, nil
}

// Get returns a copy of the document as tx sees it, or ErrNotFound.
func (c *Collection) Get(ctx context.Context, tx *Tx, id uuid.UUID) (*doc.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	cd, err := c.def()
	if err != nil {
		return nil, err
	}
	d, err := tx.lookup(cd, c.ref(id))
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, collErrf(c.name, "", id, ErrNotFound, "")
	}
	return d.Clone(), nil
}

// Update replaces the whole document. Concurrent modifications surface as
// ErrConflict from Commit.
func (c *Collection) Update(ctx context.Context, tx *Tx, id uuid.UUID, d *doc.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tx.checkWritable(); err != nil {
		return err
	}
	cd, err := c.def()
	if err != nil {
		return err
	}
	if d == nil {
		return collErrf(c.name, "", id, ErrInvalidArgument, "update with nil document")
	}
	payload, err := doc.Encode(d)
	if err != nil {
		return collErrf(c.name, "", id, fmt.Errorf("%w: %w", ErrInvalidArgument, err), "update")
	}
	ref := c.ref(id)
	existing, err := tx.lookup(cd, ref)
	if err != nil {
		return err
	}
	if existing == nil {
		return collErrf(c.name, "", id, ErrNotFound, "update")
	}

	kind := ChangeUpdate
	if prior := tx.buffered(ref); prior != nil && prior.kind == ChangeInsert {
		kind = ChangeInsert
	}
	stored := d.Clone()
	stored.ID = id
	tx.buffer(ref, &Change{collection: c.name, kind: kind, id: id, doc: stored, payload: payload})
	return nil
}

func (c *Collection) Delete(ctx context.Context, tx *Tx, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tx.checkWritable(); err != nil {
		return err
	}
	cd, err := c.def()
	if err != nil {
		return err
	}
	ref := c.ref(id)
	existing, err := tx.lookup(cd, ref)
	if err != nil {
		return err
	}
	if existing == nil {
		return collErrf(c.name, "", id, ErrNotFound, "delete")
	}
	if prior := tx.buffered(ref); prior != nil && prior.kind == ChangeInsert {
		tx.unbuffer(ref)
		return nil
	}
	tx.buffer(ref, &Change{collection: c.name, kind: ChangeDelete, id: id})
	return nil
}

// Indexes lists the indexed field paths.
func (c *Collection) Indexes() []string {
	cd, err := c.def()
	if err != nil {
		return nil
	}
	paths := make([]string, 0, len(cd.Indexes))
	for _, idx := range cd.Indexes {
		paths = append(paths, idx.Path)
	}
	return paths
}

// CreateIndex builds a secondary index over the value at path for every
// existing document. Transactions that began before the index was created
// do not use it for queries, but their writes maintain it.
func (c *Collection) CreateIndex(path string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	db := c.db
	var count int
	err := db.ddl("create index", func(cat *catalog, ts uint64) ([]stagedWrite, []uint32, error) {
		cd := cat.byID(c.id)
		if cd == nil {
			return nil, nil, collErrf(c.name, path, uuid.Nil, ErrNotFound, "collection has been dropped")
		}
		if cd.index(path) != nil {
			return nil, nil, collErrf(c.name, path, uuid.Nil, ErrExists, "create index")
		}
		idx := &indexDef{ID: cat.NextIndexID, Path: path, CreatedTS: ts}
		cat.NextIndexID++

		var writes []stagedWrite
		start := appendCollPrefix(nil, cd.ID)
		vi := scanVersions(db.engine, start, kv.PrefixEnd(start), ts-1)
		defer vi.Close()
		for vi.Next() {
			_, id, err := parseDocKey(vi.Key())
			if err != nil {
				return nil, nil, collErrf(c.name, path, uuid.Nil, err, "backfill")
			}
			d, err := doc.Decode(vi.Value())
			if err != nil {
				return nil, nil, collErrf(c.name, path, id, fmt.Errorf("%w: %w", ErrCorruption, err), "backfill")
			}
			d.ID = id
			if key := indexEntryKey(cd, idx, d); key != nil {
				writes = append(writes, stagedWrite{key: key})
			}
		}
		if err := vi.Err(); err != nil {
			return nil, nil, collErrf(c.name, path, uuid.Nil, err, "backfill")
		}
		count = len(writes)

		ncd := cd.clone()
		ncd.Indexes = append(ncd.Indexes, idx)
		cat.replace(cd.ID, ncd)
		return writes, nil, nil
	})
	if err != nil {
		return err
	}
	db.logger.LogAttrs(db.ctx, slog.LevelInfo, "xlim: index created", slog.String("coll", c.name), slog.String("path", path), slog.Int("entries", count))
	return nil
}

// DropIndex removes the index at path and tombstones its entries.
func (c *Collection) DropIndex(path string) error {
	db := c.db
	return db.ddl("drop index", func(cat *catalog, ts uint64) ([]stagedWrite, []uint32, error) {
		cd := cat.byID(c.id)
		if cd == nil {
			return nil, nil, collErrf(c.name, path, uuid.Nil, ErrNotFound, "collection has been dropped")
		}
		idx := cd.index(path)
		if idx == nil {
			return nil, nil, collErrf(c.name, path, uuid.Nil, ErrNotFound, "drop index")
		}
		writes, err := db.tombstoneRange(indexPrefix(cd.ID, idx.ID), ts-1, nil)
		if err != nil {
			return nil, nil, collErrf(c.name, path, uuid.Nil, err, "drop index")
		}
		ncd := cd.clone()
		ncd.Indexes = slices.DeleteFunc(ncd.Indexes, func(x *indexDef) bool { return x.ID == idx.ID })
		cat.replace(cd.ID, ncd)
		return writes, nil, nil
	})
}

// CreateCollection registers a new empty collection; ErrExists if the name
// is taken.
func (db *DB) CreateCollection(name string) (*Collection, error) {
	if err := validateCollectionName(name); err != nil {
		return nil, err
	}
	var id uint32
	err := db.ddl("create collection", func(cat *catalog, ts uint64) ([]stagedWrite, []uint32, error) {
		if cat.byName(name) != nil {
			return nil, nil, collErrf(name, "", uuid.Nil, ErrExists, "create collection")
		}
		id = cat.NextCollID
		cat.NextCollID++
		cat.Collections = append(cat.Collections, &collectionDef{ID: id, Name: name, CreatedAt: time.Now().UTC()})
		return nil, nil, nil
	})
	if err != nil {
		return nil, err
	}
	return &Collection{db, id, name}, nil
}

// Collection returns a handle to an existing collection or ErrNotFound.
func (db *DB) Collection(name string) (*Collection, error) {
	cd := db.catalog.Load().byName(name)
	if cd == nil {
		return nil, collErrf(name, "", uuid.Nil, ErrNotFound, "")
	}
	return &Collection{db, cd.ID, name}, nil
}

// Collections lists collection names in creation order.
func (db *DB) Collections() []string {
	cat := db.catalog.Load()
	names := make([]string, 0, len(cat.Collections))
	for _, cd := range cat.Collections {
		names = append(names, cd.Name)
	}
	return names
}

// DropCollection removes the collection with all its documents and indexes.
// Open transactions that still write to it fail to commit.
func (db *DB) DropCollection(name string) error {
	return db.ddl("drop collection", func(cat *catalog, ts uint64) ([]stagedWrite, []uint32, error) {
		cd := cat.byName(name)
		if cd == nil {
			return nil, nil, collErrf(name, "", uuid.Nil, ErrNotFound, "drop collection")
		}
		writes, err := db.tombstoneRange(appendCollPrefix(nil, cd.ID), ts-1, nil)
		if err == nil {
			writes, err = db.tombstoneRange(collIndexPrefix(cd.ID), ts-1, writes)
		}
		if err != nil {
			return nil, nil, collErrf(name, "", uuid.Nil, err, "drop collection")
		}
		cat.replace(cd.ID, nil)
		return writes, []uint32{cd.ID}, nil
	})
}

// tombstoneRange stages a deletion of every key under prefix live at ts.
func (db *DB) tombstoneRange(prefix []byte, ts uint64, writes []stagedWrite) ([]stagedWrite, error) {
	vi := scanVersions(db.engine, prefix, kv.PrefixEnd(prefix), ts)
	defer vi.Close()
	for vi.Next() {
		writes = append(writes, stagedWrite{key: slices.Clone(vi.Key()), del: true})
	}
	return writes, vi.Err()
}

// ddl runs a catalog change under the commit sequencer and publishes the new
// catalog together with the key writes fn stages, as one WAL transaction.
func (db *DB) ddl(op string, fn func(cat *catalog, ts uint64) ([]stagedWrite, []uint32, error)) error {
	if db.closed.Load() {
		return ErrClosed
	}
	db.commitMu.Lock()
	defer db.commitMu.Unlock()
	if db.poisoned != nil {
		return kv.IOErr(op, db.poisoned)
	}

	cat := db.catalog.Load().clone()
	ts := db.lastTS.Load() + 1
	writes, colls, err := fn(cat, ts)
	if err != nil {
		return err
	}
	cat.TS = ts

	txID := db.allocTxID()
	if err := db.publish_locked(txID, ts, writes, cat); err != nil {
		return err
	}
	if len(colls) > 0 {
		cs := &commitSet{ts: ts, colls: make(map[uint32]struct{}, len(colls))}
		for _, id := range colls {
			cs.colls[id] = struct{}{}
		}
		db.remember_locked(cs)
	}
	if db.verbose {
		db.logger.LogAttrs(db.ctx, slog.LevelDebug, "xlim: "+op, slog.Uint64("tx", txID), slog.Uint64("ts", ts), slog.Int("keys", len(writes)))
	}
	return nil
}

func (db *DB) allocTxID() uint64 {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.nextTxID++
	return db.nextTxID
}
