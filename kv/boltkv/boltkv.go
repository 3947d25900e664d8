// Package boltkv implements kv.Engine on top of a bbolt file.
//
// Every batch is one bolt write transaction, so batches are durable on
// return and CheckpointTS always equals the TS of the last applied batch.
package boltkv

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/andreyvit/xlim/kv"
)

var (
	dataBucket    = []byte("data")
	metaBucket    = []byte("meta")
	checkpointKey = []byte("checkpoint")
	catalogKey    = []byte("catalog")
)

type Options struct {
	IsTesting bool
	NoSync    bool
	MmapSize  int
}

type DB struct {
	bdb        *bbolt.DB
	checkpoint atomic.Uint64
}

var (
	_ kv.Engine    = (*DB)(nil)
	_ kv.Compactor = (*DB)(nil)
)

func Open(path string, opt Options) (*DB, error) {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		// readers hold transactions for the lifetime of an iterator, and
		// bolt cannot remap under them
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.NoSync {
		bopt.NoSync = true
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0o666, bopt)
	if err != nil {
		return nil, kv.IOErr("boltkv: open", err)
	}
	db := &DB{bdb: bdb}
	err = bdb.Update(func(btx *bbolt.Tx) error {
		if _, err := btx.CreateBucketIfNotExists(dataBucket); err != nil {
			return err
		}
		meta, err := btx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if v := meta.Get(checkpointKey); v != nil {
			if len(v) != 8 {
				return kv.DataErrf("boltkv", v, 0, nil, "bad checkpoint")
			}
			db.checkpoint.Store(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("boltkv: %w", err)
	}
	return db, nil
}

func (db *DB) Bolt() *bbolt.DB {
	return db.bdb
}

func (db *DB) Get(key []byte) ([]byte, error) {
	var value []byte
	err := db.bdb.View(func(btx *bbolt.Tx) error {
		v := btx.Bucket(dataBucket).Get(key)
		if v == nil {
			return kv.ErrNotFound
		}
		value = bytes.Clone(v)
		return nil
	})
	return value, wrap(err)
}

func (db *DB) Apply(b *kv.Batch) error {
	err := db.bdb.Update(func(btx *bbolt.Tx) error {
		data := btx.Bucket(dataBucket)
		for _, op := range b.Ops {
			var err error
			switch op.Kind {
			case kv.OpPut:
				value := op.Value
				if value == nil {
					value = []byte{}
				}
				err = data.Put(op.Key, value)
			case kv.OpDelete:
				err = data.Delete(op.Key)
			default:
				panic(fmt.Sprintf("boltkv: invalid op %v", op.Kind))
			}
			if err != nil {
				return err
			}
		}
		if b.TS > db.checkpoint.Load() {
			return btx.Bucket(metaBucket).Put(checkpointKey, binary.BigEndian.AppendUint64(nil, b.TS))
		}
		return nil
	})
	if err != nil {
		return wrap(err)
	}
	if b.TS > db.checkpoint.Load() {
		db.checkpoint.Store(b.TS)
	}
	return nil
}

// Scan holds a bolt read transaction until the iterator is closed.
func (db *DB) Scan(start, end []byte) kv.Iterator {
	btx, err := db.bdb.Begin(false)
	if err != nil {
		return kv.EmptyIterator(wrap(err))
	}
	return &iterator{
		btx:   btx,
		c:     btx.Bucket(dataBucket).Cursor(),
		start: start,
		end:   end,
	}
}

func (db *DB) CheckpointTS() uint64 {
	return db.checkpoint.Load()
}

func (db *DB) LoadMeta() ([]byte, error) {
	var meta []byte
	err := db.bdb.View(func(btx *bbolt.Tx) error {
		meta = bytes.Clone(btx.Bucket(metaBucket).Get(catalogKey))
		return nil
	})
	return meta, wrap(err)
}

func (db *DB) SaveMeta(meta []byte) error {
	return wrap(db.bdb.Update(func(btx *bbolt.Tx) error {
		return btx.Bucket(metaBucket).Put(catalogKey, meta)
	}))
}

const compactChunk = 1000

// Compact deletes versions rejected by kv.Retention, a chunk of keys per
// write transaction.
func (db *DB) Compact(ctx context.Context, watermark uint64) error {
	r := kv.Retention{Watermark: watermark}
	var resume []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var doomed [][]byte
		var next []byte
		err := db.bdb.View(func(btx *bbolt.Tx) error {
			c := btx.Bucket(dataBucket).Cursor()
			var k, v []byte
			if resume == nil {
				k, v = c.First()
			} else {
				k, v = c.Seek(resume)
			}
			for ; k != nil; k, v = c.Next() {
				if len(doomed) >= compactChunk {
					next = bytes.Clone(k)
					break
				}
				if !r.Keep(k, v) {
					doomed = append(doomed, bytes.Clone(k))
				}
			}
			return nil
		})
		if err != nil {
			return wrap(err)
		}
		if len(doomed) > 0 {
			err = db.bdb.Update(func(btx *bbolt.Tx) error {
				data := btx.Bucket(dataBucket)
				for _, k := range doomed {
					if err := data.Delete(k); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return wrap(err)
			}
		}
		if next == nil {
			return nil
		}
		resume = next
	}
}

func (db *DB) Close() error {
	return wrap(db.bdb.Close())
}

func wrap(err error) error {
	switch err {
	case nil, kv.ErrNotFound:
		return err
	case bbolt.ErrDatabaseNotOpen:
		return kv.ErrClosed
	}
	return kv.IOErr("boltkv", err)
}

type iterator struct {
	btx     *bbolt.Tx
	c       *bbolt.Cursor
	start   []byte
	end     []byte
	started bool
	k, v    []byte
}

func (it *iterator) Next() bool {
	if it.btx == nil {
		return false
	}
	if !it.started {
		it.started = true
		if it.start == nil {
			it.k, it.v = it.c.First()
		} else {
			it.k, it.v = it.c.Seek(it.start)
		}
	} else if it.k != nil {
		it.k, it.v = it.c.Next()
	}
	if it.k != nil && it.end != nil && bytes.Compare(it.k, it.end) >= 0 {
		it.k, it.v = nil, nil
	}
	return it.k != nil
}

func (it *iterator) Key() []byte   { return it.k }
func (it *iterator) Value() []byte { return it.v }
func (it *iterator) Err() error    { return nil }

func (it *iterator) Close() error {
	if it.btx == nil {
		return nil
	}
	err := it.btx.Rollback()
	it.btx, it.c = nil, nil
	return wrap(err)
}
