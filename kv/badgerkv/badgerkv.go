// Package badgerkv implements kv.Engine on top of badger.
//
// Data keys are stored under a one-byte prefix so that engine metadata can
// live in the same keyspace. Each batch is a single badger transaction.
package badgerkv

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/andreyvit/xlim/kv"
)

const (
	dataPrefix = 'D'
	metaPrefix = 'M'
)

var (
	checkpointKey = []byte{metaPrefix, 'c'}
	catalogKey    = []byte{metaPrefix, 'm'}
)

type Options struct {
	IsTesting bool
	NoSync    bool
	Logger    *slog.Logger
}

type DB struct {
	bdb        *badger.DB
	logger     *slog.Logger
	checkpoint atomic.Uint64
	closed     atomic.Bool
}

var (
	_ kv.Engine    = (*DB)(nil)
	_ kv.Compactor = (*DB)(nil)
)

func Open(dir string, opt Options) (*DB, error) {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bopt := badger.DefaultOptions(dir).
		WithLogger(slogLogger{logger}).
		WithSyncWrites(!opt.NoSync && !opt.IsTesting)
	if opt.IsTesting {
		bopt = bopt.
			WithMemTableSize(1 << 20).
			WithValueThreshold(1 << 10). // must stay below the batch limit a small memtable implies
			WithValueLogFileSize(1 << 20).
			WithNumCompactors(2)
	}
	bdb, err := badger.Open(bopt)
	if err != nil {
		return nil, kv.IOErr("badgerkv: open", err)
	}
	db := &DB{bdb: bdb, logger: logger}
	err = bdb.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey)
		if err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if len(v) != 8 {
				return kv.DataErrf("badgerkv", v, 0, nil, "bad checkpoint")
			}
			db.checkpoint.Store(binary.BigEndian.Uint64(v))
			return nil
		})
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("badgerkv: %w", err)
	}
	return db, nil
}

func (db *DB) Badger() *badger.DB {
	return db.bdb
}

func dataKey(key []byte) []byte {
	k := make([]byte, 1+len(key))
	k[0] = dataPrefix
	copy(k[1:], key)
	return k
}

func (db *DB) Get(key []byte) ([]byte, error) {
	if db.closed.Load() {
		return nil, kv.ErrClosed
	}
	var value []byte
	err := db.bdb.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if value == nil && err == nil {
		value = []byte{}
	}
	return value, wrap(err)
}

// Apply commits the batch as one transaction. Batches too large for a
// single badger transaction fail with kv.ErrIO.
func (db *DB) Apply(b *kv.Batch) error {
	if db.closed.Load() {
		return kv.ErrClosed
	}
	txn := db.bdb.NewTransaction(true)
	defer txn.Discard()
	for _, op := range b.Ops {
		var err error
		switch op.Kind {
		case kv.OpPut:
			err = txn.Set(dataKey(op.Key), bytes.Clone(op.Value))
		case kv.OpDelete:
			err = txn.Delete(dataKey(op.Key))
		default:
			panic(fmt.Sprintf("badgerkv: invalid op %v", op.Kind))
		}
		if err != nil {
			return wrap(err)
		}
	}
	advance := b.TS > db.checkpoint.Load()
	if advance {
		if err := txn.Set(checkpointKey, binary.BigEndian.AppendUint64(nil, b.TS)); err != nil {
			return wrap(err)
		}
	}
	if err := txn.Commit(); err != nil {
		return wrap(err)
	}
	if advance {
		db.checkpoint.Store(b.TS)
	}
	return nil
}

// Scan holds a read-only transaction until the iterator is closed.
func (db *DB) Scan(start, end []byte) kv.Iterator {
	if db.closed.Load() {
		return kv.EmptyIterator(kv.ErrClosed)
	}
	txn := db.bdb.NewTransaction(false)
	it := txn.NewIterator(badger.IteratorOptions{
		PrefetchValues: false,
		Prefix:         []byte{dataPrefix},
	})
	var stop []byte
	if end != nil {
		stop = dataKey(end)
	}
	return &iterator{
		txn:   txn,
		it:    it,
		start: dataKey(start),
		end:   stop,
	}
}

func (db *DB) CheckpointTS() uint64 {
	return db.checkpoint.Load()
}

func (db *DB) LoadMeta() ([]byte, error) {
	if db.closed.Load() {
		return nil, kv.ErrClosed
	}
	var meta []byte
	err := db.bdb.View(func(txn *badger.Txn) error {
		item, err := txn.Get(catalogKey)
		if err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}
		meta, err = item.ValueCopy(nil)
		return err
	})
	return meta, wrap(err)
}

func (db *DB) SaveMeta(meta []byte) error {
	if db.closed.Load() {
		return kv.ErrClosed
	}
	return wrap(db.bdb.Update(func(txn *badger.Txn) error {
		return txn.Set(catalogKey, bytes.Clone(meta))
	}))
}

const compactChunk = 1000

// Compact deletes versions rejected by kv.Retention and then gives badger a
// chance to reclaim value log space.
func (db *DB) Compact(ctx context.Context, watermark uint64) error {
	if db.closed.Load() {
		return kv.ErrClosed
	}
	r := kv.Retention{Watermark: watermark}
	resume := []byte{dataPrefix}
	for resume != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		var doomed [][]byte
		var next []byte
		err := db.bdb.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.IteratorOptions{
				PrefetchValues: false,
				Prefix:         []byte{dataPrefix},
			})
			defer it.Close()
			for it.Seek(resume); it.Valid(); it.Next() {
				item := it.Item()
				if len(doomed) >= compactChunk {
					next = item.KeyCopy(nil)
					break
				}
				err := item.Value(func(v []byte) error {
					if !r.Keep(item.Key()[1:], v) {
						doomed = append(doomed, item.KeyCopy(nil))
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return wrap(err)
		}
		if len(doomed) > 0 {
			err := db.bdb.Update(func(txn *badger.Txn) error {
				for _, k := range doomed {
					if err := txn.Delete(k); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return wrap(err)
			}
		}
		resume = next
	}
	// ErrNoRewrite (nothing worth rewriting) is the common outcome
	if err := db.bdb.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		db.logger.Debug("badgerkv: value log GC skipped", slog.Any("err", err))
	}
	return nil
}

func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	return wrap(db.bdb.Close())
}

func wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return kv.ErrNotFound
	case errors.Is(err, kv.ErrCorruption):
		return err
	}
	return kv.IOErr("badgerkv", err)
}

type iterator struct {
	txn     *badger.Txn
	it      *badger.Iterator
	start   []byte
	end     []byte
	started bool
	val     []byte
	fail    error
}

func (it *iterator) Next() bool {
	if it.it == nil || it.fail != nil {
		return false
	}
	if !it.started {
		it.started = true
		it.it.Seek(it.start)
	} else {
		it.it.Next()
	}
	if !it.it.Valid() {
		return false
	}
	item := it.it.Item()
	if it.end != nil && bytes.Compare(item.Key(), it.end) >= 0 {
		return false
	}
	it.val, it.fail = item.ValueCopy(it.val[:0])
	return it.fail == nil
}

func (it *iterator) Key() []byte   { return it.it.Item().Key()[1:] }
func (it *iterator) Value() []byte { return it.val }
func (it *iterator) Err() error    { return wrap(it.fail) }

func (it *iterator) Close() error {
	if it.it == nil {
		return nil
	}
	it.it.Close()
	it.txn.Discard()
	it.it, it.txn = nil, nil
	return nil
}

// slogLogger adapts badger's printf-style logger to slog.
type slogLogger struct {
	logger *slog.Logger
}

func (l slogLogger) Errorf(format string, args ...any) {
	l.logger.Error("badger: " + trimNewline(fmt.Sprintf(format, args...)))
}

func (l slogLogger) Warningf(format string, args ...any) {
	l.logger.Warn("badger: " + trimNewline(fmt.Sprintf(format, args...)))
}

func (l slogLogger) Infof(format string, args ...any) {
	l.logger.Debug("badger: " + trimNewline(fmt.Sprintf(format, args...)))
}

func (l slogLogger) Debugf(format string, args ...any) {
	l.logger.Debug("badger: " + trimNewline(fmt.Sprintf(format, args...)))
}

func trimNewline(s string) string {
	for len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	return s
}
