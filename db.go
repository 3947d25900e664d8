// Package xlim is an embedded document database with snapshot-isolated
// transactions, a write-ahead log and secondary indexes.
package xlim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andreyvit/xlim/journal"
	"github.com/andreyvit/xlim/kv"
	"github.com/andreyvit/xlim/kv/badgerkv"
	"github.com/andreyvit/xlim/kv/boltkv"
	"github.com/andreyvit/xlim/lsm"
)

const (
	walDirName    = "wal"
	walFileName   = "wal-*.log"
	boltFileName  = "data.bolt"
	badgerDirName = "badger"
)

type DB struct {
	dir     string
	opt     Options
	ctx     context.Context
	logger  *slog.Logger
	verbose bool

	engine  kv.Engine
	journal *journal.Journal // nil for BackendMemory

	catalog atomic.Pointer[catalog]
	lastTS  atomic.Uint64
	closed  atomic.Bool

	// commitMu is the commit sequencer. It orders commits and DDL, and
	// guards the fields below.
	commitMu sync.Mutex
	poisoned error
	recent   []*commitSet
	walSegs  map[uint32]uint64 // WAL segment ordinal → max commit ts

	txnsLock sync.Mutex
	txns     []*Tx
	nextTxID uint64

	commits   atomic.Uint64
	conflicts atomic.Uint64
	aborts    atomic.Uint64
	retries   atomic.Uint64
	walBytes  atomic.Uint64
}

// Open opens or creates the database in dir, replaying the write-ahead log
// over the engine state.
func Open(dir string, opt Options) (*DB, error) {
	opt = opt.withDefaults()
	db := &DB{
		dir:     dir,
		opt:     opt,
		ctx:     opt.Context,
		logger:  opt.Logger,
		verbose: opt.Verbose,
		walSegs: make(map[uint32]uint64),
	}

	if opt.Backend != BackendMemory {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, kv.IOErr("xlim: open", err)
		}
	}
	engine, err := db.openEngine()
	if err != nil {
		return nil, err
	}
	db.engine = engine

	meta, err := engine.LoadMeta()
	if err == nil {
		var cat *catalog
		cat, err = decodeCatalog(meta)
		if err == nil {
			db.catalog.Store(cat)
		}
	}
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("xlim: loading catalog: %w", err)
	}
	db.lastTS.Store(engine.CheckpointTS())

	if opt.Backend != BackendMemory {
		db.journal = journal.New(filepath.Join(dir, walDirName), journal.Options{
			Context:     opt.Context,
			FileName:    walFileName,
			MaxFileSize: opt.WALMaxFileSize,
			DebugName:   "wal",
			NoSync:      opt.NoSync,
			Logger:      opt.Logger,
			Verbose:     opt.Verbose,
		})
		err := db.recover()
		if err == nil {
			err = db.journal.StartWriting()
		}
		if err != nil {
			engine.Close()
			return nil, fmt.Errorf("xlim: recovery: %w", err)
		}
		db.commitMu.Lock()
		db.trimWAL_locked()
		db.commitMu.Unlock()
	}

	db.logger.LogAttrs(db.ctx, slog.LevelInfo, "xlim: opened", slog.String("dir", dir), slog.String("backend", string(opt.Backend)), slog.Uint64("ts", db.lastTS.Load()), slog.Int("collections", len(db.catalog.Load().Collections)))
	return db, nil
}

func (db *DB) openEngine() (kv.Engine, error) {
	opt := db.opt
	switch opt.Backend {
	case BackendLSM:
		e, err := lsm.Open(db.dir, lsm.Options{
			Context:               opt.Context,
			MemtableSize:          opt.MemtableSize,
			BlockSize:             opt.BlockSize,
			Compression:           opt.Compression,
			CompactionTrigger:     opt.CompactionTrigger,
			CompactionBytesPerSec: opt.CompactionBytesPerSec,
			Watermark:             db.watermark,
			NoSync:                opt.NoSync,
			Logger:                opt.Logger,
			Verbose:               opt.Verbose,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	case BackendBolt:
		e, err := boltkv.Open(filepath.Join(db.dir, boltFileName), boltkv.Options{
			IsTesting: opt.IsTesting,
			NoSync:    opt.NoSync,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	case BackendBadger:
		e, err := badgerkv.Open(filepath.Join(db.dir, badgerDirName), badgerkv.Options{
			IsTesting: opt.IsTesting,
			NoSync:    opt.NoSync,
			Logger:    opt.Logger,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	case BackendMemory:
		return kv.NewMem(), nil
	default:
		return nil, invalidArgf("unknown backend %q", opt.Backend)
	}
}

// Close flushes the engine so that the next Open has nothing to replay,
// and releases all resources. Transactions still open fail afterwards.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	if n := db.openTxnCount(); n > 0 {
		db.logger.LogAttrs(db.ctx, slog.LevelWarn, "xlim: closing with open transactions", slog.Int("count", n))
	}

	db.commitMu.Lock()
	defer db.commitMu.Unlock()

	var errs []error
	flushed := false
	if f, ok := db.engine.(kv.Flusher); ok && db.poisoned == nil {
		if err := f.Flush(); err != nil {
			errs = append(errs, err)
		} else {
			flushed = true
		}
	}
	if db.journal != nil {
		if err := db.journal.FinishWriting(); err != nil {
			errs = append(errs, err)
		}
		if flushed || db.engine.CheckpointTS() >= db.lastTS.Load() {
			db.trimWAL_locked()
		}
	}
	if err := db.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	db.logger.LogAttrs(db.ctx, slog.LevelInfo, "xlim: closed", slog.String("dir", db.dir), slog.Uint64("ts", db.lastTS.Load()))
	return errors.Join(errs...)
}

// Engine exposes the underlying storage engine, mostly for diagnostics.
func (db *DB) Engine() kv.Engine {
	return db.engine
}

// Compact reclaims space held by versions that no open transaction can
// observe anymore.
func (db *DB) Compact(ctx context.Context) error {
	if db.closed.Load() {
		return ErrClosed
	}
	c, ok := db.engine.(kv.Compactor)
	if !ok {
		return nil
	}
	if f, ok := db.engine.(kv.Flusher); ok {
		if err := f.Flush(); err != nil {
			return err
		}
	}
	wm := db.watermark()
	start := time.Now()
	if err := c.Compact(ctx, wm); err != nil {
		return err
	}
	db.logger.LogAttrs(ctx, slog.LevelInfo, "xlim: compacted", slog.Uint64("watermark", wm), slog.Duration("took", time.Since(start)))
	if db.journal != nil {
		db.commitMu.Lock()
		db.trimWAL_locked()
		db.commitMu.Unlock()
	}
	return nil
}

// watermark is the oldest timestamp any open transaction reads at.
func (db *DB) watermark() uint64 {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	wm := db.lastTS.Load()
	for _, tx := range db.txns {
		wm = min(wm, tx.startTS)
	}
	return wm
}

// trimWAL_locked deletes finished WAL segments whose every commit is already
// durable in the engine.
func (db *DB) trimWAL_locked() {
	ckpt := db.engine.CheckpointTS()
	cur := db.journal.CurrentSegment()
	segs := make([]uint32, 0, len(db.walSegs))
	for seg, maxTS := range db.walSegs {
		if seg < cur && maxTS <= ckpt {
			segs = append(segs, seg)
		}
	}
	slices.Sort(segs)
	for _, seg := range segs {
		err := db.journal.RemoveSegment(seg)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			db.logger.LogAttrs(db.ctx, slog.LevelWarn, "xlim: failed to delete WAL segment", slog.Uint64("seg", uint64(seg)), slog.Any("err", err))
			continue
		}
		delete(db.walSegs, seg)
	}
}

func (db *DB) addTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.nextTxID++
	tx.id = db.nextTxID
	tx.startTS = db.lastTS.Load()
	db.txns = append(db.txns, tx)
}

func (db *DB) removeTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := -1
	for i, t := range db.txns {
		if t == tx {
			found = i
			break
		}
	}
	if found < 0 {
		panic("tx not found in list")
	}

	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil // ensure it gets collected
	db.txns = db.txns[:n-1]
}

func (db *DB) openTxnCount() int {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	return len(db.txns)
}

// DescribeOpenTxns lists open transactions, oldest first, with the stack
// that began each long-running one (when Verbose is set).
func (db *DB) DescribeOpenTxns() string {
	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		if ms < 100 || tx.stack == "" {
			fmt.Fprintf(&buf, "\n---\ntx %d (%v, ts %d) open for %d ms\n", tx.id, tx.mode, tx.startTS, ms)
		} else {
			fmt.Fprintf(&buf, "\n---\ntx %d (%v, ts %d) open for %d ms:\n%s", tx.id, tx.mode, tx.startTS, ms, tx.stack)
		}
	}

	return buf.String()
}
