package xlim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/andreyvit/xlim/doc"
)

type txState uint8

const (
	txActive txState = iota
	txCommitted
	txAborted
)

func (s txState) String() string {
	switch s {
	case txActive:
		return "active"
	case txCommitted:
		return "committed"
	case txAborted:
		return "aborted"
	default:
		return fmt.Sprintf("invalid state %d", int(s))
	}
}

// Tx is a single-use transaction. It reads from the snapshot taken by Begin
// and buffers writes until Commit. A Tx must not be used by more than one
// goroutine at a time.
type Tx struct {
	db       *DB
	id       uint64
	mode     Isolation
	startTS  uint64
	state    txState
	readOnly bool

	startTime time.Time
	stack     string

	writes map[docRef]*Change
	order  []docRef

	// Serializable mode only.
	reads map[docRef]struct{}
	scans map[uint32]struct{}

	// cursors still holding engine iterators
	cursors map[*Cursor]struct{}
}

// Begin starts a transaction that observes every commit published so far
// and nothing committed later.
func (db *DB) Begin(mode Isolation) *Tx {
	tx := &Tx{
		db:        db,
		mode:      mode,
		startTime: time.Now(),
	}
	if db.verbose {
		tx.stack = string(debug.Stack())
	}
	db.addTx(tx)
	return tx
}

// Update runs fn in a new transaction and commits it. When the commit fails
// with ErrConflict, the whole function is re-run in a fresh transaction, up
// to Options.MaxRetries times (negative disables retries). An error returned
// by fn aborts the transaction and is returned as is.
func (db *DB) Update(ctx context.Context, mode Isolation, fn func(tx *Tx) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := db.Begin(mode)
		err := safelyCall(fn, tx)
		if err != nil {
			tx.Abort()
			return err
		}
		err = tx.Commit()
		if errors.Is(err, ErrConflict) && attempt < db.opt.MaxRetries {
			db.retries.Add(1)
			if db.verbose {
				db.logger.LogAttrs(ctx, slog.LevelDebug, "xlim: retrying conflicted tx", slog.Uint64("tx", tx.id), slog.Int("attempt", attempt+1), slog.Any("err", err))
			}
			continue
		}
		return err
	}
}

// View runs fn in a read-only snapshot transaction.
func (db *DB) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := db.Begin(db.opt.DefaultIsolation)
	tx.readOnly = true
	defer tx.Abort()
	return safelyCall(fn, tx)
}

func (tx *Tx) DB() *DB {
	return tx.db
}

func (tx *Tx) ID() uint64 {
	return tx.id
}

// Snapshot returns the commit timestamp this transaction reads at.
func (tx *Tx) Snapshot() uint64 {
	return tx.startTS
}

func (tx *Tx) Isolation() Isolation {
	return tx.mode
}

func (tx *Tx) IsActive() bool {
	return tx.state == txActive
}

// Changes lists the buffered writes in the order they were first made.
func (tx *Tx) Changes() []*Change {
	result := make([]*Change, 0, len(tx.order))
	for _, ref := range tx.order {
		result = append(result, tx.writes[ref])
	}
	return result
}

// Abort discards buffered writes. Aborting a finished transaction does
// nothing.
func (tx *Tx) Abort() {
	if tx.state != txActive {
		return
	}
	tx.finish(txAborted)
	if len(tx.order) > 0 {
		tx.db.aborts.Add(1)
	}
	tx.writes, tx.order = nil, nil
}

func (tx *Tx) finish(state txState) {
	tx.state = state
	for cur := range tx.cursors {
		cur.release()
	}
	tx.cursors = nil
	tx.db.removeTx(tx)
}

func (tx *Tx) checkActive() error {
	if tx.state != txActive {
		return fmt.Errorf("tx %d is %v: %w", tx.id, tx.state, ErrTxDone)
	}
	if tx.db.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (tx *Tx) checkWritable() error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if tx.readOnly {
		return invalidArgf("write in a read-only transaction")
	}
	return nil
}

func (tx *Tx) noteRead(ref docRef) {
	if tx.mode != Serializable {
		return
	}
	if tx.reads == nil {
		tx.reads = make(map[docRef]struct{})
	}
	tx.reads[ref] = struct{}{}
}

func (tx *Tx) noteScan(collID uint32) {
	if tx.mode != Serializable {
		return
	}
	if tx.scans == nil {
		tx.scans = make(map[uint32]struct{})
	}
	tx.scans[collID] = struct{}{}
}

func (tx *Tx) buffered(ref docRef) *Change {
	return tx.writes[ref]
}

func (tx *Tx) buffer(ref docRef, chg *Change) {
	if tx.writes == nil {
		tx.writes = make(map[docRef]*Change)
	}
	if _, ok := tx.writes[ref]; !ok {
		tx.order = append(tx.order, ref)
	}
	tx.writes[ref] = chg
}

func (tx *Tx) unbuffer(ref docRef) {
	if _, ok := tx.writes[ref]; !ok {
		return
	}
	delete(tx.writes, ref)
	for i, r := range tx.order {
		if r == ref {
			tx.order = append(tx.order[:i], tx.order[i+1:]...)
			break
		}
	}
}

// lookup returns the document as this transaction sees it: its own buffered
// write if any, otherwise the snapshot version. The result must not be
// modified.
func (tx *Tx) lookup(cd *collectionDef, ref docRef) (*doc.Document, error) {
	tx.noteRead(ref)
	if chg := tx.buffered(ref); chg != nil {
		if chg.doc == nil {
			return nil, nil
		}
		return chg.doc, nil
	}
	return tx.db.readDoc(cd, ref.id, tx.startTS)
}

// readDoc returns the committed document visible at ts, or nil.
func (db *DB) readDoc(cd *collectionDef, id uuid.UUID, ts uint64) (*doc.Document, error) {
	payload, ok, err := snapshotGet(db.engine, docKey(cd.ID, id), ts)
	if err != nil {
		return nil, collErrf(cd.Name, "", id, err, "read")
	}
	if !ok {
		return nil, nil
	}
	d, err := doc.Decode(payload)
	if err != nil {
		return nil, collErrf(cd.Name, "", id, fmt.Errorf("%w: %w", ErrCorruption, err), "decode")
	}
	d.ID = id
	return d, nil
}
