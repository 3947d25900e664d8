package xlim

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/andreyvit/xlim/doc"
)

// Cursor lazily walks the documents matching a filter, as seen by the
// transaction that opened it. Documents the transaction itself wrote before
// Find come from its write buffer, after the committed ones.
type Cursor struct {
	tx     *Tx
	cd     *collectionDef
	filter Filter
	plan   *Plan

	vi       *versionIter
	shadowed map[uuid.UUID]struct{}
	pending  []*doc.Document

	skipped  int
	returned int
	cur      *doc.Document
	err      error
	done     bool
}

// Find validates and plans the filter, then returns a cursor over the
// matching documents. Invalid filters fail with ErrInvalidArgument before
// anything is read.
func (c *Collection) Find(ctx context.Context, tx *Tx, f Filter) (*Cursor, error) {
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
	if err := f.validate(); err != nil {
		return nil, collErrf(c.name, "", uuid.Nil, err, "")
	}
	plan := planQuery(cd, tx.startTS, &f)
	tx.noteScan(cd.ID)
	if db := tx.db; db.verbose {
		db.logger.LogAttrs(ctx, slog.LevelDebug, "xlim: find", slog.String("coll", cd.Name), slog.Uint64("tx", tx.id), slog.String("plan", plan.Kind.String()), slog.String("index", plan.Index), hexAttr("start", plan.Start), hexAttr("end", plan.End))
	}

	cur := &Cursor{tx: tx, cd: cd, filter: f, plan: plan}
	for _, ref := range tx.order {
		if ref.coll != cd.ID {
			continue
		}
		if cur.shadowed == nil {
			cur.shadowed = make(map[uuid.UUID]struct{})
		}
		cur.shadowed[ref.id] = struct{}{}
		if d := tx.writes[ref].doc; d != nil {
			cur.pending = append(cur.pending, d)
		}
	}
	if plan.Kind != NoScan {
		cur.vi = scanVersions(tx.db.engine, plan.Start, plan.End, tx.startTS)
		if tx.cursors == nil {
			tx.cursors = make(map[*Cursor]struct{})
		}
		tx.cursors[cur] = struct{}{}
	}
	return cur, nil
}

// FindAll collects every matching document.
func (c *Collection) FindAll(ctx context.Context, tx *Tx, f Filter) ([]*doc.Document, error) {
	cur, err := c.Find(ctx, tx, f)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var result []*doc.Document
	for cur.Next(ctx) {
		result = append(result, cur.Document())
	}
	return result, cur.Err()
}

func (cur *Cursor) Plan() *Plan {
	return cur.plan
}

// Next advances to the next matching document. It returns false at the end,
// after the limit, on error and on context cancellation; check Err.
func (cur *Cursor) Next(ctx context.Context) bool {
	cur.cur = nil
	if cur.done {
		return false
	}
	if cur.filter.hasLimit && cur.returned >= cur.filter.limit {
		cur.Close()
		return false
	}
	if err := cur.tx.checkActive(); err != nil {
		cur.fail(err)
		return false
	}
	for {
		if err := ctx.Err(); err != nil {
			cur.fail(err)
			return false
		}
		d, ok := cur.next()
		if !ok {
			cur.Close()
			return false
		}
		if !cur.filter.matches(d) {
			continue
		}
		if cur.skipped < cur.filter.offset {
			cur.skipped++
			continue
		}
		cur.returned++
		cur.cur = cur.filter.project(d)
		return true
	}
}

// Document returns the current document. The caller owns it.
func (cur *Cursor) Document() *doc.Document {
	return cur.cur
}

func (cur *Cursor) Err() error {
	return cur.err
}

func (cur *Cursor) Close() error {
	cur.done = true
	cur.release()
	return nil
}

// release gives the engine iterator back. The transaction calls it when it
// finishes, so a cursor that outlives its transaction pins no segments;
// its next Next reports ErrTxDone.
func (cur *Cursor) release() {
	if cur.vi != nil {
		cur.vi.Close()
		cur.vi = nil
		delete(cur.tx.cursors, cur)
	}
}

func (cur *Cursor) fail(err error) {
	if cur.err == nil {
		cur.err = err
	}
	cur.Close()
}

// next returns the next candidate: committed documents in key order of the
// scanned range, then buffered ones.
func (cur *Cursor) next() (*doc.Document, bool) {
	for cur.vi != nil {
		if !cur.vi.Next() {
			err := cur.vi.Err()
			cur.vi.Close()
			cur.vi = nil
			if err != nil {
				cur.fail(collErrf(cur.cd.Name, cur.plan.Index, uuid.Nil, err, "scan"))
				return nil, false
			}
			break
		}
		d, err := cur.load()
		if err != nil {
			cur.fail(err)
			return nil, false
		}
		if d != nil {
			return d, true
		}
	}
	if len(cur.pending) > 0 {
		d := cur.pending[0].Clone()
		cur.pending = cur.pending[1:]
		return d, true
	}
	return nil, false
}

// load decodes the document under the current scan position, or returns
// nil if the transaction's own writes shadow it.
func (cur *Cursor) load() (*doc.Document, error) {
	key := cur.vi.Key()
	if cur.plan.idx == nil {
		_, id, err := parseDocKey(key)
		if err != nil {
			return nil, collErrf(cur.cd.Name, "", uuid.Nil, err, "scan")
		}
		if _, ok := cur.shadowed[id]; ok {
			return nil, nil
		}
		d, err := doc.Decode(cur.vi.Value())
		if err != nil {
			return nil, collErrf(cur.cd.Name, "", id, fmt.Errorf("%w: %w", ErrCorruption, err), "decode")
		}
		d.ID = id
		return d, nil
	}

	_, _, _, id, err := parseIndexKey(key)
	if err != nil {
		return nil, collErrf(cur.cd.Name, cur.plan.Index, uuid.Nil, err, "scan")
	}
	if _, ok := cur.shadowed[id]; ok {
		return nil, nil
	}
	d, err := cur.tx.db.readDoc(cur.cd, id, cur.tx.startTS)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, collErrf(cur.cd.Name, cur.plan.Index, id, ErrCorruption, "index entry without a document")
	}
	return d, nil
}
