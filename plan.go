package xlim

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"github.com/andreyvit/xlim/doc"
	"github.com/andreyvit/xlim/kv"
)

type PlanKind int

const (
	FullScan PlanKind = iota
	IndexEquality
	IndexRange

	// NoScan means the predicates contradict each other on an indexed
	// field, so nothing can match.
	NoScan
)

func (k PlanKind) String() string {
	switch k {
	case FullScan:
		return "full scan"
	case IndexEquality:
		return "index equality"
	case IndexRange:
		return "index range"
	case NoScan:
		return "no scan"
	default:
		return fmt.Sprintf("invalid plan %d", int(k))
	}
}

// Plan is the access path chosen for a filter. Every predicate is still
// checked against each candidate document, so the scanned key range only
// needs to cover all matches.
type Plan struct {
	Kind PlanKind

	// Index is the indexed field path, empty for a full scan.
	Index string

	// Start and End bound the scanned user keys, End exclusive.
	Start []byte
	End   []byte

	idx *indexDef
}

func (p *Plan) String() string {
	switch p.Kind {
	case FullScan, NoScan:
		return p.Kind.String()
	default:
		return fmt.Sprintf("%v on %s [%s, %s)", p.Kind, p.Index, hexstr(p.Start), hexstr(p.End))
	}
}

// Explain validates the filter and returns the plan Find would use within
// tx.
func (c *Collection) Explain(tx *Tx, f Filter) (*Plan, error) {
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
	return planQuery(cd, tx.startTS, &f), nil
}

// keyRange is a half-open range of user keys narrowed by intersection.
type keyRange struct {
	Lower []byte
	Upper []byte
}

func (r *keyRange) raiseLower(k []byte) {
	if bytes.Compare(k, r.Lower) > 0 {
		r.Lower = k
	}
}

func (r *keyRange) lowerUpper(k []byte) {
	if bytes.Compare(k, r.Upper) < 0 {
		r.Upper = k
	}
}

func (r *keyRange) empty() bool {
	return bytes.Compare(r.Lower, r.Upper) >= 0
}

// planQuery picks an indexed equality predicate, else the range predicates
// on the first indexed field that has any, else a full collection scan.
// Indexes created after snapshot ts are ignored.
func planQuery(cd *collectionDef, ts uint64, f *Filter) *Plan {
	indexes := cd.visibleIndexes(ts)
	find := func(path string) *indexDef {
		for _, idx := range indexes {
			if idx.Path == path {
				return idx
			}
		}
		return nil
	}

	for _, p := range f.preds {
		if p.Op != Eq {
			continue
		}
		if idx := find(p.Path); idx != nil {
			start := doc.AppendKey(indexPrefix(cd.ID, idx.ID), p.Value)
			return &Plan{Kind: IndexEquality, Index: idx.Path, Start: start, End: kv.PrefixEnd(start), idx: idx}
		}
	}

	for _, p := range f.preds {
		if !p.Op.isRange() {
			continue
		}
		idx := find(p.Path)
		if idx == nil {
			continue
		}
		prefix := indexPrefix(cd.ID, idx.ID)
		lo, hi := doc.ClassBounds(p.Value.Class())
		r := keyRange{
			Lower: append(prefix[:len(prefix):len(prefix)], lo...),
			Upper: append(prefix[:len(prefix):len(prefix)], hi...),
		}
		for _, q := range f.preds {
			if q.Path != p.Path || !q.Op.isRange() {
				continue
			}
			if q.Value.Class() != p.Value.Class() {
				return &Plan{Kind: NoScan, Index: idx.Path, idx: idx}
			}
			k := doc.AppendKey(prefix[:len(prefix):len(prefix)], q.Value)
			switch q.Op {
			case Gt:
				r.raiseLower(kv.PrefixEnd(k))
			case Ge:
				r.raiseLower(k)
			case Lt:
				r.lowerUpper(k)
			case Le:
				r.lowerUpper(kv.PrefixEnd(k))
			}
		}
		if r.empty() {
			return &Plan{Kind: NoScan, Index: idx.Path, idx: idx}
		}
		return &Plan{Kind: IndexRange, Index: idx.Path, Start: r.Lower, End: r.Upper, idx: idx}
	}

	start := appendCollPrefix(nil, cd.ID)
	return &Plan{Kind: FullScan, Start: start, End: kv.PrefixEnd(start)}
}
