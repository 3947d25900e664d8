package xlim

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/andreyvit/xlim/doc"
)

type ChangeKind int

const (
	ChangeNone   ChangeKind = 0
	ChangeInsert ChangeKind = 1
	ChangeUpdate ChangeKind = 2
	ChangeDelete ChangeKind = 3
)

func (v ChangeKind) String() string {
	switch v {
	case ChangeNone:
		return "none"
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid change %d", int(v))
	}
}

// docRef identifies a document across collections.
type docRef struct {
	coll uint32
	id   uuid.UUID
}

// Change is a buffered write of a transaction.
type Change struct {
	collection string
	kind       ChangeKind
	id         uuid.UUID
	doc        *doc.Document // nil for deletes
	payload    []byte        // encoded doc
}

func (chg *Change) Collection() string {
	return chg.collection
}
func (chg *Change) Kind() ChangeKind {
	return chg.kind
}
func (chg *Change) ID() uuid.UUID {
	return chg.id
}

// Document returns a copy of the new document, or nil for deletes.
func (chg *Change) Document() *doc.Document {
	if chg.doc == nil {
		return nil
	}
	return chg.doc.Clone()
}
