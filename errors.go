package xlim

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/andreyvit/xlim/kv"
)

var (
	ErrNotFound   = kv.ErrNotFound
	ErrCorruption = kv.ErrCorruption
	ErrIO         = kv.ErrIO
	ErrClosed     = kv.ErrClosed

	ErrConflict        = errors.New("transaction conflict")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrExists          = errors.New("already exists")
	ErrTxDone          = errors.New("transaction has already been committed or aborted")
)

// DataError describes malformed persisted bytes; see kv.DataError.
type DataError = kv.DataError

// CollectionError attributes a failure to a collection and optionally to one
// of its indexes or documents.
type CollectionError struct {
	Collection string
	Index      string
	ID         uuid.UUID
	Msg        string
	Err        error
}

func collErrf(coll, index string, id uuid.UUID, err error, format string, args ...any) error {
	return &CollectionError{coll, index, id, fmt.Sprintf(format, args...), err}
}

func (e *CollectionError) Unwrap() error {
	return e.Err
}

func (e *CollectionError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Collection)
	if e.Index != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Index)
	}
	if e.ID != uuid.Nil {
		buf.WriteByte('/')
		buf.WriteString(e.ID.String())
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

func invalidArgf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
