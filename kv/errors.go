package kv

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrCorruption = errors.New("corruption")
	ErrIO         = errors.New("i/o error")
	ErrClosed     = errors.New("closed")
)

const (
	excerptPrefixLen = 64
	excerptSuffixLen = 32
)

// DataError describes malformed persisted bytes. It wraps ErrCorruption
// unless another cause is given.
//
// Data holds a copy of the bytes shown in the message: all of them when
// short, otherwise the first 64 followed by the last 32. Len is the length
// of the original slice, which may be an mmap that is gone by the time the
// error is printed.
type DataError struct {
	Source string
	Data   []byte
	Len    int
	Off    int
	Err    error
	Msg    string
}

func DataErrf(source string, data []byte, off int, err error, format string, args ...any) error {
	if err == nil {
		err = ErrCorruption
	}
	n := len(data)
	var excerpt []byte
	if n <= excerptPrefixLen+excerptSuffixLen {
		excerpt = slices.Clone(data)
	} else {
		excerpt = make([]byte, 0, excerptPrefixLen+excerptSuffixLen)
		excerpt = append(excerpt, data[:excerptPrefixLen]...)
		excerpt = append(excerpt, data[n-excerptSuffixLen:]...)
	}
	return &DataError{source, excerpt, n, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	var excerpt string
	if e.Len <= excerptPrefixLen+excerptSuffixLen {
		excerpt = fmt.Sprintf("(%d) %x", e.Len, e.Data)
	} else {
		excerpt = fmt.Sprintf("(%d) %x...%x", e.Len, e.Data[:excerptPrefixLen], e.Data[excerptPrefixLen:])
	}
	return fmt.Sprintf("%s: %s at offset %d: %v: %s", e.Source, e.Msg, e.Off, e.Err, excerpt)
}

// IOErr wraps an underlying I/O failure so that it matches ErrIO while
// keeping the original error in the chain.
func IOErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIO) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}
