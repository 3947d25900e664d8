package kv

import (
	"bytes"
	"encoding/binary"
)

// Versioned keys are userKey ++ ^ts (big-endian), so that versions of one
// user key are adjacent and ordered newest first. User keys stored this way
// must be prefix-free.
const TSLen = 8

// Value tags of versioned entries.
const (
	TagValue     byte = 'v'
	TagTombstone byte = 'x'
)

func AppendVersioned(buf, userKey []byte, ts uint64) []byte {
	buf = append(buf, userKey...)
	return binary.BigEndian.AppendUint64(buf, ^ts)
}

func Versioned(userKey []byte, ts uint64) []byte {
	return AppendVersioned(make([]byte, 0, len(userKey)+TSLen), userKey, ts)
}

// SplitVersioned undoes AppendVersioned.
func SplitVersioned(key []byte) (userKey []byte, ts uint64, ok bool) {
	n := len(key) - TSLen
	if n < 0 {
		return nil, 0, false
	}
	return key[:n], ^binary.BigEndian.Uint64(key[n:]), true
}

func IsTombstone(value []byte) bool {
	return len(value) > 0 && value[0] == TagTombstone
}

// Retention decides which versions a compaction may drop. Feed it every
// versioned entry in ascending key order; it keeps all versions newer than
// Watermark, plus the newest version at or below Watermark unless that
// version is a tombstone.
type Retention struct {
	Watermark uint64

	lastUser []byte
	settled  bool
}

func (r *Retention) Keep(key, value []byte) bool {
	user, ts, ok := SplitVersioned(key)
	if !ok {
		return true
	}
	if r.lastUser == nil || !bytes.Equal(user, r.lastUser) {
		r.lastUser = append(r.lastUser[:0], user...)
		r.settled = false
	}
	if ts > r.Watermark {
		return true
	}
	if r.settled {
		return false
	}
	r.settled = true
	return !IsTombstone(value)
}
