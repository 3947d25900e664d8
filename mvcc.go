package xlim

import (
	"bytes"
	"slices"

	"github.com/andreyvit/xlim/kv"
)

// Every user key is stored as a set of versions userKey ++ ^commitTS, so a
// snapshot at ts reads the first version of each user key whose commit
// timestamp does not exceed ts. A version is either kv.TagValue followed by
// the payload or a lone kv.TagTombstone.

// snapshotGet returns the payload of the newest version of userKey visible
// at ts. The result is a copy.
func snapshotGet(e kv.Engine, userKey []byte, ts uint64) ([]byte, bool, error) {
	it := e.Scan(kv.Versioned(userKey, ts), kv.PrefixEnd(userKey))
	defer it.Close()
	if !it.Next() {
		return nil, false, it.Err()
	}
	key, value := it.Key(), it.Value()
	if len(key) != len(userKey)+kv.TSLen {
		return nil, false, kv.DataErrf("mvcc", key, 0, nil, "key does not match %x", userKey)
	}
	if kv.IsTombstone(value) {
		return nil, false, nil
	}
	if len(value) == 0 || value[0] != kv.TagValue {
		return nil, false, kv.DataErrf("mvcc", value, 0, nil, "bad version tag")
	}
	return slices.Clone(value[1:]), true, nil
}

// versionIter yields the live user keys in [start, end) as of ts. Bounds are
// user keys and must not fall inside another user key.
type versionIter struct {
	it   kv.Iterator
	ts   uint64
	last []byte

	value []byte
	fail  error
}

func scanVersions(e kv.Engine, start, end []byte, ts uint64) *versionIter {
	return &versionIter{it: e.Scan(start, end), ts: ts}
}

func (vi *versionIter) Next() bool {
	if vi.fail != nil {
		return false
	}
	for vi.it.Next() {
		key := vi.it.Key()
		user, ts, ok := kv.SplitVersioned(key)
		if !ok {
			vi.fail = kv.DataErrf("mvcc", key, 0, nil, "short versioned key")
			return false
		}
		if ts > vi.ts {
			continue
		}
		if vi.last != nil && bytes.Equal(user, vi.last) {
			continue
		}
		vi.last = append(vi.last[:0], user...)
		value := vi.it.Value()
		if kv.IsTombstone(value) {
			continue
		}
		if len(value) == 0 || value[0] != kv.TagValue {
			vi.fail = kv.DataErrf("mvcc", value, 0, nil, "bad version tag of %x", user)
			return false
		}
		vi.value = value[1:]
		return true
	}
	vi.fail = vi.it.Err()
	return false
}

// Key returns the user key; valid until the next call to Next.
func (vi *versionIter) Key() []byte { return vi.last }

// Value returns the payload without the tag; valid until the next call to
// Next.
func (vi *versionIter) Value() []byte { return vi.value }

func (vi *versionIter) Err() error { return vi.fail }

func (vi *versionIter) Close() error {
	return vi.it.Close()
}
