package xlim

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/xlim/kv"
)

type recKind uint8

const (
	recPut     recKind = 1
	recDelete  recKind = 2
	recCommit  recKind = 3
	recCatalog recKind = 4
)

func (k recKind) String() string {
	switch k {
	case recPut:
		return "put"
	case recDelete:
		return "delete"
	case recCommit:
		return "commit"
	case recCatalog:
		return "catalog"
	default:
		return fmt.Sprintf("invalid record kind %d", int(k))
	}
}

// walRecord is one write-ahead log record. Put and Delete carry unversioned
// user keys; the commit marker carries the commit timestamp that versions
// them on replay.
type walRecord struct {
	Kind  recKind `msgpack:"k"`
	TxID  uint64  `msgpack:"tx"`
	Key   []byte  `msgpack:"key,omitempty"`
	Value []byte  `msgpack:"val,omitempty"`
	TS    uint64  `msgpack:"ts,omitempty"`
}

func encodeRecord(r *walRecord) []byte {
	return must(msgpack.Marshal(r))
}

func decodeRecord(data []byte) (*walRecord, error) {
	r := new(walRecord)
	if err := msgpack.Unmarshal(data, r); err != nil {
		return nil, kv.DataErrf("wal", data, 0, err, "bad record")
	}
	switch r.Kind {
	case recPut, recDelete:
		if len(r.Key) == 0 {
			return nil, kv.DataErrf("wal", data, 0, nil, "%v record without a key", r.Kind)
		}
	case recCommit:
		if r.TS == 0 {
			return nil, kv.DataErrf("wal", data, 0, nil, "commit record without a timestamp")
		}
	case recCatalog:
		break
	default:
		return nil, kv.DataErrf("wal", data, 0, nil, "unknown record kind %d", int(r.Kind))
	}
	return r, nil
}

// stagedWrite is one logical key write of a committing transaction.
type stagedWrite struct {
	key   []byte
	value []byte
	del   bool
}

// appendToBatch versions the write at ts. Document values are stored with
// the value tag in front of the payload; index entries carry no payload.
func (w *stagedWrite) appendToBatch(b *kv.Batch, ts uint64) {
	k := kv.Versioned(w.key, ts)
	if w.del {
		b.Put(k, []byte{kv.TagTombstone})
	} else {
		v := make([]byte, 0, 1+len(w.value))
		v = append(v, kv.TagValue)
		v = append(v, w.value...)
		b.Put(k, v)
	}
}

func (w *stagedWrite) record(txID uint64) *walRecord {
	if w.del {
		return &walRecord{Kind: recDelete, TxID: txID, Key: w.key}
	}
	return &walRecord{Kind: recPut, TxID: txID, Key: w.key, Value: w.value}
}

func stagedFromRecord(r *walRecord) stagedWrite {
	return stagedWrite{key: r.Key, value: r.Value, del: r.Kind == recDelete}
}
