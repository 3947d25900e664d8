package xlim

import (
	"bytes"

	"github.com/andreyvit/xlim/doc"
)

// indexEntryKey returns the user key of the entry d contributes to idx, or
// nil when d lacks the indexed field.
func indexEntryKey(cd *collectionDef, idx *indexDef, d *doc.Document) []byte {
	if d == nil {
		return nil
	}
	v, ok := d.Path(idx.Path)
	if !ok {
		return nil
	}
	return appendIndexKey(nil, cd.ID, idx.ID, v, d.ID)
}

// appendIndexDiff stages the index entry changes of replacing old with new
// (either may be nil): entries whose value did not change are left alone.
func appendIndexDiff(writes []stagedWrite, cd *collectionDef, indexes []*indexDef, old, new *doc.Document) []stagedWrite {
	for _, idx := range indexes {
		oldKey := indexEntryKey(cd, idx, old)
		newKey := indexEntryKey(cd, idx, new)
		if oldKey != nil && newKey != nil && bytes.Equal(oldKey, newKey) {
			continue
		}
		if oldKey != nil {
			writes = append(writes, stagedWrite{key: oldKey, del: true})
		}
		if newKey != nil {
			writes = append(writes, stagedWrite{key: newKey})
		}
	}
	return writes
}
