package xlim

import (
	"fmt"
	"strings"

	"github.com/andreyvit/xlim/doc"
	"github.com/andreyvit/xlim/kv"
)

type DumpFlags uint64

const (
	DumpCollectionHeaders = DumpFlags(1 << iota)
	DumpDocs
	DumpStats
	DumpIndexes
	DumpIndexEntries

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the collections visible to tx for tests and debugging.
// Buffered writes of tx are not included.
func (tx *Tx) Dump(f DumpFlags) string {
	var buf strings.Builder
	cat := tx.db.catalog.Load()
	for _, cd := range cat.Collections {
		tx.dumpCollection(&buf, f, cd)
	}
	return buf.String()
}

func (tx *Tx) dumpCollection(w *strings.Builder, f DumpFlags, cd *collectionDef) {
	prefix := cd.Name
	s, err := tx.CollectionStats(&Collection{db: tx.db, id: cd.ID, name: cd.Name})
	if err != nil {
		fmt.Fprintf(w, "%s ** ERROR: %v\n", prefix, err)
		return
	}

	if f.Contains(DumpCollectionHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d docs)\n", prefix, s.Docs)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: index_entries = %d, data_size = %d, index_size = %d, total_size = %d\n", prefix, s.IndexEntries, s.DataSize, s.IndexSize, s.TotalSize())
	}

	if f.Contains(DumpDocs) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		start := appendCollPrefix(nil, cd.ID)
		vi := scanVersions(tx.db.engine, start, kv.PrefixEnd(start), tx.startTS)
		var pos int
		for vi.Next() {
			pos++
			tx.dumpDoc(w, prefix, pos, vi.Key(), vi.Value())
		}
		vi.Close()
		if err := vi.Err(); err != nil {
			fmt.Fprintf(w, "%s ** ERROR: %v\n", prefix, err)
		}
	}

	if f.Contains(DumpIndexes) {
		for _, idx := range cd.visibleIndexes(tx.startTS) {
			tx.dumpIndex(w, prefix, f, cd, idx)
		}
	}
}

func (tx *Tx) dumpIndex(w *strings.Builder, prefix string, f DumpFlags, cd *collectionDef, idx *indexDef) {
	fmt.Fprintln(w, dumpSep2)
	prefix = prefix + ".i." + idx.Path
	fmt.Fprintf(w, "%s (0x%x) created_ts = %d\n", prefix, idx.ID, idx.CreatedTS)

	if f.Contains(DumpIndexEntries) {
		start := indexPrefix(cd.ID, idx.ID)
		vi := scanVersions(tx.db.engine, start, kv.PrefixEnd(start), tx.startTS)
		var pos int
		for vi.Next() {
			pos++
			_, _, vk, id, err := parseIndexKey(vi.Key())
			if err != nil {
				fmt.Fprintf(w, "%s.%d ** ERROR: %v\n", prefix, pos, err)
				continue
			}
			fmt.Fprintf(w, "%s.%d: %s => %v\n", prefix, pos, hexstr(vk), id)
		}
		vi.Close()
		if err := vi.Err(); err != nil {
			fmt.Fprintf(w, "%s ** ERROR: %v\n", prefix, err)
		}
	}
}

func (tx *Tx) dumpDoc(w *strings.Builder, prefix string, pos int, k, v []byte) {
	_, id, err := parseDocKey(k)
	if err != nil {
		fmt.Fprintf(w, "%s.%d ** ERROR: %v\n", prefix, pos, err)
		return
	}
	d, err := doc.Decode(v)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = %v ** ERROR: %v\n", prefix, pos, id, err)
		return
	}
	fmt.Fprintf(w, "%s.%d = %v %v\n", prefix, pos, id, d)
}
