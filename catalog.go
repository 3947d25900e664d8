package xlim

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/xlim/kv"
)

const catalogVersion = 1

// catalog lists collections and their indexes. A published catalog is
// immutable; DDL operations publish a modified clone.
type catalog struct {
	Version     int              `msgpack:"v"`
	TS          uint64           `msgpack:"ts"`
	NextCollID  uint32           `msgpack:"nc"`
	NextIndexID uint32           `msgpack:"ni"`
	Collections []*collectionDef `msgpack:"c"`
}

type collectionDef struct {
	ID        uint32      `msgpack:"id"`
	Name      string      `msgpack:"n"`
	CreatedAt time.Time   `msgpack:"t"`
	Indexes   []*indexDef `msgpack:"ix"`
}

type indexDef struct {
	ID   uint32 `msgpack:"id"`
	Path string `msgpack:"p"`

	// CreatedTS is the commit timestamp of the backfill. Snapshots older
	// than that do not see the index.
	CreatedTS uint64 `msgpack:"ts"`
}

func newCatalog() *catalog {
	return &catalog{Version: catalogVersion, NextCollID: 1, NextIndexID: 1}
}

func decodeCatalog(data []byte) (*catalog, error) {
	if data == nil {
		return newCatalog(), nil
	}
	cat := new(catalog)
	if err := msgpack.Unmarshal(data, cat); err != nil {
		return nil, kv.DataErrf("catalog", data, 0, err, "bad catalog")
	}
	if cat.Version != catalogVersion {
		return nil, kv.DataErrf("catalog", data, 0, nil, "unsupported catalog version %d", cat.Version)
	}
	return cat, nil
}

func (cat *catalog) encode() []byte {
	return must(msgpack.Marshal(cat))
}

// clone copies the collection list; defs themselves are replaced, never
// mutated, once published.
func (cat *catalog) clone() *catalog {
	c := *cat
	c.Collections = slices.Clone(cat.Collections)
	return &c
}

func (cat *catalog) byName(name string) *collectionDef {
	for _, cd := range cat.Collections {
		if cd.Name == name {
			return cd
		}
	}
	return nil
}

func (cat *catalog) byID(id uint32) *collectionDef {
	for _, cd := range cat.Collections {
		if cd.ID == id {
			return cd
		}
	}
	return nil
}

// replace swaps the def with the same ID; a nil cd removes it.
func (cat *catalog) replace(id uint32, cd *collectionDef) {
	i := slices.IndexFunc(cat.Collections, func(c *collectionDef) bool { return c.ID == id })
	if i < 0 {
		panic(fmt.Errorf("collection %d not in catalog", id))
	}
	if cd == nil {
		cat.Collections = slices.Delete(cat.Collections, i, i+1)
	} else {
		cat.Collections[i] = cd
	}
}

func (cd *collectionDef) clone() *collectionDef {
	c := *cd
	c.Indexes = slices.Clone(cd.Indexes)
	return &c
}

func (cd *collectionDef) index(path string) *indexDef {
	for _, idx := range cd.Indexes {
		if idx.Path == path {
			return idx
		}
	}
	return nil
}

// visibleIndexes returns the indexes a snapshot at ts may use.
func (cd *collectionDef) visibleIndexes(ts uint64) []*indexDef {
	var result []*indexDef
	for _, idx := range cd.Indexes {
		if idx.CreatedTS <= ts {
			result = append(result, idx)
		}
	}
	return result
}

const maxNameLen = 255

func validateCollectionName(name string) error {
	if name == "" {
		return invalidArgf("empty collection name")
	}
	if len(name) > maxNameLen {
		return invalidArgf("collection name longer than %d bytes", maxNameLen)
	}
	return nil
}

func validatePath(path string) error {
	if path == "" {
		return invalidArgf("empty field path")
	}
	if strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") || strings.Contains(path, "..") {
		return invalidArgf("field path %q has an empty component", path)
	}
	return nil
}
