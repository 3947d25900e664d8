package lsm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/xlim/kv"
	"github.com/andreyvit/xlim/mmap"
)

const (
	manifestName    = "MANIFEST"
	manifestTmpName = "MANIFEST.tmp"
	manifestVersion = 1
)

// manifest is the durable description of the tree. It is stored as msgpack
// followed by a little-endian xxhash64 of the encoded bytes.
type manifest struct {
	Version      int               `msgpack:"v"`
	NextFile     uint64            `msgpack:"next"`
	CheckpointTS uint64            `msgpack:"ckpt"`
	Segments     []manifestSegment `msgpack:"segs"` // newest first
	Meta         []byte            `msgpack:"meta,omitempty"`
}

type manifestSegment struct {
	Num    uint64 `msgpack:"n"`
	MaxSeq uint64 `msgpack:"seq"`
	Count  uint64 `msgpack:"cnt"`
	Size   int64  `msgpack:"sz"`
}

// readManifest returns nil (and no error) when there is no manifest yet.
func readManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, kv.IOErr("lsm: read manifest", err)
	}
	if len(data) < 8 {
		return nil, kv.DataErrf(manifestName, data, 0, nil, "manifest too short")
	}
	body, sum := data[:len(data)-8], binary.LittleEndian.Uint64(data[len(data)-8:])
	if xxhash.Sum64(body) != sum {
		return nil, kv.DataErrf(manifestName, data, len(body), nil, "manifest checksum mismatch")
	}
	m := new(manifest)
	if err := msgpack.Unmarshal(body, m); err != nil {
		return nil, kv.DataErrf(manifestName, body, 0, nil, "%v", err)
	}
	if m.Version != manifestVersion {
		return nil, kv.DataErrf(manifestName, nil, 0, nil, "unsupported manifest version %d", m.Version)
	}
	return m, nil
}

// writeManifest atomically replaces the manifest: the new contents go to a
// temporary file which is synced and renamed over the old one, then the
// directory is synced.
func writeManifest(dir string, m *manifest, noSync bool) error {
	m.Version = manifestVersion
	body, err := msgpack.Marshal(m)
	if err != nil {
		panic(fmt.Errorf("lsm: manifest encoding: %w", err))
	}
	body = binary.LittleEndian.AppendUint64(body, xxhash.Sum64(body))

	tmp := filepath.Join(dir, manifestTmpName)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return kv.IOErr("lsm: write manifest", err)
	}
	_, err = f.Write(body)
	if err == nil && !noSync {
		err = mmap.Fdatasync(f, nil)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return kv.IOErr("lsm: write manifest", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, manifestName)); err != nil {
		return kv.IOErr("lsm: install manifest", err)
	}
	if !noSync {
		if err := syncDir(dir); err != nil {
			return kv.IOErr("lsm: sync dir", err)
		}
	}
	return nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
