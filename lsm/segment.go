package lsm

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/andreyvit/xlim/kv"
	"github.com/andreyvit/xlim/mmap"
)

func segmentFileName(num uint64) string {
	return fmt.Sprintf("seg-%06d.sst", num)
}

func parseSegmentFileName(name string) (uint64, bool) {
	var num uint64
	n, err := fmt.Sscanf(name, "seg-%d.sst", &num)
	if err != nil || n != 1 || segmentFileName(num) != name {
		return 0, false
	}
	return num, true
}

// segment is an immutable, memory-mapped sorted file. The live segment list
// holds one reference, and so does every reader using it; the mapping is
// released (and an obsolete file unlinked) when the last reference goes.
type segment struct {
	num    uint64
	name   string
	path   string
	file   *mmap.File
	data   []byte
	index  []blockHandle
	count  uint64
	maxSeq uint64
	size   int64

	refs     atomic.Int32
	obsolete atomic.Bool
	logger   *slog.Logger
}

func openSegment(dir string, num uint64, logger *slog.Logger) (*segment, error) {
	name := segmentFileName(num)
	path := filepath.Join(dir, name)
	mf, err := mmap.Open(path, mmap.RandomAccess)
	if err != nil {
		return nil, kv.IOErr("lsm: open segment", err)
	}
	s := &segment{
		num:    num,
		name:   name,
		path:   path,
		file:   mf,
		data:   mf.Data,
		size:   int64(mf.Size()),
		logger: logger,
	}
	if err := s.load(); err != nil {
		mf.Close()
		return nil, err
	}
	s.refs.Store(1)
	return s, nil
}

func (s *segment) load() error {
	data := s.data
	if len(data) < footerSize+blockTrailerSize {
		return kv.DataErrf(s.name, data, 0, nil, "segment too short")
	}
	var ft footer
	if !ft.decode(data[len(data)-footerSize:]) {
		return kv.DataErrf(s.name, data[len(data)-footerSize:], len(data)-footerSize, nil, "bad segment footer")
	}
	if ft.Version != segmentVersion {
		return kv.DataErrf(s.name, nil, len(data)-footerSize, nil, "unsupported segment version %d", ft.Version)
	}
	indexEnd := ft.IndexOffset + uint64(ft.IndexLength) + blockTrailerSize
	if indexEnd != uint64(len(data)-footerSize) {
		return kv.DataErrf(s.name, nil, int(ft.IndexOffset), nil, "index block out of bounds")
	}
	raw, err := s.readBlock(ft.IndexOffset, uint64(ft.IndexLength))
	if err != nil {
		return err
	}
	s.index, err = decodeHandles(raw)
	if err != nil {
		return kv.DataErrf(s.name, raw, int(ft.IndexOffset), nil, "bad index block")
	}
	for _, h := range s.index {
		if h.offset+h.length+blockTrailerSize > ft.IndexOffset {
			return kv.DataErrf(s.name, nil, int(h.offset), nil, "data block out of bounds")
		}
	}
	s.count = ft.Count
	s.maxSeq = ft.MaxSeq
	return nil
}

// readBlock verifies and decompresses a stored block of the given length.
func (s *segment) readBlock(off, length uint64) ([]byte, error) {
	end := off + length + blockTrailerSize
	if end > uint64(len(s.data)) || end < off {
		return nil, kv.DataErrf(s.name, nil, int(off), nil, "block out of bounds")
	}
	stored := s.data[off : off+length]
	trailerBytes := s.data[off+length : end]
	tr := parseTrailer(trailerBytes)
	if blockChecksum(stored, trailerBytes[:5]) != tr.checksum {
		return nil, kv.DataErrf(s.name, stored, int(off), nil, "block checksum mismatch")
	}
	raw, err := decompressBlock(stored, tr.compression, tr.size)
	if err != nil {
		return nil, kv.DataErrf(s.name, stored, int(off), nil, "%v", err)
	}
	return raw, nil
}

// findBlock returns the index of the last block whose first key is <= key,
// or 0 when key precedes every block.
func (s *segment) findBlock(key []byte) int {
	i := sort.Search(len(s.index), func(i int) bool {
		return bytes.Compare(s.index[i].firstKey, key) > 0
	})
	if i > 0 {
		i--
	}
	return i
}

// get looks key up. The returned value aliases the mapping and is only
// valid while the caller holds a reference.
func (s *segment) get(key []byte) (entryKind, []byte, bool, error) {
	if len(s.index) == 0 {
		return 0, nil, false, nil
	}
	bi := s.findBlock(key)
	h := s.index[bi]
	data, err := s.readBlock(h.offset, h.length)
	if err != nil {
		return 0, nil, false, err
	}
	for off := 0; off < len(data); {
		k, kind, v, n, err := decodeEntry(data[off:])
		if err != nil {
			return 0, nil, false, kv.DataErrf(s.name, data, off, nil, "%v", err)
		}
		switch c := bytes.Compare(k, key); {
		case c == 0:
			return kind, v, true, nil
		case c > 0:
			return 0, nil, false, nil
		}
		off += n
	}
	return 0, nil, false, nil
}

func (s *segment) ref() {
	if s.refs.Add(1) <= 1 {
		panic("lsm: ref of released segment " + s.name)
	}
}

func (s *segment) unref() {
	n := s.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("lsm: segment released twice: " + s.name)
	}
	if err := s.file.Close(); err != nil {
		s.logger.Error("lsm: failed to unmap segment", slog.String("file", s.name), slog.Any("err", err))
	}
	if s.obsolete.Load() {
		if err := os.Remove(s.path); err != nil {
			s.logger.Error("lsm: failed to delete obsolete segment", slog.String("file", s.name), slog.Any("err", err))
		}
	}
}

func (s *segment) iter(start, end []byte) *segIter {
	return &segIter{s: s, start: start, end: end, blk: -1}
}

type segIter struct {
	s     *segment
	start []byte
	end   []byte
	blk   int
	data  []byte
	off   int

	k    []byte
	v    []byte
	kd   entryKind
	fail error
	done bool
}

func (it *segIter) next() bool {
	if it.done {
		return false
	}
	if it.blk < 0 {
		if len(it.s.index) == 0 {
			it.done = true
			return false
		}
		if it.start != nil {
			it.blk = it.s.findBlock(it.start)
		} else {
			it.blk = 0
		}
		if !it.load() {
			return false
		}
	}
	for {
		for it.off >= len(it.data) {
			it.blk++
			if it.blk >= len(it.s.index) {
				it.done = true
				return false
			}
			if !it.load() {
				return false
			}
		}
		k, kind, v, n, err := decodeEntry(it.data[it.off:])
		if err != nil {
			it.fail = kv.DataErrf(it.s.name, it.data, it.off, nil, "%v", err)
			it.done = true
			return false
		}
		it.off += n
		if it.start != nil && bytes.Compare(k, it.start) < 0 {
			continue
		}
		if it.end != nil && bytes.Compare(k, it.end) >= 0 {
			it.done = true
			return false
		}
		it.k, it.kd, it.v = k, kind, v
		return true
	}
}

func (it *segIter) load() bool {
	h := it.s.index[it.blk]
	data, err := it.s.readBlock(h.offset, h.length)
	if err != nil {
		it.fail = err
		it.done = true
		return false
	}
	it.data, it.off = data, 0
	return true
}

func (it *segIter) key() []byte     { return it.k }
func (it *segIter) value() []byte   { return it.v }
func (it *segIter) kind() entryKind { return it.kd }
func (it *segIter) err() error      { return it.fail }
