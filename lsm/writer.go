package lsm

import (
	"bufio"
	"bytes"
	"fmt"
	"os"

	"github.com/andreyvit/xlim/kv"
	"github.com/andreyvit/xlim/mmap"
)

// segmentWriter streams sorted entries into a new segment file.
type segmentWriter struct {
	path        string
	f           *os.File
	w           *bufio.Writer
	blockSize   int
	compression Compression
	noSync      bool

	// onBlock, if set, is called after each block with its stored size.
	onBlock func(n int) error

	off     uint64
	block   blockBuilder
	index   []byte
	scratch []byte
	lastKey []byte
	count   uint64
}

func createSegment(path string, o *Options) (*segmentWriter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, kv.IOErr("lsm: create segment", err)
	}
	return &segmentWriter{
		path:        path,
		f:           f,
		w:           bufio.NewWriterSize(f, 256*1024),
		blockSize:   o.BlockSize,
		compression: o.Compression,
		noSync:      o.NoSync,
	}, nil
}

func (sw *segmentWriter) add(key []byte, kind entryKind, value []byte) error {
	if sw.count > 0 && bytes.Compare(key, sw.lastKey) <= 0 {
		panic(fmt.Sprintf("lsm: segment keys out of order: %x after %x", key, sw.lastKey))
	}
	sw.lastKey = append(sw.lastKey[:0], key...)
	sw.block.add(key, kind, value)
	sw.count++
	if len(sw.block.buf) >= sw.blockSize {
		return sw.flushBlock()
	}
	return nil
}

func (sw *segmentWriter) flushBlock() error {
	if sw.block.count == 0 {
		return nil
	}
	stored, c := compressBlock(sw.scratch[:0], sw.block.buf, sw.compression)
	if err := sw.writeBlock(stored, c, len(sw.block.buf)); err != nil {
		return err
	}
	sw.index = appendHandle(sw.index, blockHandle{
		firstKey: sw.block.firstKey,
		offset:   sw.off - uint64(len(stored)+blockTrailerSize),
		length:   uint64(len(stored)),
	})
	sw.scratch = stored[:0]
	sw.block.reset()
	if sw.onBlock != nil {
		return sw.onBlock(len(stored) + blockTrailerSize)
	}
	return nil
}

func (sw *segmentWriter) writeBlock(stored []byte, c Compression, size int) error {
	var trailer [blockTrailerSize]byte
	appendTrailer(trailer[:0], stored, c, size)
	if _, err := sw.w.Write(stored); err != nil {
		return kv.IOErr("lsm: write segment", err)
	}
	if _, err := sw.w.Write(trailer[:]); err != nil {
		return kv.IOErr("lsm: write segment", err)
	}
	sw.off += uint64(len(stored) + blockTrailerSize)
	return nil
}

// finish writes the index and the footer, syncs and closes the file, and
// returns the file size. The writer must not be used afterwards.
func (sw *segmentWriter) finish(maxSeq uint64) (int64, error) {
	if err := sw.flushBlock(); err != nil {
		return 0, err
	}
	indexOff := sw.off
	if err := sw.writeBlock(sw.index, CompressionNone, len(sw.index)); err != nil {
		return 0, err
	}
	ft := footer{
		IndexOffset: indexOff,
		IndexLength: uint32(len(sw.index)),
		Version:     segmentVersion,
		Count:       sw.count,
		MaxSeq:      maxSeq,
	}
	if _, err := sw.w.Write(ft.encode()); err != nil {
		return 0, kv.IOErr("lsm: write segment", err)
	}
	sw.off += footerSize
	if err := sw.w.Flush(); err != nil {
		return 0, kv.IOErr("lsm: write segment", err)
	}
	if !sw.noSync {
		if err := mmap.Fdatasync(sw.f, nil); err != nil {
			return 0, kv.IOErr("lsm: sync segment", err)
		}
	}
	err := sw.f.Close()
	sw.f = nil
	if err != nil {
		return 0, kv.IOErr("lsm: close segment", err)
	}
	return int64(sw.off), nil
}

// abort discards a partially written segment.
func (sw *segmentWriter) abort() {
	if sw.f != nil {
		sw.f.Close()
		sw.f = nil
	}
	os.Remove(sw.path)
}
