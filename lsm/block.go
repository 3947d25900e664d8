package lsm

import (
	"encoding/binary"
	"errors"

	"github.com/cespare/xxhash/v2"
)

// Every stored block is followed by a trailer:
//
//	compression:u8 size:u32 checksum:u64
//
// where size is the uncompressed length and checksum is xxhash64 of the
// stored bytes followed by the first 5 bytes of the trailer.
const blockTrailerSize = 1 + 4 + 8

var errBadEntry = errors.New("malformed block entry")

func appendTrailer(buf []byte, stored []byte, c Compression, size int) []byte {
	buf = append(buf, byte(c))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(size))
	return binary.LittleEndian.AppendUint64(buf, blockChecksum(stored, buf[len(buf)-5:]))
}

func blockChecksum(stored, trailerHead []byte) uint64 {
	var h xxhash.Digest
	h.Reset()
	h.Write(stored)
	h.Write(trailerHead)
	return h.Sum64()
}

type blockTrailer struct {
	compression Compression
	size        int
	checksum    uint64
}

func parseTrailer(b []byte) blockTrailer {
	return blockTrailer{
		compression: Compression(b[0]),
		size:        int(binary.LittleEndian.Uint32(b[1:])),
		checksum:    binary.LittleEndian.Uint64(b[5:]),
	}
}

// blockBuilder accumulates entries of one data block:
//
//	keylen:uvarint key kind:u8 vallen:uvarint value
type blockBuilder struct {
	buf      []byte
	firstKey []byte
	count    int
}

func (b *blockBuilder) add(key []byte, kind entryKind, value []byte) {
	if b.count == 0 {
		b.firstKey = append(b.firstKey[:0], key...)
	}
	b.buf = binary.AppendUvarint(b.buf, uint64(len(key)))
	b.buf = append(b.buf, key...)
	b.buf = append(b.buf, byte(kind))
	b.buf = binary.AppendUvarint(b.buf, uint64(len(value)))
	b.buf = append(b.buf, value...)
	b.count++
}

func (b *blockBuilder) reset() {
	b.buf = b.buf[:0]
	b.count = 0
}

// decodeEntry decodes the entry at the start of data and returns the number
// of bytes it occupies.
func decodeEntry(data []byte) (key []byte, kind entryKind, value []byte, n int, err error) {
	klen, k := binary.Uvarint(data)
	if k <= 0 || klen > uint64(len(data)-k) {
		return nil, 0, nil, 0, errBadEntry
	}
	off := k
	key = data[off : off+int(klen)]
	off += int(klen)
	if off >= len(data) {
		return nil, 0, nil, 0, errBadEntry
	}
	kind = entryKind(data[off])
	off++
	if !kind.valid() {
		return nil, 0, nil, 0, errBadEntry
	}
	vlen, k := binary.Uvarint(data[off:])
	if k <= 0 || vlen > uint64(len(data)-off-k) {
		return nil, 0, nil, 0, errBadEntry
	}
	off += k
	value = data[off : off+int(vlen)]
	off += int(vlen)
	return key, kind, value, off, nil
}

// blockHandle locates a data block. Index block entries are
//
//	keylen:uvarint firstKey offset:uvarint storedLen:uvarint
type blockHandle struct {
	firstKey []byte
	offset   uint64
	length   uint64
}

func appendHandle(buf []byte, h blockHandle) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(h.firstKey)))
	buf = append(buf, h.firstKey...)
	buf = binary.AppendUvarint(buf, h.offset)
	return binary.AppendUvarint(buf, h.length)
}

func decodeHandles(data []byte) ([]blockHandle, error) {
	var handles []blockHandle
	for len(data) > 0 {
		klen, k := binary.Uvarint(data)
		if k <= 0 || klen > uint64(len(data)-k) {
			return nil, errBadEntry
		}
		data = data[k:]
		h := blockHandle{firstKey: data[:klen]}
		data = data[klen:]
		h.offset, k = binary.Uvarint(data)
		if k <= 0 {
			return nil, errBadEntry
		}
		data = data[k:]
		h.length, k = binary.Uvarint(data)
		if k <= 0 {
			return nil, errBadEntry
		}
		data = data[k:]
		handles = append(handles, h)
	}
	return handles, nil
}

// footer closes every segment file. Checksum covers the preceding fields.
type footer struct {
	IndexOffset uint64
	IndexLength uint32
	Version     uint32
	Count       uint64
	MaxSeq      uint64
	Magic       uint64
	Checksum    uint64
}

const (
	footerSize     = 48
	segmentMagic   = 0x54534d494c58_0001 // "XLIMST" + 1
	segmentVersion = 1
)

func (f *footer) encode() []byte {
	buf := make([]byte, footerSize)
	f.Magic = segmentMagic
	f.Checksum = 0
	_, err := binary.Encode(buf, binary.LittleEndian, f)
	if err != nil {
		panic(err)
	}
	f.Checksum = xxhash.Sum64(buf[:footerSize-8])
	binary.LittleEndian.PutUint64(buf[footerSize-8:], f.Checksum)
	return buf
}

func (f *footer) decode(buf []byte) bool {
	if len(buf) != footerSize {
		return false
	}
	_, err := binary.Decode(buf, binary.LittleEndian, f)
	if err != nil {
		return false
	}
	return f.Magic == segmentMagic && f.Checksum == xxhash.Sum64(buf[:footerSize-8])
}
