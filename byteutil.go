package xlim

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/andreyvit/xlim/doc"
	"github.com/andreyvit/xlim/kv"
)

// Key prefixes. Every user key is prefix-free within its prefix so that
// versioned keys of different user keys never interleave.
const (
	prefixDoc   byte = 'd'
	prefixIndex byte = 'i'

	docKeyLen   = 1 + 4 + 16
	indexHdrLen = 1 + 4 + 4
)

func ensureCapacity(buf []byte, minCap int) []byte {
	c := cap(buf)
	if minCap > c {
		if c < 16 {
			c = 16
		}
		for minCap > c {
			c <<= 1
		}
		old := buf
		buf = make([]byte, len(old), c)
		copy(buf, old)
	}
	return buf
}

func appendCollPrefix(buf []byte, collID uint32) []byte {
	buf = ensureCapacity(buf, len(buf)+docKeyLen)
	buf = append(buf, prefixDoc)
	return binary.BigEndian.AppendUint32(buf, collID)
}

// appendDocKey appends 'd' collID id.
func appendDocKey(buf []byte, collID uint32, id uuid.UUID) []byte {
	buf = appendCollPrefix(buf, collID)
	return append(buf, id[:]...)
}

func docKey(collID uint32, id uuid.UUID) []byte {
	return appendDocKey(make([]byte, 0, docKeyLen+kv.TSLen), collID, id)
}

// appendIndexPrefix appends 'i' collID indexID.
func appendIndexPrefix(buf []byte, collID, indexID uint32) []byte {
	buf = ensureCapacity(buf, len(buf)+indexHdrLen)
	buf = append(buf, prefixIndex)
	buf = binary.BigEndian.AppendUint32(buf, collID)
	return binary.BigEndian.AppendUint32(buf, indexID)
}

// collIndexPrefix covers the entries of every index of a collection.
func collIndexPrefix(collID uint32) []byte {
	buf := make([]byte, 0, indexHdrLen)
	buf = append(buf, prefixIndex)
	return binary.BigEndian.AppendUint32(buf, collID)
}

func indexPrefix(collID, indexID uint32) []byte {
	return appendIndexPrefix(nil, collID, indexID)
}

// appendIndexKey appends 'i' collID indexID AppendKey(v) id.
func appendIndexKey(buf []byte, collID, indexID uint32, v doc.Value, id uuid.UUID) []byte {
	buf = appendIndexPrefix(buf, collID, indexID)
	buf = doc.AppendKey(buf, v)
	return append(buf, id[:]...)
}

type byteDecoder struct {
	Orig []byte
	Buf  []byte
}

func makeByteDecoder(buf []byte) byteDecoder {
	return byteDecoder{buf, buf}
}

func (d *byteDecoder) Off() int {
	return len(d.Orig) - len(d.Buf)
}

func (d *byteDecoder) Raw(n int) ([]byte, error) {
	if len(d.Buf) < n {
		return nil, kv.DataErrf("key", d.Orig, d.Off(), nil, "not enough data: %d bytes remaining, %d wanted", len(d.Buf), n)
	}
	v := d.Buf[:n]
	d.Buf = d.Buf[n:]
	return v, nil
}

func (d *byteDecoder) Byte(want byte) error {
	b, err := d.Raw(1)
	if err != nil {
		return err
	}
	if b[0] != want {
		return kv.DataErrf("key", d.Orig, d.Off()-1, nil, "prefix %q, wanted %q", b[0], want)
	}
	return nil
}

func (d *byteDecoder) Uint32() (uint32, error) {
	b, err := d.Raw(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *byteDecoder) UUID() (uuid.UUID, error) {
	b, err := d.Raw(16)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.UUID(b), nil
}

// SkipValueKey skips an order-preserving value key.
func (d *byteDecoder) SkipValueKey() ([]byte, error) {
	n, err := doc.SkipKey(d.Buf)
	if err != nil {
		return nil, kv.DataErrf("key", d.Orig, d.Off(), err, "bad value key")
	}
	return d.Raw(n)
}

func (d *byteDecoder) End() error {
	if len(d.Buf) != 0 {
		return kv.DataErrf("key", d.Orig, d.Off(), nil, "%d trailing bytes", len(d.Buf))
	}
	return nil
}

// parseDocKey decodes the id out of a document user key.
func parseDocKey(key []byte) (collID uint32, id uuid.UUID, err error) {
	d := makeByteDecoder(key)
	if err = d.Byte(prefixDoc); err != nil {
		return
	}
	if collID, err = d.Uint32(); err != nil {
		return
	}
	if id, err = d.UUID(); err != nil {
		return
	}
	err = d.End()
	return
}

// parseIndexKey decodes an index entry user key into its value key and id.
func parseIndexKey(key []byte) (collID, indexID uint32, valueKey []byte, id uuid.UUID, err error) {
	d := makeByteDecoder(key)
	if err = d.Byte(prefixIndex); err != nil {
		return
	}
	if collID, err = d.Uint32(); err != nil {
		return
	}
	if indexID, err = d.Uint32(); err != nil {
		return
	}
	if valueKey, err = d.SkipValueKey(); err != nil {
		return
	}
	if id, err = d.UUID(); err != nil {
		return
	}
	err = d.End()
	return
}
