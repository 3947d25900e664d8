package lsm

import (
	"bytes"
	"math/rand/v2"
	"slices"
	"testing"
)

func TestCompressBlock(t *testing.T) {
	compressible := bytes.Repeat([]byte("document key value "), 200)
	random := make([]byte, 1024)
	rand.NewChaCha8([32]byte{1}).Read(random)

	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			prefix := []byte("prefix")
			stored, used := compressBlock(bytes.Clone(prefix), compressible, c)
			if !bytes.HasPrefix(stored, prefix) {
				t.Fatalf("prefix clobbered")
			}
			stored = stored[len(prefix):]
			if used != c {
				t.Errorf("codec = %v, wanted %v", used, c)
			}
			if c != CompressionNone && len(stored) >= len(compressible)/2 {
				t.Errorf("stored %d bytes of %d", len(stored), len(compressible))
			}
			raw, err := decompressBlock(stored, used, len(compressible))
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(raw, compressible) {
				t.Errorf("round trip mismatch")
			}
		})
	}

	t.Run("incompressible", func(t *testing.T) {
		_, used := compressBlock(nil, random, CompressionLZ4)
		if used != CompressionNone {
			t.Errorf("codec = %v, wanted none", used)
		}
	})
}

func TestDecompressBlock_errors(t *testing.T) {
	if _, err := decompressBlock([]byte("abc"), CompressionNone, 4); err == nil {
		t.Errorf("size mismatch accepted")
	}
	if _, err := decompressBlock([]byte{0xff, 0x00}, CompressionZstd, 10); err == nil {
		t.Errorf("garbage zstd accepted")
	}
	if _, err := decompressBlock(nil, Compression(9), 0); err == nil {
		t.Errorf("unknown codec accepted")
	}
}

func TestBlockEntries(t *testing.T) {
	type entry struct {
		key   string
		kind  entryKind
		value string
	}
	want := []entry{
		{"a", kindPut, "1"},
		{"b", kindDelete, ""},
		{"c", kindPut, string(bytes.Repeat([]byte{7}, 300))},
	}
	var b blockBuilder
	for _, e := range want {
		b.add([]byte(e.key), e.kind, []byte(e.value))
	}

	var got []entry
	for data := b.buf; len(data) > 0; {
		k, kind, v, n, err := decodeEntry(data)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, entry{string(k), kind, string(v)})
		data = data[n:]
	}
	if !slices.Equal(got, want) {
		t.Errorf("entries = %v, wanted %v", got, want)
	}
	if string(b.firstKey) != "a" || b.count != 3 {
		t.Errorf("firstKey = %q, count = %d", b.firstKey, b.count)
	}

	if _, _, _, _, err := decodeEntry(b.buf[:3]); err == nil {
		t.Errorf("truncated entry accepted")
	}
	if _, _, _, _, err := decodeEntry([]byte{1, 'a', 9, 0}); err == nil {
		t.Errorf("unknown kind accepted")
	}
}

func TestFooter(t *testing.T) {
	f := footer{IndexOffset: 1234, IndexLength: 56, Version: segmentVersion, Count: 7, MaxSeq: 99}
	buf := f.encode()
	var g footer
	if !g.decode(buf) {
		t.Fatalf("decode failed")
	}
	if g != f {
		t.Errorf("decoded %+v, wanted %+v", g, f)
	}
	buf[0] ^= 1
	if g.decode(buf) {
		t.Errorf("corrupted footer accepted")
	}
}
