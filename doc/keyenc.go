package doc

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Key encoding tags. The first byte of every encoded key is the tag of its
// class, so keys of different classes sort in class order.
const (
	tagNull     byte = 0x05
	tagBool     byte = 0x10
	tagNumber   byte = 0x20
	tagString   byte = 0x30
	tagBytes    byte = 0x40
	tagArray    byte = 0x50
	tagDocument byte = 0x60

	itemMarker byte = 0x01
	endMarker  byte = 0x00

	escByte  byte = 0x00
	escEsc   byte = 0xFF
	escTerm  byte = 0x01
	numKeyLn      = 1 + 8 + 8
)

// AppendKey appends an order-preserving, self-delimiting encoding of v:
// for any a, b, bytes.Compare(AppendKey(nil, a), AppendKey(nil, b)) equals
// Compare(a, b). Numerically equal Int and Float values encode identically.
func AppendKey(buf []byte, v Value) []byte {
	switch v.kind {
	case KindNull:
		return append(buf, tagNull)
	case KindBool:
		return append(buf, tagBool, byte(v.num))
	case KindInt:
		i := v.AsInt()
		f := float64(i)
		var rem int64
		if f >= two63 {
			rem = (i - math.MaxInt64) - 1
		} else {
			rem = i - int64(f)
		}
		return appendNumber(buf, f, rem)
	case KindFloat:
		return appendNumber(buf, v.AsFloat(), 0)
	case KindString:
		buf = append(buf, tagString)
		return appendEscaped(buf, v.str)
	case KindBytes:
		buf = append(buf, tagBytes)
		return appendEscaped(buf, v.raw)
	case KindArray:
		buf = append(buf, tagArray)
		for _, item := range v.arr {
			buf = append(buf, itemMarker)
			buf = AppendKey(buf, item)
		}
		return append(buf, endMarker)
	case KindDocument:
		buf = append(buf, tagDocument)
		for _, f := range v.doc.fields {
			buf = append(buf, itemMarker)
			buf = appendEscaped(buf, f.Name)
			buf = AppendKey(buf, f.Value)
		}
		return append(buf, endMarker)
	default:
		panic(fmt.Errorf("doc: unknown kind %v", v.kind))
	}
}

func Key(v Value) []byte {
	return AppendKey(nil, v)
}

func appendNumber(buf []byte, f float64, rem int64) []byte {
	var bits uint64
	switch {
	case math.IsNaN(f):
		bits = 0
	case f == 0:
		bits = 1 << 63 // both zeros
	default:
		bits = math.Float64bits(f)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
	}
	buf = append(buf, tagNumber)
	buf = binary.BigEndian.AppendUint64(buf, bits)
	return binary.BigEndian.AppendUint64(buf, uint64(rem)^(1<<63))
}

func appendEscaped[S string | []byte](buf []byte, s S) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == escByte {
			buf = append(buf, escByte, escEsc)
		} else {
			buf = append(buf, c)
		}
	}
	return append(buf, escByte, escTerm)
}

// ClassBounds returns the key range [lower, upper) covering every value of
// the given class.
func ClassBounds(c Class) (lower, upper []byte) {
	var tag byte
	switch c {
	case ClassNull:
		tag = tagNull
	case ClassBool:
		tag = tagBool
	case ClassNumber:
		tag = tagNumber
	case ClassString:
		tag = tagString
	case ClassBytes:
		tag = tagBytes
	case ClassArray:
		tag = tagArray
	case ClassDocument:
		tag = tagDocument
	default:
		panic(fmt.Errorf("doc: unknown class %d", c))
	}
	return []byte{tag}, []byte{tag + 1}
}

// SkipKey returns the length of the encoded key at the start of b, or an
// error if b does not start with a well-formed key.
func SkipKey(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty key", ErrInvalid)
	}
	switch b[0] {
	case tagNull:
		return 1, nil
	case tagBool:
		if len(b) < 2 {
			return 0, fmt.Errorf("%w: truncated bool key", ErrInvalid)
		}
		return 2, nil
	case tagNumber:
		if len(b) < numKeyLn {
			return 0, fmt.Errorf("%w: truncated number key", ErrInvalid)
		}
		return numKeyLn, nil
	case tagString, tagBytes:
		n, err := skipEscaped(b[1:])
		return 1 + n, err
	case tagArray, tagDocument:
		off := 1
		for {
			if off >= len(b) {
				return 0, fmt.Errorf("%w: unterminated composite key", ErrInvalid)
			}
			marker := b[off]
			off++
			if marker == endMarker {
				return off, nil
			} else if marker != itemMarker {
				return 0, fmt.Errorf("%w: bad item marker %02x", ErrInvalid, marker)
			}
			if b[0] == tagDocument {
				n, err := skipEscaped(b[off:])
				if err != nil {
					return 0, err
				}
				off += n
			}
			n, err := SkipKey(b[off:])
			if err != nil {
				return 0, err
			}
			off += n
		}
	default:
		return 0, fmt.Errorf("%w: unknown key tag %02x", ErrInvalid, b[0])
	}
}

func skipEscaped(b []byte) (int, error) {
	for i := 0; i+1 < len(b); i++ {
		if b[i] != escByte {
			continue
		}
		switch b[i+1] {
		case escTerm:
			return i + 2, nil
		case escEsc:
			i++
		default:
			return 0, fmt.Errorf("%w: bad escape %02x", ErrInvalid, b[i+1])
		}
	}
	return 0, fmt.Errorf("%w: unterminated string key", ErrInvalid)
}
