package doc

import (
	"bytes"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

const maxDepth = 100

type appendWriter struct {
	buf []byte
}

func (w *appendWriter) Write(b []byte) (int, error) {
	w.buf = append(w.buf, b...)
	return len(b), nil
}

// Encode serializes the document fields (not the ID) as a msgpack map with
// keys in sorted order. Strings and field names must be valid UTF-8.
func Encode(d *Document) ([]byte, error) {
	return AppendEncoded(nil, d)
}

func AppendEncoded(buf []byte, d *Document) ([]byte, error) {
	if err := validate(d, 0); err != nil {
		return nil, err
	}
	w := appendWriter{buf}
	enc := msgpack.GetEncoder()
	enc.Reset(&w)
	err := encodeDocument(enc, d)
	msgpack.PutEncoder(enc)
	if err != nil {
		panic(fmt.Errorf("doc: msgpack encoding into memory failed: %w", err))
	}
	return w.buf, nil
}

func validate(d *Document, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrInvalid, maxDepth)
	}
	for _, f := range d.fields {
		if !utf8.ValidString(f.Name) {
			return fmt.Errorf("%w: field name %q is not valid UTF-8", ErrInvalid, f.Name)
		}
		if err := validateValue(f.Value, depth); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}
	return nil
}

func validateValue(v Value, depth int) error {
	switch v.kind {
	case KindString:
		if !utf8.ValidString(v.str) {
			return fmt.Errorf("%w: string is not valid UTF-8", ErrInvalid)
		}
	case KindArray:
		if depth+1 > maxDepth {
			return fmt.Errorf("%w: nesting deeper than %d", ErrInvalid, maxDepth)
		}
		for i, item := range v.arr {
			if err := validateValue(item, depth+1); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	case KindDocument:
		return validate(v.doc, depth+1)
	}
	return nil
}

func encodeDocument(enc *msgpack.Encoder, d *Document) error {
	if err := enc.EncodeMapLen(len(d.fields)); err != nil {
		return err
	}
	for _, f := range d.fields {
		if err := enc.EncodeString(f.Name); err != nil {
			return err
		}
		if err := encodeValue(enc, f.Value); err != nil {
			return err
		}
	}
	return nil
}

func encodeValue(enc *msgpack.Encoder, v Value) error {
	switch v.kind {
	case KindNull:
		return enc.EncodeNil()
	case KindBool:
		return enc.EncodeBool(v.AsBool())
	case KindInt:
		return enc.EncodeInt(v.AsInt())
	case KindFloat:
		return enc.EncodeFloat64(v.AsFloat())
	case KindString:
		return enc.EncodeString(v.str)
	case KindBytes:
		return enc.EncodeBytes(v.raw)
	case KindArray:
		if err := enc.EncodeArrayLen(len(v.arr)); err != nil {
			return err
		}
		for _, item := range v.arr {
			if err := encodeValue(enc, item); err != nil {
				return err
			}
		}
		return nil
	case KindDocument:
		return encodeDocument(enc, v.doc)
	default:
		panic(fmt.Errorf("doc: unknown kind %v", v.kind))
	}
}

// Decode parses the output of Encode. The returned document has a zero ID.
func Decode(data []byte) (*Document, error) {
	r := bytes.NewReader(data)
	dec := msgpack.GetDecoder()
	dec.Reset(r)
	defer msgpack.PutDecoder(dec)

	d, err := decodeDocument(dec, 0)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalid, r.Len())
	}
	return d, nil
}

func decodeDocument(dec *msgpack.Decoder, depth int) (*Document, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrInvalid, maxDepth)
	}
	c, err := dec.PeekCode()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if !msgpcode.IsFixedMap(c) && c != msgpcode.Map16 && c != msgpcode.Map32 {
		return nil, fmt.Errorf("%w: expected a map, got code %02x", ErrInvalid, c)
	}
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	d := &Document{fields: make([]Field, 0, n)}
	for range n {
		name, err := dec.DecodeString()
		if err != nil {
			return nil, fmt.Errorf("%w: field name: %w", ErrInvalid, err)
		}
		if !utf8.ValidString(name) {
			return nil, fmt.Errorf("%w: field name %q is not valid UTF-8", ErrInvalid, name)
		}
		v, err := decodeValue(dec, depth)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if d.Has(name) {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrInvalid, name)
		}
		d.Set(name, v)
	}
	return d, nil
}

func decodeValue(dec *msgpack.Decoder, depth int) (Value, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return Value{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch {
	case c == msgpcode.Nil:
		err := dec.DecodeNil()
		return Null(), wrapInvalid(err)
	case c == msgpcode.False || c == msgpcode.True:
		b, err := dec.DecodeBool()
		return Bool(b), wrapInvalid(err)
	case c == msgpcode.Float || c == msgpcode.Double:
		f, err := dec.DecodeFloat64()
		return Float(f), wrapInvalid(err)
	case msgpcode.IsFixedNum(c) || (c >= msgpcode.Uint8 && c <= msgpcode.Int64):
		if c == msgpcode.Uint64 {
			// the encoder picks the shortest width, so large positive ints
			// arrive as uint64
			u, err := dec.DecodeUint64()
			if err != nil {
				return Value{}, wrapInvalid(err)
			}
			if u > math.MaxInt64 {
				return Value{}, fmt.Errorf("%w: integer %d overflows int64", ErrInvalid, u)
			}
			return Int(int64(u)), nil
		}
		i, err := dec.DecodeInt64()
		return Int(i), wrapInvalid(err)
	case msgpcode.IsString(c):
		s, err := dec.DecodeString()
		if err != nil {
			return Value{}, wrapInvalid(err)
		}
		if !utf8.ValidString(s) {
			return Value{}, fmt.Errorf("%w: string is not valid UTF-8", ErrInvalid)
		}
		return String(s), nil
	case msgpcode.IsBin(c):
		b, err := dec.DecodeBytes()
		return Bytes(b), wrapInvalid(err)
	case msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32:
		if depth+1 > maxDepth {
			return Value{}, fmt.Errorf("%w: nesting deeper than %d", ErrInvalid, maxDepth)
		}
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return Value{}, wrapInvalid(err)
		}
		items := make([]Value, n)
		for i := range items {
			items[i], err = decodeValue(dec, depth+1)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return Array(items...), nil
	case msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32:
		sub, err := decodeDocument(dec, depth+1)
		if err != nil {
			return Value{}, err
		}
		return Object(sub), nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported msgpack code %02x", ErrInvalid, c)
	}
}

func wrapInvalid(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, err)
}
