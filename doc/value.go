// Package doc defines the document model: a tagged Value union, documents with
// canonically ordered fields, a msgpack codec and an order-preserving key
// encoding used by secondary indexes.
package doc

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindArray
	KindDocument
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindArray:
		return "array"
	case KindDocument:
		return "document"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is an immutable JSON-like value. The zero Value is null.
type Value struct {
	kind Kind
	num  uint64
	str  string
	raw  []byte
	arr  []Value
	doc  *Document
}

func Null() Value { return Value{} }

func Bool(v bool) Value {
	if v {
		return Value{kind: KindBool, num: 1}
	}
	return Value{kind: KindBool}
}

func Int(v int64) Value { return Value{kind: KindInt, num: uint64(v)} }

func Float(v float64) Value { return Value{kind: KindFloat, num: math.Float64bits(v)} }

func String(v string) Value { return Value{kind: KindString, str: v} }

// Bytes wraps a byte slice; nil and empty slices are the same value.
func Bytes(v []byte) Value {
	if v == nil {
		v = []byte{}
	}
	return Value{kind: KindBytes, raw: v}
}

func Array(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindArray, arr: items}
}

// Object wraps a nested document. The nested document's ID is ignored.
func Object(d *Document) Value {
	if d == nil {
		d = New()
	}
	return Value{kind: KindDocument, doc: d}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() bool {
	v.mustBe(KindBool)
	return v.num != 0
}

func (v Value) AsInt() int64 {
	v.mustBe(KindInt)
	return int64(v.num)
}

func (v Value) AsFloat() float64 {
	v.mustBe(KindFloat)
	return math.Float64frombits(v.num)
}

func (v Value) AsString() string {
	v.mustBe(KindString)
	return v.str
}

func (v Value) AsBytes() []byte {
	v.mustBe(KindBytes)
	return v.raw
}

func (v Value) AsArray() []Value {
	v.mustBe(KindArray)
	return v.arr
}

func (v Value) AsDocument() *Document {
	v.mustBe(KindDocument)
	return v.doc
}

// IsNumber reports whether v is an Int or a Float.
func (v Value) IsNumber() bool {
	return v.kind == KindInt || v.kind == KindFloat
}

func (v Value) mustBe(k Kind) {
	if v.kind != k {
		panic(fmt.Errorf("doc: value is %v, not %v", v.kind, k))
	}
}

// Interface converts v into plain Go values: nil, bool, int64, float64,
// string, []byte, []any, map[string]any.
func (v Value) Interface() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.AsBool()
	case KindInt:
		return v.AsInt()
	case KindFloat:
		return v.AsFloat()
	case KindString:
		return v.str
	case KindBytes:
		return v.raw
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Interface()
		}
		return out
	case KindDocument:
		return v.doc.Map()
	default:
		panic(fmt.Errorf("doc: unknown kind %v", v.kind))
	}
}

func (v Value) String() string {
	var buf strings.Builder
	v.format(&buf)
	return buf.String()
}

func (v Value) format(buf *strings.Builder) {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.AsBool()))
	case KindInt:
		buf.WriteString(strconv.FormatInt(v.AsInt(), 10))
	case KindFloat:
		f := v.AsFloat()
		s := strconv.FormatFloat(f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eEnN") {
			s += ".0"
		}
		buf.WriteString(s)
	case KindString:
		buf.WriteString(strconv.Quote(v.str))
	case KindBytes:
		fmt.Fprintf(buf, "x'%x'", v.raw)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteString(", ")
			}
			item.format(buf)
		}
		buf.WriteByte(']')
	case KindDocument:
		v.doc.format(buf)
	default:
		panic(fmt.Errorf("doc: unknown kind %v", v.kind))
	}
}

// ValueOf converts a plain Go value into a Value. Supported inputs are nil,
// bool, all integer types (uint64 must fit into int64), float32/64, string,
// []byte, []any, []string, map[string]any, *Document and Value itself.
func ValueOf(x any) (Value, error) {
	switch x := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case *Document:
		return Object(x), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int8:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint:
		return uintValue(uint64(x))
	case uint8:
		return Int(int64(x)), nil
	case uint16:
		return Int(int64(x)), nil
	case uint32:
		return Int(int64(x)), nil
	case uint64:
		return uintValue(x)
	case float32:
		return Float(float64(x)), nil
	case float64:
		return Float(x), nil
	case string:
		return String(x), nil
	case []byte:
		return Bytes(x), nil
	case []string:
		items := make([]Value, len(x))
		for i, s := range x {
			items[i] = String(s)
		}
		return Array(items...), nil
	case []any:
		items := make([]Value, len(x))
		for i, item := range x {
			v, err := ValueOf(item)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items[i] = v
		}
		return Array(items...), nil
	case map[string]any:
		d, err := FromMap(x)
		if err != nil {
			return Value{}, err
		}
		return Object(d), nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported Go type %T", ErrInvalid, x)
	}
}

// MustValueOf is like ValueOf but panics on unsupported inputs.
func MustValueOf(x any) Value {
	v, err := ValueOf(x)
	if err != nil {
		panic(err)
	}
	return v
}

func uintValue(v uint64) (Value, error) {
	if v > math.MaxInt64 {
		return Value{}, fmt.Errorf("%w: integer %d overflows int64", ErrInvalid, v)
	}
	return Int(int64(v)), nil
}
