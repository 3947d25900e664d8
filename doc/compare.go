package doc

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
	"strings"
)

// Class groups kinds that compare against each other. Int and Float share
// ClassNumber.
type Class uint8

const (
	ClassNull Class = iota
	ClassBool
	ClassNumber
	ClassString
	ClassBytes
	ClassArray
	ClassDocument
)

func (v Value) Class() Class {
	switch v.kind {
	case KindNull:
		return ClassNull
	case KindBool:
		return ClassBool
	case KindInt, KindFloat:
		return ClassNumber
	case KindString:
		return ClassString
	case KindBytes:
		return ClassBytes
	case KindArray:
		return ClassArray
	case KindDocument:
		return ClassDocument
	default:
		panic(fmt.Errorf("doc: unknown kind %v", v.kind))
	}
}

// Compare orders values first by class, then within the class. Numbers
// compare by exact numeric value regardless of Int/Float representation;
// NaN sorts below every other number and equals itself. The order matches
// the byte order of AppendKey.
func Compare(a, b Value) int {
	ca, cb := a.Class(), b.Class()
	if ca != cb {
		return cmp.Compare(ca, cb)
	}
	switch ca {
	case ClassNull:
		return 0
	case ClassBool:
		return cmp.Compare(a.num, b.num)
	case ClassNumber:
		return compareNumbers(a, b)
	case ClassString:
		return strings.Compare(a.str, b.str)
	case ClassBytes:
		return bytes.Compare(a.raw, b.raw)
	case ClassArray:
		n := min(len(a.arr), len(b.arr))
		for i := range n {
			if c := Compare(a.arr[i], b.arr[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(a.arr), len(b.arr))
	case ClassDocument:
		af, bf := a.doc.fields, b.doc.fields
		n := min(len(af), len(bf))
		for i := range n {
			if c := strings.Compare(af[i].Name, bf[i].Name); c != 0 {
				return c
			}
			if c := Compare(af[i].Value, bf[i].Value); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(af), len(bf))
	default:
		panic("unreachable")
	}
}

func Equal(a, b Value) bool {
	return Compare(a, b) == 0
}

// Identical reports whether a and b have the same kind and content, which is
// the equality preserved by the codec round trip.
func Identical(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool, KindInt:
		return a.num == b.num
	case KindFloat:
		fa, fb := a.AsFloat(), b.AsFloat()
		return fa == fb || (math.IsNaN(fa) && math.IsNaN(fb))
	case KindString:
		return a.str == b.str
	case KindBytes:
		return bytes.Equal(a.raw, b.raw)
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Identical(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindDocument:
		return a.doc.Equal(b.doc)
	default:
		panic(fmt.Errorf("doc: unknown kind %v", a.kind))
	}
}

func compareNumbers(a, b Value) int {
	if a.kind == KindInt && b.kind == KindInt {
		return cmp.Compare(a.AsInt(), b.AsInt())
	}
	if a.kind == KindFloat && b.kind == KindFloat {
		return compareFloats(a.AsFloat(), b.AsFloat())
	}
	if a.kind == KindInt {
		return compareIntFloat(a.AsInt(), b.AsFloat())
	}
	return -compareIntFloat(b.AsInt(), a.AsFloat())
}

func compareFloats(a, b float64) int {
	an, bn := math.IsNaN(a), math.IsNaN(b)
	switch {
	case an && bn:
		return 0
	case an:
		return -1
	case bn:
		return 1
	}
	return cmp.Compare(a, b)
}

const two63 = 9223372036854775808.0

func compareIntFloat(i int64, f float64) int {
	switch {
	case math.IsNaN(f):
		return 1
	case f >= two63:
		return -1
	case f < -two63:
		return 1
	}
	t := math.Trunc(f)
	ti := int64(t)
	if i != ti {
		return cmp.Compare(i, ti)
	}
	return cmp.Compare(t, f)
}
