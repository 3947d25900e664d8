package doc

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func sample() *Document {
	return New(
		F("name", String("Alice")),
		F("age", Int(31)),
		F("score", Float(97.5)),
		F("active", Bool(true)),
		F("nothing", Null()),
		F("avatar", Bytes([]byte{0, 1, 2, 0xFF})),
		F("tags", Array(String("a"), Int(-1), Array(), Null())),
		F("address", Object(New(
			F("city", String("Zürich")),
			F("zip", Int(8000)),
			F("geo", Array(Float(47.37), Float(8.54))),
		))),
		F("big", Int(math.MaxInt64)),
		F("small", Int(math.MinInt64)),
		F("empty", String("")),
	)
}

func TestRoundTrip(t *testing.T) {
	tests := []*Document{
		New(),
		New(F("x", Null())),
		New(F("f", Float(math.Inf(-1))), F("g", Float(-0.0)), F("h", Float(1e300))),
		New(F("i", Int(127)), F("j", Int(128)), F("k", Int(-33)), F("l", Int(1<<40))),
		New(F("u32", Int(math.MaxUint32)), F("ms", Int(1760000000000)), F("max", Int(math.MaxInt64))),
		sample(),
	}
	for _, d := range tests {
		data := must(Encode(d))
		got := must(Decode(data))
		if !got.Equal(d) {
			t.Errorf("Decode(Encode(%v)) = %v", d, got)
		}
	}
}

func TestRoundTrip_keepsIntFloatDistinct(t *testing.T) {
	d := New(F("a", Int(1)), F("b", Float(1)))
	got := must(Decode(must(Encode(d))))
	if k := must1(got.Get("a")).Kind(); k != KindInt {
		t.Errorf("a kind = %v, wanted int", k)
	}
	if k := must1(got.Get("b")).Kind(); k != KindFloat {
		t.Errorf("b kind = %v, wanted float", k)
	}
}

func TestRoundTrip_NaN(t *testing.T) {
	d := New(F("n", Float(math.NaN())))
	got := must(Decode(must(Encode(d))))
	if !got.Equal(d) {
		t.Errorf("got %v, wanted %v", got, d)
	}
}

func TestEncode_canonical(t *testing.T) {
	a := New(F("b", Int(2)), F("a", Int(1)), F("c", Object(New(F("y", Null()), F("x", Bool(false))))))
	b := MustFromMap(map[string]any{
		"c": map[string]any{"x": false, "y": nil},
		"a": 1,
		"b": 2,
	})
	ea, eb := must(Encode(a)), must(Encode(b))
	if !bytes.Equal(ea, eb) {
		t.Errorf("Encode(a) = %x, Encode(b) = %x", ea, eb)
	}
}

func TestEncode_invalidUTF8(t *testing.T) {
	_, err := Encode(New(F("s", String("\xff\xfe"))))
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, wanted ErrInvalid", err)
	}
	_, err = Encode(New(F("\xff", Null())))
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, wanted ErrInvalid", err)
	}
}

func TestDecode_garbage(t *testing.T) {
	tests := [][]byte{
		nil,
		{0x01},                                             // not a map
		{0x81, 0xa1, 'a'},                                  // truncated value
		{0x81, 0xa1, 'a', 0xc1},                            // never-used code
		{0x80, 0x00},                                       // trailing bytes
		{0x82, 0xa1, 'a', 0x01, 0xa1, 'a', 0x02},           // duplicate field
		{0x81, 0xa1, 'a', 0xcf, 0x80, 0, 0, 0, 0, 0, 0, 0}, // uint64 above MaxInt64
	}
	for _, data := range tests {
		_, err := Decode(data)
		if !errors.Is(err, ErrInvalid) {
			t.Errorf("Decode(%x) err = %v, wanted ErrInvalid", data, err)
		}
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func must1[T any](v T, ok bool) T {
	if !ok {
		panic("not found")
	}
	return v
}
