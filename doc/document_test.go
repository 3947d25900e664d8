package doc

import (
	"errors"
	"reflect"
	"testing"
)

func TestDocument_setGetDelete(t *testing.T) {
	d := New(F("b", Int(2)), F("a", Int(1)), F("b", Int(3)))
	if n := d.Len(); n != 2 {
		t.Fatalf("Len = %d, wanted 2", n)
	}
	if v, _ := d.Get("b"); v.AsInt() != 3 {
		t.Errorf("b = %v, wanted 3", v)
	}
	d.Set("c", String("x"))
	if !d.Delete("a") {
		t.Errorf("Delete(a) = false")
	}
	if d.Delete("zzz") {
		t.Errorf("Delete(zzz) = true")
	}
	var names []string
	for name := range d.Fields() {
		names = append(names, name)
	}
	deepEqual(t, names, []string{"b", "c"})
	deepEqual(t, d.String(), `{b:3, c:"x"}`)
}

func TestDocument_Path(t *testing.T) {
	d := sample()
	tests := []struct {
		path string
		want Value
		ok   bool
	}{
		{"name", String("Alice"), true},
		{"address.city", String("Zürich"), true},
		{"address.geo.1", Float(8.54), true},
		{"tags.2", Array(), true},
		{"tags.9", Value{}, false},
		{"address.nope", Value{}, false},
		{"name.first", Value{}, false},
		{"missing", Value{}, false},
	}
	for _, tt := range tests {
		v, ok := d.Path(tt.path)
		if ok != tt.ok || (ok && !Identical(v, tt.want)) {
			t.Errorf("Path(%q) = %v, %v; wanted %v, %v", tt.path, v, ok, tt.want, tt.ok)
		}
	}
}

func TestDocument_Select(t *testing.T) {
	d := sample()
	got := d.Select("name", "address.city", "missing")
	want := New(F("name", String("Alice")), F("address", must1(d.Get("address"))))
	if !got.Equal(want) {
		t.Errorf("Select = %v, wanted %v", got, want)
	}
}

func TestFromMap(t *testing.T) {
	d := MustFromMap(map[string]any{
		"s":   "x",
		"i":   int32(5),
		"u":   uint16(7),
		"f":   float32(0.5),
		"arr": []any{1, "two", nil},
		"sub": map[string]any{"k": true},
		"raw": []byte("hi"),
	})
	deepEqual(t, d.Map(), map[string]any{
		"s":   "x",
		"i":   int64(5),
		"u":   int64(7),
		"f":   float64(0.5),
		"arr": []any{int64(1), "two", nil},
		"sub": map[string]any{"k": true},
		"raw": []byte("hi"),
	})

	_, err := FromMap(map[string]any{"bad": struct{}{}})
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, wanted ErrInvalid", err)
	}
	_, err = FromMap(map[string]any{"big": uint64(1 << 63)})
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, wanted ErrInvalid", err)
	}
}

func TestValue_wrongKindPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("AsInt on a string did not panic")
		}
	}()
	String("x").AsInt()
}

func TestValue_String(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{Null(), "null"},
		{Float(2), "2.0"},
		{Bytes([]byte{0xAB}), "x'ab'"},
		{Array(Int(1), String("a")), `[1, "a"]`},
	}
	for _, tt := range tests {
		if s := tt.v.String(); s != tt.want {
			t.Errorf("String() = %q, wanted %q", s, tt.want)
		}
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}
