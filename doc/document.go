package doc

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalid = errors.New("invalid document")

type Field struct {
	Name  string
	Value Value
}

func F(name string, v Value) Field {
	return Field{name, v}
}

// Document is an ordered mapping of field names to values. Fields are always
// kept sorted by name, which makes the encoding canonical.
//
// ID is assigned by a collection on insert and is not part of the encoded
// form.
type Document struct {
	ID     uuid.UUID
	fields []Field
}

// New builds a document from the given fields. When a name repeats, the last
// occurrence wins.
func New(fields ...Field) *Document {
	d := &Document{fields: make([]Field, 0, len(fields))}
	for _, f := range fields {
		d.Set(f.Name, f.Value)
	}
	return d
}

// FromMap converts a JSON-like map into a document.
func FromMap(m map[string]any) (*Document, error) {
	d := &Document{fields: make([]Field, 0, len(m))}
	for k, x := range m {
		v, err := ValueOf(x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		d.fields = append(d.fields, Field{k, v})
	}
	slices.SortFunc(d.fields, func(a, b Field) int {
		return strings.Compare(a.Name, b.Name)
	})
	return d, nil
}

func MustFromMap(m map[string]any) *Document {
	d, err := FromMap(m)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Document) Len() int {
	return len(d.fields)
}

func (d *Document) find(name string) (int, bool) {
	return slices.BinarySearchFunc(d.fields, name, func(f Field, name string) int {
		return strings.Compare(f.Name, name)
	})
}

func (d *Document) Get(name string) (Value, bool) {
	i, found := d.find(name)
	if !found {
		return Value{}, false
	}
	return d.fields[i].Value, true
}

func (d *Document) Has(name string) bool {
	_, found := d.find(name)
	return found
}

func (d *Document) Set(name string, v Value) {
	i, found := d.find(name)
	if found {
		d.fields[i].Value = v
	} else {
		d.fields = slices.Insert(d.fields, i, Field{name, v})
	}
}

func (d *Document) Delete(name string) bool {
	i, found := d.find(name)
	if found {
		d.fields = slices.Delete(d.fields, i, i+1)
	}
	return found
}

// Fields iterates over the fields in name order.
func (d *Document) Fields() iter.Seq2[string, Value] {
	return func(yield func(string, Value) bool) {
		for _, f := range d.fields {
			if !yield(f.Name, f.Value) {
				return
			}
		}
	}
}

// Path resolves a dotted path like "address.city" through nested documents.
// Array elements can be addressed by a numeric component ("tags.0").
func (d *Document) Path(path string) (Value, bool) {
	cur := Object(d)
	for path != "" {
		var comp string
		comp, path, _ = strings.Cut(path, ".")
		switch cur.kind {
		case KindDocument:
			v, ok := cur.doc.Get(comp)
			if !ok {
				return Value{}, false
			}
			cur = v
		case KindArray:
			i, err := strconv.Atoi(comp)
			if err != nil || i < 0 || i >= len(cur.arr) {
				return Value{}, false
			}
			cur = cur.arr[i]
		default:
			return Value{}, false
		}
	}
	return cur, true
}

// Select returns a copy restricted to the given top-level fields. The path
// components after the first are ignored, i.e. "a.b" keeps all of "a".
func (d *Document) Select(names ...string) *Document {
	out := &Document{ID: d.ID}
	for _, name := range names {
		top, _, _ := strings.Cut(name, ".")
		if v, ok := d.Get(top); ok {
			out.Set(top, v)
		}
	}
	return out
}

// Clone returns a shallow copy; values are immutable so sharing them is fine.
func (d *Document) Clone() *Document {
	return &Document{ID: d.ID, fields: slices.Clone(d.fields)}
}

// Equal compares field contents, ignoring IDs. Int and Float values are
// distinct here even when numerically equal.
func (d *Document) Equal(o *Document) bool {
	if d == nil || o == nil {
		return d == o
	}
	if len(d.fields) != len(o.fields) {
		return false
	}
	for i, f := range d.fields {
		g := o.fields[i]
		if f.Name != g.Name || !Identical(f.Value, g.Value) {
			return false
		}
	}
	return true
}

func (d *Document) Map() map[string]any {
	m := make(map[string]any, len(d.fields))
	for _, f := range d.fields {
		m[f.Name] = f.Value.Interface()
	}
	return m
}

func (d *Document) String() string {
	var buf strings.Builder
	d.format(&buf)
	return buf.String()
}

func (d *Document) format(buf *strings.Builder) {
	buf.WriteByte('{')
	for i, f := range d.fields {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(f.Name)
		buf.WriteByte(':')
		f.Value.format(buf)
	}
	buf.WriteByte('}')
}
