package xlim

import (
	"math"
	"slices"
	"strings"

	"github.com/andreyvit/xlim/doc"
)

// Op is a comparison operator of a predicate.
type Op string

const (
	Eq Op = "="
	Ne Op = "!="
	Lt Op = "<"
	Le Op = "<="
	Gt Op = ">"
	Ge Op = ">="

	// In and NotIn take an array literal.
	In    Op = "in"
	NotIn Op = "nin"

	// Contains matches an array field holding an element equal to the
	// literal, or a string field containing the literal string.
	Contains   Op = "contains"
	StartsWith Op = "startsWith"
	EndsWith   Op = "endsWith"
)

func (op Op) isRange() bool {
	switch op {
	case Lt, Le, Gt, Ge:
		return true
	default:
		return false
	}
}

// Predicate compares the value at a dotted field path with a literal.
type Predicate struct {
	Path  string
	Op    Op
	Value doc.Value

	err error // literal conversion failure, reported by planning
}

// Filter is a conjunction of predicates plus paging and projection. Filters
// are values; every method returns a modified copy.
type Filter struct {
	preds    []Predicate
	limit    int
	hasLimit bool
	offset   int
	fields   []string
}

// Where starts a filter with one predicate. The literal is anything
// doc.ValueOf accepts.
func Where(path string, op Op, value any) Filter {
	return Filter{}.And(path, op, value)
}

// All matches every document.
func All() Filter {
	return Filter{}
}

func (f Filter) And(path string, op Op, value any) Filter {
	v, err := doc.ValueOf(value)
	f.preds = append(slices.Clip(f.preds), Predicate{Path: path, Op: op, Value: v, err: err})
	return f
}

// Limit caps the number of returned documents.
func (f Filter) Limit(n int) Filter {
	f.limit, f.hasLimit = n, true
	return f
}

// Offset skips the first n matching documents.
func (f Filter) Offset(n int) Filter {
	f.offset = n
	return f
}

// Select restricts returned documents to the given top-level fields.
func (f Filter) Select(fields ...string) Filter {
	f.fields = slices.Clone(fields)
	return f
}

func (f Filter) Predicates() []Predicate {
	return slices.Clone(f.preds)
}

func (f Filter) validate() error {
	if f.hasLimit && f.limit < 0 {
		return invalidArgf("negative limit %d", f.limit)
	}
	if f.offset < 0 {
		return invalidArgf("negative offset %d", f.offset)
	}
	for _, p := range f.preds {
		if err := p.validate(); err != nil {
			return err
		}
	}
	for _, name := range f.fields {
		if err := validatePath(name); err != nil {
			return err
		}
	}
	return nil
}

func (p *Predicate) validate() error {
	if err := validatePath(p.Path); err != nil {
		return err
	}
	if p.err != nil {
		return invalidArgf("%s %s: unsupported literal: %v", p.Path, p.Op, p.err)
	}
	switch p.Op {
	case Eq, Ne:
		return nil
	case Lt, Le, Gt, Ge:
		if p.Value.Kind() == doc.KindFloat && math.IsNaN(p.Value.AsFloat()) {
			return invalidArgf("%s %s NaN", p.Path, p.Op)
		}
		return nil
	case In, NotIn:
		if p.Value.Kind() != doc.KindArray {
			return invalidArgf("%s %s: literal must be an array, got %v", p.Path, p.Op, p.Value.Kind())
		}
		return nil
	case Contains:
		return nil
	case StartsWith, EndsWith:
		if p.Value.Kind() != doc.KindString {
			return invalidArgf("%s %s: literal must be a string, got %v", p.Path, p.Op, p.Value.Kind())
		}
		return nil
	default:
		return invalidArgf("unknown operator %q", string(p.Op))
	}
}

// Matches evaluates the predicate against d. A missing field never matches,
// not even for Ne and NotIn. Range operators only match values of the
// literal's class, so that "age > 25" never matches a string age.
func (p *Predicate) Matches(d *doc.Document) bool {
	v, ok := d.Path(p.Path)
	if !ok {
		return false
	}
	switch p.Op {
	case Eq:
		return doc.Equal(v, p.Value)
	case Ne:
		return !doc.Equal(v, p.Value)
	case Lt, Le, Gt, Ge:
		if v.Class() != p.Value.Class() {
			return false
		}
		c := doc.Compare(v, p.Value)
		switch p.Op {
		case Lt:
			return c < 0
		case Le:
			return c <= 0
		case Gt:
			return c > 0
		default:
			return c >= 0
		}
	case In:
		return slices.ContainsFunc(p.Value.AsArray(), func(x doc.Value) bool { return doc.Equal(v, x) })
	case NotIn:
		return !slices.ContainsFunc(p.Value.AsArray(), func(x doc.Value) bool { return doc.Equal(v, x) })
	case Contains:
		switch v.Kind() {
		case doc.KindArray:
			return slices.ContainsFunc(v.AsArray(), func(x doc.Value) bool { return doc.Equal(x, p.Value) })
		case doc.KindString:
			return p.Value.Kind() == doc.KindString && strings.Contains(v.AsString(), p.Value.AsString())
		default:
			return false
		}
	case StartsWith:
		return v.Kind() == doc.KindString && strings.HasPrefix(v.AsString(), p.Value.AsString())
	case EndsWith:
		return v.Kind() == doc.KindString && strings.HasSuffix(v.AsString(), p.Value.AsString())
	default:
		panic("unknown operator " + string(p.Op))
	}
}

func (f *Filter) matches(d *doc.Document) bool {
	for i := range f.preds {
		if !f.preds[i].Matches(d) {
			return false
		}
	}
	return true
}

func (f *Filter) project(d *doc.Document) *doc.Document {
	if f.fields == nil {
		return d
	}
	return d.Select(f.fields...)
}
