// Package manifest implements the persisted lookup index that maps key
// constraints (exact values and half-open ranges) to dataset locators. Each
// index is one sqlite file; entries are never physically overwritten, a
// replacement supersedes the old row and queries see the latest survivor.
package manifest

import (
	"errors"
	"fmt"
)

var (
	// ErrSchemaFrozen is returned when the scheme is mutated after the index
	// has received its first entry.
	ErrSchemaFrozen = errors.New("schema frozen")

	// ErrDuplicateEntry is returned by AddEntry when an entry with an
	// identical key exists and replace was not requested.
	ErrDuplicateEntry = errors.New("duplicate entry")

	// ErrReadOnly is returned for write operations on a read-only index.
	ErrReadOnly = errors.New("index is read-only")

	// ErrIndexExists is returned by Create when the path already holds a
	// file; existing indexes are opened, never re-created over.
	ErrIndexExists = errors.New("index already exists")
)

// Kind says how a scheme field participates in lookup.
type Kind uint8

const (
	// KindExact fields must match the queried value exactly.
	KindExact Kind = iota + 1
	// KindRange fields carry [lo, hi) bounds and match by inclusion.
	KindRange
	// KindData fields are payload only and do not constrain lookup.
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindRange:
		return "range"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

func kindFromString(s string) (Kind, error) {
	switch s {
	case "exact":
		return KindExact, nil
	case "range":
		return KindRange, nil
	case "data":
		return KindData, nil
	default:
		return 0, fmt.Errorf("unknown match kind %q", s)
	}
}

// SchemeField is one declared field of a scheme.
type SchemeField struct {
	Name string
	Kind Kind
}

// Scheme is the ordered list of fields an index is keyed and annotated by.
type Scheme struct {
	fields []SchemeField
}

func NewScheme() *Scheme {
	return &Scheme{}
}

func (s *Scheme) add(name string, kind Kind) *Scheme {
	s.fields = append(s.fields, SchemeField{Name: name, Kind: kind})
	return s
}

// AddExactMatch declares a field matched by exact equality.
func (s *Scheme) AddExactMatch(name string) *Scheme { return s.add(name, KindExact) }

// AddRangeMatch declares a field matched by [lo, hi) inclusion.
func (s *Scheme) AddRangeMatch(name string) *Scheme { return s.add(name, KindRange) }

// AddDataField declares a payload-only field.
func (s *Scheme) AddDataField(name string) *Scheme { return s.add(name, KindData) }

// Fields returns the declared fields in declaration order.
func (s *Scheme) Fields() []SchemeField {
	return append([]SchemeField(nil), s.fields...)
}

func (s *Scheme) field(name string) (SchemeField, bool) {
	for _, f := range s.fields {
		if f.Name == name {
			return f, true
		}
	}
	return SchemeField{}, false
}

func (s *Scheme) copy() *Scheme {
	return &Scheme{fields: append([]SchemeField(nil), s.fields...)}
}

func (s *Scheme) validate() error {
	seen := make(map[string]bool, len(s.fields))
	for _, f := range s.fields {
		if f.Name == "" {
			return errors.New("scheme: empty field name")
		}
		if seen[f.Name] {
			return fmt.Errorf("scheme: duplicate field %q", f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// Span is the half-open bound pair [Lo, Hi) supplied for a range field.
type Span struct {
	Lo, Hi float64
}

// Width returns Hi - Lo.
func (s Span) Width() float64 { return s.Hi - s.Lo }

// Locator names where a matched dataset lives: a file plus an optional
// address inside it (e.g. a group name).
type Locator struct {
	Filename string
	Dataset  string
}

// Match is one query hit: the locator plus the entry's payload fields.
type Match struct {
	Locator
	// Extra holds the entry's data-field payload.
	Extra map[string]any
	// Seq is the entry's insertion sequence number.
	Seq int64

	width float64
}
