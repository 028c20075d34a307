// Package serialization implements the self-describing wire payload shared
// with other-language workers on the same database. Arguments are JSON
// primitives or tagged objects; every tag maps to a distinct Go type so that
// decode(encode(v)) round-trips exactly.
package serialization

import (
	"fmt"
	"time"
)

// Symbol is a named constant (a Ruby symbol on the wire).
type Symbol string

// Decimal is an arbitrary-precision decimal carried as its string form; it
// is never parsed into a float so precision survives the round trip.
type Decimal string

// ModuleRef is a reference to a class/module by canonical name.
type ModuleRef string

// Date is a calendar date without a time component.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// ParseDate parses the wire form YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// Duration is an elapsed amount of time plus the calendar parts it was built
// from (months and days do not have a fixed second length, so the parts are
// carried verbatim).
type Duration struct {
	Seconds float64
	Parts   []any
}

// Range is a begin/end interval over any comparable wire values.
type Range struct {
	Begin      any
	End        any
	ExcludeEnd bool
}

// GlobalID is an opaque cross-system record reference. The GID field holds
// the original URI; App/Model/ID are its parsed components.
type GlobalID struct {
	App   string
	Model string
	ID    string
	GID   string
}

// KeywordArgs is a map whose keys are named parameters of the handler, as
// opposed to plain string-keyed map entries. Encoders emit the
// _aj_ruby2_keywords marker listing the keys so other-language decoders can
// reconstruct the distinction.
type KeywordArgs map[string]any

// IndifferentHash is a map that the producing side treats as
// string-or-symbol keyed. Decoded from the _aj_hash_with_indifferent_access
// marker and re-encoded with it.
type IndifferentHash map[string]any

// Unknown preserves a tagged object whose serializer tag this process does
// not understand, so future producers remain compatible. Fields holds the
// object verbatim, tag included.
type Unknown struct {
	Tag    string
	Fields map[string]any
}
