// Package rekey filters and renames state dict entries.
package rekey

import (
	"strings"
)

// Default prefixes: EMA shadow weights are renamed onto the primary model.
const (
	DefaultFrom = "ema.model"
	DefaultTo   = "model.model"
)

// Mapper maps a parameter name to its new name.
type Mapper interface {
	// MapName returns the new name and true, or false to drop the entry.
	MapName(name string) (string, bool)

	// String describes the rule, e.g. "ema.model* -> model.model*".
	String() string
}

// PrefixMapper keeps names starting with From and replaces that prefix with To.
//
// Matching is a plain string prefix: with From "ema.model", both
// "ema.model.layer.weight" and "ema.model_extra.weight" match.
type PrefixMapper struct {
	From string
	To   string
}

// NewPrefixMapper creates a mapper from one prefix to another.
func NewPrefixMapper(from, to string) *PrefixMapper {
	return &PrefixMapper{From: from, To: to}
}

// NewEMAMapper creates the default EMA-to-model mapper.
func NewEMAMapper() *PrefixMapper {
	return NewPrefixMapper(DefaultFrom, DefaultTo)
}

// MapName implements Mapper. Only the leading From is replaced; later
// occurrences of From inside the name are left as they are, unlike a
// replace-all over the whole key.
func (m *PrefixMapper) MapName(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, m.From)
	if !ok {
		return "", false
	}
	return m.To + rest, true
}

// String implements Mapper.
func (m *PrefixMapper) String() string {
	return m.From + "* -> " + m.To + "*"
}
