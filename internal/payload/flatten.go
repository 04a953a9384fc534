package payload

import (
	"strings"

	"github.com/samber/lo"
)

// KnownKeys are object fields that commonly hold a descriptor. They are
// visited first, in this order, before the full field scan.
var KnownKeys = []string{
	"url", "uri", "config", "server", "host", "addr", "address",
	"value", "line", "link", "node", "node_url", "connection", "data",
}

// Flatten returns every non-empty string leaf of v in a stable order.
//
// A top-level string is split on line boundaries. Objects contribute their
// known-key values first and then every field in document order; an object
// that yields nothing is kept as its one-line JSON form (SerializeSpaced).
func Flatten(v Value) []string {
	if s, ok := v.(Scalar); ok && s.Kind == KindString {
		return SplitLines(s.Text)
	}
	return clean(flattenItem(v))
}

// SplitLines splits text on every line boundary (\n, \r, \r\n, \v, \f,
// \x1c-\x1e, U+0085, U+2028, U+2029), trimming and dropping empty lines.
func SplitLines(text string) []string {
	return clean(strings.FieldsFunc(text, isLineBreak))
}

func isLineBreak(r rune) bool {
	switch r {
	case '\n', '\r', '\v', '\f', '\x1c', '\x1d', '\x1e', '\u0085', '\u2028', '\u2029':
		return true
	}
	return false
}

func flattenItem(v Value) []string {
	switch val := v.(type) {
	case Scalar:
		if val.Kind == KindNull {
			return nil
		}
		if s := strings.TrimSpace(val.Text); s != "" {
			return []string{s}
		}
		return nil
	case Sequence:
		var out []string
		for _, item := range val {
			out = append(out, flattenItem(item)...)
		}
		return out
	case *Mapping:
		return flattenMapping(val)
	default:
		return nil
	}
}

func flattenMapping(m *Mapping) []string {
	var out []string

	for _, key := range KnownKeys {
		v, ok := m.Get(key)
		if !ok || !isContainerOrString(v) {
			continue
		}
		out = append(out, flattenItem(v)...)
	}

	for _, key := range m.Keys() {
		switch val := m.vals[key].(type) {
		case Scalar:
			if val.Kind == KindString {
				out = append(out, strings.TrimSpace(val.Text))
			}
		case Sequence, *Mapping:
			out = append(out, flattenItem(val)...)
		}
	}

	out = clean(out)
	if len(out) == 0 {
		if s := SerializeSpaced(m); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isContainerOrString(v Value) bool {
	switch val := v.(type) {
	case Scalar:
		return val.Kind == KindString
	case Sequence, *Mapping:
		return true
	}
	return false
}

func clean(in []string) []string {
	return lo.FilterMap(in, func(s string, _ int) (string, bool) {
		s = strings.TrimSpace(s)
		return s, s != ""
	})
}

// Objects returns the object elements of a structured payload: each object in
// a top-level array, or the top-level object itself. Other shapes yield nil.
func Objects(v Value) []*Mapping {
	switch val := v.(type) {
	case *Mapping:
		return []*Mapping{val}
	case Sequence:
		var out []*Mapping
		for _, item := range val {
			if m, ok := item.(*Mapping); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}
