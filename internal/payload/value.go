// Package payload turns fetched source bodies into a flat, ordered list of
// candidate strings.
//
// A body is decoded once into a Value, which is one of Scalar, Sequence or
// *Mapping. Object keys keep their document order so that flattening and
// serialization are deterministic across runs.
package payload

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Kind identifies the JSON type carried by a Scalar.
type Kind uint8

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindNull
)

// Value is the decoded form of a payload: Scalar, Sequence or *Mapping.
type Value interface {
	isValue()
}

// Scalar is a leaf value. Numbers keep their literal text.
type Scalar struct {
	Kind Kind
	Text string
}

// Sequence is an ordered list of values.
type Sequence []Value

// Mapping is an object whose keys keep document order.
type Mapping struct {
	keys []string
	vals map[string]Value
}

func (Scalar) isValue()   {}
func (Sequence) isValue() {}
func (*Mapping) isValue() {}

// String builds a string scalar.
func String(s string) Scalar { return Scalar{Kind: KindString, Text: s} }

// NewMapping returns an empty mapping.
func NewMapping() *Mapping {
	return &Mapping{vals: make(map[string]Value)}
}

// Set stores v under key. A repeated key keeps its first position and takes
// the latest value, as encoding/json does.
func (m *Mapping) Set(key string, v Value) {
	if m.vals == nil {
		m.vals = make(map[string]Value)
	}
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = v
}

// Get returns the value stored under key.
func (m *Mapping) Get(key string) (Value, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.vals[key]
	return v, ok
}

// Keys returns the keys in document order.
func (m *Mapping) Keys() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.keys...)
}

// Len returns the number of keys.
func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// StringField returns the trimmed text of a string field.
func (m *Mapping) StringField(key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(Scalar)
	if !ok || s.Kind != KindString {
		return "", false
	}
	text := strings.TrimSpace(s.Text)
	return text, text != ""
}

// MarshalJSON encodes the mapping compactly with keys in document order.
func (m *Mapping) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, m, compactSeps); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalJSON encodes the sequence compactly.
func (s Sequence) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, s, compactSeps); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalJSON encodes the scalar according to its kind.
func (s Scalar) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, s, compactSeps); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// separators between sequence items and between an object key and its value.
type separators struct {
	item, key string
}

var (
	compactSeps = separators{item: ",", key: ":"}
	spacedSeps  = separators{item: ", ", key: ": "}
)

// Serialize renders v as compact JSON. Mappings keep key order and non-ASCII
// text is written as-is.
func Serialize(v Value) string {
	return serialize(v, compactSeps)
}

// SerializeSpaced renders v on one line with ", " and ": " separators.
func SerializeSpaced(v Value) string {
	return serialize(v, spacedSeps)
}

func serialize(v Value, seps separators) string {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v, seps); err != nil {
		return ""
	}
	return buf.String()
}

func encodeValue(buf *bytes.Buffer, v Value, seps separators) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case Scalar:
		switch val.Kind {
		case KindNull:
			buf.WriteString("null")
		case KindNumber, KindBool:
			buf.WriteString(val.Text)
		default:
			return encodeString(buf, val.Text)
		}
	case Sequence:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteString(seps.item)
			}
			if err := encodeValue(buf, item, seps); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case *Mapping:
		buf.WriteByte('{')
		for i, k := range val.Keys() {
			if i > 0 {
				buf.WriteString(seps.item)
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteString(seps.key)
			if err := encodeValue(buf, val.vals[k], seps); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encode appends a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}
