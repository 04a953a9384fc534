package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Decode parses a fetched body. Bodies that look like a JSON object, array
// or string and parse cleanly become structured values; everything else is
// kept as a single string scalar. Decode never fails.
func Decode(body []byte) Value {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[' || trimmed[0] == '"') {
		if v, err := decodeJSON(trimmed); err == nil {
			return v
		}
	}
	return String(string(body))
}

func decodeJSON(b []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	v, err := readValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("payload: trailing data after JSON value")
	}
	return v, nil
}

func readValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '[':
			seq := Sequence{}
			for dec.More() {
				item, err := readValue(dec)
				if err != nil {
					return nil, err
				}
				seq = append(seq, item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return seq, nil
		case '{':
			m := NewMapping()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("payload: unexpected object key %v", keyTok)
				}
				item, err := readValue(dec)
				if err != nil {
					return nil, err
				}
				m.Set(key, item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return m, nil
		default:
			return nil, fmt.Errorf("payload: unexpected delimiter %q", t)
		}
	case string:
		return String(t), nil
	case json.Number:
		return Scalar{Kind: KindNumber, Text: t.String()}, nil
	case bool:
		if t {
			return Scalar{Kind: KindBool, Text: "true"}, nil
		}
		return Scalar{Kind: KindBool, Text: "false"}, nil
	case nil:
		return Scalar{Kind: KindNull}, nil
	default:
		return nil, fmt.Errorf("payload: unexpected token %T", tok)
	}
}
