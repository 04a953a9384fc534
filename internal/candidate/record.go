package candidate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/example/SubCollector/internal/payload"
)

// ErrMalformed reports a record whose connection settings cannot be walked.
var ErrMalformed = errors.New("candidate: malformed record")

// DefaultRecordPort is used when a record names an address without a port.
const DefaultRecordPort = 443

// Record is a structured candidate: a JSON object with a "remarks" identity
// and optional xray-style "outbounds".
type Record struct {
	fields   *payload.Mapping
	raw      string
	identity string
}

// NewRecord wraps an object. Its identity is the "remarks" text exactly as
// given, or the compact serialization of the whole object when remarks is
// absent, not a string, or blank.
func NewRecord(m *payload.Mapping) Record {
	raw := payload.Serialize(m)
	identity := raw
	if v, ok := m.Get("remarks"); ok {
		if sc, ok := v.(payload.Scalar); ok && sc.Kind == payload.KindString && strings.TrimSpace(sc.Text) != "" {
			identity = sc.Text
		}
	}
	return Record{fields: m, raw: raw, identity: identity}
}

// Identity is the deduplication key of the record.
func (r Record) Identity() string { return r.identity }

// Fields returns the underlying object.
func (r Record) Fields() *payload.Mapping { return r.fields }

// Raw is the compact JSON form of the record.
func (r Record) Raw() string { return r.raw }

// MarshalJSON emits the object with its original key order.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.fields == nil {
		return []byte("null"), nil
	}
	return r.fields.MarshalJSON()
}

// Check validates a record: it must be a non-empty object whose
// serialization passes the string rules.
func (r Record) Check() Verdict {
	if r.fields.Len() == 0 {
		return VerdictTooShort
	}
	return Check(r.raw)
}

// Target walks outbounds[0].settings.vnext[0] (or servers[0]) for an address
// and port. A record without outbounds, or whose first server has no address,
// has no target. Outbounds that are present but not shaped as expected yield
// ErrMalformed.
func (r Record) Target() (Target, bool, error) {
	ob, ok := r.fields.Get("outbounds")
	if !ok {
		return Target{}, false, nil
	}
	first, err := index(ob, 0, "outbounds")
	if err != nil {
		return Target{}, false, err
	}
	settings, err := field(first, "settings")
	if err != nil {
		return Target{}, false, err
	}

	var server payload.Value
	for _, list := range []string{"vnext", "servers"} {
		lv, ferr := field(settings, list)
		if ferr != nil {
			continue
		}
		server, err = index(lv, 0, list)
		if err != nil {
			return Target{}, false, err
		}
		break
	}
	if server == nil {
		return Target{}, false, fmt.Errorf("%w: settings has neither vnext nor servers", ErrMalformed)
	}
	sm, ok := server.(*payload.Mapping)
	if !ok {
		return Target{}, false, fmt.Errorf("%w: server entry is %T", ErrMalformed, server)
	}

	host, ok := sm.StringField("address")
	if !ok {
		return Target{}, false, nil
	}
	port := DefaultRecordPort
	if pv, ok := sm.Get("port"); ok {
		p, err := scalarPort(pv)
		if err != nil {
			return Target{}, false, err
		}
		port = p
	}
	return Target{Host: host, Port: port}, true, nil
}

func index(v payload.Value, i int, name string) (payload.Value, error) {
	seq, ok := v.(payload.Sequence)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T, want array", ErrMalformed, name, v)
	}
	if i >= len(seq) {
		return nil, fmt.Errorf("%w: %s has no element %d", ErrMalformed, name, i)
	}
	return seq[i], nil
}

func field(v payload.Value, key string) (payload.Value, error) {
	m, ok := v.(*payload.Mapping)
	if !ok {
		return nil, fmt.Errorf("%w: %T has no field %q", ErrMalformed, v, key)
	}
	fv, ok := m.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrMalformed, key)
	}
	return fv, nil
}

func scalarPort(v payload.Value) (int, error) {
	s, ok := v.(payload.Scalar)
	if !ok || (s.Kind != payload.KindNumber && s.Kind != payload.KindString) {
		return 0, fmt.Errorf("%w: port is not a number", ErrMalformed)
	}
	text := strings.TrimSpace(s.Text)
	if p, err := strconv.Atoi(text); err == nil {
		return p, nil
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return int(f), nil
	}
	return 0, fmt.Errorf("%w: cannot parse port %q", ErrMalformed, s.Text)
}
