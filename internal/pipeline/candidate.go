package pipeline

import (
	"bytes"
	"encoding/json"

	"github.com/example/SubCollector/internal/candidate"
)

// Candidate is an accepted descriptor string or structured record.
type Candidate struct {
	Value  string
	Record *candidate.Record
}

// Identity is the deduplication key: the descriptor string, or the record
// identity.
func (c Candidate) Identity() string {
	if c.Record != nil {
		return c.Record.Identity()
	}
	return c.Value
}

// String is the text-format line for the candidate.
func (c Candidate) String() string {
	if c.Record != nil {
		return c.Record.Raw()
	}
	return c.Value
}

// MarshalJSON emits records as objects and strings as JSON strings.
func (c Candidate) MarshalJSON() ([]byte, error) {
	if c.Record != nil {
		return c.Record.MarshalJSON()
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c.Value); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Reason explains what happened to one candidate in a stage.
type Reason string

const (
	ReasonAccepted        Reason = "accepted"
	ReasonReachable       Reason = "reachable"
	ReasonUnreachable     Reason = "unreachable"
	ReasonKeptNoTarget    Reason = "kept_no_target"
	ReasonDroppedNoTarget Reason = "dropped_no_target"
	ReasonTooShort        Reason = "too_short"
	ReasonDenylisted      Reason = "denylisted"
	ReasonNoScheme        Reason = "no_scheme"
	ReasonMalformed       Reason = "malformed"
	ReasonCancelled       Reason = "cancelled"
)

func verdictReason(v candidate.Verdict) Reason {
	switch v {
	case candidate.VerdictOK:
		return ReasonAccepted
	case candidate.VerdictTooShort:
		return ReasonTooShort
	case candidate.VerdictDenylisted:
		return ReasonDenylisted
	case candidate.VerdictNoScheme:
		return ReasonNoScheme
	default:
		return ReasonMalformed
	}
}

// Outcome is the typed result of processing one candidate.
type Outcome struct {
	Candidate Candidate
	Keep      bool
	Reason    Reason
}

// dedupe keeps the first occurrence of every identity among kept outcomes,
// in slice order.
func dedupe(outcomes []Outcome) []Candidate {
	seen := make(map[string]struct{}, len(outcomes))
	out := make([]Candidate, 0, len(outcomes))
	for _, o := range outcomes {
		if !o.Keep {
			continue
		}
		id := o.Candidate.Identity()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, o.Candidate)
	}
	return out
}
