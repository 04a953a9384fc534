// Package pipeline runs the collect and verify stages over a list of
// subscription sources.
//
// Stage A fetches every source, flattens the bodies into candidates,
// validates them and deduplicates by identity into the normal list. Stage B
// re-validates the normal list, extracts a host:port target from each entry
// and keeps those whose target accepts a TCP connection, producing the final
// list. Entries without a target are kept unless DropUntargeted is set.
//
// Work inside a stage runs on a bounded pool. Results are tagged with their
// position in the stage input and merged in that order before
// deduplication, so both lists are deterministic for a given set of bodies
// regardless of completion order.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/example/SubCollector/internal/candidate"
	"github.com/example/SubCollector/internal/payload"
	"github.com/example/SubCollector/internal/probe"
)

const (
	DefaultWorkers      = 20
	DefaultFetchWorkers = 4
)

// Mode selects how source bodies are turned into candidates.
type Mode string

const (
	// ModeText splits bodies into lines.
	ModeText Mode = "text"
	// ModeJSON decodes JSON bodies and flattens every string leaf; non-JSON
	// bodies are split into lines.
	ModeJSON Mode = "json"
	// ModeRecords keeps every JSON object of a body as a structured record.
	ModeRecords Mode = "records"
)

// ParseMode validates a mode name; empty means json.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeJSON, nil
	case ModeText, ModeJSON, ModeRecords:
		return m, nil
	default:
		return "", fmt.Errorf("pipeline: unknown mode %q", s)
	}
}

// Fetcher retrieves a source body.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Options tunes a Pipeline.
type Options struct {
	Mode  Mode
	Rules candidate.Rules
	// SplitConcatenated separates several descriptors written on one line.
	SplitConcatenated bool
	// Workers caps concurrent candidate checks and probes.
	Workers int
	// FetchWorkers caps concurrent source downloads.
	FetchWorkers int
	// DropUntargeted removes candidates without a host:port from the final
	// list instead of keeping them.
	DropUntargeted bool
}

// Stats summarizes one run.
type Stats struct {
	Sources       int
	SourcesFailed int
	Extracted     int
	Collect       map[Reason]int
	Verify        map[Reason]int
}

// Result holds both lists of a run.
type Result struct {
	Normal []Candidate
	Final  []Candidate
	Stats  Stats
}

// Pipeline wires a fetcher and a prober into the two stages.
type Pipeline struct {
	fetcher Fetcher
	prober  probe.Prober
	log     zerolog.Logger
	opts    Options
}

// New builds a Pipeline, filling zero options with defaults.
func New(f Fetcher, p probe.Prober, log zerolog.Logger, opts Options) *Pipeline {
	if opts.Mode == "" {
		opts.Mode = ModeJSON
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.FetchWorkers <= 0 {
		opts.FetchWorkers = DefaultFetchWorkers
	}
	return &Pipeline{fetcher: f, prober: p, log: log, opts: opts}
}

// Run executes both stages. Source and candidate failures only shrink the
// result; the returned error is non-nil only when ctx ends early.
func (p *Pipeline) Run(ctx context.Context, sources []string) (Result, error) {
	normal, stats := p.Collect(ctx, sources)
	p.log.Info().
		Int("sources", stats.Sources).
		Int("failed", stats.SourcesFailed).
		Int("extracted", stats.Extracted).
		Int("normal", len(normal)).
		Msg("collect stage complete")

	final, verify := p.Verify(ctx, normal)
	stats.Verify = verify
	p.log.Info().
		Int("tested", len(normal)).
		Int("final", len(final)).
		Int("unreachable", verify[ReasonUnreachable]).
		Int("untargeted", verify[ReasonKeptNoTarget]+verify[ReasonDroppedNoTarget]).
		Msg("verify stage complete")

	return Result{Normal: normal, Final: final, Stats: stats}, ctx.Err()
}

type fetched struct {
	body []byte
	err  error
}

// rawItem is one extracted candidate before validation.
type rawItem struct {
	text string
	obj  *payload.Mapping
}

// Collect is Stage A: fetch, flatten, validate and deduplicate.
func (p *Pipeline) Collect(ctx context.Context, sources []string) ([]Candidate, Stats) {
	stats := Stats{Sources: len(sources)}

	bodies := runOrdered(ctx, p.opts.FetchWorkers, sources,
		func(ctx context.Context, src string) fetched {
			body, err := p.fetcher.Fetch(ctx, src)
			return fetched{body: body, err: err}
		},
		func(_ string, err error) fetched { return fetched{err: err} },
	)

	var items []rawItem
	for i, src := range sources {
		res := bodies[i]
		if res.err != nil {
			stats.SourcesFailed++
			p.log.Warn().Str("source", src).Err(res.err).Msg("cannot fetch source")
			continue
		}
		extracted := p.extract(res.body)
		if len(extracted) == 0 {
			p.log.Warn().Str("source", src).Msg("no items extracted")
			continue
		}
		p.log.Debug().Str("source", src).Int("count", len(extracted)).Msg("source fetched")
		items = append(items, extracted...)
	}
	stats.Extracted = len(items)

	outcomes := runOrdered(ctx, p.opts.Workers, items, p.accept, func(_ rawItem, err error) Outcome {
		p.log.Debug().Err(err).Msg("candidate dropped")
		return Outcome{Reason: ReasonMalformed}
	})
	stats.Collect = countReasons(outcomes)
	return dedupe(outcomes), stats
}

func (p *Pipeline) extract(body []byte) []rawItem {
	switch p.opts.Mode {
	case ModeRecords:
		return lo.Map(payload.Objects(payload.Decode(body)), func(m *payload.Mapping, _ int) rawItem {
			return rawItem{obj: m}
		})
	case ModeText:
		return p.textItems(payload.SplitLines(string(body)))
	default:
		return p.textItems(payload.Flatten(payload.Decode(body)))
	}
}

func (p *Pipeline) textItems(lines []string) []rawItem {
	out := make([]rawItem, 0, len(lines))
	for _, line := range lines {
		parts := []string{line}
		if p.opts.SplitConcatenated {
			parts = candidate.SplitConcatenated(line)
		}
		for _, part := range parts {
			out = append(out, rawItem{text: part})
		}
	}
	return out
}

func (p *Pipeline) accept(_ context.Context, it rawItem) Outcome {
	if it.obj != nil {
		rec := candidate.NewRecord(it.obj)
		v := rec.Check()
		return Outcome{Candidate: Candidate{Record: &rec}, Keep: v == candidate.VerdictOK, Reason: verdictReason(v)}
	}
	s := candidate.Parse(it.text)
	v := p.opts.Rules.Check(s)
	return Outcome{Candidate: Candidate{Value: s}, Keep: v == candidate.VerdictOK, Reason: verdictReason(v)}
}

// Verify is Stage B: re-validate, extract targets, probe and deduplicate.
// Every returned candidate is an element of normal.
func (p *Pipeline) Verify(ctx context.Context, normal []Candidate) ([]Candidate, map[Reason]int) {
	outcomes := runOrdered(ctx, p.opts.Workers, normal, p.verify, func(c Candidate, err error) Outcome {
		p.log.Debug().Str("candidate", c.Identity()).Err(err).Msg("candidate dropped")
		return Outcome{Candidate: c, Reason: ReasonMalformed}
	})
	return dedupe(outcomes), countReasons(outcomes)
}

func (p *Pipeline) verify(ctx context.Context, c Candidate) Outcome {
	var (
		target candidate.Target
		ok     bool
	)
	if c.Record != nil {
		if v := c.Record.Check(); v != candidate.VerdictOK {
			return Outcome{Candidate: c, Reason: verdictReason(v)}
		}
		var err error
		target, ok, err = c.Record.Target()
		if err != nil {
			p.log.Debug().Str("candidate", c.Identity()).Err(err).Msg("malformed record")
			return Outcome{Candidate: c, Reason: ReasonMalformed}
		}
	} else {
		s := candidate.Parse(c.Value)
		if v := p.opts.Rules.Check(s); v != candidate.VerdictOK {
			return Outcome{Candidate: c, Reason: verdictReason(v)}
		}
		target, ok = candidate.ExtractTarget(s)
	}

	if !ok {
		if p.opts.DropUntargeted {
			return Outcome{Candidate: c, Reason: ReasonDroppedNoTarget}
		}
		return Outcome{Candidate: c, Keep: true, Reason: ReasonKeptNoTarget}
	}
	if ctx.Err() != nil {
		return Outcome{Candidate: c, Reason: ReasonCancelled}
	}
	if !p.prober.Probe(ctx, target) {
		p.log.Trace().Str("target", target.Addr()).Msg("unreachable")
		return Outcome{Candidate: c, Reason: ReasonUnreachable}
	}
	return Outcome{Candidate: c, Keep: true, Reason: ReasonReachable}
}

func countReasons(outcomes []Outcome) map[Reason]int {
	return lo.CountValuesBy(outcomes, func(o Outcome) Reason { return o.Reason })
}
