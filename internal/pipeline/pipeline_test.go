package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/example/SubCollector/internal/candidate"
	"github.com/example/SubCollector/internal/fetch"
	"github.com/example/SubCollector/internal/probe"
)

type fakeFetcher map[string]string

func (f fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	body, ok := f[url]
	if !ok {
		return nil, &fetch.SourceError{URL: url, Status: http.StatusInternalServerError}
	}
	return []byte(body), nil
}

type fakeProber struct {
	up      map[string]bool
	jitter  bool
	panicOn string
	calls   atomic.Int32
}

func (p *fakeProber) Probe(_ context.Context, t candidate.Target) bool {
	p.calls.Add(1)
	if p.panicOn != "" && t.Host == p.panicOn {
		panic("probe exploded")
	}
	if p.jitter {
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
	}
	return p.up[t.Addr()]
}

func values(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.String()
	}
	return out
}

const vlessUp = "vless://abc@example.com:443?x=1"

var mixedSources = fakeFetcher{
	"https://src/a.txt": strings.Join([]string{
		vlessUp,
		"ab",
		"trojan://pw@dead.example:443?pin=0",
		"ssh://root:pw@dead.example:22",
		"node-without-target",
		vlessUp,
	}, "\n"),
	"https://src/c.json": `["ss://m@other.example:8388", {"url": "` + vlessUp + `"}]`,
}

func TestRunCollectsAndVerifies(t *testing.T) {
	t.Parallel()

	prober := &fakeProber{up: map[string]bool{"example.com:443": true}}
	p := New(mixedSources, prober, zerolog.Nop(), Options{Mode: ModeJSON})

	res, err := p.Run(context.Background(), []string{"https://src/a.txt", "https://src/b.txt", "https://src/c.json"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantNormal := []string{vlessUp, "ssh://root:pw@dead.example:22", "node-without-target", "ss://m@other.example:8388"}
	if diff := cmp.Diff(wantNormal, values(res.Normal)); diff != "" {
		t.Fatalf("normal mismatch (-want +got):\n%s", diff)
	}
	wantFinal := []string{vlessUp, "node-without-target"}
	if diff := cmp.Diff(wantFinal, values(res.Final)); diff != "" {
		t.Fatalf("final mismatch (-want +got):\n%s", diff)
	}

	wantStats := Stats{
		Sources:       3,
		SourcesFailed: 1,
		Extracted:     9,
		Collect:       map[Reason]int{ReasonAccepted: 7, ReasonTooShort: 1, ReasonDenylisted: 1},
		Verify:        map[Reason]int{ReasonReachable: 1, ReasonUnreachable: 2, ReasonKeptNoTarget: 1},
	}
	if diff := cmp.Diff(wantStats, res.Stats); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
	if n := prober.calls.Load(); n != 3 {
		t.Fatalf("expected 3 probes, got %d", n)
	}
}

func TestRunOrderIsDeterministic(t *testing.T) {
	t.Parallel()

	var lines []string
	up := map[string]bool{}
	for i := 0; i < 200; i++ {
		host := fmt.Sprintf("h%03d.example", i%150)
		lines = append(lines, fmt.Sprintf("trojan://p%d@%s:443", i%150, host))
		if i%3 == 0 {
			up[host+":443"] = true
		}
	}
	src := fakeFetcher{
		"one": strings.Join(lines[:120], "\n"),
		"two": strings.Join(lines[80:], "\n"),
	}

	var firstNormal, firstFinal []string
	for run := 0; run < 5; run++ {
		p := New(src, &fakeProber{up: up, jitter: true}, zerolog.Nop(), Options{Mode: ModeText, Workers: 16, FetchWorkers: 2})
		res, err := p.Run(context.Background(), []string{"one", "two"})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		normal, final := values(res.Normal), values(res.Final)
		if run == 0 {
			firstNormal, firstFinal = normal, final
			if len(normal) != 150 {
				t.Fatalf("expected 150 unique candidates, got %d", len(normal))
			}
			continue
		}
		if diff := cmp.Diff(firstNormal, normal); diff != "" {
			t.Fatalf("normal order changed on run %d:\n%s", run, diff)
		}
		if diff := cmp.Diff(firstFinal, final); diff != "" {
			t.Fatalf("final order changed on run %d:\n%s", run, diff)
		}
	}

	for i, v := range firstNormal {
		if want := lines[i]; v != want {
			t.Fatalf("normal[%d] = %q, want first-seen %q", i, v, want)
		}
	}
}

func TestFinalIsSubsetOfNormalWithoutDuplicates(t *testing.T) {
	t.Parallel()

	prober := &fakeProber{up: map[string]bool{"example.com:443": true, "other.example:8388": true}}
	p := New(mixedSources, prober, zerolog.Nop(), Options{})
	res, err := p.Run(context.Background(), []string{"https://src/c.json", "https://src/a.txt", "https://src/c.json"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	normalIDs := map[string]bool{}
	for _, c := range res.Normal {
		if normalIDs[c.Identity()] {
			t.Fatalf("duplicate in normal: %q", c.Identity())
		}
		normalIDs[c.Identity()] = true
	}
	finalIDs := map[string]bool{}
	for _, c := range res.Final {
		if finalIDs[c.Identity()] {
			t.Fatalf("duplicate in final: %q", c.Identity())
		}
		finalIDs[c.Identity()] = true
		if !normalIDs[c.Identity()] {
			t.Fatalf("final entry %q missing from normal", c.Identity())
		}
	}
	if res.Normal[0].Value != "ss://m@other.example:8388" {
		t.Fatalf("first source order not respected: %q", res.Normal[0].Value)
	}
}

func TestVerifyIsIdempotent(t *testing.T) {
	t.Parallel()

	prober := &fakeProber{up: map[string]bool{"example.com:443": true}}
	p := New(mixedSources, prober, zerolog.Nop(), Options{})
	res, err := p.Run(context.Background(), []string{"https://src/a.txt", "https://src/c.json"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	again, _ := p.Verify(context.Background(), res.Normal)
	if diff := cmp.Diff(values(res.Final), values(again)); diff != "" {
		t.Fatalf("second verify differs (-first +second):\n%s", diff)
	}
	twice, _ := p.Verify(context.Background(), again)
	if diff := cmp.Diff(values(again), values(twice)); diff != "" {
		t.Fatalf("verify of final differs (-first +second):\n%s", diff)
	}
}

func TestRecordsMode(t *testing.T) {
	t.Parallel()

	src := fakeFetcher{"records": `[
		{"remarks":"node1"},
		{"remarks":"up","outbounds":[{"settings":{"vnext":[{"address":"up.example","port":443}]}}]},
		{"remarks":"down","outbounds":[{"settings":{"vnext":[{"address":"down.example"}]}}]},
		{"remarks":"broken","outbounds":"oops"},
		{"remarks":"node1","other":true},
		"not an object",
		{}
	]`}
	prober := &fakeProber{up: map[string]bool{"up.example:443": true}}
	p := New(src, prober, zerolog.Nop(), Options{Mode: ModeRecords, Workers: 20})

	res, err := p.Run(context.Background(), []string{"records"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	ids := func(cs []Candidate) []string {
		out := make([]string, len(cs))
		for i, c := range cs {
			out[i] = c.Identity()
		}
		return out
	}
	if diff := cmp.Diff([]string{"node1", "up", "down", "broken"}, ids(res.Normal)); diff != "" {
		t.Fatalf("normal mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"node1", "up"}, ids(res.Final)); diff != "" {
		t.Fatalf("final mismatch (-want +got):\n%s", diff)
	}
	if got := res.Normal[0].String(); got != `{"remarks":"node1"}` {
		t.Fatalf("first occurrence not kept: %s", got)
	}
	wantVerify := map[Reason]int{ReasonKeptNoTarget: 1, ReasonReachable: 1, ReasonUnreachable: 1, ReasonMalformed: 1}
	if diff := cmp.Diff(wantVerify, res.Stats.Verify); diff != "" {
		t.Fatalf("verify stats mismatch (-want +got):\n%s", diff)
	}
	if res.Stats.Extracted != 6 || res.Stats.Collect[ReasonTooShort] != 1 {
		t.Fatalf("unexpected collect stats: %+v", res.Stats)
	}
}

func TestDropUntargeted(t *testing.T) {
	t.Parallel()

	src := fakeFetcher{"s": "node-without-target\n" + vlessUp}
	p := New(src, &fakeProber{up: map[string]bool{"example.com:443": true}}, zerolog.Nop(), Options{DropUntargeted: true})
	res, err := p.Run(context.Background(), []string{"s"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{vlessUp}, values(res.Final)); diff != "" {
		t.Fatalf("final mismatch (-want +got):\n%s", diff)
	}
	if res.Stats.Verify[ReasonDroppedNoTarget] != 1 {
		t.Fatalf("expected one dropped untargeted candidate: %+v", res.Stats.Verify)
	}
}

func TestPanicInOneCandidateDoesNotAbortBatch(t *testing.T) {
	t.Parallel()

	src := fakeFetcher{"s": "vless://a@boom.example:443\n" + vlessUp}
	prober := &fakeProber{up: map[string]bool{"example.com:443": true}, panicOn: "boom.example"}
	p := New(src, prober, zerolog.Nop(), Options{})
	res, err := p.Run(context.Background(), []string{"s"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{vlessUp}, values(res.Final)); diff != "" {
		t.Fatalf("final mismatch (-want +got):\n%s", diff)
	}
	if res.Stats.Verify[ReasonMalformed] != 1 {
		t.Fatalf("expected the panicking candidate to be counted as malformed: %+v", res.Stats.Verify)
	}
}

func TestRequireSchemeAndSplitConcatenated(t *testing.T) {
	t.Parallel()

	src := fakeFetcher{"s": "//profile-title: base64:abc\nvless://a@h1.example:1trojan://b@h2.example:2\nexample.com:443"}
	p := New(src, &fakeProber{}, zerolog.Nop(), Options{
		Mode:              ModeText,
		Rules:             candidate.Rules{RequireScheme: true},
		SplitConcatenated: true,
	})
	normal, stats := p.Collect(context.Background(), []string{"s"})
	if diff := cmp.Diff([]string{"vless://a@h1.example:1", "trojan://b@h2.example:2"}, values(normal)); diff != "" {
		t.Fatalf("normal mismatch (-want +got):\n%s", diff)
	}
	if stats.Collect[ReasonNoScheme] != 2 {
		t.Fatalf("expected two schemeless lines, got %+v", stats.Collect)
	}
}

func TestPercentEncodedCandidatesAreDecoded(t *testing.T) {
	t.Parallel()

	src := fakeFetcher{"s": "vless%3A%2F%2Fabc%40example.com%3A443%3Fx%3D1\n" + vlessUp}
	p := New(src, &fakeProber{up: map[string]bool{"example.com:443": true}}, zerolog.Nop(), Options{})
	res, err := p.Run(context.Background(), []string{"s"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{vlessUp}, values(res.Normal)); diff != "" {
		t.Fatalf("normal mismatch (-want +got):\n%s", diff)
	}
}

func TestRunReportsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	prober := &fakeProber{up: map[string]bool{"example.com:443": true}}
	p := New(fakeFetcher{"s": vlessUp + "\nnode-without-target"}, prober, zerolog.Nop(), Options{})
	res, err := p.Run(ctx, []string{"s"})
	if err == nil {
		t.Fatalf("expected context error")
	}
	if n := prober.calls.Load(); n != 0 {
		t.Fatalf("no probes expected after cancellation, got %d", n)
	}
	if diff := cmp.Diff([]string{"node-without-target"}, values(res.Final)); diff != "" {
		t.Fatalf("final mismatch (-want +got):\n%s", diff)
	}
}

func TestRunOrderedKeepsInputOrder(t *testing.T) {
	t.Parallel()

	in := make([]int, 100)
	for i := range in {
		in[i] = i
	}
	var inflight, peak atomic.Int32
	out := runOrdered(context.Background(), 5, in, func(_ context.Context, v int) int {
		n := inflight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(time.Duration(rand.Intn(2)) * time.Millisecond)
		inflight.Add(-1)
		return v * 2
	}, func(int, error) int { return -1 })

	for i, v := range out {
		if v != i*2 {
			t.Fatalf("out[%d] = %d", i, v)
		}
	}
	if peak.Load() > 5 {
		t.Fatalf("limit exceeded: %d in flight", peak.Load())
	}
}

func TestCandidateMarshalJSON(t *testing.T) {
	t.Parallel()

	b, err := Candidate{Value: "trojan://p@h:443?a=1&b=<2>"}.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if string(b) != `"trojan://p@h:443?a=1&b=<2>"` {
		t.Fatalf("MarshalJSON = %s", b)
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Mode{"": ModeJSON, "TEXT": ModeText, "records": ModeRecords} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %q,%v", in, got, err)
		}
	}
	if _, err := ParseMode("xml"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()

	open, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer open.Close()
	go func() {
		for {
			c, err := open.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	closedAddr := closed.Addr().String()
	_ = closed.Close()

	upLine := "vless://id@" + open.Addr().String() + "?security=tls"
	downLine := "trojan://pw@" + closedAddr
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/list.txt":
			fmt.Fprintf(w, "%s\n%s\n", upLine, downLine)
		case "/nodes.json":
			fmt.Fprintf(w, `[{"link":%q}]`, upLine)
		default:
			http.Error(w, "gone", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	p := New(fetch.New(fetch.Options{Timeout: 2 * time.Second}), &probe.TCP{Timeout: time.Second}, zerolog.Nop(), Options{})
	res, err := p.Run(context.Background(), []string{srv.URL + "/broken", srv.URL + "/list.txt", srv.URL + "/nodes.json"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{upLine, downLine}, values(res.Normal)); diff != "" {
		t.Fatalf("normal mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{upLine}, values(res.Final)); diff != "" {
		t.Fatalf("final mismatch (-want +got):\n%s", diff)
	}
	if res.Stats.SourcesFailed != 1 {
		t.Fatalf("expected one failed source, got %d", res.Stats.SourcesFailed)
	}
}
