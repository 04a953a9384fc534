// Package probe decides whether a descriptor's advertised endpoint accepts
// TCP connections.
//
// A probe is a single connect attempt bounded by a timeout. Nothing is sent
// on the connection: it is closed as soon as it is established. Refusals,
// timeouts, DNS failures and invalid ports all report false. There are no
// retries; callers that want pacing supply a rate limiter.
//
// Probes are safe to call concurrently.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	"github.com/example/SubCollector/internal/candidate"
)

// DefaultTimeout bounds a single connect attempt.
const DefaultTimeout = 3 * time.Second

// Prober reports whether a target is reachable.
type Prober interface {
	Probe(ctx context.Context, t candidate.Target) bool
}

// TCP probes targets with a plain TCP connect.
type TCP struct {
	// Timeout bounds each attempt; zero means DefaultTimeout.
	Timeout time.Duration
	// Dialer overrides the direct dialer, for example with an upstream
	// SOCKS5 proxy built by Upstream.
	Dialer proxy.ContextDialer
	// Limiter, when set, paces dial attempts.
	Limiter *rate.Limiter
}

// Probe opens and immediately closes one TCP connection to t.
func (p *TCP) Probe(ctx context.Context, t candidate.Target) bool {
	addr, ok := dialAddr(t)
	if !ok {
		return false
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx); err != nil {
			return false
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer proxy.ContextDialer = &net.Dialer{Timeout: timeout}
	if p.Dialer != nil {
		dialer = p.Dialer
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func dialAddr(t candidate.Target) (string, bool) {
	host := strings.TrimSpace(t.Host)
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	if host == "" || t.Port <= 0 || t.Port > 65535 {
		return "", false
	}
	if net.ParseIP(host) == nil {
		if ascii, err := idna.Lookup.ToASCII(host); err == nil && ascii != "" {
			host = ascii
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(t.Port)), true
}

// Upstream builds a dialer that connects through a SOCKS5 proxy given as
// "socks5://[user:pass@]host:port". An empty address returns nil.
func Upstream(rawURL string, timeout time.Duration) (proxy.ContextDialer, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("probe: parse upstream proxy: %w", err)
	}
	if u.Scheme != "socks5" && u.Scheme != "socks5h" {
		return nil, fmt.Errorf("probe: unsupported upstream proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("probe: upstream proxy %q has no host", rawURL)
	}

	var auth *proxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d, err := proxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("probe: socks5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("probe: socks5 dialer does not support contexts")
	}
	return cd, nil
}

// Limiter returns a limiter allowing perSecond dials with a matching burst,
// or nil when perSecond is not positive.
func Limiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
