package candidate

import (
	"net"
	"regexp"
	"strconv"
	"strings"
)

// Target is the host and port a descriptor advertises.
type Target struct {
	Host string
	Port int
}

// Addr joins host and port, bracketing IPv6 literals.
func (t Target) Addr() string {
	return net.JoinHostPort(strings.Trim(t.Host, "[]"), strconv.Itoa(t.Port))
}

func (t Target) String() string { return t.Addr() }

var (
	reAtHostPort = regexp.MustCompile(`@([^:/\s]+):(\d{1,5})`)
	reHostPort   = regexp.MustCompile(`(\[[0-9a-fA-F:]+\]|[a-zA-Z0-9\-._]+):(\d{1,5})`)
)

// ExtractTarget finds the reachability target of s. It tries, in order, an
// "@host:port" pair, a bare "host:port" anywhere in the string, and the
// add/port fields of a base64 vmess body. ok is false when none applies,
// which callers must treat differently from an unreachable target.
func ExtractTarget(s string) (t Target, ok bool) {
	if m := reAtHostPort.FindStringSubmatch(s); m != nil {
		if port, err := strconv.Atoi(m[2]); err == nil {
			return Target{Host: m[1], Port: port}, true
		}
	}
	if m := reHostPort.FindStringSubmatch(s); m != nil {
		if port, err := strconv.Atoi(m[2]); err == nil {
			return Target{Host: m[1], Port: port}, true
		}
	}
	if scheme, isScheme := HasScheme(s); isScheme && scheme == "vmess" {
		return vmessTarget(strings.TrimSpace(s))
	}
	return Target{}, false
}

func vmessTarget(line string) (Target, bool) {
	m, err := vmessFields(line)
	if err != nil {
		return Target{}, false
	}
	host, _ := m["add"].(string)
	host = strings.TrimSpace(host)
	if host == "" {
		return Target{}, false
	}
	port, err := portFromJSON(m["port"])
	if err != nil {
		return Target{}, false
	}
	return Target{Host: host, Port: port}, true
}
