// Package candidate recognizes, cleans and validates proxy descriptors and
// derives the host:port a descriptor claims to be reachable at.
package candidate

import (
	"strings"
	"unicode/utf8"
)

// Schemes are the recognized descriptor scheme prefixes, without "://".
var Schemes = []string{"vmess", "vless", "trojan", "hy2", "hysteria2", "ss", "socks", "wireguard", "ssh"}

// Denylist holds lower-case substrings that disqualify a descriptor.
var Denylist = []string{"pin=0", "pin=red", "pin=قرمز"}

// MinLength is the shortest accepted descriptor, counted in characters.
const MinLength = 5

// Verdict is the outcome of validating a descriptor.
type Verdict uint8

const (
	VerdictOK Verdict = iota
	VerdictTooShort
	VerdictDenylisted
	VerdictNoScheme
	VerdictMalformed
)

func (v Verdict) String() string {
	switch v {
	case VerdictOK:
		return "ok"
	case VerdictTooShort:
		return "too_short"
	case VerdictDenylisted:
		return "denylisted"
	case VerdictNoScheme:
		return "no_scheme"
	case VerdictMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Parse trims and percent-decodes raw. Strings without a recognized scheme are
// returned decoded as well; whether they are kept is decided by Check.
func Parse(raw string) string {
	return unquote(strings.TrimSpace(raw))
}

// HasScheme reports the recognized scheme s starts with, case-insensitively.
func HasScheme(s string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(s))
	for _, scheme := range Schemes {
		if strings.HasPrefix(lower, scheme+"://") {
			return scheme, true
		}
	}
	return "", false
}

// Check applies the length and denylist rules.
func Check(s string) Verdict {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) < MinLength {
		return VerdictTooShort
	}
	lower := strings.ToLower(s)
	for _, marker := range Denylist {
		if strings.Contains(lower, marker) {
			return VerdictDenylisted
		}
	}
	return VerdictOK
}

// IsValid reports whether s passes Check.
func IsValid(s string) bool {
	return Check(s) == VerdictOK
}

// Rules tightens Check for a profile.
type Rules struct {
	// RequireScheme rejects strings without a recognized scheme.
	RequireScheme bool
	// Strict runs the per-scheme structural checks in Validate.
	Strict bool
}

// Check applies Check and then the enabled profile rules.
func (r Rules) Check(s string) Verdict {
	if v := Check(s); v != VerdictOK {
		return v
	}
	if r.RequireScheme {
		if _, ok := HasScheme(s); !ok {
			return VerdictNoScheme
		}
	}
	if r.Strict {
		if err := Validate(strings.TrimSpace(s)); err != nil {
			return VerdictMalformed
		}
	}
	return VerdictOK
}

// unquote decodes %XX escapes. Malformed escapes are kept verbatim and
// every invalid UTF-8 byte becomes U+FFFD, so decoding never fails.
func unquote(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
			continue
		}
		b.WriteByte(c)
	}
	return replaceInvalid(b.String())
}

// replaceInvalid substitutes U+FFFD for each byte that does not start a valid
// UTF-8 sequence.
func replaceInvalid(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 2)
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			b.WriteString("\uFFFD")
		} else {
			b.WriteString(s[i : i+size])
		}
		i += size
	}
	return b.String()
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
