package fetch

import (
	"bytes"
	"encoding/base64"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/example/SubCollector/internal/candidate"
)

var rePossibleB64 = regexp.MustCompile(`^[A-Za-z0-9+/=\-_\r\n]+$`)

// DecodeBody normalizes a raw body to UTF-8 text: a UTF-8 or UTF-16 byte
// order mark is honoured and removed, and a body that is entirely base64 is
// decoded when the result contains a known descriptor scheme.
func DecodeBody(b []byte) []byte {
	if out, _, err := transform.Bytes(unicode.BOMOverride(transform.Nop), b); err == nil {
		b = out
	}
	return tryDecodeBase64(b)
}

func tryDecodeBase64(b []byte) []byte {
	trim := bytes.TrimSpace(b)
	if len(trim) == 0 || !rePossibleB64.Match(trim) {
		return b
	}
	compact := strings.NewReplacer("\r", "", "\n", "").Replace(string(trim))

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		dec, err := enc.DecodeString(compact)
		if err != nil {
			continue
		}
		if containsScheme(dec) {
			return dec
		}
	}
	return b
}

func containsScheme(b []byte) bool {
	lower := strings.ToLower(string(b))
	for _, scheme := range candidate.Schemes {
		if strings.Contains(lower, scheme+"://") {
			return true
		}
	}
	return false
}
