package candidate

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Validate performs per-scheme structural checks on a descriptor. Schemes
// without a dedicated check only need a host.
func Validate(line string) error {
	scheme, ok := HasScheme(line)
	if !ok {
		return errors.New("unsupported or unexpected scheme")
	}
	switch scheme {
	case "vmess":
		return validateVmess(line)
	case "vless":
		return validateUserURL(line, "missing user/id in vless url")
	case "trojan":
		return validateUserURL(line, "missing trojan password in user part")
	case "ss":
		return validateShadowsocks(line)
	default:
		u, err := url.Parse(line)
		if err != nil {
			return fmt.Errorf("parse: %w", err)
		}
		if u.Hostname() == "" {
			return errors.New("missing host")
		}
		return nil
	}
}

// vmessFields decodes the base64 JSON body of a vmess:// descriptor.
func vmessFields(line string) (map[string]any, error) {
	raw := line[len("vmess://"):]
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("vmess: empty payload after trimming fragment")
	}

	payload, err := decodeVmessBase64(raw)
	if err != nil {
		return nil, fmt.Errorf("vmess base64 decode: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("vmess json: %w", err)
	}
	return m, nil
}

func validateVmess(line string) error {
	m, err := vmessFields(line)
	if err != nil {
		return err
	}

	host, _ := m["add"].(string)
	if strings.TrimSpace(host) == "" {
		return errors.New("vmess: missing add (server)")
	}

	port, err := portFromJSON(m["port"])
	if err != nil {
		return fmt.Errorf("vmess: %w", err)
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("vmess: invalid port %d", port)
	}

	id, _ := m["id"].(string)
	if strings.TrimSpace(id) == "" {
		return errors.New("vmess: missing id (UUID)")
	}
	return nil
}

func decodeVmessBase64(b64 string) ([]byte, error) {
	b64 = strings.TrimSpace(b64)
	if b64 == "" {
		return nil, errors.New("empty vmess payload")
	}
	b64 = strings.ReplaceAll(b64, "-", "+")
	b64 = strings.ReplaceAll(b64, "_", "/")
	b64 = strings.TrimRight(b64, "=")
	if m := len(b64) % 4; m != 0 {
		b64 += strings.Repeat("=", 4-m)
	}
	return base64.StdEncoding.DecodeString(b64)
}

func portFromJSON(v any) (int, error) {
	switch val := v.(type) {
	case string:
		if val == "" {
			return 0, errors.New("empty port")
		}
		p, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, fmt.Errorf("cannot parse port %q", val)
		}
		return p, nil
	case float64:
		return int(val), nil
	case int:
		return val, nil
	default:
		return 0, errors.New("port missing or wrong type")
	}
}

func validateUserURL(line, missingUser string) error {
	u, err := hostPortURL(line)
	if err != nil {
		return err
	}
	user := ""
	if u.User != nil {
		user = u.User.Username()
	}
	if strings.TrimSpace(user) == "" {
		return errors.New(missingUser)
	}
	return nil
}

func validateShadowsocks(line string) error {
	u, err := hostPortURL(line)
	if err != nil {
		return err
	}
	user := ""
	if u.User != nil {
		user = u.User.Username()
	}
	if strings.TrimSpace(user) == "" {
		return errors.New("missing userinfo (method:password)")
	}
	if method := ssMethod(user); method == "" {
		return errors.New("empty encryption method")
	}
	return nil
}

func hostPortURL(line string) (*url.URL, error) {
	u, err := url.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if u.Hostname() == "" {
		return nil, errors.New("missing host")
	}
	port, err := parsePort(u.Port())
	if err != nil {
		return nil, err
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	return u, nil
}

func ssMethod(user string) string {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if dec, err := enc.DecodeString(user); err == nil {
			if parts := strings.SplitN(string(dec), ":", 2); len(parts) == 2 {
				return parts[0]
			}
		}
	}
	return strings.SplitN(user, ":", 2)[0]
}

func parsePort(p string) (int, error) {
	if p == "" {
		return 0, errors.New("missing port")
	}
	v, err := strconv.Atoi(p)
	if err != nil {
		return 0, fmt.Errorf("cannot parse port %q", p)
	}
	return v, nil
}
