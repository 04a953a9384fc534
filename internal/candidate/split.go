package candidate

import "strings"

// SplitConcatenated separates descriptors glued together on one line, such as
// "vless://a@h:443trojan://b@h:443". A split happens only where the text
// before "://" ends with a recognized scheme name; the longest name wins, so
// remark text and ports stay with the preceding descriptor. Lines with at
// most one "://" or no recognized scheme are returned unchanged; text before
// the first scheme is dropped.
func SplitConcatenated(s string) []string {
	if strings.Count(s, "://") <= 1 {
		return []string{s}
	}

	var starts []int
	for off := 0; ; {
		i := strings.Index(s[off:], "://")
		if i < 0 {
			break
		}
		sep := off + i
		if start, ok := schemeStart(s, sep); ok {
			starts = append(starts, start)
		}
		off = sep + 3
	}
	if len(starts) == 0 {
		return []string{s}
	}

	parts := make([]string, 0, len(starts))
	for i, start := range starts {
		end := len(s)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		if p := strings.TrimSpace(s[start:end]); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// schemeStart returns where the longest recognized scheme name ending at sep
// begins, matching case-insensitively.
func schemeStart(s string, sep int) (int, bool) {
	best := -1
	for _, scheme := range Schemes {
		start := sep - len(scheme)
		if start < 0 || !strings.EqualFold(s[start:sep], scheme) {
			continue
		}
		if best < 0 || start < best {
			best = start
		}
	}
	return best, best >= 0
}
