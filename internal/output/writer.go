// Package output persists collected candidate lists.
package output

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Format selects the on-disk encoding of a list.
type Format string

const (
	FormatJSON   Format = "json"
	FormatText   Format = "text"
	FormatBase64 Format = "base64"
)

// ParseFormat validates a format name; empty means text.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatText, nil
	case FormatJSON, FormatText, FormatBase64:
		return f, nil
	default:
		return "", fmt.Errorf("output: unknown format %q", s)
	}
}

// Item is one entry of a list: its text line and its JSON element.
type Item interface {
	fmt.Stringer
	json.Marshaler
}

// WriteError is returned when a list could not be persisted.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string { return fmt.Sprintf("write %s: %v", e.Path, e.Err) }

func (e *WriteError) Unwrap() error { return e.Err }

// Encode renders items in format f. The header line is only used by the
// text and base64 formats.
func Encode[T Item](items []T, f Format, header string) ([]byte, error) {
	switch f {
	case FormatJSON:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		list := make([]json.Marshaler, len(items))
		for i, it := range items {
			list[i] = it
		}
		if err := enc.Encode(list); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatText, FormatBase64:
		lines := make([]string, 0, len(items)+1)
		if h := strings.TrimSpace(header); h != "" {
			lines = append(lines, h)
		}
		for _, it := range items {
			lines = append(lines, it.String())
		}
		text := strings.Join(lines, "\n")
		if f == FormatBase64 {
			return []byte(base64.StdEncoding.EncodeToString([]byte(text))), nil
		}
		return []byte(text), nil
	default:
		return nil, fmt.Errorf("output: unknown format %q", f)
	}
}

// Write encodes items and atomically replaces path. Failures are returned as
// *WriteError.
func Write[T Item](path string, items []T, f Format, header string) error {
	data, err := Encode(items, f, header)
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	if err := writeAtomic(path, data); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmpFile, err := os.CreateTemp(dir, base+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	w := bufio.NewWriter(tmpFile)
	if _, err := w.Write(data); err != nil {
		tmpFile.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := w.Flush(); err != nil {
		tmpFile.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	const maxRetries = 6
	for i := 0; i < maxRetries; i++ {
		err := os.Rename(tmpPath, path)
		if err == nil {
			return nil
		}
		lower := strings.ToLower(err.Error())
		busy := strings.Contains(lower, "used by another process") ||
			strings.Contains(lower, "access is denied") ||
			strings.Contains(lower, "sharing violation")
		if busy && i < maxRetries-1 {
			time.Sleep(time.Duration(200*(i+1)) * time.Millisecond)
			continue
		}
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename failed (%d tries): %w", i+1, err)
	}
	_ = os.Remove(tmpPath)
	return fmt.Errorf("rename failed after retries")
}

var reInvalidName = regexp.MustCompile(`[<>:"\\|?*\x00-\x1F]`)

// SanitizeFileName makes name safe to use as a single path element.
func SanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "/", "_")
	name = reInvalidName.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == ".." {
		name = "default"
	}
	return name
}
