package jobstore

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// kvWriter accumulates key=value lines in insertion order.
type kvWriter struct {
	buf bytes.Buffer
}

func (w *kvWriter) str(key, val string) {
	w.buf.WriteString(key)
	w.buf.WriteByte('=')
	w.buf.WriteString(escapeValue(val))
	w.buf.WriteByte('\n')
}

// opt writes key only when val is non-empty.
func (w *kvWriter) opt(key, val string) {
	if val != "" {
		w.str(key, val)
	}
}

func (w *kvWriter) int(key string, v int64) { w.str(key, strconv.FormatInt(v, 10)) }

func (w *kvWriter) bool(key string, v bool) { w.str(key, strconv.FormatBool(v)) }

func (w *kvWriter) float(key string, v float64) {
	w.str(key, strconv.FormatFloat(v, 'f', -1, 64))
}

func (w *kvWriter) time(key string, t time.Time) {
	if !t.IsZero() {
		w.int(key, t.Unix())
	}
}

func (w *kvWriter) bytes() []byte { return w.buf.Bytes() }

// parseKV splits data into a key/value map. Blank lines and lines starting
// with # are ignored; any other line without '=' is an error. Later keys win.
func parseKV(data []byte) (map[string]string, error) {
	m := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}
		k, v, ok := strings.Cut(text, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("line %d: malformed %q", line, text)
		}
		m[k] = unescapeValue(v)
	}
	return m, sc.Err()
}

// kvReader decodes typed fields, keeping the first conversion error.
type kvReader struct {
	m   map[string]string
	err error
}

func (r *kvReader) has(key string) bool {
	_, ok := r.m[key]
	return ok
}

func (r *kvReader) str(key string) string { return r.m[key] }

func (r *kvReader) int(key string) int { return int(r.int64(key)) }

func (r *kvReader) int64(key string) int64 {
	raw, ok := r.m[key]
	if !ok || raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%s: %w", key, err)
	}
	return v
}

func (r *kvReader) bool(key string) bool {
	raw, ok := r.m[key]
	if !ok || raw == "" {
		return false
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%s: %w", key, err)
	}
	return v
}

func (r *kvReader) float(key string) float64 {
	raw, ok := r.m[key]
	if !ok || raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%s: %w", key, err)
	}
	return v
}

func (r *kvReader) time(key string) time.Time {
	sec := r.int64(key)
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func escapeValue(s string) string {
	if !strings.ContainsAny(s, "\\\n\r") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unescapeValue(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
