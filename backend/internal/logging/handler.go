package logging

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"
)

// fileHandler renders records as
//
//	2006-01-02 15:04:05 - INFO - [project] message (k=v, k=v)
type fileHandler struct {
	s      *Store
	level  slog.Leveler
	attrs  []string // Preformatted k=v from WithAttrs.
	prefix string   // Group prefix, "a.b." form.
}

func (h *fileHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *fileHandler) Handle(_ context.Context, r slog.Record) error {
	t := r.Time
	if t.IsZero() {
		t = h.s.now()
	}
	var b strings.Builder
	b.WriteString(t.Format("2006-01-02 15:04:05"))
	b.WriteString(" - ")
	b.WriteString(r.Level.String())
	b.WriteString(" - ")
	if h.s.project != "" {
		b.WriteString("[")
		b.WriteString(h.s.project)
		b.WriteString("] ")
	}
	b.WriteString(r.Message)
	kv := slices.Clone(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		kv = appendAttr(kv, h.prefix, a)
		return true
	})
	if len(kv) != 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(kv, ", "))
		b.WriteString(")")
	}
	b.WriteByte('\n')
	return h.s.write(t, []byte(b.String()))
}

func (h *fileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = slices.Clone(h.attrs)
	for _, a := range attrs {
		h2.attrs = appendAttr(h2.attrs, h.prefix, a)
	}
	return &h2
}

func (h *fileHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}

func appendAttr(kv []string, prefix string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return kv
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			kv = appendAttr(kv, p, ga)
		}
		return kv
	}
	return append(kv, prefix+a.Key+"="+formatValue(a.Value))
}

func formatValue(v slog.Value) string {
	var s string
	switch v.Kind() {
	case slog.KindDuration:
		s = v.Duration().String()
	case slog.KindTime:
		s = v.Time().Format(time.RFC3339)
	default:
		s = v.String()
	}
	if s == "" || strings.ContainsAny(s, " ,()=\"\n\t") {
		return strconv.Quote(s)
	}
	return s
}
