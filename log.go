package live

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Severity of a message delivered to a Callback. Severities are bits of a mask.
type Severity uint32

const (
	SeverityInfo Severity = 1 << iota
	SeverityWarn
	SeverityError
	SeverityAll = SeverityInfo | SeverityWarn | SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "Info"
	case SeverityWarn:
		return "Warning"
	case SeverityError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Callback receives engine diagnostics.
type Callback func(Severity, string)

func severityOf(l slog.Level) Severity {
	switch {
	case l >= slog.LevelError:
		return SeverityError
	case l >= slog.LevelWarn:
		return SeverityWarn
	default:
		return SeverityInfo
	}
}

type sink struct {
	mu   sync.RWMutex
	cb   Callback
	mask Severity
}

func (s *sink) set(mask Severity, cb Callback) {
	s.mu.Lock()
	s.cb, s.mask = cb, mask
	s.mu.Unlock()
}

func (s *sink) get() (Callback, Severity) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cb, s.mask
}

// sinkHandler forwards records to the installed callback. Debug records never reach it.
type sinkHandler struct {
	sink  *sink
	attrs string
	group string
}

func (h *sinkHandler) Enabled(_ context.Context, l slog.Level) bool {
	cb, mask := h.sink.get()
	return l >= slog.LevelInfo && cb != nil && mask&severityOf(l) != 0
}

func (h *sinkHandler) Handle(_ context.Context, r slog.Record) error {
	cb, mask := h.sink.get()
	sev := severityOf(r.Level)
	if cb == nil || r.Level < slog.LevelInfo || mask&sev == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	cb(sev, b.String())
	return nil
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	b.WriteByte(' ')
	if group != "" {
		b.WriteString(group)
		b.WriteByte('.')
	}
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(a.Value.Resolve().String())
}

func (h *sinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		writeAttr(&b, h.group, a)
	}
	return &sinkHandler{sink: h.sink, attrs: b.String(), group: h.group}
}

func (h *sinkHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	g := name
	if h.group != "" {
		g = h.group + "." + name
	}
	return &sinkHandler{sink: h.sink, attrs: h.attrs, group: g}
}

// fanout sends records to every handler enabled for them.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := make(fanout, len(f))
	for i, h := range f {
		n[i] = h.WithAttrs(attrs)
	}
	return n
}

func (f fanout) WithGroup(name string) slog.Handler {
	n := make(fanout, len(f))
	for i, h := range f {
		n[i] = h.WithGroup(name)
	}
	return n
}
