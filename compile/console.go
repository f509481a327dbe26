package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/fatih/color"
)

var (
	faint  = color.New(color.Faint)
	info   = color.New(color.FgCyan)
	warn   = color.New(color.FgYellow)
	failed = color.New(color.FgRed, color.Bold)
)

// console prints records on a terminal, one colored line each.
type console struct {
	w     io.Writer
	level slog.Level
	mu    *sync.Mutex
	attrs string
}

func newConsole(w io.Writer, debug bool) *console {
	c := &console{w: w, level: slog.LevelInfo, mu: new(sync.Mutex)}
	if debug {
		c.level = slog.LevelDebug
	}
	return c
}

func paint(l slog.Level) (*color.Color, string) {
	switch {
	case l >= slog.LevelError:
		return failed, "E"
	case l >= slog.LevelWarn:
		return warn, "W"
	case l >= slog.LevelInfo:
		return info, "I"
	default:
		return faint, "D"
	}
}

func (c *console) Enabled(_ context.Context, l slog.Level) bool {
	return l >= c.level
}

func (c *console) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(c.attrs)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	p, tag := paint(r.Level)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := p.Fprintf(c.w, "[%s] %s\n", tag, b.String())
	return err
}

func (c *console) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := *c
	var b strings.Builder
	b.WriteString(c.attrs)
	for _, a := range attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	n.attrs = b.String()
	return &n
}

func (c *console) WithGroup(string) slog.Handler {
	return c
}
