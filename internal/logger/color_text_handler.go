package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

// ColorTextHandler renders records like slog.TextHandler, preceded by a
// colored level. The level is written outside the text record so the escape
// codes are not quoted.
type ColorTextHandler struct {
	*slog.TextHandler
	out io.Writer
	mu  *sync.Mutex
	buf *bytes.Buffer
}

// NewColorTextHandler creates a ColorTextHandler. When showTime is false the
// time attribute is dropped.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	next := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && (a.Key == slog.LevelKey || (!showTime && a.Key == slog.TimeKey)) {
			return slog.Attr{}
		}
		if next != nil {
			return next(groups, a)
		}
		return a
	}
	buf := &bytes.Buffer{}
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(buf, &o),
		out:         w,
		mu:          &sync.Mutex{},
		buf:         buf,
	}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m" // red
	case l >= slog.LevelWarn:
		return "\033[33m" // yellow
	case l >= slog.LevelInfo:
		return "\033[32m" // green
	default:
		return "\033[36m" // cyan
	}
}

// Handle implements slog.Handler.
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.Reset()
	h.buf.WriteString(levelColor(r.Level) + r.Level.String() + "\033[0m ")
	if err := h.TextHandler.Handle(ctx, r); err != nil {
		return err
	}
	_, err := h.out.Write(h.buf.Bytes())
	return err
}

// WithAttrs keeps the coloring for derived loggers.
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.TextHandler = h.TextHandler.WithAttrs(attrs).(*slog.TextHandler)
	return &c
}

// WithGroup keeps the coloring for derived loggers.
func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.TextHandler = h.TextHandler.WithGroup(name).(*slog.TextHandler)
	return &c
}
