package logging

import (
	"context"
	"log/slog"
)

// componentHandler resolves the global handler on every call so loggers
// built before Init, or kept across re-inits, write to the live sink.
type componentHandler struct {
	component string
	attrs     []slog.Attr
	groups    []string
}

func (h *componentHandler) target() slog.Handler {
	hd := Logger().Handler().WithAttrs([]slog.Attr{slog.String("component", h.component)})
	if len(h.attrs) > 0 {
		hd = hd.WithAttrs(h.attrs)
	}
	for _, g := range h.groups {
		hd = hd.WithGroup(g)
	}
	return hd
}

func (h *componentHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return Logger().Handler().Enabled(ctx, l)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.target().Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}
