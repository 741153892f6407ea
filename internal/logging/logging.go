package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ComponentKey is the attribute naming the subsystem a log line comes from.
const ComponentKey = "component"

// Setup installs the process-wide default logger. Text output renders the
// component as a "[component] " message prefix; JSON keeps it as a field.
func Setup(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "", "text":
		h = prefixHandler{Handler: slog.NewTextHandler(w, opts)}
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger, nil
}

type prefixHandler struct {
	slog.Handler
	component string
}

func (h prefixHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	rest := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		if a.Key == ComponentKey {
			h.component = a.Value.String()
			continue
		}
		rest = append(rest, a)
	}
	h.Handler = h.Handler.WithAttrs(rest)
	return h
}

func (h prefixHandler) WithGroup(name string) slog.Handler {
	h.Handler = h.Handler.WithGroup(name)
	return h
}

func (h prefixHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == ComponentKey {
			component = a.Value.String()
		} else {
			out.AddAttrs(a)
		}
		return true
	})
	if component != "" {
		out.Message = "[" + component + "] " + r.Message
	}
	return h.Handler.Handle(ctx, out)
}
