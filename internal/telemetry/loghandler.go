package telemetry

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// instrumentationName identifies fieldsync's records in the OTel log
// pipeline.
const instrumentationName = "github.com/njoerd114/fieldsync"

// NewLogHandler returns a handler that writes every record to console and
// mirrors it to the global OTel logger provider. Before [Setup] runs the
// provider is a no-op, so wrapping the logger unconditionally is safe.
func NewLogHandler(console slog.Handler) slog.Handler {
	return newTee(console, otelslog.NewHandler(instrumentationName))
}

// teeHandler fans records out to a primary handler, whose level decides what
// is logged, and a mirror.
type teeHandler struct {
	primary slog.Handler
	mirror  slog.Handler
}

func newTee(primary, mirror slog.Handler) *teeHandler {
	return &teeHandler{primary: primary, mirror: mirror}
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.primary.Handle(ctx, r.Clone())
	if h.mirror.Enabled(ctx, r.Level) {
		err = errors.Join(err, h.mirror.Handle(ctx, r))
	}
	return err
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return newTee(h.primary.WithAttrs(attrs), h.mirror.WithAttrs(attrs))
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return newTee(h.primary.WithGroup(name), h.mirror.WithGroup(name))
}
