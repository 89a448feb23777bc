package logger

import (
	"context"
	"log/slog"

	"github.com/sovrium/sovrium-sub013/internal/ciutil"
)

// CIHandler is a custom slog.Handler that adds CI environment metadata
// to every log record.
type CIHandler struct {
	// The underlying handler (usually JSON)
	handler slog.Handler
	// CI metadata to add to every log record
	metadata map[string]string
}

// NewCIHandler creates a new CIHandler that wraps the provided handler,
// adding CI metadata to each log record.
func NewCIHandler(handler slog.Handler) *CIHandler {
	return &CIHandler{
		handler:  handler,
		metadata: ciutil.CIMetadata(),
	}
}

// Enabled implements the slog.Handler interface.
func (h *CIHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// WithAttrs implements the slog.Handler interface.
func (h *CIHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CIHandler{
		handler:  h.handler.WithAttrs(attrs),
		metadata: h.metadata,
	}
}

// WithGroup implements the slog.Handler interface.
func (h *CIHandler) WithGroup(name string) slog.Handler {
	return &CIHandler{
		handler:  h.handler.WithGroup(name),
		metadata: h.metadata,
	}
}

// Handle implements the slog.Handler interface.
func (h *CIHandler) Handle(ctx context.Context, record slog.Record) error {
	// Clone the record to avoid modifying the original
	enhanced := record.Clone()

	for key, value := range h.metadata {
		enhanced.AddAttrs(slog.String(key, value))
	}

	return h.handler.Handle(ctx, enhanced)
}
