package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// MetadataHandler is a slog.Handler that stamps static process metadata
// (service name, host, CI run identifiers) onto every record before handing
// it to a JSON handler.
type MetadataHandler struct {
	handler  slog.Handler
	metadata []slog.Attr
}

// NewMetadataHandler wraps a JSON handler writing to out. Extra attributes
// are appended to the detected environment metadata.
func NewMetadataHandler(out io.Writer, opts *slog.HandlerOptions, extra ...slog.Attr) *MetadataHandler {
	var handlerOpts slog.HandlerOptions
	if opts != nil {
		handlerOpts = *opts
	}

	metadata := append(environmentMetadata(), extra...)

	return &MetadataHandler{
		handler:  slog.NewJSONHandler(out, &handlerOpts),
		metadata: metadata,
	}
}

// Enabled implements the slog.Handler interface.
func (h *MetadataHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// WithAttrs implements the slog.Handler interface.
func (h *MetadataHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &MetadataHandler{
		handler:  h.handler.WithAttrs(attrs),
		metadata: h.metadata,
	}
}

// WithGroup implements the slog.Handler interface.
func (h *MetadataHandler) WithGroup(name string) slog.Handler {
	return &MetadataHandler{
		handler:  h.handler.WithGroup(name),
		metadata: h.metadata,
	}
}

// Handle implements the slog.Handler interface.
func (h *MetadataHandler) Handle(ctx context.Context, record slog.Record) error {
	if len(h.metadata) == 0 {
		return h.handler.Handle(ctx, record)
	}
	enhanced := record.Clone()
	enhanced.AddAttrs(h.metadata...)
	return h.handler.Handle(ctx, enhanced)
}

// environmentMetadata collects identifiers from well-known CI variables.
// Outside CI it returns only the hostname.
func environmentMetadata() []slog.Attr {
	var attrs []slog.Attr

	if host, err := os.Hostname(); err == nil && host != "" {
		attrs = append(attrs, slog.String("host", host))
	}

	if !strings.EqualFold(os.Getenv("CI"), "true") {
		return attrs
	}

	attrs = append(attrs, slog.Bool("ci", true))
	for key, env := range map[string]string{
		"ci_run_id":   "GITHUB_RUN_ID",
		"ci_workflow": "GITHUB_WORKFLOW",
		"ci_sha":      "GITHUB_SHA",
	} {
		if v := os.Getenv(env); v != "" {
			attrs = append(attrs, slog.String(key, v))
		}
	}
	return attrs
}
