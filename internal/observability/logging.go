package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Output is the writer for log output. Defaults to os.Stderr;
	// stdout belongs to the transport and must stay clean.
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey ContextKey = "request_id"

	// ToolNameKey is the context key for the tool being executed.
	ToolNameKey ContextKey = "tool"
)

// sensitiveKeys are attribute keys whose values are never logged.
var sensitiveKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"token":         true,
	"secret":        true,
	"client_secret": true,
	"password":      true,
	"authorization": true,
	"auth":          true,
}

// NewLogger creates a structured JSON logger with the given
// configuration. Sensitive attribute values are replaced with
// [REDACTED]; request id and tool name are pulled from the context on
// every record.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:       LevelFromString(config.Level),
		AddSource:   config.AddSource,
		ReplaceAttr: redactAttr,
	}

	return slog.New(contextHandler{slog.NewJSONHandler(config.Output, opts)})
}

// LevelFromString converts a string to a slog.Level.
// Returns LevelInfo if the string is not recognized.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(strings.ReplaceAll(a.Key, "-", "_"))
	if sensitiveKeys[key] {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

// contextHandler decorates records with correlation fields stored in
// the context.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := RequestIDFrom(ctx); id != "" {
		r.AddAttrs(slog.String(string(RequestIDKey), id))
	}
	if tool := ToolNameFrom(ctx); tool != "" {
		r.AddAttrs(slog.String(string(ToolNameKey), tool))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// RequestIDFrom retrieves the request ID from the context.
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithToolName adds the executing tool's name to the context.
func WithToolName(ctx context.Context, tool string) context.Context {
	return context.WithValue(ctx, ToolNameKey, tool)
}

// ToolNameFrom retrieves the executing tool's name from the context.
func ToolNameFrom(ctx context.Context) string {
	if tool, ok := ctx.Value(ToolNameKey).(string); ok {
		return tool
	}
	return ""
}
