package kit

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	TraceIDKey    contextKey = "kit_trace_id"
	TransportKey  contextKey = "kit_transport" // "http", "mcp", "local"
	RemoteAddrKey contextKey = "kit_remote_addr"
	DocumentIDKey contextKey = "kit_document_id"
	LoggerKey     contextKey = "kit_logger"
)

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, RemoteAddrKey, addr)
}
func GetRemoteAddr(ctx context.Context) string {
	v, _ := ctx.Value(RemoteAddrKey).(string)
	return v
}

// WithDocumentID tags ctx with the document an operation targets. Log
// lines emitted through Logger carry it.
func WithDocumentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, DocumentIDKey, id)
}
func GetDocumentID(ctx context.Context) string {
	v, _ := ctx.Value(DocumentIDKey).(string)
	return v
}

func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, l)
}

// Logger returns the request logger from ctx, or slog.Default(), enriched
// with the document ID when one is set.
func Logger(ctx context.Context) *slog.Logger {
	l, ok := ctx.Value(LoggerKey).(*slog.Logger)
	if !ok {
		l = slog.Default()
	}
	if id := GetDocumentID(ctx); id != "" {
		l = l.With("document_id", id)
	}
	return l
}
