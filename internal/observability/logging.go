package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/postcraft/internal/config"
	"github.com/pitabwire/postcraft/model"
)

// ServiceName is stamped on every log entry.
const ServiceName = "postcraft"

type loggerKey struct{}

// NewLogger builds the process logger. Format "console" gives human readable
// output for local runs; anything else is JSON on stdout.
//
// Levels:
//   - error: 5xx responses, panics, store outages
//   - warn:  failed workflow writes, breaker trips, token refresh failures
//   - info:  request end, stage transitions, publishes, LinkedIn connects
//   - debug: poll attempts, ignored starts, upstream error bodies
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	encoding := "json"
	if strings.EqualFold(cfg.LogFormat, "console") {
		encoding = "console"
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	return zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    enc,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]any{"service": ServiceName},
	}.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// ForRequest returns base tagged with the caller's user, correlation,
// dashboard session and trace ids. Without a RequestContext base is returned
// unchanged.
func ForRequest(ctx context.Context, base *zap.Logger) *zap.Logger {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return base
	}

	fields := []zap.Field{
		zap.String("user_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.SessionID != "" {
		fields = append(fields, zap.String("session_id", rctx.SessionID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return base.With(fields...)
}

// RequestScopedLogger stores ForRequest(ctx, base) in every request context
// so handlers and services can pick it up with LoggerFrom. It must run after
// the RequestContext is built.
func RequestScopedLogger(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithLogger(r.Context(), ForRequest(r.Context(), base))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// redactedKeys are the JSON keys whose values never reach the logs: OAuth
// material from LinkedIn and the free text users send to Marcus.
var redactedKeys = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"id_token":      true,
	"client_secret": true,
	"code":          true,
	"state":         true,
	"authorization": true,
	"user_input":    true,
	"email":         true,
}

const redacted = "[REDACTED]"

// RedactedJSON returns a zap field holding body with sensitive keys masked at
// any depth. A body that is not JSON is logged by size only.
func RedactedJSON(key string, body []byte) zap.Field {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return zap.Int(key+"_bytes", len(body))
	}
	return zap.Any(key, redact(v))
}

func redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if redactedKeys[strings.ToLower(k)] {
				out[k] = redacted
				continue
			}
			out[k] = redact(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redact(val)
		}
		return out
	}
	return v
}
