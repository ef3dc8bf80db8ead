package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/postcraft/internal/config"
	"github.com/pitabwire/postcraft/model"
)

// newTestLogger creates a logger that writes JSON to a buffer for assertion.
func newTestLogger(buf *bytes.Buffer) *zap.Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "msg",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.AddSync(buf), zapcore.DebugLevel)
	return zap.New(core)
}

func TestNewLogger_defaultLevel(t *testing.T) {
	cfg := config.ObservabilityConfig{LogLevel: "info"}
	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()

	// Info should be enabled, Debug should not.
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info level should be enabled")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level should NOT be enabled at info level")
	}
}

func TestNewLogger_invalidLevel_defaultsToInfo(t *testing.T) {
	cfg := config.ObservabilityConfig{LogLevel: "bogus"}
	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()

	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("should default to info level")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug should NOT be enabled with invalid level (defaults to info)")
	}
}

func TestWithLogger_and_LoggerFrom(t *testing.T) {
	logger := zap.NewNop()
	ctx := WithLogger(context.Background(), logger)

	got := LoggerFrom(ctx, nil)
	if got != logger {
		t.Error("LoggerFrom should return the stored logger")
	}
}

func TestLoggerFrom_fallback(t *testing.T) {
	fallback := zap.NewNop()
	got := LoggerFrom(context.Background(), fallback)
	if got != fallback {
		t.Error("LoggerFrom should return fallback when no logger in context")
	}
}

func TestForRequest_tagsRequestFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	rctx := &model.RequestContext{
		SubjectID:     "user-42",
		SessionID:     "sess-1",
		CorrelationID: "corr-abc",
		TraceID:       "trace-xyz",
	}
	ctx := model.WithRequestContext(context.Background(), rctx)

	ForRequest(ctx, logger).Info("workflow: stage changed")

	entry := decodeEntry(t, &buf)
	checks := map[string]string{
		"user_id":        "user-42",
		"session_id":     "sess-1",
		"correlation_id": "corr-abc",
		"trace_id":       "trace-xyz",
		"msg":            "workflow: stage changed",
	}
	for key, want := range checks {
		if got, _ := entry[key].(string); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestForRequest_optionalFieldsOmitted(t *testing.T) {
	var buf bytes.Buffer
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID:     "user-42",
		CorrelationID: "corr-abc",
	})

	ForRequest(ctx, newTestLogger(&buf)).Info("no trace")

	entry := decodeEntry(t, &buf)
	for _, k := range []string{"trace_id", "session_id"} {
		if _, ok := entry[k]; ok {
			t.Errorf("%s should not be present when empty", k)
		}
	}
}

func TestForRequest_noRequestContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	if got := ForRequest(context.Background(), logger); got != logger {
		t.Error("ForRequest without a RequestContext should return the base logger")
	}
}

func TestRequestScopedLogger_storesTaggedLogger(t *testing.T) {
	var buf bytes.Buffer
	base := newTestLogger(&buf)

	h := RequestScopedLogger(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		LoggerFrom(r.Context(), zap.NewNop()).Info("in handler")
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/workflow", nil)
	req = req.WithContext(model.WithRequestContext(req.Context(), &model.RequestContext{
		SubjectID: "user-7", CorrelationID: "c-7",
	}))
	h.ServeHTTP(httptest.NewRecorder(), req)

	entry := decodeEntry(t, &buf)
	if entry["user_id"] != "user-7" {
		t.Errorf("user_id = %v, want user-7", entry["user_id"])
	}
}

func TestRedactedJSON_masksOAuthAndUserText(t *testing.T) {
	var buf bytes.Buffer
	body := []byte(`{"error":"invalid_grant","access_token":"abc.def.ghi",` +
		`"details":[{"user_input":"my bonus figures","field":"text"}]}`)

	newTestLogger(&buf).Debug("upstream error body", RedactedJSON("body", body))

	entry := decodeEntry(t, &buf)
	got, ok := entry["body"].(map[string]any)
	if !ok {
		t.Fatalf("body = %v, want an object", entry["body"])
	}
	if got["access_token"] != "[REDACTED]" {
		t.Errorf("access_token = %v, want [REDACTED]", got["access_token"])
	}
	if got["error"] != "invalid_grant" {
		t.Errorf("error = %v, should not be redacted", got["error"])
	}
	detail := got["details"].([]any)[0].(map[string]any)
	if detail["user_input"] != "[REDACTED]" || detail["field"] != "text" {
		t.Errorf("details[0] = %v", detail)
	}
}

func TestRedactedJSON_nonJSONLoggedBySize(t *testing.T) {
	var buf bytes.Buffer
	newTestLogger(&buf).Debug("upstream error body", RedactedJSON("body", []byte("<html>bad gateway</html>")))

	entry := decodeEntry(t, &buf)
	if entry["body_bytes"] != float64(24) {
		t.Errorf("body_bytes = %v, want 24", entry["body_bytes"])
	}
	if _, ok := entry["body"]; ok {
		t.Error("raw body should not be logged")
	}
}

func TestNewLogger_consoleFormat(t *testing.T) {
	logger, err := NewLogger(config.ObservabilityConfig{LogLevel: "debug", LogFormat: "console"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Sync()
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level should be enabled")
	}
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	return entry
}

func TestNewLogger_allLevels(t *testing.T) {
	levels := []string{"debug", "info", "warn", "error"}
	for _, level := range levels {
		t.Run(level, func(t *testing.T) {
			cfg := config.ObservabilityConfig{LogLevel: level}
			logger, err := NewLogger(cfg)
			if err != nil {
				t.Fatalf("NewLogger(%q) error = %v", level, err)
			}
			defer logger.Sync()

			expected, _ := zapcore.ParseLevel(level)
			if !logger.Core().Enabled(expected) {
				t.Errorf("level %q should be enabled", level)
			}
		})
	}
}
