package transport

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/postcraft/internal/config"
	"github.com/pitabwire/postcraft/model"
)

// --- public routes ---

func TestNewRouter_health(t *testing.T) {
	ts := newTestAPI(t)
	w := ts.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestNewRouter_ready(t *testing.T) {
	ts := newTestAPI(t)
	w := ts.do(t, http.MethodGet, "/ready", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestNewRouter_metrics(t *testing.T) {
	ts := newTestAPI(t)
	ts.do(t, http.MethodGet, "/health", "", nil)
	w := ts.do(t, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "postcraft_http_requests_total") {
		t.Error("metrics page does not expose the HTTP request counter")
	}
}

func TestNewRouter_authenticatedRoutesRequireToken(t *testing.T) {
	ts := newTestAPI(t)
	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/workflow"},
		{http.MethodPost, "/api/workflow/start"},
		{http.MethodPost, "/api/workflow/create"},
		{http.MethodPost, "/api/workflow/image"},
		{http.MethodPost, "/api/workflow/pipeline"},
		{http.MethodDelete, "/api/workflow"},
		{http.MethodGet, "/api/profile"},
		{http.MethodPatch, "/api/profile"},
		{http.MethodGet, "/api/contents"},
		{http.MethodPost, "/api/contents"},
		{http.MethodGet, "/api/contents/c-1"},
		{http.MethodPatch, "/api/contents/c-1"},
		{http.MethodDelete, "/api/contents/c-1"},
		{http.MethodPost, "/api/contents/c-1/publish"},
		{http.MethodGet, "/api/schedules"},
		{http.MethodPost, "/api/schedules"},
		{http.MethodPost, "/api/ideation/messages"},
		{http.MethodDelete, "/api/ideation/sessions/s-1"},
		{http.MethodPost, "/api/images"},
		{http.MethodGet, "/api/linkedin/authorize"},
		{http.MethodGet, "/api/linkedin/profile"},
		{http.MethodGet, "/api/linkedin/posts/urn:li:share:1/metrics"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			w := ts.do(t, rt.method, rt.path, "", nil)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestNewRouter_unknownRoute(t *testing.T) {
	ts := newTestAPI(t)
	w := ts.do(t, http.MethodGet, "/api/nope", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if env := decodeError(t, w); env.Code != model.ErrNotFound {
		t.Errorf("code = %q", env.Code)
	}
}

// --- middleware ---

func TestRecovery_catchesPanic(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestCORS_preflight(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://app.postcraft.io"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization"},
		MaxAge:         600,
	}
	h := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("preflight reached the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/contents", nil)
	req.Header.Set("Origin", "https://app.postcraft.io")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.postcraft.io" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "600" {
		t.Errorf("Max-Age = %q", got)
	}
}

func TestCORS_disallowedOrigin(t *testing.T) {
	h := CORS(config.CORSConfig{AllowedOrigins: []string{"https://app.postcraft.io"}})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want empty", got)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFrom(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(seen) != 32 || w.Header().Get("X-Correlation-Id") != seen {
		t.Errorf("generated id = %q, header = %q", seen, w.Header().Get("X-Correlation-Id"))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-Id", "from-client")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "from-client" {
		t.Errorf("propagated id = %q", seen)
	}
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	for _, h := range []string{"Strict-Transport-Security", "X-Frame-Options", "Cache-Control"} {
		if w.Header().Get(h) == "" {
			t.Errorf("%s not set", h)
		}
	}
}

func TestBuildRequestContext(t *testing.T) {
	var got *model.RequestContext
	h := BuildRequestContext(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = model.RequestContextFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Timezone", "Europe/London")
	req.Header.Set("Accept-Language", "en-GB")
	req = req.WithContext(WithClaims(req.Context(), map[string]any{
		"sub": "user-7", "email": "u7@example.com", "role": "authenticated", "session_id": "s-7",
	}))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil {
		t.Fatal("no RequestContext")
	}
	if got.SubjectID != "user-7" || got.Email != "u7@example.com" || got.Role != "authenticated" || got.SessionID != "s-7" {
		t.Errorf("claims mapped wrong: %+v", got)
	}
	if got.Timezone != "Europe/London" || got.Locale != "en-GB" {
		t.Errorf("headers mapped wrong: %+v", got)
	}
}

func TestBuildRequestContext_noSubject(t *testing.T) {
	h := BuildRequestContext(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("handler reached without a subject")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHandlerTimeout(t *testing.T) {
	var deadline time.Time
	var ok bool
	h := HandlerTimeout(time.Minute)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !ok || time.Until(deadline) > time.Minute {
		t.Errorf("deadline = %v, ok = %v", deadline, ok)
	}

	HandlerTimeout(0)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, ok = r.Context().Deadline()
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if ok {
		t.Error("zero timeout set a deadline")
	}
}

func TestRequestLogging_capturesStatus(t *testing.T) {
	var buf strings.Builder
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h := RequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/contents", nil)
	req = req.WithContext(context.WithValue(req.Context(), correlationIDKey{}, "corr-9"))
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	if !strings.Contains(out, `"status":418`) || !strings.Contains(out, `"correlation_id":"corr-9"`) {
		t.Errorf("log line = %s", out)
	}
}
