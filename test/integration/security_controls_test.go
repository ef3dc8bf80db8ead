package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/postcraft/model"
)

// ==========================================================================
// Authentication Tests
// ==========================================================================

func TestSecurity_NoAuthHeader_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	endpoints := []string{
		"/api/workflow",
		"/api/profile",
		"/api/contents",
		"/api/schedules",
		"/api/linkedin/profile",
		"/api/linkedin/authorize",
	}

	for _, ep := range endpoints {
		t.Run(ep, func(t *testing.T) {
			resp := h.GET(ep, "")
			h.AssertError(t, resp, http.StatusUnauthorized, model.ErrUnauthorized)
		})
	}
}

func TestSecurity_ExpiredJWT_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateExpiredToken(AnalystClaims())

	resp := h.GET("/api/workflow", token)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_InvalidSignature_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	// Generate a token signed with a different RSA key (not in JWKS).
	differentKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":  h.issuer.Issuer(),
		"aud":  h.issuer.Audience(),
		"sub":  "user-1",
		"role": "authenticated",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "test-key-1"
	signed, err := token.SignedString(differentKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	resp := h.GET("/api/workflow", signed)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_WrongAudience_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	claims := AnalystClaims()
	claims.Extra = map[string]any{"aud": "anon"}
	resp := h.GET("/api/workflow", h.GenerateToken(claims))
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_NoneAlgorithm_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	// Header: {"alg":"none","typ":"JWT"}
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(
		`{"sub":"user-analyst","iss":"https://project.supabase.co/auth/v1","aud":"authenticated"}`))
	noneToken := header + "." + payload + "."

	resp := h.GET("/api/workflow", noneToken)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_ValidJWT_Returns200(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AnalystClaims())

	resp := h.GET("/api/workflow", token)
	h.AssertStatus(t, resp, http.StatusOK)
}

func TestSecurity_MalformedToken_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/api/workflow", "not.a.valid.jwt.token")
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_OAuthCallbackIsPublicButStateBound(t *testing.T) {
	h := NewTestHarness(t)

	// No token needed, but a forged state is rejected.
	resp := h.GET("/api/linkedin/callback?code=abc&state=forged", "")
	h.AssertStatus(t, resp, http.StatusFound)
	loc := resp.Header.Get("Location")
	if !strings.Contains(loc, "linkedin=error") {
		t.Errorf("Location = %q", loc)
	}
	h.LinkedIn.AssertNotCalled(t, OpLinkedInToken)
}

// ==========================================================================
// Cross-User Isolation Tests
// ==========================================================================

func TestSecurity_UserIsolation_ContentAndSchedules(t *testing.T) {
	h := NewTestHarness(t)
	owner := h.GenerateToken(AnalystClaims())
	other := h.GenerateToken(AdvisorClaims())

	var draft model.Content
	h.AssertJSON(t, h.POST("/api/contents", map[string]any{"body": "private draft"}, owner),
		http.StatusCreated, &draft)
	var e model.ScheduleEntry
	h.AssertJSON(t, h.POST("/api/schedules", map[string]any{
		"content_id": draft.ID, "date": "2099-02-02", "time": "10:00",
	}, owner), http.StatusCreated, &e)

	h.AssertError(t, h.GET("/api/contents/"+draft.ID, other), http.StatusNotFound, model.ErrNotFound)
	h.AssertError(t, h.PATCH("/api/contents/"+draft.ID, map[string]any{"title": "mine now"}, other),
		http.StatusNotFound, model.ErrNotFound)
	h.AssertError(t, h.DELETE("/api/contents/"+draft.ID, other), http.StatusNotFound, model.ErrNotFound)
	h.AssertError(t, h.DELETE("/api/schedules/"+e.ID, other), http.StatusNotFound, model.ErrNotFound)
	h.AssertError(t, h.POST("/api/schedules", map[string]any{
		"content_id": draft.ID, "date": "2099-02-02", "time": "10:00",
	}, other), http.StatusNotFound, model.ErrNotFound)

	var list struct {
		Data []model.Content `json:"data"`
	}
	h.AssertJSON(t, h.GET("/api/contents", other), http.StatusOK, &list)
	if len(list.Data) != 0 {
		t.Errorf("other user lists %d contents", len(list.Data))
	}
}

func TestSecurity_UserIsolation_IdempotencyKeys(t *testing.T) {
	h := NewTestHarness(t)
	analyst := AnalystClaims()
	advisor := AdvisorClaims()
	h.ConnectLinkedIn(analyst.SubjectID)
	h.ConnectLinkedIn(advisor.SubjectID)
	ownerToken := h.GenerateToken(analyst)
	otherToken := h.GenerateToken(advisor)

	var draft model.Content
	h.AssertJSON(t, h.POST("/api/contents", map[string]any{"body": "published once"}, ownerToken),
		http.StatusCreated, &draft)

	path := "/api/contents/" + draft.ID + "/publish"
	headers := map[string]string{"X-Idempotency-Key": "shared-key"}
	h.AssertStatus(t, h.POSTWithHeaders(path, map[string]any{}, ownerToken, headers), http.StatusOK)

	// The same key from another user must not replay the owner's outcome.
	h.AssertError(t, h.POSTWithHeaders(path, map[string]any{}, otherToken, headers),
		http.StatusNotFound, model.ErrNotFound)
}

func TestSecurity_UserIsolation_Workflow(t *testing.T) {
	h := NewTestHarness(t)
	owner := h.GenerateToken(AnalystClaims())
	other := h.GenerateToken(AdvisorClaims())

	h.AssertStatus(t, h.POST("/api/workflow/start", map[string]any{"initial_topic": "secret"}, owner), http.StatusOK)

	var got workflowBody
	h.AssertJSON(t, h.GET("/api/workflow", other), http.StatusOK, &got)
	if got.State != nil {
		t.Errorf("other user sees workflow: %+v", got.State)
	}
}

func TestSecurity_SubjectFromJWTNotHeader(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AnalystClaims())

	h.AssertStatus(t, h.POST("/api/ideation/messages", map[string]any{"message": "rates"}, token), http.StatusOK)
	h.AssertStatus(t, h.doRequest("POST", "/api/ideation/messages", map[string]any{"message": "rates"}, token,
		map[string]string{"X-User-Id": "user-advisor"}), http.StatusOK)

	for _, req := range h.Marcus.AllRequests(OpMarcusStart) {
		if req.Body["user_id"] != "user-analyst" {
			t.Errorf("webhook user_id = %v, want user-analyst", req.Body["user_id"])
		}
	}
}

// ==========================================================================
// Information Leakage Tests
// ==========================================================================

func TestSecurity_BackendErrorDoesNotLeakDetails(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AnalystClaims())

	h.Marcus.ResetOperation(OpMarcusStart)
	h.Marcus.OnOperation(OpMarcusStart).RespondWithConnectionError()

	resp := h.POST("/api/ideation/messages", map[string]any{"message": "rates"}, token)
	body := string(h.ReadBody(resp))

	sensitivePatterns := []string{
		"goroutine",
		".go:",
		"panic",
		"runtime.",
		"127.0.0.1",
		h.Marcus.URL(),
		"/webhook/marcus",
	}
	for _, pattern := range sensitivePatterns {
		if strings.Contains(body, pattern) {
			t.Errorf("error response contains sensitive pattern %q: %s", pattern, body)
		}
	}
}

// ==========================================================================
// Security Headers Tests
// ==========================================================================

func TestSecurity_HeadersOnAuthenticatedResponse(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AnalystClaims())

	resp := h.GET("/api/profile", token)
	h.AssertStatus(t, resp, http.StatusOK)

	expectedHeaders := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Cache-Control":             "no-store",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
	}
	for name, expected := range expectedHeaders {
		if actual := resp.Header.Get(name); actual != expected {
			t.Errorf("header %s = %q, want %q", name, actual, expected)
		}
	}
}

func TestSecurity_HeadersOnErrorResponse(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/api/profile", "")
	h.AssertStatus(t, resp, http.StatusUnauthorized)

	for _, name := range []string{"Strict-Transport-Security", "X-Content-Type-Options", "X-Frame-Options", "Cache-Control"} {
		if resp.Header.Get(name) == "" {
			t.Errorf("security header %s missing on error response", name)
		}
	}
}

func TestSecurity_CorrelationIDReturned(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AnalystClaims())

	resp1 := h.GET("/api/workflow", token)
	if resp1.Header.Get("X-Correlation-Id") == "" {
		t.Error("X-Correlation-Id not set in response")
	}

	resp2 := h.GETWithHeaders("/api/workflow", token, map[string]string{
		"X-Correlation-Id": "custom-trace-123",
	})
	if got := resp2.Header.Get("X-Correlation-Id"); got != "custom-trace-123" {
		t.Errorf("X-Correlation-Id = %q, want %q", got, "custom-trace-123")
	}
}

func TestSecurity_CorrelationIDForwardedToBackend(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AnalystClaims())

	h.AssertStatus(t, h.doRequest("POST", "/api/ideation/messages", map[string]any{"message": "rates"}, token,
		map[string]string{"X-Correlation-Id": "corr-ideation-1"}), http.StatusOK)

	req := h.Marcus.LastRequest(OpMarcusStart)
	if req == nil {
		t.Fatal("webhook not called")
	}
	if got := req.Headers.Get("X-Correlation-Id"); got != "corr-ideation-1" {
		t.Errorf("forwarded X-Correlation-Id = %q", got)
	}
}

// ==========================================================================
// CORS Tests
// ==========================================================================

func TestSecurity_CORSAllowedOrigin(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GETWithHeaders("/health", "", map[string]string{
		"Origin": "https://app.postcraft.test",
	})
	if resp.Header.Get("Access-Control-Allow-Origin") != "https://app.postcraft.test" {
		t.Error("CORS not set for allowed origin")
	}
}

func TestSecurity_CORSDisallowedOrigin(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GETWithHeaders("/health", "", map[string]string{
		"Origin": "https://evil.example.com",
	})
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers should not be set for disallowed origin")
	}
}
