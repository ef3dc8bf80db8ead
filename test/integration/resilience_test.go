package integration

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/postcraft/internal/config"
	"github.com/pitabwire/postcraft/internal/ideation"
	"github.com/pitabwire/postcraft/model"
)

func ideate(h *TestHarness, token, message string) *http.Response {
	return h.POST("/api/ideation/messages", map[string]any{"message": message}, token)
}

// ==========================================================================
// Circuit Breaker Tests
// ==========================================================================

func TestResilience_CircuitBreakerTripsOnConsecutiveFailures(t *testing.T) {
	h := NewTestHarness(t,
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		}),
	)
	token := h.GenerateToken(AnalystClaims())

	h.Marcus.ResetOperation(OpMarcusStart)
	h.Marcus.OnOperation(OpMarcusStart).
		RespondWith(http.StatusServiceUnavailable, map[string]any{"message": "n8n is restarting"})

	for range 3 {
		h.AssertError(t, ideate(h, token, "rates"), http.StatusBadGateway, model.ErrExternalServiceError)
	}
	callsBefore := h.Marcus.Count(OpMarcusStart)

	// Next request should fail immediately without hitting the webhook.
	env := h.AssertError(t, ideate(h, token, "rates"), http.StatusBadGateway, model.ErrBackendUnavailable)
	if !env.Retryable {
		t.Error("BACKEND_UNAVAILABLE should be retryable")
	}
	if callsAfter := h.Marcus.Count(OpMarcusStart); callsAfter != callsBefore {
		t.Errorf("webhook received %d additional calls after circuit opened, want 0", callsAfter-callsBefore)
	}

	// The LinkedIn breaker is independent.
	h.ConnectLinkedIn(AnalystClaims().SubjectID)
	h.AssertStatus(t, h.GET("/api/linkedin/profile", token), http.StatusOK)

	body := string(h.ReadBody(h.GET("/metrics", "")))
	if !strings.Contains(body, `postcraft_backend_circuit_breaker_state{service_id="ideation"} 2`) {
		t.Errorf("breaker gauge not reported as open:\n%s", body)
	}
}

func TestResilience_CircuitBreakerRecoveryAfterTimeout(t *testing.T) {
	h := NewTestHarness(t,
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          1 * time.Second,
		}),
	)
	token := h.GenerateToken(AnalystClaims())

	h.Marcus.ResetOperation(OpMarcusStart)
	h.Marcus.OnOperation(OpMarcusStart).RespondWith(http.StatusBadGateway, map[string]any{"message": "fail"})
	for range 2 {
		ideate(h, token, "rates")
	}
	h.AssertError(t, ideate(h, token, "rates"), http.StatusBadGateway, model.ErrBackendUnavailable)

	// Wait for the breaker to go half-open.
	time.Sleep(1500 * time.Millisecond)

	h.Marcus.ResetOperation(OpMarcusStart)
	h.Marcus.OnOperation(OpMarcusStart).RespondWith(http.StatusOK, []model.IdeationAnswer{{
		ResponseType: "question", Question: "Which angle?",
	}})

	h.AssertStatus(t, ideate(h, token, "rates"), http.StatusOK)
	h.AssertStatus(t, ideate(h, token, "rates again"), http.StatusOK)
	h.Marcus.AssertCalled(t, OpMarcusStart, 2)
}

func TestResilience_CircuitBreakerFailedProbeReopens(t *testing.T) {
	h := NewTestHarness(t,
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          1 * time.Second,
		}),
	)
	token := h.GenerateToken(AnalystClaims())

	h.Marcus.ResetOperation(OpMarcusStart)
	h.Marcus.OnOperation(OpMarcusStart).RespondWith(http.StatusInternalServerError, map[string]any{})
	for range 2 {
		ideate(h, token, "rates")
	}

	time.Sleep(1500 * time.Millisecond)

	// The half-open probe fails and the breaker opens again.
	h.AssertError(t, ideate(h, token, "rates"), http.StatusBadGateway, model.ErrExternalServiceError)
	calls := h.Marcus.Count(OpMarcusStart)
	h.AssertError(t, ideate(h, token, "rates"), http.StatusBadGateway, model.ErrBackendUnavailable)
	if h.Marcus.Count(OpMarcusStart) != calls {
		t.Error("reopened breaker let a request through")
	}
}

func TestResilience_4xxDoesNotTripCircuitBreaker(t *testing.T) {
	h := NewTestHarness(t,
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		}),
	)
	claims := AnalystClaims()
	token := h.GenerateToken(claims)
	h.ConnectLinkedIn(claims.SubjectID)

	h.LinkedIn.ResetOperation(OpLinkedInUser)
	h.LinkedIn.OnOperation(OpLinkedInUser).RespondWith(http.StatusForbidden, map[string]any{
		"message": "Not enough permissions to access: userinfo.GET.NO_VERSION",
	})

	for range 4 {
		h.AssertError(t, h.GET("/api/linkedin/profile", token), http.StatusBadGateway, model.ErrExternalServiceError)
	}
	h.LinkedIn.AssertCalled(t, OpLinkedInUser, 4)
}

// ==========================================================================
// Retry Tests
// ==========================================================================

func fastRetry() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:       3,
		BackoffInitial:    10 * time.Millisecond,
		BackoffMultiplier: 1,
		BackoffMax:        10 * time.Millisecond,
		IdempotentOnly:    true,
	}
}

func TestResilience_GETRequestRetriedOn502(t *testing.T) {
	h := NewTestHarness(t, WithRetry(fastRetry()))
	claims := AnalystClaims()
	token := h.GenerateToken(claims)
	h.ConnectLinkedIn(claims.SubjectID)

	h.LinkedIn.ResetOperation(OpLinkedInUser)
	h.LinkedIn.OnOperation(OpLinkedInUser).
		RespondWith(http.StatusBadGateway, map[string]any{}).
		RespondWith(http.StatusBadGateway, map[string]any{}).
		RespondWith(http.StatusOK, map[string]any{"sub": "li-member-1", "name": "Ada Analyst"})

	var p model.SocialProfile
	h.AssertJSON(t, h.GET("/api/linkedin/profile", token), http.StatusOK, &p)
	if p.ID != "li-member-1" {
		t.Errorf("profile = %+v", p)
	}
	h.LinkedIn.AssertCalled(t, OpLinkedInUser, 3)
}

func TestResilience_POSTNotRetriedWhenIdempotentOnly(t *testing.T) {
	h := NewTestHarness(t, WithRetry(fastRetry()))
	token := h.GenerateToken(AnalystClaims())

	h.Marcus.ResetOperation(OpMarcusStart)
	h.Marcus.OnOperation(OpMarcusStart).RespondWith(http.StatusBadGateway, map[string]any{})

	h.AssertError(t, ideate(h, token, "rates"), http.StatusBadGateway, model.ErrExternalServiceError)
	h.Marcus.AssertCalled(t, OpMarcusStart, 1)
}

func TestResilience_PublishNotRetried(t *testing.T) {
	h := NewTestHarness(t, WithRetry(fastRetry()))
	claims := AnalystClaims()
	token := h.GenerateToken(claims)
	h.ConnectLinkedIn(claims.SubjectID)

	h.LinkedIn.ResetOperation(OpLinkedInPost)
	h.LinkedIn.OnOperation(OpLinkedInPost).RespondWith(http.StatusServiceUnavailable, map[string]any{})

	var draft model.Content
	h.AssertJSON(t, h.POST("/api/contents", map[string]any{"body": "flaky"}, token), http.StatusCreated, &draft)
	h.AssertError(t, h.POSTWithHeaders("/api/contents/"+draft.ID+"/publish", map[string]any{}, token,
		map[string]string{"X-Idempotency-Key": "flaky-1"}), http.StatusBadGateway, model.ErrExternalServiceError)
	h.LinkedIn.AssertCalled(t, OpLinkedInPost, 1)

	// Failures are not cached, so the same key can try again.
	h.LinkedIn.ResetOperation(OpLinkedInPost)
	h.LinkedIn.OnOperation(OpLinkedInPost).RespondWithHeaders(http.StatusCreated, map[string]any{},
		func(hdr http.Header) { hdr.Set("X-RestLi-Id", "urn:li:share:7002") })
	h.AssertStatus(t, h.POSTWithHeaders("/api/contents/"+draft.ID+"/publish", map[string]any{}, token,
		map[string]string{"X-Idempotency-Key": "flaky-1"}), http.StatusOK)
}

// ==========================================================================
// Ideation polling
// ==========================================================================

func TestResilience_IdeationPollTimeout(t *testing.T) {
	h := NewTestHarness(t, WithPollAttempts(3))
	token := h.GenerateToken(AnalystClaims())

	h.Marcus.ResetOperation(OpMarcusStart)
	h.Marcus.OnOperation(OpMarcusStart).RespondWith(http.StatusOK, Acknowledgement())

	env := h.AssertError(t, ideate(h, token, "rates"), http.StatusGatewayTimeout, model.ErrIdeationTimeout)
	if !env.Retryable {
		t.Error("IDEATION_TIMEOUT should be retryable")
	}
	h.Marcus.AssertCalled(t, OpMarcusResults, 3)
}

func TestResilience_IdeationPollSurvivesTransientFailure(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AnalystClaims())

	h.Marcus.ResetOperation(OpMarcusStart)
	h.Marcus.OnOperation(OpMarcusStart).RespondWith(http.StatusOK, Acknowledgement())
	h.Marcus.ResetOperation(OpMarcusResults)
	h.Marcus.OnOperation(OpMarcusResults).
		RespondWithConnectionError().
		RespondWith(http.StatusOK, FinalPoll(IdeaAnswer()))

	var reply ideation.Reply
	h.AssertJSON(t, ideate(h, token, "rates"), http.StatusOK, &reply)
	if reply.Step != ideation.StepDone || reply.Ideation == nil {
		t.Errorf("reply = %+v", reply)
	}
	h.Marcus.AssertCalled(t, OpMarcusResults, 2)
}

func TestResilience_IdeationMalformedAnswer(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AnalystClaims())

	h.Marcus.ResetOperation(OpMarcusStart)
	h.Marcus.OnOperation(OpMarcusStart).RespondWith(http.StatusOK, map[string]any{"unexpected": true})

	h.AssertError(t, ideate(h, token, "rates"), http.StatusBadGateway, model.ErrExternalServiceError)
}

// ==========================================================================
// LinkedIn failures
// ==========================================================================

func TestResilience_LinkedInRejectsToken(t *testing.T) {
	h := NewTestHarness(t)
	claims := AnalystClaims()
	token := h.GenerateToken(claims)
	h.ConnectLinkedIn(claims.SubjectID)

	h.LinkedIn.ResetOperation(OpLinkedInUser)
	h.LinkedIn.OnOperation(OpLinkedInUser).RespondWith(http.StatusUnauthorized, map[string]any{
		"serviceErrorCode": 65600, "message": "Invalid access token",
	})

	h.AssertError(t, h.GET("/api/linkedin/profile", token), http.StatusUnauthorized, model.ErrAuthFailure)
}

func TestResilience_LinkedInConnectionError(t *testing.T) {
	h := NewTestHarness(t)
	claims := AnalystClaims()
	token := h.GenerateToken(claims)
	h.ConnectLinkedIn(claims.SubjectID)

	h.LinkedIn.ResetOperation(OpLinkedInSocial)
	h.LinkedIn.OnOperation(OpLinkedInSocial).RespondWithConnectionError()

	h.AssertError(t, h.GET("/api/linkedin/posts/urn:li:share:7001/metrics", token),
		http.StatusBadGateway, model.ErrBackendUnavailable)
}

func TestResilience_LinkedInMetrics(t *testing.T) {
	h := NewTestHarness(t)
	claims := AnalystClaims()
	token := h.GenerateToken(claims)
	h.ConnectLinkedIn(claims.SubjectID)

	var m model.PostMetrics
	h.AssertJSON(t, h.GET("/api/linkedin/posts/urn:li:share:7001/metrics", token), http.StatusOK, &m)
	if m.Likes != 42 || m.Comments != 5 || m.PostID != "urn:li:share:7001" {
		t.Errorf("metrics = %+v", m)
	}
	req := h.LinkedIn.LastRequest(OpLinkedInSocial)
	if req.Headers.Get("X-Restli-Protocol-Version") != "2.0.0" {
		t.Errorf("protocol header = %q", req.Headers.Get("X-Restli-Protocol-Version"))
	}
}

// ==========================================================================
// Timeout Tests
// ==========================================================================

func TestResilience_BackendTimeout_504(t *testing.T) {
	h := NewTestHarness(t,
		WithServiceTimeout(200*time.Millisecond),
		WithHandlerTimeout(3*time.Second),
	)
	claims := AnalystClaims()
	token := h.GenerateToken(claims)
	h.ConnectLinkedIn(claims.SubjectID)

	h.LinkedIn.ResetOperation(OpLinkedInUser)
	h.LinkedIn.OnOperation(OpLinkedInUser).
		RespondWithDelay(time.Second, http.StatusOK, map[string]any{"sub": "li-member-1"})

	env := h.AssertError(t, h.GET("/api/linkedin/profile", token), http.StatusGatewayTimeout, model.ErrNetworkTimeout)
	if !env.Retryable {
		t.Error("NETWORK_TIMEOUT should be retryable")
	}
}

func TestResilience_HandlerTimeout_TerminatesSlowRequest(t *testing.T) {
	h := NewTestHarness(t, WithHandlerTimeout(300*time.Millisecond))
	token := h.GenerateToken(AnalystClaims())

	h.Marcus.ResetOperation(OpMarcusStart)
	h.Marcus.OnOperation(OpMarcusStart).RespondWithDelay(2*time.Second, http.StatusOK, Acknowledgement())

	start := time.Now()
	resp := ideate(h, token, "rates")
	if resp.StatusCode == http.StatusOK {
		t.Error("expected timeout error, got 200 OK")
	}
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Errorf("request took %v, handler timeout did not apply", elapsed)
	}
}

func TestResilience_FastBackend_NoTimeout(t *testing.T) {
	h := NewTestHarness(t,
		WithServiceTimeout(5*time.Second),
		WithHandlerTimeout(10*time.Second),
	)
	token := h.GenerateToken(AnalystClaims())

	h.AssertStatus(t, ideate(h, token, "rates"), http.StatusOK)
}
