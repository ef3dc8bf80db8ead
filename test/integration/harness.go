// Package integration provides a reusable test harness for end-to-end
// testing of the postcraft server. It starts the full HTTP stack with mock
// Marcus and LinkedIn backends, in-memory stores, a miniredis instance and a
// test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/postcraft/internal/backend"
	"github.com/pitabwire/postcraft/internal/config"
	"github.com/pitabwire/postcraft/internal/content"
	"github.com/pitabwire/postcraft/internal/ideation"
	"github.com/pitabwire/postcraft/internal/imagegen"
	"github.com/pitabwire/postcraft/internal/linkedin"
	"github.com/pitabwire/postcraft/internal/observability"
	"github.com/pitabwire/postcraft/internal/profile"
	"github.com/pitabwire/postcraft/internal/publish"
	"github.com/pitabwire/postcraft/internal/schedule"
	"github.com/pitabwire/postcraft/internal/transport"
	"github.com/pitabwire/postcraft/internal/workflow"
	"github.com/pitabwire/postcraft/model"
)

// TestHarness encapsulates a fully wired postcraft instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	Marcus   *MockBackend
	LinkedIn *MockBackend
	Redis    *miniredis.Miniredis

	// Internal components exposed for advanced test scenarios.
	Sessions   *workflow.Sessions
	Schedules  *schedule.MemoryStore
	Tokens     *linkedin.MemoryTokenStore
	Dispatcher *publish.Dispatcher
	Registry   *prometheus.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	redis          *miniredis.Miniredis
	redisWorkflow  bool
	handlerTimeout time.Duration
	serviceTimeout time.Duration
	pollAttempts   int
	breaker        *config.CircuitBreakerConfig
	retry          *config.RetryConfig
}

// WithRedisWorkflowStore persists workflow sessions to Redis instead of
// memory.
func WithRedisWorkflowStore() HarnessOption {
	return func(c *harnessConfig) {
		c.redisWorkflow = true
	}
}

// WithSharedRedis reuses mr, so a second harness sees the first one's
// persisted state.
func WithSharedRedis(mr *miniredis.Miniredis) HarnessOption {
	return func(c *harnessConfig) {
		c.redis = mr
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithServiceTimeout sets the outbound timeout of both backends.
func WithServiceTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.serviceTimeout = d
	}
}

// WithPollAttempts caps how many times an ideation result is polled.
func WithPollAttempts(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.pollAttempts = n
	}
}

// WithCircuitBreaker sets the circuit breaker of both backends.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = &cb
	}
}

// WithRetry sets the retry policy of both backends.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.retry = &r
	}
}

// NewTestHarness creates and starts a full postcraft test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hcfg := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		pollAttempts:   5,
	}
	for _, opt := range opts {
		opt(hcfg)
	}

	issuer := newTokenIssuer(t)
	mr := hcfg.redis
	if mr == nil {
		mr = miniredis.RunT(t)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hcfg.handlerTimeout
	cfg.Identity.Issuer = issuer.Issuer()
	cfg.Identity.Audience = issuer.Audience()
	cfg.Identity.JWKSURL = issuer.JWKSURL()
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.postcraft.test"}
	cfg.Ideation.PollInterval = 10 * time.Millisecond
	cfg.Ideation.MaxAttempts = hcfg.pollAttempts
	for _, svc := range []*config.ServiceConfig{&cfg.Ideation.Service, &cfg.LinkedIn.Service} {
		svc.RateLimit = 0
		svc.Retry.MaxAttempts = 1
		if hcfg.retry != nil {
			svc.Retry = *hcfg.retry
		}
		if hcfg.breaker != nil {
			svc.CircuitBreaker = *hcfg.breaker
		}
		if hcfg.serviceTimeout > 0 {
			svc.Timeout = hcfg.serviceTimeout
		}
	}

	marcus := newMockBackend(t, "ideation", MarcusRoutes(cfg.Ideation.WebhookPath, cfg.Ideation.ResultsPath))
	marcus.OnOperation(OpMarcusStart).RespondWith(http.StatusOK, []model.IdeationAnswer{{
		ResponseType: "question",
		Question:     "What angle would you like to take?",
	}})
	marcus.OnOperation(OpMarcusResults).RespondWith(http.StatusOK, StatusPoll())

	li := newMockBackend(t, "linkedin", LinkedInRoutes())
	li.OnOperation(OpLinkedInUser).RespondWith(http.StatusOK, map[string]any{
		"sub": "li-member-1", "name": "Ada Analyst", "given_name": "Ada", "family_name": "Analyst",
	})
	li.OnOperation(OpLinkedInPost).RespondWithHeaders(http.StatusCreated, map[string]any{},
		func(h http.Header) { h.Set("X-RestLi-Id", "urn:li:share:7001") })
	li.OnOperation(OpLinkedInSocial).RespondWith(http.StatusOK, map[string]any{
		"likesSummary":    map[string]any{"totalLikes": 42},
		"commentsSummary": map[string]any{"aggregatedTotalComments": 5},
	})
	li.OnOperation(OpLinkedInToken).RespondWith(http.StatusOK, map[string]any{
		"access_token": "li-access", "refresh_token": "li-refresh", "token_type": "Bearer", "expires_in": 3600,
	})

	cfg.Ideation.Service.BaseURL = marcus.URL()
	cfg.LinkedIn.Service.BaseURL = li.URL()
	cfg.LinkedIn.TokenURL = li.URL() + "/oauth/v2/accessToken"
	cfg.LinkedIn.RedirectURL = "https://api.postcraft.test/api/linkedin/callback"
	cfg.LinkedIn.SuccessURL = "https://app.postcraft.test/settings"
	t.Setenv("POSTCRAFT_LINKEDIN_CLIENT_ID", "client-id")
	t.Setenv("POSTCRAFT_LINKEDIN_CLIENT_SECRET", "client-secret")

	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)

	var wfStore workflow.StateStore = workflow.NewMemoryStateStore()
	if hcfg.redisWorkflow {
		wfStore = workflow.NewRedisStateStore(rdb, workflow.WithTTL(cfg.Workflow.RedisTTL))
	}
	sessions := workflow.NewSessions(wfStore, cfg.Workflow.SessionIdleTTL, workflow.Options{
		PersistTimeout: cfg.Workflow.PersistTimeout,
		Logger:         logger,
		Recorder:       metrics,
	})

	profiles := profile.NewService(profile.NewMemoryStore(), cfg.Profile.ReadTimeout, logger, metrics)
	contents := content.NewService(content.NewMemoryStore(), logger)
	scheduleStore := schedule.NewMemoryStore()
	schedules := schedule.NewService(scheduleStore, logger)

	ideationClient := ideation.NewClient(backend.New("ideation", cfg.Ideation.Service, backend.WithRecorder(metrics)), cfg.Ideation)
	awaiter := ideation.NewAwaiter(ideationClient, cfg.Ideation, ideation.WithLogger(logger), ideation.WithRecorder(metrics))
	ideas := ideation.NewService(ideationClient, awaiter, ideation.NewTracker(), logger, metrics)

	tokens := linkedin.NewMemoryTokenStore()
	oauth := linkedin.NewOAuth(cfg.LinkedIn, tokens, linkedin.OAuthOptions{Logger: logger, Recorder: metrics})
	linkedinClient := linkedin.NewClient(backend.New("linkedin", cfg.LinkedIn.Service, backend.WithRecorder(metrics)), oauth)

	publisher := publish.NewService(linkedinClient, contents, schedules, sessions, publish.Options{
		Idempotency:    publish.NewRedisIdempotencyStore(rdb),
		IdempotencyTTL: cfg.Publish.IdempotencyTTL,
		Logger:         logger,
		Recorder:       metrics,
	})

	verifier, err := transport.NewVerifier(cfg.Identity, transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL), nil)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(verifier),
		Metrics:      metrics,
		MetricsPage:  observability.HandlerFor(reg),
		Readiness: observability.ReadinessChecks{
			"redis": observability.CheckFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		},
		Sessions:  sessions,
		Profiles:  profiles,
		Contents:  contents,
		Schedules: schedules,
		Publisher: publisher,
		Ideation:  ideas,
		Images:    imagegen.NewMock(imagegen.DefaultPlaceholderBase),
		OAuth:     oauth,
		LinkedIn:  linkedinClient,
	})

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		ideas.Shutdown()
		sessions.CloseAll(context.Background())
	})

	return &TestHarness{
		t:          t,
		server:     server,
		issuer:     issuer,
		Marcus:     marcus,
		LinkedIn:   li,
		Redis:      mr,
		Sessions:   sessions,
		Schedules:  scheduleStore,
		Tokens:     tokens,
		Dispatcher: publish.NewDispatcher(scheduleStore, publisher, logger),
		Registry:   reg,
		cfg:        cfg,
	}
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// ConnectLinkedIn stores a live LinkedIn token for userID, skipping the
// browser consent step.
func (h *TestHarness) ConnectLinkedIn(userID string) {
	h.t.Helper()
	err := h.Tokens.Save(context.Background(), &model.SocialToken{
		UserID:       userID,
		AccessToken:  "li-access",
		RefreshToken: "li-refresh",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
		UpdatedAt:    time.Now(),
	})
	if err != nil {
		h.t.Fatalf("save token: %v", err)
	}
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// PATCH performs an authenticated PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PATCH", path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("DELETE", path, nil, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and error code of an error envelope
// response and returns the envelope.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expectedStatus int, expectedCode string) *model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expectedStatus, &body)
	if body.Error == nil {
		t.Fatalf("response has no error envelope")
	}
	if body.Error.Code != expectedCode {
		t.Errorf("error code = %q, want %q (%s)", body.Error.Code, expectedCode, body.Error.Message)
	}
	return body.Error
}

// --- Default test claims ---

// AnalystClaims returns TestClaims for the primary test user.
func AnalystClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-analyst",
		Email:     "analyst@postcraft.test",
		SessionID: "sess-analyst",
	}
}

// AdvisorClaims returns TestClaims for a second, unrelated user.
func AdvisorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-advisor",
		Email:     "advisor@postcraft.test",
		SessionID: "sess-advisor",
	}
}

// --- Fixtures ---

// StatusPoll is a non-final results poll.
func StatusPoll() []model.IdeationPoll {
	return []model.IdeationPoll{{Success: true, Type: model.IdeationPollStatus}}
}

// FinalPoll wraps answer as a final results poll.
func FinalPoll(answer model.IdeationAnswer) []model.IdeationPoll {
	data, _ := json.Marshal(answer)
	return []model.IdeationPoll{{Success: true, Type: model.IdeationPollFinal, Data: data}}
}

// IdeaAnswer is a complete answer from Marcus.
func IdeaAnswer() model.IdeationAnswer {
	return model.IdeationAnswer{
		ResponseType: "idea",
		Message:      "Here is a post idea for you",
		Topic:        "Rate cuts and bond ladders",
		Angle:        "What a falling rate cycle means for retirees",
		Takeaways:    []string{"Lock in yields", "Stagger maturities"},
	}
}

// Acknowledgement is the webhook's asynchronous accept reply.
func Acknowledgement() []map[string]string {
	return []map[string]string{{"message": model.IdeationAckMessage}}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	return string(data)
}
