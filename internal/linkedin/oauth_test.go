package linkedin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/postcraft/internal/config"
	"github.com/pitabwire/postcraft/model"
)

// tokenServer fakes the LinkedIn token endpoint.
type tokenServer struct {
	*httptest.Server
	exchanges atomic.Int32
	refreshes atomic.Int32
	fail      atomic.Bool
	delay     time.Duration
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client-id", r.PostForm.Get("client_id"))
		if ts.fail.Load() {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		time.Sleep(ts.delay)

		var access string
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			n := ts.exchanges.Add(1)
			assert.Equal(t, "good-code", r.PostForm.Get("code"))
			access = fmt.Sprintf("access-%d", n)
		case "refresh_token":
			n := ts.refreshes.Add(1)
			assert.Equal(t, "refresh-1", r.PostForm.Get("refresh_token"))
			access = fmt.Sprintf("refreshed-%d", n)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  access,
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "openid profile w_member_social",
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

type fakeRefreshRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *fakeRefreshRecorder) RecordTokenRefresh(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[status]++
}

func testLinkedInConfig(t *testing.T, tokenURL string) config.LinkedInConfig {
	t.Setenv("TEST_LINKEDIN_CLIENT_ID", "client-id")
	t.Setenv("TEST_LINKEDIN_CLIENT_SECRET", "client-secret")
	return config.LinkedInConfig{
		AuthURL:         "https://www.linkedin.com/oauth/v2/authorization",
		TokenURL:        tokenURL,
		ClientIDEnv:     "TEST_LINKEDIN_CLIENT_ID",
		ClientSecretEnv: "TEST_LINKEDIN_CLIENT_SECRET",
		RedirectURL:     "http://localhost:8080/api/linkedin/callback",
		Scopes:          []string{"openid", "profile", "w_member_social"},
		StateTTL:        time.Minute,
		RefreshWindow:   5 * time.Minute,
	}
}

func TestOAuth_AuthorizeURL(t *testing.T) {
	o := NewOAuth(testLinkedInConfig(t, "http://unused"), NewMemoryTokenStore(), OAuthOptions{})

	raw, state, err := o.AuthorizeURL("user-1")
	require.NoError(t, err)
	require.NotEmpty(t, state)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "www.linkedin.com", u.Host)
	assert.Equal(t, state, q.Get("state"))
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "openid profile w_member_social", q.Get("scope"))

	_, other, _ := o.AuthorizeURL("user-1")
	assert.NotEqual(t, state, other, "states must be unique")
}

func TestOAuth_ExchangeStoresToken(t *testing.T) {
	ts := newTokenServer(t)
	store := NewMemoryTokenStore()
	o := NewOAuth(testLinkedInConfig(t, ts.URL), store, OAuthOptions{})

	_, state, err := o.AuthorizeURL("user-1")
	require.NoError(t, err)

	userID, tok, err := o.Exchange(context.Background(), state, "good-code")
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
	assert.Equal(t, "access-1", tok.AccessToken)

	stored, err := store.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", stored.AccessToken)
	assert.Equal(t, "refresh-1", stored.RefreshToken)
	assert.Equal(t, "openid profile w_member_social", stored.Scope)
	assert.True(t, o.Connected(context.Background(), "user-1"))
}

func TestOAuth_ExchangeStateIsSingleUse(t *testing.T) {
	ts := newTokenServer(t)
	o := NewOAuth(testLinkedInConfig(t, ts.URL), NewMemoryTokenStore(), OAuthOptions{})
	_, state, _ := o.AuthorizeURL("user-1")

	_, _, err := o.Exchange(context.Background(), state, "good-code")
	require.NoError(t, err)

	_, _, err = o.Exchange(context.Background(), state, "good-code")
	assert.True(t, model.HasCode(err, model.ErrAuthFailure), "err = %v", err)
	assert.Equal(t, int32(1), ts.exchanges.Load())
}

func TestOAuth_ExchangeUnknownState(t *testing.T) {
	o := NewOAuth(testLinkedInConfig(t, "http://unused"), NewMemoryTokenStore(), OAuthOptions{})
	_, _, err := o.Exchange(context.Background(), "forged", "good-code")
	assert.True(t, model.HasCode(err, model.ErrAuthFailure))
}

func TestOAuth_ExchangeRejectedCode(t *testing.T) {
	ts := newTokenServer(t)
	ts.fail.Store(true)
	store := NewMemoryTokenStore()
	o := NewOAuth(testLinkedInConfig(t, ts.URL), store, OAuthOptions{})
	_, state, _ := o.AuthorizeURL("user-1")

	_, _, err := o.Exchange(context.Background(), state, "good-code")
	assert.True(t, model.HasCode(err, model.ErrAuthFailure))
	assert.False(t, o.Connected(context.Background(), "user-1"))
}

// --- Token ---

func seedToken(t *testing.T, store TokenStore, expiry time.Time) {
	t.Helper()
	require.NoError(t, store.Save(context.Background(), &model.SocialToken{
		UserID:       "user-1",
		AccessToken:  "stored",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		Expiry:       expiry,
	}))
}

func TestOAuth_TokenNotConnected(t *testing.T) {
	o := NewOAuth(testLinkedInConfig(t, "http://unused"), NewMemoryTokenStore(), OAuthOptions{})
	_, err := o.Token(context.Background(), "nobody")
	assert.True(t, model.HasCode(err, model.ErrAuthFailure))
}

func TestOAuth_TokenStillFreshIsReused(t *testing.T) {
	ts := newTokenServer(t)
	store := NewMemoryTokenStore()
	seedToken(t, store, time.Now().Add(time.Hour))
	o := NewOAuth(testLinkedInConfig(t, ts.URL), store, OAuthOptions{})

	tok, err := o.Token(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "stored", tok.AccessToken)
	assert.Equal(t, int32(0), ts.refreshes.Load())
}

func TestOAuth_TokenNearExpiryIsRefreshedAndSaved(t *testing.T) {
	ts := newTokenServer(t)
	store := NewMemoryTokenStore()
	// Inside the five minute refresh window.
	seedToken(t, store, time.Now().Add(2*time.Minute))
	rec := &fakeRefreshRecorder{}
	o := NewOAuth(testLinkedInConfig(t, ts.URL), store, OAuthOptions{Recorder: rec})

	tok, err := o.Token(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", tok.AccessToken)

	saved, _ := store.Get(context.Background(), "user-1")
	assert.Equal(t, "refreshed-1", saved.AccessToken)
	assert.Equal(t, "refresh-1", saved.RefreshToken)
	assert.Equal(t, 1, rec.counts[RefreshSuccess])
}

func TestOAuth_TokenConcurrentRefreshCollapses(t *testing.T) {
	ts := newTokenServer(t)
	ts.delay = 50 * time.Millisecond
	store := NewMemoryTokenStore()
	seedToken(t, store, time.Now().Add(-time.Minute))
	o := NewOAuth(testLinkedInConfig(t, ts.URL), store, OAuthOptions{})

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := o.Token(context.Background(), "user-1")
			if assert.NoError(t, err) {
				tokens[i] = tok.AccessToken
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ts.refreshes.Load())
	for _, tok := range tokens {
		assert.Equal(t, "refreshed-1", tok)
	}
}

func TestOAuth_TokenCancelledCallerDoesNotFailOthers(t *testing.T) {
	ts := newTokenServer(t)
	ts.delay = 100 * time.Millisecond
	store := NewMemoryTokenStore()
	seedToken(t, store, time.Now().Add(-time.Minute))
	o := NewOAuth(testLinkedInConfig(t, ts.URL), store, OAuthOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := o.Token(ctx, "user-1")
		firstErr <- err
	}()
	time.Sleep(10 * time.Millisecond)

	secondTok := make(chan string, 1)
	go func() {
		tok, err := o.Token(context.Background(), "user-1")
		if assert.NoError(t, err) {
			secondTok <- tok.AccessToken
		} else {
			secondTok <- ""
		}
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-firstErr, context.Canceled)
	assert.Equal(t, "refreshed-1", <-secondTok)
	assert.Equal(t, int32(1), ts.refreshes.Load())
}

func TestOAuth_TokenRefreshFailureIsAuthFailure(t *testing.T) {
	ts := newTokenServer(t)
	ts.fail.Store(true)
	store := NewMemoryTokenStore()
	seedToken(t, store, time.Now().Add(-time.Minute))
	core, logs := observer.New(zap.WarnLevel)
	rec := &fakeRefreshRecorder{}
	o := NewOAuth(testLinkedInConfig(t, ts.URL), store, OAuthOptions{Logger: zap.New(core), Recorder: rec})

	_, err := o.Token(context.Background(), "user-1")
	assert.True(t, model.HasCode(err, model.ErrAuthFailure), "err = %v", err)
	assert.Equal(t, 1, logs.FilterMessage("linkedin: token refresh failed").Len())
	assert.Equal(t, 1, rec.counts[RefreshFailure])
}

func TestOAuth_Disconnect(t *testing.T) {
	store := NewMemoryTokenStore()
	seedToken(t, store, time.Now().Add(time.Hour))
	o := NewOAuth(testLinkedInConfig(t, "http://unused"), store, OAuthOptions{})

	require.NoError(t, o.Disconnect(context.Background(), "user-1"))
	assert.False(t, o.Connected(context.Background(), "user-1"))
	assert.NoError(t, o.Disconnect(context.Background(), "user-1"))
}
