// Package linkedin connects a user's LinkedIn account through the OAuth2
// authorization-code flow and publishes posts on their behalf.
package linkedin

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/postcraft/internal/config"
	"github.com/pitabwire/postcraft/model"
)

// Token refresh outcome labels.
const (
	RefreshSuccess = "success"
	RefreshFailure = "failure"
)

// Recorder receives token refresh metrics.
type Recorder interface {
	RecordTokenRefresh(status string)
}

type nopRecorder struct{}

func (nopRecorder) RecordTokenRefresh(string) {}

// OAuth runs the authorization-code flow and hands out fresh access tokens.
type OAuth struct {
	cfg           *oauth2.Config
	tokens        TokenStore
	states        *cache.Cache
	stateTTL      time.Duration
	refreshWindow time.Duration
	httpClient    *http.Client
	logger        *zap.Logger
	rec           Recorder
	group         singleflight.Group
	now           func() time.Time
}

// OAuthOptions carries the optional collaborators of an OAuth.
type OAuthOptions struct {
	// HTTPClient is used for token endpoint calls.
	HTTPClient *http.Client
	Logger     *zap.Logger
	Recorder   Recorder
}

// NewOAuth builds the flow from config. The client id and secret are read
// from the environment variables the config names.
func NewOAuth(cfg config.LinkedInConfig, tokens TokenStore, opts OAuthOptions) *OAuth {
	o := &OAuth{
		cfg: &oauth2.Config{
			ClientID:     config.Env(cfg.ClientIDEnv),
			ClientSecret: config.Env(cfg.ClientSecretEnv),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		tokens:        tokens,
		stateTTL:      cfg.StateTTL,
		refreshWindow: cfg.RefreshWindow,
		httpClient:    opts.HTTPClient,
		logger:        opts.Logger,
		rec:           opts.Recorder,
		now:           func() time.Time { return time.Now().UTC() },
	}
	if o.stateTTL <= 0 {
		o.stateTTL = 10 * time.Minute
	}
	if o.refreshWindow <= 0 {
		o.refreshWindow = 5 * time.Minute
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.rec == nil {
		o.rec = nopRecorder{}
	}
	o.states = cache.New(o.stateTTL, o.stateTTL)
	return o
}

// AuthorizeURL returns the consent URL for userID and the state nonce bound
// to it. The nonce is valid once, until the state TTL elapses.
func (o *OAuth) AuthorizeURL(userID string) (string, string, error) {
	state, err := newState()
	if err != nil {
		return "", "", fmt.Errorf("linkedin: generate state: %w", err)
	}
	o.states.Set(state, userID, o.stateTTL)
	return o.cfg.AuthCodeURL(state), state, nil
}

// Exchange consumes state, trades code for a token and stores it. It
// returns the user the state was issued to.
func (o *OAuth) Exchange(ctx context.Context, state, code string) (string, *oauth2.Token, error) {
	v, ok := o.states.Get(state)
	o.states.Delete(state)
	if !ok || state == "" {
		return "", nil, model.NewAuthFailureError("authorization state is missing or expired")
	}
	userID := v.(string)
	if code == "" {
		return "", nil, model.NewAuthFailureError("authorization code is missing")
	}

	tok, err := o.cfg.Exchange(o.clientContext(ctx), code)
	if err != nil {
		return "", nil, model.NewAuthFailureError("linkedin rejected the authorization code").WithCause(err)
	}
	if err := o.tokens.Save(ctx, fromOAuth(userID, tok, o.now())); err != nil {
		return "", nil, model.NewPersistenceFailureError("could not store linkedin token").WithCause(err)
	}
	o.logger.Info("linkedin: account connected", zap.String("user_id", userID))
	return userID, tok, nil
}

// Token returns a valid access token for userID, refreshing it when it
// expires within the refresh window. Concurrent refreshes for one user
// share a single token endpoint call, which outlives any one caller's
// cancellation.
func (o *OAuth) Token(ctx context.Context, userID string) (*oauth2.Token, error) {
	shared := context.WithoutCancel(ctx)
	ch := o.group.DoChan(userID, func() (any, error) {
		return o.token(shared, userID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	}
}

// Disconnect forgets the stored token.
func (o *OAuth) Disconnect(ctx context.Context, userID string) error {
	return o.tokens.Delete(ctx, userID)
}

// Connected reports whether a token is stored for userID.
func (o *OAuth) Connected(ctx context.Context, userID string) bool {
	_, err := o.tokens.Get(ctx, userID)
	return err == nil
}

func (o *OAuth) token(ctx context.Context, userID string) (*oauth2.Token, error) {
	stored, err := o.tokens.Get(ctx, userID)
	if model.HasCode(err, model.ErrNotFound) {
		return nil, model.NewAuthFailureError("linkedin account is not connected")
	}
	if err != nil {
		return nil, model.NewPersistenceFailureError("could not load linkedin token").WithCause(err)
	}

	current := toOAuth(stored)
	// An empty access token forces the inner source to hit the token endpoint.
	refresher := o.cfg.TokenSource(o.clientContext(ctx), &oauth2.Token{RefreshToken: current.RefreshToken})
	src := oauth2.ReuseTokenSourceWithExpiry(current, refresher, o.refreshWindow)

	tok, err := src.Token()
	if err != nil {
		o.rec.RecordTokenRefresh(RefreshFailure)
		o.logger.Warn("linkedin: token refresh failed", zap.String("user_id", userID), zap.Error(err))
		return nil, model.NewAuthFailureError("linkedin session expired, reconnect your account").WithCause(err)
	}
	if tok.AccessToken == current.AccessToken {
		return tok, nil
	}

	o.rec.RecordTokenRefresh(RefreshSuccess)
	if err := o.tokens.Save(ctx, fromOAuth(userID, tok, o.now())); err != nil {
		// The refreshed token is still usable for this call.
		o.logger.Warn("linkedin: refreshed token not stored", zap.String("user_id", userID), zap.Error(err))
	}
	return tok, nil
}

func (o *OAuth) clientContext(ctx context.Context) context.Context {
	if o.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
}

func newState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
