package linkedin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/oauth2"

	"github.com/pitabwire/postcraft/model"
)

// TokenStore persists OAuth tokens by user id.
type TokenStore interface {
	// Get returns NOT_FOUND when the user never connected.
	Get(ctx context.Context, userID string) (*model.SocialToken, error)
	Save(ctx context.Context, tok *model.SocialToken) error
	// Delete succeeds when nothing is stored.
	Delete(ctx context.Context, userID string) error
}

func toOAuth(t *model.SocialToken) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.Expiry,
	}
}

func fromOAuth(userID string, t *oauth2.Token, now time.Time) *model.SocialToken {
	st := &model.SocialToken{
		UserID:       userID,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.Expiry,
		UpdatedAt:    now,
	}
	if scope, ok := t.Extra("scope").(string); ok {
		st.Scope = scope
	}
	return st
}

// MemoryTokenStore keeps tokens in a map.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]model.SocialToken
}

// NewMemoryTokenStore returns an empty store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]model.SocialToken)}
}

func (s *MemoryTokenStore) Get(_ context.Context, userID string) (*model.SocialToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[userID]
	if !ok {
		return nil, model.NewNotFoundError("linkedin token not found")
	}
	return &t, nil
}

func (s *MemoryTokenStore) Save(_ context.Context, tok *model.SocialToken) error {
	s.mu.Lock()
	s.tokens[tok.UserID] = *tok
	s.mu.Unlock()
	return nil
}

func (s *MemoryTokenStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	delete(s.tokens, userID)
	s.mu.Unlock()
	return nil
}

// PgTokenStore stores tokens in the social_tokens table.
type PgTokenStore struct {
	pool *pgxpool.Pool
}

// NewPgTokenStore creates a PostgreSQL token store.
func NewPgTokenStore(pool *pgxpool.Pool) *PgTokenStore {
	return &PgTokenStore{pool: pool}
}

func (s *PgTokenStore) Get(ctx context.Context, userID string) (*model.SocialToken, error) {
	var t model.SocialToken
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, access_token, refresh_token, token_type, expiry, scope, updated_at
		FROM social_tokens WHERE user_id = $1 AND provider = 'linkedin'`,
		userID,
	).Scan(&t.UserID, &t.AccessToken, &t.RefreshToken, &t.TokenType, &t.Expiry, &t.Scope, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError("linkedin token not found")
	}
	if err != nil {
		return nil, fmt.Errorf("query social token: %w", err)
	}
	return &t, nil
}

func (s *PgTokenStore) Save(ctx context.Context, tok *model.SocialToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO social_tokens (user_id, provider, access_token, refresh_token, token_type, expiry, scope, updated_at)
		VALUES ($1, 'linkedin', $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = COALESCE(NULLIF(EXCLUDED.refresh_token, ''), social_tokens.refresh_token),
			token_type = EXCLUDED.token_type,
			expiry = EXCLUDED.expiry,
			scope = EXCLUDED.scope,
			updated_at = EXCLUDED.updated_at`,
		tok.UserID, tok.AccessToken, tok.RefreshToken, tok.TokenType, tok.Expiry, tok.Scope, tok.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert social token: %w", err)
	}
	return nil
}

func (s *PgTokenStore) Delete(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM social_tokens WHERE user_id = $1 AND provider = 'linkedin'`, userID)
	if err != nil {
		return fmt.Errorf("delete social token: %w", err)
	}
	return nil
}

// HealthCheck pings the pool.
func (s *PgTokenStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
