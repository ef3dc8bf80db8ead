package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/postcraft/model"
)

// Store persists one profile row per user.
type Store interface {
	// Get returns NOT_FOUND when the user has no profile yet.
	Get(ctx context.Context, userID string) (model.Profile, error)
	// Create inserts an empty profile. Creating an existing profile returns
	// the stored row.
	Create(ctx context.Context, userID string) (model.Profile, error)
	// Update applies a partial update and returns the result. NOT_FOUND when
	// absent.
	Update(ctx context.Context, userID string, upd model.ProfileUpdate) (model.Profile, error)
}

// MemoryStore keeps profiles in process.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]model.Profile
	now      func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]model.Profile),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (model.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return model.Profile{}, model.NewNotFoundError("profile not found")
	}
	return p, nil
}

func (s *MemoryStore) Create(_ context.Context, userID string) (model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[userID]; ok {
		return p, nil
	}
	now := s.now()
	p := model.DefaultProfile(userID)
	p.Fallback = false
	p.CreatedAt, p.UpdatedAt = now, now
	s.profiles[userID] = p
	return p, nil
}

func (s *MemoryStore) Update(_ context.Context, userID string, upd model.ProfileUpdate) (model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return model.Profile{}, model.NewNotFoundError("profile not found")
	}
	upd.Apply(&p)
	p.UpdatedAt = s.now()
	s.profiles[userID] = p
	return p, nil
}

const profileColumns = `user_id, full_name, role, company, industry, preferred_content_type,
	linkedin_connected, onboarding_completed, created_at, updated_at`

// PgStore stores profiles in the profiles table.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL profile store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func scanProfile(row pgx.Row) (model.Profile, error) {
	var p model.Profile
	err := row.Scan(&p.UserID, &p.FullName, &p.Role, &p.Company, &p.Industry, &p.PreferredContentType,
		&p.LinkedInConnected, &p.OnboardingCompleted, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *PgStore) Get(ctx context.Context, userID string) (model.Profile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Profile{}, model.NewNotFoundError("profile not found")
	}
	if err != nil {
		return model.Profile{}, fmt.Errorf("query profile: %w", err)
	}
	return p, nil
}

func (s *PgStore) Create(ctx context.Context, userID string) (model.Profile, error) {
	// The no-op update makes RETURNING yield the existing row on conflict.
	p, err := scanProfile(s.pool.QueryRow(ctx, `
		INSERT INTO profiles (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING `+profileColumns, userID))
	if err != nil {
		return model.Profile{}, fmt.Errorf("insert profile: %w", err)
	}
	return p, nil
}

func (s *PgStore) Update(ctx context.Context, userID string, upd model.ProfileUpdate) (model.Profile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx, `
		UPDATE profiles SET
			full_name = COALESCE($2, full_name),
			role = COALESCE($3, role),
			company = COALESCE($4, company),
			industry = COALESCE($5, industry),
			preferred_content_type = COALESCE($6, preferred_content_type),
			linkedin_connected = COALESCE($7, linkedin_connected),
			onboarding_completed = COALESCE($8, onboarding_completed),
			updated_at = now()
		WHERE user_id = $1
		RETURNING `+profileColumns,
		userID, upd.FullName, upd.Role, upd.Company, upd.Industry, upd.PreferredContentType,
		upd.LinkedInConnected, upd.OnboardingCompleted,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Profile{}, model.NewNotFoundError("profile not found")
	}
	if err != nil {
		return model.Profile{}, fmt.Errorf("update profile: %w", err)
	}
	return p, nil
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
