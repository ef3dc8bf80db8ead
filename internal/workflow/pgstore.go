package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/postcraft/model"
)

// PgStateStore is a PostgreSQL-backed StateStore using pgx/v5. Records live
// in the workflow_sessions table, one row per user.
type PgStateStore struct {
	pool *pgxpool.Pool
}

// NewPgStateStore creates a new PostgreSQL state store.
func NewPgStateStore(pool *pgxpool.Pool) *PgStateStore {
	return &PgStateStore{pool: pool}
}

// Load returns the stored state document for userID.
func (s *PgStateStore) Load(ctx context.Context, userID string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT state FROM workflow_sessions WHERE user_id = $1`,
		userID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("workflow state for %q not found", userID),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query workflow session: %w", err)
	}
	return data, nil
}

// Save upserts the state document for userID.
func (s *PgStateStore) Save(ctx context.Context, userID string, data []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_sessions (user_id, state, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`,
		userID, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert workflow session: %w", err)
	}
	return nil
}

// Delete removes the row for userID. Zero affected rows is not an error.
func (s *PgStateStore) Delete(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM workflow_sessions WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete workflow session: %w", err)
	}
	return nil
}

// HealthCheck pings the pool.
func (s *PgStateStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
