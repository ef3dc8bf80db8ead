package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/postcraft/model"
)

// Store persists calendar entries.
type Store interface {
	Create(ctx context.Context, e model.ScheduleEntry) error
	// Get returns NOT_FOUND when absent or owned by another user.
	Get(ctx context.Context, userID, id string) (model.ScheduleEntry, error)
	ListByUser(ctx context.Context, userID string) ([]model.ScheduleEntry, error)
	ListByContent(ctx context.Context, userID, contentID string) ([]model.ScheduleEntry, error)
	// Due returns pending entries across all users whose instant is at or
	// before cutoff, oldest first.
	Due(ctx context.Context, cutoff time.Time, limit int) ([]model.ScheduleEntry, error)
	UpdateStatus(ctx context.Context, id, status, errMsg string) error
}

// MemoryStore keeps entries in process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]model.ScheduleEntry
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]model.ScheduleEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, e model.ScheduleEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; ok {
		return model.NewConflictError("schedule entry already exists")
	}
	s.entries[e.ID] = e
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID, id string) (model.ScheduleEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok || e.UserID != userID {
		return model.ScheduleEntry{}, model.NewNotFoundError("schedule entry not found")
	}
	return e, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]model.ScheduleEntry, error) {
	return s.filter(func(e model.ScheduleEntry) bool { return e.UserID == userID }), nil
}

func (s *MemoryStore) ListByContent(_ context.Context, userID, contentID string) ([]model.ScheduleEntry, error) {
	return s.filter(func(e model.ScheduleEntry) bool {
		return e.UserID == userID && e.ContentID == contentID
	}), nil
}

func (s *MemoryStore) Due(_ context.Context, cutoff time.Time, limit int) ([]model.ScheduleEntry, error) {
	out := s.filter(func(e model.ScheduleEntry) bool {
		if e.Status != model.ScheduleStatusPending {
			return false
		}
		at, err := e.At()
		return err == nil && !at.After(cutoff)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return model.NewNotFoundError("schedule entry not found")
	}
	e.Status = status
	e.Error = errMsg
	e.UpdatedAt = s.now()
	s.entries[id] = e
	return nil
}

// filter returns matching entries in chronological order.
func (s *MemoryStore) filter(keep func(model.ScheduleEntry) bool) []model.ScheduleEntry {
	s.mu.RLock()
	out := []model.ScheduleEntry{}
	for _, e := range s.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ai, _ := out[i].At()
		aj, _ := out[j].At()
		if ai.Equal(aj) {
			return out[i].ID < out[j].ID
		}
		return ai.Before(aj)
	})
	return out
}

const scheduleColumns = `id, user_id, content_id, scheduled_date, scheduled_time, timezone,
	status, error, created_at, updated_at`

// PgStore stores entries in the schedules table. The resolved UTC instant
// is kept in scheduled_at for the due query.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL schedule store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func scanEntry(row pgx.Row) (model.ScheduleEntry, error) {
	var e model.ScheduleEntry
	err := row.Scan(&e.ID, &e.UserID, &e.ContentID, &e.Date, &e.Time, &e.Timezone,
		&e.Status, &e.Error, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func (s *PgStore) Create(ctx context.Context, e model.ScheduleEntry) error {
	at, err := e.At()
	if err != nil {
		return fmt.Errorf("resolve schedule instant: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.UserID, e.ContentID, e.Date, e.Time, e.Timezone,
		e.Status, e.Error, e.CreatedAt, e.UpdatedAt, at,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, userID, id string) (model.ScheduleEntry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE user_id = $1 AND id = $2`, userID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ScheduleEntry{}, model.NewNotFoundError("schedule entry not found")
	}
	if err != nil {
		return model.ScheduleEntry{}, fmt.Errorf("query schedule: %w", err)
	}
	return e, nil
}

func (s *PgStore) ListByUser(ctx context.Context, userID string) ([]model.ScheduleEntry, error) {
	return s.query(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE user_id = $1 ORDER BY scheduled_at, id`, userID)
}

func (s *PgStore) ListByContent(ctx context.Context, userID, contentID string) ([]model.ScheduleEntry, error) {
	return s.query(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE user_id = $1 AND content_id = $2 ORDER BY scheduled_at, id`, userID, contentID)
}

func (s *PgStore) Due(ctx context.Context, cutoff time.Time, limit int) ([]model.ScheduleEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY scheduled_at, id LIMIT $2`, cutoff, limit)
}

func (s *PgStore) UpdateStatus(ctx context.Context, id, status, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET status = $2, error = $3, updated_at = now() WHERE id = $1`,
		id, status, errMsg)
	if err != nil {
		return fmt.Errorf("update schedule status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError("schedule entry not found")
	}
	return nil
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) query(ctx context.Context, sql string, args ...any) ([]model.ScheduleEntry, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	out := []model.ScheduleEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}
