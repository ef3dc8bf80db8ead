package content

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/postcraft/model"
)

// Store persists drafts. Every lookup is scoped by user id, so one user can
// never see another's rows.
type Store interface {
	Insert(ctx context.Context, c model.Content) error
	// Get returns NOT_FOUND when the draft does not exist or is not owned by userID.
	Get(ctx context.Context, userID, id string) (model.Content, error)
	// Put overwrites an existing draft. NOT_FOUND when absent.
	Put(ctx context.Context, c model.Content) error
	// Delete returns NOT_FOUND when absent.
	Delete(ctx context.Context, userID, id string) error
	// List returns the user's drafts, newest first.
	List(ctx context.Context, userID string, f model.ContentFilters) ([]model.Content, error)
}

type key struct{ userID, id string }

// MemoryStore keeps drafts in process.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[key]model.Content
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[key]model.Content)}
}

func clone(c model.Content) model.Content {
	c.Hashtags = append([]string(nil), c.Hashtags...)
	if c.PublishedAt != nil {
		t := *c.PublishedAt
		c.PublishedAt = &t
	}
	return c
}

func (s *MemoryStore) Insert(_ context.Context, c model.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{c.UserID, c.ID}
	if _, ok := s.rows[k]; ok {
		return model.NewConflictError("content already exists")
	}
	s.rows[k] = clone(c)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID, id string) (model.Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.rows[key{userID, id}]
	if !ok {
		return model.Content{}, model.NewNotFoundError("content not found")
	}
	return clone(c), nil
}

func (s *MemoryStore) Put(_ context.Context, c model.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{c.UserID, c.ID}
	if _, ok := s.rows[k]; !ok {
		return model.NewNotFoundError("content not found")
	}
	s.rows[k] = clone(c)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{userID, id}
	if _, ok := s.rows[k]; !ok {
		return model.NewNotFoundError("content not found")
	}
	delete(s.rows, k)
	return nil
}

func (s *MemoryStore) List(_ context.Context, userID string, f model.ContentFilters) ([]model.Content, error) {
	s.mu.RLock()
	out := []model.Content{}
	for k, c := range s.rows {
		if k.userID != userID || (f.Status != "" && c.Status != f.Status) {
			continue
		}
		out = append(out, clone(c))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []model.Content{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

const contentColumns = `id, user_id, title, body, content_type, hashtags, image_url, status,
	linkedin_post_id, created_at, updated_at, published_at`

// PgStore stores drafts in the contents table.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL content store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func scanContent(row pgx.Row) (model.Content, error) {
	var c model.Content
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Body, &c.ContentType, &c.Hashtags, &c.ImageURL,
		&c.Status, &c.LinkedInPostID, &c.CreatedAt, &c.UpdatedAt, &c.PublishedAt)
	return c, err
}

func (s *PgStore) Insert(ctx context.Context, c model.Content) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contents (`+contentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.UserID, c.Title, c.Body, c.ContentType, hashtags(c.Hashtags), c.ImageURL,
		c.Status, c.LinkedInPostID, c.CreatedAt, c.UpdatedAt, c.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert content: %w", err)
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, userID, id string) (model.Content, error) {
	c, err := scanContent(s.pool.QueryRow(ctx,
		`SELECT `+contentColumns+` FROM contents WHERE user_id = $1 AND id = $2`, userID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Content{}, model.NewNotFoundError("content not found")
	}
	if err != nil {
		return model.Content{}, fmt.Errorf("query content: %w", err)
	}
	return c, nil
}

func (s *PgStore) Put(ctx context.Context, c model.Content) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE contents SET
			title = $3, body = $4, content_type = $5, hashtags = $6, image_url = $7,
			status = $8, linkedin_post_id = $9, updated_at = $10, published_at = $11
		WHERE user_id = $1 AND id = $2`,
		c.UserID, c.ID, c.Title, c.Body, c.ContentType, hashtags(c.Hashtags), c.ImageURL,
		c.Status, c.LinkedInPostID, c.UpdatedAt, c.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("update content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError("content not found")
	}
	return nil
}

func (s *PgStore) Delete(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM contents WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return fmt.Errorf("delete content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError("content not found")
	}
	return nil
}

func (s *PgStore) List(ctx context.Context, userID string, f model.ContentFilters) ([]model.Content, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+contentColumns+` FROM contents
		WHERE user_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`,
		userID, f.Status, limit, f.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list contents: %w", err)
	}
	defer rows.Close()

	out := []model.Content{}
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contents: %w", err)
	}
	return out, nil
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// hashtags keeps NULL out of the NOT NULL text[] column.
func hashtags(h []string) []string {
	if h == nil {
		return []string{}
	}
	return h
}
