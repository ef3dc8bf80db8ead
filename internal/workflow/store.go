package workflow

import (
	"context"
)

// StateStore persists one serialized WorkflowState per user.
type StateStore interface {
	// Load returns the raw record for userID. Returns NOT_FOUND when no
	// record exists.
	Load(ctx context.Context, userID string) ([]byte, error)

	// Save upserts the record for userID.
	Save(ctx context.Context, userID string, data []byte) error

	// Delete removes the record for userID. Deleting a missing record is
	// not an error.
	Delete(ctx context.Context, userID string) error
}
