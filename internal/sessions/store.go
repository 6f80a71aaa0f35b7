// Package sessions persists design conversations and arbitrates access to
// them: a relational store for metadata, turns, and checkpoints; a
// per-session write lock; and a manager that layers workspace lifecycle
// and per-transport current-session tracking on top.
package sessions

import (
	"context"

	"github.com/fabworks/rtlagent/pkg/models"
)

// Store is the persistence interface for sessions, turns, and checkpoints.
type Store interface {
	// Create inserts a new session row.
	Create(ctx context.Context, session *models.Session) error

	// Get returns the session or a SessionNotFound error.
	Get(ctx context.Context, id string) (*models.Session, error)

	// List returns all sessions ordered by creation time, newest first.
	List(ctx context.Context) ([]*models.Session, error)

	// Delete removes the session and everything keyed to it.
	Delete(ctx context.Context, id string) error

	// Touch bumps the session's updated_at.
	Touch(ctx context.Context, id string) error

	// AppendTurns appends turns in order within a single transaction,
	// assigning strictly increasing sequence numbers. Either every turn
	// commits or none does.
	AppendTurns(ctx context.Context, sessionID string, turns []*models.Turn) error

	// History returns the most recent turns in chronological order.
	// limit <= 0 means all.
	History(ctx context.Context, sessionID string, limit int) ([]*models.Turn, error)

	// RecordUsage adds delta to the session's running totals.
	RecordUsage(ctx context.Context, sessionID string, delta models.Usage) error

	// CommitTurn appends turns and applies the usage delta in one
	// transaction: history and token counters never disagree after a
	// crash.
	CommitTurn(ctx context.Context, sessionID string, turns []*models.Turn, delta models.Usage) error

	// SaveCheckpoint upserts the provider-conversation blob for
	// (sessionID, transport).
	SaveCheckpoint(ctx context.Context, sessionID string, transport models.TransportTag, blob []byte) error

	// LoadCheckpoint returns the stored blob, or nil when absent.
	LoadCheckpoint(ctx context.Context, sessionID string, transport models.TransportTag) ([]byte, error)

	// Close releases the underlying resources.
	Close() error
}
