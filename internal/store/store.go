// Package store defines the session ledger and its SQLite implementation.
package store

import (
	"context"

	"github.com/xiaot623/gogo/bridge/internal/domain"
)

// Store is the durable ledger of sessions the bridge has served. It outlives
// bridges so that publish results and patches survive eviction.
type Store interface {
	// Session operations
	UpsertSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, key string) (*domain.Session, error)
	ListSessions(ctx context.Context, limit int) ([]domain.Session, error)
	UpdateSessionState(ctx context.Context, key string, state domain.SessionState) error
	DeleteSession(ctx context.Context, key string) error

	// Publish operations
	SavePublishResult(ctx context.Context, key string, result *domain.PublishResult) (bool, error)
	ListPublishResults(ctx context.Context, key string) ([]domain.PublishResult, error)

	// Change set operations
	SaveChangeSet(ctx context.Context, key string, cs *domain.ChangeSet) error
	GetChangeSet(ctx context.Context, key string) (*domain.ChangeSet, error)

	// Lifecycle
	Close() error
}
