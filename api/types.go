package api

import (
	"context"

	"board-api/domain"
)

// Storage abstracts persistence for handlers and the persist outbox.
type Storage interface {
	FetchBoard(ctx context.Context, userID string) ([]domain.Column, []domain.Card, error)
	ApplyOps(ctx context.Context, userID string, ops []domain.PersistOp) error
	InsertCard(ctx context.Context, userID string, c domain.Card) error
	DeleteCard(ctx context.Context, userID, cardID string) error
	InsertColumn(ctx context.Context, userID string, col domain.Column) error
	DeleteColumn(ctx context.Context, userID, columnID string, cardIDs []string) error
	RenameColumn(ctx context.Context, userID, columnID, title string) error
	PublishBoardChanged(ctx context.Context, userID, reason string) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents reprocessing of drag gestures that were retried by the
// client.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// AddMany records the keys in one round trip and reports which were new.
	AddMany(ctx context.Context, userID string, keys []string) ([]bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, userID, key string) error
}
