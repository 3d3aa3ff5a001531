package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"board-api/domain"
)

type backend interface {
	FetchBoard(ctx context.Context, userID string) ([]domain.Column, []domain.Card, error)
	ApplyOps(ctx context.Context, userID string, ops []domain.PersistOp) error
	InsertCard(ctx context.Context, userID string, c domain.Card) error
	DeleteCard(ctx context.Context, userID, cardID string) error
	InsertColumn(ctx context.Context, userID string, col domain.Column) error
	DeleteColumn(ctx context.Context, userID, columnID string, cardIDs []string) error
	RenameColumn(ctx context.Context, userID, columnID, title string) error
	PublishBoardChanged(ctx context.Context, userID, reason string) error
}

type boardSnapshot struct {
	Columns []domain.Column `json:"columns"`
	Cards   []domain.Card   `json:"cards"`
}

// Cache wraps a Storage instance with Redis-backed caching of the board
// snapshot. Every write path evicts the user's snapshot; Redis failures fall
// back to the backing storage without failing the request.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis client
// and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) FetchBoard(ctx context.Context, userID string) ([]domain.Column, []domain.Card, error) {
	if snap, ok := c.loadSnapshot(ctx, userID); ok {
		return snap.Columns, snap.Cards, nil
	}

	columns, cards, err := c.base.FetchBoard(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	c.storeSnapshot(ctx, userID, boardSnapshot{Columns: columns, Cards: cards})
	return columns, cards, nil
}

func (c *Cache) ApplyOps(ctx context.Context, userID string, ops []domain.PersistOp) error {
	if err := c.base.ApplyOps(ctx, userID, ops); err != nil {
		return err
	}
	c.evict(ctx, userID)
	return nil
}

func (c *Cache) InsertCard(ctx context.Context, userID string, card domain.Card) error {
	if err := c.base.InsertCard(ctx, userID, card); err != nil {
		return err
	}
	c.evict(ctx, userID)
	return nil
}

func (c *Cache) DeleteCard(ctx context.Context, userID, cardID string) error {
	if err := c.base.DeleteCard(ctx, userID, cardID); err != nil {
		return err
	}
	c.evict(ctx, userID)
	return nil
}

func (c *Cache) InsertColumn(ctx context.Context, userID string, col domain.Column) error {
	if err := c.base.InsertColumn(ctx, userID, col); err != nil {
		return err
	}
	c.evict(ctx, userID)
	return nil
}

func (c *Cache) DeleteColumn(ctx context.Context, userID, columnID string, cardIDs []string) error {
	if err := c.base.DeleteColumn(ctx, userID, columnID, cardIDs); err != nil {
		return err
	}
	c.evict(ctx, userID)
	return nil
}

func (c *Cache) RenameColumn(ctx context.Context, userID, columnID, title string) error {
	if err := c.base.RenameColumn(ctx, userID, columnID, title); err != nil {
		return err
	}
	c.evict(ctx, userID)
	return nil
}

func (c *Cache) PublishBoardChanged(ctx context.Context, userID, reason string) error {
	return c.base.PublishBoardChanged(ctx, userID, reason)
}

func (c *Cache) loadSnapshot(ctx context.Context, userID string) (boardSnapshot, bool) {
	if c.redis == nil {
		return boardSnapshot{}, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, boardCacheKey(userID)).Err()
		}
		return boardSnapshot{}, false
	}
	var snap boardSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(userID)).Err()
		return boardSnapshot{}, false
	}
	return snap, true
}

func (c *Cache) storeSnapshot(ctx context.Context, userID string, snap boardSnapshot) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardCacheKey(userID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, boardCacheKey(userID)).Result()
}

func boardCacheKey(userID string) string {
	return "board:" + userID
}
