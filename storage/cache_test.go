package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"board-api/domain"
)

type stubBackend struct {
	fetchBoardFn   func(ctx context.Context, userID string) ([]domain.Column, []domain.Card, error)
	applyOpsFn     func(ctx context.Context, userID string, ops []domain.PersistOp) error
	insertCardFn   func(ctx context.Context, userID string, c domain.Card) error
	deleteCardFn   func(ctx context.Context, userID, cardID string) error
	insertColumnFn func(ctx context.Context, userID string, col domain.Column) error
	deleteColumnFn func(ctx context.Context, userID, columnID string, cardIDs []string) error
	renameColumnFn func(ctx context.Context, userID, columnID, title string) error
	publishFn      func(ctx context.Context, userID, reason string) error
}

func (s *stubBackend) FetchBoard(ctx context.Context, userID string) ([]domain.Column, []domain.Card, error) {
	if s.fetchBoardFn == nil {
		return nil, nil, errors.New("unexpected FetchBoard call")
	}
	return s.fetchBoardFn(ctx, userID)
}

func (s *stubBackend) ApplyOps(ctx context.Context, userID string, ops []domain.PersistOp) error {
	if s.applyOpsFn == nil {
		return errors.New("unexpected ApplyOps call")
	}
	return s.applyOpsFn(ctx, userID, ops)
}

func (s *stubBackend) InsertCard(ctx context.Context, userID string, c domain.Card) error {
	if s.insertCardFn == nil {
		return errors.New("unexpected InsertCard call")
	}
	return s.insertCardFn(ctx, userID, c)
}

func (s *stubBackend) DeleteCard(ctx context.Context, userID, cardID string) error {
	if s.deleteCardFn == nil {
		return errors.New("unexpected DeleteCard call")
	}
	return s.deleteCardFn(ctx, userID, cardID)
}

func (s *stubBackend) InsertColumn(ctx context.Context, userID string, col domain.Column) error {
	if s.insertColumnFn == nil {
		return errors.New("unexpected InsertColumn call")
	}
	return s.insertColumnFn(ctx, userID, col)
}

func (s *stubBackend) DeleteColumn(ctx context.Context, userID, columnID string, cardIDs []string) error {
	if s.deleteColumnFn == nil {
		return errors.New("unexpected DeleteColumn call")
	}
	return s.deleteColumnFn(ctx, userID, columnID, cardIDs)
}

func (s *stubBackend) RenameColumn(ctx context.Context, userID, columnID, title string) error {
	if s.renameColumnFn == nil {
		return errors.New("unexpected RenameColumn call")
	}
	return s.renameColumnFn(ctx, userID, columnID, title)
}

func (s *stubBackend) PublishBoardChanged(ctx context.Context, userID, reason string) error {
	if s.publishFn == nil {
		return errors.New("unexpected PublishBoardChanged call")
	}
	return s.publishFn(ctx, userID, reason)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCacheFetchBoardMissThenHit(t *testing.T) {
	mr, client := newTestRedis(t)

	ctx := context.Background()
	userID := "user-1"
	wantColumns := []domain.Column{{ID: "todo", Order: 0, Title: "To do"}}
	wantCards := []domain.Card{{ID: "a", ColumnID: "todo", Position: 0, Title: "A"}}

	var calls int
	cache := NewCache(&stubBackend{
		fetchBoardFn: func(ctx context.Context, uid string) ([]domain.Column, []domain.Card, error) {
			calls++
			if uid != userID {
				t.Fatalf("unexpected user id: %s", uid)
			}
			return append([]domain.Column(nil), wantColumns...), append([]domain.Card(nil), wantCards...), nil
		},
	}, client, time.Minute)

	columns, cards, err := cache.FetchBoard(ctx, userID)
	if err != nil {
		t.Fatalf("fetch board: %v", err)
	}
	if !reflect.DeepEqual(columns, wantColumns) || !reflect.DeepEqual(cards, wantCards) {
		t.Fatalf("unexpected board: %#v %#v", columns, cards)
	}
	if calls != 1 {
		t.Fatalf("expected 1 backend call, got %d", calls)
	}
	if ttl := mr.TTL(boardCacheKey(userID)); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	columns, cards, err = cache.FetchBoard(ctx, userID)
	if err != nil {
		t.Fatalf("fetch cached board: %v", err)
	}
	if !reflect.DeepEqual(columns, wantColumns) || !reflect.DeepEqual(cards, wantCards) {
		t.Fatalf("unexpected cached board: %#v %#v", columns, cards)
	}
	if calls != 1 {
		t.Fatalf("expected cached fetch to avoid backend, calls=%d", calls)
	}
}

func TestCacheWritesEvictSnapshot(t *testing.T) {
	mr, client := newTestRedis(t)

	ctx := context.Background()
	userID := "evict-user"

	seed := func() {
		t.Helper()
		if err := client.Set(ctx, boardCacheKey(userID), []byte(`{"columns":[],"cards":[]}`), time.Hour).Err(); err != nil {
			t.Fatalf("seed cache: %v", err)
		}
	}

	cache := NewCache(&stubBackend{
		applyOpsFn:     func(context.Context, string, []domain.PersistOp) error { return nil },
		insertCardFn:   func(context.Context, string, domain.Card) error { return nil },
		deleteCardFn:   func(context.Context, string, string) error { return nil },
		insertColumnFn: func(context.Context, string, domain.Column) error { return nil },
		deleteColumnFn: func(context.Context, string, string, []string) error { return nil },
		renameColumnFn: func(context.Context, string, string, string) error { return nil },
	}, client, time.Minute)

	writes := []struct {
		name string
		fn   func() error
	}{
		{"ApplyOps", func() error {
			return cache.ApplyOps(ctx, userID, []domain.PersistOp{domain.ColumnOrderOp{ColumnID: "todo", CardIDs: []string{"a"}}})
		}},
		{"InsertCard", func() error { return cache.InsertCard(ctx, userID, domain.Card{ID: "a"}) }},
		{"DeleteCard", func() error { return cache.DeleteCard(ctx, userID, "a") }},
		{"InsertColumn", func() error { return cache.InsertColumn(ctx, userID, domain.Column{ID: "todo"}) }},
		{"DeleteColumn", func() error { return cache.DeleteColumn(ctx, userID, "todo", nil) }},
		{"RenameColumn", func() error { return cache.RenameColumn(ctx, userID, "todo", "X") }},
	}
	for _, w := range writes {
		seed()
		if err := w.fn(); err != nil {
			t.Fatalf("%s: %v", w.name, err)
		}
		if mr.Exists(boardCacheKey(userID)) {
			t.Fatalf("%s should evict the snapshot", w.name)
		}
	}
}

func TestCacheWriteErrorPreservesSnapshot(t *testing.T) {
	mr, client := newTestRedis(t)

	ctx := context.Background()
	userID := "error-user"
	if err := client.Set(ctx, boardCacheKey(userID), []byte(`{"columns":[],"cards":[]}`), time.Hour).Err(); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	cache := NewCache(&stubBackend{
		applyOpsFn: func(context.Context, string, []domain.PersistOp) error { return errors.New("boom") },
	}, client, time.Minute)

	if err := cache.ApplyOps(ctx, userID, nil); err == nil {
		t.Fatal("expected apply error")
	}
	if !mr.Exists(boardCacheKey(userID)) {
		t.Fatal("snapshot should remain when the write fails")
	}
}

func TestCacheFallsBackOnCorruptSnapshot(t *testing.T) {
	_, client := newTestRedis(t)

	ctx := context.Background()
	userID := "corrupt-user"
	if err := client.Set(ctx, boardCacheKey(userID), []byte("not json"), time.Hour).Err(); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	var calls int
	cache := NewCache(&stubBackend{
		fetchBoardFn: func(context.Context, string) ([]domain.Column, []domain.Card, error) {
			calls++
			return []domain.Column{{ID: "todo"}}, nil, nil
		},
	}, client, time.Minute)

	columns, _, err := cache.FetchBoard(ctx, userID)
	if err != nil {
		t.Fatalf("fetch board: %v", err)
	}
	if calls != 1 || len(columns) != 1 {
		t.Fatalf("expected fallback to backend, calls=%d columns=%#v", calls, columns)
	}
}

func TestCacheFallsBackWhenRedisDown(t *testing.T) {
	mr, client := newTestRedis(t)
	mr.Close()

	var calls int
	cache := NewCache(&stubBackend{
		fetchBoardFn: func(context.Context, string) ([]domain.Column, []domain.Card, error) {
			calls++
			return []domain.Column{{ID: "todo"}}, nil, nil
		},
	}, client, time.Minute)

	columns, _, err := cache.FetchBoard(context.Background(), "user")
	if err != nil {
		t.Fatalf("fetch board: %v", err)
	}
	if calls != 1 || len(columns) != 1 {
		t.Fatalf("expected backend fetch despite redis being down, calls=%d", calls)
	}
}

func TestCachePublishPassesThrough(t *testing.T) {
	_, client := newTestRedis(t)

	var got string
	cache := NewCache(&stubBackend{
		publishFn: func(_ context.Context, _ string, reason string) error {
			got = reason
			return nil
		},
	}, client, time.Minute)

	if err := cache.PublishBoardChanged(context.Background(), "user", "drag"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got != "drag" {
		t.Fatalf("unexpected reason: %q", got)
	}
}
