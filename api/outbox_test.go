package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"board-api/domain"
)

// stubStore satisfies Storage with overridable apply/publish behavior.
type stubStore struct {
	mu         sync.Mutex
	applied    [][]domain.PersistOp
	published  []string
	applyHook  func(call int) error
	applyCalls int
}

func (s *stubStore) FetchBoard(context.Context, string) ([]domain.Column, []domain.Card, error) {
	return nil, nil, nil
}

func (s *stubStore) ApplyOps(_ context.Context, _ string, ops []domain.PersistOp) error {
	s.mu.Lock()
	s.applyCalls++
	call := s.applyCalls
	hook := s.applyHook
	s.mu.Unlock()

	// The hook runs unlocked so a blocking hook cannot wedge concurrent
	// readers of the stub's counters.
	if hook != nil {
		if err := hook(call); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, ops)
	return nil
}

func (s *stubStore) InsertCard(context.Context, string, domain.Card) error        { return nil }
func (s *stubStore) DeleteCard(context.Context, string, string) error             { return nil }
func (s *stubStore) InsertColumn(context.Context, string, domain.Column) error    { return nil }
func (s *stubStore) DeleteColumn(context.Context, string, string, []string) error { return nil }
func (s *stubStore) RenameColumn(context.Context, string, string, string) error   { return nil }

func (s *stubStore) PublishBoardChanged(_ context.Context, _ string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, reason)
	return nil
}

func (s *stubStore) appliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

func (s *stubStore) publishedReasons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.published...)
}

func testOutboxConfig(dir string) outboxConfig {
	return outboxConfig{
		bufferSize:     16,
		workerCount:    1,
		batchSize:      4,
		flushInterval:  time.Millisecond,
		applyTimeout:   time.Second,
		handoffTimeout: 50 * time.Millisecond,
		retryInitial:   5 * time.Millisecond,
		retryMax:       50 * time.Millisecond,
		journalDir:     dir,
		segmentSize:    1 << 20,
		syncEvery:      1,
	}
}

func newTestOutbox(t *testing.T, store Storage, cfg outboxConfig) *persistOutbox {
	t.Helper()
	logger, _ := test.NewNullLogger()
	j, pending, err := openJournal(journalConfig{
		dir:          cfg.journalDir,
		segmentBytes: cfg.segmentSize,
		syncEvery:    cfg.syncEvery,
		logger:       logger,
	})
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	ob := newPersistOutbox(cfg, store, logger, j, pending)
	ob.start()
	t.Cleanup(ob.shutdown)
	return ob
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func testPersistJob(userID string) persistJob {
	return persistJob{
		userID: userID,
		ops: []domain.PersistOp{
			domain.ColumnOrderOp{ColumnID: "todo", CardIDs: []string{"c", "a", "b"}},
		},
	}
}

func TestOutboxDeliversOps(t *testing.T) {
	store := &stubStore{}
	ob := newTestOutbox(t, store, testOutboxConfig(t.TempDir()))

	if err := ob.enqueue(testPersistJob("alice")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return store.appliedCount() == 1 }, "ops never applied")
	store.mu.Lock()
	ops := store.applied[0]
	store.mu.Unlock()
	op, ok := ops[0].(domain.ColumnOrderOp)
	if !ok || op.ColumnID != "todo" {
		t.Fatalf("unexpected applied ops: %#v", ops)
	}

	waitFor(t, 2*time.Second, func() bool {
		reasons := store.publishedReasons()
		return len(reasons) == 1 && reasons[0] == "drag"
	}, "board-changed never published")

	waitFor(t, 2*time.Second, func() bool { return ob.stats().QueueDepth == 0 }, "queue never drained")
	if got := ob.stats().Delivered; got != 1 {
		t.Fatalf("expected 1 delivered, got %d", got)
	}
}

func TestOutboxRetriesFailedApply(t *testing.T) {
	store := &stubStore{
		applyHook: func(call int) error {
			if call <= 2 {
				return errors.New("transient")
			}
			return nil
		},
	}
	ob := newTestOutbox(t, store, testOutboxConfig(t.TempDir()))

	if err := ob.enqueue(testPersistJob("alice")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return store.appliedCount() == 1 }, "retry never succeeded")
	store.mu.Lock()
	calls := store.applyCalls
	store.mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 apply attempts, got %d", calls)
	}
}

func TestOutboxRecoversJournaledWork(t *testing.T) {
	dir := t.TempDir()

	j, _, err := openJournal(testJournalConfig(dir))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	appendTestRecord(t, j, "alice")
	if err := j.close(); err != nil {
		t.Fatalf("close journal: %v", err)
	}

	store := &stubStore{}
	ob := newTestOutbox(t, store, testOutboxConfig(dir))

	waitFor(t, 2*time.Second, func() bool { return store.appliedCount() == 1 }, "journaled work never redelivered")
	waitFor(t, 2*time.Second, func() bool { return ob.stats().QueueDepth == 0 }, "queue never drained")
}

func TestOutboxEnqueueWithoutOpsIsNoop(t *testing.T) {
	store := &stubStore{}
	ob := newTestOutbox(t, store, testOutboxConfig(t.TempDir()))

	if err := ob.enqueue(persistJob{userID: "alice"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if store.appliedCount() != 0 {
		t.Fatalf("expected no applies, got %d", store.appliedCount())
	}
	if ob.stats().QueueDepth != 0 {
		t.Fatalf("expected empty queue, got %d", ob.stats().QueueDepth)
	}
}

func TestOutboxSaturationRejectsAndRollsBack(t *testing.T) {
	release := make(chan struct{})
	store := &stubStore{
		applyHook: func(int) error {
			<-release
			return nil
		},
	}
	cfg := testOutboxConfig(t.TempDir())
	cfg.bufferSize = 1
	cfg.handoffTimeout = 20 * time.Millisecond
	ob := newTestOutbox(t, store, cfg)
	t.Cleanup(func() { close(release) })

	// First job occupies the worker, second fills the buffer.
	if err := ob.enqueue(testPersistJob("a")); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.applyCalls >= 1
	}, "worker never picked up the first job")
	if err := ob.enqueue(testPersistJob("b")); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}

	err := ob.enqueue(testPersistJob("c"))
	if !errors.Is(err, errOutboxSaturated) {
		t.Fatalf("expected saturation error, got %v", err)
	}

	// The rejected job must not resurface after the backlog drains.
	ob.mu.Lock()
	depth := len(ob.inflight)
	ob.mu.Unlock()
	if depth != 2 {
		t.Fatalf("rejected job should not stay inflight, depth=%d", depth)
	}
}
