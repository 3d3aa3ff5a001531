package api

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"board-api/domain"
)

func testJournalConfig(dir string) journalConfig {
	logger, _ := test.NewNullLogger()
	return journalConfig{
		dir:          dir,
		segmentBytes: 1 << 20,
		syncEvery:    1,
		logger:       logger,
	}
}

func encodedTestOps(t *testing.T) []byte {
	t.Helper()
	data, err := domain.EncodeOps([]domain.PersistOp{
		domain.ColumnOrderOp{ColumnID: "todo", CardIDs: []string{"c", "a", "b"}},
	})
	if err != nil {
		t.Fatalf("encode ops: %v", err)
	}
	return data
}

func appendTestRecord(t *testing.T, j *journal, userID string) *persistRecord {
	t.Helper()
	rec := &persistRecord{UserID: userID, Ops: encodedTestOps(t), Timestamp: time.Now().UTC()}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.appendRecordLocked(rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.syncLocked(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	return rec
}

func TestJournalAppendReplayCommit(t *testing.T) {
	dir := t.TempDir()
	cfg := testJournalConfig(dir)

	j, pending, err := openJournal(cfg)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("fresh journal should have no pending records: %#v", pending)
	}
	appendTestRecord(t, j, "alice")
	appendTestRecord(t, j, "bob")
	if err := j.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	j2, pending, err := openJournal(cfg)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending records, got %d", len(pending))
	}
	if pending[0].Offset != 1 || pending[1].Offset != 2 {
		t.Fatalf("unexpected offsets: %d %d", pending[0].Offset, pending[1].Offset)
	}
	if pending[0].UserID != "alice" || pending[1].UserID != "bob" {
		t.Fatalf("unexpected users: %s %s", pending[0].UserID, pending[1].UserID)
	}
	ops, err := domain.DecodeOps(pending[0].Ops)
	if err != nil {
		t.Fatalf("decode replayed ops: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("unexpected ops: %#v", ops)
	}

	j2.mu.Lock()
	if err := j2.commitLocked(2); err != nil {
		j2.mu.Unlock()
		t.Fatalf("commit: %v", err)
	}
	j2.mu.Unlock()
	if err := j2.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	j3, pending, err := openJournal(cfg)
	if err != nil {
		t.Fatalf("reopen after commit: %v", err)
	}
	defer j3.close()
	if len(pending) != 0 {
		t.Fatalf("committed records must not be redelivered: %#v", pending)
	}
}

func TestJournalRollbackRemovesLastRecord(t *testing.T) {
	dir := t.TempDir()
	cfg := testJournalConfig(dir)

	j, _, err := openJournal(cfg)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	rec := appendTestRecord(t, j, "alice")

	j.mu.Lock()
	if err := j.rollbackRecordLocked(rec); err != nil {
		j.mu.Unlock()
		t.Fatalf("rollback: %v", err)
	}
	if err := j.syncLocked(); err != nil {
		j.mu.Unlock()
		t.Fatalf("sync: %v", err)
	}
	j.mu.Unlock()

	next := appendTestRecord(t, j, "bob")
	if next.Offset != rec.Offset {
		t.Fatalf("rolled back offset should be reused, got %d want %d", next.Offset, rec.Offset)
	}
	if err := j.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	j2, pending, err := openJournal(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.close()
	if len(pending) != 1 || pending[0].UserID != "bob" {
		t.Fatalf("expected only the re-appended record, got %#v", pending)
	}
}

func TestJournalTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	cfg := testJournalConfig(dir)

	j, _, err := openJournal(cfg)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	appendTestRecord(t, j, "alice")
	if err := j.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	segments, err := filepath.Glob(filepath.Join(dir, "segment-*.wal"))
	if err != nil || len(segments) == 0 {
		t.Fatalf("expected a segment file: %v", err)
	}
	f, err := os.OpenFile(segments[len(segments)-1], os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	if _, err := f.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}); err != nil {
		t.Fatalf("write torn tail: %v", err)
	}
	f.Close()

	j2, pending, err := openJournal(cfg)
	if err != nil {
		t.Fatalf("reopen with torn tail: %v", err)
	}
	defer j2.close()
	if len(pending) != 1 || pending[0].UserID != "alice" {
		t.Fatalf("expected the intact record to survive, got %#v", pending)
	}
}

func TestJournalPrunesDeliveredSegments(t *testing.T) {
	dir := t.TempDir()
	cfg := testJournalConfig(dir)
	// One record per segment so a commit can retire whole files.
	cfg.segmentBytes = 1

	j, _, err := openJournal(cfg)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	appendTestRecord(t, j, "alice")
	appendTestRecord(t, j, "bob")

	segments, _ := filepath.Glob(filepath.Join(dir, "segment-*.wal"))
	if len(segments) < 2 {
		t.Fatalf("expected segment rotation, got %d segments", len(segments))
	}

	j.mu.Lock()
	if err := j.commitLocked(2); err != nil {
		j.mu.Unlock()
		t.Fatalf("commit: %v", err)
	}
	j.mu.Unlock()

	segments, _ = filepath.Glob(filepath.Join(dir, "segment-*.wal"))
	if len(segments) != 1 {
		t.Fatalf("expected delivered segments to be pruned, got %d", len(segments))
	}
	if err := j.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
