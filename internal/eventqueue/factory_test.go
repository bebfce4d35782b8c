package eventqueue

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/elderdiet/activitysync/internal/storage"
)

func TestBuildFromDSNMemory(t *testing.T) {
	queue, err := BuildFromDSN("memory://", 7)
	if err != nil {
		t.Fatalf("build memory queue failed: %v", err)
	}
	if queue.Capacity() != 7 {
		t.Fatalf("expected capacity 7, got %d", queue.Capacity())
	}
}

func TestBuildFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	queue, err := BuildFromDSN("file://"+path, 9)
	if err != nil {
		t.Fatalf("build file queue failed: %v", err)
	}
	if queue.Capacity() != 9 {
		t.Fatalf("expected capacity 9, got %d", queue.Capacity())
	}
}

func TestBuildFromDSNSQLitePersistsAcrossReopen(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "outbox.db")
	queue, err := BuildFromDSN(dsn, 16)
	if err != nil {
		t.Fatalf("build sqlite queue failed: %v", err)
	}
	first, err := queue.Append(testEvent("s1", 1))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := queue.Append(testEvent("s1", 2)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := queue.Ack(first.Ordinal); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := BuildFromDSN(dsn, 16)
	if err != nil {
		t.Fatalf("reopen sqlite queue failed: %v", err)
	}
	items := reopened.Peek(0)
	if len(items) != 1 || items[0].Event.Sequence != 2 {
		t.Fatalf("expected only the unacknowledged event to survive, got %+v", items)
	}
	if err := reopened.Ack(items[0].Ordinal); err != nil {
		t.Fatalf("ack after reopen failed: %v", err)
	}
	if err := reopened.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	drained, err := BuildFromDSN(dsn, 16)
	if err != nil {
		t.Fatalf("reopen drained sqlite queue failed: %v", err)
	}
	defer drained.Close()
	if drained.Depth() != 0 || drained.LastSequence("s1") != 2 {
		t.Fatalf("expected empty queue keeping sequence mark 2, got depth=%d mark=%d", drained.Depth(), drained.LastSequence("s1"))
	}
}

func TestBuildFromDSNRejectsUnsupportedScheme(t *testing.T) {
	if _, err := BuildFromDSN("redis://localhost:6379/0", 10); !errors.Is(err, storage.ErrNotImplemented) {
		t.Fatalf("expected not implemented error, got %v", err)
	}
}

func TestRegisterFactory(t *testing.T) {
	RegisterFactory("outboxtestcustom", func(dsn string, capacity int) (Queue, error) {
		return NewInMemoryQueue(capacity), nil
	})
	queue, err := BuildFromDSN("outboxtestcustom://example", 17)
	if err != nil {
		t.Fatalf("build via registered factory failed: %v", err)
	}
	if queue.Capacity() != 17 {
		t.Fatalf("expected capacity 17, got %d", queue.Capacity())
	}
}
