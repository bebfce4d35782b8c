package eventqueue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testEvent(sessionID string, seq uint64) Entry {
	return EventEntry(Event{
		EventID:         fmt.Sprintf("evt_%s_%d", sessionID, seq),
		SessionID:       sessionID,
		Kind:            KindFeature,
		Name:            "open_recipe",
		Sequence:        seq,
		ClientTimestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
}

func TestFileQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	queue, err := NewFileQueue(path, 8)
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	if _, err := queue.Append(SessionStartEntry(SessionStart{SessionID: "s1", UserID: "u1"})); err != nil {
		t.Fatalf("append session start failed: %v", err)
	}
	if _, err := queue.Append(testEvent("s1", 1)); err != nil {
		t.Fatalf("append event failed: %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewFileQueue(path, 8)
	if err != nil {
		t.Fatalf("reopen file queue failed: %v", err)
	}
	items := reopened.Peek(0)
	if len(items) != 2 {
		t.Fatalf("expected 2 entries after reopen, got %d", len(items))
	}
	if items[0].Op != OpSessionStart || items[1].Op != OpEvent {
		t.Fatalf("expected start then event, got %s then %s", items[0].Op, items[1].Op)
	}
	if items[1].Event.EventID != "evt_s1_1" {
		t.Fatalf("expected evt_s1_1, got %q", items[1].Event.EventID)
	}
	next, err := reopened.Append(testEvent("s1", 2))
	if err != nil {
		t.Fatalf("append after reopen failed: %v", err)
	}
	if next.Ordinal <= items[1].Ordinal {
		t.Fatalf("expected ordinal to keep increasing across reopen, got %d after %d", next.Ordinal, items[1].Ordinal)
	}
}

func TestAckRemovesOnlyAcknowledgedEntries(t *testing.T) {
	queue := NewInMemoryQueue(8)
	var ordinals []uint64
	for i := uint64(1); i <= 3; i++ {
		entry, err := queue.Append(testEvent("s1", i))
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		ordinals = append(ordinals, entry.Ordinal)
	}
	if err := queue.Ack(ordinals[0], ordinals[2]); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	items := queue.Peek(10)
	if len(items) != 1 || items[0].Ordinal != ordinals[1] {
		t.Fatalf("expected only the middle entry to remain, got %+v", items)
	}
	if queue.LastSequence("s1") != 3 {
		t.Fatalf("expected acknowledged sequence 3 to stay the high-water mark, got %d", queue.LastSequence("s1"))
	}
}

func TestAppendEvictsOldestEventBeforeSessionOps(t *testing.T) {
	queue := NewInMemoryQueue(3)
	if _, err := queue.Append(SessionStartEntry(SessionStart{SessionID: "s1"})); err != nil {
		t.Fatalf("append start failed: %v", err)
	}
	for i := uint64(1); i <= 3; i++ {
		if _, err := queue.Append(testEvent("s1", i)); err != nil {
			t.Fatalf("append event %d failed: %v", i, err)
		}
	}
	if queue.Depth() != 3 {
		t.Fatalf("expected depth capped at 3, got %d", queue.Depth())
	}
	if queue.Evicted() != 1 {
		t.Fatalf("expected one eviction, got %d", queue.Evicted())
	}
	items := queue.Peek(0)
	if items[0].Op != OpSessionStart {
		t.Fatalf("expected session start to survive eviction, got %s", items[0].Op)
	}
	if items[1].Event.Sequence != 2 || items[2].Event.Sequence != 3 {
		t.Fatalf("expected events 2 and 3 to remain, got %d and %d", items[1].Event.Sequence, items[2].Event.Sequence)
	}
}

func TestAppendRejectsIncompleteEntries(t *testing.T) {
	queue := NewInMemoryQueue(2)
	if _, err := queue.Append(Entry{Op: OpEvent}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := queue.Append(Entry{Op: "bogus", SessionID: "s1"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown op, got %v", err)
	}
	if queue.Depth() != 0 {
		t.Fatalf("expected empty queue, got depth %d", queue.Depth())
	}
}

type flakyPersister struct {
	failing  bool
	rewrites int
	saved    []Entry
}

func (p *flakyPersister) load() (queueState, error) { return queueState{}, nil }

func (p *flakyPersister) append(entry Entry, _ queueState) error {
	if p.failing {
		return errors.New("disk full")
	}
	p.saved = append(p.saved, entry)
	return nil
}

func (p *flakyPersister) remove(_ []uint64, _ []string, _ queueState) error {
	if p.failing {
		return errors.New("disk full")
	}
	return nil
}

func (p *flakyPersister) rewrite(state queueState) error {
	if p.failing {
		return errors.New("disk full")
	}
	p.rewrites++
	p.saved = append([]Entry(nil), state.entries...)
	return nil
}

func (p *flakyPersister) close() error { return nil }

func TestStorageFailureKeepsEntryAndRetriesOnSync(t *testing.T) {
	store := &flakyPersister{failing: true}
	queue, err := newDurableQueue(store, 4)
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	if _, err := queue.Append(testEvent("s1", 1)); !errors.Is(err, ErrLocalStorage) {
		t.Fatalf("expected local storage error, got %v", err)
	}
	if queue.Depth() != 1 {
		t.Fatalf("expected entry to stay queued in memory, got depth %d", queue.Depth())
	}
	store.failing = false
	if err := queue.Sync(); err != nil {
		t.Fatalf("sync after recovery failed: %v", err)
	}
	if store.rewrites != 1 || len(store.saved) != 1 {
		t.Fatalf("expected one full rewrite with one entry, got rewrites=%d saved=%d", store.rewrites, len(store.saved))
	}
	if err := queue.Sync(); err != nil || store.rewrites != 1 {
		t.Fatalf("expected clean queue to skip rewrite, got err=%v rewrites=%d", err, store.rewrites)
	}
}

func TestFileQueueTrimsOversizedSnapshotOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	queue, err := NewFileQueue(path, 10)
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	for i := uint64(1); i <= 5; i++ {
		if _, err := queue.Append(testEvent("s1", i)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	reopened, err := NewFileQueue(path, 2)
	if err != nil {
		t.Fatalf("reopen with smaller capacity failed: %v", err)
	}
	items := reopened.Peek(0)
	if len(items) != 2 || items[0].Event.Sequence != 4 {
		t.Fatalf("expected newest two entries to survive, got %+v", items)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected snapshot file to exist: %v", err)
	}
}

func TestSequenceMarkSurvivesAckAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	queue, err := NewFileQueue(path, 8)
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	var ordinals []uint64
	for i := uint64(1); i <= 2; i++ {
		entry, err := queue.Append(testEvent("s1", i))
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		ordinals = append(ordinals, entry.Ordinal)
	}
	if err := queue.Ack(ordinals...); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewFileQueue(path, 8)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Depth() != 0 {
		t.Fatalf("expected drained queue, got depth %d", reopened.Depth())
	}
	if got := reopened.LastSequence("s1"); got != 2 {
		t.Fatalf("expected delivered sequence 2 to survive reopen, got %d", got)
	}
}

func TestSequenceMarkDroppedWhenSessionEndIsAcked(t *testing.T) {
	queue := NewInMemoryQueue(8)
	event, err := queue.Append(testEvent("s1", 4))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	end, err := queue.Append(SessionEndEntry(SessionClose{SessionID: "s1", Reason: "logout"}))
	if err != nil {
		t.Fatalf("append end failed: %v", err)
	}
	if err := queue.Ack(event.Ordinal); err != nil {
		t.Fatalf("ack event failed: %v", err)
	}
	if got := queue.LastSequence("s1"); got != 4 {
		t.Fatalf("expected mark 4 while session_end is pending, got %d", got)
	}
	if err := queue.Ack(end.Ordinal); err != nil {
		t.Fatalf("ack end failed: %v", err)
	}
	if got := queue.LastSequence("s1"); got != 0 {
		t.Fatalf("expected mark dropped after session_end ack, got %d", got)
	}
}
