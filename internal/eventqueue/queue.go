package eventqueue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const defaultCapacity = 1024

// errFullRewrite is returned by persisters that only store whole snapshots.
var errFullRewrite = errors.New("full rewrite required")

// Queue is the durable, ordered outbox of pending telemetry. It owns entries
// until the sync worker acknowledges them.
type Queue interface {
	// Append assigns the next ordinal and stores the entry. When the queue is
	// full the oldest event entry is evicted first. A non-nil error wraps
	// ErrLocalStorage; the entry is still queued in memory.
	Append(entry Entry) (Entry, error)
	Peek(limit int) []Entry
	Ack(ordinals ...uint64) error
	// LastSequence is the highest event sequence ever appended for the
	// session, including events already acknowledged. The mark is dropped
	// once the session's session_end is acknowledged.
	LastSequence(sessionID string) uint64
	Depth() int
	Capacity() int
	Evicted() uint64
	// Sync retries any persistence write that previously failed.
	Sync() error
	Close() error
}

// queueState is what a persister stores: the pending entries, the next
// ordinal and the per-session sequence high-water marks.
type queueState struct {
	entries     []Entry
	nextOrdinal uint64
	sequences   map[string]uint64
}

type persister interface {
	load() (queueState, error)
	append(entry Entry, state queueState) error
	// remove deletes acknowledged entries and the marks of finished sessions.
	remove(ordinals []uint64, finished []string, state queueState) error
	rewrite(state queueState) error
	close() error
}

type durableQueue struct {
	mu          sync.Mutex
	capacity    int
	items       []Entry
	nextOrdinal uint64
	sequences   map[string]uint64
	evicted     uint64
	dirty       bool
	store       persister
	now         func() time.Time
}

func newDurableQueue(store persister, capacity int) (*durableQueue, error) {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	q := &durableQueue{
		capacity:    capacity,
		items:       []Entry{},
		nextOrdinal: 1,
		sequences:   map[string]uint64{},
		store:       store,
		now:         time.Now,
	}
	if store == nil {
		return q, nil
	}
	state, err := store.load()
	if err != nil {
		return nil, err
	}
	items, next := state.entries, state.nextOrdinal
	sort.SliceStable(items, func(i, j int) bool { return items[i].Ordinal < items[j].Ordinal })
	for sessionID, last := range state.sequences {
		q.sequences[sessionID] = last
	}
	for _, item := range items {
		if item.Ordinal >= next {
			next = item.Ordinal + 1
		}
		q.noteSequenceLocked(item)
	}
	if next == 0 {
		next = 1
	}
	q.nextOrdinal = next
	if len(items) > q.capacity {
		q.items = append([]Entry(nil), items[len(items)-q.capacity:]...)
		q.evicted += uint64(len(items) - q.capacity)
		if err := q.store.rewrite(q.stateLocked()); err != nil {
			return nil, err
		}
		return q, nil
	}
	q.items = append([]Entry(nil), items...)
	return q, nil
}

func (q *durableQueue) stateLocked() queueState {
	return queueState{entries: q.items, nextOrdinal: q.nextOrdinal, sequences: q.sequences}
}

func (q *durableQueue) noteSequenceLocked(entry Entry) {
	if entry.Op != OpEvent || entry.Event == nil {
		return
	}
	if entry.Event.Sequence > q.sequences[entry.SessionID] {
		q.sequences[entry.SessionID] = entry.Event.Sequence
	}
}

// NewInMemoryQueue keeps entries in process memory only.
func NewInMemoryQueue(capacity int) Queue {
	q, _ := newDurableQueue(nil, capacity)
	return q
}

func (q *durableQueue) Append(entry Entry) (Entry, error) {
	if !entry.valid() {
		return Entry{}, ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	entry.Ordinal = q.nextOrdinal
	q.nextOrdinal++
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = q.now().UTC()
	}
	var evictedOrdinals []uint64
	for len(q.items) >= q.capacity {
		idx := q.oldestEventIndexLocked()
		evictedOrdinals = append(evictedOrdinals, q.items[idx].Ordinal)
		q.items = append(q.items[:idx], q.items[idx+1:]...)
		q.evicted++
	}
	q.items = append(q.items, entry)
	q.noteSequenceLocked(entry)
	if q.store == nil {
		return entry, nil
	}
	if q.dirty || len(evictedOrdinals) > 0 {
		return entry, q.rewriteLocked()
	}
	if err := q.store.append(entry, q.stateLocked()); err != nil {
		if errors.Is(err, errFullRewrite) {
			return entry, q.rewriteLocked()
		}
		q.dirty = true
		return entry, fmt.Errorf("%w: append: %v", ErrLocalStorage, err)
	}
	return entry, nil
}

func (q *durableQueue) oldestEventIndexLocked() int {
	for i, item := range q.items {
		if item.Op == OpEvent {
			return i
		}
	}
	return 0
}

func (q *durableQueue) Peek(limit int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.items) {
		limit = len(q.items)
	}
	return append([]Entry(nil), q.items[:limit]...)
}

func (q *durableQueue) Ack(ordinals ...uint64) error {
	if len(ordinals) == 0 {
		return nil
	}
	acked := make(map[uint64]struct{}, len(ordinals))
	for _, ordinal := range ordinals {
		acked[ordinal] = struct{}{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	removed := make([]uint64, 0, len(ordinals))
	var finished []string
	for _, item := range q.items {
		if _, ok := acked[item.Ordinal]; ok {
			removed = append(removed, item.Ordinal)
			if item.Op == OpSessionEnd {
				finished = append(finished, item.SessionID)
			}
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	for _, sessionID := range finished {
		delete(q.sequences, sessionID)
	}
	if q.store == nil || len(removed) == 0 {
		return nil
	}
	if q.dirty {
		return q.rewriteLocked()
	}
	if err := q.store.remove(removed, finished, q.stateLocked()); err != nil {
		if errors.Is(err, errFullRewrite) {
			return q.rewriteLocked()
		}
		q.dirty = true
		return fmt.Errorf("%w: ack: %v", ErrLocalStorage, err)
	}
	return nil
}

func (q *durableQueue) LastSequence(sessionID string) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sequences[sessionID]
}

func (q *durableQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *durableQueue) Capacity() int {
	return q.capacity
}

func (q *durableQueue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

func (q *durableQueue) Sync() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.store == nil || !q.dirty {
		return nil
	}
	return q.rewriteLocked()
}

func (q *durableQueue) rewriteLocked() error {
	if err := q.store.rewrite(q.stateLocked()); err != nil {
		q.dirty = true
		return fmt.Errorf("%w: rewrite: %v", ErrLocalStorage, err)
	}
	q.dirty = false
	return nil
}

func (q *durableQueue) Close() error {
	if q.store == nil {
		return nil
	}
	_ = q.Sync()
	return q.store.close()
}
