package tracking

import (
	"crypto/rand"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/elderdiet/activitysync/internal/eventqueue"
)

const (
	defaultBatchSize     = 10
	defaultFlushDebounce = 2 * time.Second
	defaultResult        = "success"
)

// SessionStamper gives the collector the session id to stamp on an event.
type SessionStamper interface {
	WithSession(fn func(sessionID string, active bool))
}

type CollectorOptions struct {
	Queue     eventqueue.Queue
	Sessions  SessionStamper
	Flusher   Flusher
	Validator *PayloadValidator
	BatchSize int
	// FlushDebounce delays the flush scheduled after a page opens.
	FlushDebounce time.Duration
	Logger        zerolog.Logger
}

// Collector turns tracking calls into outbox events.
type Collector struct {
	queue     eventqueue.Queue
	sessions  SessionStamper
	flusher   Flusher
	validator *PayloadValidator
	batchSize int
	debounce  time.Duration
	log       zerolog.Logger
	now       func() time.Time

	mu        sync.Mutex
	enabled   bool
	sequences map[string]uint64
	entropy   io.Reader
	timer     *time.Timer
}

func NewCollector(opts CollectorOptions) (*Collector, error) {
	if opts.Validator == nil {
		v, err := NewPayloadValidator()
		if err != nil {
			return nil, err
		}
		opts.Validator = v
	}
	if opts.Flusher == nil {
		opts.Flusher = noopFlusher{}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushDebounce <= 0 {
		opts.FlushDebounce = defaultFlushDebounce
	}
	return &Collector{
		queue:     opts.Queue,
		sessions:  opts.Sessions,
		flusher:   opts.Flusher,
		validator: opts.Validator,
		batchSize: opts.BatchSize,
		debounce:  opts.FlushDebounce,
		log:       opts.Logger.With().Str("component", "collector").Logger(),
		now:       time.Now,
		enabled:   true,
		sequences: map[string]uint64{},
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// SetEnabled turns every tracking call into a no-op while false.
func (c *Collector) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
}

func (c *Collector) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *Collector) TrackFeatureEvent(name string, payload map[string]any) Result {
	return c.Track(eventqueue.KindFeature, name, payload, "")
}

func (c *Collector) TrackTabSwitch(from, to string) Result {
	payload := map[string]any{"to": to}
	if from != "" {
		payload["from"] = from
	}
	return c.Track(eventqueue.KindTabSwitch, "tab_switch", payload, "")
}

func (c *Collector) TrackAuthEvent(name, result string) Result {
	return c.Track(eventqueue.KindAuth, name, nil, result)
}

func (c *Collector) TrackInteractionEvent(name string, payload map[string]any) Result {
	return c.Track(eventqueue.KindInteraction, name, payload, "")
}

// Track validates payload and queues one event stamped with the active
// session, or eventqueue.NoSession when there is none.
func (c *Collector) Track(kind eventqueue.EventKind, name string, payload map[string]any, result string) Result {
	if !c.Enabled() {
		return Result{}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		c.log.Warn().Str("kind", string(kind)).Msg("dropping event without a name")
		return Result{}
	}
	payload, err := c.validator.Validate(kind, payload)
	if err != nil {
		c.log.Warn().Err(err).Str("kind", string(kind)).Str("name", name).Msg("dropping event with invalid payload")
		return Result{}
	}
	if result == "" {
		result = defaultResult
	}

	var queued bool
	c.sessions.WithSession(func(sessionID string, active bool) {
		if !active {
			sessionID = eventqueue.NoSession
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		now := c.now().UTC()
		event := eventqueue.Event{
			EventID:         ulid.MustNew(ulid.Timestamp(now), c.entropy).String(),
			SessionID:       sessionID,
			Kind:            kind,
			Name:            name,
			Result:          result,
			Payload:         payload,
			Sequence:        c.nextSequenceLocked(sessionID),
			ClientTimestamp: now,
		}
		if _, err := c.queue.Append(eventqueue.EventEntry(event)); err != nil {
			c.log.Warn().Err(err).Str("event_id", event.EventID).Msg("event queued in memory only")
		}
		queued = true
	})
	if !queued {
		return Result{}
	}
	if c.queue.Depth() >= c.batchSize {
		c.flusher.Flush()
	}
	return Result{Local: true}
}

// nextSequenceLocked continues from the outbox's high-water mark for the
// session, which survives delivery and restarts.
func (c *Collector) nextSequenceLocked(sessionID string) uint64 {
	last, ok := c.sequences[sessionID]
	if !ok {
		last = c.queue.LastSequence(sessionID)
	}
	last++
	c.sequences[sessionID] = last
	return last
}

func (c *Collector) trackPageVisit(visit PageVisit) Result {
	payload := map[string]any{
		"pageId":     visit.PageID,
		"pageName":   visit.PageName,
		"durationMs": visit.Duration().Milliseconds(),
		"exitReason": visit.ExitReason,
		"enteredAt":  visit.EnteredAt.UTC().Format(time.RFC3339Nano),
	}
	if visit.Path != "" {
		payload["path"] = visit.Path
	}
	if visit.Referrer != "" {
		payload["referrer"] = visit.Referrer
	}
	if visit.ExitedAt != nil {
		payload["exitedAt"] = visit.ExitedAt.UTC().Format(time.RFC3339Nano)
	}
	return c.Track(eventqueue.KindPageVisit, visit.PageName, payload, "")
}

// ScheduleFlush replaces any pending debounced flush with a new one.
func (c *Collector) ScheduleFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, c.flusher.Flush)
}

// CancelScheduledFlush drops a pending debounced flush.
func (c *Collector) CancelScheduledFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// FlushNow cancels any debounced flush and signals the worker immediately.
func (c *Collector) FlushNow() {
	c.CancelScheduledFlush()
	c.flusher.Flush()
}

func (c *Collector) forgetSession(sessionID string) {
	c.mu.Lock()
	delete(c.sequences, sessionID)
	c.mu.Unlock()
}
