package syncclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/elderdiet/activitysync/internal/eventqueue"
)

const (
	DefaultBatchSize      = 10
	DefaultFlushInterval  = 30 * time.Second
	defaultRequestTimeout = 20 * time.Second
)

// Result reports the delivery outcome of one outbox request. Err is nil on
// success, otherwise one of ErrTransient, ErrAuth or ErrServerRejected.
type Result struct {
	Op        eventqueue.Op
	SessionID string
	Count     int
	Err       error
}

type Listener func(Result)

type WorkerOptions struct {
	BatchSize      int
	FlushInterval  time.Duration
	RequestTimeout time.Duration
	Retry          RetryPolicy
	Metrics        *Metrics
	Logger         zerolog.Logger
}

// Worker drains the outbox in FIFO order on a background goroutine. Callers
// only signal it; no public method performs network I/O except DrainOnce.
type Worker struct {
	queue  eventqueue.Queue
	client TelemetryClient
	opts   WorkerOptions
	log    zerolog.Logger

	drainMu sync.Mutex

	mu         sync.Mutex
	foreground bool
	connected  bool
	suspended  bool
	retryAt    time.Time
	backoff    *backoff.ExponentialBackOff
	listeners  []Listener

	wake chan struct{}
}

func NewWorker(queue eventqueue.Queue, client TelemetryClient, opts WorkerOptions) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	return &Worker{
		queue:      queue,
		client:     client,
		opts:       opts,
		log:        opts.Logger.With().Str("component", "sync_worker").Logger(),
		foreground: true,
		connected:  true,
		backoff:    opts.Retry.NewBackOff(),
		wake:       make(chan struct{}, 1),
	}
}

func (w *Worker) AddListener(listener Listener) {
	if listener == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, listener)
	w.mu.Unlock()
}

func (w *Worker) BatchSize() int {
	return w.opts.BatchSize
}

func (w *Worker) Metrics() *Metrics {
	return w.opts.Metrics
}

// Flush asks the background loop to drain now. It never blocks.
func (w *Worker) Flush() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// SetForeground pauses retries of a failed delivery while the app is in the
// background; neither the retry timer nor the flush ticker resends until the
// app returns to the foreground.
func (w *Worker) SetForeground(foreground bool) {
	w.mu.Lock()
	w.foreground = foreground
	w.mu.Unlock()
	if foreground {
		w.Flush()
	}
}

// SetConnected pauses all sending while offline. Regaining connectivity
// retries immediately without resetting the backoff schedule.
func (w *Worker) SetConnected(connected bool) {
	w.mu.Lock()
	w.connected = connected
	if connected {
		w.retryAt = time.Time{}
	}
	w.mu.Unlock()
	if connected {
		w.Flush()
	}
}

// CredentialChanged lifts an auth suspension.
func (w *Worker) CredentialChanged() {
	w.mu.Lock()
	w.suspended = false
	w.retryAt = time.Time{}
	w.mu.Unlock()
	w.opts.Metrics.setSuspended(false)
	w.Flush()
}

func (w *Worker) Suspended() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.suspended
}

// Run drains on flush signals, on every FlushInterval, and when a scheduled
// retry comes due. It returns when ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()
	for {
		w.mu.Lock()
		retryAt, foreground := w.retryAt, w.foreground
		w.mu.Unlock()

		var retryTimer *time.Timer
		var retryC <-chan time.Time
		if !retryAt.IsZero() && foreground {
			retryTimer = time.NewTimer(time.Until(retryAt))
			retryC = retryTimer.C
		}
		select {
		case <-ctx.Done():
			if retryTimer != nil {
				retryTimer.Stop()
			}
			return ctx.Err()
		case <-w.wake:
		case <-ticker.C:
		case <-retryC:
		}
		if retryTimer != nil {
			retryTimer.Stop()
		}
		if w.retryPending() {
			continue
		}
		if err := w.DrainOnce(ctx); err != nil && !isContextError(err) {
			w.log.Debug().Err(err).Msg("drain stopped")
		}
	}
}

// retryPending reports a scheduled retry that is not yet due. A retry stays
// pending for as long as the app is in the background.
func (w *Worker) retryPending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.retryAt.IsZero() {
		return false
	}
	return !w.foreground || time.Now().Before(w.retryAt)
}

func (w *Worker) canSend() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected && !w.suspended
}

// DrainOnce sends queued entries until the outbox is empty or a request
// fails with a transient or auth error.
func (w *Worker) DrainOnce(ctx context.Context) error {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !w.canSend() {
			return nil
		}
		if err := w.queue.Sync(); err != nil {
			w.log.Warn().Err(err).Msg("outbox persistence still failing")
		}
		batch := w.nextBatch()
		w.opts.Metrics.setDepth(w.queue.Depth())
		if len(batch) == 0 {
			return nil
		}
		if err := w.deliver(ctx, batch); err != nil {
			return err
		}
	}
}

// nextBatch takes consecutive events from the head, or a single session op.
func (w *Worker) nextBatch() []eventqueue.Entry {
	head := w.queue.Peek(w.opts.BatchSize)
	if len(head) == 0 {
		return nil
	}
	if head[0].Op != eventqueue.OpEvent {
		return head[:1]
	}
	n := 0
	for n < len(head) && head[n].Op == eventqueue.OpEvent {
		n++
	}
	return head[:n]
}

func (w *Worker) deliver(ctx context.Context, batch []eventqueue.Entry) error {
	op := batch[0].Op
	result := Result{Op: op, SessionID: batch[0].SessionID, Count: len(batch)}

	reqCtx, cancel := context.WithTimeout(ctx, w.opts.RequestTimeout)
	err := w.send(reqCtx, batch)
	cancel()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	ordinals := make([]uint64, 0, len(batch))
	for _, entry := range batch {
		ordinals = append(ordinals, entry.Ordinal)
	}

	switch class := Classify(err); class {
	case nil:
		w.ack(ordinals)
		w.opts.Metrics.observeRequest(string(op), "ok")
		w.opts.Metrics.observeAcked(len(batch))
		w.mu.Lock()
		w.backoff.Reset()
		w.retryAt = time.Time{}
		w.mu.Unlock()
		w.publish(result)
		return nil
	case ErrServerRejected:
		w.log.Error().Err(err).Str("op", string(op)).Str("session_id", result.SessionID).
			Int("entries", len(batch)).Msg("server rejected outbox entries; dropping")
		w.ack(ordinals)
		w.opts.Metrics.observeRequest(string(op), "rejected")
		w.opts.Metrics.observeDropped("rejected", len(batch))
		result.Err = ErrServerRejected
		w.publish(result)
		return nil
	case ErrAuth:
		w.mu.Lock()
		w.suspended = true
		w.mu.Unlock()
		w.log.Warn().Err(err).Msg("sync suspended until credential changes")
		w.opts.Metrics.observeRequest(string(op), "auth")
		w.opts.Metrics.setSuspended(true)
		result.Err = ErrAuth
		w.publish(result)
		return ErrAuth
	default:
		w.mu.Lock()
		delay := w.backoff.NextBackOff()
		w.retryAt = time.Now().Add(delay)
		w.mu.Unlock()
		w.log.Info().Err(err).Dur("retry_in", delay).Str("op", string(op)).Msg("delivery failed; will retry")
		w.opts.Metrics.observeRequest(string(op), "transient")
		w.opts.Metrics.observeRetry()
		result.Err = ErrTransient
		w.publish(result)
		return err
	}
}

func (w *Worker) send(ctx context.Context, batch []eventqueue.Entry) error {
	head := batch[0]
	switch head.Op {
	case eventqueue.OpSessionStart:
		return w.client.StartSession(ctx, *head.Start)
	case eventqueue.OpSessionEnd:
		return w.client.CloseSession(ctx, *head.Close)
	case eventqueue.OpEvent:
		events := make([]eventqueue.Event, 0, len(batch))
		for _, entry := range batch {
			events = append(events, *entry.Event)
		}
		resp, err := w.client.SendEvents(ctx, events)
		if err == nil && len(resp.AcceptedIDs) < len(events) {
			w.log.Debug().Int("sent", len(events)).Int("accepted", len(resp.AcceptedIDs)).
				Msg("backend reported duplicate events")
		}
		return err
	default:
		return fmt.Errorf("%w: unknown outbox op %s", ErrServerRejected, head.Op)
	}
}

func (w *Worker) ack(ordinals []uint64) {
	if err := w.queue.Ack(ordinals...); err != nil {
		w.log.Warn().Err(err).Msg("outbox ack not persisted; will retry")
	}
}

func (w *Worker) publish(result Result) {
	w.mu.Lock()
	listeners := append([]Listener(nil), w.listeners...)
	w.mu.Unlock()
	for _, listener := range listeners {
		listener(result)
	}
}
