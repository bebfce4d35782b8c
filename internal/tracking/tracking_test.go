package tracking

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elderdiet/activitysync/internal/eventqueue"
	"github.com/elderdiet/activitysync/internal/recordstore"
	"github.com/elderdiet/activitysync/internal/syncclient"
)

type countingFlusher struct {
	n atomic.Int32
}

func (f *countingFlusher) Flush() { f.n.Add(1) }

type fakeWorker struct {
	countingFlusher
	mu         sync.Mutex
	foreground []bool
	credential int
	listeners  []syncclient.Listener
}

func (w *fakeWorker) SetForeground(fg bool) {
	w.mu.Lock()
	w.foreground = append(w.foreground, fg)
	w.mu.Unlock()
}

func (w *fakeWorker) CredentialChanged() {
	w.mu.Lock()
	w.credential++
	w.mu.Unlock()
}

func (w *fakeWorker) AddListener(l syncclient.Listener) {
	w.mu.Lock()
	w.listeners = append(w.listeners, l)
	w.mu.Unlock()
}

func (w *fakeWorker) publish(r syncclient.Result) {
	w.mu.Lock()
	listeners := append([]syncclient.Listener(nil), w.listeners...)
	w.mu.Unlock()
	for _, l := range listeners {
		l(r)
	}
}

type fakeDevice struct {
	initialized atomic.Int32
	cleaned     atomic.Int32
	heartbeats  atomic.Int32
}

func done() <-chan error {
	ch := make(chan error, 1)
	ch <- nil
	return ch
}

func (d *fakeDevice) Initialize(context.Context) <-chan error {
	d.initialized.Add(1)
	return done()
}

func (d *fakeDevice) Cleanup(context.Context) <-chan error {
	d.cleaned.Add(1)
	return done()
}

func (d *fakeDevice) Heartbeat(context.Context) <-chan error {
	d.heartbeats.Add(1)
	return done()
}

func newTestCore(t *testing.T) (*Core, eventqueue.Queue, *fakeWorker, *fakeDevice) {
	t.Helper()
	queue := eventqueue.NewInMemoryQueue(1000)
	worker := &fakeWorker{}
	device := &fakeDevice{}
	core, err := NewCore(CoreOptions{
		Queue:      queue,
		Worker:     worker,
		Device:     device,
		DeviceInfo: DeviceInfo{DeviceType: "android", DeviceModel: "Pixel 7", OSVersion: "14", AppVersion: "1.2.0"},
		BatchSize:  100,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return core, queue, worker, device
}

func events(queue eventqueue.Queue) []eventqueue.Event {
	var out []eventqueue.Event
	for _, entry := range queue.Peek(0) {
		if entry.Op == eventqueue.OpEvent {
			out = append(out, *entry.Event)
		}
	}
	return out
}

func eventsOfKind(queue eventqueue.Queue, kind eventqueue.EventKind) []eventqueue.Event {
	var out []eventqueue.Event
	for _, event := range events(queue) {
		if event.Kind == kind {
			out = append(out, event)
		}
	}
	return out
}

func TestLoginPageFeatureLogoutScenario(t *testing.T) {
	core, queue, worker, device := newTestCore(t)
	ctx := context.Background()

	require.True(t, core.OnLogin(ctx, "user-1").Local)
	sessionID, ok := core.Sessions.ActiveSessionID()
	require.True(t, ok)

	require.True(t, core.Pages.StartPageVisit("recipes", "Recipes", "/recipes").Local)
	require.True(t, core.Events.TrackFeatureEvent("open_recipe", map[string]any{"recipeId": "r-9"}).Local)
	require.True(t, core.Pages.EndPageVisit(ExitNavigation).Local)
	require.True(t, core.OnLogout(ctx).Local)

	var ops []eventqueue.Op
	var kinds []eventqueue.EventKind
	for _, entry := range queue.Peek(0) {
		ops = append(ops, entry.Op)
		assert.Equal(t, sessionID, entry.SessionID)
		if entry.Event != nil {
			kinds = append(kinds, entry.Event.Kind)
		}
	}
	assert.Equal(t, []eventqueue.Op{
		eventqueue.OpSessionStart,
		eventqueue.OpEvent, eventqueue.OpEvent, eventqueue.OpEvent, eventqueue.OpEvent,
		eventqueue.OpSessionEnd,
	}, ops)
	assert.Equal(t, []eventqueue.EventKind{
		eventqueue.KindAuth, eventqueue.KindFeature, eventqueue.KindPageVisit, eventqueue.KindAuth,
	}, kinds)

	visits := eventsOfKind(queue, eventqueue.KindPageVisit)
	require.Len(t, visits, 1)
	assert.Equal(t, "recipes", visits[0].Payload["pageId"])
	assert.Equal(t, ExitNavigation, visits[0].Payload["exitReason"])

	current, ok := core.Sessions.CurrentSession()
	require.True(t, ok)
	assert.False(t, current.IsActive)
	assert.Equal(t, ReasonLogout, current.EndReason)
	assert.Equal(t, StateIdle, core.Sessions.State())
	assert.GreaterOrEqual(t, worker.n.Load(), int32(1))
	assert.Eventually(t, func() bool { return device.initialized.Load() == 1 && device.cleaned.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStartSessionReplacesActiveSessionBeforeNewIDIsObservable(t *testing.T) {
	queue := eventqueue.NewInMemoryQueue(100)
	sessions := NewSessionManager(SessionManagerOptions{Queue: queue, Logger: zerolog.Nop()})
	require.True(t, sessions.StartSession("u1").Local)
	first, _ := sessions.ActiveSessionID()

	var seenDuringEnding string
	sessions.SetHooks(SessionHooks{
		OnEnding: func(sessionID, reason string) {
			assert.Equal(t, ReasonReplaced, reason)
			current, _ := sessions.CurrentSession()
			seenDuringEnding = current.SessionID
		},
	})
	require.True(t, sessions.StartSession("u1").Local)
	second, ok := sessions.ActiveSessionID()
	require.True(t, ok)
	assert.NotEqual(t, first, second)
	assert.Equal(t, first, seenDuringEnding)

	entries := queue.Peek(0)
	require.Len(t, entries, 3)
	assert.Equal(t, eventqueue.OpSessionStart, entries[0].Op)
	assert.Equal(t, eventqueue.OpSessionEnd, entries[1].Op)
	assert.Equal(t, first, entries[1].SessionID)
	assert.Equal(t, ReasonReplaced, entries[1].Close.Reason)
	assert.Equal(t, eventqueue.OpSessionStart, entries[2].Op)
	assert.Equal(t, second, entries[2].SessionID)
}

func TestEndPageVisitWithoutOpenVisitIsNoop(t *testing.T) {
	core, queue, _, _ := newTestCore(t)
	core.OnLogin(context.Background(), "u1")
	before := queue.Depth()

	assert.False(t, core.Pages.EndPageVisit(ExitNavigation).Local)
	core.Pages.StartPageVisit("home", "Home", "/")
	assert.True(t, core.Pages.EndPageVisit(ExitNavigation).Local)
	assert.False(t, core.Pages.EndPageVisit(ExitNavigation).Local)
	assert.Equal(t, before+1, queue.Depth())
}

func TestRapidStartPageVisitClosesPreviousOnce(t *testing.T) {
	core, queue, _, _ := newTestCore(t)
	core.OnLogin(context.Background(), "u1")

	core.Pages.StartPageVisit("home", "Home", "/")
	core.Pages.StartPageVisit("diet", "Diet", "/diet")

	visits := eventsOfKind(queue, eventqueue.KindPageVisit)
	require.Len(t, visits, 1)
	assert.Equal(t, "home", visits[0].Payload["pageId"])
	assert.Equal(t, ExitNavigation, visits[0].Payload["exitReason"])

	open, ok := core.Pages.CurrentVisit()
	require.True(t, ok)
	assert.Equal(t, "diet", open.PageID)
	assert.Equal(t, "Home", open.Referrer)
}

func TestAtMostOneOpenVisitUnderRandomCalls(t *testing.T) {
	core, queue, _, _ := newTestCore(t)
	core.OnLogin(context.Background(), "u1")
	rng := rand.New(rand.NewSource(7))
	pages := []string{"home", "diet", "recipes", "profile"}

	opened, closed := 0, 0
	isOpen := false
	for i := 0; i < 200; i++ {
		if rng.Intn(3) == 0 {
			if core.Pages.EndPageVisit(ExitNavigation).Local {
				closed++
			}
			isOpen = false
		} else {
			if isOpen {
				closed++
			}
			core.Pages.StartPageVisit(pages[rng.Intn(len(pages))], "", "")
			opened++
			isOpen = true
		}
		_, hasOpen := core.Pages.CurrentVisit()
		assert.Equal(t, isOpen, hasOpen)
	}
	assert.Len(t, eventsOfKind(queue, eventqueue.KindPageVisit), closed)
	assert.LessOrEqual(t, opened-closed, 1)
}

func TestEventsAreSequencedInOrder(t *testing.T) {
	core, queue, _, _ := newTestCore(t)
	core.OnLogin(context.Background(), "u1")
	for i := 0; i < 25; i++ {
		core.Events.TrackInteractionEvent("tap", map[string]any{"i": i})
	}
	var last uint64
	ids := map[string]bool{}
	for _, event := range events(queue) {
		assert.Greater(t, event.Sequence, last)
		last = event.Sequence
		assert.False(t, ids[event.EventID], "duplicate event id")
		ids[event.EventID] = true
	}
	assert.Equal(t, uint64(26), last)
}

func TestEventsWithoutSessionUseSentinel(t *testing.T) {
	core, queue, _, _ := newTestCore(t)
	require.True(t, core.Events.TrackTabSwitch("home", "diet").Local)
	evs := events(queue)
	require.Len(t, evs, 1)
	assert.Equal(t, eventqueue.NoSession, evs[0].SessionID)
	assert.Equal(t, "diet", evs[0].Payload["to"])
}

func TestBufferedVisitAttachesToNextSession(t *testing.T) {
	core, queue, _, _ := newTestCore(t)
	core.Pages.StartPageVisit("welcome", "Welcome", "/")
	visit, ok := core.Pages.CurrentVisit()
	require.True(t, ok)
	assert.Empty(t, visit.SessionID)

	core.OnLogin(context.Background(), "u1")
	sessionID, _ := core.Sessions.ActiveSessionID()
	attached, ok := core.Pages.CurrentVisit()
	require.True(t, ok)
	assert.Equal(t, sessionID, attached.SessionID)
	assert.Equal(t, visit.EnteredAt, attached.EnteredAt)

	core.Pages.EndPageVisit(ExitNavigation)
	visits := eventsOfKind(queue, eventqueue.KindPageVisit)
	require.Len(t, visits, 1)
	assert.Equal(t, sessionID, visits[0].SessionID)
}

func TestReplacedSessionCarriesOpenPage(t *testing.T) {
	core, queue, _, _ := newTestCore(t)
	core.OnLogin(context.Background(), "u1")
	first, _ := core.Sessions.ActiveSessionID()
	core.Pages.StartPageVisit("diet", "Diet", "/diet")

	core.Sessions.StartSession("u1")
	second, _ := core.Sessions.ActiveSessionID()

	visits := eventsOfKind(queue, eventqueue.KindPageVisit)
	require.Len(t, visits, 1)
	assert.Equal(t, first, visits[0].SessionID)
	assert.Equal(t, ExitSessionEnd, visits[0].Payload["exitReason"])

	open, ok := core.Pages.CurrentVisit()
	require.True(t, ok)
	assert.Equal(t, "diet", open.PageID)
	assert.Equal(t, second, open.SessionID)
}

func TestSessionEndDrainsItsEventsFirst(t *testing.T) {
	core, queue, _, _ := newTestCore(t)
	core.OnLogin(context.Background(), "u1")
	core.Pages.StartPageVisit("home", "Home", "/")
	core.Sessions.EndSession(ReasonTimeout)

	entries := queue.Peek(0)
	last := entries[len(entries)-1]
	assert.Equal(t, eventqueue.OpSessionEnd, last.Op)
	for _, entry := range entries[:len(entries)-1] {
		assert.NotEqual(t, eventqueue.OpSessionEnd, entry.Op)
	}
	_, open := core.Pages.CurrentVisit()
	assert.False(t, open)
}

func TestSequenceResumesFromQueueAfterRestart(t *testing.T) {
	queue := eventqueue.NewInMemoryQueue(100)
	store := recordstore.NewMemoryStore()
	require.NoError(t, store.Save(Session{SessionID: "s-restored", UserID: "u1", IsActive: true, SyncState: SyncPending}))
	_, err := queue.Append(eventqueue.EventEntry(eventqueue.Event{EventID: "old", SessionID: "s-restored", Kind: eventqueue.KindFeature, Name: "x", Sequence: 5}))
	require.NoError(t, err)

	core, err := NewCore(CoreOptions{Queue: queue, SessionStore: store, Logger: zerolog.Nop()})
	require.NoError(t, err)
	id, ok := core.Sessions.ActiveSessionID()
	require.True(t, ok)
	assert.Equal(t, "s-restored", id)

	core.Events.TrackFeatureEvent("next", nil)
	evs := events(queue)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(6), evs[1].Sequence)
}

func TestSequenceResumesAfterDeliveredEventsAndRestart(t *testing.T) {
	queue := eventqueue.NewInMemoryQueue(100)
	store := recordstore.NewMemoryStore()
	core, err := NewCore(CoreOptions{Queue: queue, SessionStore: store, Logger: zerolog.Nop()})
	require.NoError(t, err)
	core.Sessions.StartSession("u1")
	sessionID, _ := core.Sessions.ActiveSessionID()
	core.Events.TrackFeatureEvent("a", nil)
	core.Events.TrackFeatureEvent("b", nil)

	var ordinals []uint64
	for _, entry := range queue.Peek(0) {
		ordinals = append(ordinals, entry.Ordinal)
	}
	require.NoError(t, queue.Ack(ordinals...))
	require.Zero(t, queue.Depth())

	restarted, err := NewCore(CoreOptions{Queue: queue, SessionStore: store, Logger: zerolog.Nop()})
	require.NoError(t, err)
	id, ok := restarted.Sessions.ActiveSessionID()
	require.True(t, ok)
	require.Equal(t, sessionID, id)

	restarted.Events.TrackFeatureEvent("c", nil)
	evs := events(queue)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(3), evs[0].Sequence)
}

func TestQueuedPayloadIsDetachedFromCaller(t *testing.T) {
	core, queue, _, _ := newTestCore(t)
	core.OnLogin(context.Background(), "u1")
	nested := map[string]any{"kcal": 420}
	payload := map[string]any{"id": 1, "meal": nested}
	require.True(t, core.Events.TrackFeatureEvent("tap_button", payload).Local)

	payload["id"] = 999
	payload["extra"] = true
	nested["kcal"] = 0

	evs := eventsOfKind(queue, eventqueue.KindFeature)
	require.Len(t, evs, 1)
	assert.EqualValues(t, 1, evs[0].Payload["id"])
	assert.NotContains(t, evs[0].Payload, "extra")
	meal, ok := evs[0].Payload["meal"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 420, meal["kcal"])
}

func TestFreeFormPayloadKeysAreAccepted(t *testing.T) {
	core, queue, _, _ := newTestCore(t)
	payload := map[string]any{"user id": "u1", "1st": true}
	for i := 0; i < 40; i++ {
		payload[fmt.Sprintf("field_%d", i)] = i
	}
	assert.True(t, core.Events.TrackFeatureEvent("wide", payload).Local)
	assert.True(t, core.Events.TrackInteractionEvent("spaced", map[string]any{"button label": "Save"}).Local)
	assert.Equal(t, 2, queue.Depth())
}

func TestInvalidPayloadIsDropped(t *testing.T) {
	core, queue, _, _ := newTestCore(t)
	assert.False(t, core.Events.TrackFeatureEvent("bad", map[string]any{"fn": func() {}}).Local)
	assert.False(t, core.Events.TrackTabSwitch("home", "").Local)
	assert.False(t, core.Events.TrackFeatureEvent("  ", nil).Local)
	assert.Equal(t, 0, queue.Depth())
}

func TestSetEnabledFalseMakesTrackingNoop(t *testing.T) {
	core, queue, _, _ := newTestCore(t)
	core.SetEnabled(false)
	assert.False(t, core.Events.TrackFeatureEvent("x", nil).Local)
	assert.False(t, core.Pages.StartPageVisit("home", "Home", "/").Local)
	assert.Equal(t, 0, queue.Depth())
	core.SetEnabled(true)
	assert.True(t, core.Events.TrackFeatureEvent("x", nil).Local)
}

func TestSyncResultsDriveSessionState(t *testing.T) {
	core, _, worker, _ := newTestCore(t)
	core.OnLogin(context.Background(), "u1")
	id, _ := core.Sessions.ActiveSessionID()

	worker.publish(syncclient.Result{Op: eventqueue.OpSessionStart, SessionID: id, Err: syncclient.ErrServerRejected})
	assert.Equal(t, StateFailed, core.Sessions.State())
	_, stillActive := core.Sessions.ActiveSessionID()
	assert.True(t, stillActive, "failed session stays locally usable")

	worker.publish(syncclient.Result{Op: eventqueue.OpSessionStart, SessionID: id})
	assert.Equal(t, StateActive, core.Sessions.State())
	current, _ := core.Sessions.CurrentSession()
	assert.Equal(t, SyncSynced, current.SyncState)
}

func TestPageOpenDebouncesFlushAndSessionEndCancelsIt(t *testing.T) {
	queue := eventqueue.NewInMemoryQueue(100)
	flusher := &countingFlusher{}
	sessions := NewSessionManager(SessionManagerOptions{Queue: queue, Flusher: flusher, Logger: zerolog.Nop()})
	collector, err := NewCollector(CollectorOptions{Queue: queue, Sessions: sessions, Flusher: flusher, BatchSize: 100, FlushDebounce: 30 * time.Millisecond, Logger: zerolog.Nop()})
	require.NoError(t, err)
	pages := NewPageVisitTracker(collector, sessions, zerolog.Nop())
	sessions.SetHooks(SessionHooks{
		OnEnding: pages.sessionEnding,
		OnEnded:  func(string, string) { collector.CancelScheduledFlush() },
	})
	sessions.StartSession("u1")

	pages.StartPageVisit("a", "A", "")
	pages.StartPageVisit("b", "B", "")
	assert.Eventually(t, func() bool { return flusher.n.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), flusher.n.Load(), "replaced timer must not fire")

	pages.StartPageVisit("c", "C", "")
	sessions.EndSession(ReasonLogout)
	assert.Equal(t, int32(2), flusher.n.Load())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(2), flusher.n.Load(), "session end cancels the pending flush")
}

func TestOnBackgroundClosesPageAndPausesRetries(t *testing.T) {
	core, queue, worker, _ := newTestCore(t)
	core.OnLogin(context.Background(), "u1")
	core.Pages.StartPageVisit("home", "Home", "/")
	core.OnBackground()

	visits := eventsOfKind(queue, eventqueue.KindPageVisit)
	require.Len(t, visits, 1)
	assert.Equal(t, ExitBackground, visits[0].Payload["exitReason"])
	worker.mu.Lock()
	assert.Equal(t, []bool{false}, worker.foreground)
	worker.mu.Unlock()

	core.OnForeground(context.Background())
	_, active := core.Sessions.ActiveSessionID()
	assert.True(t, active)
}
