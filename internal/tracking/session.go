package tracking

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/elderdiet/activitysync/internal/eventqueue"
	"github.com/elderdiet/activitysync/internal/recordstore"
	"github.com/elderdiet/activitysync/internal/syncclient"
)

// SessionHooks let the page tracker and collector react to lifecycle
// changes. They are called without the manager's state lock held.
type SessionHooks struct {
	// OnEnding runs after the session stops accepting new work and before
	// its session_end record is queued.
	OnEnding func(sessionID, reason string)
	// OnStarted runs once the new session is observable.
	OnStarted func(sessionID, replacedID string)
	// OnEnded runs after session_end is queued.
	OnEnded func(sessionID, reason string)
}

type SessionManager struct {
	queue   eventqueue.Queue
	store   recordstore.Store
	flusher Flusher
	device  DeviceInfo
	log     zerolog.Logger
	now     func() time.Time
	newID   func() string

	// opMu serializes Start/End so hooks run in order.
	opMu sync.Mutex

	mu      sync.RWMutex
	state   SessionState
	current *Session
	hooks   SessionHooks
}

type SessionManagerOptions struct {
	Queue   eventqueue.Queue
	Store   recordstore.Store
	Flusher Flusher
	Device  DeviceInfo
	Logger  zerolog.Logger
}

// NewSessionManager restores the last persisted session. A session that was
// still active when the process died is resumed; its session_start is already
// in the outbox.
func NewSessionManager(opts SessionManagerOptions) *SessionManager {
	if opts.Store == nil {
		opts.Store = recordstore.NewMemoryStore()
	}
	if opts.Flusher == nil {
		opts.Flusher = noopFlusher{}
	}
	if opts.Queue == nil {
		opts.Queue = eventqueue.NewInMemoryQueue(0)
	}
	m := &SessionManager{
		queue:   opts.Queue,
		store:   opts.Store,
		flusher: opts.Flusher,
		device:  opts.Device,
		log:     opts.Logger.With().Str("component", "session_manager").Logger(),
		now:     time.Now,
		newID:   uuid.NewString,
		state:   StateIdle,
	}
	var saved Session
	found, err := m.store.Load(&saved)
	if err != nil {
		m.log.Warn().Err(err).Msg("session record unreadable; starting idle")
	}
	if found && saved.SessionID != "" {
		m.current = &saved
		if saved.IsActive {
			m.state = StateActive
			if saved.SyncState == SyncFailed {
				m.state = StateFailed
			}
		}
	}
	return m
}

func (m *SessionManager) SetHooks(hooks SessionHooks) {
	m.mu.Lock()
	m.hooks = hooks
	m.mu.Unlock()
}

func (m *SessionManager) State() SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// CurrentSession returns the last known session record, active or not.
func (m *SessionManager) CurrentSession() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

func (m *SessionManager) ActiveSessionID() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeIDLocked()
}

func (m *SessionManager) activeIDLocked() (string, bool) {
	if m.current == nil || !m.current.IsActive {
		return "", false
	}
	switch m.state {
	case StateActive, StateFailed, StateEnding:
		return m.current.SessionID, true
	}
	return "", false
}

// WithSession runs fn while the session cannot change, so anything fn queues
// lands before a concurrent session_end. fn must not call back into m.
func (m *SessionManager) WithSession(fn func(sessionID string, active bool)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.activeIDLocked()
	fn(id, ok)
}

// StartSession closes any active session with reason "replaced" and opens a
// new one for userID.
func (m *SessionManager) StartSession(userID string) Result {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	replacedID := ""
	if id, ok := m.ActiveSessionID(); ok {
		replacedID = id
		m.endSession(ReasonReplaced)
	}

	now := m.now().UTC()
	session := &Session{
		SessionID: m.newID(),
		UserID:    strings.TrimSpace(userID),
		Device:    m.device,
		StartedAt: now,
		IsActive:  true,
		SyncState: SyncPending,
	}
	start := eventqueue.SessionStart{
		SessionID:   session.SessionID,
		UserID:      session.UserID,
		DeviceType:  m.device.DeviceType,
		DeviceModel: m.device.DeviceModel,
		OSVersion:   m.device.OSVersion,
		AppVersion:  m.device.AppVersion,
		UserAgent:   m.device.UserAgent,
		StartedAt:   now,
	}

	m.mu.Lock()
	m.state = StateStarting
	// session_start is queued before the id can be stamped on any event.
	if _, err := m.queue.Append(eventqueue.SessionStartEntry(start)); err != nil {
		m.log.Warn().Err(err).Str("session_id", session.SessionID).Msg("session start not persisted")
	}
	m.current = session
	m.state = StateActive
	snapshot := *session
	hooks := m.hooks
	m.mu.Unlock()

	m.persist(snapshot)
	m.log.Info().Str("session_id", snapshot.SessionID).Str("replaced", replacedID).Msg("session started")
	if hooks.OnStarted != nil {
		hooks.OnStarted(snapshot.SessionID, replacedID)
	}
	return Result{Local: true}
}

// EndSession closes the active session. It is a no-op when none is active.
func (m *SessionManager) EndSession(reason string) Result {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if strings.TrimSpace(reason) == "" {
		reason = ReasonLogout
	}
	if !m.endSession(reason) {
		return Result{}
	}
	m.flusher.Flush()
	return Result{Local: true}
}

func (m *SessionManager) endSession(reason string) bool {
	m.mu.Lock()
	if m.current == nil || !m.current.IsActive || (m.state != StateActive && m.state != StateFailed) {
		m.mu.Unlock()
		return false
	}
	m.state = StateEnding
	sessionID := m.current.SessionID
	hooks := m.hooks
	m.mu.Unlock()

	if hooks.OnEnding != nil {
		hooks.OnEnding(sessionID, reason)
	}

	now := m.now().UTC()
	m.mu.Lock()
	if _, err := m.queue.Append(eventqueue.SessionEndEntry(eventqueue.SessionClose{
		SessionID: sessionID,
		EndedAt:   now,
		Reason:    reason,
	})); err != nil {
		m.log.Warn().Err(err).Str("session_id", sessionID).Msg("session end not persisted")
	}
	m.current.EndedAt = &now
	m.current.EndReason = reason
	m.current.IsActive = false
	m.current.SyncState = SyncPending
	m.state = StateIdle
	snapshot := *m.current
	m.mu.Unlock()

	m.persist(snapshot)
	m.log.Info().Str("session_id", sessionID).Str("reason", reason).Msg("session ended")
	if hooks.OnEnded != nil {
		hooks.OnEnded(sessionID, reason)
	}
	return true
}

// HandleSyncResult applies a delivery outcome for session_start or
// session_end. Failures move an active session to failed; it stays usable
// and returns to active once a later retry succeeds.
func (m *SessionManager) HandleSyncResult(result syncclient.Result) {
	if result.Op != eventqueue.OpSessionStart && result.Op != eventqueue.OpSessionEnd {
		return
	}
	m.mu.Lock()
	if m.current == nil || m.current.SessionID != result.SessionID {
		m.mu.Unlock()
		return
	}
	if result.Op == eventqueue.OpSessionStart && !m.current.IsActive {
		m.mu.Unlock()
		return
	}
	if result.Err == nil {
		m.current.SyncState = SyncSynced
		if m.state == StateFailed {
			m.state = StateActive
		}
	} else {
		m.current.SyncState = SyncFailed
		if m.state == StateActive {
			m.state = StateFailed
		}
	}
	snapshot := *m.current
	m.mu.Unlock()

	if result.Err != nil {
		m.log.Warn().Err(result.Err).Str("session_id", result.SessionID).Str("op", string(result.Op)).Msg("session sync failed")
	}
	m.persist(snapshot)
}

func (m *SessionManager) persist(session Session) {
	if err := m.store.Save(session); err != nil {
		m.log.Warn().Err(err).Str("session_id", session.SessionID).Msg("session record not persisted")
	}
}
