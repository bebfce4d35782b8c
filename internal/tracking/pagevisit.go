package tracking

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PageVisitTracker keeps at most one open visit. A visit opened while no
// session is active is held unattached and joins the next session that
// starts.
type PageVisitTracker struct {
	collector *Collector
	sessions  *SessionManager
	log       zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	open     *PageVisit
	lastPage string
	carried  *PageVisit
}

func NewPageVisitTracker(collector *Collector, sessions *SessionManager, logger zerolog.Logger) *PageVisitTracker {
	return &PageVisitTracker{
		collector: collector,
		sessions:  sessions,
		log:       logger.With().Str("component", "page_tracker").Logger(),
		now:       time.Now,
	}
}

// StartPageVisit closes the open visit with reason navigation, then opens
// pageID. It also restarts the debounced flush.
func (t *PageVisitTracker) StartPageVisit(pageID, pageName, path string) Result {
	if !t.collector.Enabled() {
		return Result{}
	}
	pageID = strings.TrimSpace(pageID)
	if pageID == "" {
		return Result{}
	}
	if strings.TrimSpace(pageName) == "" {
		pageName = pageID
	}
	now := t.now().UTC()
	sessionID, _ := t.sessions.ActiveSessionID()

	t.mu.Lock()
	closed := t.closeLocked(now, ExitNavigation)
	referrer := t.lastPage
	t.open = &PageVisit{
		PageID:    pageID,
		PageName:  pageName,
		Path:      path,
		Referrer:  referrer,
		SessionID: sessionID,
		EnteredAt: now,
	}
	t.lastPage = pageName
	t.carried = nil
	t.mu.Unlock()

	if closed != nil {
		t.collector.trackPageVisit(*closed)
	}
	t.collector.ScheduleFlush()
	return Result{Local: true}
}

// EndPageVisit closes the open visit. Without one it does nothing.
func (t *PageVisitTracker) EndPageVisit(reason string) Result {
	if strings.TrimSpace(reason) == "" {
		reason = ExitNavigation
	}
	t.mu.Lock()
	closed := t.closeLocked(t.now().UTC(), reason)
	t.mu.Unlock()
	if closed == nil {
		return Result{}
	}
	return t.collector.trackPageVisit(*closed)
}

// CurrentVisit returns the open visit, if any.
func (t *PageVisitTracker) CurrentVisit() (PageVisit, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open == nil {
		return PageVisit{}, false
	}
	return *t.open, true
}

func (t *PageVisitTracker) closeLocked(at time.Time, reason string) *PageVisit {
	if t.open == nil {
		return nil
	}
	closed := *t.open
	closed.ExitedAt = &at
	closed.ExitReason = reason
	t.open = nil
	return &closed
}

// sessionEnding closes the open visit inside the ending session. When the
// session is being replaced, the page is reopened in the next one.
func (t *PageVisitTracker) sessionEnding(sessionID, reason string) {
	t.mu.Lock()
	if t.open == nil || (t.open.SessionID != "" && t.open.SessionID != sessionID) {
		t.mu.Unlock()
		return
	}
	closed := t.closeLocked(t.now().UTC(), ExitSessionEnd)
	if reason == ReasonReplaced {
		carried := *closed
		t.carried = &carried
	}
	t.mu.Unlock()
	t.collector.trackPageVisit(*closed)
}

func (t *PageVisitTracker) sessionStarted(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open != nil && t.open.SessionID == "" {
		t.open.SessionID = sessionID
		t.log.Debug().Str("page_id", t.open.PageID).Str("session_id", sessionID).Msg("attached buffered visit")
		return
	}
	if t.open == nil && t.carried != nil {
		t.open = &PageVisit{
			PageID:    t.carried.PageID,
			PageName:  t.carried.PageName,
			Path:      t.carried.Path,
			Referrer:  t.carried.Referrer,
			SessionID: sessionID,
			EnteredAt: t.now().UTC(),
		}
	}
	t.carried = nil
}
