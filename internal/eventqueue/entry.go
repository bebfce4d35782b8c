package eventqueue

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrLocalStorage marks a persistence failure. The in-memory queue stays
	// authoritative and the write is retried on the next mutation or Sync.
	ErrLocalStorage = errors.New("local storage error")
)

// NoSession stamps events recorded while no session is active.
const NoSession = "no-session"

type Op string

const (
	OpSessionStart Op = "session_start"
	OpEvent        Op = "event"
	OpSessionEnd   Op = "session_end"
)

type EventKind string

const (
	KindFeature     EventKind = "feature"
	KindTabSwitch   EventKind = "tab_switch"
	KindPageVisit   EventKind = "page_visit"
	KindAuth        EventKind = "auth"
	KindInteraction EventKind = "interaction"
)

// Event is immutable once created; EventID is the server-side idempotency key.
type Event struct {
	EventID         string         `json:"eventId"`
	SessionID       string         `json:"sessionId"`
	Kind            EventKind      `json:"kind"`
	Name            string         `json:"name,omitempty"`
	Result          string         `json:"result,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	Sequence        uint64         `json:"sequence"`
	ClientTimestamp time.Time      `json:"clientTimestamp"`
}

type SessionStart struct {
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId"`
	DeviceType  string    `json:"deviceType"`
	DeviceModel string    `json:"deviceModel,omitempty"`
	OSVersion   string    `json:"osVersion,omitempty"`
	AppVersion  string    `json:"appVersion,omitempty"`
	UserAgent   string    `json:"userAgent,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
}

type SessionClose struct {
	SessionID string    `json:"sessionId"`
	EndedAt   time.Time `json:"endedAt"`
	Reason    string    `json:"reason"`
}

// Entry is one record of the outbox. Session operations share the log with
// events so FIFO order covers start -> events -> end.
type Entry struct {
	Ordinal    uint64        `json:"ordinal"`
	Op         Op            `json:"op"`
	SessionID  string        `json:"sessionId"`
	Event      *Event        `json:"event,omitempty"`
	Start      *SessionStart `json:"sessionStart,omitempty"`
	Close      *SessionClose `json:"sessionClose,omitempty"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
}

func (e Entry) valid() bool {
	switch e.Op {
	case OpEvent:
		return e.Event != nil && e.Event.EventID != ""
	case OpSessionStart:
		return e.Start != nil && e.Start.SessionID != ""
	case OpSessionEnd:
		return e.Close != nil && e.Close.SessionID != ""
	default:
		return false
	}
}

func EventEntry(event Event) Entry {
	return Entry{Op: OpEvent, SessionID: event.SessionID, Event: &event}
}

func SessionStartEntry(start SessionStart) Entry {
	return Entry{Op: OpSessionStart, SessionID: start.SessionID, Start: &start}
}

func SessionEndEntry(end SessionClose) Entry {
	return Entry{Op: OpSessionEnd, SessionID: end.SessionID, Close: &end}
}
