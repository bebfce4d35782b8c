// Package tracking owns the user-activity side of activitysync: the session
// lifecycle, page visits and event collection. Nothing here touches the
// network; records go to the outbox and the sync worker delivers them.
package tracking

import "time"

// Result is what every public tracking call returns. Local means the record
// is in the outbox; Synced is only set by calls that already know the backend
// acknowledged it.
type Result struct {
	Local  bool
	Synced bool
}

type SessionState string

const (
	StateIdle     SessionState = "idle"
	StateStarting SessionState = "starting"
	StateActive   SessionState = "active"
	StateEnding   SessionState = "ending"
	StateFailed   SessionState = "failed"
)

type SyncState string

const (
	SyncPending SyncState = "pending"
	SyncSynced  SyncState = "synced"
	SyncFailed  SyncState = "failed"
)

const (
	ReasonLogout     = "logout"
	ReasonReplaced   = "replaced"
	ReasonBackground = "background"
	ReasonTimeout    = "timeout"
)

const (
	ExitNavigation = "navigation"
	ExitSessionEnd = "session_end"
	ExitBackground = "background"
	ExitAppClose   = "app_close"
)

// DeviceInfo describes the client for session start records.
type DeviceInfo struct {
	DeviceType  string `json:"deviceType" yaml:"deviceType"`
	DeviceModel string `json:"deviceModel,omitempty" yaml:"deviceModel"`
	OSVersion   string `json:"osVersion,omitempty" yaml:"osVersion"`
	AppVersion  string `json:"appVersion,omitempty" yaml:"appVersion"`
	UserAgent   string `json:"userAgent,omitempty" yaml:"userAgent"`
}

type Session struct {
	SessionID string     `json:"sessionId"`
	UserID    string     `json:"userId"`
	Device    DeviceInfo `json:"device"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	EndReason string     `json:"endReason,omitempty"`
	IsActive  bool       `json:"isActive"`
	SyncState SyncState  `json:"syncState"`
}

type PageVisit struct {
	PageID     string     `json:"pageId"`
	PageName   string     `json:"pageName"`
	Path       string     `json:"path,omitempty"`
	Referrer   string     `json:"referrer,omitempty"`
	SessionID  string     `json:"sessionId,omitempty"`
	EnteredAt  time.Time  `json:"enteredAt"`
	ExitedAt   *time.Time `json:"exitedAt,omitempty"`
	ExitReason string     `json:"exitReason,omitempty"`
}

// Duration is exit minus enter, never negative.
func (v PageVisit) Duration() time.Duration {
	if v.ExitedAt == nil {
		return 0
	}
	d := v.ExitedAt.Sub(v.EnteredAt)
	if d < 0 {
		return 0
	}
	return d
}

// Flusher asks the sync worker to drain the outbox without waiting for it.
type Flusher interface {
	Flush()
}

type noopFlusher struct{}

func (noopFlusher) Flush() {}
