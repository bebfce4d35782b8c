// Package ingest holds the reference backend's state: sessions, events
// de-duplicated by id, device registrations and live notification streams.
package ingest

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/elderdiet/activitysync/internal/eventqueue"
	"github.com/elderdiet/activitysync/internal/pushchannel"
	"github.com/elderdiet/activitysync/internal/recordstore"
	"github.com/elderdiet/activitysync/internal/syncclient"
)

const defaultMaxStoredEvents = 10000

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
)

type Session struct {
	SessionID    string     `json:"sessionId"`
	UserID       string     `json:"userId"`
	DeviceType   string     `json:"deviceType,omitempty"`
	DeviceModel  string     `json:"deviceModel,omitempty"`
	OSVersion    string     `json:"osVersion,omitempty"`
	AppVersion   string     `json:"appVersion,omitempty"`
	UserAgent    string     `json:"userAgent,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	EndReason    string     `json:"endReason,omitempty"`
	EventCount   int        `json:"eventCount"`
	LastSequence uint64     `json:"lastSequence"`
}

type Device struct {
	DeviceToken    string                  `json:"deviceToken"`
	UserID         string                  `json:"userId"`
	Platform       string                  `json:"platform"`
	DeviceModel    string                  `json:"deviceModel,omitempty"`
	AppVersion     string                  `json:"appVersion,omitempty"`
	IdentitySource string                  `json:"identitySource,omitempty"`
	RegistrationID string                  `json:"registrationId"`
	Settings       syncclient.PushSettings `json:"settings"`
	RegisteredAt   time.Time               `json:"registeredAt"`
	LastSeenAt     time.Time               `json:"lastSeenAt"`
}

type snapshot struct {
	Sessions map[string]Session `json:"sessions"`
	Events   []eventqueue.Event `json:"events"`
	Devices  map[string]Device  `json:"devices"`
}

type StoreOptions struct {
	// State persists a snapshot after every mutation. Nil keeps state in
	// memory only.
	State           recordstore.Store
	MaxStoredEvents int
	Logger          zerolog.Logger
}

type Store struct {
	state     recordstore.Store
	maxEvents int
	log       zerolog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]Session
	events   []eventqueue.Event
	eventIDs map[string]struct{}
	devices  map[string]Device

	subsMu      sync.Mutex
	subscribers map[string]map[chan pushchannel.Notification]struct{}
}

func NewStore() *Store {
	s, _ := NewStoreWithOptions(StoreOptions{})
	return s
}

func NewStoreWithOptions(opts StoreOptions) (*Store, error) {
	if opts.MaxStoredEvents <= 0 {
		opts.MaxStoredEvents = defaultMaxStoredEvents
	}
	s := &Store{
		state:       opts.State,
		maxEvents:   opts.MaxStoredEvents,
		log:         opts.Logger.With().Str("component", "ingest_store").Logger(),
		now:         time.Now,
		sessions:    map[string]Session{},
		eventIDs:    map[string]struct{}{},
		devices:     map[string]Device{},
		subscribers: map[string]map[chan pushchannel.Notification]struct{}{},
	}
	if s.state == nil {
		return s, nil
	}
	var snap snapshot
	found, err := s.state.Load(&snap)
	if err != nil {
		return nil, fmt.Errorf("load ingest state: %w", err)
	}
	if found {
		for id, session := range snap.Sessions {
			s.sessions[id] = session
		}
		for token, device := range snap.Devices {
			s.devices[token] = device
		}
		s.events = snap.Events
		for _, event := range s.events {
			s.eventIDs[event.EventID] = struct{}{}
		}
	}
	return s, nil
}

func (s *Store) StartSession(userID string, start eventqueue.SessionStart) (Session, error) {
	start.SessionID = strings.TrimSpace(start.SessionID)
	if start.SessionID == "" || start.SessionID == eventqueue.NoSession {
		return Session{}, fmt.Errorf("%w: sessionId is required", ErrInvalidInput)
	}
	if start.UserID != "" && start.UserID != userID {
		return Session{}, fmt.Errorf("%w: session belongs to another user", ErrForbidden)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[start.SessionID]; ok {
		if existing.UserID != userID {
			return Session{}, fmt.Errorf("%w: session belongs to another user", ErrForbidden)
		}
		return existing, nil
	}
	startedAt := start.StartedAt
	if startedAt.IsZero() {
		startedAt = s.now().UTC()
	}
	session := Session{
		SessionID:   start.SessionID,
		UserID:      userID,
		DeviceType:  start.DeviceType,
		DeviceModel: start.DeviceModel,
		OSVersion:   start.OSVersion,
		AppVersion:  start.AppVersion,
		UserAgent:   start.UserAgent,
		StartedAt:   startedAt,
	}
	s.sessions[session.SessionID] = session
	s.persistLocked()
	return session, nil
}

// CloseSession is idempotent; closing an already closed session keeps the
// first end time.
func (s *Store) CloseSession(userID, sessionID string, endedAt time.Time, reason string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if session.UserID != userID {
		return Session{}, fmt.Errorf("%w: session belongs to another user", ErrForbidden)
	}
	if session.EndedAt != nil {
		return session, nil
	}
	if endedAt.IsZero() {
		endedAt = s.now().UTC()
	}
	session.EndedAt = &endedAt
	session.EndReason = strings.TrimSpace(reason)
	s.sessions[sessionID] = session
	s.persistLocked()
	return session, nil
}

func (s *Store) Session(sessionID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	return session, ok
}

// AppendEvents stores new events and returns their ids. Events already seen
// are skipped. A batch with any malformed event is rejected whole.
func (s *Store) AppendEvents(userID string, events []eventqueue.Event) ([]string, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: events are required", ErrInvalidInput)
	}
	for i, event := range events {
		switch {
		case strings.TrimSpace(event.EventID) == "":
			return nil, fmt.Errorf("%w: events[%d].eventId is required", ErrInvalidInput, i)
		case strings.TrimSpace(event.SessionID) == "":
			return nil, fmt.Errorf("%w: events[%d].sessionId is required", ErrInvalidInput, i)
		case strings.TrimSpace(string(event.Kind)) == "":
			return nil, fmt.Errorf("%w: events[%d].kind is required", ErrInvalidInput, i)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range events {
		if session, ok := s.sessions[event.SessionID]; ok && session.UserID != userID {
			return nil, fmt.Errorf("%w: session %s belongs to another user", ErrForbidden, event.SessionID)
		}
	}
	accepted := make([]string, 0, len(events))
	for _, event := range events {
		if _, seen := s.eventIDs[event.EventID]; seen {
			continue
		}
		s.eventIDs[event.EventID] = struct{}{}
		s.events = append(s.events, event)
		accepted = append(accepted, event.EventID)
		if session, ok := s.sessions[event.SessionID]; ok {
			session.EventCount++
			if event.Sequence > session.LastSequence {
				session.LastSequence = event.Sequence
			}
			s.sessions[event.SessionID] = session
		}
	}
	if overflow := len(s.events) - s.maxEvents; overflow > 0 {
		for _, dropped := range s.events[:overflow] {
			delete(s.eventIDs, dropped.EventID)
		}
		s.events = append([]eventqueue.Event(nil), s.events[overflow:]...)
	}
	if len(accepted) > 0 {
		s.persistLocked()
	}
	return accepted, nil
}

// Events returns the stored events of a session ordered by sequence.
func (s *Store) Events(sessionID string) []eventqueue.Event {
	s.mu.RLock()
	out := make([]eventqueue.Event, 0)
	for _, event := range s.events {
		if event.SessionID == sessionID {
			out = append(out, event)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// RegisterDevice upserts a registration. A token registered by another user
// moves to the caller.
func (s *Store) RegisterDevice(userID string, reg syncclient.DeviceRegistration) (Device, error) {
	token := strings.TrimSpace(reg.DeviceToken)
	if token == "" {
		return Device{}, fmt.Errorf("%w: deviceToken is required", ErrInvalidInput)
	}
	if strings.TrimSpace(reg.Platform) == "" {
		return Device{}, fmt.Errorf("%w: platform is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	device, exists := s.devices[token]
	if !exists || device.UserID != userID {
		device = Device{
			DeviceToken:    token,
			RegistrationID: "reg_" + ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
			RegisteredAt:   now,
		}
	}
	device.UserID = userID
	device.Platform = reg.Platform
	device.DeviceModel = reg.DeviceModel
	device.AppVersion = reg.AppVersion
	device.IdentitySource = reg.IdentitySource
	device.Settings = reg.PushSettings
	device.LastSeenAt = now
	s.devices[token] = device
	s.persistLocked()
	return device, nil
}

func (s *Store) UnregisterDevice(userID, token string) error {
	s.mu.Lock()
	device, err := s.ownedDeviceLocked(userID, token)
	if err == nil {
		delete(s.devices, token)
		s.persistLocked()
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.closeSubscribers(device.DeviceToken)
	return nil
}

func (s *Store) UpdateSettings(userID, token string, settings syncclient.PushSettings) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, err := s.ownedDeviceLocked(userID, token)
	if err != nil {
		return Device{}, err
	}
	device.Settings = settings
	device.LastSeenAt = s.now().UTC()
	s.devices[token] = device
	s.persistLocked()
	return device, nil
}

func (s *Store) Heartbeat(userID, token string) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, err := s.ownedDeviceLocked(userID, token)
	if err != nil {
		return Device{}, err
	}
	device.LastSeenAt = s.now().UTC()
	s.devices[token] = device
	s.persistLocked()
	return device, nil
}

func (s *Store) Device(token string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.devices[token]
	return device, ok
}

func (s *Store) ownedDeviceLocked(userID, token string) (Device, error) {
	device, ok := s.devices[token]
	if !ok {
		return Device{}, fmt.Errorf("%w: device token", ErrNotFound)
	}
	if device.UserID != userID {
		return Device{}, fmt.Errorf("%w: device belongs to another user", ErrForbidden)
	}
	return device, nil
}

// Subscribe opens a notification stream for token. The channel closes when
// the device is unregistered or cancel is called.
func (s *Store) Subscribe(token string) (<-chan pushchannel.Notification, func()) {
	ch := make(chan pushchannel.Notification, 16)
	s.subsMu.Lock()
	if s.subscribers[token] == nil {
		s.subscribers[token] = map[chan pushchannel.Notification]struct{}{}
	}
	s.subscribers[token][ch] = struct{}{}
	s.subsMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			if subs, ok := s.subscribers[token]; ok {
				if _, ok := subs[ch]; ok {
					delete(subs, ch)
					close(ch)
				}
				if len(subs) == 0 {
					delete(s.subscribers, token)
				}
			}
		})
	}
	return ch, cancel
}

// Publish delivers n to every open stream of token, honouring the device's
// push settings. Slow streams miss notifications rather than block.
func (s *Store) Publish(token string, n pushchannel.Notification) (int, error) {
	if strings.TrimSpace(n.Type) == "" {
		return 0, fmt.Errorf("%w: notification type is required", ErrInvalidInput)
	}
	device, ok := s.Device(token)
	if !ok {
		return 0, fmt.Errorf("%w: device token", ErrNotFound)
	}
	if !notificationAllowed(device.Settings, n.Type) {
		return 0, nil
	}
	if n.ID == "" {
		n.ID = ulid.Make().String()
	}
	if n.SentAt.IsZero() {
		n.SentAt = s.now().UTC()
	}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delivered := 0
	for ch := range s.subscribers[token] {
		select {
		case ch <- n:
			delivered++
		default:
			s.log.Warn().Str("type", n.Type).Msg("notification stream full; dropping")
		}
	}
	return delivered, nil
}

func (s *Store) closeSubscribers(token string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subscribers[token] {
		close(ch)
	}
	delete(s.subscribers, token)
}

func notificationAllowed(settings syncclient.PushSettings, typ string) bool {
	if !settings.PushEnabled {
		return false
	}
	switch typ {
	case pushchannel.TypeMealRecord:
		return settings.MealRecordPushEnabled
	case pushchannel.TypeReminder:
		return settings.ReminderPushEnabled
	}
	return true
}

func (s *Store) persistLocked() {
	if s.state == nil {
		return
	}
	snap := snapshot{
		Sessions: s.sessions,
		Events:   s.events,
		Devices:  s.devices,
	}
	if err := s.state.Save(snap); err != nil {
		s.log.Error().Err(err).Msg("persist ingest state failed")
	}
}
