package ingest

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elderdiet/activitysync/internal/eventqueue"
	"github.com/elderdiet/activitysync/internal/pushchannel"
	"github.com/elderdiet/activitysync/internal/recordstore"
	"github.com/elderdiet/activitysync/internal/syncclient"
)

func event(id, sessionID string, seq uint64) eventqueue.Event {
	return eventqueue.Event{
		EventID:         id,
		SessionID:       sessionID,
		Kind:            eventqueue.KindFeature,
		Name:            "meal_log",
		Result:          "success",
		Sequence:        seq,
		ClientTimestamp: time.Now().UTC(),
	}
}

func TestAppendEventsDeduplicates(t *testing.T) {
	s := NewStore()
	_, err := s.StartSession("u1", eventqueue.SessionStart{SessionID: "s1", UserID: "u1"})
	require.NoError(t, err)

	accepted, err := s.AppendEvents("u1", []eventqueue.Event{event("e1", "s1", 1), event("e2", "s1", 2)})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, accepted)

	accepted, err = s.AppendEvents("u1", []eventqueue.Event{event("e2", "s1", 2), event("e3", "s1", 3)})
	require.NoError(t, err)
	assert.Equal(t, []string{"e3"}, accepted)

	session, ok := s.Session("s1")
	require.True(t, ok)
	assert.Equal(t, 3, session.EventCount)
	assert.Equal(t, uint64(3), session.LastSequence)
	assert.Len(t, s.Events("s1"), 3)
}

func TestAppendEventsRejectsMalformedBatch(t *testing.T) {
	s := NewStore()
	_, err := s.AppendEvents("u1", []eventqueue.Event{event("e1", "s1", 1), {SessionID: "s1", Kind: eventqueue.KindFeature}})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Empty(t, s.Events("s1"))

	_, err = s.AppendEvents("u1", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAppendEventsAcceptsSessionlessEvents(t *testing.T) {
	s := NewStore()
	accepted, err := s.AppendEvents("u1", []eventqueue.Event{event("e1", eventqueue.NoSession, 1)})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, accepted)
}

func TestSessionOwnership(t *testing.T) {
	s := NewStore()
	_, err := s.StartSession("u1", eventqueue.SessionStart{SessionID: "s1"})
	require.NoError(t, err)

	_, err = s.StartSession("u2", eventqueue.SessionStart{SessionID: "s1"})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = s.AppendEvents("u2", []eventqueue.Event{event("e1", "s1", 1)})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = s.CloseSession("u2", "s1", time.Now(), "logout")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = s.CloseSession("u1", "missing", time.Now(), "logout")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloseSessionIsIdempotent(t *testing.T) {
	s := NewStore()
	_, err := s.StartSession("u1", eventqueue.SessionStart{SessionID: "s1"})
	require.NoError(t, err)
	first := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	closed, err := s.CloseSession("u1", "s1", first, "logout")
	require.NoError(t, err)
	again, err := s.CloseSession("u1", "s1", first.Add(time.Hour), "timeout")
	require.NoError(t, err)
	assert.Equal(t, *closed.EndedAt, *again.EndedAt)
	assert.Equal(t, "logout", again.EndReason)
}

func TestDeviceLifecycle(t *testing.T) {
	s := NewStore()
	reg := syncclient.DeviceRegistration{
		DeviceToken:  "fcm-1",
		Platform:     "android",
		PushSettings: syncclient.PushSettings{PushEnabled: true, MealRecordPushEnabled: true},
	}
	device, err := s.RegisterDevice("u1", reg)
	require.NoError(t, err)
	assert.NotEmpty(t, device.RegistrationID)

	again, err := s.RegisterDevice("u1", reg)
	require.NoError(t, err)
	assert.Equal(t, device.RegistrationID, again.RegistrationID)

	_, err = s.Heartbeat("u1", "fcm-1")
	require.NoError(t, err)
	_, err = s.Heartbeat("u1", "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.UpdateSettings("u2", "fcm-1", syncclient.PushSettings{})
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, s.UnregisterDevice("u1", "fcm-1"))
	assert.ErrorIs(t, s.UnregisterDevice("u1", "fcm-1"), ErrNotFound)

	_, err = s.RegisterDevice("u1", syncclient.DeviceRegistration{DeviceToken: "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestPublishHonoursSettingsAndClosesOnUnregister(t *testing.T) {
	s := NewStore()
	_, err := s.RegisterDevice("u1", syncclient.DeviceRegistration{
		DeviceToken:  "fp-1",
		Platform:     "linux",
		PushSettings: syncclient.PushSettings{PushEnabled: true, MealRecordPushEnabled: false, ReminderPushEnabled: true},
	})
	require.NoError(t, err)

	ch, cancel := s.Subscribe("fp-1")
	defer cancel()

	n, err := s.Publish("fp-1", pushchannel.Notification{Type: pushchannel.TypeMealRecord})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Publish("fp-1", pushchannel.Notification{Type: pushchannel.TypeReminder, Title: "Drink water"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got := <-ch
	assert.Equal(t, "Drink water", got.Title)
	assert.NotEmpty(t, got.ID)

	_, err = s.Publish("missing", pushchannel.Notification{Type: pushchannel.TypeReminder})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UnregisterDevice("u1", "fp-1"))
	_, open := <-ch
	assert.False(t, open)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	state := recordstore.NewMemoryStore()
	s, err := NewStoreWithOptions(StoreOptions{State: state, Logger: zerolog.Nop()})
	require.NoError(t, err)
	_, err = s.StartSession("u1", eventqueue.SessionStart{SessionID: "s1"})
	require.NoError(t, err)
	_, err = s.AppendEvents("u1", []eventqueue.Event{event("e1", "s1", 1)})
	require.NoError(t, err)

	restarted, err := NewStoreWithOptions(StoreOptions{State: state, Logger: zerolog.Nop()})
	require.NoError(t, err)
	accepted, err := restarted.AppendEvents("u1", []eventqueue.Event{event("e1", "s1", 1)})
	require.NoError(t, err)
	assert.Empty(t, accepted)
	session, ok := restarted.Session("s1")
	require.True(t, ok)
	assert.Equal(t, 1, session.EventCount)
}

func TestStoredEventsAreBounded(t *testing.T) {
	s, err := NewStoreWithOptions(StoreOptions{MaxStoredEvents: 2})
	require.NoError(t, err)
	_, err = s.AppendEvents("u1", []eventqueue.Event{event("e1", "s1", 1), event("e2", "s1", 2), event("e3", "s1", 3)})
	require.NoError(t, err)
	events := s.Events("s1")
	require.Len(t, events, 2)
	assert.Equal(t, "e2", events[0].EventID)
}
