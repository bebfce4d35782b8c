package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/elderdiet/activitysync/internal/recordstore"
	"github.com/elderdiet/activitysync/internal/syncclient"
)

type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistering  State = "registering"
	StateRegistered   State = "registered"
	StateStale        State = "stale"
)

// ErrSuperseded is returned by a task that was cancelled by a later Cleanup.
var ErrSuperseded = errors.New("device task superseded by cleanup")

// Registration is the persisted push registration. DeviceToken is the last
// token the backend confirmed; PendingToken is the one being swapped in.
type Registration struct {
	DeviceToken      string                  `json:"deviceToken,omitempty"`
	PendingToken     string                  `json:"pendingToken,omitempty"`
	Platform         string                  `json:"platform,omitempty"`
	DeviceModel      string                  `json:"deviceModel,omitempty"`
	OSVersion        string                  `json:"osVersion,omitempty"`
	AppVersion       string                  `json:"appVersion,omitempty"`
	IdentitySource   IdentitySource          `json:"identitySource,omitempty"`
	RegistrationID   string                  `json:"registrationId,omitempty"`
	Settings         syncclient.PushSettings `json:"settings"`
	State            State                   `json:"state"`
	InstallTimestamp time.Time               `json:"installTimestamp"`
	LastSyncedAt     *time.Time              `json:"lastSyncedAt,omitempty"`
	RetiredTokens    []string                `json:"retiredTokens,omitempty"`
}

func (r Registration) clone() Registration {
	out := r
	if r.RetiredTokens != nil {
		out.RetiredTokens = append([]string(nil), r.RetiredTokens...)
	}
	if r.LastSyncedAt != nil {
		ts := *r.LastSyncedAt
		out.LastSyncedAt = &ts
	}
	return out
}

func DefaultSettings() syncclient.PushSettings {
	return syncclient.PushSettings{
		PushEnabled:           true,
		MealRecordPushEnabled: true,
		ReminderPushEnabled:   true,
	}
}

type Options struct {
	Client     syncclient.DeviceClient
	Store      recordstore.Store
	Identity   IdentityProvider
	Attributes func() Attributes
	AppVersion string
	// Settings seeds a registration that has never been persisted.
	Settings *syncclient.PushSettings
	Retry    syncclient.RetryPolicy
	Logger   zerolog.Logger
}

// Registrar keeps the backend's push registration in step with the device's
// current token. Tasks run one at a time in submission order, off the
// caller's goroutine.
type Registrar struct {
	client     syncclient.DeviceClient
	store      recordstore.Store
	identity   IdentityProvider
	attributes func() Attributes
	appVersion string
	retry      syncclient.RetryPolicy
	log        zerolog.Logger
	now        func() time.Time

	mu       sync.Mutex
	reg      Registration
	tail     chan struct{}
	nextTask uint64
	inflight map[uint64]context.CancelFunc
}

func NewRegistrar(opts Options) (*Registrar, error) {
	if opts.Client == nil {
		return nil, errors.New("device client is required")
	}
	if opts.Store == nil {
		opts.Store = recordstore.NewMemoryStore()
	}
	if opts.Attributes == nil {
		opts.Attributes = HostAttributes
	}
	r := &Registrar{
		client:     opts.Client,
		store:      opts.Store,
		identity:   opts.Identity,
		attributes: opts.Attributes,
		appVersion: strings.TrimSpace(opts.AppVersion),
		retry:      opts.Retry,
		log:        opts.Logger.With().Str("component", "device_registrar").Logger(),
		now:        time.Now,
		inflight:   map[uint64]context.CancelFunc{},
	}
	var saved Registration
	found, err := r.store.Load(&saved)
	if err != nil {
		r.log.Warn().Err(err).Msg("registration record unreadable; starting unregistered")
		found = false
	}
	if found {
		r.reg = saved
	} else {
		r.reg = Registration{State: StateUnregistered, Settings: DefaultSettings()}
		if opts.Settings != nil {
			r.reg.Settings = *opts.Settings
		}
	}
	// A swap interrupted by a crash never confirmed its pending token.
	if r.reg.State == StateRegistering {
		r.reg.PendingToken = ""
		if r.reg.DeviceToken != "" {
			r.reg.State = StateStale
		} else {
			r.reg.State = StateUnregistered
		}
	}
	if r.reg.State == "" {
		r.reg.State = StateUnregistered
	}
	if r.reg.InstallTimestamp.IsZero() {
		r.reg.InstallTimestamp = r.now().UTC()
	}
	if err := r.store.Save(r.reg); err != nil {
		r.log.Warn().Err(err).Msg("persist registration failed")
	}
	return r, nil
}

// Registration returns a copy of the current record.
func (r *Registrar) Registration() Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reg.clone()
}

// Initialize registers the current token, swapping out a previous one only
// after the backend confirms the new one. It is a no-op when the confirmed
// token already matches.
func (r *Registrar) Initialize(ctx context.Context) <-chan error {
	return r.submit(ctx, true, r.reconcile)
}

// Cleanup cancels in-flight registration work and unregisters the device.
// The install timestamp, and with it the fingerprint, survives.
func (r *Registrar) Cleanup(ctx context.Context) <-chan error {
	r.cancelInFlight()
	return r.submit(ctx, false, r.unregister)
}

// Heartbeat confirms the registration. A backend that no longer knows the
// token marks it stale and triggers a re-registration.
func (r *Registrar) Heartbeat(ctx context.Context) <-chan error {
	return r.submit(ctx, true, func(ctx context.Context) error {
		cur := r.Registration()
		if cur.State != StateRegistered || cur.DeviceToken == "" {
			return nil
		}
		err := r.client.Heartbeat(ctx, cur.DeviceToken)
		switch {
		case err == nil:
			r.update(func(reg *Registration) {
				ts := r.now().UTC()
				reg.LastSyncedAt = &ts
			})
			return nil
		case errors.Is(err, syncclient.ErrNotFound):
			r.markStale("heartbeat")
			return r.reconcile(ctx)
		default:
			return fmt.Errorf("device heartbeat: %w", err)
		}
	})
}

// UpdatePushSettings stores settings locally at once and pushes them to the
// backend when registered. Unregistered devices send them with their next
// registration.
func (r *Registrar) UpdatePushSettings(ctx context.Context, settings syncclient.PushSettings) <-chan error {
	r.update(func(reg *Registration) {
		reg.Settings = settings
	})
	return r.submit(ctx, false, func(ctx context.Context) error {
		cur := r.Registration()
		if cur.State != StateRegistered || cur.DeviceToken == "" {
			return nil
		}
		err := r.retry.Retry(ctx, func() error {
			return r.client.UpdateDeviceSettings(ctx, cur.DeviceToken, cur.Settings)
		})
		switch {
		case err == nil:
			r.update(func(reg *Registration) {
				ts := r.now().UTC()
				reg.LastSyncedAt = &ts
			})
			return nil
		case errors.Is(err, syncclient.ErrNotFound):
			r.markStale("settings update")
			return r.reconcile(ctx)
		default:
			return fmt.Errorf("update push settings: %w", err)
		}
	})
}

func (r *Registrar) submit(ctx context.Context, cancelable bool, task func(context.Context) error) <-chan error {
	done := make(chan error, 1)
	taskCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	prev := r.tail
	finished := make(chan struct{})
	r.tail = finished
	r.nextTask++
	id := r.nextTask
	if cancelable {
		r.inflight[id] = cancel
	}
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer close(finished)
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.inflight, id)
			r.mu.Unlock()
		}()
		if prev != nil {
			<-prev
		}
		err := taskCtx.Err()
		if err == nil {
			err = task(taskCtx)
		}
		if err != nil && taskCtx.Err() != nil && ctx.Err() == nil {
			err = ErrSuperseded
		}
		done <- err
	}()
	return done
}

func (r *Registrar) cancelInFlight() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cancel := range r.inflight {
		cancel()
		delete(r.inflight, id)
	}
}

func (r *Registrar) resolveIdentity(ctx context.Context) identity {
	attrs := r.attributes()
	if r.identity != nil {
		token, err := r.identity.NativeToken(ctx)
		if err != nil {
			r.log.Warn().Err(err).Msg("native push token unavailable; using fingerprint")
		} else if token = strings.TrimSpace(token); token != "" {
			return identity{token: token, source: IdentityNative, attrs: attrs}
		}
	}
	installed := r.Registration().InstallTimestamp
	return identity{token: Fingerprint(attrs, installed), source: IdentityFingerprint, attrs: attrs}
}

func (r *Registrar) reconcile(ctx context.Context) error {
	id := r.resolveIdentity(ctx)
	cur := r.Registration()
	if cur.State == StateRegistered && cur.DeviceToken == id.token {
		r.retireTokens(ctx)
		return nil
	}
	prior := cur.State

	r.update(func(reg *Registration) {
		reg.State = StateRegistering
		reg.PendingToken = id.token
	})
	req := syncclient.DeviceRegistration{
		DeviceToken:    id.token,
		Platform:       id.attrs.Platform,
		DeviceModel:    id.attrs.Model,
		AppVersion:     r.appVersion,
		IdentitySource: string(id.source),
		PushSettings:   cur.Settings,
	}
	var resp syncclient.RegisterResponse
	err := r.retry.Retry(ctx, func() error {
		var callErr error
		resp, callErr = r.client.RegisterDevice(ctx, req)
		return callErr
	})
	if err != nil {
		r.update(func(reg *Registration) {
			reg.PendingToken = ""
			if reg.DeviceToken != "" && (prior == StateRegistered || prior == StateStale) {
				reg.State = StateStale
			} else {
				reg.State = StateUnregistered
			}
		})
		return fmt.Errorf("register device: %w", err)
	}

	old := cur.DeviceToken
	r.update(func(reg *Registration) {
		ts := r.now().UTC()
		reg.DeviceToken = id.token
		reg.PendingToken = ""
		reg.Platform = id.attrs.Platform
		reg.DeviceModel = id.attrs.Model
		reg.OSVersion = id.attrs.OSVersion
		reg.AppVersion = r.appVersion
		reg.IdentitySource = id.source
		reg.RegistrationID = resp.RegistrationID
		reg.State = StateRegistered
		reg.LastSyncedAt = &ts
		reg.RetiredTokens = removeToken(reg.RetiredTokens, id.token)
		if old != "" && old != id.token && (prior == StateRegistered || prior == StateStale) {
			reg.RetiredTokens = appendToken(reg.RetiredTokens, old)
		}
	})
	r.log.Info().
		Str("identity_source", string(id.source)).
		Str("registration_id", resp.RegistrationID).
		Msg("device registered")
	r.retireTokens(ctx)
	return nil
}

// retireTokens unregisters tokens replaced by a swap. Failures stay on the
// list for the next reconcile.
func (r *Registrar) retireTokens(ctx context.Context) {
	for _, token := range r.Registration().RetiredTokens {
		err := r.client.UnregisterDevice(ctx, token)
		if err != nil && !tokenGone(err) {
			r.log.Warn().Err(err).Msg("unregister retired token failed; will retry")
			continue
		}
		r.update(func(reg *Registration) {
			reg.RetiredTokens = removeToken(reg.RetiredTokens, token)
		})
	}
}

func (r *Registrar) unregister(ctx context.Context) error {
	cur := r.Registration()
	if cur.DeviceToken == "" || cur.State == StateUnregistered {
		r.update(func(reg *Registration) {
			reg.State = StateUnregistered
			reg.PendingToken = ""
		})
		return nil
	}
	err := r.client.UnregisterDevice(ctx, cur.DeviceToken)
	failed := err != nil && !tokenGone(err)
	r.update(func(reg *Registration) {
		reg.State = StateUnregistered
		reg.PendingToken = ""
		reg.RegistrationID = ""
		if failed {
			reg.RetiredTokens = appendToken(reg.RetiredTokens, cur.DeviceToken)
		}
	})
	if failed {
		return fmt.Errorf("unregister device: %w", err)
	}
	r.log.Info().Msg("device unregistered")
	return nil
}

func (r *Registrar) markStale(cause string) {
	r.update(func(reg *Registration) {
		reg.State = StateStale
		reg.RegistrationID = ""
	})
	r.log.Warn().Str("cause", cause).Msg("backend no longer knows device token; re-registering")
}

func (r *Registrar) update(mutate func(reg *Registration)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mutate(&r.reg)
	if err := r.store.Save(r.reg); err != nil {
		r.log.Warn().Err(err).Msg("persist registration failed")
	}
}

func tokenGone(err error) bool {
	return errors.Is(err, syncclient.ErrNotFound) || syncclient.Classify(err) == syncclient.ErrServerRejected
}

func appendToken(tokens []string, token string) []string {
	for _, existing := range tokens {
		if existing == token {
			return tokens
		}
	}
	return append(tokens, token)
}

func removeToken(tokens []string, token string) []string {
	out := tokens[:0]
	for _, existing := range tokens {
		if existing != token {
			out = append(out, existing)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
