package tracking

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/elderdiet/activitysync/internal/eventqueue"
	"github.com/elderdiet/activitysync/internal/recordstore"
	"github.com/elderdiet/activitysync/internal/syncclient"
)

// SyncWorker is the slice of syncclient.Worker the core drives.
type SyncWorker interface {
	Flusher
	SetForeground(foreground bool)
	CredentialChanged()
	AddListener(listener syncclient.Listener)
}

// DeviceLifecycle is the push registrar as seen from app lifecycle hooks.
type DeviceLifecycle interface {
	Initialize(ctx context.Context) <-chan error
	Cleanup(ctx context.Context) <-chan error
	Heartbeat(ctx context.Context) <-chan error
}

type CoreOptions struct {
	Queue        eventqueue.Queue
	SessionStore recordstore.Store
	Worker       SyncWorker
	Device       DeviceLifecycle
	DeviceInfo   DeviceInfo
	BatchSize    int
	// FlushDebounce delays the flush scheduled after a page opens.
	FlushDebounce time.Duration
	Logger        zerolog.Logger
}

// Core wires the tracking components together and exposes app lifecycle
// hooks. All methods return without waiting on the network.
type Core struct {
	Sessions *SessionManager
	Pages    *PageVisitTracker
	Events   *Collector

	worker SyncWorker
	device DeviceLifecycle
	log    zerolog.Logger

	mu     sync.Mutex
	userID string
}

func NewCore(opts CoreOptions) (*Core, error) {
	var flusher Flusher = noopFlusher{}
	if opts.Worker != nil {
		flusher = opts.Worker
	}
	if opts.Queue == nil {
		opts.Queue = eventqueue.NewInMemoryQueue(0)
	}
	sessions := NewSessionManager(SessionManagerOptions{
		Queue:   opts.Queue,
		Store:   opts.SessionStore,
		Flusher: flusher,
		Device:  opts.DeviceInfo,
		Logger:  opts.Logger,
	})
	collector, err := NewCollector(CollectorOptions{
		Queue:         opts.Queue,
		Sessions:      sessions,
		Flusher:       flusher,
		BatchSize:     opts.BatchSize,
		FlushDebounce: opts.FlushDebounce,
		Logger:        opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	pages := NewPageVisitTracker(collector, sessions, opts.Logger)
	sessions.SetHooks(SessionHooks{
		OnEnding: pages.sessionEnding,
		OnStarted: func(sessionID, _ string) {
			pages.sessionStarted(sessionID)
		},
		OnEnded: func(sessionID, _ string) {
			collector.CancelScheduledFlush()
			collector.forgetSession(sessionID)
		},
	})
	c := &Core{
		Sessions: sessions,
		Pages:    pages,
		Events:   collector,
		worker:   opts.Worker,
		device:   opts.Device,
		log:      opts.Logger.With().Str("component", "core").Logger(),
	}
	if current, ok := sessions.CurrentSession(); ok && current.IsActive {
		c.userID = current.UserID
	}
	if opts.Worker != nil {
		opts.Worker.AddListener(sessions.HandleSyncResult)
	}
	return c, nil
}

// SetEnabled switches tracking on or off. Sessions and push registration
// are unaffected.
func (c *Core) SetEnabled(enabled bool) {
	c.Events.SetEnabled(enabled)
}

// OnLogin starts a session for userID and reconciles the push registration.
func (c *Core) OnLogin(ctx context.Context, userID string) Result {
	userID = strings.TrimSpace(userID)
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
	if c.worker != nil {
		c.worker.CredentialChanged()
	}
	result := c.Sessions.StartSession(userID)
	c.Events.TrackAuthEvent("login", "success")
	if c.device != nil {
		c.watch("device initialize", c.device.Initialize(ctx))
	}
	return result
}

// OnLogout ends the session and unregisters the device.
func (c *Core) OnLogout(ctx context.Context) Result {
	c.Events.TrackAuthEvent("logout", "success")
	result := c.Sessions.EndSession(ReasonLogout)
	c.mu.Lock()
	c.userID = ""
	c.mu.Unlock()
	if c.device != nil {
		c.watch("device cleanup", c.device.Cleanup(ctx))
	}
	return result
}

// OnForeground resumes sync, starts a session for a logged-in user that has
// none, and refreshes the push registration.
func (c *Core) OnForeground(ctx context.Context) Result {
	if c.worker != nil {
		c.worker.SetForeground(true)
	}
	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()

	result := Result{Local: true}
	if _, active := c.Sessions.ActiveSessionID(); !active && userID != "" {
		result = c.Sessions.StartSession(userID)
	}
	if c.device != nil && userID != "" {
		c.watch("device initialize", c.device.Initialize(ctx))
		c.watch("device heartbeat", c.device.Heartbeat(ctx))
	}
	return result
}

// OnBackground closes the open page, flushes, and pauses retries.
func (c *Core) OnBackground() Result {
	result := c.Pages.EndPageVisit(ExitBackground)
	c.Events.FlushNow()
	if c.worker != nil {
		c.worker.SetForeground(false)
	}
	return result
}

func (c *Core) watch(what string, done <-chan error) {
	if done == nil {
		return
	}
	go func() {
		if err := <-done; err != nil {
			c.log.Warn().Err(err).Msg(what + " failed")
		}
	}()
}
