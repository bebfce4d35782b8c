// Package pushchannel receives push notifications over a websocket stream.
// Devices identified by fingerprint have no platform push service, so the
// backend delivers their notifications here.
package pushchannel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/elderdiet/activitysync/internal/credential"
	"github.com/elderdiet/activitysync/internal/syncclient"
)

const (
	TypeMealRecord = "meal_record"
	TypeReminder   = "reminder"
)

type Notification struct {
	ID     string         `json:"id,omitempty"`
	Type   string         `json:"type"`
	Title  string         `json:"title,omitempty"`
	Body   string         `json:"body,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	SentAt time.Time      `json:"sentAt,omitempty"`
}

type Handler func(ctx context.Context, n Notification)

type Options struct {
	// URL is the ws:// or wss:// stream endpoint.
	URL         string
	Credentials credential.Source
	// DeviceToken names the registration the stream is for.
	DeviceToken func() string
	// Settings gates delivery per notification type. Nil delivers all.
	Settings func() syncclient.PushSettings
	Retry    syncclient.RetryPolicy
	Logger   zerolog.Logger
}

type Listener struct {
	url         string
	credentials credential.Source
	deviceToken func() string
	settings    func() syncclient.PushSettings
	retry       syncclient.RetryPolicy
	log         zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

func NewListener(opts Options) (*Listener, error) {
	streamURL := strings.TrimSpace(opts.URL)
	parsed, err := url.Parse(streamURL)
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss" && parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("invalid push stream url %q", opts.URL)
	}
	if opts.DeviceToken == nil {
		opts.DeviceToken = func() string { return "" }
	}
	return &Listener{
		url:         streamURL,
		credentials: opts.Credentials,
		deviceToken: opts.DeviceToken,
		settings:    opts.Settings,
		retry:       opts.Retry,
		log:         opts.Logger.With().Str("component", "push_channel").Logger(),
		handlers:    map[string]Handler{},
	}, nil
}

// Handle registers h for notifications of type typ, replacing any previous
// handler.
func (l *Listener) Handle(typ string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[strings.TrimSpace(typ)] = h
}

// HandleDefault receives notifications with no type-specific handler.
func (l *Listener) HandleDefault(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fallback = h
}

// Dispatch routes n to its handler. It reports false when n was suppressed
// by push settings or had nowhere to go.
func (l *Listener) Dispatch(ctx context.Context, n Notification) bool {
	if !l.allowed(n.Type) {
		l.log.Debug().Str("type", n.Type).Msg("notification suppressed by push settings")
		return false
	}
	l.mu.RLock()
	h, ok := l.handlers[n.Type]
	if !ok {
		h = l.fallback
	}
	l.mu.RUnlock()
	if h == nil {
		l.log.Debug().Str("type", n.Type).Msg("no handler for notification")
		return false
	}
	h(ctx, n)
	return true
}

func (l *Listener) allowed(typ string) bool {
	if l.settings == nil {
		return true
	}
	s := l.settings()
	if !s.PushEnabled {
		return false
	}
	switch typ {
	case TypeMealRecord:
		return s.MealRecordPushEnabled
	case TypeReminder:
		return s.ReminderPushEnabled
	}
	return true
}

// Run keeps a stream open until ctx ends, reconnecting with backoff. It
// returns early only when the backend rejects the credential.
func (l *Listener) Run(ctx context.Context) error {
	b := l.retry.NewBackOff()
	for {
		connected, err := l.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if syncclient.Classify(err) == syncclient.ErrAuth {
			return err
		}
		if connected {
			b.Reset()
		}
		delay := b.NextBackOff()
		l.log.Warn().Err(err).Dur("retry_in", delay).Msg("push stream disconnected")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Listener) stream(ctx context.Context) (bool, error) {
	header := http.Header{}
	if l.credentials != nil {
		token, err := l.credentials.Token(ctx)
		if err != nil {
			return false, err
		}
		header.Set("Authorization", "Bearer "+token)
	}
	target := l.url
	if token := strings.TrimSpace(l.deviceToken()); token != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + "deviceToken=" + url.QueryEscape(token)
	}

	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return false, &syncclient.HTTPError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "listener stopped")
	l.log.Info().Msg("push stream connected")

	for {
		var n Notification
		if err := wsjson.Read(ctx, conn, &n); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return true, errors.New("push stream closed by server")
			}
			return true, err
		}
		l.Dispatch(ctx, n)
	}
}
