// Package httpapi is the reference ingest backend for the activity and push
// registration wire contract.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/elderdiet/activitysync/internal/eventqueue"
	"github.com/elderdiet/activitysync/internal/ingest"
	"github.com/elderdiet/activitysync/internal/pushchannel"
	"github.com/elderdiet/activitysync/internal/syncclient"
)

type ServerConfig struct {
	JWTSecret       string
	Audience        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          zerolog.Logger
}

type Server struct {
	store       *ingest.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	metrics     *serverMetrics
	router      *mux.Router
	log         zerolog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *ingest.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{Logger: zerolog.Nop()})
}

func NewServerWithConfig(store *ingest.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		metrics:     newServerMetrics(),
		log:         cfg.Logger.With().Str("component", "httpapi").Logger(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.authenticate)
	authed.HandleFunc("/push/stream", s.handlePushStream).Methods(http.MethodGet)

	api := authed.NewRoute().Subrouter()
	api.Use(s.requireCorrelation, s.limitRate)
	api.HandleFunc("/sessions", s.handleStartSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sessionId}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sessionId}/close", s.handleCloseSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sessionId}/events", s.handleSessionEvents).Methods(http.MethodGet)
	api.HandleFunc("/events/batch", s.handleEventBatch).Methods(http.MethodPost)
	api.HandleFunc("/devices/register", s.handleRegisterDevice).Methods(http.MethodPost)
	api.HandleFunc("/devices/unregister", s.handleUnregisterDevice).Methods(http.MethodPost)
	api.HandleFunc("/devices/{token}/settings", s.handleDeviceSettings).Methods(http.MethodPut)
	api.HandleFunc("/devices/{token}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	api.HandleFunc("/push/send", s.handlePushSend).Methods(http.MethodPost)
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, authErr := parseBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.cfg.Audience)
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

func (s *Server) requireCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if getCorrelationID(r) == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitRate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter != nil && !s.rateLimiter.allow(claimsFrom(r).UserID, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var start eventqueue.SessionStart
	if !s.decodeJSONBody(w, r, correlationID, &start) {
		return
	}
	if _, err := s.store.StartSession(claimsFrom(r).UserID, start); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	s.metrics.sessions.WithLabelValues("start").Inc()
	writeJSON(w, http.StatusOK, syncclient.Ack{Ack: true})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	session, ok := s.store.Session(sessionID)
	if !ok || session.UserID != claimsFrom(r).UserID {
		writeError(w, http.StatusNotFound, "not_found", "session not found", getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var body syncclient.CloseSessionRequest
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	sessionID := mux.Vars(r)["sessionId"]
	if _, err := s.store.CloseSession(claimsFrom(r).UserID, sessionID, body.EndedAt, body.Reason); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	s.metrics.sessions.WithLabelValues("close").Inc()
	writeJSON(w, http.StatusOK, syncclient.Ack{Ack: true})
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	if sessionID != eventqueue.NoSession {
		session, ok := s.store.Session(sessionID)
		if !ok || session.UserID != claimsFrom(r).UserID {
			writeError(w, http.StatusNotFound, "not_found", "session not found", getCorrelationID(r))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.store.Events(sessionID)})
}

func (s *Server) handleEventBatch(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var body syncclient.EventBatchRequest
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	accepted, err := s.store.AppendEvents(claimsFrom(r).UserID, body.Events)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	s.metrics.events.WithLabelValues("accepted").Add(float64(len(accepted)))
	if dup := len(body.Events) - len(accepted); dup > 0 {
		s.metrics.events.WithLabelValues("duplicate").Add(float64(dup))
	}
	writeJSON(w, http.StatusOK, syncclient.EventBatchResponse{AcceptedIDs: accepted})
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var reg syncclient.DeviceRegistration
	if !s.decodeJSONBody(w, r, correlationID, &reg) {
		return
	}
	device, err := s.store.RegisterDevice(claimsFrom(r).UserID, reg)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	s.metrics.devices.WithLabelValues("register").Inc()
	writeJSON(w, http.StatusOK, syncclient.RegisterResponse{RegistrationID: device.RegistrationID})
}

func (s *Server) handleUnregisterDevice(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var body syncclient.UnregisterRequest
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if err := s.store.UnregisterDevice(claimsFrom(r).UserID, strings.TrimSpace(body.DeviceToken)); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	s.metrics.devices.WithLabelValues("unregister").Inc()
	writeJSON(w, http.StatusOK, syncclient.Ack{Ack: true})
}

func (s *Server) handleDeviceSettings(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var settings syncclient.PushSettings
	if !s.decodeJSONBody(w, r, correlationID, &settings) {
		return
	}
	device, err := s.store.UpdateSettings(claimsFrom(r).UserID, mux.Vars(r)["token"], settings)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	s.metrics.devices.WithLabelValues("settings").Inc()
	writeJSON(w, http.StatusOK, device.Settings)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if _, err := s.store.Heartbeat(claimsFrom(r).UserID, mux.Vars(r)["token"]); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	s.metrics.devices.WithLabelValues("heartbeat").Inc()
	writeJSON(w, http.StatusOK, syncclient.Ack{Ack: true})
}

type pushSendRequest struct {
	DeviceToken  string                   `json:"deviceToken"`
	Notification pushchannel.Notification `json:"notification"`
}

func (s *Server) handlePushSend(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var body pushSendRequest
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	device, ok := s.store.Device(body.DeviceToken)
	if !ok || device.UserID != claimsFrom(r).UserID {
		writeError(w, http.StatusNotFound, "not_found", "device not found", correlationID)
		return
	}
	delivered, err := s.store.Publish(body.DeviceToken, body.Notification)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	s.metrics.notifications.Add(float64(delivered))
	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": delivered})
}

func (s *Server) handlePushStream(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	token := strings.TrimSpace(r.URL.Query().Get("deviceToken"))
	if token == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "deviceToken is required", correlationID)
		return
	}
	device, ok := s.store.Device(token)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "device not found", correlationID)
		return
	}
	if device.UserID != claimsFrom(r).UserID {
		writeError(w, http.StatusForbidden, "forbidden", "device belongs to another user", correlationID)
		return
	}

	notifications, cancel := s.store.Subscribe(token)
	defer cancel()
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("push stream upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case n, open := <-notifications:
			if !open {
				conn.Close(websocket.StatusNormalClosure, "device unregistered")
				return
			}
			if err := wsjson.Write(ctx, conn, n); err != nil {
				s.log.Debug().Err(err).Msg("push stream write failed")
				return
			}
		}
	}
}

func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, ingest.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, ingest.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, ingest.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
