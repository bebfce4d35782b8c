package httpapi

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

type serverMetrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	events        *prometheus.CounterVec
	sessions      *prometheus.CounterVec
	devices       *prometheus.CounterVec
	notifications prometheus.Counter
}

func newServerMetrics() *serverMetrics {
	m := &serverMetrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "activitysync_ingest",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route template and status code.",
		}, []string{"route", "code"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "activitysync_ingest",
			Name:      "events_total",
			Help:      "Received events by outcome.",
		}, []string{"outcome"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "activitysync_ingest",
			Name:      "session_ops_total",
			Help:      "Session starts and closes.",
		}, []string{"op"}),
		devices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "activitysync_ingest",
			Name:      "device_ops_total",
			Help:      "Device registration operations.",
		}, []string{"op"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "activitysync_ingest",
			Name:      "notifications_delivered_total",
			Help:      "Notifications written to open push streams.",
		}),
	}
	m.registry.MustRegister(m.requests, m.events, m.sessions, m.devices, m.notifications)
	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.log.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Str("correlation_id", getCorrelationID(r)).
			Msg("request")
	})
}
