// Package metrics exposes the client's Prometheus collectors. Each Metrics
// value owns a private registry so tests and multiple client instances don't
// share counters.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Event counter names, used as the "event" label of cphere_events_total.
const (
	FramesIn             = "ws_frames_in"
	FramesOut            = "ws_frames_out"
	DecodeErrors         = "ws_decode_errors"
	UnknownKinds         = "ws_unknown_kinds"
	SendNotConnected     = "ws_send_not_connected"
	SendRateLimited      = "ws_send_rate_limited"
	ConnectFailures      = "ws_connect_failures"
	HandlerPanics        = "dispatch_handler_panics"
	Reconnects           = "session_reconnects"
	SnapshotItemsDropped = "reconcile_snapshot_items_dropped"
	RefreshFailures      = "reconcile_refresh_failures"
	CandidatesQueued     = "call_candidates_queued"
	CandidateErrors      = "call_candidate_errors"
	StaleCallEvents      = "call_stale_events"
)

type Metrics struct {
	registry *prometheus.Registry

	events      *prometheus.CounterVec
	connected   prometheus.Gauge
	dispatch    *prometheus.HistogramVec
	sessions    prometheus.Gauge
	notices     prometheus.Gauge
	transitions *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cphere_events_total",
			Help: "Internal event counters.",
		}, []string{"event"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cphere_ws_connected",
			Help: "1 while the relay websocket is open.",
		}),
		dispatch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cphere_dispatch_seconds",
			Help:    "Time spent running subscribers for one inbound event.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"kind"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cphere_chat_sessions",
			Help: "Chat sessions currently held by the reconciler.",
		}),
		notices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cphere_notifications",
			Help: "Pending notifications currently held by the reconciler.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cphere_call_transitions_total",
			Help: "Call engine state transitions, by target state.",
		}, []string{"state"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events,
		m.connected,
		m.dispatch,
		m.sessions,
		m.notices,
		m.transitions,
	)
	return m
}

// All methods are safe on a nil *Metrics so components can run unmetered.

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Add(float64(delta))
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	var pb dto.Metric
	if err := m.events.WithLabelValues(name).Write(&pb); err != nil {
		return 0
	}
	return uint64(pb.GetCounter().GetValue())
}

func (m *Metrics) SetConnected(open bool) {
	if m == nil {
		return
	}
	if open {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) ObserveDispatch(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) SetCollectionSizes(sessions, notifications int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(sessions))
	m.notices.Set(float64(notifications))
}

func (m *Metrics) CallTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
