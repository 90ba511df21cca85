// Package metrics registers the Prometheus instruments shared across
// the gateway and the reconciliation engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry *prometheus.Registry

	wsConnections    prometheus.Gauge
	onlineUsers      prometheus.Gauge
	eventsIn         *prometheus.CounterVec
	eventsOut        *prometheus.CounterVec
	messagesStored   prometheus.Counter
	syncRuns         *prometheus.CounterVec
	syncDuration     prometheus.Histogram
	chatsProvisioned prometheus.Counter
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		registry: reg,
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docuchat_ws_connections",
			Help: "Open websocket connections.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docuchat_online_users",
			Help: "Users with at least one authenticated connection.",
		}),
		eventsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docuchat_ws_events_in_total",
			Help: "Inbound websocket events by type.",
		}, []string{"type"}),
		eventsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docuchat_ws_events_out_total",
			Help: "Outbound websocket events by type.",
		}, []string{"type"}),
		messagesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docuchat_messages_stored_total",
			Help: "Chat messages persisted.",
		}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docuchat_sync_runs_total",
			Help: "Reconciliation runs by outcome.",
		}, []string{"outcome"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "docuchat_sync_duration_seconds",
			Help:    "Reconciliation run duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		chatsProvisioned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docuchat_chats_provisioned_total",
			Help: "Chats auto-created from tracked files.",
		}),
	}
	reg.MustRegister(
		r.wsConnections, r.onlineUsers,
		r.eventsIn, r.eventsOut, r.messagesStored,
		r.syncRuns, r.syncDuration, r.chatsProvisioned,
	)
	return r
}

// Handler serves the registry in Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Registry) ConnectionOpened() { r.wsConnections.Inc() }
func (r *Registry) ConnectionClosed() { r.wsConnections.Dec() }

func (r *Registry) SetOnlineUsers(n int) { r.onlineUsers.Set(float64(n)) }

func (r *Registry) EventReceived(eventType string) { r.eventsIn.WithLabelValues(eventType).Inc() }
func (r *Registry) EventSent(eventType string)     { r.eventsOut.WithLabelValues(eventType).Inc() }

func (r *Registry) MessageStored() { r.messagesStored.Inc() }

// SyncRunCompleted records one finished reconciliation run.
func (r *Registry) SyncRunCompleted(success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.syncRuns.WithLabelValues(outcome).Inc()
	r.syncDuration.Observe(duration.Seconds())
}

func (r *Registry) ChatProvisioned() { r.chatsProvisioned.Inc() }
