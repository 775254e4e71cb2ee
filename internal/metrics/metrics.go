// Package metrics exposes the bridge's Prometheus counters and gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter/gauge the bridge updates. Construct with
// New and register its Registry with an HTTP handler.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesTranslated *prometheus.CounterVec
	ReconnectsTotal    *prometheus.CounterVec
	ActiveAccounts     prometheus.Gauge
	CacheHits          *prometheus.CounterVec
	CacheMisses        *prometheus.CounterVec
	CommandsDispatched *prometheus.CounterVec
}

// New builds and registers the bridge's metric set against a fresh
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		MessagesTranslated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fossibot_bridge_messages_translated_total",
			Help: "Number of cloud register reads translated into local state publishes.",
		}, []string{"topic"}),
		ReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fossibot_bridge_reconnects_total",
			Help: "Number of reconnect attempts, labeled by tier.",
		}, []string{"tier"}),
		ActiveAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fossibot_bridge_active_accounts",
			Help: "Number of cloud accounts currently connected.",
		}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fossibot_bridge_cache_hits_total",
			Help: "Cache hits, labeled by cache name.",
		}, []string{"cache"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fossibot_bridge_cache_misses_total",
			Help: "Cache misses, labeled by cache name.",
		}, []string{"cache"}),
		CommandsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fossibot_bridge_commands_dispatched_total",
			Help: "Commands dispatched to devices, labeled by action.",
		}, []string{"action"}),
	}

	reg.MustRegister(
		m.MessagesTranslated,
		m.ReconnectsTotal,
		m.ActiveAccounts,
		m.CacheHits,
		m.CacheMisses,
		m.CommandsDispatched,
	)
	return m
}
