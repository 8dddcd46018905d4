// Package metrics registers the Prometheus instruments for the server and
// exposes the /metrics handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the server updates.
type Metrics struct {
	registry *prometheus.Registry

	PlayersConnected prometheus.Gauge
	CometdSessions   prometheus.GaugeFunc

	StreamsServed     *prometheus.CounterVec
	TranscodeLaunches prometheus.Counter
	DiscoveryReplies  *prometheus.CounterVec
	CommandsServed    *prometheus.CounterVec
}

// SessionCounter reports the live Cometd session count.
type SessionCounter interface {
	SessionCount() int
}

// New builds the metric set on a private registry. sessions may be nil.
func New(sessions SessionCounter) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		PlayersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "resonance_players_connected",
			Help: "Number of players currently connected over Slimproto.",
		}),
		StreamsServed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resonance_streams_served_total",
			Help: "Audio streams served, by delivery kind.",
		}, []string{"kind"}),
		TranscodeLaunches: factory.NewCounter(prometheus.CounterOpts{
			Name: "resonance_transcode_launches_total",
			Help: "Transcode pipelines launched.",
		}),
		DiscoveryReplies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resonance_discovery_replies_total",
			Help: "Discovery replies sent, by probe kind.",
		}, []string{"kind"}),
		CommandsServed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resonance_commands_total",
			Help: "slim.request commands dispatched, by transport.",
		}, []string{"transport"}),
	}
	if sessions != nil {
		m.CometdSessions = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "resonance_cometd_sessions",
			Help: "Live Cometd sessions.",
		}, func() float64 { return float64(sessions.SessionCount()) })
	}
	return m
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
