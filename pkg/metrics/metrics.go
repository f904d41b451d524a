// Package metrics exposes Prometheus instrumentation for the networking
// core. Everything hangs off an isolated registry so embedding programs
// and tests never collide on the global default one. Components treat
// their *Metrics handle as optional and nil-check at call sites.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	// Discovery traffic
	AnnouncesTotal  *prometheus.CounterVec
	PeersDiscovered prometheus.Counter

	// Handshake outcomes
	HandshakesTotal *prometheus.CounterVec

	// Live sessions and chat traffic
	SessionsActive  prometheus.Gauge
	ChatFramesTotal *prometheus.CounterVec

	// Frames dropped by the codec
	DecodeErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all collectors registered on
// a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		AnnouncesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lanchat_announces_total",
				Help: "Discovery datagrams by direction and kind.",
			},
			[]string{"direction", "kind"},
		),
		PeersDiscovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lanchat_peers_discovered_total",
				Help: "Peers inserted into the registry by discovery.",
			},
		),
		HandshakesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lanchat_handshakes_total",
				Help: "Handshake resolutions by result.",
			},
			[]string{"result"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lanchat_sessions_active",
				Help: "Currently open chat sessions.",
			},
		),
		ChatFramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lanchat_chat_frames_total",
				Help: "Chat frames by direction.",
			},
			[]string{"direction"},
		),
		DecodeErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lanchat_decode_errors_total",
				Help: "Frames dropped as undecodable, by transport.",
			},
			[]string{"transport"},
		),
	}

	reg.MustRegister(
		m.AnnouncesTotal,
		m.PeersDiscovered,
		m.HandshakesTotal,
		m.SessionsActive,
		m.ChatFramesTotal,
		m.DecodeErrorsTotal,
	)

	return m
}

// Handler returns the scrape endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Handshake result label values.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultTimeout  = "timeout"
	ResultBusy     = "busy"
)
