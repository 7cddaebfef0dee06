package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "twitchrelay"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RelayMetrics holds the counters a relay session updates.
type RelayMetrics struct {
	ActiveSessions     prometheus.Gauge
	SessionsTotal      prometheus.Counter
	CapabilityOffers   *prometheus.CounterVec
	CapabilityRequests prometheus.Counter
	MessagesRewritten  *prometheus.CounterVec
	MessagesForwarded  prometheus.Counter
	NoticesSent        prometheus.Counter
}

// NewRelayMetrics creates and registers relay metrics on the given registry.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "active_sessions",
			Help:      "Number of connected downstream clients.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "sessions_total",
			Help:      "Total number of downstream clients accepted.",
		}),
		CapabilityOffers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "caps",
			Name:      "offers_total",
			Help:      "Capabilities advertised by the upstream, by decision.",
		}, []string{"decision"}),
		CapabilityRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "caps",
			Name:      "requests_total",
			Help:      "CAP REQ commands sent upstream.",
		}),
		MessagesRewritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rewriter",
			Name:      "messages_total",
			Help:      "Twitch commands consumed by the rewriter, by command.",
		}, []string{"command"}),
		MessagesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rewriter",
			Name:      "passthrough_total",
			Help:      "Upstream messages forwarded to the client unchanged.",
		}),
		NoticesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rewriter",
			Name:      "notices_total",
			Help:      "Synthetic NOTICE messages sent to clients.",
		}),
	}

	reg.MustRegister(
		m.ActiveSessions,
		m.SessionsTotal,
		m.CapabilityOffers,
		m.CapabilityRequests,
		m.MessagesRewritten,
		m.MessagesForwarded,
		m.NoticesSent,
	)
	return m
}

// NewServer returns an HTTP server exposing /metrics on addr. The caller
// starts it with ListenAndServe.
func NewServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))
	return &http.Server{Addr: addr, Handler: mux}
}
