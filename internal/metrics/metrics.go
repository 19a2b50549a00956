// Package metrics declares the prometheus collectors of both the server and
// the client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var SocketConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "happy_sync",
	Subsystem: "socket",
	Name:      "connections",
}, []string{"client_type"})

var SocketConnectErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "happy_sync",
	Subsystem: "socket",
	Name:      "connect_errors",
}, []string{"code"})

var UpdatesBroadcast = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "happy_sync",
	Subsystem: "updates",
	Name:      "broadcast",
}, []string{"type"})

var EphemeralBroadcast = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "happy_sync",
	Subsystem: "ephemeral",
	Name:      "broadcast",
}, []string{"type"})

var MutationResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "happy_sync",
	Subsystem: "updates",
	Name:      "mutation_results",
}, []string{"event", "result"})

var ResyncRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "happy_sync",
	Subsystem: "updates",
	Name:      "resync_requests",
}, []string{"kind", "result"})

var FeedPages = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "happy_sync",
	Subsystem: "feed",
	Name:      "pages",
}, []string{"direction"})

var FeedPageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "happy_sync",
	Subsystem: "feed",
	Name:      "page_duration_ms",
	Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 200, 500},
}, []string{"direction"})

var ClientConnectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "happy_sync",
	Subsystem: "client",
	Name:      "connection_state",
}, []string{"state"})

var ClientDroppedEphemeral = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "happy_sync",
	Subsystem: "client",
	Name:      "dropped_ephemeral",
})

var ClientSeqGaps = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "happy_sync",
	Subsystem: "client",
	Name:      "seq_gaps",
}, []string{"kind"})

// Collectors lists everything this package declares.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		SocketConnections,
		SocketConnectErrors,
		UpdatesBroadcast,
		EphemeralBroadcast,
		MutationResults,
		ResyncRequests,
		FeedPages,
		FeedPageDuration,
		ClientConnectionState,
		ClientDroppedEphemeral,
		ClientSeqGaps,
	}
}

// NewRegistry returns a registry holding all collectors. Collectors may be
// registered with any number of registries, so tests can build their own.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(Collectors()...)
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
