package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Requests counts handled requests by the branch that answered them
	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gomobi_edge_requests_total",
		Help: "The number of requests handled by the edge, by cache outcome",
	}, []string{"outcome"})

	// OriginFailures counts pass-through requests the origin did not answer
	OriginFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gomobi_edge_origin_failures_total",
		Help: "The number of pass-through requests that failed to reach the origin",
	})

	// CacheWrites counts background writes of fetched static assets
	CacheWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gomobi_edge_cache_writes_total",
		Help: "The number of opportunistic cache writes, by result",
	}, []string{"result"})

	// StoreDeletions counts cache store deletions on activation or clear
	StoreDeletions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gomobi_edge_store_deletions_total",
		Help: "The number of cache store deletions, by result",
	}, []string{"result"})

	// Installs counts install attempts of a cache generation
	Installs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gomobi_edge_installs_total",
		Help: "The number of cache generation installs, by result",
	}, []string{"result"})

	// ControlMessages counts control channel messages by type
	ControlMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gomobi_edge_control_messages_total",
		Help: "The number of control messages received, by type",
	}, []string{"type"})

	// ActiveGeneration is 1 for the generation currently controlling requests
	ActiveGeneration = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gomobi_edge_active_generation",
		Help: "Set to 1 for the cache generation that controls requests",
	}, []string{"generation"})
)

// Observer records background cache activity of workers.
type Observer struct{}

func (Observer) CacheWrite(_ string, err error) {
	CacheWrites.WithLabelValues(result(err)).Inc()
}

func (Observer) StoreDeleted(_ string, err error) {
	StoreDeletions.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func init() {
	prometheus.MustRegister(Requests)
	prometheus.MustRegister(OriginFailures)
	prometheus.MustRegister(CacheWrites)
	prometheus.MustRegister(StoreDeletions)
	prometheus.MustRegister(Installs)
	prometheus.MustRegister(ControlMessages)
	prometheus.MustRegister(ActiveGeneration)
}
