package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TransportAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_transport_attempts_total",
		Help: "Total number of transport calls grouped by transport and outcome (sent, transient, permanent)",
	}, []string{"transport", "outcome"})
	FallbackEngaged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_fallback_engaged_total",
		Help: "Total number of fallback engagements grouped by outcome (sent, failed, unavailable)",
	}, []string{"outcome"})
	Messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_messages_total",
		Help: "Total number of messages reaching a terminal status",
	}, []string{"status"})
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_queue_depth",
		Help: "Number of submissions waiting in the dispatch queue",
	})
	SendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_send_duration_seconds",
		Help:    "Wall time of a Send call including queueing, retries and fallback",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
	TrackingPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_tracking_pruned_total",
		Help: "Total number of delivery records removed by prune",
	})
	AdminRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_admin_rate_limited_total",
		Help: "Total number of admin API requests rejected by the per-IP limiter",
	})
)

func init() {
	prometheus.MustRegister(TransportAttempts)
	prometheus.MustRegister(FallbackEngaged)
	prometheus.MustRegister(Messages)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(SendDuration)
	prometheus.MustRegister(TrackingPruned)
	prometheus.MustRegister(AdminRateLimited)
}

// Handler returns an http.Handler exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
