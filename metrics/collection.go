package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Collection holds the service's Prometheus instruments. A nil *Collection is a no-op.
type Collection struct {
	joins              *prometheus.CounterVec
	matchesStarted     *prometheus.CounterVec
	settlements        *prometheus.CounterVec
	bestEffortFailures *prometheus.CounterVec
	segmentChanges     *prometheus.CounterVec
	sweepDuration      prometheus.Histogram
	settlementDuration prometheus.Histogram
	waitingQueue       prometheus.Gauge
}

func NewCollection(registry *prometheus.Registry) *Collection {
	factory := promauto.With(registry)
	return &Collection{
		joins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tournament_queue_joins_total",
			Help: "Queue join requests by result",
		}, []string{"result"}),
		matchesStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tournament_matches_started_total",
			Help: "Matches started by start reason",
		}, []string{"reason"}),
		settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tournament_settlements_total",
			Help: "Settlement calls by outcome",
		}, []string{"outcome"}),
		bestEffortFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tournament_best_effort_failures_total",
			Help: "Failed best-effort grants and submissions by kind",
		}, []string{"kind"}),
		segmentChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tournament_segment_changes_total",
			Help: "Segment transitions by direction",
		}, []string{"direction"}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tournament_sweep_duration_ms",
			Help:    "Matching sweep duration in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15),
		}),
		settlementDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tournament_settlement_duration_ms",
			Help:    "Settlement duration in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		waitingQueue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tournament_waiting_queue_entries",
			Help: "Waiting queue entries seen by the last sweep",
		}),
	}
}

func (c *Collection) Join(result string) {
	if c == nil {
		return
	}
	c.joins.WithLabelValues(result).Inc()
}

func (c *Collection) MatchStarted(reason string) {
	if c == nil {
		return
	}
	c.matchesStarted.WithLabelValues(reason).Inc()
}

func (c *Collection) Settlement(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.settlements.WithLabelValues(outcome).Inc()
	c.settlementDuration.Observe(float64(elapsed.Milliseconds()))
}

func (c *Collection) BestEffortFailure(kind string) {
	if c == nil {
		return
	}
	c.bestEffortFailures.WithLabelValues(kind).Inc()
}

func (c *Collection) SegmentChange(direction string) {
	if c == nil {
		return
	}
	c.segmentChanges.WithLabelValues(direction).Inc()
}

func (c *Collection) Sweep(elapsed time.Duration, waiting int) {
	if c == nil {
		return
	}
	c.sweepDuration.Observe(float64(elapsed.Milliseconds()))
	c.waitingQueue.Set(float64(waiting))
}

// NewRegistry returns a registry with the Go and process collectors attached.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// NewServer builds the metrics HTTP server; the caller owns its lifecycle.
func NewServer(registry *prometheus.Registry, port int, endpoint string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(endpoint, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	logrus.Infof("serving prometheus metrics at: (:%d%s)", port, endpoint)
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
