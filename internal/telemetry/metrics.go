package telemetry

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"

	"kpipe/internal/logging"
)

const namespace = "kpipe"

var (
	Polls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "coordinator_polls_total",
		Help:      "Poll cycles run by a consumer coordinator, by kind (fetch|housekeeping)",
	}, []string{"coordinator", "kind"})

	RecordsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "coordinator_records_delivered_total",
		Help:      "Records dispatched to requesters",
	}, []string{"coordinator"})

	Commits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "coordinator_commits_total",
		Help:      "Offset commits issued to the broker, by outcome (ok|error) and kind (request|refresh|stash)",
	}, []string{"coordinator", "kind", "outcome"})

	CommitLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "coordinator_commit_seconds",
		Help:      "Time between issuing a commit and its confirmation",
		Buckets:   prometheus.DefBuckets,
	}, []string{"coordinator"})

	StashedCommits = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "coordinator_stashed_commits",
		Help:      "Commit callers waiting for a rebalance to finish",
	}, []string{"coordinator"})

	Rebalances = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "coordinator_rebalance_events_total",
		Help:      "Partition assignment events, by event (assign|revoke)",
	}, []string{"coordinator", "event"})

	ProtocolViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "coordinator_protocol_violations_total",
		Help:      "Records received for partitions nobody requested",
	}, []string{"coordinator"})

	ProducerInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "producer_in_flight",
		Help:      "Sends submitted to the producer and not yet acknowledged",
	}, []string{"stage"})

	ProducerSends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "producer_sends_total",
		Help:      "Delivery reports received, by outcome (ok|error)",
	}, []string{"stage", "outcome"})
)

func init() {
	prometheus.MustRegister(
		Polls,
		RecordsDelivered,
		Commits,
		CommitLatency,
		StashedCommits,
		Rebalances,
		ProtocolViolations,
		ProducerInFlight,
		ProducerSends,
	)
}

// ClientHooks returns franz-go client hooks publishing broker-level metrics
// on the default registry. client must be unique per live client.
func ClientHooks(client string) *kprom.Metrics {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"client": client}, prometheus.DefaultRegisterer)
	return kprom.NewMetrics(namespace+"_kafka", kprom.Registerer(reg), kprom.Gatherer(prometheus.DefaultGatherer))
}

func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Expose serves /metrics on port in the background. A non-positive port
// disables it and returns nil.
func Expose(port int) *http.Server {
	if port <= 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Warn("metrics endpoint stopped", zap.Int("port", port), zap.Error(err))
		}
	}()
	return srv
}
