// Package metrics exposes Prometheus collectors for hubs, feeds and replay
// runs, plus an HTTP server for /metrics and health probes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "indicator_hub"

var (
	// HubAppends counts results appended in append mode.
	HubAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_appends_total",
		Help:      "Results appended without a rebuild.",
	}, []string{"hub"})

	// HubRebuilds counts completed rollback and replay cycles.
	HubRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_rebuilds_total",
		Help:      "Rebuilds triggered by late arrivals, resends and removals.",
	}, []string{"hub"})

	// HubRebuildReplayed observes how many positions a rebuild recomputed.
	HubRebuildReplayed = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "hub_rebuild_replayed_items",
		Help:      "Provider records replayed per rebuild.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"hub"})

	// HubRebuildDuration observes rebuild latency.
	HubRebuildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "hub_rebuild_duration_seconds",
		Help:      "Time spent rolling back and replaying.",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"hub"})

	// HubPrunes counts results dropped by the cache bound.
	HubPrunes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_prunes_total",
		Help:      "Cached results pruned from the head.",
	}, []string{"hub"})

	// HubCacheSize is the number of cached results per hub.
	HubCacheSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hub_cache_size",
		Help:      "Cached results per hub.",
	}, []string{"hub"})

	// HubErrors counts hub faults by kind.
	HubErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_errors_total",
		Help:      "Hub faults by kind.",
	}, []string{"hub", "kind"})

	// FeedEvents counts feed mutations by operation and outcome.
	FeedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feed_events_total",
		Help:      "Feed events applied to the root hub.",
	}, []string{"op", "outcome"})

	// ReplayDuration observes whole replay runs.
	ReplayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "replay_duration_seconds",
		Help:      "Wall time of replay runs.",
		Buckets:   prometheus.DefBuckets,
	})

	// UptimeSeconds is set by the metrics server.
	UptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Process uptime.",
	})

	// BuildInfo carries version labels with a constant value of 1.
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information.",
	}, []string{"version", "commit", "build_time"})
)

// SetBuildInfo publishes the build labels.
func SetBuildInfo(version, commit, buildTime string) {
	BuildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
