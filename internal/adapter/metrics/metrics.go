package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// VaultMetrics holds all Prometheus metrics for the service.
type VaultMetrics struct {
	EventsTotal         *prometheus.CounterVec
	BytesTotal          prometheus.Counter
	BufferRecords       prometheus.Gauge
	FlushesTotal        *prometheus.CounterVec
	FlushDuration       *prometheus.HistogramVec
	ArtifactsTotal      *prometheus.CounterVec
	ArtifactBytesTotal  *prometheus.CounterVec
	PrunedRecordsTotal  prometheus.Counter
	WriteFailureStreak  *prometheus.GaugeVec
	SourceRestartsTotal *prometheus.CounterVec
	MirrorFailuresTotal prometheus.Counter
}

// NewVaultMetrics initializes and registers the Prometheus metrics.
func NewVaultMetrics() *VaultMetrics {
	return &VaultMetrics{
		EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatvault",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Total number of ingested events by outcome.",
		}, []string{"outcome"}), // outcome: inserted, duplicate, malformed, error_log
		BytesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "chatvault",
			Subsystem: "ingest",
			Name:      "bytes_total",
			Help:      "Total number of raw bytes ingested.",
		}),
		BufferRecords: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatvault",
			Subsystem: "buffer",
			Name:      "records",
			Help:      "Number of deduplicated records currently retained.",
		}),
		FlushesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatvault",
			Subsystem: "flush",
			Name:      "flushes_total",
			Help:      "Total number of flush attempts by kind and status.",
		}, []string{"kind", "status"}), // status: committed, skipped, build_error, write_error, aborted
		FlushDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatvault",
			Subsystem: "flush",
			Name:      "duration_seconds",
			Help:      "Duration of flush attempts by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		ArtifactsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatvault",
			Subsystem: "artifacts",
			Name:      "committed_total",
			Help:      "Total number of committed artifacts by kind.",
		}, []string{"kind"}),
		ArtifactBytesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatvault",
			Subsystem: "artifacts",
			Name:      "bytes_total",
			Help:      "Total encoded bytes committed by kind.",
		}, []string{"kind"}),
		PrunedRecordsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "chatvault",
			Subsystem: "buffer",
			Name:      "pruned_records_total",
			Help:      "Total number of records pruned after committed exports.",
		}),
		WriteFailureStreak: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatvault",
			Subsystem: "flush",
			Name:      "consecutive_write_failures",
			Help:      "Current run of consecutive artifact write failures by kind.",
		}, []string{"kind"}),
		SourceRestartsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatvault",
			Subsystem: "sources",
			Name:      "restarts_total",
			Help:      "Total number of source restarts by source.",
		}, []string{"source"}),
		MirrorFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "chatvault",
			Subsystem: "mirror",
			Name:      "failures_total",
			Help:      "Total number of failed artifact mirror uploads.",
		}),
	}
}
