package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	ScanCount            prometheus.Counter
	ScanFailures         prometheus.Counter
	BytesUsed            prometheus.Counter
	ExtractionBatches    prometheus.Counter
	ExtractionFallbacks  prometheus.Counter
	ItemsArchived        prometheus.Counter
	CacheHits            prometheus.Counter
	NotificationsSent    prometheus.Counter
	NotificationFailures prometheus.Counter
	FloodDeferred        prometheus.Counter
	FrozenSearches       prometheus.Gauge
	ActiveSubscribers    prometheus.Gauge
	CycleDuration        prometheus.Histogram
}

// NewMetrics creates new Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ScanCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "listing_radar_scan_count",
			Help: "Total number of search page fetch attempts",
		}),
		ScanFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "listing_radar_scan_failures",
			Help: "Total number of failed search page fetches",
		}),
		BytesUsed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "listing_radar_bytes_used_total",
			Help: "Wire bytes consumed by fetches",
		}),
		ExtractionBatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "listing_radar_extraction_batches",
			Help: "Total number of AI extraction sub-batches sent",
		}),
		ExtractionFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "listing_radar_extraction_fallbacks",
			Help: "Total number of listings that fell back to the deterministic parser",
		}),
		ItemsArchived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "listing_radar_items_archived",
			Help: "Total number of listings written to the archive",
		}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "listing_radar_cache_hits",
			Help: "Total number of candidates served from the archive without extraction",
		}),
		NotificationsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "listing_radar_notifications_sent",
			Help: "Total number of successful subscriber notifications",
		}),
		NotificationFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "listing_radar_notification_failures",
			Help: "Total number of failed subscriber notifications",
		}),
		FloodDeferred: promauto.NewCounter(prometheus.CounterOpts{
			Name: "listing_radar_flood_deferred",
			Help: "Total number of candidates deferred to a later tick by the flood cap",
		}),
		FrozenSearches: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "listing_radar_frozen_searches",
			Help: "Number of tracked searches currently frozen by the circuit breaker",
		}),
		ActiveSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "listing_radar_active_subscribers",
			Help: "Number of currently active subscribers",
		}),
		CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "listing_radar_cycle_duration_seconds",
			Help:    "Time spent running one polling cycle",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
