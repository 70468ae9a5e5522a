package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatepass",
		Name:      "scans_total",
		Help:      "Scan decisions by outcome status",
	}, []string{"status"})

	NewPersons = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gatepass",
		Name:      "new_persons_total",
		Help:      "Provisional persons created from unmatched scans",
	})

	VerifyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gatepass",
		Name:      "verify_duration_seconds",
		Help:      "End-to-end scan decision latency",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"status"})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gatepass",
		Name:      "inference_duration_seconds",
		Help:      "Duration of ML inference stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"stage"})

	GallerySize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gatepass",
		Name:      "gallery_size",
		Help:      "Number of persons in the in-memory face gallery",
	})

	ReconcileJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatepass",
		Name:      "reconcile_jobs_total",
		Help:      "Reconciliation job results by status",
	}, []string{"status"})

	ReconcileRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gatepass",
		Name:      "reconcile_retries_total",
		Help:      "Reconciliation attempts that were scheduled for retry",
	})

	OCRDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gatepass",
		Name:      "ocr_duration_seconds",
		Help:      "OCR engine call duration",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"engine", "result"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gatepass",
		Name:      "queue_depth",
		Help:      "Number of pending reconciliation jobs in the stream",
	})

	OutboxRepublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gatepass",
		Name:      "outbox_republished_total",
		Help:      "Jobs republished by the outbox relay",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gatepass",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gatepass",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
