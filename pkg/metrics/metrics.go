// Package metrics provides the Prometheus registry reference for the tap and
// the Prometheus implementation of the checkpoint observer.
// Request, retry and rate limit metrics are defined in their respective
// packages (client, ratelimit, auth) to maintain modularity and avoid circular
// dependencies.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sternrassler/tap-pipedrive/pkg/recents"
)

// Registry is the default Prometheus registry used by the tap.
// Package-level metrics are registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - pipedrive_rate_limit_remaining (Gauge): Requests remaining in the current window
//   - pipedrive_rate_limit_waits_total (Counter): Proactive waits for a window reset
//   - pipedrive_rate_limit_wait_seconds (Histogram): Duration of proactive waits
//
// Auth Metrics (pkg/auth):
//   - pipedrive_token_refreshes_total{result} (Counter): Access token refreshes
//
// Request Metrics (pkg/client):
//   - pipedrive_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - pipedrive_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - pipedrive_errors_total{class} (Counter): Errors by class (network, throttled, server, auth, http, bad_response)
//
// Retry Metrics (pkg/client):
//   - pipedrive_retries_total{error_class} (Counter): Retry attempts by error class
//   - pipedrive_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - pipedrive_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Checkpoint Metrics (Observer):
//   - pipedrive_records_emitted_total{stream} (Counter): Records handed to the sink
//   - pipedrive_batches_flushed_total (Counter): Sink flushes
//   - pipedrive_batch_records (Histogram): Records per flush
//   - pipedrive_watermark_persists_total{stream} (Counter): Watermark checkpoints
//   - pipedrive_watermark_timestamp_seconds{stream} (Gauge): Last persisted watermark as Unix time
//
// Example Prometheus Queries:
//
//   # Record throughput by stream
//   sum by (stream) (rate(pipedrive_records_emitted_total[5m]))
//
//   # Extraction lag
//   time() - pipedrive_watermark_timestamp_seconds{stream="recents"}
//
//   # Request Error Rate
//   rate(pipedrive_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(pipedrive_request_duration_seconds_bucket[5m]))

// Observer reports checkpoint progress to Prometheus.
type Observer struct {
	recordsEmitted     *prometheus.CounterVec
	batchesFlushed     prometheus.Counter
	batchRecords       prometheus.Histogram
	watermarkPersists  *prometheus.CounterVec
	watermarkTimestamp *prometheus.GaugeVec
}

// NewObserver registers the checkpoint metrics with reg.
func NewObserver(reg prometheus.Registerer) *Observer {
	factory := promauto.With(reg)
	return &Observer{
		recordsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipedrive_records_emitted_total",
			Help: "Total records handed to the sink by stream",
		}, []string{"stream"}),
		batchesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipedrive_batches_flushed_total",
			Help: "Total sink flushes",
		}),
		batchRecords: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipedrive_batch_records",
			Help:    "Records delivered per flush",
			Buckets: []float64{1, 10, 25, 50, 100, 250},
		}),
		watermarkPersists: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipedrive_watermark_persists_total",
			Help: "Total watermark checkpoints by stream",
		}, []string{"stream"}),
		watermarkTimestamp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipedrive_watermark_timestamp_seconds",
			Help: "Last persisted watermark as Unix time by stream",
		}, []string{"stream"}),
	}
}

// RecordEmitted implements checkpoint.Observer.
func (o *Observer) RecordEmitted(stream string) {
	o.recordsEmitted.WithLabelValues(stream).Inc()
}

// BatchFlushed implements checkpoint.Observer.
func (o *Observer) BatchFlushed(n int) {
	o.batchesFlushed.Inc()
	o.batchRecords.Observe(float64(n))
}

// WatermarkPersisted implements checkpoint.Observer.
func (o *Observer) WatermarkPersisted(stream, watermark string) {
	o.watermarkPersists.WithLabelValues(stream).Inc()
	if t, err := recents.ParseTimestamp(watermark); err == nil {
		o.watermarkTimestamp.WithLabelValues(stream).Set(float64(t.Unix()))
	}
}

// Lag returns how far the watermark trails now.
func Lag(watermark string, now time.Time) (time.Duration, bool) {
	t, err := recents.ParseTimestamp(watermark)
	if err != nil {
		return 0, false
	}
	return now.Sub(t), true
}
