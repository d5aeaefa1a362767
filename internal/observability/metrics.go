package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the host and observer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ChannelConnections prometheus.Gauge
	ChannelRequests    *prometheus.CounterVec
	SnapshotScans      *prometheus.CounterVec
	Uploads            *prometheus.CounterVec
	TokenAcquisitions  *prometheus.CounterVec
	RemoteErrors       *prometheus.CounterVec
	UploadLatency      prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewMetrics registers instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, prometheus.DefaultGatherer, namespace)
}

// NewMetricsWith registers instruments on reg; gatherer backs Handler.
func NewMetricsWith(reg prometheus.Registerer, gatherer prometheus.Gatherer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChannelConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_connections",
			Help:      "Number of open observer channel connections.",
		}),
		ChannelRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_requests_total",
			Help:      "Channel requests by type and result.",
		}, []string{"type", "result"}),
		SnapshotScans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_scans_total",
			Help:      "Snapshot scans by outcome.",
		}, []string{"outcome"}),
		Uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Remote uploads by mode.",
		}, []string{"mode"}),
		TokenAcquisitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_acquisitions_total",
			Help:      "Access token acquisitions by path.",
		}, []string{"path"}),
		RemoteErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_errors_total",
			Help:      "Remote store and token endpoint errors by HTTP status.",
		}, []string{"status"}),
		UploadLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_latency_ms",
			Help:      "Latency of a full SAVE_SNAPSHOT round in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000},
		}),
		gatherer: gatherer,
	}
}

func (m *Metrics) ObserveChannelRequest(msgType, result string) {
	if m == nil {
		return
	}
	m.ChannelRequests.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.ChannelConnections.Inc()
}

func (m *Metrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.ChannelConnections.Dec()
}

func (m *Metrics) ObserveScan(outcome string) {
	if m == nil {
		return
	}
	m.SnapshotScans.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveUpload(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(mode).Inc()
	m.UploadLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTokenAcquisition(path string) {
	if m == nil {
		return
	}
	m.TokenAcquisitions.WithLabelValues(path).Inc()
}

func (m *Metrics) ObserveRemoteError(status int) {
	if m == nil {
		return
	}
	m.RemoteErrors.WithLabelValues(strconv.Itoa(status)).Inc()
}

// Handler serves the registry the metrics were created on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return MetricsHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
