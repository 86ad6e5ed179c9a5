// Package metrics provides Prometheus metrics for an ossbucket server.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all ossbucket metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

var (
	bucketMetricsOnce     sync.Once
	bucketMetricsInstance *BucketMetrics
)

// BucketMetrics holds the metrics of one bucket.
type BucketMetrics struct {
	// Operation metrics
	OperationsTotal   *prometheus.CounterVec   // ossbucket_operations_total{operation,kind}
	OperationDuration *prometheus.HistogramVec // ossbucket_operation_duration_seconds{operation}
	AuthDenials       *prometheus.CounterVec   // ossbucket_auth_denials_total{kind}

	// Transfer metrics
	BytesUploaded   prometheus.Counter
	BytesDownloaded prometheus.Counter

	// Storage metrics
	FilesTotal   prometheus.Gauge
	FoldersTotal prometheus.Gauge
	StoredBytes  prometheus.Gauge

	// Volume metrics (filesystem holding the data directory)
	VolumeTotalBytes     prometheus.Gauge
	VolumeUsedBytes      prometheus.Gauge
	VolumeAvailableBytes prometheus.Gauge
}

// InitMetrics registers the bucket metrics on reg, labelled with the
// bucket name. Metrics are only registered once; later calls return the
// same instance. A nil reg means Registry.
func InitMetrics(reg prometheus.Registerer, bucket string) *BucketMetrics {
	bucketMetricsOnce.Do(func() {
		bucketMetricsInstance = newBucketMetrics(reg, bucket)
	})
	return bucketMetricsInstance
}

// GetMetrics returns the bucket metrics, or nil before InitMetrics.
func GetMetrics() *BucketMetrics {
	return bucketMetricsInstance
}

func newBucketMetrics(reg prometheus.Registerer, bucket string) *BucketMetrics {
	if reg == nil {
		reg = Registry
	}
	f := promauto.With(reg)
	constLabels := prometheus.Labels{"bucket": bucket}

	return &BucketMetrics{
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "ossbucket_operations_total",
			Help:        "Bucket operations by operation and result kind",
			ConstLabels: constLabels,
		}, []string{"operation", "kind"}),

		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "ossbucket_operation_duration_seconds",
			Help:        "Bucket operation duration in seconds",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"operation"}),

		AuthDenials: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "ossbucket_auth_denials_total",
			Help:        "Refused requests by error kind",
			ConstLabels: constLabels,
		}, []string{"kind"}),

		BytesUploaded: f.NewCounter(prometheus.CounterOpts{
			Name:        "ossbucket_bytes_uploaded_total",
			Help:        "Total chunk bytes written",
			ConstLabels: constLabels,
		}),

		BytesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Name:        "ossbucket_bytes_downloaded_total",
			Help:        "Total content bytes read",
			ConstLabels: constLabels,
		}),

		FilesTotal: f.NewGauge(prometheus.GaugeOpts{
			Name:        "ossbucket_files",
			Help:        "Number of files",
			ConstLabels: constLabels,
		}),

		FoldersTotal: f.NewGauge(prometheus.GaugeOpts{
			Name:        "ossbucket_folders",
			Help:        "Number of folders, root included",
			ConstLabels: constLabels,
		}),

		StoredBytes: f.NewGauge(prometheus.GaugeOpts{
			Name:        "ossbucket_stored_bytes",
			Help:        "Uncompressed bytes of file content",
			ConstLabels: constLabels,
		}),

		VolumeTotalBytes: f.NewGauge(prometheus.GaugeOpts{
			Name:        "ossbucket_volume_total_bytes",
			Help:        "Size of the volume holding the data directory",
			ConstLabels: constLabels,
		}),

		VolumeUsedBytes: f.NewGauge(prometheus.GaugeOpts{
			Name:        "ossbucket_volume_used_bytes",
			Help:        "Used bytes on the data volume",
			ConstLabels: constLabels,
		}),

		VolumeAvailableBytes: f.NewGauge(prometheus.GaugeOpts{
			Name:        "ossbucket_volume_available_bytes",
			Help:        "Bytes available to the server on the data volume",
			ConstLabels: constLabels,
		}),
	}
}

// RecordOperation records one finished operation.
func (m *BucketMetrics) RecordOperation(operation, kind string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, kind).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordDenial records a refused request.
func (m *BucketMetrics) RecordDenial(kind string) {
	if m == nil {
		return
	}
	m.AuthDenials.WithLabelValues(kind).Inc()
}

// RecordUpload records bytes written.
func (m *BucketMetrics) RecordUpload(bytes int) {
	if m == nil {
		return
	}
	m.BytesUploaded.Add(float64(bytes))
}

// RecordDownload records bytes read.
func (m *BucketMetrics) RecordDownload(bytes int) {
	if m == nil {
		return
	}
	m.BytesDownloaded.Add(float64(bytes))
}

// UpdateStorage sets the storage gauges.
func (m *BucketMetrics) UpdateStorage(files, folders, bytes uint64) {
	if m == nil {
		return
	}
	m.FilesTotal.Set(float64(files))
	m.FoldersTotal.Set(float64(folders))
	m.StoredBytes.Set(float64(bytes))
}

// UpdateVolume sets the volume gauges.
func (m *BucketMetrics) UpdateVolume(total, used, available int64) {
	if m == nil {
		return
	}
	m.VolumeTotalBytes.Set(float64(total))
	m.VolumeUsedBytes.Set(float64(used))
	m.VolumeAvailableBytes.Set(float64(available))
}
