// Package telemetry exposes sync engine metrics in the Prometheus format
// and turns orchestrator events into logs and metric updates.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "catalogsync"

// Metrics holds the engine's collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	batches       *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	items         *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	fatalErrors   *prometheus.CounterVec
	lockSteals    *prometheus.CounterVec

	cacheLookups   *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec

	blobsStored  prometheus.Counter
	blobBytes    prometheus.Counter
	blobsDeduped prometheus.Counter
	orphansSwept *prometheus.CounterVec
}

// NewMetrics creates the collectors on a dedicated registry. withRuntime
// adds the Go runtime and process collectors.
func NewMetrics(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		registry: reg,
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_committed_total",
			Help:      "Batches committed, by entity kind.",
		}, []string{"entity_kind"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time from page fetch to commit of one batch.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"entity_kind"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Items handled, by entity kind and outcome.",
		}, []string{"entity_kind", "outcome"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"entity_kind", "status"}),
		fatalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fatal_errors_total",
			Help:      "Errors that failed a job.",
		}, []string{"entity_kind"}),
		lockSteals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_steals_total",
			Help:      "Locks taken over from a previous owner.",
		}, []string{"reason"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache reads, by result.",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Keys matched by Evict, by action.",
		}, []string{"action"}),
		blobsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blobs_stored_total",
			Help:      "New origin and content mappings.",
		}),
		blobBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_bytes_total",
			Help:      "Bytes of newly mapped content.",
		}),
		blobsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blobs_deduplicated_total",
			Help:      "Puts answered by an existing mapping.",
		}),
		orphansSwept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_swept_total",
			Help:      "Orphaned mappings and storage objects deleted.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.batches, m.batchDuration, m.items, m.jobsFinished, m.fatalErrors, m.lockSteals,
		m.cacheLookups, m.cacheEvictions,
		m.blobsStored, m.blobBytes, m.blobsDeduped, m.orphansSwept,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordBatch counts one committed batch.
func (m *Metrics) RecordBatch(entityKind string, processed, errs, duplicates int64, d time.Duration) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(entityKind).Inc()
	m.batchDuration.WithLabelValues(entityKind).Observe(d.Seconds())
	m.items.WithLabelValues(entityKind, "written").Add(float64(processed))
	m.items.WithLabelValues(entityKind, "failed").Add(float64(errs))
	m.items.WithLabelValues(entityKind, "duplicate").Add(float64(duplicates))
}

// RecordJobFinished counts a job reaching status.
func (m *Metrics) RecordJobFinished(entityKind, status string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(entityKind, status).Inc()
}

// RecordFatal counts an error that failed a job.
func (m *Metrics) RecordFatal(entityKind string) {
	if m == nil {
		return
	}
	m.fatalErrors.WithLabelValues(entityKind).Inc()
}

// RecordLockSteal counts a lock takeover.
func (m *Metrics) RecordLockSteal(reason string) {
	if m == nil {
		return
	}
	m.lockSteals.WithLabelValues(reason).Inc()
}

// CacheLookup implements cache.Observer.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// CacheEvicted implements cache.Observer.
func (m *Metrics) CacheEvicted(cleared, preserved int) {
	if m == nil {
		return
	}
	m.cacheEvictions.WithLabelValues("cleared").Add(float64(cleared))
	m.cacheEvictions.WithLabelValues("preserved").Add(float64(preserved))
}

// BlobStored implements dedup.Observer.
func (m *Metrics) BlobStored(size int64) {
	if m == nil {
		return
	}
	m.blobsStored.Inc()
	m.blobBytes.Add(float64(size))
}

// BlobDeduplicated implements dedup.Observer.
func (m *Metrics) BlobDeduplicated() {
	if m == nil {
		return
	}
	m.blobsDeduped.Inc()
}

// OrphansSwept implements dedup.Observer.
func (m *Metrics) OrphansSwept(rows, objects int) {
	if m == nil {
		return
	}
	m.orphansSwept.WithLabelValues("rows").Add(float64(rows))
	m.orphansSwept.WithLabelValues("objects").Add(float64(objects))
}
