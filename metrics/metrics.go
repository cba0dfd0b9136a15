// Package metrics exposes local history storage health to Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ruteri/local-history-storage/storage"
)

// StorageSource is the part of storage.Storage the collector reads.
type StorageSource interface {
	State() storage.State
	Stats() storage.Stats
}

type storageCollector struct {
	src StorageSource

	broken      *prometheus.Desc
	stored      *prometheus.Desc
	unavailable *prometheus.Desc
	failures    *prometheus.Desc
	purged      *prometheus.Desc
}

// NewStorageCollector returns a collector reading src on every scrape.
func NewStorageCollector(namespace string, src StorageSource) prometheus.Collector {
	return &storageCollector{
		src: src,
		broken: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "storage", "broken"),
			"1 if the storage stopped recording contents after an I/O failure, otherwise 0",
			nil, nil,
		),
		stored: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "contents", "stored_total"),
			"Contents written to the blob store",
			nil, nil,
		),
		unavailable: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "contents", "unavailable_total"),
			"Contents that could not be stored",
			nil, nil,
		),
		failures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "contents", "failures_total"),
			"Blob store I/O failures",
			nil, nil,
		),
		purged: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "contents", "purged_total"),
			"Contents removed from the blob store",
			nil, nil,
		),
	}
}

func (c *storageCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.broken
	ch <- c.stored
	ch <- c.unavailable
	ch <- c.failures
	ch <- c.purged
}

func (c *storageCollector) Collect(ch chan<- prometheus.Metric) {
	var broken float64
	if c.src.State() == storage.StateBroken {
		broken = 1
	}
	stats := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.broken, prometheus.GaugeValue, broken)
	ch <- prometheus.MustNewConstMetric(c.stored, prometheus.CounterValue, float64(stats.Stored))
	ch <- prometheus.MustNewConstMetric(c.unavailable, prometheus.CounterValue, float64(stats.Unavailable))
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(stats.Failures))
	ch <- prometheus.MustNewConstMetric(c.purged, prometheus.CounterValue, float64(stats.Purged))
}

// MetricsServer serves a private registry on /metrics.
type MetricsServer struct {
	namespace string
	registry  *prometheus.Registry
	srv       *http.Server
}

// New creates a metrics server listening on addr. Go runtime and process
// metrics are registered up front.
func New(namespace, addr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace})); err != nil {
		return nil, err
	}

	m := &MetricsServer{
		namespace: namespace,
		registry:  registry,
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	m.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return m, nil
}

// RegisterStorage adds a collector for src.
func (m *MetricsServer) RegisterStorage(src StorageSource) error {
	return m.registry.Register(NewStorageCollector(m.namespace, src))
}

// Handler returns the /metrics handler for the server's registry.
func (m *MetricsServer) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
