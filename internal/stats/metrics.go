package stats

import "github.com/prometheus/client_golang/prometheus"

// metrics mirrors every recorded event as a Prometheus collector, for the
// out-of-scope dashboard (or an operator's own Prometheus server) to scrape.
// The core only increments these.
type metrics struct {
	registry *prometheus.Registry

	hits         prometheus.Counter
	misses       prometheus.Counter
	strips       prometheus.Counter
	syncs        prometheus.Counter
	prefetches   prometheus.Counter
	passthroughs prometheus.Counter
	servedBytes  prometheus.Counter
	savedBytes   prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metacache_hits_total", Help: "Cache hits served from the local store.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metacache_misses_total", Help: "Metadata requests forwarded upstream.",
		}),
		strips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metacache_strips_total", Help: "Documents trimmed and written to the cache.",
		}),
		syncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metacache_syncs_total", Help: "Cache entries refreshed from the changes feed.",
		}),
		prefetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metacache_prefetches_total", Help: "Dependencies warmed by the prefetcher.",
		}),
		passthroughs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metacache_passthroughs_total", Help: "Requests forwarded without caching.",
		}),
		servedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metacache_served_bytes_total", Help: "Bytes served from cache hits.",
		}),
		savedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metacache_saved_bytes_total", Help: "Bytes saved versus the untrimmed upstream document.",
		}),
	}
	reg.MustRegister(m.hits, m.misses, m.strips, m.syncs, m.prefetches, m.passthroughs, m.servedBytes, m.savedBytes)
	return m
}
