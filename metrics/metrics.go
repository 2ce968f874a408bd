// Package metrics exposes CityHall's Prometheus metrics, grounded on the
// promauto-based metrics.go pattern from the dreamsxin-wal example (counter
// and gauge construction via promauto.With(reg), a dedicated registry
// rather than the global default one).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Snapshot is a point-in-time read of the engine's counters and gauges, for
// status reporting outside of the Prometheus scrape path.
type Snapshot struct {
	Writes           uint64
	ReadHits         uint64
	ReadMisses       uint64
	CacheHits        uint64
	CacheMisses      uint64
	Flushes          uint64
	Compactions      uint64
	BackpressureHits uint64

	// Gauges, per spec.md §4.9.
	MemtableBytes uint64
	STCount       uint64
	WALBytes      uint64
	DiskUsage     uint64
}

// Metrics holds every counter/gauge/histogram the engine updates, plus a
// private running tally so Snapshot can answer without scraping
// Prometheus's internal state.
type Metrics struct {
	registry *prometheus.Registry

	writes           prometheus.Counter
	readHits         prometheus.Counter
	readMisses       prometheus.Counter
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	flushes          prometheus.Counter
	compactions      prometheus.Counter
	backpressureHits prometheus.Counter
	writeLatency     prometheus.Histogram
	readLatency      prometheus.Histogram

	memtableBytes prometheus.Gauge
	stCount       prometheus.Gauge
	walBytes      prometheus.Gauge
	diskUsage     prometheus.Gauge

	tally  tally
	gauges gaugeTally
}

// tally is a best-effort, lock-free (atomic) mirror of the counters above, used
// only by Snapshot; Prometheus counters do not support reading their own
// current value back out.
type tally struct {
	writes, readHits, readMisses, cacheHits, cacheMisses, flushes, compactions, backpressure counterBox
}

// gaugeTally mirrors the last value set on each gauge, for the same reason
// tally mirrors counters: Prometheus gauges don't support reading back.
type gaugeTally struct {
	memtableBytes, stCount, walBytes, diskUsage gaugeBox
}

// New creates a Metrics bound to a fresh registry (not the global default),
// so an Engine can be constructed more than once per process — e.g. in
// tests — without colliding on metric registration.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		registry: reg,
		writes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cityhall_writes_total",
			Help: "Total Put/Delete calls accepted.",
		}),
		readHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cityhall_read_hits_total",
			Help: "Total Get calls that found a live value.",
		}),
		readMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cityhall_read_misses_total",
			Help: "Total Get calls for an absent or tombstoned key.",
		}),
		cacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cityhall_read_cache_hits_total",
			Help: "Total read-path cache hits.",
		}),
		cacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cityhall_read_cache_misses_total",
			Help: "Total read-path cache misses.",
		}),
		flushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cityhall_flushes_total",
			Help: "Total immutable memtables flushed to a sorted table.",
		}),
		compactions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cityhall_compactions_total",
			Help: "Total compaction runs completed.",
		}),
		backpressureHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cityhall_backpressure_total",
			Help: "Total writes rejected because a flush was already in progress.",
		}),
		writeLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "cityhall_write_latency_seconds",
			Help:    "Put/Delete latency including WAL fsync.",
			Buckets: prometheus.DefBuckets,
		}),
		readLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "cityhall_read_latency_seconds",
			Help:    "Get latency across memtable, cache, and sorted-table lookups.",
			Buckets: prometheus.DefBuckets,
		}),
		memtableBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "cityhall_memtable_bytes",
			Help: "Estimated byte size of the active memtable.",
		}),
		stCount: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "cityhall_sorted_tables",
			Help: "Number of live sorted tables.",
		}),
		walBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "cityhall_wal_bytes",
			Help: "Total bytes across sealed and active WAL segments.",
		}),
		diskUsage: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "cityhall_disk_usage_bytes",
			Help: "Total on-disk bytes across the WAL and sorted tables.",
		}),
	}
}

// Registry returns the Prometheus registry these metrics are bound to, for
// mounting on an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) IncWrites()        { m.writes.Inc(); m.tally.writes.inc() }
func (m *Metrics) IncReadHits()      { m.readHits.Inc(); m.tally.readHits.inc() }
func (m *Metrics) IncReadMisses()    { m.readMisses.Inc(); m.tally.readMisses.inc() }
func (m *Metrics) IncCacheHits()     { m.cacheHits.Inc(); m.tally.cacheHits.inc() }
func (m *Metrics) IncCacheMisses()   { m.cacheMisses.Inc(); m.tally.cacheMisses.inc() }
func (m *Metrics) IncFlushes()       { m.flushes.Inc(); m.tally.flushes.inc() }
func (m *Metrics) IncCompactions()   { m.compactions.Inc(); m.tally.compactions.inc() }
func (m *Metrics) IncBackpressure()  { m.backpressureHits.Inc(); m.tally.backpressure.inc() }

func (m *Metrics) ObserveWriteLatency(d time.Duration) { m.writeLatency.Observe(d.Seconds()) }
func (m *Metrics) ObserveReadLatency(d time.Duration)  { m.readLatency.Observe(d.Seconds()) }

// SetMemtableBytes records the active memtable's current estimated size.
func (m *Metrics) SetMemtableBytes(v uint64) {
	m.memtableBytes.Set(float64(v))
	m.gauges.memtableBytes.set(v)
}

// SetSTCount records the current number of live sorted tables.
func (m *Metrics) SetSTCount(v uint64) {
	m.stCount.Set(float64(v))
	m.gauges.stCount.set(v)
}

// SetWALBytes records the total bytes across sealed and active WAL segments.
func (m *Metrics) SetWALBytes(v uint64) {
	m.walBytes.Set(float64(v))
	m.gauges.walBytes.set(v)
}

// SetDiskUsage records total on-disk bytes across the WAL and sorted tables.
func (m *Metrics) SetDiskUsage(v uint64) {
	m.diskUsage.Set(float64(v))
	m.gauges.diskUsage.set(v)
}

// Snapshot returns a consistent-enough point-in-time read of the counters
// for status endpoints that don't want to scrape Prometheus text format.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Writes:           m.tally.writes.get(),
		ReadHits:         m.tally.readHits.get(),
		ReadMisses:       m.tally.readMisses.get(),
		CacheHits:        m.tally.cacheHits.get(),
		CacheMisses:      m.tally.cacheMisses.get(),
		Flushes:          m.tally.flushes.get(),
		Compactions:      m.tally.compactions.get(),
		BackpressureHits: m.tally.backpressure.get(),
		MemtableBytes:    m.gauges.memtableBytes.get(),
		STCount:          m.gauges.stCount.get(),
		WALBytes:         m.gauges.walBytes.get(),
		DiskUsage:        m.gauges.diskUsage.get(),
	}
}
