// Package metrics exposes Prometheus instrumentation for the index cache.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FlushTrigger names what caused a flush
type FlushTrigger string

const (
	// TriggerSize fires when a user's pending batch reaches the size limit
	TriggerSize FlushTrigger = "size"
	// TriggerTime fires when the oldest pending insert exceeds the batch delay
	TriggerTime FlushTrigger = "time"
	// TriggerForce is an explicit caller request
	TriggerForce FlushTrigger = "force"
)

// SearchPath names how a query was answered
type SearchPath string

const (
	// PathCommitted queried the committed index directly
	PathCommitted SearchPath = "committed"
	// PathSnapshot queried a clone augmented with pending vectors
	PathSnapshot SearchPath = "snapshot"
	// PathEmpty short-circuited for a user with no data
	PathEmpty SearchPath = "empty"
)

// Summary holds the most recent values seen by the collector
type Summary struct {
	// Flushes counts successful flushes
	Flushes int64
	// FailedFlushes counts flush attempts that returned an error
	FailedFlushes int64
	// Evictions counts idle entries removed
	Evictions int64
	// LastFlushDuration is the duration of the latest flush attempt
	LastFlushDuration time.Duration
	// LastBlobBytes is the size of the latest persisted snapshot
	LastBlobBytes int
	// Timestamp is when the summary last changed
	Timestamp time.Time
}

// Collector manages the collection of metrics
type Collector struct {
	// Prometheus registry
	registry *prometheus.Registry
	// Flush attempts by trigger and status
	flushes *prometheus.CounterVec
	// Flush latency histogram
	flushDuration prometheus.Histogram
	// Search latency histogram by path
	searchDuration *prometheus.HistogramVec
	// Pending vectors across all users
	pending prometheus.Gauge
	// Users with a live cache entry
	cachedUsers prometheus.Gauge
	// Evicted entries
	evictions prometheus.Counter
	// Persisted snapshot sizes
	blobBytes prometheus.Histogram
	// Whether Prometheus metrics are enabled
	prometheusEnabled bool
	// Lock for concurrent access
	mu sync.RWMutex
	// Recent values
	summary Summary
}

// NewCollector creates a new metrics collector
func NewCollector(prometheusEnabled bool) *Collector {
	c := &Collector{
		prometheusEnabled: prometheusEnabled,
		summary:           Summary{Timestamp: time.Now()},
	}

	if prometheusEnabled {
		c.registry = prometheus.NewRegistry()

		c.flushes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdw_index_flushes_total",
				Help: "Flush attempts by trigger and outcome",
			},
			[]string{"trigger", "status"},
		)

		c.flushDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pdw_index_flush_duration_seconds",
				Help:    "Time to merge, serialize and persist a batch",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms-10s
			},
		)

		c.searchDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pdw_index_search_duration_seconds",
				Help:    "Search latency by execution path",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms-1s
			},
			[]string{"path"},
		)

		c.pending = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pdw_index_pending_vectors",
				Help: "Vectors queued but not yet flushed",
			},
		)

		c.cachedUsers = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pdw_index_cached_users",
				Help: "Users with a live cache entry",
			},
		)

		c.evictions = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pdw_index_evictions_total",
				Help: "Idle cache entries evicted",
			},
		)

		c.blobBytes = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pdw_index_blob_bytes",
				Help:    "Size of persisted index snapshots",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KiB-256MiB
			},
		)

		c.registry.MustRegister(c.flushes)
		c.registry.MustRegister(c.flushDuration)
		c.registry.MustRegister(c.searchDuration)
		c.registry.MustRegister(c.pending)
		c.registry.MustRegister(c.cachedUsers)
		c.registry.MustRegister(c.evictions)
		c.registry.MustRegister(c.blobBytes)
	}

	return c
}

// RecordFlush records a flush attempt. blobBytes is ignored on failure.
func (c *Collector) RecordFlush(trigger FlushTrigger, d time.Duration, blobBytes int, err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	status := "ok"
	if err != nil {
		status = "error"
		c.summary.FailedFlushes++
	} else {
		c.summary.Flushes++
		c.summary.LastBlobBytes = blobBytes
	}
	c.summary.LastFlushDuration = d
	c.summary.Timestamp = time.Now()

	if c.prometheusEnabled {
		c.flushes.WithLabelValues(string(trigger), status).Inc()
		c.flushDuration.Observe(d.Seconds())
		if err == nil {
			c.blobBytes.Observe(float64(blobBytes))
		}
	}
}

// RecordSearch records a search latency
func (c *Collector) RecordSearch(path SearchPath, d time.Duration) {
	if c == nil || !c.prometheusEnabled {
		return
	}
	c.searchDuration.WithLabelValues(string(path)).Observe(d.Seconds())
}

// RecordEvictions records n evicted entries
func (c *Collector) RecordEvictions(n int) {
	if c == nil || n == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.summary.Evictions += int64(n)
	c.summary.Timestamp = time.Now()

	if c.prometheusEnabled {
		c.evictions.Add(float64(n))
	}
}

// SetCacheSize records the live entry count and pending depth
func (c *Collector) SetCacheSize(users, pending int) {
	if c == nil || !c.prometheusEnabled {
		return
	}
	c.cachedUsers.Set(float64(users))
	c.pending.Set(float64(pending))
}

// GetSummary retrieves the most recent values
func (c *Collector) GetSummary() Summary {
	if c == nil {
		return Summary{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.summary
}

// GetRegistry returns the Prometheus registry
func (c *Collector) GetRegistry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}
