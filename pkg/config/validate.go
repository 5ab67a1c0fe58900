package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/persistence"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/vectortypes"
)

// ValidationIssue represents a configuration validation issue
type ValidationIssue struct {
	Field      string             // The key with the issue
	Value      interface{}        // The current value
	Message    string             // Description of the issue
	Severity   ValidationSeverity // How severe the issue is
	Suggestion string             // Suggested fix
}

// ValidationSeverity indicates how severe a validation issue is
type ValidationSeverity int

const (
	// Error indicates a configuration that will not work
	Error ValidationSeverity = iota
	// Warning indicates a configuration that may cause problems
	Warning
	// Info indicates a configuration that could be improved
	Info
)

// String returns a string representation of the severity
func (s ValidationSeverity) String() string {
	switch s {
	case Error:
		return "ERROR"
	case Warning:
		return "WARNING"
	case Info:
		return "INFO"
	default:
		return "UNKNOWN"
	}
}

func (i ValidationIssue) String() string {
	s := fmt.Sprintf("[%s] %s: %s (value: %v)", i.Severity, i.Field, i.Message, i.Value)
	if i.Suggestion != "" {
		s += " - " + i.Suggestion
	}
	return s
}

// Validate checks cfg and returns every issue found, most severe first
// within each section.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(field string, value interface{}, sev ValidationSeverity, msg, suggestion string) {
		issues = append(issues, ValidationIssue{
			Field:      field,
			Value:      value,
			Message:    msg,
			Severity:   sev,
			Suggestion: suggestion,
		})
	}

	// Index geometry
	switch d := cfg.Index.Dimension; {
	case d < 0:
		add("index.dimension", d, Error, "dimension must not be negative",
			"Set index.dimension to your embedding size, or 0 to take it from the first vector")
	case d == 0:
		add("index.dimension", d, Info, "dimension will be taken from each user's first vector",
			"Pin index.dimension to reject mismatched embeddings early")
	case d > 10000:
		add("index.dimension", d, Warning, "dimension is unusually high",
			"Consider dimensionality reduction before indexing")
	}
	if cfg.Index.MaxElements <= 0 {
		add("index.max_elements", cfg.Index.MaxElements, Error, "max_elements must be greater than 0",
			"Set index.max_elements to the largest per-user vector count you expect")
	}
	switch m := cfg.Index.M; {
	case m < 2:
		add("index.m", m, Error, "m must be at least 2",
			"Set index.m to a value between 5 and 100 (16 is a good default)")
	case m < 5:
		add("index.m", m, Warning, "m is too low for good recall",
			"Consider increasing index.m to at least 5")
	case m > 100:
		add("index.m", m, Warning, "m is unusually high",
			"High m values increase memory usage and construction time")
	}
	switch ef := cfg.Index.EfConstruction; {
	case ef <= 0:
		add("index.ef_construction", ef, Error, "ef_construction must be greater than 0",
			"Set index.ef_construction between 50 and 500 (200 is a good default)")
	case ef < 50:
		add("index.ef_construction", ef, Warning, "ef_construction is too low for good recall",
			"Consider increasing index.ef_construction to at least 50")
	}
	switch ef := cfg.Index.EfSearch; {
	case ef <= 0:
		add("index.ef_search", ef, Error, "ef_search must be greater than 0",
			"Set index.ef_search between 20 and 500 (50 is a good default)")
	case ef < 20:
		add("index.ef_search", ef, Warning, "ef_search is too low for good recall",
			"Consider increasing index.ef_search to at least 20")
	}
	if !cfg.Index.Space.Valid() {
		add("index.space", cfg.Index.Space, Error, "unknown distance space",
			"Use cosine, l2 or ip")
	} else if cfg.Index.Space == vectortypes.InnerProduct {
		add("index.space", cfg.Index.Space, Info, "inner product space only accepts unit-length vectors and queries",
			"Normalize embeddings before adding them, or use cosine")
	}

	// Batching
	switch n := cfg.Batch.MaxSize; {
	case n <= 0:
		add("batch.max_size", n, Error, "max_size must be greater than 0",
			"Set batch.max_size to a positive value (50 is a good default)")
	case n > 10000:
		add("batch.max_size", n, Warning, "max_size is unusually high",
			"Large batches hold more unflushed writes in memory")
	}
	switch d := cfg.Batch.Delay; {
	case d <= 0:
		add("batch.delay", d, Error, "delay must be positive",
			"Set batch.delay to a duration such as 5s")
	case d < 100*time.Millisecond:
		add("batch.delay", d, Warning, "delay is very short",
			"Sub-100ms delays flush almost every write and defeat batching")
	case d > 10*time.Minute:
		add("batch.delay", d, Warning, "delay is very long",
			"Writes stay unpersisted for up to batch.delay")
	}
	if cfg.Batch.FlushWorkers <= 0 {
		add("batch.flush_workers", cfg.Batch.FlushWorkers, Error, "flush_workers must be greater than 0",
			"Set batch.flush_workers to a small positive value (4 is a good default)")
	}
	if cfg.Batch.FlushRate < 0 {
		add("batch.flush_rate", cfg.Batch.FlushRate, Error, "flush_rate must not be negative",
			"Set batch.flush_rate to 0 to disable the limit")
	}

	// Eviction
	if cfg.Cache.TTL <= 0 {
		add("cache.ttl", cfg.Cache.TTL, Error, "ttl must be positive",
			"Set cache.ttl to a duration such as 30m")
	} else if cfg.Batch.Delay > 0 && cfg.Cache.TTL < cfg.Batch.Delay {
		add("cache.ttl", cfg.Cache.TTL, Info, "ttl is shorter than batch.delay",
			"Entries wait for their flush before they can be evicted")
	}
	if cfg.Cache.EvictInterval <= 0 {
		add("cache.evict_interval", cfg.Cache.EvictInterval, Error, "evict_interval must be positive",
			"Set cache.evict_interval to a duration such as 5m")
	}

	// Storage
	if _, err := persistence.ParseCompression(cfg.Storage.Compression); err != nil {
		add("storage.compression", cfg.Storage.Compression, Error, err.Error(),
			"Use zstd, lz4 or none")
	}
	if cfg.Storage.ReadCacheBytes < 0 {
		add("storage.read_cache_bytes", cfg.Storage.ReadCacheBytes, Error, "read_cache_bytes must not be negative",
			"Set storage.read_cache_bytes to 0 to disable the read cache")
	}
	switch cfg.Storage.Backend {
	case "memory":
		add("storage.backend", cfg.Storage.Backend, Warning, "snapshots are kept in memory only",
			"Use local, s3, minio, badger or walrus for durable storage")
	case "local":
		requireField(add, "storage.local.dir", cfg.Storage.Local.Dir)
	case "s3":
		requireField(add, "storage.s3.bucket", cfg.Storage.S3.Bucket)
	case "minio":
		requireField(add, "storage.minio.endpoint", cfg.Storage.Minio.Endpoint)
		requireField(add, "storage.minio.bucket", cfg.Storage.Minio.Bucket)
	case "badger":
		if !cfg.Storage.Badger.InMemory {
			requireField(add, "storage.badger.dir", cfg.Storage.Badger.Dir)
		}
	case "walrus":
		requireField(add, "storage.walrus.publisher_url", cfg.Storage.Walrus.PublisherURL)
		requireField(add, "storage.walrus.aggregator_url", cfg.Storage.Walrus.AggregatorURL)
	default:
		add("storage.backend", cfg.Storage.Backend, Error, "unknown storage backend",
			"Use memory, local, s3, minio, badger or walrus")
	}

	// Registry
	switch cfg.Registry.Backend {
	case "memory":
		if cfg.Storage.Backend != "memory" {
			add("registry.backend", cfg.Registry.Backend, Warning,
				"blob references are forgotten on restart",
				"Use badger or dynamodb so persisted indexes are found after a restart")
		}
	case "badger":
		if !cfg.Registry.Badger.InMemory {
			requireField(add, "registry.badger.dir", cfg.Registry.Badger.Dir)
		}
	case "dynamodb":
		requireField(add, "registry.dynamodb.table", cfg.Registry.DynamoDB.Table)
	default:
		add("registry.backend", cfg.Registry.Backend, Error, "unknown registry backend",
			"Use memory, badger or dynamodb")
	}

	// Logging
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "console":
	default:
		add("log.format", cfg.Log.Format, Error, "unknown log format", "Use json or console")
	}

	return issues
}

func requireField(add func(string, interface{}, ValidationSeverity, string, string), field, value string) {
	if strings.TrimSpace(value) == "" {
		add(field, value, Error, field+" is required for the selected backend",
			"Set "+field)
	}
}

// HasErrors reports whether issues contains an Error severity issue.
func HasErrors(issues []ValidationIssue) bool {
	for _, i := range issues {
		if i.Severity == Error {
			return true
		}
	}
	return false
}
