// Package config loads pdw-index settings from file, environment and flags
// through viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/cache"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/hnsw"
	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/vectortypes"
)

// EnvPrefix prefixes every environment override, e.g. PDW_BATCH_MAX_SIZE
const EnvPrefix = "PDW"

// Config is the full service configuration
type Config struct {
	Index    hnsw.Config    `mapstructure:"index"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Registry RegistryConfig `mapstructure:"registry"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

// BatchConfig controls write batching
type BatchConfig struct {
	MaxSize      int           `mapstructure:"max_size"`
	Delay        time.Duration `mapstructure:"delay"`
	FlushWorkers int           `mapstructure:"flush_workers"`
	FlushRate    float64       `mapstructure:"flush_rate"`
}

// CacheConfig controls idle eviction
type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	EvictInterval time.Duration `mapstructure:"evict_interval"`
}

// StorageConfig selects the blob store backend
type StorageConfig struct {
	Backend        string       `mapstructure:"backend"`
	Compression    string       `mapstructure:"compression"`
	ReadCacheBytes int64        `mapstructure:"read_cache_bytes"`
	Local          LocalConfig  `mapstructure:"local"`
	S3             S3Config     `mapstructure:"s3"`
	Minio          MinioConfig  `mapstructure:"minio"`
	Badger         BadgerConfig `mapstructure:"badger"`
	Walrus         WalrusConfig `mapstructure:"walrus"`
}

type LocalConfig struct {
	Dir string `mapstructure:"dir"`
}

type S3Config struct {
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
}

type BadgerConfig struct {
	Dir      string `mapstructure:"dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

type WalrusConfig struct {
	PublisherURL  string        `mapstructure:"publisher_url"`
	AggregatorURL string        `mapstructure:"aggregator_url"`
	Epochs        int           `mapstructure:"epochs"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// RegistryConfig selects where blob references are recorded
type RegistryConfig struct {
	Backend  string         `mapstructure:"backend"`
	Badger   BadgerConfig   `mapstructure:"badger"`
	DynamoDB DynamoDBConfig `mapstructure:"dynamodb"`
}

type DynamoDBConfig struct {
	Table    string `mapstructure:"table"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("index.dimension", 768)
	v.SetDefault("index.max_elements", hnsw.DefaultMaxElements)
	v.SetDefault("index.ef_construction", hnsw.DefaultEfConstruction)
	v.SetDefault("index.m", hnsw.DefaultM)
	v.SetDefault("index.ef_search", hnsw.DefaultEfSearch)
	v.SetDefault("index.space", "cosine")
	v.SetDefault("index.random_seed", hnsw.DefaultRandomSeed)

	v.SetDefault("batch.max_size", cache.DefaultMaxBatchSize)
	v.SetDefault("batch.delay", cache.DefaultBatchDelay)
	v.SetDefault("batch.flush_workers", cache.DefaultFlushWorkers)
	v.SetDefault("batch.flush_rate", 20.0)

	v.SetDefault("cache.ttl", cache.DefaultCacheTTL)
	v.SetDefault("cache.evict_interval", cache.DefaultEvictInterval)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.compression", "zstd")
	v.SetDefault("storage.read_cache_bytes", 64<<20)
	v.SetDefault("storage.local.dir", "pdw-blobs")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.badger.dir", "pdw-badger")
	v.SetDefault("storage.walrus.epochs", 5)
	v.SetDefault("storage.walrus.timeout", 30*time.Second)

	v.SetDefault("registry.backend", "memory")
	v.SetDefault("registry.badger.dir", "pdw-badger")
	v.SetDefault("registry.dynamodb.table", "pdw-index-registry")
	v.SetDefault("registry.dynamodb.region", "us-east-1")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// NewViper returns a viper instance with defaults and environment binding.
// When file is empty it searches ./pdw-index.yaml and
// $HOME/.pdw-index/pdw-index.yaml.
func NewViper(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("pdw-index")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".pdw-index"))
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile reads the configured file. A missing file is not an error when
// none was named explicitly.
func ReadFile(v *viper.Viper) error {
	err := v.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return nil
	}
	return err
}

// Load decodes v into a Config.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if space, err := vectortypes.ParseSpaceType(string(cfg.Index.Space)); err == nil {
		cfg.Index.Space = space
	}
	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
	cfg.Registry.Backend = strings.ToLower(cfg.Registry.Backend)
	if cfg.Storage.Local.Dir != "" {
		cfg.Storage.Local.Dir = filepath.Clean(cfg.Storage.Local.Dir)
	}
	return &cfg, nil
}

// Tuning returns the hot-reloadable cache parameters.
func (c *Config) Tuning() cache.Tuning {
	return cache.Tuning{
		MaxBatchSize: c.Batch.MaxSize,
		BatchDelay:   c.Batch.Delay,
		CacheTTL:     c.Cache.TTL,
	}
}

// CacheOptions returns cache options for c. Store, Registry, Codec, Logger
// and Metrics are left for the caller to wire.
func (c *Config) CacheOptions() cache.Options {
	return cache.Options{
		Index:         c.Index,
		Tuning:        c.Tuning(),
		EvictInterval: c.Cache.EvictInterval,
		FlushWorkers:  c.Batch.FlushWorkers,
		FlushRate:     c.Batch.FlushRate,
	}
}
