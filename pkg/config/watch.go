package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/cache"
)

// Watch re-applies batch.max_size, batch.delay and cache.ttl whenever the
// config file changes. Index geometry and backends are never reloaded.
func Watch(v *viper.Viper, log *zap.Logger, apply func(cache.Tuning)) {
	v.OnConfigChange(reloadTuning(v, log, apply))
	v.WatchConfig()
}

func reloadTuning(v *viper.Viper, log *zap.Logger, apply func(cache.Tuning)) func(fsnotify.Event) {
	return func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg, err := Load(v)
		if err != nil {
			log.Warn("ignoring config change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		t := cfg.Tuning()
		if t.MaxBatchSize <= 0 || t.BatchDelay <= 0 || t.CacheTTL <= 0 {
			log.Warn("ignoring invalid tuning from config change",
				zap.String("file", e.Name),
				zap.Int("max_batch_size", t.MaxBatchSize),
				zap.Duration("batch_delay", t.BatchDelay),
				zap.Duration("cache_ttl", t.CacheTTL))
			return
		}
		log.Info("config changed, applying tuning", zap.String("file", e.Name))
		apply(t)
	}
}
