package cache

import (
	"go.uber.org/zap"
)

func (c *IndexCache) runEvictor(ticker Ticker) {
	defer c.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			c.evictIdle()
		case <-c.ctx.Done():
			return
		}
	}
}

// evictIdle removes clean entries idle for at least CacheTTL and returns how
// many were removed. Dirty entries are never evicted. Persisted data is kept.
func (c *IndexCache) evictIdle() int {
	now := c.clock.Now()
	ttl := c.tuningNow().CacheTTL

	evicted := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for user, e := range s.entries {
			e.mu.Lock()
			if !e.dirtyLocked() && now.Sub(e.lastModified) >= ttl {
				e.detached = true
				delete(s.entries, user)
				evicted++
				c.log.Debug("evicted idle entry",
					zap.String("user", user),
					zap.Uint64("version", e.version),
					zap.Duration("idle", now.Sub(e.lastModified)))
			}
			e.mu.Unlock()
		}
		s.mu.Unlock()
	}

	c.metrics.RecordEvictions(evicted)
	c.publishGauges()
	return evicted
}
