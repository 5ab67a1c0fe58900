package cache

import (
	"sort"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/types"
)

// GetCacheStats returns a point-in-time view of every cached user.
func (c *IndexCache) GetCacheStats() types.CacheStats {
	stats := types.CacheStats{PerUserBreakdown: []types.UserStats{}}
	c.forEachEntry(func(e *entry) {
		us := e.stats()
		stats.PerUserBreakdown = append(stats.PerUserBreakdown, us)
		stats.TotalPendingVectors += us.PendingVectors
		if us.Dirty {
			stats.ActiveBatchJobs++
		}
	})
	sort.Slice(stats.PerUserBreakdown, func(i, j int) bool {
		return stats.PerUserBreakdown[i].UserKey < stats.PerUserBreakdown[j].UserKey
	})
	stats.TotalUsers = len(stats.PerUserBreakdown)
	c.metrics.SetCacheSize(stats.TotalUsers, stats.TotalPendingVectors)
	return stats
}

// UserStats returns the stats of one cached user
func (c *IndexCache) UserStats(user string) (types.UserStats, bool) {
	e := c.lookup(user)
	if e == nil {
		return types.UserStats{}, false
	}
	return e.stats(), true
}

func (c *IndexCache) publishGauges() {
	if c.metrics == nil {
		return
	}
	users, pending := 0, 0
	c.forEachEntry(func(e *entry) {
		e.mu.Lock()
		users++
		pending += len(e.pending)
		e.mu.Unlock()
	})
	c.metrics.SetCacheSize(users, pending)
}
