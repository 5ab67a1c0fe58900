package cache

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/metrics"
)

// start launches the background loops. Tickers are created before the
// goroutines so a clock that moves right after New is not missed.
func (c *IndexCache) start() {
	flushTicker := c.clock.NewTicker(c.tuningNow().BatchDelay)
	evictTicker := c.clock.NewTicker(c.opts.EvictInterval)

	c.wg.Add(2 + c.opts.FlushWorkers)
	go c.runScheduler(flushTicker)
	go c.runEvictor(evictTicker)
	for i := 0; i < c.opts.FlushWorkers; i++ {
		go c.runWorker()
	}
}

// runScheduler drives the time trigger.
func (c *IndexCache) runScheduler(ticker Ticker) {
	defer c.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			c.flushDue(c.ctx)
		case <-c.retune:
			ticker.Reset(c.tuningNow().BatchDelay)
		case <-c.ctx.Done():
			return
		}
	}
}

// runWorker serves size-triggered flush requests.
func (c *IndexCache) runWorker() {
	defer c.wg.Done()
	for {
		select {
		case user := <-c.due:
			c.serveFlushRequest(c.ctx, user)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *IndexCache) serveFlushRequest(ctx context.Context, user string) {
	e := c.lookup(user)
	if e == nil {
		return
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}
	if _, err := c.flush(ctx, e, metrics.TriggerSize); err != nil && !isBenign(err) {
		c.log.Warn("size-triggered flush failed, will retry on tick",
			zap.String("user", user), zap.Error(err))
	}
}

// flushDue flushes every user whose batch job is older than the batch delay
// and returns how many users were attempted. Failures are logged and left
// for the next tick.
func (c *IndexCache) flushDue(ctx context.Context) int {
	now := c.clock.Now()
	delay := c.tuningNow().BatchDelay

	var due []*entry
	c.forEachEntry(func(e *entry) {
		e.mu.Lock()
		if e.dirtyLocked() && !e.pendingSince.IsZero() && now.Sub(e.pendingSince) >= delay {
			due = append(due, e)
		}
		e.mu.Unlock()
	})

	var g errgroup.Group
	g.SetLimit(c.opts.FlushWorkers)
	for _, e := range due {
		g.Go(func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil
			}
			if _, err := c.flush(ctx, e, metrics.TriggerTime); err != nil && !isBenign(err) {
				c.log.Warn("scheduled flush failed, will retry",
					zap.String("user", e.user), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	c.publishGauges()
	return len(due)
}
