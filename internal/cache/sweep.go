package cache

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweep drops expired entries, then the oldest entries until the total is
// within MaxSize, and persists the index if anything changed since the
// last write. It returns the number of entries removed.
func (c *Cache[K, V]) Sweep() int {
	now := c.now()

	c.mu.Lock()
	var removed []*Entry
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if e := el.Value.(*Entry); e.Expired(now) {
			removed = append(removed, c.removeLocked(e.KeyID))
		}
		el = next
	}
	for c.total > c.cfg.MaxSize && c.order.Len() > 0 {
		e := c.order.Front().Value.(*Entry)
		removed = append(removed, c.removeLocked(e.KeyID))
	}
	if len(removed) > 0 {
		c.changed = true
	}
	changed := c.changed
	c.mu.Unlock()

	for _, e := range removed {
		c.dropFiles(e)
		c.log.LogCacheEvent("evict", e.ID, e.KeyID)
	}

	if changed {
		if err := c.Flush(); err != nil {
			c.log.Error("Cache sweep could not persist index", "error", err)
		}
	}

	if len(removed) > 0 {
		c.stats.RecordEvictions(len(removed))
		c.log.Debug("Cache swept", "removed", len(removed), "size", c.CurrentSize())
	}
	c.publishSize()
	return len(removed)
}

// Start runs Sweep every CleanLoop in the background.
func (c *Cache[K, V]) Start() error {
	c.cronMu.Lock()
	defer c.cronMu.Unlock()

	if c.running {
		return nil
	}

	sched := cron.New()
	spec := fmt.Sprintf("@every %s", c.cfg.CleanLoop.Round(time.Second))
	if c.cfg.CleanLoop < time.Second {
		spec = "@every 1s"
	}
	if _, err := sched.AddFunc(spec, func() { c.Sweep() }); err != nil {
		return fmt.Errorf("failed to schedule cache sweep: %w", err)
	}
	sched.Start()

	c.cron = sched
	c.running = true
	c.log.Info("Cache sweep scheduled", "interval", c.cfg.CleanLoop)
	return nil
}

// Stop halts the background sweep, waiting for a running one to finish,
// and writes the index.
func (c *Cache[K, V]) Stop() error {
	c.cronMu.Lock()
	if c.running {
		<-c.cron.Stop().Done()
		c.running = false
	}
	c.cronMu.Unlock()

	return c.Flush()
}
