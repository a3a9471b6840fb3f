//go:build !linux

package agent

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"
)

// fallbackCollector backs the memory monitor on non-Linux build targets,
// where /proc/self/status and unix.Sysinfo are unavailable. It reports
// Go-heap usage via runtime.MemStats instead of process RSS — adequate for
// development and unit tests, never used in the Firecracker-guest
// deployment path the teacher targets.
type fallbackCollector struct {
	limit   uint64
	current atomic.Uint64
	stop    chan struct{}
}

// NewCollector constructs the platform memory collector.
func NewCollector(limitFraction float64) Collector {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	limit := uint64(float64(stats.Sys) * 4 * limitFraction) // rough headroom, dev-only fallback
	c := &fallbackCollector{limit: limit, stop: make(chan struct{})}
	c.current.Store(stats.HeapAlloc)
	return c
}

func (c *fallbackCollector) Limit() uint64   { return c.limit }
func (c *fallbackCollector) Current() uint64 { return c.current.Load() }

func (c *fallbackCollector) Refresh(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				var stats runtime.MemStats
				runtime.ReadMemStats(&stats)
				c.current.Store(stats.HeapAlloc)
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *fallbackCollector) Stop() {
	close(c.stop)
}
