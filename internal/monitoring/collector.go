package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/metrics"
)

// RuntimeStats is one reading of the Go runtime
type RuntimeStats struct {
	Timestamp      time.Time     `json:"timestamp"`
	MemoryUsage    float64       `json:"memory_usage"`
	HeapAlloc      uint64        `json:"heap_alloc"`
	Sys            uint64        `json:"sys"`
	GoroutineCount int           `json:"goroutine_count"`
	GCPauseTotal   time.Duration `json:"gc_pause_total"`
}

// Collector periodically samples runtime memory into the monitor
type Collector struct {
	monitor  *Monitor
	metrics  *metrics.Metrics
	interval time.Duration
	read     func() RuntimeStats

	mu      sync.Mutex
	last    RuntimeStats
	stopCh  chan struct{}
	running bool
}

// NewCollector creates a collector sampling every interval
func NewCollector(monitor *Monitor, mt *metrics.Metrics, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{
		monitor:  monitor,
		metrics:  mt,
		interval: interval,
		read:     readRuntime,
	}
}

// Start begins collection in the background
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.NewConflictError("runtime collector is already running")
	}
	c.running = true
	c.stopCh = make(chan struct{})

	go c.loop(ctx, c.stopCh)
	return nil
}

// Stop stops collection
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	close(c.stopCh)
	c.running = false
}

// Last returns the most recent reading
func (c *Collector) Last() RuntimeStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Collector) loop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect takes one reading and records it
func (c *Collector) Collect() RuntimeStats {
	stats := c.read()

	c.mu.Lock()
	c.last = stats
	c.mu.Unlock()

	c.metrics.UpdateRuntime(stats.HeapAlloc, stats.Sys, stats.GoroutineCount)
	c.monitor.RecordMetric("memory_usage", stats.MemoryUsage, MetricTypeGauge, map[string]string{"source": "runtime"}, "", "")
	c.monitor.RecordMetric("goroutines", float64(stats.GoroutineCount), MetricTypeGauge, nil, "", "")
	return stats
}

func readRuntime() RuntimeStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	usage := 0.0
	if memStats.Sys > 0 {
		usage = float64(memStats.HeapAlloc) / float64(memStats.Sys) * 100
	}
	return RuntimeStats{
		Timestamp:      time.Now(),
		MemoryUsage:    usage,
		HeapAlloc:      memStats.HeapAlloc,
		Sys:            memStats.Sys,
		GoroutineCount: runtime.NumGoroutine(),
		GCPauseTotal:   time.Duration(memStats.PauseTotalNs),
	}
}
