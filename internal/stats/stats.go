// Copyright 2025 Piyush Sharma
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/piyushgit011/image-process/internal/metastore"
)

const (
	throughputWindow = 60 * time.Second
	emaAlpha         = 0.1
)

// Collector keeps the live in-process counters: totals since start, a
// 60s sliding-window throughput and an exponential moving average of
// processing time. Updates are a short critical section so the worker
// hot path never blocks behind a reader.
type Collector struct {
	mu          sync.Mutex
	processed   int64
	failed      int64
	completions []time.Time
	ema         float64
	emaSet      bool
	startedAt   time.Time
}

// Live is a point-in-time snapshot of the collector.
type Live struct {
	ProcessedTotal       int64   `json:"processed_total"`
	FailedTotal          int64   `json:"failed_total"`
	ThroughputPerMinute  int     `json:"throughput_per_minute"`
	AvgProcessingSeconds float64 `json:"avg_processing_seconds"`
	UptimeSeconds        float64 `json:"uptime_seconds"`
}

func NewCollector() *Collector {
	return &Collector{startedAt: time.Now()}
}

// RecordCompletion notes one successful job and its wall-clock duration.
func (c *Collector) RecordCompletion(d time.Duration) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed++
	c.completions = append(c.completions, now)
	c.prune(now)
	if !c.emaSet {
		c.ema = d.Seconds()
		c.emaSet = true
	} else {
		c.ema = emaAlpha*d.Seconds() + (1-emaAlpha)*c.ema
	}
}

// RecordFailure notes one terminally failed job.
func (c *Collector) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed++
}

func (c *Collector) prune(now time.Time) {
	cutoff := now.Add(-throughputWindow)
	i := 0
	for i < len(c.completions) && !c.completions[i].After(cutoff) {
		i++
	}
	c.completions = c.completions[i:]
}

func (c *Collector) Snapshot() Live {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(now)
	return Live{
		ProcessedTotal:       c.processed,
		FailedTotal:          c.failed,
		ThroughputPerMinute:  len(c.completions),
		AvgProcessingSeconds: c.ema,
		UptimeSeconds:        now.Sub(c.startedAt).Seconds(),
	}
}

// Snapshot is the full stats payload: live counters, durable aggregates
// and the dispatcher's view of the queue.
type Snapshot struct {
	Live          Live             `json:"live"`
	Durable       *metastore.Stats `json:"durable,omitempty"`
	ActiveWorkers int              `json:"active_workers"`
	QueueDepth    int64            `json:"queue_depth"`
}

// Aggregator reads through to the metadata store and the dispatcher. All
// sources are read-only; a durable-aggregate failure degrades the
// snapshot instead of failing it.
type Aggregator struct {
	collector     *Collector
	meta          *metastore.Store
	activeWorkers func() int
	queueDepth    func(context.Context) (int64, error)
}

func NewAggregator(c *Collector, meta *metastore.Store, activeWorkers func() int, queueDepth func(context.Context) (int64, error)) *Aggregator {
	return &Aggregator{collector: c, meta: meta, activeWorkers: activeWorkers, queueDepth: queueDepth}
}

func (a *Aggregator) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{Live: a.collector.Snapshot()}
	if a.activeWorkers != nil {
		snap.ActiveWorkers = a.activeWorkers()
	}
	if a.queueDepth != nil {
		if depth, err := a.queueDepth(ctx); err == nil {
			snap.QueueDepth = depth
		}
	}
	if a.meta != nil {
		if durable, err := a.meta.Aggregate(ctx); err == nil {
			snap.Durable = durable
		}
	}
	return snap
}
