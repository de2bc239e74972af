// Copyright 2025 Piyush Sharma
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/piyushgit011/image-process/internal/blobstore"
	"github.com/piyushgit011/image-process/internal/breaker"
	"github.com/piyushgit011/image-process/internal/config"
	"github.com/piyushgit011/image-process/internal/metastore"
	"github.com/piyushgit011/image-process/internal/model"
	"github.com/piyushgit011/image-process/internal/obs"
	"github.com/piyushgit011/image-process/internal/queue"
	"github.com/piyushgit011/image-process/internal/stats"
)

// Pool is the dispatcher plus its workers: N goroutines sharing the
// model manager and the three adapters, each looping pop → process. The
// pool size bounds the workers' concurrent model execution; admission-time
// vehicle checks run outside that bound.
type Pool struct {
	cfg       *config.Config
	q         *queue.Queue
	blobs     blobstore.Store
	meta      *metastore.Store
	models    *model.Manager
	collector *stats.Collector
	cb        *breaker.CircuitBreaker
	log       *zap.Logger
	baseID    string
	active    atomic.Int32
}

func New(cfg *config.Config, q *queue.Queue, blobs blobstore.Store, meta *metastore.Store, models *model.Manager, collector *stats.Collector, log *zap.Logger) (*Pool, error) {
	if cfg.Worker.Count <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", cfg.Worker.Count)
	}
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano()&0xffffff)
	return &Pool{
		cfg:       cfg,
		q:         q,
		blobs:     blobs,
		meta:      meta,
		models:    models,
		collector: collector,
		cb:        cb,
		log:       log,
		baseID:    base,
	}, nil
}

// ActiveWorkers reports how many workers are mid-process.
func (p *Pool) ActiveWorkers() int { return int(p.active.Load()) }

// Run blocks until ctx is canceled and all in-flight jobs have settled.
// Workers stop popping on cancellation; a job already popped finishes
// under its own step deadline, so shutdown drains for at most
// worker.step_timeout. Un-acked deliveries reappear after the
// visibility timeout.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Worker.Count; i++ {
		wg.Add(1)
		id := fmt.Sprintf("%s-%d", p.baseID, i)
		go func(workerID string) {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			p.runOne(ctx, workerID)
		}(id)
	}

	go p.publishBreakerState(ctx)

	wg.Wait()
	return nil
}

func (p *Pool) runOne(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		if !p.cb.Allow() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.CircuitBreaker.Pause):
			}
			continue
		}

		d, err := p.q.BlockingPop(ctx, workerID, p.cfg.Queue.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("pop error", obs.String("worker_id", workerID), obs.Err(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if d == nil {
			continue
		}

		obs.JobsConsumed.Inc()
		p.active.Add(1)
		start := time.Now()
		ok := p.process(ctx, workerID, d)
		obs.JobProcessingDuration.Observe(time.Since(start).Seconds())
		p.active.Add(-1)
		p.cb.Record(ok)
	}
}

func (p *Pool) publishBreakerState(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	prev := p.cb.State()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			curr := p.cb.State()
			switch curr {
			case breaker.Closed:
				obs.CircuitBreakerState.Set(0)
			case breaker.HalfOpen:
				obs.CircuitBreakerState.Set(1)
			case breaker.Open:
				obs.CircuitBreakerState.Set(2)
			}
			if prev != curr && curr == breaker.Open {
				obs.CircuitBreakerTrips.Inc()
			}
			prev = curr
		}
	}
}
