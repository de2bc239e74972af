// Copyright 2025 Piyush Sharma
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DepthFunc reports the current queue depth.
type DepthFunc func(context.Context) (int64, error)

// StartQueueDepthUpdater samples queue depth and updates the gauge.
func StartQueueDepthUpdater(ctx context.Context, interval time.Duration, depth DepthFunc, log *zap.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := depth(ctx)
				if err != nil {
					log.Debug("queue depth poll error", Err(err))
					continue
				}
				QueueDepth.Set(float64(n))
			}
		}
	}()
}
