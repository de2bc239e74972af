// Copyright 2025 Piyush Sharma
package redisclient

import (
	"fmt"
	"runtime"

	"github.com/redis/go-redis/v9"

	"github.com/piyushgit011/image-process/internal/config"
)

// New returns a configured go-redis client for the queue URL with pooling.
func New(cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.Queue.URL)
	if err != nil {
		return nil, fmt.Errorf("parse queue url: %w", err)
	}
	opts.DialTimeout = cfg.Queue.DialTimeout
	opts.ReadTimeout = cfg.Queue.ReadTimeout
	opts.WriteTimeout = cfg.Queue.WriteTimeout
	poolSize := cfg.Queue.PoolSize
	if poolSize <= 0 {
		poolSize = 10 * runtime.NumCPU()
	}
	opts.PoolSize = poolSize
	return redis.NewClient(opts), nil
}
