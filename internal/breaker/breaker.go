// Copyright 2025 Piyush Sharma
package breaker

import (
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

type sample struct {
	t  time.Time
	ok bool
}

// CircuitBreaker guards the worker pop loop: a sliding window of job
// outcomes opens the circuit when the failure rate crosses the
// threshold, and a single half-open probe closes it again.
type CircuitBreaker struct {
	mu             sync.Mutex
	state          State
	window         time.Duration
	cooldown       time.Duration
	failureThresh  float64
	minSamples     int
	lastTransition time.Time
	samples        []sample
	probeInFlight  bool
}

func New(window, cooldown time.Duration, failureThresh float64, minSamples int) *CircuitBreaker {
	return &CircuitBreaker{
		state:          Closed,
		window:         window,
		cooldown:       cooldown,
		failureThresh:  failureThresh,
		minSamples:     minSamples,
		lastTransition: time.Now(),
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a worker may take the next job. In HalfOpen only
// one probe is admitted at a time.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Open:
		if time.Since(cb.lastTransition) >= cb.cooldown {
			cb.state = HalfOpen
			cb.lastTransition = time.Now()
			cb.probeInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return true
	}
}

// Record feeds one job outcome into the window.
func (cb *CircuitBreaker) Record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-cb.window)
	kept := cb.samples[:0]
	for _, s := range cb.samples {
		if s.t.After(cutoff) {
			kept = append(kept, s)
		}
	}
	cb.samples = append(kept, sample{t: now, ok: ok})

	if cb.state == HalfOpen {
		if ok {
			cb.state = Closed
		} else {
			cb.state = Open
		}
		cb.probeInFlight = false
		cb.lastTransition = now
		return
	}

	if len(cb.samples) < cb.minSamples {
		return
	}
	fails := 0
	for _, s := range cb.samples {
		if !s.ok {
			fails++
		}
	}
	if cb.state == Closed && float64(fails)/float64(len(cb.samples)) >= cb.failureThresh {
		cb.state = Open
		cb.lastTransition = now
	}
}
