package breaker

import (
	"testing"
	"time"
)

func TestOpensOnFailureRate(t *testing.T) {
	cb := New(time.Minute, 10*time.Millisecond, 0.5, 4)
	for i := 0; i < 4; i++ {
		cb.Record(false)
	}
	if cb.State() != Open {
		t.Fatalf("expected Open, got %v", cb.State())
	}
	if cb.Allow() {
		t.Fatal("open breaker must not allow work")
	}
}

func TestHalfOpenProbeRecovers(t *testing.T) {
	cb := New(time.Minute, 1*time.Millisecond, 0.5, 2)
	cb.Record(false)
	cb.Record(false)
	if cb.State() != Open {
		t.Fatalf("expected Open, got %v", cb.State())
	}
	time.Sleep(5 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected half-open probe after cooldown")
	}
	// only one probe at a time
	if cb.Allow() {
		t.Fatal("second probe admitted while first in flight")
	}
	cb.Record(true)
	if cb.State() != Closed {
		t.Fatalf("expected Closed after successful probe, got %v", cb.State())
	}
}

func TestStaysClosedBelowMinSamples(t *testing.T) {
	cb := New(time.Minute, time.Second, 0.5, 10)
	for i := 0; i < 5; i++ {
		cb.Record(false)
	}
	if cb.State() != Closed {
		t.Fatalf("expected Closed below min samples, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("closed breaker must allow work")
	}
}
