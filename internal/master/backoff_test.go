package master

import (
	"testing"
	"time"
)

func TestBackoffAllowsImmediateFirstStart(t *testing.T) {
	b := NewBackoff()
	if _, pending := b.HowLong(time.Now()); pending {
		t.Fatal("a fresh backoff tracker should never report a pending wait")
	}
}

func TestBackoffDoublesOnRapidReflap(t *testing.T) {
	b := NewBackoff()
	now := time.Now()

	b.Started(now)
	b.Died(now.Add(1 * time.Second)) // well within the 60s threshold
	first, pending := b.HowLong(now.Add(1 * time.Second))
	if !pending {
		t.Fatal("expected a pending wait after a rapid crash")
	}
	if first != backoffBase {
		t.Fatalf("expected base wait %v, got %v", backoffBase, first)
	}

	b.Started(now.Add(2 * time.Second))
	b.Died(now.Add(2*time.Second + 500*time.Millisecond))
	second, pending := b.HowLong(now.Add(2*time.Second + 500*time.Millisecond))
	if !pending {
		t.Fatal("expected a pending wait after a second rapid crash")
	}
	if second != 2*backoffBase {
		t.Fatalf("expected doubled wait %v, got %v", 2*backoffBase, second)
	}
}

func TestBackoffCaps(t *testing.T) {
	b := NewBackoff()
	now := time.Now()
	b.wait = backoffCap
	b.lastStarted = now
	b.Died(now.Add(time.Millisecond))
	if b.wait != backoffCap {
		t.Fatalf("expected wait capped at %v, got %v", backoffCap, b.wait)
	}
}

func TestBackoffResetsAfterStability(t *testing.T) {
	b := NewBackoff()
	now := time.Now()

	b.Started(now)
	b.Died(now.Add(time.Second))
	if b.wait != backoffBase {
		t.Fatalf("expected base wait after first crash, got %v", b.wait)
	}

	// Runs stably well past the reflap threshold before dying again.
	stableStart := now.Add(time.Minute)
	b.Started(stableStart)
	b.Died(stableStart.Add(2 * time.Minute))
	if b.wait != backoffBase {
		t.Fatalf("expected wait reset to base after a stable run, got %v", b.wait)
	}
}

func TestBackoffHowLongCountsDown(t *testing.T) {
	b := NewBackoff()
	now := time.Now()
	b.Started(now)
	b.Died(now)

	remaining, pending := b.HowLong(now.Add(backoffBase / 2))
	if !pending {
		t.Fatal("expected wait still pending halfway through")
	}
	if remaining <= 0 || remaining > backoffBase {
		t.Fatalf("unexpected remaining wait: %v", remaining)
	}

	if _, pending := b.HowLong(now.Add(backoffBase + time.Millisecond)); pending {
		t.Fatal("expected wait to have elapsed")
	}
}
