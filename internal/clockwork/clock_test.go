package clockwork

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	clock := NewFake()
	timer := clock.NewTimer(10 * time.Second)

	clock.Advance(9 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	clock.Advance(2 * time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer did not fire")
	}
}

func TestFakeTimerStopAndReset(t *testing.T) {
	t.Parallel()

	clock := NewFake()
	timer := clock.NewTimer(5 * time.Second)
	if !timer.Stop() {
		t.Fatal("Stop() on active timer = false")
	}
	clock.Advance(10 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}

	if timer.Reset(3 * time.Second) {
		t.Fatal("Reset() on stopped timer reported active")
	}
	clock.Advance(4 * time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatal("reset timer did not fire")
	}
}

func TestFakeNow(t *testing.T) {
	t.Parallel()

	clock := NewFake()
	start := clock.Now()
	clock.Advance(time.Minute)
	if got := clock.Now().Sub(start); got != time.Minute {
		t.Fatalf("Now() advanced by %v, want 1m", got)
	}
}
