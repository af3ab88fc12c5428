package timeutil

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	d := clock.Since(past)

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_Sleep(t *testing.T) {
	clock := RealClock{}
	start := time.Now()
	if err := clock.Sleep(context.Background(), 5*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Error("Sleep returned early")
	}
}

func TestRealClock_SleepCancelled(t *testing.T) {
	clock := RealClock{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := clock.Sleep(ctx, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMockClock_Now(t *testing.T) {
	fixedTime := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(fixedTime)

	if now := clock.Now(); !now.Equal(fixedTime) {
		t.Errorf("got %v, want %v", now, fixedTime)
	}
}

func TestMockClock_SetAndAdvance(t *testing.T) {
	clock := NewMockClock(time.Time{})
	newTime := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	clock.Set(newTime)
	clock.Advance(time.Minute)

	if got := clock.Now(); !got.Equal(newTime.Add(time.Minute)) {
		t.Errorf("got %v, want %v", got, newTime.Add(time.Minute))
	}
	if d := clock.Since(newTime); d != time.Minute {
		t.Errorf("Since() = %v, want 1m", d)
	}
}

func TestMockClock_SleepAdvances(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	_ = clock.Sleep(context.Background(), 100*time.Millisecond)
	_ = clock.Sleep(context.Background(), 200*time.Millisecond)

	sleeps := clock.Sleeps()
	if len(sleeps) != 2 {
		t.Fatalf("expected 2 sleeps, got %d", len(sleeps))
	}
	if sleeps[0] != 100*time.Millisecond || sleeps[1] != 200*time.Millisecond {
		t.Errorf("unexpected sleeps: %v", sleeps)
	}
	if got := clock.Since(start); got != 300*time.Millisecond {
		t.Errorf("expected clock to advance 300ms, got %v", got)
	}
}

func TestMockClock_SleepCancelled(t *testing.T) {
	clock := NewMockClock(time.Time{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := clock.Sleep(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(clock.Sleeps()) != 0 {
		t.Error("cancelled sleep should not be recorded")
	}
}

func TestMockClock_Tick(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.SetTick(time.Second)

	first := clock.Now()
	second := clock.Now()
	if second.Sub(first) != time.Second {
		t.Errorf("expected 1s between calls, got %v", second.Sub(first))
	}
}

func TestSeconds(t *testing.T) {
	if got := Seconds(0.1); got != 100*time.Millisecond {
		t.Errorf("Seconds(0.1) = %v, want 100ms", got)
	}
	if got := Seconds(0); got != 0 {
		t.Errorf("Seconds(0) = %v, want 0", got)
	}
}
