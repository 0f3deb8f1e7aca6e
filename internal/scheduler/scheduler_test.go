package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 5 * time.Minute, AlignToBucket: true}, zerolog.Nop())

	now := time.Date(2025, 6, 1, 12, 2, 30, 0, time.UTC)
	next := s.nextTick(now)
	want := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next tick should align to %v, got %v", want, next)
	}
	if got := s.bucketStart(next); !got.Equal(want) {
		t.Fatalf("bucket start should equal the aligned tick, got %v", got)
	}
}

func TestNextTickOnBoundaryMovesForward(t *testing.T) {
	s := New(Options{Interval: 5 * time.Minute, AlignToBucket: true}, zerolog.Nop())

	now := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	next := s.nextTick(now)
	want := time.Date(2025, 6, 1, 12, 10, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("a tick exactly on the boundary must move to the next bucket, got %v", next)
	}
}

func TestRunInvokesTicksUntilCancelled(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop())

	var ticks atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	err := s.Run(ctx, func(context.Context, time.Time) error {
		ticks.Add(1)
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run should end with the context error, got %v", err)
	}
	if ticks.Load() < 2 {
		t.Fatalf("expected at least two ticks, got %d", ticks.Load())
	}
}

func TestRunNeverOverlapsSlowTicks(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop())

	var inFlight atomic.Int32
	var maxInFlight atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	_ = s.Run(ctx, func(context.Context, time.Time) error {
		current := inFlight.Add(1)
		for {
			observed := maxInFlight.Load()
			if current <= observed || maxInFlight.CompareAndSwap(observed, current) {
				break
			}
		}
		time.Sleep(25 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	if maxInFlight.Load() != 1 {
		t.Fatalf("cycles must never overlap, saw %d in flight", maxInFlight.Load())
	}
}
