// Package scheduler drives capture cycles on interval-aligned buckets, so
// every instance of the engine agrees on capture timestamps regardless of
// when it started.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per bucket with the bucket's start time.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	// Interval is the capture cadence.
	Interval time.Duration
	// AlignToBucket truncates ticks onto interval boundaries (12:00, 12:05, ...).
	AlignToBucket bool
	// StartupDelay postpones the first tick, giving providers a grace period
	// after deployment restarts.
	StartupDelay time.Duration
}

// Scheduler runs ticks on aligned buckets. A tick that overruns its interval
// causes the overlapping buckets to be skipped, never run concurrently; a
// slow cycle shows up as missing captures in the reliability coverage ratio
// rather than as a pile-up.
type Scheduler struct {
	opts    Options
	logger  zerolog.Logger
	running atomic.Bool
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking tick at each aligned bucket until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		bucket := s.bucketStart(next)
		if !s.running.CompareAndSwap(false, true) {
			s.logger.Warn().Time("bucket", bucket).Msg("previous cycle still running; skipping bucket")
			next = next.Add(s.opts.Interval)
			continue
		}

		s.logger.Info().Time("bucket", bucket).Msg("executing capture cycle")
		go func(bucket time.Time) {
			defer s.running.Store(false)
			if err := tick(ctx, bucket); err != nil {
				s.logger.Error().Err(err).Time("bucket", bucket).Msg("capture cycle failed")
			}
		}(bucket)

		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToBucket {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToBucket {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
