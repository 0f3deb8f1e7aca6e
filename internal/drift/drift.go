// Package drift detects sustained directional shifts in the consensus mid
// rate with an EWMA smoother feeding two one-sided CUSUM accumulators.
package drift

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cambiowatch/internal/market"
)

// Options tune the monitor.
type Options struct {
	// EWMALambda is the smoothing factor applied to each new observation.
	EWMALambda float64
	// Threshold is the CUSUM level (in rate units) that declares drift.
	Threshold float64
	// K is the drift correction constant subtracted on every accumulation.
	K float64
	// CooldownCaptures suppresses new detections for this many observations
	// after an event fires.
	CooldownCaptures int
}

// State is the monitor's mutable condition. It is explicit and injectable so
// a deployment can persist it and resume seamlessly after a restart.
type State struct {
	Seeded            bool
	EWMA              float64
	CusumPos          float64
	CusumNeg          float64
	CooldownRemaining int
}

// Signal is the outcome of a single observation, emitted whether or not
// drift fired so callers can always persist the post-update state.
type Signal struct {
	Timestamp time.Time
	Value     float64
	EWMA      float64
	CusumPos  float64
	CusumNeg  float64
	Threshold float64
	Detected  bool
	Direction market.DriftDirection
	Severity  market.DriftSeverity
	Intensity float64
	Cooldown  int
}

// Monitor consumes consensus mid rates in timestamp order. Updates are
// order-dependent: callers must either feed it from a single goroutine or
// rely on the internal mutex, never both halves of an update concurrently.
type Monitor struct {
	mu     sync.Mutex
	opts   Options
	state  State
	logger zerolog.Logger
}

// NewMonitor constructs a monitor around a fresh state.
func NewMonitor(opts Options, logger zerolog.Logger) *Monitor {
	return &Monitor{
		opts:   opts,
		logger: logger.With().Str("component", "drift_monitor").Logger(),
	}
}

// Restore replaces the internal state, e.g. from a persisted copy.
func (m *Monitor) Restore(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}

// Snapshot returns a copy of the current state.
func (m *Monitor) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reset clears all accumulated state.
func (m *Monitor) Reset() {
	m.Restore(State{})
}

// Update processes one observation and returns the post-update signal.
func (m *Monitor) Update(timestamp time.Time, value float64) Signal {
	return m.update(timestamp, value, true)
}

// Prime replays historical observations through the normal update path so a
// restarted engine resumes with warm accumulators. Detections reached during
// the replay adjust state exactly as live ones would, but are not logged as
// fresh events; callers must not persist the returned signals.
func (m *Monitor) Prime(points []Point) {
	for _, p := range points {
		m.update(p.Timestamp, p.Value, false)
	}
}

// Point is a (timestamp, value) observation used for priming.
type Point struct {
	Timestamp time.Time
	Value     float64
}

func (m *Monitor) update(timestamp time.Time, value float64, record bool) Signal {
	m.mu.Lock()
	defer m.mu.Unlock()

	threshold := m.opts.Threshold

	if m.state.CooldownRemaining > 0 {
		m.state.CooldownRemaining--
	}

	if !m.state.Seeded {
		m.state = State{Seeded: true, EWMA: value}
		return Signal{
			Timestamp: timestamp,
			Value:     value,
			EWMA:      value,
			Threshold: threshold,
			Cooldown:  m.state.CooldownRemaining,
		}
	}

	ewma := m.opts.EWMALambda*value + (1-m.opts.EWMALambda)*m.state.EWMA
	diff := value - ewma

	m.state.CusumPos = max(0, m.state.CusumPos+diff-m.opts.K)
	m.state.CusumNeg = max(0, m.state.CusumNeg-diff-m.opts.K)

	var (
		detected  bool
		direction market.DriftDirection
		magnitude float64
	)

	switch {
	case m.state.CusumPos > threshold && m.state.CooldownRemaining == 0:
		detected = true
		direction = market.DriftUp
		magnitude = m.state.CusumPos
		if m.opts.CooldownCaptures > 0 {
			m.state.CooldownRemaining = m.opts.CooldownCaptures
			m.state.CusumPos /= 2
		}
	case m.state.CusumNeg > threshold && m.state.CooldownRemaining == 0:
		detected = true
		direction = market.DriftDown
		magnitude = m.state.CusumNeg
		if m.opts.CooldownCaptures > 0 {
			m.state.CooldownRemaining = m.opts.CooldownCaptures
			m.state.CusumNeg /= 2
		}
	}

	m.state.EWMA = ewma

	signal := Signal{
		Timestamp: timestamp,
		Value:     value,
		EWMA:      ewma,
		CusumPos:  m.state.CusumPos,
		CusumNeg:  m.state.CusumNeg,
		Threshold: threshold,
		Detected:  detected,
		Direction: direction,
		Cooldown:  m.state.CooldownRemaining,
	}

	if detected {
		safeThreshold := threshold
		if safeThreshold <= 0 {
			safeThreshold = 1
		}
		signal.Intensity = max(magnitude, 0) / safeThreshold
		signal.Severity = classify(signal.Intensity)

		if record {
			m.logger.Warn().
				Time("timestamp", timestamp).
				Str("direction", string(direction)).
				Float64("intensity", signal.Intensity).
				Str("severity", string(signal.Severity)).
				Msg("drift detected")
		}
	}

	return signal
}

func classify(intensity float64) market.DriftSeverity {
	switch {
	case intensity >= 3:
		return market.DriftHigh
	case intensity >= 1.75:
		return market.DriftMedium
	default:
		return market.DriftLow
	}
}

// Event converts a detected signal into a persistable drift event.
func (s Signal) Event(metric string, metadata map[string]any) *market.DriftEvent {
	if !s.Detected {
		return nil
	}
	return &market.DriftEvent{
		Timestamp: s.Timestamp,
		Direction: s.Direction,
		Metric:    metric,
		Value:     s.Value,
		EWMA:      s.EWMA,
		Threshold: s.Threshold,
		CusumPos:  s.CusumPos,
		CusumNeg:  s.CusumNeg,
		Severity:  s.Severity,
		Metadata:  metadata,
	}
}
