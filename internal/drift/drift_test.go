package drift

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cambiowatch/internal/market"
)

func ts(minute int) time.Time {
	return time.Date(2025, 6, 1, 12, minute, 0, 0, time.UTC)
}

func TestFirstObservationSeedsWithoutEvent(t *testing.T) {
	m := NewMonitor(Options{EWMALambda: 0.2, Threshold: 1.5, K: 0.1}, zerolog.Nop())

	signal := m.Update(ts(0), 58.0)
	if signal.Detected {
		t.Fatal("first observation must not fire")
	}
	if signal.EWMA != 58.0 || signal.CusumPos != 0 || signal.CusumNeg != 0 {
		t.Fatalf("seed state wrong: %+v", signal)
	}
}

func TestUpwardJumpFiresHighSeverity(t *testing.T) {
	m := NewMonitor(Options{EWMALambda: 0.2, Threshold: 0.4, K: 0}, zerolog.Nop())

	if got := m.Update(ts(0), 58.0); got.Detected {
		t.Fatal("no event expected on the seed point")
	}

	signal := m.Update(ts(5), 60.5)
	if !signal.Detected {
		t.Fatal("expected drift on the second point")
	}
	if signal.Direction != market.DriftUp {
		t.Fatalf("expected UP, got %s", signal.Direction)
	}
	if signal.Severity != market.DriftHigh {
		t.Fatalf("expected HIGH severity, got %s (intensity %.2f)", signal.Severity, signal.Intensity)
	}
	if signal.Intensity < 3 {
		t.Fatalf("intensity should be >= 3, got %.2f", signal.Intensity)
	}
}

func TestDownwardDrift(t *testing.T) {
	m := NewMonitor(Options{EWMALambda: 0.2, Threshold: 0.4, K: 0}, zerolog.Nop())

	m.Update(ts(0), 60.5)
	signal := m.Update(ts(5), 58.0)
	if !signal.Detected || signal.Direction != market.DriftDown {
		t.Fatalf("expected DOWN drift, got %+v", signal)
	}
}

func TestCooldownHalvesAccumulatorAndSuppresses(t *testing.T) {
	m := NewMonitor(Options{EWMALambda: 0.2, Threshold: 0.4, K: 0, CooldownCaptures: 2}, zerolog.Nop())

	m.Update(ts(0), 58.0)
	first := m.Update(ts(5), 60.5)
	if !first.Detected {
		t.Fatal("expected initial detection")
	}
	if first.Cooldown != 2 {
		t.Fatalf("cooldown should be armed, got %d", first.Cooldown)
	}

	before := m.Snapshot()
	second := m.Update(ts(10), 61.0)
	if second.Detected {
		t.Fatal("detection during cooldown must be suppressed")
	}
	if second.CusumPos <= before.CusumPos {
		t.Fatal("accumulators must keep updating during cooldown")
	}
}

func TestPrimeReplaysWithoutEvents(t *testing.T) {
	opts := Options{EWMALambda: 0.2, Threshold: 0.4, K: 0}
	history := []Point{
		{Timestamp: ts(0), Value: 58.0},
		{Timestamp: ts(5), Value: 60.5},
		{Timestamp: ts(10), Value: 60.6},
	}

	live := NewMonitor(opts, zerolog.Nop())
	for _, p := range history {
		live.Update(p.Timestamp, p.Value)
	}

	primed := NewMonitor(opts, zerolog.Nop())
	primed.Prime(history)

	if live.Snapshot() != primed.Snapshot() {
		t.Fatalf("primed state %+v must equal live state %+v", primed.Snapshot(), live.Snapshot())
	}
}

func TestRestoreResumesState(t *testing.T) {
	m := NewMonitor(Options{EWMALambda: 0.2, Threshold: 0.4, K: 0}, zerolog.Nop())
	m.Restore(State{Seeded: true, EWMA: 58.0})

	signal := m.Update(ts(5), 60.5)
	if !signal.Detected || signal.Direction != market.DriftUp {
		t.Fatalf("restored state should behave as if seeded: %+v", signal)
	}
}

func TestSignalEventConversion(t *testing.T) {
	m := NewMonitor(Options{EWMALambda: 0.2, Threshold: 0.4, K: 0}, zerolog.Nop())
	seed := m.Update(ts(0), 58.0)
	if seed.Event("weighted_mid_rate", nil) != nil {
		t.Fatal("undetected signal must convert to nil")
	}

	signal := m.Update(ts(5), 60.5)
	event := signal.Event("weighted_mid_rate", map[string]any{"providers": 4})
	if event == nil {
		t.Fatal("detected signal should convert to an event")
	}
	if event.Direction != market.DriftUp || event.Metric != "weighted_mid_rate" {
		t.Fatalf("unexpected event %+v", event)
	}
}
