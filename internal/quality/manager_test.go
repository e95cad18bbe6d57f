package quality

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func sixLadder() []QualityOption {
	return testLadder(16e6, 8e6, 6e6, 4e6, 2e6, 1e6)
}

func TestNewEngineValidation(t *testing.T) {
	if _, err := NewEngine(nil, 0, DefaultSettings()); !errors.Is(err, ErrEmptyLadder) {
		t.Fatalf("Expected ErrEmptyLadder, got %v", err)
	}
	if _, err := NewEngine(testLadder(8e6), 3, DefaultSettings()); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("Expected ErrIndexOutOfRange, got %v", err)
	}

	bad := DefaultSettings()
	bad.SafetyMargin = 1.5
	if _, err := NewEngine(testLadder(8e6), 0, bad); err == nil {
		t.Fatal("Expected invalid settings to be rejected")
	}
}

func TestNewEngineOrdersLadder(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, testLadder(2e6, 8e6, 4e6), 0, clock)

	if e.CurrentIndex() != 2 || e.Current().Name != "A" {
		t.Fatalf("Expected start option A at index 2, got %s at %d", e.Current().Name, e.CurrentIndex())
	}
	if !IsOrdered(e.Ladder()) {
		t.Fatal("Engine ladder is not ordered")
	}
	if e.Mode() != ModeAuto {
		t.Fatalf("Expected auto mode, got %s", e.Mode())
	}
}

func TestEmergencyRecovery(t *testing.T) {
	testCases := []struct {
		name   string
		ladder []QualityOption
		start  int
		want   int
	}{
		{"Jumps two levels", sixLadder(), 4, 2},
		{"Jumps from the lowest", sixLadder(), 5, 3},
		{"Exactly two", sixLadder(), 2, 0},
		{"Too close to top falls to floor", sixLadder(), 1, 5},
		{"Top falls to floor", sixLadder(), 0, 5},
		{"Single option", testLadder(4e6), 0, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clock := newFakeClock()
			e := newTestEngine(t, tc.ladder, tc.start, clock)

			d := e.ObserveState(StateError)
			if d.Kind != DecisionRecover {
				t.Fatalf("Expected recover, got %s", d.Kind)
			}
			if d.Index != tc.want || d.From != tc.start {
				t.Fatalf("Expected recover %d -> %d, got %d -> %d", tc.start, tc.want, d.From, d.Index)
			}
			if d.Target.Name != tc.ladder[tc.want].Name {
				t.Fatalf("Expected target %s, got %s", tc.ladder[tc.want].Name, d.Target.Name)
			}
			if e.CurrentIndex() != tc.want {
				t.Fatalf("Expected current index %d, got %d", tc.want, e.CurrentIndex())
			}
		})
	}
}

func TestCooldown(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, sixLadder(), 4, clock)

	if d := e.ObserveState(StateError); d.Kind != DecisionRecover || d.Index != 2 {
		t.Fatalf("Expected recover to 2, got %s", d)
	}

	// Still failed, but inside the cooldown
	clock.Advance(9 * time.Second)
	if d := e.ObserveState(StateError); !d.Maintain() {
		t.Fatalf("Expected maintain during cooldown, got %s", d)
	}
	if e.CurrentIndex() != 2 {
		t.Fatalf("Index changed during cooldown: %d", e.CurrentIndex())
	}

	clock.Advance(time.Second)
	d := e.ObserveState(StateError)
	if d.Kind != DecisionRecover || d.Index != 0 {
		t.Fatalf("Expected recover to 0 after cooldown, got %s", d)
	}

	snap := e.Snapshot()
	if len(snap.History) != 2 {
		t.Fatalf("Expected 2 history entries, got %d", len(snap.History))
	}
	if gap := snap.History[1].Timestamp.Sub(snap.History[0].Timestamp); gap < 10*time.Second {
		t.Fatalf("Accepted changes %s apart, less than the cooldown", gap)
	}
	if want := snap.LastAdjustment.Add(10 * time.Second); !snap.NextCheckAvailable.Equal(want) {
		t.Fatalf("Expected next check at %s, got %s", want, snap.NextCheckAvailable)
	}
}

func TestUnstableStepsDown(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, testLadder(8e6, 4e6, 2e6), 0, clock)

	bufferOnce(e, clock, 500*time.Millisecond)
	if d := bufferOnce(e, clock, 500*time.Millisecond); !d.Maintain() {
		t.Fatalf("Expected maintain while only buffering, got %s", d)
	}

	d := bufferOnce(e, clock, 500*time.Millisecond)
	if d.Kind != DecisionDecrease || d.Index != 1 {
		t.Fatalf("Expected decrease to 1, got %s", d)
	}
	if e.PlaybackMetrics().Health != HealthUnstable {
		t.Fatalf("Expected unstable health, got %s", e.PlaybackMetrics().Health)
	}
}

func TestFloorAndCeilingMaintain(t *testing.T) {
	t.Run("Unstable at floor", func(t *testing.T) {
		clock := newFakeClock()
		e := newTestEngine(t, testLadder(8e6, 4e6, 2e6), 2, clock)

		var d QualityDecision
		for i := 0; i < 3; i++ {
			d = bufferOnce(e, clock, 200*time.Millisecond)
		}
		if !d.Maintain() || d.Index != 2 {
			t.Fatalf("Expected maintain at floor, got %s", d)
		}
	})

	t.Run("Headroom at ceiling", func(t *testing.T) {
		clock := newFakeClock()
		e := newTestEngine(t, testLadder(8e6, 4e6, 2e6), 0, clock)
		feedConstant(e, clock, 100e6, 5)

		if d := e.ObserveState(StatePlaying); !d.Maintain() || d.Index != 0 {
			t.Fatalf("Expected maintain at ceiling, got %s", d)
		}
	})
}

func TestInsufficientBandwidthStepsDown(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, testLadder(8e6, 4e6, 2e6), 0, clock)

	feedConstant(e, clock, 3_750_000, 5)
	if got := e.BandwidthMetrics().EstimatedAvailableBPS; got != 3_000_000 {
		t.Fatalf("Expected estimate 3Mbps, got %d", got)
	}

	d := e.ObserveState(StatePlaying)
	if d.Kind != DecisionDecrease || d.Index != 1 {
		t.Fatalf("Expected decrease to 1, got %s", d)
	}
}

func TestNoSamplesKeepsQuality(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, testLadder(8e6, 4e6), 0, clock)

	if d := e.ObserveState(StatePlaying); !d.Maintain() {
		t.Fatalf("Expected maintain before any bandwidth sample, got %s", d)
	}
}

func TestUpgradeHeadroom(t *testing.T) {
	testCases := []struct {
		name string
		bps  uint64
		want DecisionKind
	}{
		// estimate 9.0Mbps < 8Mbps * 1.2
		{"Below headroom", 11_250_000, DecisionMaintain},
		// estimate 9.6Mbps == 8Mbps * 1.2
		{"At headroom", 12_000_000, DecisionIncrease},
		{"Well above", 40_000_000, DecisionIncrease},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clock := newFakeClock()
			e := newTestEngine(t, testLadder(8e6, 4e6, 2e6), 1, clock)
			feedConstant(e, clock, tc.bps, 5)

			d := e.ObserveState(StatePlaying)
			if d.Kind != tc.want {
				t.Fatalf("Expected %s, got %s", tc.want, d)
			}
			if tc.want == DecisionIncrease && d.Index != 0 {
				t.Fatalf("Expected increase by one level to 0, got %d", d.Index)
			}
		})
	}
}

func TestUpgradeRequiresHealthyPlayback(t *testing.T) {
	t.Run("Decreasing trend", func(t *testing.T) {
		clock := newFakeClock()
		e := newTestEngine(t, testLadder(8e6, 4e6), 1, clock)
		for _, bps := range []uint64{30e6, 30e6, 30e6, 15e6, 15e6, 15e6} {
			feedConstant(e, clock, bps, 1)
		}
		if e.BandwidthMetrics().Trend != TrendDecreasing {
			t.Fatalf("Expected decreasing trend, got %s", e.BandwidthMetrics().Trend)
		}
		if d := e.ObserveState(StatePlaying); !d.Maintain() {
			t.Fatalf("Expected maintain with decreasing trend, got %s", d)
		}
	})

	t.Run("Recent buffering", func(t *testing.T) {
		clock := newFakeClock()
		e := newTestEngine(t, testLadder(8e6, 4e6), 1, clock)
		bufferOnce(e, clock, time.Second)
		feedConstant(e, clock, 40e6, 5)

		if d := e.ObserveState(StatePlaying); !d.Maintain() {
			t.Fatalf("Expected maintain while buffering, got %s", d)
		}
	})
}

func TestManualModeBypassesEngine(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, sixLadder(), 0, clock)

	opt, err := e.SetManualQuality(2)
	if err != nil {
		t.Fatalf("SetManualQuality failed: %v", err)
	}
	if opt.Name != "C" || e.Mode() != ModeManual {
		t.Fatalf("Expected manual mode on C, got %s on %s", e.Mode(), opt.Name)
	}

	clock.Advance(time.Minute)
	if d := e.ObserveState(StateError); !d.Maintain() || d.Index != 2 {
		t.Fatalf("Expected maintain in manual mode, got %s", d)
	}

	// Health keeps being tracked while manual
	if e.PlaybackMetrics().Health != HealthFailed {
		t.Fatalf("Expected failed health, got %s", e.PlaybackMetrics().Health)
	}

	e.SetAuto()
	d := e.ObserveState(StateError)
	if d.Kind != DecisionRecover || d.Index != 0 {
		t.Fatalf("Expected recover to 0 after returning to auto, got %s", d)
	}
}

func TestManualChangeStartsCooldown(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, sixLadder(), 0, clock)

	if _, err := e.SetManualQuality(4); err != nil {
		t.Fatalf("SetManualQuality failed: %v", err)
	}
	e.SetAuto()

	if d := e.ObserveState(StateError); !d.Maintain() {
		t.Fatalf("Expected cooldown after manual change, got %s", d)
	}
}

func TestManualQualityOutOfRange(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, sixLadder(), 3, clock)

	for _, idx := range []int{-1, 6, 100} {
		if _, err := e.SetManualQuality(idx); !errors.Is(err, ErrIndexOutOfRange) {
			t.Fatalf("Expected ErrIndexOutOfRange for %d, got %v", idx, err)
		}
	}
	if e.Mode() != ModeAuto || e.CurrentIndex() != 3 {
		t.Fatal("Rejected manual request changed engine state")
	}
}

func TestClearErrors(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, sixLadder(), 5, clock)

	e.ObserveState(StateError)
	if e.PlaybackMetrics().Health != HealthFailed {
		t.Fatal("Expected failed health after error")
	}

	e.ClearErrors()
	if m := e.PlaybackMetrics(); m.Health != HealthHealthy || m.PlaybackErrors != 0 {
		t.Fatalf("Expected healthy with no errors, got %s with %d", m.Health, m.PlaybackErrors)
	}
}

func TestSnapshotStatistics(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, sixLadder(), 4, clock)

	e.ObserveState(StateError)
	clock.Advance(11 * time.Second)
	if _, err := e.SetManualQuality(3); err != nil {
		t.Fatalf("SetManualQuality failed: %v", err)
	}

	snap := e.Snapshot()
	if snap.Recoveries != 1 || snap.ManualOverrides != 1 {
		t.Fatalf("Expected 1 recovery and 1 manual override, got %d and %d", snap.Recoveries, snap.ManualOverrides)
	}
	if snap.Mode != ModeManual || snap.State != StateError {
		t.Fatalf("Unexpected mode/state %s/%s", snap.Mode, snap.State)
	}
	if snap.CurrentIndex != 3 || snap.Current.Name != "D" {
		t.Fatalf("Expected current D at 3, got %s at %d", snap.Current.Name, snap.CurrentIndex)
	}
	if last := snap.History[len(snap.History)-1]; last.Kind != "manual" || last.FromIndex != 2 || last.ToIndex != 3 {
		t.Fatalf("Unexpected last history entry %+v", last)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	clock := newFakeClock()
	e, err := NewEngine(sixLadder(), 0, DefaultSettings(),
		WithClock(clock.Now), WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	for i := 0; i < maxAdjustmentHistory+5; i++ {
		if _, err := e.SetManualQuality(i % 6); err != nil {
			t.Fatalf("SetManualQuality failed: %v", err)
		}
	}

	if n := len(e.Snapshot().History); n != maxAdjustmentHistory {
		t.Fatalf("Expected %d history entries, got %d", maxAdjustmentHistory, n)
	}
}
