package quality

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type controllerHarness struct {
	ctrl    *Controller
	clock   *fakeClock
	states  chan PlayerState
	samples chan BandwidthSample
	cancel  context.CancelFunc
}

func startController(t *testing.T, ladder []QualityOption, start int) *controllerHarness {
	t.Helper()

	clock := newFakeClock()
	ctrl, err := NewController(ladder, start, DefaultSettings(),
		WithClock(clock.Now),
		WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &controllerHarness{
		ctrl:    ctrl,
		clock:   clock,
		states:  make(chan PlayerState),
		samples: make(chan BandwidthSample),
		cancel:  cancel,
	}
	go ctrl.Run(ctx, h.states, h.samples)

	t.Cleanup(func() {
		cancel()
		<-ctrl.Done()
	})
	return h
}

func waitDecision(t *testing.T, decisions <-chan QualityDecision) QualityDecision {
	t.Helper()
	select {
	case d, ok := <-decisions:
		if !ok {
			t.Fatal("Decision channel closed")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for decision")
	}
	return QualityDecision{}
}

func TestControllerEmitsChanges(t *testing.T) {
	h := startController(t, sixLadder(), 4)

	h.states <- StatePlaying
	h.states <- StateError

	d := waitDecision(t, h.ctrl.Decisions())
	if d.Kind != DecisionRecover || d.Index != 2 {
		t.Fatalf("Expected recover to 2, got %s", d)
	}

	// Maintain decisions are not emitted
	h.states <- StateError
	if _, err := h.ctrl.Snapshot(context.Background()); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	select {
	case d := <-h.ctrl.Decisions():
		t.Fatalf("Unexpected decision during cooldown: %s", d)
	default:
	}
}

func TestControllerSamples(t *testing.T) {
	h := startController(t, testLadder(8e6, 4e6, 2e6), 0)

	for i := 0; i < 4; i++ {
		h.clock.Advance(time.Second)
		h.samples <- BandwidthSample{Bytes: bytesPerSecondFor(3_750_000), Elapsed: time.Second}
	}

	bm, err := h.ctrl.BandwidthMetrics(context.Background())
	if err != nil {
		t.Fatalf("BandwidthMetrics failed: %v", err)
	}
	if bm.Samples != 4 || bm.EstimatedAvailableBPS != 3_000_000 {
		t.Fatalf("Unexpected bandwidth metrics %+v", bm)
	}

	h.states <- StatePlaying
	d := waitDecision(t, h.ctrl.Decisions())
	if d.Kind != DecisionDecrease || d.Index != 1 {
		t.Fatalf("Expected decrease to 1, got %s", d)
	}
}

func TestControllerManualMailbox(t *testing.T) {
	h := startController(t, sixLadder(), 0)
	ctx := context.Background()

	opt, err := h.ctrl.SetManualQuality(ctx, 3)
	if err != nil {
		t.Fatalf("SetManualQuality failed: %v", err)
	}
	if opt.Name != "D" {
		t.Fatalf("Expected option D, got %s", opt.Name)
	}

	if _, err := h.ctrl.SetManualQuality(ctx, 9); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("Expected ErrIndexOutOfRange, got %v", err)
	}

	h.clock.Advance(time.Minute)
	h.states <- StateError

	snap, err := h.ctrl.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.Mode != ModeManual || snap.CurrentIndex != 3 {
		t.Fatalf("Expected manual at 3, got %s at %d", snap.Mode, snap.CurrentIndex)
	}
	pm, err := h.ctrl.PlaybackMetrics(ctx)
	if err != nil {
		t.Fatalf("PlaybackMetrics failed: %v", err)
	}
	if pm.Health != HealthFailed {
		t.Fatalf("Expected failed health, got %s", pm.Health)
	}

	if err := h.ctrl.SetAuto(ctx); err != nil {
		t.Fatalf("SetAuto failed: %v", err)
	}
	if err := h.ctrl.ClearErrors(ctx); err != nil {
		t.Fatalf("ClearErrors failed: %v", err)
	}
	h.states <- StatePlaying

	select {
	case d := <-h.ctrl.Decisions():
		t.Fatalf("Unexpected decision after clearing errors: %s", d)
	default:
	}
}

func TestControllerStopsWhenInputsClose(t *testing.T) {
	h := startController(t, sixLadder(), 2)

	close(h.states)
	close(h.samples)

	select {
	case <-h.ctrl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Control loop did not exit after inputs closed")
	}

	if _, ok := <-h.ctrl.Decisions(); ok {
		t.Fatal("Expected decision channel to be closed")
	}
	if err := h.ctrl.SetAuto(context.Background()); !errors.Is(err, ErrControllerStopped) {
		t.Fatalf("Expected ErrControllerStopped, got %v", err)
	}
}

func TestControllerKeepsRunningWithOneInput(t *testing.T) {
	h := startController(t, sixLadder(), 4)

	close(h.samples)
	h.states <- StateError

	d := waitDecision(t, h.ctrl.Decisions())
	if d.Kind != DecisionRecover {
		t.Fatalf("Expected recover, got %s", d)
	}
}

func TestControllerCancel(t *testing.T) {
	h := startController(t, sixLadder(), 0)

	h.cancel()
	<-h.ctrl.Done()

	if _, err := h.ctrl.Snapshot(context.Background()); !errors.Is(err, ErrControllerStopped) {
		t.Fatalf("Expected ErrControllerStopped, got %v", err)
	}
}

func TestControllerCallContext(t *testing.T) {
	ctrl, err := NewController(sixLadder(), 0, DefaultSettings(), WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	// Loop never started, so the command cannot be accepted
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := ctrl.SetAuto(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
}
