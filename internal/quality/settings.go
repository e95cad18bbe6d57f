package quality

import (
	"fmt"
	"time"
)

// Settings holds the tuning constants of the control loop
type Settings struct {
	// Minimum time between two accepted quality changes
	Cooldown time.Duration
	// Trailing window for rebuffering events
	BufferWindow time.Duration
	// Trailing window for throughput measurements
	SpeedWindow time.Duration
	// Buffer events inside the window at which health becomes unstable
	UnstableBufferCount int
	// Fraction of average throughput treated as available (0.8 = 20% margin)
	SafetyMargin float64
	// Multiplier applied to a candidate bitrate before upgrading
	UpgradeHeadroom float64
	// Relative change between window halves that counts as a trend
	TrendThreshold float64
	// Ladder steps jumped by emergency recovery
	EmergencyStep int
	// Sustained playing time that clears recorded playback errors; 0 never clears
	ErrorResetAfter time.Duration
	// Capacity of the decision channel
	DecisionBuffer int
}

// DefaultSettings returns the reference tuning of the controller
func DefaultSettings() Settings {
	return Settings{
		Cooldown:            10 * time.Second,
		BufferWindow:        60 * time.Second,
		SpeedWindow:         30 * time.Second,
		UnstableBufferCount: 3,
		SafetyMargin:        0.8,
		UpgradeHeadroom:     1.2,
		TrendThreshold:      0.2,
		EmergencyStep:       2,
		ErrorResetAfter:     0,
		DecisionBuffer:      16,
	}
}

// Validate rejects settings the engine cannot run with
func (s Settings) Validate() error {
	if s.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative: %s", s.Cooldown)
	}
	if s.BufferWindow <= 0 {
		return fmt.Errorf("buffer window must be positive: %s", s.BufferWindow)
	}
	if s.SpeedWindow <= 0 {
		return fmt.Errorf("speed window must be positive: %s", s.SpeedWindow)
	}
	if s.UnstableBufferCount < 1 {
		return fmt.Errorf("unstable buffer count must be at least 1: %d", s.UnstableBufferCount)
	}
	if s.SafetyMargin <= 0 || s.SafetyMargin > 1 {
		return fmt.Errorf("safety margin must be in (0, 1]: %.2f", s.SafetyMargin)
	}
	if s.UpgradeHeadroom < 1 {
		return fmt.Errorf("upgrade headroom must be at least 1: %.2f", s.UpgradeHeadroom)
	}
	if s.TrendThreshold < 0 {
		return fmt.Errorf("trend threshold must not be negative: %.2f", s.TrendThreshold)
	}
	if s.EmergencyStep < 1 {
		return fmt.Errorf("emergency step must be at least 1: %d", s.EmergencyStep)
	}
	if s.ErrorResetAfter < 0 {
		return fmt.Errorf("error reset window must not be negative: %s", s.ErrorResetAfter)
	}
	if s.DecisionBuffer < 0 {
		return fmt.Errorf("decision buffer must not be negative: %d", s.DecisionBuffer)
	}
	return nil
}
