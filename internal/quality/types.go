// Package quality provides adaptive stream quality control for a playback session
package quality

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrEmptyLadder is returned when a controller is built without any quality options
	ErrEmptyLadder = errors.New("quality ladder is empty")
	// ErrIndexOutOfRange is returned for ladder indices outside [0, len-1]
	ErrIndexOutOfRange = errors.New("quality index out of range")
	// ErrControllerStopped is returned by mailbox calls after the control loop exited
	ErrControllerStopped = errors.New("quality controller stopped")
)

// Resolution represents video dimensions
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// QualityOption describes one selectable rendition of the current media item
type QualityOption struct {
	Name              string     `json:"name"`
	Resolution        Resolution `json:"resolution"`
	Bitrate           uint64     `json:"bitrate"` // bits per second, nominal encoding rate
	URL               string     `json:"url"`
	RequiresTranscode bool       `json:"requiresTranscode"`
}

// PlayerState is the externally owned playback state observed by the controller
type PlayerState int

const (
	StateIdle PlayerState = iota
	StateLoading
	StatePlaying
	StatePaused
	StateError
)

func (s PlayerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ParsePlayerState converts a wire name into a PlayerState
func ParsePlayerState(s string) (PlayerState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "idle":
		return StateIdle, nil
	case "loading", "buffering":
		return StateLoading, nil
	case "playing":
		return StatePlaying, nil
	case "paused":
		return StatePaused, nil
	case "error":
		return StateError, nil
	default:
		return 0, fmt.Errorf("invalid player state: %s", s)
	}
}

// Mode selects whether the decision engine drives the active index
type Mode int

const (
	ModeAuto Mode = iota
	ModeManual
)

func (m Mode) String() string {
	if m == ModeManual {
		return "manual"
	}
	return "auto"
}

// Health classifies playback smoothness over the buffer window
type Health int

const (
	HealthHealthy Health = iota
	HealthBuffering
	HealthUnstable
	HealthFailed
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthBuffering:
		return "buffering"
	case HealthUnstable:
		return "unstable"
	case HealthFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Trend is the direction of recent bandwidth relative to older bandwidth
type Trend int

const (
	TrendStable Trend = iota
	TrendIncreasing
	TrendDecreasing
)

func (t Trend) String() string {
	switch t {
	case TrendIncreasing:
		return "increasing"
	case TrendDecreasing:
		return "decreasing"
	default:
		return "stable"
	}
}

// DecisionKind identifies what the engine asks the player to do
type DecisionKind int

const (
	DecisionMaintain DecisionKind = iota
	DecisionDecrease
	DecisionIncrease
	DecisionRecover
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionMaintain:
		return "maintain"
	case DecisionDecrease:
		return "decrease"
	case DecisionIncrease:
		return "increase"
	case DecisionRecover:
		return "recover"
	default:
		return "unknown"
	}
}

// QualityDecision is the output of one engine evaluation.
// Target and Index are only meaningful when Kind is not DecisionMaintain.
type QualityDecision struct {
	Kind   DecisionKind  `json:"kind"`
	Target QualityOption `json:"target"`
	Index  int           `json:"index"`
	From   int           `json:"from"`
	Reason string        `json:"reason"`
	At     time.Time     `json:"at"`
}

// Maintain reports whether the decision leaves the active quality untouched
func (d QualityDecision) Maintain() bool {
	return d.Kind == DecisionMaintain
}

func (d QualityDecision) String() string {
	if d.Maintain() {
		return "maintain"
	}
	return fmt.Sprintf("%s(%s #%d)", d.Kind, d.Target.Name, d.Index)
}

// BandwidthSample is one completed chunk download attributed to the active rendition
type BandwidthSample struct {
	Bytes   uint64
	Elapsed time.Duration
}

// BufferEvent is a completed rebuffering interval
type BufferEvent struct {
	Timestamp time.Time
	Duration  time.Duration
}

// SpeedMeasurement is one throughput observation in bits per second
type SpeedMeasurement struct {
	Timestamp     time.Time
	BitsPerSecond uint64
}

// PlaybackMetrics is derived from the buffer window on every state transition
type PlaybackMetrics struct {
	Health                Health        `json:"health"`
	BufferCount           int           `json:"bufferCount"`
	AverageBufferDuration time.Duration `json:"averageBufferDuration"`
	TimeSinceLastBuffer   time.Duration `json:"timeSinceLastBuffer"`
	PlaybackErrors        int           `json:"playbackErrors"`
}

// BandwidthMetrics is derived from the speed window on every bandwidth sample
type BandwidthMetrics struct {
	CurrentSpeedBPS       uint64 `json:"currentSpeedBps"`
	AverageSpeedBPS       uint64 `json:"averageSpeedBps"`
	EstimatedAvailableBPS uint64 `json:"estimatedAvailableBps"`
	Trend                 Trend  `json:"trend"`
	Samples               int    `json:"samples"`
}

// Enums marshal by name so JSON snapshots stay readable.

func (s PlayerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *PlayerState) UnmarshalText(b []byte) error {
	parsed, err := ParsePlayerState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (m Mode) MarshalText() ([]byte, error)         { return []byte(m.String()), nil }
func (h Health) MarshalText() ([]byte, error)       { return []byte(h.String()), nil }
func (t Trend) MarshalText() ([]byte, error)        { return []byte(t.String()), nil }
func (k DecisionKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// parseName finds the value in [0, n) whose String form equals text
func parseName[T ~int](text []byte, n int, name func(T) string, what string) (T, error) {
	for v := T(0); int(v) < n; v++ {
		if name(v) == string(text) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("invalid %s: %s", what, text)
}

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := parseName(b, 2, Mode.String, "mode")
	*m = v
	return err
}

func (h *Health) UnmarshalText(b []byte) error {
	v, err := parseName(b, 4, Health.String, "health")
	*h = v
	return err
}

func (t *Trend) UnmarshalText(b []byte) error {
	v, err := parseName(b, 3, Trend.String, "trend")
	*t = v
	return err
}

func (k *DecisionKind) UnmarshalText(b []byte) error {
	v, err := parseName(b, 4, DecisionKind.String, "decision kind")
	*k = v
	return err
}
