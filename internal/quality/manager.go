package quality

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

const maxAdjustmentHistory = 20

// AdjustmentRecord tracks accepted quality changes for diagnostics
type AdjustmentRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	Kind         string    `json:"kind"` // decision kind or "manual"
	FromIndex    int       `json:"fromIndex"`
	ToIndex      int       `json:"toIndex"`
	FromName     string    `json:"fromName"`
	ToName       string    `json:"toName"`
	Reason       string    `json:"reason"`
	Health       Health    `json:"health"`
	Trend        Trend     `json:"trend"`
	AvailableBPS uint64    `json:"availableBps"`
}

// Option configures an Engine or Controller
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *zap.Logger
}

// WithClock replaces the wall clock, mainly for tests and trace replay
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger used for decision logging
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:    time.Now,
		logger: zap.L().Named("quality"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Engine owns the controller state and runs the decision policy.
// It is not safe for concurrent use; Controller serializes access to it.
type Engine struct {
	settings Settings
	ladder   []QualityOption
	now      func() time.Time
	logger   *zap.Logger

	mode       Mode
	current    int
	state      PlayerState
	lastChange time.Time

	health    *healthTracker
	bandwidth *bandwidthEstimator

	history    []AdjustmentRecord
	increases  int
	decreases  int
	recoveries int
	manual     int
}

// NewEngine creates an engine over the given ladder. The ladder is copied and
// ordered from highest to lowest bitrate; start follows the option it named.
func NewEngine(ladder []QualityOption, start int, settings Settings, opts ...Option) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid quality settings: %w", err)
	}

	ordered, startIdx, err := NormalizeLadder(ladder, start)
	if err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	e := &Engine{
		settings:  settings,
		ladder:    ordered,
		now:       o.now,
		logger:    o.logger,
		mode:      ModeAuto,
		current:   startIdx,
		state:     StateIdle,
		health:    newHealthTracker(settings),
		bandwidth: newBandwidthEstimator(settings),
		history:   make([]AdjustmentRecord, 0, maxAdjustmentHistory),
	}
	e.health.recompute(e.now())
	e.bandwidth.recompute()

	e.logger.Debug("quality engine initialized",
		zap.Int("options", len(ordered)),
		zap.String("start", ordered[startIdx].Name),
		zap.Bool("reordered", !IsOrdered(ladder)))

	return e, nil
}

// ObserveState feeds one player state transition and, in auto mode, runs the
// decision policy. The returned decision is Maintain when nothing changes.
func (e *Engine) ObserveState(state PlayerState) QualityDecision {
	now := e.now()
	e.state = state
	e.health.observe(now, state)

	if e.mode == ModeManual {
		return e.maintain(now)
	}
	return e.decide(now)
}

// ObserveSample feeds one chunk download into the bandwidth estimator
func (e *Engine) ObserveSample(sample BandwidthSample) BandwidthMetrics {
	e.bandwidth.add(e.now(), sample)
	return e.bandwidth.metrics
}

// SetManualQuality pins the active index and disables automatic decisions
func (e *Engine) SetManualQuality(index int) (QualityOption, error) {
	if index < 0 || index >= len(e.ladder) {
		return QualityOption{}, fmt.Errorf("manual index %d for %d options: %w", index, len(e.ladder), ErrIndexOutOfRange)
	}

	now := e.now()
	from := e.current
	e.mode = ModeManual
	e.current = index
	e.lastChange = now
	e.manual++
	e.record(now, "manual", from, index, "manual override")

	e.logger.Info("manual quality set",
		zap.String("from", e.ladder[from].Name),
		zap.String("to", e.ladder[index].Name))

	return e.ladder[index], nil
}

// SetAuto hands control back to the decision engine
func (e *Engine) SetAuto() {
	if e.mode == ModeAuto {
		return
	}
	e.mode = ModeAuto
	e.logger.Info("automatic quality restored", zap.String("current", e.ladder[e.current].Name))
}

// ClearErrors resets the playback error counter
func (e *Engine) ClearErrors() {
	e.health.clearErrors(e.now())
}

// decide runs the policy in strict priority order
func (e *Engine) decide(now time.Time) QualityDecision {
	// Cooldown gate applies to every rule
	if !e.lastChange.IsZero() && now.Sub(e.lastChange) < e.settings.Cooldown {
		return e.maintain(now)
	}

	pm := e.health.metrics
	bm := e.bandwidth.metrics

	if pm.Health == HealthFailed {
		return e.recover(now, fmt.Sprintf("playback failed (%d errors)", pm.PlaybackErrors))
	}

	if pm.Health == HealthUnstable {
		return e.stepDown(now, fmt.Sprintf("playback unstable (%d buffer events in %s)", pm.BufferCount, e.settings.BufferWindow))
	}

	// Nothing to compare against until the first sample arrives
	if bm.Samples > 0 && e.ladder[e.current].Bitrate > bm.EstimatedAvailableBPS {
		return e.stepDown(now, fmt.Sprintf("bitrate %d exceeds available %d", e.ladder[e.current].Bitrate, bm.EstimatedAvailableBPS))
	}

	if (bm.Trend == TrendIncreasing || bm.Trend == TrendStable) &&
		pm.Health == HealthHealthy && pm.BufferCount == 0 {
		return e.stepUp(now)
	}

	return e.maintain(now)
}

// recover jumps EmergencyStep indices, or to the floor when that is not possible
func (e *Engine) recover(now time.Time, reason string) QualityDecision {
	target := len(e.ladder) - 1
	if e.current >= e.settings.EmergencyStep {
		target = e.current - e.settings.EmergencyStep
	}
	return e.apply(now, DecisionRecover, target, reason)
}

// stepDown lowers quality by exactly one level, guarded by the floor
func (e *Engine) stepDown(now time.Time, reason string) QualityDecision {
	if e.current >= len(e.ladder)-1 {
		return e.maintain(now)
	}
	return e.apply(now, DecisionDecrease, e.current+1, reason)
}

// stepUp raises quality by one level when the candidate fits with headroom
func (e *Engine) stepUp(now time.Time) QualityDecision {
	if e.current == 0 {
		return e.maintain(now)
	}

	next := e.ladder[e.current-1]
	required := uint64(math.Round(float64(next.Bitrate) * e.settings.UpgradeHeadroom))
	available := e.bandwidth.metrics.EstimatedAvailableBPS
	if available < required {
		return e.maintain(now)
	}

	return e.apply(now, DecisionIncrease, e.current-1,
		fmt.Sprintf("available %d covers %d with headroom", available, required))
}

func (e *Engine) apply(now time.Time, kind DecisionKind, target int, reason string) QualityDecision {
	from := e.current
	e.current = target
	e.lastChange = now

	switch kind {
	case DecisionIncrease:
		e.increases++
	case DecisionDecrease:
		e.decreases++
	case DecisionRecover:
		e.recoveries++
	}
	e.record(now, kind.String(), from, target, reason)

	e.logger.Info("quality "+kind.String(),
		zap.String("from", e.ladder[from].Name),
		zap.String("to", e.ladder[target].Name),
		zap.Uint64("bitrate", e.ladder[target].Bitrate),
		zap.String("health", e.health.metrics.Health.String()),
		zap.Uint64("available_bps", e.bandwidth.metrics.EstimatedAvailableBPS),
		zap.String("reason", reason))

	return QualityDecision{
		Kind:   kind,
		Target: e.ladder[target],
		Index:  target,
		From:   from,
		Reason: reason,
		At:     now,
	}
}

func (e *Engine) maintain(now time.Time) QualityDecision {
	return QualityDecision{
		Kind:   DecisionMaintain,
		Target: e.ladder[e.current],
		Index:  e.current,
		From:   e.current,
		At:     now,
	}
}

// record logs an adjustment for history, keeping the last maxAdjustmentHistory entries
func (e *Engine) record(now time.Time, kind string, from, to int, reason string) {
	e.history = append(e.history, AdjustmentRecord{
		Timestamp:    now,
		Kind:         kind,
		FromIndex:    from,
		ToIndex:      to,
		FromName:     e.ladder[from].Name,
		ToName:       e.ladder[to].Name,
		Reason:       reason,
		Health:       e.health.metrics.Health,
		Trend:        e.bandwidth.metrics.Trend,
		AvailableBPS: e.bandwidth.metrics.EstimatedAvailableBPS,
	})
	if len(e.history) > maxAdjustmentHistory {
		e.history = e.history[1:]
	}
}

// PlaybackMetrics returns the derived playback health
func (e *Engine) PlaybackMetrics() PlaybackMetrics {
	return e.health.metrics
}

// BandwidthMetrics returns the derived bandwidth estimate
func (e *Engine) BandwidthMetrics() BandwidthMetrics {
	return e.bandwidth.metrics
}

// Mode returns the current control mode
func (e *Engine) Mode() Mode {
	return e.mode
}

// CurrentIndex returns the ladder index the engine assumes is active
func (e *Engine) CurrentIndex() int {
	return e.current
}

// Current returns the option the engine assumes is active
func (e *Engine) Current() QualityOption {
	return e.ladder[e.current]
}

// Ladder returns a copy of the ordered ladder
func (e *Engine) Ladder() []QualityOption {
	return append([]QualityOption(nil), e.ladder...)
}

// Snapshot is the exported view of an engine for monitoring/debugging
type Snapshot struct {
	Mode         Mode            `json:"mode"`
	State        PlayerState     `json:"state"`
	CurrentIndex int             `json:"currentIndex"`
	Current      QualityOption   `json:"current"`
	Ladder       []QualityOption `json:"ladder"`

	Playback  PlaybackMetrics  `json:"playback"`
	Bandwidth BandwidthMetrics `json:"bandwidth"`

	// Adaptation statistics
	Increases          int                `json:"increases"`
	Decreases          int                `json:"decreases"`
	Recoveries         int                `json:"recoveries"`
	ManualOverrides    int                `json:"manualOverrides"`
	LastAdjustment     time.Time          `json:"lastAdjustment"`
	NextCheckAvailable time.Time          `json:"nextCheckAvailable"` // when cooldown expires
	History            []AdjustmentRecord `json:"history"`
}

// Snapshot returns current quality management metrics
func (e *Engine) Snapshot() Snapshot {
	var nextCheck time.Time
	if !e.lastChange.IsZero() {
		nextCheck = e.lastChange.Add(e.settings.Cooldown)
	}

	return Snapshot{
		Mode:               e.mode,
		State:              e.state,
		CurrentIndex:       e.current,
		Current:            e.ladder[e.current],
		Ladder:             e.Ladder(),
		Playback:           e.health.metrics,
		Bandwidth:          e.bandwidth.metrics,
		Increases:          e.increases,
		Decreases:          e.decreases,
		Recoveries:         e.recoveries,
		ManualOverrides:    e.manual,
		LastAdjustment:     e.lastChange,
		NextCheckAvailable: nextCheck,
		History:            append([]AdjustmentRecord(nil), e.history...),
	}
}
