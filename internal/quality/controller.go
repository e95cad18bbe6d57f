package quality

import (
	"context"

	"go.uber.org/zap"
)

// Controller runs an Engine on a single goroutine. Player states, bandwidth
// samples and mailbox commands are multiplexed by Run, so the engine state has
// exactly one owner and needs no locking.
type Controller struct {
	engine    *Engine
	logger    *zap.Logger
	commands  chan func(*Engine)
	decisions chan QualityDecision
	done      chan struct{}
}

// NewController creates a controller for one playback session
func NewController(ladder []QualityOption, start int, settings Settings, opts ...Option) (*Controller, error) {
	engine, err := NewEngine(ladder, start, settings, opts...)
	if err != nil {
		return nil, err
	}

	return &Controller{
		engine:    engine,
		logger:    engine.logger,
		commands:  make(chan func(*Engine)),
		decisions: make(chan QualityDecision, settings.DecisionBuffer),
		done:      make(chan struct{}),
	}, nil
}

// Decisions returns the channel decisions are emitted on. Only changes are
// emitted; the channel is closed when Run returns.
func (c *Controller) Decisions() <-chan QualityDecision {
	return c.decisions
}

// Done is closed once the control loop has exited
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Run is the control loop. It returns when both input channels are closed or
// ctx is cancelled. Run must be called at most once.
func (c *Controller) Run(ctx context.Context, states <-chan PlayerState, samples <-chan BandwidthSample) {
	defer close(c.decisions)
	defer close(c.done)

	c.logger.Debug("control loop started", zap.String("quality", c.engine.Current().Name))

	for states != nil || samples != nil {
		select {
		case <-ctx.Done():
			c.logger.Debug("control loop cancelled", zap.Error(ctx.Err()))
			return

		case state, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			decision := c.engine.ObserveState(state)
			if !decision.Maintain() {
				c.emit(ctx, decision)
			}

		case sample, ok := <-samples:
			if !ok {
				samples = nil
				continue
			}
			c.engine.ObserveSample(sample)

		case cmd := <-c.commands:
			cmd(c.engine)
		}
	}

	c.logger.Debug("control loop finished, inputs closed")
}

func (c *Controller) emit(ctx context.Context, decision QualityDecision) {
	select {
	case c.decisions <- decision:
	case <-ctx.Done():
	}
}

// call runs fn on the control loop goroutine and waits for it to finish
func (c *Controller) call(ctx context.Context, fn func(*Engine)) error {
	finished := make(chan struct{})
	cmd := func(e *Engine) {
		defer close(finished)
		fn(e)
	}

	select {
	case c.commands <- cmd:
	case <-c.done:
		return ErrControllerStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	// Once accepted the command runs to completion without blocking
	<-finished
	return nil
}

// SetManualQuality pins the active index and bypasses the decision engine
// until SetAuto is called
func (c *Controller) SetManualQuality(ctx context.Context, index int) (QualityOption, error) {
	var (
		opt    QualityOption
		setErr error
	)
	if err := c.call(ctx, func(e *Engine) {
		opt, setErr = e.SetManualQuality(index)
	}); err != nil {
		return QualityOption{}, err
	}
	return opt, setErr
}

// SetAuto returns control to the decision engine
func (c *Controller) SetAuto(ctx context.Context) error {
	return c.call(ctx, func(e *Engine) { e.SetAuto() })
}

// ClearErrors resets the playback error counter
func (c *Controller) ClearErrors(ctx context.Context) error {
	return c.call(ctx, func(e *Engine) { e.ClearErrors() })
}

// Snapshot returns the current diagnostic view of the engine
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.call(ctx, func(e *Engine) { snap = e.Snapshot() })
	return snap, err
}

// PlaybackMetrics returns the current playback health metrics
func (c *Controller) PlaybackMetrics(ctx context.Context) (PlaybackMetrics, error) {
	var m PlaybackMetrics
	err := c.call(ctx, func(e *Engine) { m = e.PlaybackMetrics() })
	return m, err
}

// BandwidthMetrics returns the current bandwidth estimate
func (c *Controller) BandwidthMetrics(ctx context.Context) (BandwidthMetrics, error) {
	var m BandwidthMetrics
	err := c.call(ctx, func(e *Engine) { m = e.BandwidthMetrics() })
	return m, err
}
