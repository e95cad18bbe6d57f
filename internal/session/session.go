package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/streamqc/internal/archive"
	"github.com/mikeyg42/streamqc/internal/audit"
	"github.com/mikeyg42/streamqc/internal/quality"
)

const (
	subscriberBuffer = 16
	maxDecisionLog   = 1000
	auditTimeout     = 5 * time.Second
)

// Session is one playback session driven by its own quality controller.
// Producer methods are safe for concurrent use; events are applied in the
// order the controller receives them.
type Session struct {
	ID       string
	Media    string
	ClientIP string
	OpenedAt time.Time

	ctrl     *quality.Controller
	recorder Recorder
	logger   *zap.Logger
	cancel   context.CancelFunc

	// inputMu guards the producer channels against being closed mid-send
	inputMu sync.RWMutex
	states  chan quality.PlayerState
	samples chan quality.BandwidthSample
	closing chan struct{}

	subMu       sync.Mutex
	subscribers map[int]chan quality.QualityDecision
	nextSub     int
	finished    bool

	decisions *history[quality.QualityDecision]

	fanoutDone chan struct{}
	closeOnce  sync.Once
}

func (s *Session) start(ctx context.Context) {
	go s.ctrl.Run(ctx, s.states, s.samples)
	go s.fanout()
}

// fanout drains controller decisions into the decision log, the audit
// recorder and every subscriber. Slow subscribers lose decisions rather than
// stalling the controller.
func (s *Session) fanout() {
	defer close(s.fanoutDone)

	for d := range s.ctrl.Decisions() {
		s.decisions.add(d)

		s.subMu.Lock()
		for id, ch := range s.subscribers {
			select {
			case ch <- d:
			default:
				s.logger.Warn("subscriber too slow, decision dropped",
					zap.Int("subscriber", id),
					zap.String("decision", d.String()))
			}
		}
		s.subMu.Unlock()

		if s.recorder != nil {
			ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
			if err := s.recorder.RecordDecision(ctx, s.ID, s.ClientIP, d); err != nil {
				s.logger.Error("failed to audit decision", zap.Error(err))
			}
			cancel()
		}
	}

	s.subMu.Lock()
	s.finished = true
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subMu.Unlock()
}

// PushState forwards a player state transition to the controller
func (s *Session) PushState(ctx context.Context, state quality.PlayerState) error {
	s.inputMu.RLock()
	defer s.inputMu.RUnlock()

	select {
	case <-s.closing:
		return ErrSessionClosed
	default:
	}

	select {
	case s.states <- state:
		return nil
	case <-s.closing:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushSample forwards a completed chunk download to the controller
func (s *Session) PushSample(ctx context.Context, sample quality.BandwidthSample) error {
	s.inputMu.RLock()
	defer s.inputMu.RUnlock()

	select {
	case <-s.closing:
		return ErrSessionClosed
	default:
	}

	select {
	case s.samples <- sample:
		return nil
	case <-s.closing:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetManualQuality pins the active rendition until SetAuto is called
func (s *Session) SetManualQuality(ctx context.Context, index int) (quality.QualityOption, error) {
	opt, err := s.ctrl.SetManualQuality(ctx, index)
	return opt, s.mapErr(err)
}

// SetAuto returns control to the decision engine
func (s *Session) SetAuto(ctx context.Context) error {
	return s.mapErr(s.ctrl.SetAuto(ctx))
}

// ClearErrors resets the playback error count
func (s *Session) ClearErrors(ctx context.Context) error {
	return s.mapErr(s.ctrl.ClearErrors(ctx))
}

// Snapshot returns the controller's current diagnostic view
func (s *Session) Snapshot(ctx context.Context) (quality.Snapshot, error) {
	snap, err := s.ctrl.Snapshot(ctx)
	return snap, s.mapErr(err)
}

func (s *Session) mapErr(err error) error {
	if errors.Is(err, quality.ErrControllerStopped) {
		return ErrSessionClosed
	}
	return err
}

// Subscribe returns a channel receiving every decision emitted after the call,
// and a func that stops the subscription. The channel is closed when the
// session ends or the subscription is cancelled.
func (s *Session) Subscribe() (<-chan quality.QualityDecision, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ch := make(chan quality.QualityDecision, subscriberBuffer)
	if s.finished {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subscribers[id]; ok {
			close(c)
			delete(s.subscribers, id)
		}
	}
}

// Decisions returns the retained decisions, oldest first. Only the newest
// maxDecisionLog are kept.
func (s *Session) Decisions() []quality.QualityDecision {
	return s.decisions.all()
}

// RecentDecisions returns up to n of the newest decisions, oldest first
func (s *Session) RecentDecisions(n int) []quality.QualityDecision {
	return s.decisions.recent(n)
}

// Info is the listing view of a session
type Info struct {
	ID        string    `json:"id"`
	Media     string    `json:"media"`
	OpenedAt  time.Time `json:"openedAt"`
	Decisions int       `json:"decisions"`
}

func (s *Session) Info() Info {
	return Info{ID: s.ID, Media: s.Media, OpenedAt: s.OpenedAt, Decisions: s.decisions.len()}
}

// stop drains the controller and returns the final report. The final
// snapshot is taken before the inputs close so it reflects every accepted event.
func (s *Session) stop(ctx context.Context, now time.Time) *archive.Report {
	report := &archive.Report{
		SessionID: s.ID,
		Media:     s.Media,
		ClientIP:  audit.MaskIP(s.ClientIP),
		OpenedAt:  s.OpenedAt,
	}

	s.closeOnce.Do(func() {
		close(s.closing)

		if snap, err := s.ctrl.Snapshot(ctx); err == nil {
			report.Final = snap
		} else {
			s.logger.Warn("final snapshot unavailable", zap.Error(err))
		}

		s.inputMu.Lock()
		close(s.states)
		close(s.samples)
		s.inputMu.Unlock()

		select {
		case <-s.fanoutDone:
		case <-ctx.Done():
			s.logger.Warn("session drain interrupted", zap.Error(ctx.Err()))
		}
		s.cancel()
		<-s.ctrl.Done()
	})

	report.ClosedAt = now
	report.Ladder = report.Final.Ladder
	report.Decisions = s.Decisions()
	return report
}
