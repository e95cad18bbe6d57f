// Package session manages concurrent playback sessions, each driven by its
// own quality controller
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/streamqc/internal/archive"
	"github.com/mikeyg42/streamqc/internal/quality"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrManagerClosed   = errors.New("session manager closed")
	ErrUnknownQuality  = errors.New("unknown start quality")
)

// Recorder persists emitted decisions
type Recorder interface {
	RecordDecision(ctx context.Context, sessionID, clientIP string, d quality.QualityDecision) error
}

// Archiver stores the report of a closed session and returns its location
type Archiver interface {
	Upload(ctx context.Context, report *archive.Report) (string, error)
}

// Config configures a Manager. Recorder and Archiver are optional.
type Config struct {
	Settings quality.Settings
	Ladder   []quality.QualityOption
	Start    int
	Recorder Recorder
	Archiver Archiver
	Clock    func() time.Time
	Logger   *zap.Logger
}

// OpenRequest describes a new session. An empty Ladder selects the
// configured ladder; Start names the initial rendition.
type OpenRequest struct {
	Media    string
	ClientIP string
	Ladder   []quality.QualityOption
	Start    string
}

// Closed is the outcome of closing a session
type Closed struct {
	Report     *archive.Report
	ArchiveKey string // empty when archiving is disabled or failed
}

// Manager owns the set of live sessions
type Manager struct {
	settings quality.Settings
	ladder   []quality.QualityOption
	start    int
	recorder Recorder
	archiver Archiver
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewManager validates the default ladder and settings and creates a manager
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid quality settings: %w", err)
	}
	ladder, start, err := quality.NormalizeLadder(cfg.Ladder, cfg.Start)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		settings: cfg.Settings,
		ladder:   ladder,
		start:    start,
		recorder: cfg.Recorder,
		archiver: cfg.Archiver,
		now:      cfg.Clock,
		logger:   cfg.Logger,
		sessions: make(map[string]*Session),
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = zap.L().Named("sessions")
	}
	return m, nil
}

// Open starts a new session with its controller loop running
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	ladder, start := m.ladder, m.start
	if len(req.Ladder) > 0 {
		// Custom ladders start at the lowest rendition unless told otherwise
		ladder, start = req.Ladder, 0
		for i, opt := range ladder {
			if opt.Bitrate < ladder[start].Bitrate {
				start = i
			}
		}
	}
	if req.Start != "" {
		start = quality.IndexOf(ladder, req.Start)
		if start < 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownQuality, req.Start)
		}
	}

	id := uuid.NewString()
	logger := m.logger.With(zap.String("session", id))

	ctrl, err := quality.NewController(ladder, start, m.settings,
		quality.WithClock(m.now),
		quality.WithLogger(logger.Named("quality")))
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:          id,
		Media:       req.Media,
		ClientIP:    req.ClientIP,
		OpenedAt:    m.now(),
		ctrl:        ctrl,
		recorder:    m.recorder,
		logger:      logger,
		cancel:      cancel,
		states:      make(chan quality.PlayerState),
		samples:     make(chan quality.BandwidthSample),
		closing:     make(chan struct{}),
		subscribers: make(map[int]chan quality.QualityDecision),
		decisions:   newHistory[quality.QualityDecision](maxDecisionLog),
		fanoutDone:  make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, ErrManagerClosed
	}
	m.sessions[id] = s
	m.mu.Unlock()

	s.start(runCtx)

	logger.Info("session opened",
		zap.String("media", req.Media),
		zap.Int("renditions", len(ladder)))
	return s, nil
}

// Get returns a live session
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// List returns the live sessions, oldest first
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].OpenedAt.Equal(infos[j].OpenedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].OpenedAt.Before(infos[j].OpenedAt)
	})
	return infos
}

// Len returns the number of live sessions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close stops a session, waits for its pending decisions and archives its report
func (m *Manager) Close(ctx context.Context, id string) (*Closed, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return m.finish(ctx, s), nil
}

func (m *Manager) finish(ctx context.Context, s *Session) *Closed {
	report := s.stop(ctx, m.now())
	result := &Closed{Report: report}

	if m.archiver != nil {
		key, err := m.archiver.Upload(ctx, report)
		if err != nil {
			s.logger.Error("failed to archive session report", zap.Error(err))
		} else {
			result.ArchiveKey = key
		}
	}

	s.logger.Info("session closed",
		zap.Duration("duration", report.Duration()),
		zap.Int("decisions", len(report.Decisions)),
		zap.String("archive", result.ArchiveKey))
	return result
}

// CloseAll closes every live session and rejects further opens
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			m.finish(ctx, s)
		}(s)
	}
	wg.Wait()
}
