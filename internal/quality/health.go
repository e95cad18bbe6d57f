package quality

import "time"

// healthTracker classifies playback smoothness from player state transitions
type healthTracker struct {
	window          time.Duration
	unstableCount   int
	errorResetAfter time.Duration

	previous       PlayerState
	bufferingSince time.Time // zero while not buffering
	playingSince   time.Time // zero while not playing
	events         []BufferEvent
	errors         int

	metrics PlaybackMetrics
}

func newHealthTracker(s Settings) *healthTracker {
	return &healthTracker{
		window:          s.BufferWindow,
		unstableCount:   s.UnstableBufferCount,
		errorResetAfter: s.ErrorResetAfter,
		previous:        StateIdle,
		events:          make([]BufferEvent, 0, 8),
	}
}

// observe applies one transition and recomputes the metrics
func (h *healthTracker) observe(now time.Time, state PlayerState) {
	prev := h.previous
	h.previous = state

	// Sustained playback since the last error clears the error count when enabled
	if h.errorResetAfter > 0 && h.errors > 0 && prev == StatePlaying &&
		!h.playingSince.IsZero() && now.Sub(h.playingSince) >= h.errorResetAfter {
		h.errors = 0
	}

	switch {
	case prev == StatePlaying && state == StateLoading:
		h.bufferingSince = now

	case prev == StateLoading && state == StatePlaying:
		if !h.bufferingSince.IsZero() {
			h.events = append(h.events, BufferEvent{
				Timestamp: now,
				Duration:  now.Sub(h.bufferingSince),
			})
			h.bufferingSince = time.Time{}
			h.evict(now)
		}

	case state == StateError:
		h.errors++
	}

	// Track uninterrupted playing time for the optional error reset
	if state == StatePlaying {
		if prev != StatePlaying || h.playingSince.IsZero() {
			h.playingSince = now
		}
	} else {
		h.playingSince = time.Time{}
	}

	h.recompute(now)
}

// clearErrors forgets recorded playback errors
func (h *healthTracker) clearErrors(now time.Time) {
	h.errors = 0
	h.recompute(now)
}

func (h *healthTracker) evict(now time.Time) {
	cutoff := 0
	for cutoff < len(h.events) && now.Sub(h.events[cutoff].Timestamp) > h.window {
		cutoff++
	}
	if cutoff > 0 {
		h.events = append(h.events[:0], h.events[cutoff:]...)
	}
}

func (h *healthTracker) recompute(now time.Time) {
	h.evict(now)

	m := PlaybackMetrics{
		BufferCount:    len(h.events),
		PlaybackErrors: h.errors,
	}

	if n := len(h.events); n > 0 {
		var total time.Duration
		for _, ev := range h.events {
			total += ev.Duration
		}
		m.AverageBufferDuration = total / time.Duration(n)
		m.TimeSinceLastBuffer = now.Sub(h.events[n-1].Timestamp)
	}

	// Priority cascade: any error dominates buffering counts
	switch {
	case h.errors > 0:
		m.Health = HealthFailed
	case m.BufferCount >= h.unstableCount:
		m.Health = HealthUnstable
	case m.BufferCount > 0:
		m.Health = HealthBuffering
	default:
		m.Health = HealthHealthy
	}

	h.metrics = m
}
