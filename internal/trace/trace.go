// Package trace reads recorded player event traces and replays them through
// a quality engine on a virtual clock.
//
// A trace is JSON lines, one event per line, with offsets from the start of
// playback:
//
//	{"at":"0s","state":"loading"}
//	{"at":"1.5s","state":"playing"}
//	{"at":"2s","bytes":1048576,"elapsed":"1s"}
//	{"at":"30s","manual":2}
//	{"at":"45s","auto":true}
//	{"at":"50s","clearErrors":true}
//
// Blank lines and lines starting with # are ignored.
package trace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/mikeyg42/streamqc/internal/quality"
)

const maxLineSize = 64 * 1024

var ErrEmptyTrace = errors.New("trace has no events")

// Duration is a time.Duration written as a Go duration string
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Event is one line of a trace. Exactly one action is set.
type Event struct {
	At          Duration             `json:"at"`
	State       *quality.PlayerState `json:"state,omitempty"`
	Bytes       *uint64              `json:"bytes,omitempty"`
	Elapsed     *Duration            `json:"elapsed,omitempty"`
	Manual      *int                 `json:"manual,omitempty"`
	Auto        bool                 `json:"auto,omitempty"`
	ClearErrors bool                 `json:"clearErrors,omitempty"`

	Line int `json:"-"`
}

// isSample reports whether the line carries a bytes or elapsed key. Zero
// values still count so degenerate chunks reach the estimator.
func (e Event) isSample() bool {
	return e.Bytes != nil || e.Elapsed != nil
}

// Sample returns the bandwidth sample of the event, zero for missing keys
func (e Event) Sample() quality.BandwidthSample {
	var s quality.BandwidthSample
	if e.Bytes != nil {
		s.Bytes = *e.Bytes
	}
	if e.Elapsed != nil {
		s.Elapsed = e.Elapsed.Duration
	}
	return s
}

func (e Event) actions() int {
	n := 0
	for _, set := range []bool{e.State != nil, e.isSample(), e.Manual != nil, e.Auto, e.ClearErrors} {
		if set {
			n++
		}
	}
	return n
}

// String describes the event for display
func (e Event) String() string {
	switch {
	case e.State != nil:
		return "state " + e.State.String()
	case e.isSample():
		sample := e.Sample()
		return fmt.Sprintf("sample %s in %s", humanize.IBytes(sample.Bytes), sample.Elapsed)
	case e.Manual != nil:
		return fmt.Sprintf("manual #%d", *e.Manual)
	case e.Auto:
		return "auto"
	case e.ClearErrors:
		return "clear errors"
	default:
		return "none"
	}
}

// Read parses a trace. Offsets must not decrease.
func Read(r io.Reader) ([]Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	var (
		events []Event
		last   time.Duration
		line   int
	)
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}

		var ev Event
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ev.Line = line

		if n := ev.actions(); n != 1 {
			return nil, fmt.Errorf("line %d: expected exactly one action, got %d", line, n)
		}
		if ev.At.Duration < 0 {
			return nil, fmt.Errorf("line %d: negative offset %s", line, ev.At.Duration)
		}
		if ev.At.Duration < last {
			return nil, fmt.Errorf("line %d: offset %s before previous event at %s", line, ev.At.Duration, last)
		}
		if ev.Elapsed != nil && ev.Elapsed.Duration < 0 {
			return nil, fmt.Errorf("line %d: negative elapsed %s", line, ev.Elapsed.Duration)
		}
		last = ev.At.Duration
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	if len(events) == 0 {
		return nil, ErrEmptyTrace
	}
	return events, nil
}

// Step is the engine's view right after one event
type Step struct {
	At           time.Duration
	Event        string
	Decision     quality.QualityDecision
	Quality      string
	Mode         quality.Mode
	Health       quality.Health
	AvailableBPS uint64
}

// Changed reports whether the step moved the active quality
func (s Step) Changed() bool {
	return !s.Decision.Maintain()
}

// Result is the outcome of a replay
type Result struct {
	Steps []Step
	Final quality.Snapshot
}

// Replay feeds events through a fresh engine whose clock follows the event
// offsets, so cooldowns and windows behave as they did live.
func Replay(events []Event, ladder []quality.QualityOption, start int, settings quality.Settings, logger *zap.Logger) (*Result, error) {
	if len(events) == 0 {
		return nil, ErrEmptyTrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	epoch := time.Unix(0, 0).UTC()
	var offset time.Duration
	engine, err := quality.NewEngine(ladder, start, settings,
		quality.WithClock(func() time.Time { return epoch.Add(offset) }),
		quality.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	res := &Result{Steps: make([]Step, 0, len(events))}
	for _, ev := range events {
		offset = ev.At.Duration

		var decision quality.QualityDecision
		switch {
		case ev.State != nil:
			decision = engine.ObserveState(*ev.State)
		case ev.isSample():
			engine.ObserveSample(ev.Sample())
		case ev.Manual != nil:
			if _, err := engine.SetManualQuality(*ev.Manual); err != nil {
				return nil, fmt.Errorf("line %d: %w", ev.Line, err)
			}
		case ev.Auto:
			engine.SetAuto()
		case ev.ClearErrors:
			engine.ClearErrors()
		}

		res.Steps = append(res.Steps, Step{
			At:           ev.At.Duration,
			Event:        ev.String(),
			Decision:     decision,
			Quality:      engine.Current().Name,
			Mode:         engine.Mode(),
			Health:       engine.PlaybackMetrics().Health,
			AvailableBPS: engine.BandwidthMetrics().EstimatedAvailableBPS,
		})
	}

	res.Final = engine.Snapshot()
	return res, nil
}
