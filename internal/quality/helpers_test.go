package quality

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// testLadder builds a ladder with the given bitrates, highest first
func testLadder(bitrates ...uint64) []QualityOption {
	ladder := make([]QualityOption, len(bitrates))
	for i, b := range bitrates {
		ladder[i] = QualityOption{
			Name:    string(rune('A' + i)),
			Bitrate: b,
		}
	}
	return ladder
}

func newTestEngine(t *testing.T, ladder []QualityOption, start int, clock *fakeClock) *Engine {
	t.Helper()
	e, err := NewEngine(ladder, start, DefaultSettings(),
		WithClock(clock.Now),
		WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

// bytesPerSecondFor returns the byte count that measures as bps over one second
func bytesPerSecondFor(bps uint64) uint64 {
	return bps / 8
}

// feedConstant adds n one-second samples at the given throughput
func feedConstant(e *Engine, clock *fakeClock, bps uint64, n int) {
	for i := 0; i < n; i++ {
		clock.Advance(time.Second)
		e.ObserveSample(BandwidthSample{Bytes: bytesPerSecondFor(bps), Elapsed: time.Second})
	}
}

// bufferOnce plays, stalls for stall, then resumes playing and returns the
// decision made on resume
func bufferOnce(e *Engine, clock *fakeClock, stall time.Duration) QualityDecision {
	e.ObserveState(StatePlaying)
	clock.Advance(time.Second)
	e.ObserveState(StateLoading)
	clock.Advance(stall)
	return e.ObserveState(StatePlaying)
}
