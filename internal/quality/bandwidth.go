package quality

import (
	"math"
	"time"
)

// bandwidthEstimator smooths per-chunk throughput into a conservative estimate
type bandwidthEstimator struct {
	window         time.Duration
	margin         float64
	trendThreshold float64

	samples []SpeedMeasurement
	metrics BandwidthMetrics
}

func newBandwidthEstimator(s Settings) *bandwidthEstimator {
	return &bandwidthEstimator{
		window:         s.SpeedWindow,
		margin:         s.SafetyMargin,
		trendThreshold: s.TrendThreshold,
		samples:        make([]SpeedMeasurement, 0, 32),
	}
}

// bitsPerSecond converts a chunk download into a throughput figure.
// Sub-second chunks go through milliseconds so fast chunks never divide by ~0.
// Rates are computed in float64 and saturate at math.MaxUint64.
func bitsPerSecond(bytes uint64, elapsed time.Duration) uint64 {
	bits := float64(bytes) * 8
	var rate float64
	if elapsed >= time.Second {
		rate = bits / elapsed.Seconds()
	} else {
		ms := elapsed.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		rate = bits * 1000 / float64(ms)
	}
	return toUint64(rate)
}

// toUint64 truncates v, clamping it to the uint64 range
func toUint64(v float64) uint64 {
	switch {
	case v <= 0 || math.IsNaN(v):
		return 0
	case v >= math.MaxUint64:
		return math.MaxUint64
	default:
		return uint64(v)
	}
}

// add records one sample and recomputes the metrics
func (b *bandwidthEstimator) add(now time.Time, sample BandwidthSample) {
	b.samples = append(b.samples, SpeedMeasurement{
		Timestamp:     now,
		BitsPerSecond: bitsPerSecond(sample.Bytes, sample.Elapsed),
	})
	b.evict(now)
	b.recompute()
}

func (b *bandwidthEstimator) evict(now time.Time) {
	cutoff := 0
	for cutoff < len(b.samples) && now.Sub(b.samples[cutoff].Timestamp) > b.window {
		cutoff++
	}
	if cutoff > 0 {
		b.samples = append(b.samples[:0], b.samples[cutoff:]...)
	}
}

func (b *bandwidthEstimator) recompute() {
	n := len(b.samples)
	if n == 0 {
		b.metrics = BandwidthMetrics{Trend: TrendStable}
		return
	}

	avg := mean(b.samples)
	average := toUint64(math.Round(avg))

	b.metrics = BandwidthMetrics{
		CurrentSpeedBPS:       b.samples[n-1].BitsPerSecond,
		AverageSpeedBPS:       average,
		EstimatedAvailableBPS: toUint64(math.Round(float64(average) * b.margin)),
		Trend:                 b.trend(),
		Samples:               n,
	}
}

// trend compares the mean of the recent half of the window against the older half
func (b *bandwidthEstimator) trend() Trend {
	n := len(b.samples)
	if n < 3 {
		return TrendStable
	}

	mid := n / 2
	older := mean(b.samples[:mid])
	recent := mean(b.samples[mid:])

	switch {
	case recent > older*(1+b.trendThreshold):
		return TrendIncreasing
	case recent < older*(1-b.trendThreshold):
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func mean(samples []SpeedMeasurement) float64 {
	if len(samples) == 0 {
		return 0
	}
	var total float64
	for _, s := range samples {
		total += float64(s.BitsPerSecond)
	}
	return total / float64(len(samples))
}
