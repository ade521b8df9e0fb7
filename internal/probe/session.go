package probe

import (
	"math"
	"time"
)

// Session holds the mutable counters and samples of one measurement
// run. It is created on Start, mutated by the outbound activities and
// the inbound handler, and kept after Stop so the final report remains
// inspectable until an explicit Clear.
type Session struct {
	Config    Config
	StartedAt time.Time
	EndedAt   time.Time

	Seq           uint64
	BytesSent     uint64
	BytesReceived uint64
	PacketsSent   uint64

	LatencySamples    []float64
	ThroughputSamples []float64

	// Lost exists in the data model but no code path increments it.
	// Loss detection would hang off the echo handler.
	Lost uint64

	lastSampleAt    time.Time
	lastSampleBytes uint64
}

func newSession(cfg Config, now time.Time) *Session {
	return &Session{
		Config:       cfg,
		StartedAt:    now,
		lastSampleAt: now,
	}
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

func minSample(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	min := samples[0]
	for _, s := range samples[1:] {
		if s < min {
			min = s
		}
	}
	return min
}

func maxSample(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	max := samples[0]
	for _, s := range samples[1:] {
		if s > max {
			max = s
		}
	}
	return max
}

// stddevPop is the population standard deviation. A single sample
// yields 0, never NaN.
func stddevPop(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	m := mean(samples)
	var sum float64
	for _, s := range samples {
		d := s - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(samples)))
}
