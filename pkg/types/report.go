package types

import "time"

// Progress reports how far an active measurement run has advanced
// against its configured duration.
type Progress struct {
	PercentComplete float64 `json:"percent_complete" yaml:"percent_complete"`
	ElapsedSeconds  float64 `json:"elapsed_seconds" yaml:"elapsed_seconds"`
}

// Metrics is the live aggregate view recomputed on every sampler tick.
// ThroughputMbps here is the mean of the instantaneous samples, which
// intentionally differs from the whole-run figure in Report.
type Metrics struct {
	ThroughputMbps    float64 `json:"throughput_mbps" yaml:"throughput_mbps"`
	LatencyMs         float64 `json:"latency_ms" yaml:"latency_ms"`
	MinLatencyMs      float64 `json:"min_latency_ms" yaml:"min_latency_ms"`
	MaxLatencyMs      float64 `json:"max_latency_ms" yaml:"max_latency_ms"`
	JitterMs          float64 `json:"jitter_ms" yaml:"jitter_ms"`
	PacketLossPercent float64 `json:"packet_loss_percent" yaml:"packet_loss_percent"`
}

// Report is the final result of a completed run. ThroughputMbps is the
// whole-run average (total bytes sent over total elapsed time), not the
// mean of the live samples.
type Report struct {
	Metrics         `yaml:",inline"`
	BytesSent       uint64    `json:"bytes_sent" yaml:"bytes_sent"`
	BytesReceived   uint64    `json:"bytes_received" yaml:"bytes_received"`
	PacketsSent     uint64    `json:"packets_sent" yaml:"packets_sent"`
	LatencySamples  int       `json:"latency_samples" yaml:"latency_samples"`
	DurationSeconds float64   `json:"duration_seconds" yaml:"duration_seconds"`
	StartedAt       time.Time `json:"started_at" yaml:"started_at"`
	EndedAt         time.Time `json:"ended_at" yaml:"ended_at"`
}
