package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/peerprobehq/peerprobe/internal/events"
	"github.com/peerprobehq/peerprobe/internal/logging"
	"github.com/peerprobehq/peerprobe/internal/metrics"
	"github.com/peerprobehq/peerprobe/internal/scheduler"
	"github.com/peerprobehq/peerprobe/internal/transport"
	"github.com/peerprobehq/peerprobe/pkg/types"
)

const (
	DefaultDurationSeconds  = 10
	DefaultPacketSizeBytes  = 1024
	DefaultPacketsPerSecond = 100

	heartbeatCadence = time.Second
	samplerCadence   = 500 * time.Millisecond

	// Throughput figures are Mbps with the binary megabit divisor.
	bitsPerMegabit = 1048576
)

// ErrNotReady is returned when a run is requested while the data
// channel is not open.
var ErrNotReady = errors.New("data channel is not open")

// Config carries the per-run measurement options. Zero values fall back
// to the defaults; negative values are rejected.
type Config struct {
	DurationSeconds  int `json:"durationSeconds" yaml:"duration_seconds"`
	PacketSizeBytes  int `json:"packetSizeBytes" yaml:"packet_size_bytes"`
	PacketsPerSecond int `json:"packetsPerSecond" yaml:"packets_per_second"`
}

func (c Config) withDefaults() Config {
	if c.DurationSeconds == 0 {
		c.DurationSeconds = DefaultDurationSeconds
	}
	if c.PacketSizeBytes == 0 {
		c.PacketSizeBytes = DefaultPacketSizeBytes
	}
	if c.PacketsPerSecond == 0 {
		c.PacketsPerSecond = DefaultPacketsPerSecond
	}
	return c
}

func (c Config) validate() error {
	if c.DurationSeconds < 0 {
		return fmt.Errorf("durationSeconds must be positive, got %d", c.DurationSeconds)
	}
	if c.PacketSizeBytes < 0 {
		return fmt.Errorf("packetSizeBytes must be positive, got %d", c.PacketSizeBytes)
	}
	if c.PacketsPerSecond < 0 {
		return fmt.Errorf("packetsPerSecond must be positive, got %d", c.PacketsPerSecond)
	}
	return nil
}

// Dependencies carries the engine's collaborators so tests can inject
// fakes and a deterministic clock.
type Dependencies struct {
	Logger    *log.Logger
	Events    events.Recorder
	Metrics   metrics.ProbeRecorder
	Scheduler *scheduler.Scheduler

	// Governor, when set, caps the outbound load packet rate across
	// runs. Withheld packets are logged and skipped, never queued.
	Governor *rate.Limiter

	Now func() time.Time

	OnProgress func(types.Progress)
	OnLive     func(types.Metrics)
	OnFinal    func(types.Report)
	OnChat     func(message string)

	// OnChannelClose observes the bound channel closing. Bind installs
	// the engine as the channel's sole close handler, so composition
	// layers observe closes through this hook instead.
	OnChannelClose func()
}

// Engine drives measurement runs over one bound data channel: a padded
// load stream for throughput, heartbeats for latency, and a sampler
// that recomputes the live aggregates. The inbound handler answers the
// peer's probe traffic whenever the channel is open, whether or not a
// local run is active.
type Engine struct {
	endpointID string
	logger     *log.Logger
	events     events.Recorder
	metrics    metrics.ProbeRecorder
	sched      *scheduler.Scheduler
	governor   *rate.Limiter
	now        func() time.Time

	onProgress func(types.Progress)
	onLive     func(types.Metrics)
	onFinal    func(types.Report)
	onChat     func(string)
	onChClose  func()

	mu         sync.Mutex
	channel    transport.Channel
	session    *Session
	running    bool
	padding    string
	deadline   *time.Timer
	lastReport *types.Report
}

func New(endpointID string, deps Dependencies) *Engine {
	e := &Engine{
		endpointID: endpointID,
		logger:     deps.Logger,
		events:     deps.Events,
		metrics:    deps.Metrics,
		sched:      deps.Scheduler,
		governor:   deps.Governor,
		now:        deps.Now,
		onProgress: deps.OnProgress,
		onLive:     deps.OnLive,
		onFinal:    deps.OnFinal,
		onChat:     deps.OnChat,
		onChClose:  deps.OnChannelClose,
	}
	if e.logger == nil {
		e.logger = logging.New()
	}
	if e.events == nil {
		e.events = events.NoopRecorder{}
	}
	if e.metrics == nil {
		e.metrics = metrics.NewStore().ProbeRecorder()
	}
	if e.sched == nil {
		e.sched = scheduler.New()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Run drives the engine's activity scheduler until the context is done.
func (e *Engine) Run(ctx context.Context) {
	e.sched.Run(ctx)
}

// Bind attaches the open data channel and routes its messages through
// the inbound handler. A close tears down any active run.
func (e *Engine) Bind(ch transport.Channel) {
	e.mu.Lock()
	e.channel = ch
	e.mu.Unlock()

	ch.OnMessage(e.HandleMessage)
	ch.OnClose(func() {
		e.mu.Lock()
		if e.channel == ch {
			e.channel = nil
		}
		var report *types.Report
		if e.running {
			e.logger.Printf("probe: channel closed mid-run, finishing early")
			report = e.finishLocked(e.now())
		}
		e.mu.Unlock()
		if report != nil {
			e.emitFinal(report)
		}
		if e.onChClose != nil {
			e.onChClose()
		}
	})
}

// Start begins a measurement run. It rejects with ErrNotReady when no
// open channel is bound; a second start while a run is active is a
// logged no-op, not an error.
func (e *Engine) Start(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.channel == nil || e.channel.ReadyState() != transport.ChannelOpen {
		e.mu.Unlock()
		return ErrNotReady
	}
	if e.running {
		e.mu.Unlock()
		e.logger.Printf("probe: run already active, ignoring start")
		return nil
	}
	now := e.now()
	e.session = newSession(cfg, now)
	e.running = true
	e.padding = buildPadding(cfg.PacketSizeBytes, now)
	duration := time.Duration(cfg.DurationSeconds) * time.Second
	e.deadline = time.AfterFunc(duration, func() { e.Stop() })
	e.mu.Unlock()

	loadCadence := time.Second / time.Duration(cfg.PacketsPerSecond)
	if loadCadence < time.Millisecond {
		loadCadence = time.Millisecond
	}
	e.sched.Register([]scheduler.ActivitySpec{
		{Name: "load-sender", Cadence: loadCadence, Fire: e.sendLoad},
		{Name: "heartbeat-sender", Cadence: heartbeatCadence, Fire: e.sendHeartbeat},
		{Name: "statistics-sampler", Cadence: samplerCadence, Fire: e.sample},
	})

	e.metrics.IncRunsStarted()
	e.events.Record(types.Event{
		Type:      types.EventProbeStart,
		Timestamp: now,
		Endpoint:  e.endpointID,
		Labels: map[string]string{
			"duration_seconds":   fmt.Sprintf("%d", cfg.DurationSeconds),
			"packet_size_bytes":  fmt.Sprintf("%d", cfg.PacketSizeBytes),
			"packets_per_second": fmt.Sprintf("%d", cfg.PacketsPerSecond),
		},
	})
	e.logger.Printf("probe: run started duration=%ds size=%dB rate=%dpps",
		cfg.DurationSeconds, cfg.PacketSizeBytes, cfg.PacketsPerSecond)

	// The first latency sample should not wait out a full heartbeat
	// cadence on short runs.
	e.sendHeartbeat(now)
	return nil
}

// Stop ends the active run and returns its final report. Samples stay
// readable until an explicit Clear. Stopping an idle engine returns the
// previous report, if any.
func (e *Engine) Stop() *types.Report {
	e.mu.Lock()
	if !e.running {
		report := e.lastReport
		e.mu.Unlock()
		return report
	}
	report := e.finishLocked(e.now())
	e.mu.Unlock()

	e.emitFinal(report)
	return report
}

// Clear discards the session and any retained report, aborting an
// active run without producing a final report.
func (e *Engine) Clear() {
	e.mu.Lock()
	if e.running {
		e.running = false
		e.sched.Stop()
		if e.deadline != nil {
			e.deadline.Stop()
		}
	}
	e.session = nil
	e.lastReport = nil
	e.mu.Unlock()
	e.logger.Printf("probe: session cleared")
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// LastReport returns the final report of the most recently completed
// run, or nil.
func (e *Engine) LastReport() *types.Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport
}

// Progress reports elapsed time against the configured duration of the
// active run.
func (e *Engine) Progress() types.Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.session == nil {
		return types.Progress{}
	}
	return progressLocked(e.session, e.now())
}

// LiveMetrics recomputes the aggregate view over the current session's
// samples.
func (e *Engine) LiveMetrics() types.Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return types.Metrics{}
	}
	return liveMetricsLocked(e.session)
}

// HandleMessage classifies one inbound channel message. Probe packets
// are answered or accounted; everything else falls through to the chat
// callback untouched.
func (e *Engine) HandleMessage(data []byte) {
	classified := types.ClassifyPacket(data)
	if !classified.IsProbe() {
		if e.onChat != nil {
			e.onChat(string(data))
		}
		return
	}

	now := e.now()
	switch {
	case classified.Load != nil:
		e.mu.Lock()
		if e.running && e.session != nil {
			e.session.BytesReceived += uint64(len(data))
		}
		e.mu.Unlock()
		e.metrics.AddBytesReceived(uint64(len(data)))
		e.reply(types.EchoPacket{
			Type:       types.PacketEcho,
			OriginalID: classified.Load.ID,
			Timestamp:  now.UnixMilli(),
		})
	case classified.Echo != nil:
		// Reserved: echoes produce no per-run side effect yet.
		e.metrics.IncEchoesReceived()
	case classified.Heartbeat != nil:
		e.reply(types.HeartbeatAckPacket{
			Type:              types.PacketHeartbeatAck,
			ID:                classified.Heartbeat.ID,
			OriginalTimestamp: classified.Heartbeat.Timestamp,
			Timestamp:         now.UnixMilli(),
		})
	case classified.HeartbeatAck != nil:
		latency := float64(now.UnixMilli() - classified.HeartbeatAck.OriginalTimestamp)
		e.mu.Lock()
		if e.running && e.session != nil {
			e.session.LatencySamples = append(e.session.LatencySamples, latency)
		}
		e.mu.Unlock()
		e.metrics.IncAcksReceived()
	}
}

func (e *Engine) sendLoad(now time.Time) {
	e.mu.Lock()
	if !e.running || e.channel == nil {
		e.mu.Unlock()
		return
	}
	session := e.session
	ch := e.channel
	session.Seq++
	packet := types.LoadPacket{
		Type:      types.PacketLoad,
		ID:        session.Seq,
		Timestamp: now.UnixMilli(),
		Data:      e.padding,
	}
	e.mu.Unlock()

	if e.governor != nil && !e.governor.Allow() {
		e.logger.Printf("probe: load packet %d withheld by rate governor", packet.ID)
		return
	}
	payload, err := json.Marshal(packet)
	if err != nil {
		return
	}
	if err := ch.Send(payload); err != nil {
		e.recordSendFailure("load", err, now)
		return
	}

	e.mu.Lock()
	if e.session == session {
		session.BytesSent += uint64(len(payload))
		session.PacketsSent++
	}
	e.mu.Unlock()
	e.metrics.AddBytesSent(uint64(len(payload)))
	e.metrics.IncPacketsSent()
}

func (e *Engine) sendHeartbeat(now time.Time) {
	e.mu.Lock()
	if !e.running || e.channel == nil {
		e.mu.Unlock()
		return
	}
	ch := e.channel
	e.mu.Unlock()

	packet := types.HeartbeatPacket{
		Type:      types.PacketHeartbeat,
		ID:        uuid.NewString(),
		Timestamp: now.UnixMilli(),
	}
	payload, err := json.Marshal(packet)
	if err != nil {
		return
	}
	if err := ch.Send(payload); err != nil {
		e.recordSendFailure("heartbeat", err, now)
	}
}

func (e *Engine) sample(now time.Time) {
	e.mu.Lock()
	if !e.running || e.session == nil {
		e.mu.Unlock()
		return
	}
	session := e.session
	if interval := now.Sub(session.lastSampleAt); interval > 0 {
		delta := session.BytesSent - session.lastSampleBytes
		sample := float64(delta) * 8 / (interval.Seconds() * bitsPerMegabit)
		session.ThroughputSamples = append(session.ThroughputSamples, sample)
		session.lastSampleAt = now
		session.lastSampleBytes = session.BytesSent
	}
	live := liveMetricsLocked(session)
	progress := progressLocked(session, now)

	// The sampler doubles as the duration check so manually ticked runs
	// self-terminate without the wall-clock deadline timer.
	var report *types.Report
	duration := time.Duration(session.Config.DurationSeconds) * time.Second
	if now.Sub(session.StartedAt) >= duration {
		report = e.finishLocked(now)
	}
	e.mu.Unlock()

	if e.onLive != nil {
		e.onLive(live)
	}
	if e.onProgress != nil {
		e.onProgress(progress)
	}
	if report != nil {
		e.emitFinal(report)
	}
}

// finishLocked ends the run and builds the final report. Unlike the
// live view, the final throughput is the whole-run average over total
// bytes sent, not the mean of the instantaneous samples.
func (e *Engine) finishLocked(now time.Time) *types.Report {
	e.running = false
	e.sched.Stop()
	if e.deadline != nil {
		e.deadline.Stop()
		e.deadline = nil
	}
	session := e.session
	session.EndedAt = now

	elapsed := now.Sub(session.StartedAt).Seconds()
	var throughput float64
	if elapsed > 0 {
		throughput = float64(session.BytesSent) * 8 / (bitsPerMegabit * elapsed)
	}
	report := &types.Report{
		Metrics: types.Metrics{
			ThroughputMbps:    throughput,
			LatencyMs:         mean(session.LatencySamples),
			MinLatencyMs:      minSample(session.LatencySamples),
			MaxLatencyMs:      maxSample(session.LatencySamples),
			JitterMs:          stddevPop(session.LatencySamples),
			PacketLossPercent: lossPercent(session),
		},
		BytesSent:       session.BytesSent,
		BytesReceived:   session.BytesReceived,
		PacketsSent:     session.PacketsSent,
		LatencySamples:  len(session.LatencySamples),
		DurationSeconds: elapsed,
		StartedAt:       session.StartedAt,
		EndedAt:         now,
	}
	e.lastReport = report
	return report
}

func (e *Engine) emitFinal(report *types.Report) {
	e.metrics.IncRunsCompleted()
	e.events.Record(types.Event{
		Type:      types.EventProbeStop,
		Timestamp: report.EndedAt,
		Endpoint:  e.endpointID,
		Details: map[string]any{
			"throughput_mbps": report.ThroughputMbps,
			"latency_ms":      report.LatencyMs,
			"bytes_sent":      report.BytesSent,
		},
	})
	e.logger.Printf("probe: run finished throughput=%.3fMbps latency=%.1fms samples=%d bytes_sent=%d",
		report.ThroughputMbps, report.LatencyMs, report.LatencySamples, report.BytesSent)
	if e.onFinal != nil {
		e.onFinal(*report)
	}
}

func (e *Engine) recordSendFailure(kind string, err error, now time.Time) {
	e.logger.Printf("probe: %s send failed: %v", kind, err)
	e.metrics.IncSendFailures()
	e.events.Record(types.Event{
		Type:      types.EventSendFailure,
		Timestamp: now,
		Endpoint:  e.endpointID,
		Labels:    map[string]string{"kind": kind},
		Details:   map[string]any{"error": err.Error()},
	})
}

// reply answers the peer's probe traffic best-effort. Failures are
// logged but never counted against the local run.
func (e *Engine) reply(packet any) {
	e.mu.Lock()
	ch := e.channel
	e.mu.Unlock()
	if ch == nil {
		return
	}
	payload, err := json.Marshal(packet)
	if err != nil {
		return
	}
	if err := ch.Send(payload); err != nil {
		e.logger.Printf("probe: reply send failed: %v", err)
	}
}

func liveMetricsLocked(s *Session) types.Metrics {
	return types.Metrics{
		ThroughputMbps:    mean(s.ThroughputSamples),
		LatencyMs:         mean(s.LatencySamples),
		MinLatencyMs:      minSample(s.LatencySamples),
		MaxLatencyMs:      maxSample(s.LatencySamples),
		JitterMs:          stddevPop(s.LatencySamples),
		PacketLossPercent: lossPercent(s),
	}
}

// lossPercent is structurally zero: nothing increments Session.Lost.
func lossPercent(s *Session) float64 {
	if s.PacketsSent == 0 {
		return 0
	}
	return float64(s.Lost) / float64(s.PacketsSent) * 100
}

func progressLocked(s *Session, now time.Time) types.Progress {
	elapsed := now.Sub(s.StartedAt).Seconds()
	duration := float64(s.Config.DurationSeconds)
	percent := 100.0
	if duration > 0 {
		percent = elapsed / duration * 100
		if percent > 100 {
			percent = 100
		}
	}
	return types.Progress{PercentComplete: percent, ElapsedSeconds: elapsed}
}

// buildPadding sizes the load payload so the serialized packet lands on
// the configured byte target. The fixed framing overhead is measured
// against a zero-padding template; a target below the overhead clamps
// the padding at empty.
func buildPadding(packetSizeBytes int, now time.Time) string {
	template, err := json.Marshal(types.LoadPacket{
		Type:      types.PacketLoad,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		return ""
	}
	pad := packetSizeBytes - len(template)
	if pad < 0 {
		pad = 0
	}
	return strings.Repeat("0", pad)
}
