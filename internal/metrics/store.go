package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
)

// Store maintains in-memory gauges and counters for link telemetry.
type Store struct {
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	packetsSent    atomic.Uint64
	echoesReceived atomic.Uint64
	acksReceived   atomic.Uint64
	sendFailures   atomic.Uint64
	runsStarted    atomic.Uint64
	runsCompleted  atomic.Uint64
	reportDepth    atomic.Int64
	reportDrops    atomic.Uint64
	channelOpen    atomic.Int64

	readinessState  atomic.Int64
	readinessReason atomic.Value
	readinessCats   atomic.Value
}

// ReadinessCategory captures a categorized readiness reason with severity.
type ReadinessCategory struct {
	Name     string
	Severity string
}

// NewStore constructs a Store with zeroed metrics.
func NewStore() *Store {
	store := &Store{}
	store.readinessReason.Store("")
	store.readinessCats.Store([]ReadinessCategory(nil))
	return store
}

// Snapshot captures the current metric values in a plain struct.
type Snapshot struct {
	BytesSent        uint64
	BytesReceived    uint64
	PacketsSent      uint64
	EchoesReceived   uint64
	AcksReceived     uint64
	SendFailures     uint64
	RunsStarted      uint64
	RunsCompleted    uint64
	ReportQueueDepth int64
	ReportDrops      uint64
	ChannelOpen      bool
	Ready            bool
	ReadyReason      string
	ReadyCategories  []ReadinessCategory
}

func (s *Store) Snapshot() Snapshot {
	reason, _ := s.readinessReason.Load().(string)
	rawCats, _ := s.readinessCats.Load().([]ReadinessCategory)
	cats := make([]ReadinessCategory, len(rawCats))
	copy(cats, rawCats)
	return Snapshot{
		BytesSent:        s.bytesSent.Load(),
		BytesReceived:    s.bytesReceived.Load(),
		PacketsSent:      s.packetsSent.Load(),
		EchoesReceived:   s.echoesReceived.Load(),
		AcksReceived:     s.acksReceived.Load(),
		SendFailures:     s.sendFailures.Load(),
		RunsStarted:      s.runsStarted.Load(),
		RunsCompleted:    s.runsCompleted.Load(),
		ReportQueueDepth: s.reportDepth.Load(),
		ReportDrops:      s.reportDrops.Load(),
		ChannelOpen:      s.channelOpen.Load() == 1,
		Ready:            s.readinessState.Load() == 1,
		ReadyReason:      reason,
		ReadyCategories:  cats,
	}
}

// ProbeRecorder is the slice of the store the probe engine writes to.
type ProbeRecorder interface {
	AddBytesSent(n uint64)
	AddBytesReceived(n uint64)
	IncPacketsSent()
	IncEchoesReceived()
	IncAcksReceived()
	IncSendFailures()
	IncRunsStarted()
	IncRunsCompleted()
}

// QueueRecorder is the slice of the store the report queue writes to.
type QueueRecorder interface {
	ObserveReportDepth(depth int)
	IncReportDrops()
}

func (s *Store) ProbeRecorder() ProbeRecorder { return probeRecorder{store: s} }
func (s *Store) QueueRecorder() QueueRecorder { return queueRecorder{store: s} }

type probeRecorder struct {
	store *Store
}

func (r probeRecorder) AddBytesSent(n uint64)     { r.store.bytesSent.Add(n) }
func (r probeRecorder) AddBytesReceived(n uint64) { r.store.bytesReceived.Add(n) }
func (r probeRecorder) IncPacketsSent()           { r.store.packetsSent.Add(1) }
func (r probeRecorder) IncEchoesReceived()        { r.store.echoesReceived.Add(1) }
func (r probeRecorder) IncAcksReceived()          { r.store.acksReceived.Add(1) }
func (r probeRecorder) IncSendFailures()          { r.store.sendFailures.Add(1) }
func (r probeRecorder) IncRunsStarted()           { r.store.runsStarted.Add(1) }
func (r probeRecorder) IncRunsCompleted()         { r.store.runsCompleted.Add(1) }

type queueRecorder struct {
	store *Store
}

func (r queueRecorder) ObserveReportDepth(depth int) {
	r.store.reportDepth.Store(int64(depth))
}

func (r queueRecorder) IncReportDrops() {
	r.store.reportDrops.Add(1)
}

// ObserveChannel records whether the application data channel is open.
func (s *Store) ObserveChannel(open bool) {
	if open {
		s.channelOpen.Store(1)
		return
	}
	s.channelOpen.Store(0)
}

// ObserveReadiness records the readiness evaluation outcome.
func (s *Store) ObserveReadiness(ready bool, reason string, categories []ReadinessCategory) {
	if ready {
		s.readinessState.Store(1)
		s.readinessReason.Store("")
		s.readinessCats.Store([]ReadinessCategory(nil))
		return
	}
	s.readinessState.Store(0)
	s.readinessReason.Store(reason)
	s.readinessCats.Store(dedupeCategories(categories))
}

func dedupeCategories(categories []ReadinessCategory) []ReadinessCategory {
	if len(categories) == 0 {
		return nil
	}
	seen := make(map[ReadinessCategory]struct{}, len(categories))
	result := make([]ReadinessCategory, 0, len(categories))
	for _, c := range categories {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			continue
		}
		c.Severity = strings.TrimSpace(strings.ToLower(c.Severity))
		if c.Severity == "" {
			c.Severity = "unknown"
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		result = append(result, c)
	}
	return result
}

// WritePrometheus renders the current metrics using the Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) error {
	snap := s.Snapshot()
	boolValue := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}
	reason := snap.ReadyReason
	if snap.Ready && reason == "" {
		reason = "ready"
	}
	if !snap.Ready && reason == "" {
		reason = "unknown"
	}
	lines := []string{
		"# HELP peerprobe_bytes_sent_total Total bytes of load traffic sent on the data channel.",
		"# TYPE peerprobe_bytes_sent_total counter",
		fmt.Sprintf("peerprobe_bytes_sent_total %d", snap.BytesSent),
		"# HELP peerprobe_bytes_received_total Total bytes of load traffic received on the data channel.",
		"# TYPE peerprobe_bytes_received_total counter",
		fmt.Sprintf("peerprobe_bytes_received_total %d", snap.BytesReceived),
		"# HELP peerprobe_packets_sent_total Total load packets sent.",
		"# TYPE peerprobe_packets_sent_total counter",
		fmt.Sprintf("peerprobe_packets_sent_total %d", snap.PacketsSent),
		"# HELP peerprobe_echoes_received_total Total load echoes received back from the peer.",
		"# TYPE peerprobe_echoes_received_total counter",
		fmt.Sprintf("peerprobe_echoes_received_total %d", snap.EchoesReceived),
		"# HELP peerprobe_heartbeat_acks_total Total heartbeat acknowledgements received.",
		"# TYPE peerprobe_heartbeat_acks_total counter",
		fmt.Sprintf("peerprobe_heartbeat_acks_total %d", snap.AcksReceived),
		"# HELP peerprobe_send_failures_total Total channel send failures during measurement runs.",
		"# TYPE peerprobe_send_failures_total counter",
		fmt.Sprintf("peerprobe_send_failures_total %d", snap.SendFailures),
		"# HELP peerprobe_runs_started_total Total measurement runs started.",
		"# TYPE peerprobe_runs_started_total counter",
		fmt.Sprintf("peerprobe_runs_started_total %d", snap.RunsStarted),
		"# HELP peerprobe_runs_completed_total Total measurement runs that reached a final report.",
		"# TYPE peerprobe_runs_completed_total counter",
		fmt.Sprintf("peerprobe_runs_completed_total %d", snap.RunsCompleted),
		"# HELP peerprobe_report_queue_depth_number Finished run reports currently buffered in memory.",
		"# TYPE peerprobe_report_queue_depth_number gauge",
		fmt.Sprintf("peerprobe_report_queue_depth_number %d", snap.ReportQueueDepth),
		"# HELP peerprobe_report_drops_total Finished run reports dropped due to queue pressure.",
		"# TYPE peerprobe_report_drops_total counter",
		fmt.Sprintf("peerprobe_report_drops_total %d", snap.ReportDrops),
		"# HELP peerprobe_channel_open Whether the application data channel is open (1=open).",
		"# TYPE peerprobe_channel_open gauge",
		fmt.Sprintf("peerprobe_channel_open %d", boolValue(snap.ChannelOpen)),
		"# HELP peerprobe_ready Whether the endpoint considers itself ready (1=ready).",
		"# TYPE peerprobe_ready gauge",
		fmt.Sprintf("peerprobe_ready %d", boolValue(snap.Ready)),
		"# HELP peerprobe_ready_info Reason associated with the most recent readiness evaluation.",
		"# TYPE peerprobe_ready_info gauge",
		fmt.Sprintf("peerprobe_ready_info{reason=%q} 1", reason),
		"# HELP peerprobe_ready_categories_info Categories associated with the most recent readiness evaluation.",
		"# TYPE peerprobe_ready_categories_info gauge",
	}
	if len(snap.ReadyCategories) == 0 {
		lines = append(lines, fmt.Sprintf("peerprobe_ready_categories_info{category=%q,severity=%q} 1", "none", "none"))
	} else {
		cats := append([]ReadinessCategory(nil), snap.ReadyCategories...)
		sort.Slice(cats, func(i, j int) bool {
			if cats[i].Name == cats[j].Name {
				return cats[i].Severity < cats[j].Severity
			}
			return cats[i].Name < cats[j].Name
		})
		for _, cat := range cats {
			lines = append(lines, fmt.Sprintf("peerprobe_ready_categories_info{category=%q,severity=%q} 1", cat.Name, cat.Severity))
		}
	}
	lines = append(lines, "")
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// NewHTTPHandler returns an http.Handler that serves Prometheus formatted metrics.
func NewHTTPHandler(store *Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if r.Method == http.MethodHead {
			return
		}
		if err := store.WritePrometheus(w); err != nil {
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		}
	})
}
