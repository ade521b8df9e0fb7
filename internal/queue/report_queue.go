package queue

import (
	"sync"
	"time"

	"github.com/peerprobehq/peerprobe/internal/events"
	"github.com/peerprobehq/peerprobe/internal/metrics"
	"github.com/peerprobehq/peerprobe/pkg/types"
)

// ReportQueue buffers finished run reports in memory until the status
// API drains them. When full it drops the oldest report, so the most
// recent results always survive.
type ReportQueue struct {
	mu       sync.Mutex
	capacity int
	items    []types.Report
	dropped  uint64
	endpoint string
	events   events.Recorder
	metrics  metrics.QueueRecorder
}

func NewReportQueue(capacity int) *ReportQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &ReportQueue{
		capacity: capacity,
		items:    make([]types.Report, 0, capacity),
	}
}

func (q *ReportQueue) SetEndpoint(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.endpoint = id
}

func (q *ReportQueue) SetEventRecorder(rec events.Recorder) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = rec
}

func (q *ReportQueue) SetMetricsRecorder(rec metrics.QueueRecorder) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.metrics = rec
}

func (q *ReportQueue) Enqueue(report types.Report) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		dropped = true
		q.dropped++
		q.recordDropLocked()
		q.incrementDrop()
	}
	q.items = append(q.items, report)
	q.observeDepthLocked()
	return dropped
}

// Latest returns the most recently enqueued report without removing it.
func (q *ReportQueue) Latest() (types.Report, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return types.Report{}, false
	}
	return q.items[len(q.items)-1], true
}

// Drain removes and returns up to max reports, oldest first. A max of
// zero drains everything.
func (q *ReportQueue) Drain(max int) []types.Report {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if max > 0 && max < n {
		n = max
	}
	drained := make([]types.Report, n)
	copy(drained, q.items[:n])
	q.items = q.items[n:]
	q.observeDepthLocked()
	return drained
}

// Snapshot returns a copy of the buffered reports, oldest first,
// without consuming them.
func (q *ReportQueue) Snapshot() []types.Report {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.Report, len(q.items))
	copy(out, q.items)
	return out
}

func (q *ReportQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type Stats struct {
	Len     int
	Dropped uint64
}

func (q *ReportQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Len:     len(q.items),
		Dropped: q.dropped,
	}
}

func (q *ReportQueue) recordDropLocked() {
	if q.events == nil {
		return
	}
	q.events.Record(types.Event{
		Type:      types.EventReportDrop,
		Timestamp: time.Now().UTC(),
		Endpoint:  q.endpoint,
	})
}

func (q *ReportQueue) observeDepthLocked() {
	if q.metrics == nil {
		return
	}
	q.metrics.ObserveReportDepth(len(q.items))
}

func (q *ReportQueue) incrementDrop() {
	if q.metrics == nil {
		return
	}
	q.metrics.IncReportDrops()
}
