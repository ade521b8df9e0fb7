package events

import (
	"sync"

	"github.com/peerprobehq/peerprobe/pkg/types"
)

type Recorder interface {
	Record(event types.Event)
}

type NoopRecorder struct{}

func (NoopRecorder) Record(event types.Event) {}

type Multi struct {
	recorders []Recorder
}

func NewMulti(recorders ...Recorder) Multi {
	return Multi{recorders: recorders}
}

func (m Multi) Record(event types.Event) {
	for _, rec := range m.recorders {
		if rec != nil {
			rec.Record(event)
		}
	}
}

// Memory keeps the most recent events in a bounded ring so the status
// API can expose a short lifecycle history.
type Memory struct {
	mu       sync.Mutex
	capacity int
	items    []types.Event
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 64
	}
	return &Memory{capacity: capacity}
}

func (m *Memory) Record(event types.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) >= m.capacity {
		m.items = m.items[1:]
	}
	m.items = append(m.items, event)
}

// Snapshot returns a copy of the retained events, oldest first.
func (m *Memory) Snapshot() []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Event, len(m.items))
	copy(out, m.items)
	return out
}
