package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/peerprobehq/peerprobe/internal/config"
	"github.com/peerprobehq/peerprobe/internal/logging"
	"github.com/peerprobehq/peerprobe/internal/negotiate"
	"github.com/peerprobehq/peerprobe/internal/probe"
	"github.com/peerprobehq/peerprobe/internal/transport"
)

type chatLog struct {
	mu       sync.Mutex
	messages []string
}

func (c *chatLog) record(message string) {
	c.mu.Lock()
	c.messages = append(c.messages, message)
	c.mu.Unlock()
}

func (c *chatLog) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Reports.MemItemsCap = 4
	return cfg
}

// newLinkedRuntimes wires two runtimes over a memory facade pair, so a
// full negotiation round runs in-process.
func newLinkedRuntimes(t *testing.T) (*Runtime, *Runtime, *chatLog, *chatLog) {
	t.Helper()

	facadeA, facadeB := transport.NewMemoryPair()
	facadeA.CompleteGathering()
	facadeB.CompleteGathering()

	chatA := &chatLog{}
	chatB := &chatLog{}

	rtA := New(testConfig(), config.State{EndpointID: "ep-a"},
		WithLogger(logging.Discard()),
		WithoutStatusServer(),
		WithChatHandler(chatA.record),
		WithTransportFactory(func() (transport.Facade, error) { return facadeA, nil }),
	)
	rtB := New(testConfig(), config.State{EndpointID: "ep-b"},
		WithLogger(logging.Discard()),
		WithoutStatusServer(),
		WithChatHandler(chatB.record),
		WithTransportFactory(func() (transport.Facade, error) { return facadeB, nil }),
	)
	return rtA, rtB, chatA, chatB
}

func negotiatePair(t *testing.T, rtA, rtB *Runtime) {
	t.Helper()
	ctx := context.Background()

	offer, err := rtA.Endpoint().CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	answer, err := rtB.Endpoint().CreateAnswer(ctx, offer)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := rtA.Endpoint().ApplyAnswer(ctx, answer); err != nil {
		t.Fatalf("ApplyAnswer: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNegotiatedRuntimesExchangeProbeTraffic(t *testing.T) {
	rtA, rtB, _, chatB := newLinkedRuntimes(t)
	negotiatePair(t, rtA, rtB)

	if !rtA.Store().Snapshot().ChannelOpen || !rtB.Store().Snapshot().ChannelOpen {
		t.Fatalf("expected both sides to observe an open channel")
	}

	if err := rtA.Endpoint().SendChat("hello from a"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	waitFor(t, "chat delivery", func() bool {
		messages := chatB.snapshot()
		return len(messages) == 1 && messages[0] == "hello from a"
	})

	err := rtA.Engine().Start(probe.Config{DurationSeconds: 1, PacketSizeBytes: 256, PacketsPerSecond: 10})
	if err != nil {
		t.Fatalf("probe start: %v", err)
	}
	// The initial heartbeat round-trips through the peer's engine.
	waitFor(t, "heartbeat ack", func() bool {
		return rtA.Store().Snapshot().AcksReceived >= 1
	})

	report := rtA.Engine().Stop()
	if report == nil {
		t.Fatalf("expected a final report")
	}
	if report.LatencySamples < 1 {
		t.Fatalf("expected at least one latency sample, got %d", report.LatencySamples)
	}
	if rtA.Reports().Len() != 1 {
		t.Fatalf("final report must land in the queue, got %d", rtA.Reports().Len())
	}

	if ready, reasons := rtA.Health().Ready(time.Now()); !ready {
		t.Fatalf("expected a ready endpoint, got %v", reasons)
	}
}

func TestChannelCloseMarksUnready(t *testing.T) {
	rtA, rtB, _, _ := newLinkedRuntimes(t)
	negotiatePair(t, rtA, rtB)

	if err := rtA.Endpoint().Channel().Close(); err != nil {
		t.Fatalf("channel close: %v", err)
	}
	waitFor(t, "close observation", func() bool {
		return !rtA.Store().Snapshot().ChannelOpen
	})

	ready, reasons := rtA.Health().Ready(time.Now())
	if ready {
		t.Fatalf("expected unready after channel close")
	}
	if len(reasons) == 0 {
		t.Fatalf("expected a close reason")
	}
}

func TestStartWaiterStopsOnCancel(t *testing.T) {
	rtA, rtB, _, _ := newLinkedRuntimes(t)
	negotiatePair(t, rtA, rtB)

	ctx, cancel := context.WithCancel(context.Background())
	wait := rtA.Start(ctx)
	cancel()
	if err := wait(); err != nil {
		t.Fatalf("waiter: %v", err)
	}
	if state := rtA.Endpoint().State(); state != negotiate.StateIdle {
		t.Fatalf("shutdown must reset the endpoint, got %s", state)
	}
}

func TestGovernorFrom(t *testing.T) {
	if governorFrom(nil) != nil {
		t.Fatalf("nil config must yield no governor")
	}
	if governorFrom(&config.RateGovernanceConfig{Enabled: false, GlobalPPSCap: 50}) != nil {
		t.Fatalf("disabled governance must yield no governor")
	}
	if governorFrom(&config.RateGovernanceConfig{Enabled: true}) != nil {
		t.Fatalf("a zero cap must yield no governor")
	}
	limiter := governorFrom(&config.RateGovernanceConfig{Enabled: true, GlobalPPSCap: 50})
	if limiter == nil {
		t.Fatalf("expected a governor")
	}
	if limiter.Limit() != 50 {
		t.Fatalf("unexpected limit %v", limiter.Limit())
	}
}
