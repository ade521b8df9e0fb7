package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/peerprobehq/peerprobe/internal/events"
	"github.com/peerprobehq/peerprobe/internal/health"
	"github.com/peerprobehq/peerprobe/internal/metrics"
	"github.com/peerprobehq/peerprobe/internal/negotiate"
	"github.com/peerprobehq/peerprobe/internal/queue"
	"github.com/peerprobehq/peerprobe/internal/transport"
	"github.com/peerprobehq/peerprobe/pkg/types"
)

type fakeProbe struct {
	running bool
	report  *types.Report
}

func (f *fakeProbe) Running() bool { return f.running }
func (f *fakeProbe) Progress() types.Progress {
	return types.Progress{PercentComplete: 50, ElapsedSeconds: 5}
}
func (f *fakeProbe) LiveMetrics() types.Metrics { return types.Metrics{ThroughputMbps: 1.5} }
func (f *fakeProbe) LastReport() *types.Report  { return f.report }

type fakeNegotiation struct {
	state negotiate.State
	conn  transport.ConnectionState
}

func (f *fakeNegotiation) State() negotiate.State                     { return f.state }
func (f *fakeNegotiation) ConnectionState() transport.ConnectionState { return f.conn }

func newTestServer(t *testing.T) (*Server, Dependencies) {
	t.Helper()
	store := metrics.NewStore()
	deps := Dependencies{
		EndpointID:  "ep-test",
		Store:       store,
		Events:      events.NewMemory(16),
		Queue:       queue.NewReportQueue(4),
		Health:      health.NewChecker(store, 4),
		Probe:       &fakeProbe{running: true},
		Negotiation: &fakeNegotiation{state: negotiate.StateApplied, conn: transport.StateConnected},
	}
	return New(Config{}, deps), deps
}

func get(t *testing.T, server *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	res := httptest.NewRecorder()
	server.Handler().ServeHTTP(res, req)
	return res
}

func TestStatusEndpoint(t *testing.T) {
	server, deps := newTestServer(t)
	deps.Store.ObserveChannel(true)
	deps.Queue.Enqueue(types.Report{BytesSent: 100})

	res := get(t, server, "/api/v1/status")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", res.Code)
	}
	var status statusResponse
	if err := json.Unmarshal(res.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.EndpointID != "ep-test" {
		t.Fatalf("unexpected endpoint id %q", status.EndpointID)
	}
	if status.NegotiationState != "applied" || status.ConnectionState != "connected" {
		t.Fatalf("unexpected negotiation view %+v", status)
	}
	if !status.ChannelOpen || !status.ProbeRunning {
		t.Fatalf("expected open channel and running probe, got %+v", status)
	}
	if status.Progress.PercentComplete != 50 || status.Live.ThroughputMbps != 1.5 {
		t.Fatalf("unexpected probe view %+v", status)
	}
	if status.BufferedReports != 1 {
		t.Fatalf("expected one buffered report, got %d", status.BufferedReports)
	}
}

func TestReportEndpointPrefersEngineReport(t *testing.T) {
	server, deps := newTestServer(t)
	deps.Probe.(*fakeProbe).report = &types.Report{BytesSent: 42}

	res := get(t, server, "/api/v1/report")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", res.Code)
	}
	var report types.Report
	if err := json.Unmarshal(res.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.BytesSent != 42 {
		t.Fatalf("expected the engine's report, got %+v", report)
	}
}

func TestReportEndpointWithoutRuns(t *testing.T) {
	server, _ := newTestServer(t)
	if res := get(t, server, "/api/v1/report"); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", res.Code)
	}
}

func TestReportsSnapshotAndDrain(t *testing.T) {
	server, deps := newTestServer(t)
	deps.Queue.Enqueue(types.Report{BytesSent: 1})
	deps.Queue.Enqueue(types.Report{BytesSent: 2})

	res := get(t, server, "/api/v1/reports")
	var reports []types.Report
	if err := json.Unmarshal(res.Body.Bytes(), &reports); err != nil {
		t.Fatalf("decode reports: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
	if deps.Queue.Len() != 2 {
		t.Fatalf("GET must not consume the queue")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports/drain?max=1", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &reports); err != nil {
		t.Fatalf("decode drained: %v", err)
	}
	if len(reports) != 1 || reports[0].BytesSent != 1 {
		t.Fatalf("expected the oldest report drained, got %+v", reports)
	}
	if deps.Queue.Len() != 1 {
		t.Fatalf("expected one report left, got %d", deps.Queue.Len())
	}
}

func TestDrainRejectsInvalidMax(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports/drain?max=bogus", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestEventsEndpoint(t *testing.T) {
	server, deps := newTestServer(t)
	deps.Events.Record(types.Event{Type: types.EventChannelOpen, Timestamp: time.Now()})

	res := get(t, server, "/api/v1/events")
	var recorded []types.Event
	if err := json.Unmarshal(res.Body.Bytes(), &recorded); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(recorded) != 1 || recorded[0].Type != types.EventChannelOpen {
		t.Fatalf("unexpected events %+v", recorded)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, deps := newTestServer(t)
	deps.Store.ProbeRecorder().AddBytesSent(512)

	res := get(t, server, "/metrics")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "peerprobe_bytes_sent_total 512") {
		t.Fatalf("missing counter in metrics output:\n%s", res.Body.String())
	}
}

func TestHealthAndReadiness(t *testing.T) {
	server, deps := newTestServer(t)

	if res := get(t, server, "/healthz"); res.Code != http.StatusOK {
		t.Fatalf("healthz expected 200 got %d", res.Code)
	}

	// The channel never opened, so readiness fails with a reason.
	res := get(t, server, "/readyz")
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz expected 503 got %d", res.Code)
	}
	var body struct {
		Ready   bool     `json:"ready"`
		Reasons []string `json:"reasons"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode readiness: %v", err)
	}
	if body.Ready || len(body.Reasons) == 0 {
		t.Fatalf("unexpected readiness body %+v", body)
	}

	deps.Health.ObserveChannel(true)
	if res := get(t, server, "/readyz"); res.Code != http.StatusOK {
		t.Fatalf("readyz expected 200 after channel open, got %d", res.Code)
	}
}

func TestUnknownMethodRejected(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 got %d", rec.Code)
	}
}
