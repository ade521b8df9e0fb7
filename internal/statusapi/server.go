package statusapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/peerprobehq/peerprobe/internal/events"
	"github.com/peerprobehq/peerprobe/internal/health"
	"github.com/peerprobehq/peerprobe/internal/logging"
	"github.com/peerprobehq/peerprobe/internal/metrics"
	"github.com/peerprobehq/peerprobe/internal/negotiate"
	"github.com/peerprobehq/peerprobe/internal/queue"
	"github.com/peerprobehq/peerprobe/internal/transport"
	"github.com/peerprobehq/peerprobe/pkg/types"
)

// Config controls HTTP server settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// ProbeStatus is the slice of the probe engine the API reads.
type ProbeStatus interface {
	Running() bool
	Progress() types.Progress
	LiveMetrics() types.Metrics
	LastReport() *types.Report
}

// NegotiationStatus is the slice of the negotiator the API reads.
type NegotiationStatus interface {
	State() negotiate.State
	ConnectionState() transport.ConnectionState
}

// Dependencies holds the collaborators the API surfaces.
type Dependencies struct {
	Logger      *log.Logger
	EndpointID  string
	Store       *metrics.Store
	Events      *events.Memory
	Queue       *queue.ReportQueue
	Health      *health.Checker
	Probe       ProbeStatus
	Negotiation NegotiationStatus
}

// Server exposes the endpoint's observability surface over HTTP.
type Server struct {
	*http.Server
	deps Dependencies
}

// New constructs the status API server.
func New(cfg Config, deps Dependencies) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:9190"
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}

	s := &Server{deps: deps}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/status", s.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/report", s.reportHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/reports", s.reportsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/reports/drain", s.drainHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/events", s.eventsHandler).Methods(http.MethodGet)
	if deps.Store != nil {
		r.Handle("/metrics", metrics.NewHTTPHandler(deps.Store)).Methods(http.MethodGet, http.MethodHead)
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.HandleFunc("/readyz", s.readyHandler).Methods(http.MethodGet)

	s.Server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.Server.Handler
}

type statusResponse struct {
	EndpointID       string         `json:"endpoint_id"`
	NegotiationState string         `json:"negotiation_state"`
	ConnectionState  string         `json:"connection_state"`
	ChannelOpen      bool           `json:"channel_open"`
	ProbeRunning     bool           `json:"probe_running"`
	Progress         types.Progress `json:"progress"`
	Live             types.Metrics  `json:"live"`
	BufferedReports  int            `json:"buffered_reports"`
	DroppedReports   uint64         `json:"dropped_reports"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{EndpointID: s.deps.EndpointID}
	if s.deps.Negotiation != nil {
		resp.NegotiationState = string(s.deps.Negotiation.State())
		resp.ConnectionState = string(s.deps.Negotiation.ConnectionState())
	}
	if s.deps.Store != nil {
		resp.ChannelOpen = s.deps.Store.Snapshot().ChannelOpen
	}
	if s.deps.Probe != nil {
		resp.ProbeRunning = s.deps.Probe.Running()
		resp.Progress = s.deps.Probe.Progress()
		resp.Live = s.deps.Probe.LiveMetrics()
	}
	if s.deps.Queue != nil {
		stats := s.deps.Queue.Stats()
		resp.BufferedReports = stats.Len
		resp.DroppedReports = stats.Dropped
	}
	s.writeJSON(w, resp)
}

func (s *Server) reportHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Probe != nil {
		if report := s.deps.Probe.LastReport(); report != nil {
			s.writeJSON(w, report)
			return
		}
	}
	if s.deps.Queue != nil {
		if report, ok := s.deps.Queue.Latest(); ok {
			s.writeJSON(w, report)
			return
		}
	}
	http.Error(w, "no completed run", http.StatusNotFound)
}

func (s *Server) reportsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.writeJSON(w, []types.Report{})
		return
	}
	s.writeJSON(w, s.deps.Queue.Snapshot())
}

func (s *Server) drainHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.writeJSON(w, []types.Report{})
		return
	}
	max := 0
	if raw := r.URL.Query().Get("max"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid max", http.StatusBadRequest)
			return
		}
		max = parsed
	}
	s.writeJSON(w, s.deps.Queue.Drain(max))
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.writeJSON(w, []types.Event{})
		return
	}
	s.writeJSON(w, s.deps.Events.Snapshot())
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	ready, reasons := s.deps.Health.Ready(time.Now())
	if ready {
		s.writeJSON(w, map[string]any{"ready": true})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	if err := json.NewEncoder(w).Encode(map[string]any{"ready": false, "reasons": reasons}); err != nil {
		s.deps.Logger.Printf("statusapi: encode readiness failed: %v", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.deps.Logger.Printf("statusapi: encode response failed: %v", err)
	}
}
