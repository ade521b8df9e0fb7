// Package runtime composes the endpoint's subsystems: negotiation,
// the probe engine, the report queue, health checking, and the status
// API, wired onto a shared metrics store and event recorder.
package runtime

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/peerprobehq/peerprobe/internal/config"
	"github.com/peerprobehq/peerprobe/internal/events"
	"github.com/peerprobehq/peerprobe/internal/health"
	"github.com/peerprobehq/peerprobe/internal/logging"
	"github.com/peerprobehq/peerprobe/internal/metrics"
	"github.com/peerprobehq/peerprobe/internal/negotiate"
	"github.com/peerprobehq/peerprobe/internal/probe"
	"github.com/peerprobehq/peerprobe/internal/queue"
	"github.com/peerprobehq/peerprobe/internal/scheduler"
	"github.com/peerprobehq/peerprobe/internal/statusapi"
	"github.com/peerprobehq/peerprobe/internal/transport"
	"github.com/peerprobehq/peerprobe/pkg/types"
)

// shutdownGrace bounds the status server's graceful drain on exit.
const shutdownGrace = 3 * time.Second

type options struct {
	logger        *log.Logger
	factory       func() (transport.Facade, error)
	now           func() time.Time
	onChat        func(string)
	onProgress    func(types.Progress)
	onLive        func(types.Metrics)
	extraRecorder events.Recorder
	serveStatus   bool
}

type Option func(*options)

func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTransportFactory overrides the per-round facade constructor.
// Tests inject memory facades through this.
func WithTransportFactory(factory func() (transport.Facade, error)) Option {
	return func(o *options) { o.factory = factory }
}

func WithNow(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithChatHandler receives non-probe channel messages verbatim.
func WithChatHandler(fn func(message string)) Option {
	return func(o *options) { o.onChat = fn }
}

// WithProgressHandler observes run progress on every sampler pass.
func WithProgressHandler(fn func(types.Progress)) Option {
	return func(o *options) { o.onProgress = fn }
}

// WithLiveHandler observes the recomputed live aggregates on every
// sampler pass.
func WithLiveHandler(fn func(types.Metrics)) Option {
	return func(o *options) { o.onLive = fn }
}

// WithEventRecorder fans lifecycle events out to an additional recorder
// alongside the in-memory ring.
func WithEventRecorder(rec events.Recorder) Option {
	return func(o *options) { o.extraRecorder = rec }
}

// WithoutStatusServer keeps Start from binding the status listener.
// Embedded and test uses serve the handler themselves, if at all.
func WithoutStatusServer() Option {
	return func(o *options) { o.serveStatus = false }
}

// Runtime is one fully wired endpoint.
type Runtime struct {
	logger   *log.Logger
	store    *metrics.Store
	events   *events.Memory
	queue    *queue.ReportQueue
	checker  *health.Checker
	engine   *probe.Engine
	endpoint *negotiate.Endpoint
	status   *statusapi.Server

	serveStatus bool
}

// New wires the subsystems together from configuration and the durable
// endpoint state.
func New(cfg config.Config, state config.State, opts ...Option) *Runtime {
	o := options{
		logger:      logging.New(),
		now:         time.Now,
		serveStatus: true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	store := metrics.NewStore()
	memory := events.NewMemory(cfg.Reports.MemItemsCap)
	var recorder events.Recorder = memory
	if o.extraRecorder != nil {
		recorder = events.NewMulti(memory, o.extraRecorder)
	}

	reports := queue.NewReportQueue(cfg.Reports.MemItemsCap)
	reports.SetEndpoint(state.EndpointID)
	reports.SetEventRecorder(recorder)
	reports.SetMetricsRecorder(store.QueueRecorder())

	checker := health.NewChecker(store, cfg.Reports.MemItemsCap)

	sched := scheduler.New(
		scheduler.WithTickResolution(cfg.Run.TickResolution),
		scheduler.WithNow(o.now),
	)

	engine := probe.New(state.EndpointID, probe.Dependencies{
		Logger:     o.logger,
		Events:     recorder,
		Metrics:    store.ProbeRecorder(),
		Scheduler:  sched,
		Governor:   governorFrom(cfg.Endpoint.RateGovernance),
		Now:        o.now,
		OnChat:     o.onChat,
		OnProgress: o.onProgress,
		OnLive:     o.onLive,
		OnFinal: func(report types.Report) {
			reports.Enqueue(report)
		},
		OnChannelClose: func() {
			checker.ObserveChannel(false)
		},
	})

	factory := o.factory
	if factory == nil {
		ice := iceConfig(cfg)
		logger := o.logger
		factory = func() (transport.Facade, error) {
			return transport.NewPionFacade(ice, logger)
		}
	}

	endpoint := negotiate.New(negotiate.Config{
		EndpointID:   state.EndpointID,
		GatherGrace:  cfg.Endpoint.GatherGrace,
		ChannelLabel: cfg.Endpoint.ChannelLabel,
	}, negotiate.Dependencies{
		Factory: factory,
		Logger:  o.logger,
		Events:  recorder,
		OnStateChange: func(state negotiate.State) {
			checker.ObserveNegotiationState(string(state))
		},
		OnChannel: func(ch transport.Channel) {
			checker.ObserveChannel(true)
			engine.Bind(ch)
		},
	})

	status := statusapi.New(statusapi.Config{Addr: cfg.Endpoint.StatusListen}, statusapi.Dependencies{
		Logger:      o.logger,
		EndpointID:  state.EndpointID,
		Store:       store,
		Events:      memory,
		Queue:       reports,
		Health:      checker,
		Probe:       engine,
		Negotiation: endpoint,
	})

	return &Runtime{
		logger:      o.logger,
		store:       store,
		events:      memory,
		queue:       reports,
		checker:     checker,
		engine:      engine,
		endpoint:    endpoint,
		status:      status,
		serveStatus: o.serveStatus,
	}
}

// Start launches the background goroutines and returns a waiter that
// blocks until they exit. Cancelling the context begins an orderly
// shutdown: the status listener drains, the facade closes, the probe
// scheduler stops.
func (r *Runtime) Start(ctx context.Context) func() error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r.engine.Run(ctx)
		return nil
	})

	if r.serveStatus {
		g.Go(func() error {
			r.logger.Printf("status api listening on %s", r.status.Addr)
			err := r.status.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		if r.serveStatus {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := r.status.Shutdown(shutdownCtx); err != nil {
				r.logger.Printf("status api shutdown: %v", err)
			}
		}
		r.endpoint.Reset()
		return nil
	})

	return g.Wait
}

func (r *Runtime) Store() *metrics.Store           { return r.store }
func (r *Runtime) Events() *events.Memory          { return r.events }
func (r *Runtime) Reports() *queue.ReportQueue     { return r.queue }
func (r *Runtime) Health() *health.Checker         { return r.checker }
func (r *Runtime) Engine() *probe.Engine           { return r.engine }
func (r *Runtime) Endpoint() *negotiate.Endpoint   { return r.endpoint }
func (r *Runtime) StatusServer() *statusapi.Server { return r.status }

// governorFrom builds the cross-run load rate cap, or nil when rate
// governance is disabled.
func governorFrom(cfg *config.RateGovernanceConfig) *rate.Limiter {
	if cfg == nil || !cfg.Enabled || cfg.GlobalPPSCap <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.GlobalPPSCap), cfg.GlobalPPSCap)
}

// iceConfig maps the configured ICE server entries into the transport's
// shape. Order is preserved.
func iceConfig(cfg config.Config) transport.ICEConfig {
	var servers []webrtc.ICEServer
	for _, entry := range cfg.ICE.Servers {
		if len(entry.URLs) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: entry.URLs}
		if entry.Username != "" {
			server.Username = entry.Username
			server.Credential = entry.Credential
		}
		servers = append(servers, server)
	}
	return transport.ICEConfig{Servers: servers}
}
