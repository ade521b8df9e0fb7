package negotiate

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/peerprobehq/peerprobe/internal/events"
	"github.com/peerprobehq/peerprobe/internal/logging"
	"github.com/peerprobehq/peerprobe/internal/transport"
	"github.com/peerprobehq/peerprobe/pkg/types"
)

// State is the negotiation state machine position of the current
// session.
type State string

const (
	StateIdle        State = "idle"
	StateCreating    State = "creating-description"
	StateGathering   State = "gathering-candidates"
	StateBundleReady State = "bundle-ready"
	StateApplied     State = "applied"
	StateClosed      State = "closed"
	StateError       State = "error"
)

// DefaultGatherGrace bounds candidate gathering. A round that has not
// seen the terminal signal within the grace period is force-completed
// with whatever candidates arrived; the bundle never blocks on slow or
// absent reachability paths.
const DefaultGatherGrace = 5 * time.Second

// DefaultChannelLabel names the application data channel. Ordered
// delivery is required: chat correctness depends on arrival order, and
// the probe packets tolerate it.
const DefaultChannelLabel = "peerprobe-data"

// Session is one negotiation round. A new round invalidates the
// previous Session entirely.
type Session struct {
	Role             string
	State            State
	LocalDescription string
	Candidates       []types.Candidate
	GatherComplete   bool
	Bundle           *types.Bundle
}

// Config holds the static parameters of an Endpoint.
type Config struct {
	EndpointID   string
	GatherGrace  time.Duration
	ChannelLabel string
}

// Dependencies carries the collaborators, all optional except Factory.
type Dependencies struct {
	// Factory creates a fresh Transport Facade for each negotiation
	// round.
	Factory func() (transport.Facade, error)

	Logger *log.Logger
	Events events.Recorder

	// OnStateChange observes negotiation state transitions.
	OnStateChange func(State)

	// OnChannel fires when the application data channel opens, for
	// either role.
	OnChannel func(transport.Channel)

	// OnConnectionState observes the facade's connection lifecycle.
	OnConnectionState func(transport.ConnectionState)
}

// Endpoint owns one active Session and drives the Transport Facade
// through bundle negotiation. It is an explicit object: multiple
// Endpoints can coexist, each with its own facade and session.
type Endpoint struct {
	id           string
	grace        time.Duration
	channelLabel string
	factory      func() (transport.Facade, error)
	logger       *log.Logger
	events       events.Recorder
	onState      func(State)
	onChannel    func(transport.Channel)
	onConnState  func(transport.ConnectionState)

	mu      sync.Mutex
	facade  transport.Facade
	session *Session
	channel transport.Channel
}

func New(cfg Config, deps Dependencies) *Endpoint {
	grace := cfg.GatherGrace
	if grace <= 0 {
		grace = DefaultGatherGrace
	}
	label := cfg.ChannelLabel
	if label == "" {
		label = DefaultChannelLabel
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	var recorder events.Recorder = deps.Events
	if recorder == nil {
		recorder = events.NoopRecorder{}
	}
	return &Endpoint{
		id:           cfg.EndpointID,
		grace:        grace,
		channelLabel: label,
		factory:      deps.Factory,
		logger:       logger,
		events:       recorder,
		onState:      deps.OnStateChange,
		onChannel:    deps.OnChannel,
		onConnState:  deps.OnConnectionState,
	}
}

// State returns the current session state, or idle when no session
// exists.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return StateIdle
	}
	return e.session.State
}

// SessionSnapshot returns a copy of the current session, or nil.
func (e *Endpoint) SessionSnapshot() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	snapshot := *e.session
	snapshot.Candidates = append([]types.Candidate(nil), e.session.Candidates...)
	if e.session.Bundle != nil {
		bundle := *e.session.Bundle
		bundle.Candidates = append([]types.Candidate(nil), e.session.Bundle.Candidates...)
		snapshot.Bundle = &bundle
	}
	return &snapshot
}

// Channel returns the application data channel, or nil before one
// exists.
func (e *Endpoint) Channel() transport.Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channel
}

// ConnectionState reports the facade's connection state, or closed when
// no facade exists.
func (e *Endpoint) ConnectionState() transport.ConnectionState {
	e.mu.Lock()
	facade := e.facade
	e.mu.Unlock()
	if facade == nil {
		return transport.StateClosed
	}
	return facade.ConnectionState()
}

// CreateOffer tears down any prior session, instantiates a fresh
// facade, opens the application channel, produces a local offer
// description, gathers candidates, and returns the frozen offer bundle.
func (e *Endpoint) CreateOffer(ctx context.Context) (*types.Bundle, error) {
	facade, session, err := e.beginSession(types.RoleOffer)
	if err != nil {
		return nil, err
	}

	channel, err := facade.OpenChannel(e.channelLabel, true)
	if err != nil {
		e.fail(session, facade)
		return nil, &TransportError{Op: "open channel", Err: err}
	}
	e.adoptChannel(channel)

	if err := e.produceLocalDescription(ctx, facade, session, types.RoleOffer); err != nil {
		return nil, err
	}

	return e.gatherAndFreeze(ctx, facade, session)
}

// CreateAnswer applies a received offer bundle on a fresh facade,
// replays its candidates in array order, then produces an answer bundle
// through the same description/gather sequence.
func (e *Endpoint) CreateAnswer(ctx context.Context, offer *types.Bundle) (*types.Bundle, error) {
	if err := validateBundle(offer, types.RoleOffer); err != nil {
		return nil, err
	}

	facade, session, err := e.beginSession(types.RoleAnswer)
	if err != nil {
		return nil, err
	}

	remote := transport.Description{Role: types.RoleOffer, SDP: offer.SDP}
	if err := facade.SetRemoteDescription(ctx, remote); err != nil {
		e.fail(session, facade)
		return nil, &TransportError{Op: "set remote description", Err: err}
	}
	if err := e.replayCandidates(ctx, facade, offer.Candidates); err != nil {
		e.fail(session, facade)
		return nil, err
	}

	if err := e.produceLocalDescription(ctx, facade, session, types.RoleAnswer); err != nil {
		return nil, err
	}

	return e.gatherAndFreeze(ctx, facade, session)
}

// ApplyAnswer applies a received answer bundle on the existing
// offerer-side facade and replays its candidates. The connection then
// converges asynchronously through the facade's own lifecycle events;
// ApplyAnswer does not wait for it.
func (e *Endpoint) ApplyAnswer(ctx context.Context, answer *types.Bundle) error {
	if err := validateBundle(answer, types.RoleAnswer); err != nil {
		return err
	}

	e.mu.Lock()
	facade := e.facade
	session := e.session
	e.mu.Unlock()
	if facade == nil || session == nil || session.Role != types.RoleOffer || session.State != StateBundleReady {
		return ErrNotReady
	}

	remote := transport.Description{Role: types.RoleAnswer, SDP: answer.SDP}
	if err := facade.SetRemoteDescription(ctx, remote); err != nil {
		e.fail(session, facade)
		return &TransportError{Op: "set remote description", Err: err}
	}
	if err := e.replayCandidates(ctx, facade, answer.Candidates); err != nil {
		e.fail(session, facade)
		return err
	}

	e.setState(session, StateApplied)
	return nil
}

// Reset tears down the facade (idempotent when already gone), discards
// the session, and returns to idle.
func (e *Endpoint) Reset() {
	e.mu.Lock()
	facade := e.facade
	e.facade = nil
	e.session = nil
	e.channel = nil
	e.mu.Unlock()

	if facade != nil {
		if err := facade.Close(); err != nil {
			e.logger.Printf("facade teardown: %v", err)
		}
	}
	if e.onState != nil {
		e.onState(StateIdle)
	}
	e.record(types.EventNegotiationState, map[string]any{"state": string(StateIdle)})
}

// SendChat sends a free-text line over the application channel. It is
// rejected synchronously when the channel is not open.
func (e *Endpoint) SendChat(text string) error {
	e.mu.Lock()
	channel := e.channel
	e.mu.Unlock()
	if channel == nil || channel.ReadyState() != transport.ChannelOpen {
		return ErrNotReady
	}
	return channel.Send([]byte(text))
}

// beginSession replaces any existing session with a fresh facade and a
// pending Session in the creating-description state.
func (e *Endpoint) beginSession(role string) (transport.Facade, *Session, error) {
	if e.factory == nil {
		return nil, nil, &TransportError{Op: "create facade", Err: ErrNotReady}
	}

	e.mu.Lock()
	old := e.facade
	e.facade = nil
	e.session = nil
	e.channel = nil
	e.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			e.logger.Printf("prior facade teardown: %v", err)
		}
	}

	facade, err := e.factory()
	if err != nil {
		return nil, nil, &TransportError{Op: "create facade", Err: err}
	}

	session := &Session{Role: role, State: StateCreating}

	facade.OnConnectionStateChange(func(state transport.ConnectionState) {
		e.logger.Printf("connection state: %s", state)
		if e.onConnState != nil {
			e.onConnState(state)
		}
	})
	facade.OnIncomingChannel(func(ch transport.Channel) {
		e.adoptChannel(ch)
	})

	e.mu.Lock()
	e.facade = facade
	e.session = session
	e.mu.Unlock()

	e.setState(session, StateCreating)
	return facade, session, nil
}

// adoptChannel records the application channel and wires its lifecycle
// observers.
func (e *Endpoint) adoptChannel(ch transport.Channel) {
	e.mu.Lock()
	e.channel = ch
	e.mu.Unlock()

	ch.OnOpen(func() {
		e.logger.Printf("channel %s open", ch.Label())
		e.record(types.EventChannelOpen, map[string]any{"label": ch.Label()})
		if e.onChannel != nil {
			e.onChannel(ch)
		}
	})
	ch.OnClose(func() {
		e.logger.Printf("channel %s closed", ch.Label())
		e.record(types.EventChannelClose, map[string]any{"label": ch.Label()})
	})
}

func (e *Endpoint) produceLocalDescription(ctx context.Context, facade transport.Facade, session *Session, role string) error {
	desc, err := facade.CreateDescription(ctx, role)
	if err != nil {
		e.fail(session, facade)
		return &TransportError{Op: "create description", Err: err}
	}
	if err := facade.SetLocalDescription(ctx, desc); err != nil {
		e.fail(session, facade)
		return &TransportError{Op: "set local description", Err: err}
	}

	e.mu.Lock()
	if e.session != session {
		e.mu.Unlock()
		return ErrSuperseded
	}
	session.LocalDescription = desc.SDP
	e.mu.Unlock()

	e.setState(session, StateGathering)
	return nil
}

// gatherAndFreeze collects candidates until the facade signals
// completion or the grace period expires, then freezes the bundle
// exactly once. A real completion signal arriving after the timeout is
// simply never consumed; there is no duplicate completion.
func (e *Endpoint) gatherAndFreeze(ctx context.Context, facade transport.Facade, session *Session) (*types.Bundle, error) {
	var collected []types.Candidate
	complete := false

	timer := time.NewTimer(e.grace)
	defer timer.Stop()

loop:
	for {
		select {
		case cand, ok := <-facade.Candidates():
			if !ok {
				complete = true
				break loop
			}
			collected = append(collected, cand)
		case <-timer.C:
			e.logger.Printf("candidate gathering timed out after %s with %d candidates", e.grace, len(collected))
			e.record(types.EventGatherTimeout, map[string]any{"candidates": len(collected)})
			break loop
		case <-ctx.Done():
			e.fail(session, facade)
			return nil, ctx.Err()
		}
	}

	bundle := &types.Bundle{
		Type:       session.Role,
		SDP:        session.LocalDescription,
		Candidates: append([]types.Candidate{}, collected...),
	}

	e.mu.Lock()
	if e.session != session {
		e.mu.Unlock()
		return nil, ErrSuperseded
	}
	session.Candidates = collected
	session.GatherComplete = complete
	session.Bundle = bundle
	e.mu.Unlock()

	e.setState(session, StateBundleReady)
	e.record(types.EventBundleReady, map[string]any{
		"role":       session.Role,
		"candidates": len(bundle.Candidates),
		"complete":   complete,
	})
	return bundle, nil
}

// replayCandidates feeds bundle candidates into the facade in array
// order. The engine tolerates arbitrary order, but the list is never
// reordered here.
func (e *Endpoint) replayCandidates(ctx context.Context, facade transport.Facade, candidates []types.Candidate) error {
	for _, cand := range candidates {
		if err := facade.AddRemoteCandidate(ctx, cand); err != nil {
			return &TransportError{Op: "add remote candidate", Err: err}
		}
	}
	return nil
}

func (e *Endpoint) setState(session *Session, state State) {
	e.mu.Lock()
	if e.session == session {
		session.State = state
	}
	e.mu.Unlock()

	e.logger.Printf("negotiation state: %s", state)
	if e.onState != nil {
		e.onState(state)
	}
	e.record(types.EventNegotiationState, map[string]any{"state": string(state)})
}

// fail marks the session as errored and tears the facade down. The
// caller surfaces the concrete error.
func (e *Endpoint) fail(session *Session, facade transport.Facade) {
	e.setState(session, StateError)
	e.mu.Lock()
	if e.facade == facade {
		e.facade = nil
		e.channel = nil
	}
	e.mu.Unlock()
	if facade != nil {
		if err := facade.Close(); err != nil {
			e.logger.Printf("facade teardown after failure: %v", err)
		}
	}
}

func (e *Endpoint) record(eventType types.EventType, details map[string]any) {
	e.events.Record(types.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Endpoint:  e.id,
		Details:   details,
	})
}

func validateBundle(b *types.Bundle, expectedRole string) error {
	if b == nil {
		return &ValidationError{Reason: "bundle is missing"}
	}
	if err := b.Validate(); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	if b.Type != expectedRole {
		return &ValidationError{Reason: "expected a " + expectedRole + " bundle, got " + b.Type}
	}
	return nil
}
