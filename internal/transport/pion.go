package transport

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/peerprobehq/peerprobe/pkg/types"
)

// Compile-time interface checks.
var (
	_ Facade  = (*PionFacade)(nil)
	_ Channel = (*pionChannel)(nil)
)

// candidateBuffer bounds the gathering channel so slow consumers never
// block pion's ICE agent callbacks.
const candidateBuffer = 64

// ICEConfig holds the ICE server list used during candidate gathering.
// Order matters: pion tries the servers in sequence.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// NewICEConfig builds an ICEConfig from plain server URLs with optional
// shared TURN credentials. An empty URL list yields host-only gathering,
// which is sufficient for same-machine and same-LAN runs.
func NewICEConfig(urls []string, username, credential string) ICEConfig {
	if len(urls) == 0 {
		return ICEConfig{}
	}
	server := webrtc.ICEServer{URLs: urls}
	if username != "" {
		server.Username = username
		server.Credential = credential
	}
	return ICEConfig{Servers: []webrtc.ICEServer{server}}
}

// PionFacade implements Facade on top of a pion PeerConnection. One
// facade owns exactly one PeerConnection; the negotiator creates a
// fresh facade per negotiation round.
type PionFacade struct {
	pc     *webrtc.PeerConnection
	logger *log.Logger

	candidates chan types.Candidate
	gatherOnce sync.Once

	mu      sync.Mutex
	stateFn func(ConnectionState)
	closed  bool
}

// NewPionFacade creates a PeerConnection with loopback candidates
// enabled, so same-machine and isolated-network runs still discover at
// least one path.
func NewPionFacade(config ICEConfig, logger *log.Logger) (*PionFacade, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: config.Servers})
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	f := &PionFacade{
		pc:         pc,
		logger:     logger,
		candidates: make(chan types.Candidate, candidateBuffer),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			// Terminal gathering-complete sentinel. pion guarantees it
			// arrives after every real candidate of the round.
			f.gatherOnce.Do(func() { close(f.candidates) })
			return
		}
		init := cand.ToJSON()
		select {
		case f.candidates <- types.Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		}:
		default:
			f.logger.Printf("candidate buffer full, dropping %s", init.Candidate)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		f.logger.Printf("connection state: %s", state)
		f.mu.Lock()
		fn := f.stateFn
		f.mu.Unlock()
		if fn != nil {
			fn(mapPeerState(state))
		}
	})

	return f, nil
}

func (f *PionFacade) CreateDescription(ctx context.Context, role string) (Description, error) {
	var (
		desc webrtc.SessionDescription
		err  error
	)
	switch role {
	case types.RoleOffer:
		desc, err = f.pc.CreateOffer(nil)
	case types.RoleAnswer:
		desc, err = f.pc.CreateAnswer(nil)
	default:
		return Description{}, fmt.Errorf("unknown description role %q", role)
	}
	if err != nil {
		return Description{}, fmt.Errorf("creating %s description: %w", role, err)
	}
	return Description{Role: role, SDP: desc.SDP}, nil
}

func (f *PionFacade) SetLocalDescription(ctx context.Context, desc Description) error {
	sd := webrtc.SessionDescription{Type: sdpType(desc.Role), SDP: desc.SDP}
	if err := f.pc.SetLocalDescription(sd); err != nil {
		return fmt.Errorf("setting local %s description: %w", desc.Role, err)
	}
	return nil
}

func (f *PionFacade) SetRemoteDescription(ctx context.Context, desc Description) error {
	sd := webrtc.SessionDescription{Type: sdpType(desc.Role), SDP: desc.SDP}
	if err := f.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("setting remote %s description: %w", desc.Role, err)
	}
	return nil
}

func (f *PionFacade) AddRemoteCandidate(ctx context.Context, cand types.Candidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}
	if err := f.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding remote candidate: %w", err)
	}
	return nil
}

func (f *PionFacade) Candidates() <-chan types.Candidate {
	return f.candidates
}

func (f *PionFacade) OnConnectionStateChange(fn func(ConnectionState)) {
	f.mu.Lock()
	f.stateFn = fn
	f.mu.Unlock()
}

func (f *PionFacade) ConnectionState() ConnectionState {
	return mapPeerState(f.pc.ConnectionState())
}

func (f *PionFacade) OpenChannel(label string, ordered bool) (Channel, error) {
	dc, err := f.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %s: %w", label, err)
	}
	return &pionChannel{dc: dc}, nil
}

func (f *PionFacade) OnIncomingChannel(fn func(Channel)) {
	f.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&pionChannel{dc: dc})
	})
}

// Close tears down the PeerConnection. Idempotent.
func (f *PionFacade) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.gatherOnce.Do(func() { close(f.candidates) })
	return f.pc.Close()
}

func sdpType(role string) webrtc.SDPType {
	if role == types.RoleAnswer {
		return webrtc.SDPTypeAnswer
	}
	return webrtc.SDPTypeOffer
}

func mapPeerState(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) Label() string { return c.dc.Label() }

func (c *pionChannel) Send(data []byte) error {
	if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("channel %s is %s, not open", c.dc.Label(), c.dc.ReadyState())
	}
	return c.dc.Send(data)
}

func (c *pionChannel) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (c *pionChannel) OnOpen(fn func())  { c.dc.OnOpen(fn) }
func (c *pionChannel) OnClose(fn func()) { c.dc.OnClose(fn) }

func (c *pionChannel) ReadyState() ChannelState {
	switch c.dc.ReadyState() {
	case webrtc.DataChannelStateConnecting:
		return ChannelConnecting
	case webrtc.DataChannelStateOpen:
		return ChannelOpen
	case webrtc.DataChannelStateClosing:
		return ChannelClosing
	default:
		return ChannelClosed
	}
}

func (c *pionChannel) Close() error { return c.dc.Close() }
