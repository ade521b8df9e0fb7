package transport

import (
	"context"

	"github.com/peerprobehq/peerprobe/pkg/types"
)

// ConnectionState mirrors the lifecycle of the underlying peer
// connection engine.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// ChannelState mirrors the data channel ready state.
type ChannelState string

const (
	ChannelConnecting ChannelState = "connecting"
	ChannelOpen       ChannelState = "open"
	ChannelClosing    ChannelState = "closing"
	ChannelClosed     ChannelState = "closed"
)

// Description is an opaque session description produced by the engine.
// Role is types.RoleOffer or types.RoleAnswer.
type Description struct {
	Role string
	SDP  string
}

// Channel is a bidirectional message channel riding on the peer
// connection.
type Channel interface {
	Label() string
	Send(data []byte) error
	OnMessage(fn func(data []byte))
	OnOpen(fn func())
	OnClose(fn func())
	ReadyState() ChannelState
	Close() error
}

// Facade is the connection-establishment engine the negotiator drives.
// The production implementation wraps pion/webrtc; tests use the
// in-process memory pair.
type Facade interface {
	// CreateDescription asks the engine for a local offer or answer.
	CreateDescription(ctx context.Context, role string) (Description, error)
	SetLocalDescription(ctx context.Context, desc Description) error
	SetRemoteDescription(ctx context.Context, desc Description) error

	// AddRemoteCandidate replays one candidate from a received bundle.
	// The engine tolerates arbitrary candidate order.
	AddRemoteCandidate(ctx context.Context, cand types.Candidate) error

	// Candidates delivers locally discovered candidates in emission
	// order. The channel is closed after the terminal gathering-complete
	// signal, which the engine guarantees follows every real candidate
	// of the current round. Gathering starts when the local description
	// is committed.
	Candidates() <-chan types.Candidate

	OnConnectionStateChange(fn func(ConnectionState))
	ConnectionState() ConnectionState

	// OpenChannel creates a locally originated channel. Must be called
	// before the offer description is created so the engine includes a
	// channel section in it.
	OpenChannel(label string, ordered bool) (Channel, error)

	// OnIncomingChannel registers the handler for channels opened by
	// the remote side.
	OnIncomingChannel(fn func(Channel))

	Close() error
}
