package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/peerprobehq/peerprobe/pkg/types"
)

// Compile-time interface checks.
var (
	_ Facade  = (*MemoryFacade)(nil)
	_ Channel = (*MemoryChannel)(nil)
)

var memoryPairCounter atomic.Uint64

// MemoryFacade is an in-process Facade for tests and loopback runs.
// Two facades created by NewMemoryPair can negotiate and exchange
// channel messages without any network engine. Descriptions are
// synthetic; candidates are injected by the test through EmitCandidate
// and CompleteGathering.
type MemoryFacade struct {
	name string
	peer *MemoryFacade

	candidates chan types.Candidate
	gatherOnce sync.Once

	mu          sync.Mutex
	localDesc   *Description
	remoteDesc  *Description
	remoteCands []types.Candidate
	state       ConnectionState
	stateFn     func(ConnectionState)
	incomingFn  func(Channel)
	localOpened []*MemoryChannel
	descErr     error
	closed      bool
}

// NewMemoryPair creates two linked facades. The first is conventionally
// the offerer's, the second the answerer's, though the pair is
// symmetric.
func NewMemoryPair() (*MemoryFacade, *MemoryFacade) {
	id := memoryPairCounter.Add(1)
	a := newMemoryFacade(fmt.Sprintf("mem-%d-a", id))
	b := newMemoryFacade(fmt.Sprintf("mem-%d-b", id))
	a.peer = b
	b.peer = a
	return a, b
}

func newMemoryFacade(name string) *MemoryFacade {
	return &MemoryFacade{
		name:       name,
		candidates: make(chan types.Candidate, candidateBuffer),
		state:      StateNew,
	}
}

// EmitCandidate injects one locally discovered candidate. Test hook.
func (f *MemoryFacade) EmitCandidate(cand types.Candidate) {
	f.candidates <- cand
}

// CompleteGathering signals the end of candidate discovery. Safe to
// call more than once; only the first call closes the channel.
func (f *MemoryFacade) CompleteGathering() {
	f.gatherOnce.Do(func() { close(f.candidates) })
}

// FailDescriptions makes every subsequent CreateDescription call return
// the given error. Test hook for engine-rejection paths.
func (f *MemoryFacade) FailDescriptions(err error) {
	f.mu.Lock()
	f.descErr = err
	f.mu.Unlock()
}

// RemoteCandidates returns the candidates replayed into this facade, in
// arrival order.
func (f *MemoryFacade) RemoteCandidates() []types.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Candidate, len(f.remoteCands))
	copy(out, f.remoteCands)
	return out
}

func (f *MemoryFacade) CreateDescription(ctx context.Context, role string) (Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.descErr != nil {
		return Description{}, f.descErr
	}
	if f.closed {
		return Description{}, fmt.Errorf("facade %s is closed", f.name)
	}
	return Description{Role: role, SDP: fmt.Sprintf("v=0 memory %s %s", f.name, role)}, nil
}

func (f *MemoryFacade) SetLocalDescription(ctx context.Context, desc Description) error {
	f.mu.Lock()
	if desc.SDP == "" {
		f.mu.Unlock()
		return fmt.Errorf("empty local description")
	}
	local := desc
	f.localDesc = &local
	f.mu.Unlock()
	f.maybeConnect()
	return nil
}

func (f *MemoryFacade) SetRemoteDescription(ctx context.Context, desc Description) error {
	f.mu.Lock()
	if desc.SDP == "" {
		f.mu.Unlock()
		return fmt.Errorf("empty remote description")
	}
	remote := desc
	f.remoteDesc = &remote
	f.mu.Unlock()
	f.maybeConnect()
	return nil
}

func (f *MemoryFacade) AddRemoteCandidate(ctx context.Context, cand types.Candidate) error {
	f.mu.Lock()
	f.remoteCands = append(f.remoteCands, cand)
	f.mu.Unlock()
	return nil
}

func (f *MemoryFacade) Candidates() <-chan types.Candidate {
	return f.candidates
}

func (f *MemoryFacade) OnConnectionStateChange(fn func(ConnectionState)) {
	f.mu.Lock()
	f.stateFn = fn
	f.mu.Unlock()
}

func (f *MemoryFacade) ConnectionState() ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *MemoryFacade) OpenChannel(label string, ordered bool) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("facade %s is closed", f.name)
	}
	ch := newMemoryChannel(label)
	f.localOpened = append(f.localOpened, ch)
	return ch, nil
}

func (f *MemoryFacade) OnIncomingChannel(fn func(Channel)) {
	f.mu.Lock()
	f.incomingFn = fn
	f.mu.Unlock()
}

func (f *MemoryFacade) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.state = StateClosed
	channels := f.localOpened
	f.mu.Unlock()

	f.gatherOnce.Do(func() { close(f.candidates) })
	for _, ch := range channels {
		ch.Close()
	}
	return nil
}

// maybeConnect transitions both facades to connected once all four
// descriptions (local and remote on each side) are committed, then
// pairs up the locally opened channels with incoming channels on the
// remote side.
func (f *MemoryFacade) maybeConnect() {
	peer := f.peer
	if peer == nil {
		return
	}

	f.mu.Lock()
	selfReady := f.localDesc != nil && f.remoteDesc != nil && !f.closed
	f.mu.Unlock()
	peer.mu.Lock()
	peerReady := peer.localDesc != nil && peer.remoteDesc != nil && !peer.closed
	peer.mu.Unlock()

	if !selfReady || !peerReady {
		return
	}

	f.transitionConnected()
	peer.transitionConnected()

	f.wireChannels()
	peer.wireChannels()
}

func (f *MemoryFacade) transitionConnected() {
	f.mu.Lock()
	if f.state == StateConnected {
		f.mu.Unlock()
		return
	}
	f.state = StateConnected
	fn := f.stateFn
	f.mu.Unlock()
	if fn != nil {
		fn(StateConnecting)
		fn(StateConnected)
	}
}

func (f *MemoryFacade) wireChannels() {
	f.mu.Lock()
	channels := f.localOpened
	f.localOpened = nil
	f.mu.Unlock()

	for _, local := range channels {
		remote := newMemoryChannel(local.label)
		local.peer = remote
		remote.peer = local

		f.peer.mu.Lock()
		incoming := f.peer.incomingFn
		f.peer.mu.Unlock()
		if incoming != nil {
			incoming(remote)
		}

		local.open()
		remote.open()
	}
}

// NewMemoryChannelPair returns two linked, already-open channels for
// loopback tests that do not need full negotiation.
func NewMemoryChannelPair(label string) (*MemoryChannel, *MemoryChannel) {
	a := newMemoryChannel(label)
	b := newMemoryChannel(label)
	a.peer = b
	b.peer = a
	a.open()
	b.open()
	return a, b
}

// MemoryChannel delivers messages to its paired channel through a
// per-channel pump goroutine, so Send never reenters the receiver's
// handler synchronously and message order is preserved.
type MemoryChannel struct {
	label string
	peer  *MemoryChannel

	mu        sync.Mutex
	state     ChannelState
	onMessage func([]byte)
	onOpen    func()
	onClose   func()
	sendErr   error

	outbound chan []byte
	done     chan struct{}
	once     sync.Once
}

func newMemoryChannel(label string) *MemoryChannel {
	return &MemoryChannel{
		label:    label,
		state:    ChannelConnecting,
		outbound: make(chan []byte, 1024),
		done:     make(chan struct{}),
	}
}

// FailSends makes every subsequent Send return the given error, or
// restores normal delivery when err is nil. Test hook.
func (c *MemoryChannel) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *MemoryChannel) Label() string { return c.label }

func (c *MemoryChannel) Send(data []byte) error {
	c.mu.Lock()
	state := c.state
	sendErr := c.sendErr
	c.mu.Unlock()

	if state != ChannelOpen {
		return fmt.Errorf("channel %s is %s, not open", c.label, state)
	}
	if sendErr != nil {
		return sendErr
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case c.outbound <- buf:
		return nil
	default:
		return fmt.Errorf("channel %s send buffer full", c.label)
	}
}

func (c *MemoryChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *MemoryChannel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	alreadyOpen := c.state == ChannelOpen
	c.mu.Unlock()
	if alreadyOpen && fn != nil {
		fn()
	}
}

func (c *MemoryChannel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *MemoryChannel) ReadyState() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *MemoryChannel) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = ChannelClosed
		fn := c.onClose
		c.mu.Unlock()
		close(c.done)
		if fn != nil {
			fn()
		}
	})
	return nil
}

func (c *MemoryChannel) open() {
	c.mu.Lock()
	if c.state != ChannelConnecting {
		c.mu.Unlock()
		return
	}
	c.state = ChannelOpen
	fn := c.onOpen
	c.mu.Unlock()

	go c.pump()
	if fn != nil {
		fn()
	}
}

func (c *MemoryChannel) pump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.outbound:
			peer := c.peer
			if peer == nil {
				continue
			}
			peer.mu.Lock()
			fn := peer.onMessage
			peer.mu.Unlock()
			if fn != nil {
				fn(data)
			}
		}
	}
}
