package pairing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/user/nearby-pairing/logger"
)

// DefaultDiscoveredReplay is how many discovered identities a late subscriber receives
const DefaultDiscoveredReplay = 10

// Notice operations reported through Options.OnNotice
const (
	OpStartAdvertising  = "start_advertising"
	OpStartDiscovery    = "start_discovery"
	OpRequestConnection = "request_connection"
	OpAcceptConnection  = "accept_connection"
	OpRejectConnection  = "reject_connection"
	OpConnectionResult  = "connection_result"
)

// TransferDirection tells whether a payload was sent or received
type TransferDirection string

const (
	TransferOutgoing TransferDirection = "outgoing"
	TransferIncoming TransferDirection = "incoming"
)

// TransferStatus is the outcome reported in a TransferUpdate
type TransferStatus int

const (
	TransferSuccess TransferStatus = iota
	TransferFailure
)

func (s TransferStatus) String() string {
	if s == TransferSuccess {
		return "SUCCESS"
	}
	return "FAILURE"
}

// TransferUpdate reports the progress of one payload. Payloads travel as a
// single frame, so each one produces exactly one update with BytesTransferred
// equal to TotalBytes on success.
type TransferUpdate struct {
	Handle           string
	Direction        TransferDirection
	Status           TransferStatus
	BytesTransferred int
	TotalBytes       int
	Err              error
}

// Notice is an informational report about a transport operation that did not
// change the connection state
type Notice struct {
	Op         string
	Handle     string
	Err        error
	Resolution Resolution
}

// Options configures a Coordinator
type Options struct {
	// ServiceID is the namespace shared by advertising and discovery. Required.
	ServiceID string
	// PairingName overrides the random local identity
	PairingName string
	// DiscoveredReplay bounds the discovered-peer replay backlog (default 10)
	DiscoveredReplay int
	// Registerer for coordinator metrics. May be nil.
	Registerer prometheus.Registerer
	// OnReceive is called for every payload delivered by the transport
	OnReceive func(handle string, payload []byte)
	// OnNotice is called for transport failures and non-terminal connection results
	OnNotice func(Notice)
	// OnTransferUpdate is called once per payload sent or received
	OnTransferUpdate func(TransferUpdate)
}

// Coordinator pairs this device with one nearby peer over a Transport.
//
// A session runs from Search to the next Close. Within a session the local
// user selects one discovered peer with Connect; only the side whose pairing
// name sorts greater sends the connection request, and each side accepts an
// inbound request only from the peer it selected. An inbound request that
// arrives before the local selection waits for it.
//
// Search, Connect and Close are serialised. Close cancels the context of an
// in-flight Search or Connect and waits for it to return before stopping the
// transport, so nothing started for a closed session outlives Close.
type Coordinator struct {
	transport        Transport
	serviceID        string
	pairingName      string
	prefix           string
	onReceive        func(handle string, payload []byte)
	onNotice         func(Notice)
	onTransferUpdate func(TransferUpdate)
	metrics          *metrics

	opMu sync.Mutex // Serialises Search, Connect and Close

	status     *statusStream
	discovered *peerStream

	mu             sync.Mutex // Protects everything below
	state          ConnectionStatus
	peers          map[string]string // identity -> endpoint handle
	selected       *selection
	sessionHandles map[string]bool // handles we requested or accepted this session
	sessionCtx     context.Context
	cancelSession  context.CancelFunc
	cancelOp       context.CancelFunc // cancels the in-flight Search or Connect
}

// NewCoordinator creates a coordinator in the Idle state and registers it as
// the transport's event handler
func NewCoordinator(transport Transport, opts Options) (*Coordinator, error) {
	if transport == nil {
		return nil, errors.New("pairing: transport is required")
	}
	if opts.ServiceID == "" {
		return nil, errors.New("pairing: service id is required")
	}

	name := opts.PairingName
	if name == "" {
		name = GenerateRandomPairingName()
	}
	replay := opts.DiscoveredReplay
	if replay <= 0 {
		replay = DefaultDiscoveredReplay
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		transport:        transport,
		serviceID:        opts.ServiceID,
		pairingName:      name,
		prefix:           fmt.Sprintf("%s Pairing", name),
		onReceive:        opts.OnReceive,
		onNotice:         opts.OnNotice,
		onTransferUpdate: opts.OnTransferUpdate,
		metrics:          newMetrics(opts.Registerer),
		status:           newStatusStream(StatusIdle),
		discovered:       newPeerStream(replay),
		state:            StatusIdle,
		peers:            make(map[string]string),
		selected:         newSelection(),
		sessionHandles:   make(map[string]bool),
		sessionCtx:       ctx,
		cancelSession:    cancel,
	}
	transport.SetEventHandler(c)
	return c, nil
}

// PairingName returns the local identity
func (c *Coordinator) PairingName() string { return c.pairingName }

// ServiceID returns the advertising/discovery namespace
func (c *Coordinator) ServiceID() string { return c.serviceID }

// Status returns the current connection status
func (c *Coordinator) Status() ConnectionStatus { return c.status.get() }

// SubscribeStatus returns a channel that immediately yields the current status
// and then the latest status after every transition. Unread intermediate
// values are replaced. Call cancel to release the subscription.
func (c *Coordinator) SubscribeStatus() (<-chan ConnectionStatus, func()) {
	return c.status.subscribe()
}

// SubscribeDiscovered returns a channel of newly discovered identities,
// starting with the replay backlog. Call cancel to release the subscription.
func (c *Coordinator) SubscribeDiscovered() (<-chan string, func()) {
	return c.discovered.subscribe()
}

// Peers returns the identities currently in the registry, sorted
func (c *Coordinator) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.peers))
	for name := range c.peers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SelectedPeer returns the peer chosen for this session, if any
func (c *Coordinator) SelectedPeer() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected.get()
}

// Search starts advertising the local pairing name and discovering peers in
// the service namespace. Transport failures are logged and reported as
// notices; the state is Searching either way.
func (c *Coordinator) Search(ctx context.Context) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	ctx, done := c.beginOp(ctx)
	defer done()

	c.mu.Lock()
	c.setStateLocked(StatusSearching, "")
	c.mu.Unlock()

	if err := c.transport.StartAdvertising(ctx, c.pairingName, c.serviceID); err != nil {
		logger.Error(c.prefix, "❌ Failed to start advertising: %v", err)
		c.notify(Notice{Op: OpStartAdvertising, Err: err})
	} else {
		logger.Info(c.prefix, "📡 Started advertising")
	}

	if ctx.Err() != nil {
		logger.Debug(c.prefix, "Search interrupted by Close")
		return
	}
	if err := c.transport.StartDiscovery(ctx, c.serviceID); err != nil {
		logger.Error(c.prefix, "❌ Failed to start discovery: %v", err)
		c.notify(Notice{Op: OpStartDiscovery, Err: err})
	} else {
		logger.Info(c.prefix, "🔍 Started discovery")
	}
}

// Connect selects a discovered peer for this session. If the local pairing
// name sorts greater than the peer's, the connection request is sent now;
// otherwise the coordinator waits for the peer's inbound request.
//
// Connecting to the already selected peer again is a no-op. Selecting a
// different peer before Close returns ErrPeerAlreadySelected.
func (c *Coordinator) Connect(ctx context.Context, remoteName string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	ctx, done := c.beginOp(ctx)
	defer done()

	c.mu.Lock()
	handle, ok := c.peers[remoteName]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("connect to %s: %w", remoteName, ErrPeerNotDiscovered)
	}
	if current, chosen := c.selected.get(); chosen {
		c.mu.Unlock()
		if current == remoteName {
			return nil
		}
		return fmt.Errorf("connect to %s (selected %s): %w", remoteName, current, ErrPeerAlreadySelected)
	}

	logger.Info(c.prefix, "🔌 Attempting to connect to %s", remoteName)
	c.setStateLocked(StatusConnecting, remoteName)
	c.selected.set(remoteName)

	initiate := ShouldRequestConnection(c.pairingName, remoteName)
	if initiate {
		c.sessionHandles[handle] = true
	}
	c.mu.Unlock()

	if !initiate {
		logger.Debug(c.prefix, "⏸️  Waiting for %s to request the connection", remoteName)
		return nil
	}

	logger.Info(c.prefix, "📤 Requesting connection to endpoint %s", shortHandle(handle))
	if err := c.transport.RequestConnection(ctx, c.pairingName, handle); err != nil {
		c.metrics.connectionRequests.WithLabelValues("failed").Inc()
		logger.Error(c.prefix, "❌ Failed to request connection to %s: %v", remoteName, err)
		c.notify(Notice{Op: OpRequestConnection, Handle: handle, Err: err})
		return nil
	}
	c.metrics.connectionRequests.WithLabelValues("sent").Inc()
	return nil
}

// SendData sends payload to the selected peer. The endpoint is resolved from
// the registry at send time so a refreshed handle is honoured.
func (c *Coordinator) SendData(payload []byte) error {
	c.mu.Lock()
	name, ok := c.selected.get()
	if !ok {
		c.mu.Unlock()
		return ErrNoPeerSelected
	}
	handle, found := c.peers[name]
	c.mu.Unlock()

	if !found {
		return fmt.Errorf("send to %s: %w", name, ErrPeerNotDiscovered)
	}
	if err := c.transport.SendBytes(handle, payload); err != nil {
		c.transferUpdate(TransferUpdate{
			Handle:     handle,
			Direction:  TransferOutgoing,
			Status:     TransferFailure,
			TotalBytes: len(payload),
			Err:        err,
		})
		return fmt.Errorf("send to %s: %w", name, err)
	}

	c.metrics.payloadBytes.WithLabelValues("sent").Add(float64(len(payload)))
	logger.Debug(c.prefix, "📤 Sent %d bytes to %s", len(payload), name)
	c.transferUpdate(TransferUpdate{
		Handle:           handle,
		Direction:        TransferOutgoing,
		Status:           TransferSuccess,
		BytesTransferred: len(payload),
		TotalBytes:       len(payload),
	})
	return nil
}

// Close tears down the transport and resets the session: the registry and
// replay backlog are cleared, the selection is reset and the state returns to
// Idle. Pending deferred decisions are dropped. Safe to call from any state
// and while Search or Connect is running on another goroutine; it must not be
// called from a transport event handler.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.cancelOp != nil {
		c.cancelOp()
	}
	c.mu.Unlock()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.transport.StopAll()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelSession()
	c.sessionCtx, c.cancelSession = context.WithCancel(context.Background())
	c.selected = newSelection()
	clear(c.peers)
	clear(c.sessionHandles)
	c.discovered.reset()
	c.setStateLocked(StatusIdle, "")
}

// OnEndpointFound registers a discovered peer. New identities are emitted on
// the discovered stream once; known identities only refresh their handle.
func (c *Coordinator) OnEndpointFound(handle, identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if identity == c.pairingName {
		logger.Debug(c.prefix, "Found self at %s", shortHandle(handle))
		return
	}
	if c.state == StatusIdle {
		logger.Debug(c.prefix, "Ignoring %s found outside a session", identity)
		return
	}

	if _, known := c.peers[identity]; !known {
		logger.Info(c.prefix, "📱 Endpoint found: %s (%s)", identity, shortHandle(handle))
		c.discovered.publish(identity)
		c.metrics.peersDiscovered.Inc()
	} else {
		logger.Debug(c.prefix, "Endpoint refreshed: %s (%s)", identity, shortHandle(handle))
	}
	c.peers[identity] = handle
}

// OnEndpointLost is informational; the registry entry is left in place and a
// stale handle surfaces as a transport error on use.
func (c *Coordinator) OnEndpointLost(handle string) {
	logger.Debug(c.prefix, "Endpoint lost: %s", shortHandle(handle))
}

// OnConnectionInitiated applies the acceptance policy to a connection that is
// being negotiated with handle. Without a local selection the decision waits
// until Connect is called or the session is closed.
func (c *Coordinator) OnConnectionInitiated(handle, remoteIdentity string) {
	c.mu.Lock()
	if c.state == StatusIdle {
		c.mu.Unlock()
		logger.Debug(c.prefix, "Ignoring connection from %s outside a session", shortHandle(handle))
		return
	}
	if remoteIdentity == "" {
		remoteIdentity = c.identityForHandleLocked(handle)
	}
	sel := c.selected
	ctx := c.sessionCtx
	c.mu.Unlock()

	logger.Info(c.prefix, "🤝 Connection initiated with %s (%s)", remoteIdentity, shortHandle(handle))

	if selected, ok := sel.get(); ok {
		c.decide(sel, handle, remoteIdentity, selected)
		return
	}

	logger.Debug(c.prefix, "⏳ No peer selected yet, deferring decision for %s", remoteIdentity)
	go func() {
		selected, err := sel.wait(ctx)
		if err != nil {
			logger.Debug(c.prefix, "Session closed before a peer was selected, dropping %s", remoteIdentity)
			return
		}
		c.decide(sel, handle, remoteIdentity, selected)
	}()
}

// OnConnectionResult moves the session to Connected or Rejected when the result
// belongs to the selected peer. Other results are reported as notices.
func (c *Coordinator) OnConnectionResult(handle string, resolution Resolution) {
	c.mu.Lock()
	if c.state == StatusIdle || !c.sessionHandles[handle] {
		c.mu.Unlock()
		logger.Info(c.prefix, "Connection result for %s outside the session: %s", shortHandle(handle), resolution)
		c.notify(Notice{Op: OpConnectionResult, Handle: handle, Resolution: resolution})
		return
	}

	peer, _ := c.selected.get()
	switch resolution.Status {
	case ResultSuccess:
		c.setStateLocked(StatusConnected, peer)
		c.mu.Unlock()
		logger.Info(c.prefix, "✅ Connected to %s", peer)
	case ResultRejected:
		c.setStateLocked(StatusRejected, peer)
		c.mu.Unlock()
		logger.Warn(c.prefix, "🚫 Connection to %s rejected", peer)
	default:
		c.mu.Unlock()
		logger.Info(c.prefix, "Connection result: %s", resolution)
		c.notify(Notice{Op: OpConnectionResult, Handle: handle, Resolution: resolution})
	}
}

// OnDisconnected ends the session with Disconnected when the selected peer's
// link drops
func (c *Coordinator) OnDisconnected(handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StatusIdle || !c.sessionHandles[handle] {
		logger.Debug(c.prefix, "Ignoring disconnect from %s", shortHandle(handle))
		return
	}
	peer, _ := c.selected.get()
	c.setStateLocked(StatusDisconnected, peer)
	logger.Info(c.prefix, "📡 Disconnected from %s", peer)
}

// OnPayloadReceived hands the payload to Options.OnReceive
func (c *Coordinator) OnPayloadReceived(handle string, payload []byte) {
	c.metrics.payloadBytes.WithLabelValues("received").Add(float64(len(payload)))
	logger.Debug(c.prefix, "📥 Received %d bytes from %s", len(payload), shortHandle(handle))
	if c.onReceive != nil {
		c.onReceive(handle, payload)
	}
	c.transferUpdate(TransferUpdate{
		Handle:           handle,
		Direction:        TransferIncoming,
		Status:           TransferSuccess,
		BytesTransferred: len(payload),
		TotalBytes:       len(payload),
	})
}

// decide accepts the negotiation iff the initiator is the selected peer. sel
// is the selection cell of the session the initiation arrived in; if Close has
// replaced it since, the decision is dropped.
func (c *Coordinator) decide(sel *selection, handle, remoteIdentity, selected string) {
	accept := remoteIdentity == selected

	c.mu.Lock()
	if c.selected != sel || c.state == StatusIdle {
		c.mu.Unlock()
		logger.Debug(c.prefix, "Session closed, dropping decision for %s", remoteIdentity)
		return
	}
	if accept {
		c.sessionHandles[handle] = true
	}
	c.mu.Unlock()

	if accept {
		c.metrics.inboundDecisions.WithLabelValues("accepted").Inc()
		logger.Info(c.prefix, "✅ Accepting connection from %s", remoteIdentity)
		if err := c.transport.AcceptConnection(handle); err != nil {
			logger.Warn(c.prefix, "❌ Failed to accept connection from %s: %v", remoteIdentity, err)
			c.notify(Notice{Op: OpAcceptConnection, Handle: handle, Err: err})
		}
		return
	}

	c.metrics.inboundDecisions.WithLabelValues("rejected").Inc()
	logger.Info(c.prefix, "🚫 Rejecting connection from %s (selected %s)", remoteIdentity, selected)
	if err := c.transport.RejectConnection(handle); err != nil {
		logger.Warn(c.prefix, "❌ Failed to reject connection from %s: %v", remoteIdentity, err)
		c.notify(Notice{Op: OpRejectConnection, Handle: handle, Err: err})
	}
}

// beginOp derives the context for a Search or Connect and registers its
// cancel with Close. Caller holds c.opMu.
func (c *Coordinator) beginOp(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancelOp = cancel
	c.mu.Unlock()
	return ctx, func() {
		c.mu.Lock()
		c.cancelOp = nil
		c.mu.Unlock()
		cancel()
	}
}

func (c *Coordinator) identityForHandleLocked(handle string) string {
	for name, h := range c.peers {
		if h == handle {
			return name
		}
	}
	return ""
}

// setStateLocked publishes a transition. Caller holds c.mu.
func (c *Coordinator) setStateLocked(next ConnectionStatus, peer string) {
	if c.state == next {
		return
	}
	prev := c.state
	c.state = next
	c.status.set(next)
	c.metrics.stateTransitions.WithLabelValues(next.String()).Inc()

	if event, err := structpb.NewStruct(map[string]interface{}{
		"from": prev.String(),
		"to":   next.String(),
		"peer": peer,
	}); err == nil {
		logger.DebugJSON(c.prefix, "State transition", event)
	}
}

func (c *Coordinator) notify(n Notice) {
	if c.onNotice != nil {
		c.onNotice(n)
	}
}

func (c *Coordinator) transferUpdate(u TransferUpdate) {
	if c.onTransferUpdate != nil {
		c.onTransferUpdate(u)
	}
}

// shortHandle safely returns up to the first 8 characters of a handle
func shortHandle(h string) string {
	if len(h) <= 8 {
		return h
	}
	return h[:8]
}
