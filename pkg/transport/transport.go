package transport

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mchat-network/mchat-node/pkg/crypto"
	"github.com/mchat-network/mchat-node/pkg/protocol"
)

var (
	ErrNotRunning       = errors.New("transport is not running")
	ErrNotConnected     = errors.New("not connected to peer")
	ErrAlreadyConnected = errors.New("already connected to peer")
	ErrTooManyPeers     = errors.New("concurrent connection limit reached")
	ErrPeerUnknown      = errors.New("no known endpoint for peer")
	ErrPunchFailed      = errors.New("hole punch failed")
)

// State is the transport lifecycle state
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateDiscovering
	StateBootstrapping
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateDiscovering:
		return "DISCOVERING"
	case StateBootstrapping:
		return "BOOTSTRAPPING"
	case StateRunning:
		return "RUNNING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Message is one decoded inbound frame handed to the listener
type Message struct {
	Frame *protocol.Frame
	From  *net.UDPAddr
}

// Config carries the transport's tunables. Zero values take the
// defaults below; tests shrink the timers.
type Config struct {
	ListenAddr    string
	WalletAddress string
	STUNServers   []string
	Bootstrap     BootstrapSource

	// DisableDiscovery skips the STUN phase entirely (private
	// networks, tests). Best-effort discovery failure is tolerated
	// either way; this just avoids the query.
	DisableDiscovery bool

	MaxConnections    int
	AckTimeout        time.Duration
	RetryInterval     time.Duration
	MaxRetries        int
	KeepaliveInterval time.Duration
	IdleTimeout       time.Duration
	ReadTimeout       time.Duration
	PunchTimeout      time.Duration
	PunchAttempts     int
}

func (c *Config) withDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":0"
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 20
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.PunchTimeout == 0 {
		c.PunchTimeout = 2 * time.Second
	}
	if c.PunchAttempts == 0 {
		c.PunchAttempts = 3
	}
}

// Transport is the UDP peer-to-peer transport. It runs three worker
// loops for its lifetime: the receive loop (socket reads + dispatch),
// the maintenance loop (keepalives, idle reaping) and the retry loop
// (pending-ack resends).
type Transport struct {
	cfg    Config
	nodeID protocol.NodeID
	codec  *protocol.Codec
	book   *PeerBook
	stun   *STUNClient

	conn           *net.UDPConn
	publicEndpoint *net.UDPAddr
	state          atomic.Int32

	mu    sync.RWMutex
	conns map[protocol.NodeID]*PeerConnection

	ackMu       sync.Mutex
	pendingAcks map[uint32]*pendingAck

	punchMu      sync.Mutex
	punchWaiters map[protocol.NodeID]chan struct{}

	onMessage    func(Message)
	onSendFailed func(seq uint32, dest protocol.NodeID)

	done chan struct{}
	wg   sync.WaitGroup
}

// NewTransport creates a transport for the given wallet identity
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.WalletAddress == "" {
		return nil, errors.New("wallet address is required")
	}
	cfg.withDefaults()

	book, err := NewPeerBook()
	if err != nil {
		return nil, err
	}

	return &Transport{
		cfg:          cfg,
		nodeID:       crypto.DeriveNodeID(cfg.WalletAddress),
		codec:        protocol.NewCodec(),
		book:         book,
		stun:         NewSTUNClient(cfg.STUNServers),
		conns:        make(map[protocol.NodeID]*PeerConnection),
		pendingAcks:  make(map[uint32]*pendingAck),
		punchWaiters: make(map[protocol.NodeID]chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

// NodeID returns this node's 32-byte wire identity
func (t *Transport) NodeID() protocol.NodeID {
	return t.nodeID
}

// State returns the transport lifecycle state
func (t *Transport) State() State {
	return State(t.state.Load())
}

// LocalAddr returns the bound UDP address, nil before Start
func (t *Transport) LocalAddr() *net.UDPAddr {
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// PublicEndpoint returns the STUN-discovered endpoint, nil when
// discovery did not succeed
func (t *Transport) PublicEndpoint() *net.UDPAddr {
	return t.publicEndpoint
}

// PeerBook returns the endpoint cache, so the caller can seed it
func (t *Transport) PeerBook() *PeerBook {
	return t.book
}

// SetMessageHandler registers the listener for inbound chat, receipt
// and typing frames
func (t *Transport) SetMessageHandler(fn func(Message)) {
	t.onMessage = fn
}

// SetSendFailedHandler registers the callback invoked when a reliable
// send exhausts its retry budget
func (t *Transport) SetSendFailedHandler(fn func(seq uint32, dest protocol.NodeID)) {
	t.onSendFailed = fn
}

// Start brings the transport up: bind the socket, discover the public
// endpoint (best-effort), merge bootstrap peers, then start the worker
// loops. Endpoint discovery failure does not abort startup; only a
// socket bind failure does.
func (t *Transport) Start() error {
	if !t.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrNotRunning
	}

	listenAddr, err := net.ResolveUDPAddr("udp", t.cfg.ListenAddr)
	if err != nil {
		t.state.Store(int32(StateError))
		return fmt.Errorf("bad listen address: %w", err)
	}

	conn, err := net.ListenUDP("udp", listenAddr)
	if err != nil {
		t.state.Store(int32(StateError))
		return fmt.Errorf("failed to bind UDP socket: %w", err)
	}
	t.conn = conn
	log.Printf("✓ Transport socket bound on %s", conn.LocalAddr())

	t.state.Store(int32(StateDiscovering))
	if !t.cfg.DisableDiscovery {
		if ep, err := t.stun.ExternalAddr(); err != nil {
			log.Printf("⚠️  Public endpoint discovery failed: %v (continuing without)", err)
		} else {
			t.publicEndpoint = ep
			log.Printf("✓ Public endpoint discovered: %s", ep)
		}
	}

	t.state.Store(int32(StateBootstrapping))
	if t.cfg.Bootstrap != nil {
		peers, err := t.cfg.Bootstrap.Peers()
		if err != nil {
			log.Printf("⚠️  Bootstrap registry unavailable: %v", err)
		} else {
			added := t.book.Merge(peers)
			log.Printf("✓ Bootstrap merged %d/%d peer endpoints", added, len(peers))
		}
	}

	t.state.Store(int32(StateRunning))

	t.wg.Add(3)
	go t.receiveLoop()
	go t.maintenanceLoop()
	go t.retryLoop()

	log.Printf("🚀 Transport running as %x", t.nodeID[:8])
	return nil
}

// Stop tears the transport down. In-flight sends are best-effort and
// may be lost.
func (t *Transport) Stop() {
	if t.State() == StateStopped {
		return
	}

	// Best-effort goodbyes so peers can reap us immediately
	t.mu.RLock()
	for _, pc := range t.conns {
		pc.setState(ConnDisconnecting)
		if raw, err := t.codec.Encode(protocol.MsgTypeDisconnect, nil, t.nodeID, pc.NodeID, 0, protocol.DefaultTTL, nil); err == nil {
			t.conn.WriteToUDP(raw, pc.Addr)
		}
	}
	t.mu.RUnlock()

	t.state.Store(int32(StateStopped))
	close(t.done)
	if t.conn != nil {
		t.conn.Close()
	}
	t.wg.Wait()

	t.mu.Lock()
	t.conns = make(map[protocol.NodeID]*PeerConnection)
	t.mu.Unlock()

	log.Println("✓ Transport stopped")
}

// IsConnectedTo reports whether a CONNECTED peer connection exists
func (t *Transport) IsConnectedTo(id protocol.NodeID) bool {
	t.mu.RLock()
	pc, ok := t.conns[id]
	t.mu.RUnlock()
	return ok && pc.State() == ConnConnected
}

// Connections returns a snapshot of active peer connections
func (t *Transport) Connections() []*PeerConnection {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*PeerConnection, 0, len(t.conns))
	for _, pc := range t.conns {
		out = append(out, pc)
	}
	return out
}

// ConnectToPeer hole-punches to the peer's last-known endpoint and
// performs the handshake. No-op when already connected; fails when the
// connection cap is reached or no endpoint is known. A punch failure is
// returned to the caller, which should fall back to a relay path.
func (t *Transport) ConnectToPeer(id protocol.NodeID) error {
	addr, ok := t.book.Lookup(id)
	if !ok {
		return ErrPeerUnknown
	}
	return t.ConnectToPeerAt(id, addr)
}

// ConnectToPeerAt is ConnectToPeer with an explicit endpoint
func (t *Transport) ConnectToPeerAt(id protocol.NodeID, addr *net.UDPAddr) error {
	if t.State() != StateRunning {
		return ErrNotRunning
	}

	t.mu.Lock()
	if pc, ok := t.conns[id]; ok && pc.State() == ConnConnected {
		t.mu.Unlock()
		return nil
	}
	if len(t.conns) >= t.cfg.MaxConnections {
		t.mu.Unlock()
		return ErrTooManyPeers
	}
	pc := newPeerConnection("", id, addr)
	t.conns[id] = pc
	t.mu.Unlock()

	if err := t.holePunch(id, addr); err != nil {
		t.removeConnection(id)
		return err
	}

	// Punch succeeded: announce ourselves with our discovered endpoint
	// so the peer can share it onward
	if err := t.sendHandshake(id, addr, protocol.MsgTypeHandshake); err != nil {
		t.removeConnection(id)
		return err
	}

	pc.setState(ConnConnected)
	t.book.Put(id, addr)
	log.Printf("✅ Connected to peer %x at %s", id[:8], addr)
	return nil
}

// Disconnect tears down the connection to one peer
func (t *Transport) Disconnect(id protocol.NodeID) {
	t.mu.RLock()
	pc, ok := t.conns[id]
	t.mu.RUnlock()
	if !ok {
		return
	}

	pc.setState(ConnDisconnecting)
	if raw, err := t.codec.Encode(protocol.MsgTypeDisconnect, nil, t.nodeID, id, 0, protocol.DefaultTTL, nil); err == nil {
		t.conn.WriteToUDP(raw, pc.Addr)
	}
	t.removeConnection(id)
}

// SendMessage encodes and transmits one payload to a connected peer.
// With requireAck set, the frame is tracked and resent until it is
// acknowledged or the retry budget is exhausted.
func (t *Transport) SendMessage(id protocol.NodeID, msgType uint8, payload []byte, requireAck bool) error {
	if t.State() != StateRunning {
		return ErrNotRunning
	}

	t.mu.RLock()
	pc, ok := t.conns[id]
	t.mu.RUnlock()
	if !ok || pc.State() != ConnConnected {
		return ErrNotConnected
	}

	var flags uint16
	if requireAck {
		flags |= protocol.FlagRequireAck
	}

	raw, err := t.codec.Encode(msgType, payload, t.nodeID, id, flags, protocol.DefaultTTL, nil)
	if err != nil {
		return err
	}

	if requireAck {
		seq := protocol.FrameSequence(raw)
		t.ackMu.Lock()
		t.pendingAcks[seq] = &pendingAck{
			Sequence: seq,
			Raw:      raw,
			DestID:   id,
			Addr:     pc.Addr,
			SentAt:   time.Now(),
		}
		t.ackMu.Unlock()
	}

	if _, err := t.conn.WriteToUDP(raw, pc.Addr); err != nil {
		// Socket errors are tolerated; the retry loop still owns the
		// frame when an ack was requested
		log.Printf("⚠️  Send to %x failed: %v", id[:8], err)
		if !requireAck {
			return err
		}
	}

	pc.markSent()
	return nil
}

// PendingAckCount returns how many reliable sends await acknowledgment
func (t *Transport) PendingAckCount() int {
	t.ackMu.Lock()
	defer t.ackMu.Unlock()
	return len(t.pendingAcks)
}

func (t *Transport) removeConnection(id protocol.NodeID) {
	t.mu.Lock()
	if pc, ok := t.conns[id]; ok {
		pc.setState(ConnDisconnected)
		delete(t.conns, id)
	}
	t.mu.Unlock()
}

// holePunch fires NAT punch frames at the peer's endpoint until either
// side's punch (or its ack) arrives, opening the NAT bindings in both
// directions.
func (t *Transport) holePunch(id protocol.NodeID, addr *net.UDPAddr) error {
	waiter := make(chan struct{}, 1)
	t.punchMu.Lock()
	t.punchWaiters[id] = waiter
	t.punchMu.Unlock()

	defer func() {
		t.punchMu.Lock()
		delete(t.punchWaiters, id)
		t.punchMu.Unlock()
	}()

	interval := t.cfg.PunchTimeout / time.Duration(t.cfg.PunchAttempts)
	deadline := time.After(t.cfg.PunchTimeout)

	for attempt := 0; attempt < t.cfg.PunchAttempts; attempt++ {
		raw, err := t.codec.Encode(protocol.MsgTypeNatPunch, nil, t.nodeID, id, 0, protocol.DefaultTTL, nil)
		if err != nil {
			return err
		}
		if _, err := t.conn.WriteToUDP(raw, addr); err != nil {
			log.Printf("⚠️  Punch write to %s failed: %v", addr, err)
		}

		select {
		case <-waiter:
			return nil
		case <-deadline:
			return ErrPunchFailed
		case <-t.done:
			return ErrNotRunning
		case <-time.After(interval):
		}
	}

	select {
	case <-waiter:
		return nil
	case <-deadline:
		return ErrPunchFailed
	case <-t.done:
		return ErrNotRunning
	}
}

func (t *Transport) signalPunch(id protocol.NodeID) {
	t.punchMu.Lock()
	waiter, ok := t.punchWaiters[id]
	t.punchMu.Unlock()
	if ok {
		select {
		case waiter <- struct{}{}:
		default:
		}
	}
}

// sendHandshake carries this node's discovered public endpoint (empty
// when discovery failed)
func (t *Transport) sendHandshake(id protocol.NodeID, addr *net.UDPAddr, msgType uint8) error {
	var payload []byte
	if t.publicEndpoint != nil {
		payload = []byte(t.publicEndpoint.String())
	}

	raw, err := t.codec.Encode(msgType, payload, t.nodeID, id, 0, protocol.DefaultTTL, nil)
	if err != nil {
		return err
	}

	_, err = t.conn.WriteToUDP(raw, addr)
	return err
}

// maintenanceLoop pings open connections and reaps idle ones
func (t *Transport) maintenanceLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		t.mu.RLock()
		snapshot := make([]*PeerConnection, 0, len(t.conns))
		for _, pc := range t.conns {
			snapshot = append(snapshot, pc)
		}
		t.mu.RUnlock()

		for _, pc := range snapshot {
			if time.Since(pc.LastActivity()) > t.cfg.IdleTimeout {
				log.Printf("🧹 Reaping idle connection to %x", pc.NodeID[:8])
				t.removeConnection(pc.NodeID)
				continue
			}

			if raw, err := t.codec.Encode(protocol.MsgTypePing, nil, t.nodeID, pc.NodeID, 0, protocol.DefaultTTL, nil); err == nil {
				t.conn.WriteToUDP(raw, pc.Addr)
			}
		}
	}
}

// retryLoop resends unacknowledged frames, dropping them after the
// retry budget and reporting the failure to the orchestrator
func (t *Transport) retryLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		now := time.Now()

		var resend, failed []*pendingAck

		t.ackMu.Lock()
		for seq, pa := range t.pendingAcks {
			if now.Sub(pa.SentAt) < t.cfg.AckTimeout {
				continue
			}
			if pa.Retries >= t.cfg.MaxRetries {
				delete(t.pendingAcks, seq)
				failed = append(failed, pa)
			} else {
				pa.Retries++
				pa.SentAt = now
				resend = append(resend, pa)
			}
		}
		t.ackMu.Unlock()

		for _, pa := range failed {
			log.Printf("❌ Send seq=%d to %x abandoned after %d retries", pa.Sequence, pa.DestID[:8], pa.Retries)
			if t.onSendFailed != nil {
				t.onSendFailed(pa.Sequence, pa.DestID)
			}
		}

		for _, pa := range resend {
			log.Printf("🔄 Retrying seq=%d to %x (attempt %d/%d)", pa.Sequence, pa.DestID[:8], pa.Retries, t.cfg.MaxRetries)
			if _, err := t.conn.WriteToUDP(pa.Raw, pa.Addr); err != nil {
				log.Printf("⚠️  Retry write failed: %v", err)
			}
		}
	}
}
