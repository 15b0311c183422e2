package transport

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/mchat-network/mchat-node/pkg/protocol"
)

// ConnState is the lifecycle state of a peer connection
type ConnState int32

const (
	ConnConnecting ConnState = iota
	ConnConnected
	ConnDisconnecting
	ConnDisconnected
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "CONNECTING"
	case ConnConnected:
		return "CONNECTED"
	case ConnDisconnecting:
		return "DISCONNECTING"
	case ConnDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// PeerConnection tracks one active peer. At most one exists per node id;
// it is destroyed on explicit disconnect or after the idle cutoff.
type PeerConnection struct {
	WalletAddress string
	NodeID        protocol.NodeID
	Addr          *net.UDPAddr

	state        atomic.Int32
	sent         atomic.Uint64
	received     atomic.Uint64
	connectedAt  time.Time
	lastActivity atomic.Int64 // unix nanos
}

func newPeerConnection(wallet string, id protocol.NodeID, addr *net.UDPAddr) *PeerConnection {
	pc := &PeerConnection{
		WalletAddress: wallet,
		NodeID:        id,
		Addr:          addr,
		connectedAt:   time.Now(),
	}
	pc.state.Store(int32(ConnConnecting))
	pc.touch()
	return pc
}

// State returns the current connection state
func (pc *PeerConnection) State() ConnState {
	return ConnState(pc.state.Load())
}

func (pc *PeerConnection) setState(s ConnState) {
	pc.state.Store(int32(s))
}

// ConnectedAt returns when the connection was created
func (pc *PeerConnection) ConnectedAt() time.Time {
	return pc.connectedAt
}

// LastActivity returns the time of the last frame in either direction
func (pc *PeerConnection) LastActivity() time.Time {
	return time.Unix(0, pc.lastActivity.Load())
}

// Counters returns the sent/received frame counts
func (pc *PeerConnection) Counters() (sent, received uint64) {
	return pc.sent.Load(), pc.received.Load()
}

func (pc *PeerConnection) touch() {
	pc.lastActivity.Store(time.Now().UnixNano())
}

func (pc *PeerConnection) markSent() {
	pc.sent.Add(1)
	pc.touch()
}

func (pc *PeerConnection) markReceived() {
	pc.received.Add(1)
	pc.touch()
}

// pendingAck is one un-acknowledged reliable send. Entries are inserted
// whole by the send path and removed whole by the receive loop (on ack)
// or the retry loop (on exhaustion); no field is mutated in place except
// by the retry loop, which owns entries between insert and remove.
type pendingAck struct {
	Sequence uint32
	Raw      []byte
	DestID   protocol.NodeID
	Addr     *net.UDPAddr
	SentAt   time.Time
	Retries  int
}
