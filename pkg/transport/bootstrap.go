package transport

import (
	"fmt"
	"net"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/mchat-network/mchat-node/pkg/crypto"
	"github.com/mchat-network/mchat-node/pkg/protocol"
)

// BootstrapPeer is one entry from the external peer registry: a wallet
// address and a `/ip4/../udp/..` multiaddr for its last-known endpoint.
type BootstrapPeer struct {
	WalletAddress string
	Multiaddr     string
}

// BootstrapSource supplies peer lists. The registry/DHT behind it is an
// external collaborator; the transport only consumes its output.
type BootstrapSource interface {
	Peers() ([]BootstrapPeer, error)
}

// ParseEndpoint converts a bootstrap multiaddr into a UDP address
func ParseEndpoint(addr string) (*net.UDPAddr, error) {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("bad multiaddr %q: %w", addr, err)
	}

	ip, err := m.ValueForProtocol(ma.P_IP4)
	if err != nil {
		if ip, err = m.ValueForProtocol(ma.P_IP6); err != nil {
			return nil, fmt.Errorf("multiaddr %q has no ip component", addr)
		}
	}

	portStr, err := m.ValueForProtocol(ma.P_UDP)
	if err != nil {
		return nil, fmt.Errorf("multiaddr %q has no udp component", addr)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("multiaddr %q has bad port: %w", addr, err)
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("multiaddr %q has bad ip", addr)
	}

	return &net.UDPAddr{IP: parsed, Port: port}, nil
}

// peerBookSize bounds the endpoint cache; old entries fall out in LRU
// order rather than growing without limit.
const peerBookSize = 1024

// PeerBook is the local cache of last-known peer endpoints. It is
// seeded from the bootstrap source during startup and refreshed on
// every successful handshake.
type PeerBook struct {
	cache *lru.Cache[protocol.NodeID, *net.UDPAddr]
}

// NewPeerBook creates an empty peer book
func NewPeerBook() (*PeerBook, error) {
	cache, err := lru.New[protocol.NodeID, *net.UDPAddr](peerBookSize)
	if err != nil {
		return nil, err
	}
	return &PeerBook{cache: cache}, nil
}

// Merge loads bootstrap entries into the book, skipping entries whose
// endpoints do not parse. Returns how many were added.
func (pb *PeerBook) Merge(peers []BootstrapPeer) int {
	added := 0
	for _, p := range peers {
		addr, err := ParseEndpoint(p.Multiaddr)
		if err != nil {
			continue
		}
		pb.cache.Add(crypto.DeriveNodeID(p.WalletAddress), addr)
		added++
	}
	return added
}

// Put records the last-known endpoint for a peer
func (pb *PeerBook) Put(id protocol.NodeID, addr *net.UDPAddr) {
	pb.cache.Add(id, addr)
}

// Lookup returns the last-known endpoint for a peer
func (pb *PeerBook) Lookup(id protocol.NodeID) (*net.UDPAddr, bool) {
	return pb.cache.Get(id)
}

// Len returns the number of cached endpoints
func (pb *PeerBook) Len() int {
	return pb.cache.Len()
}
