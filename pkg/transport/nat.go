package transport

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pion/stun"
)

var (
	ErrNoSTUNServers = errors.New("no STUN servers configured")
	ErrSTUNTimeout   = errors.New("all STUN servers failed")
)

// DefaultSTUNServers are queried when the operator does not supply any
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// STUNClient discovers this node's externally visible UDP endpoint.
// Results are cached; NAT bindings rarely move within a few minutes and
// the discovery phase must not hammer public servers.
type STUNClient struct {
	servers []string
	timeout time.Duration

	mu            sync.RWMutex
	cachedAddr    *net.UDPAddr
	cachedTime    time.Time
	cacheDuration time.Duration

	// test hook, bypasses the network when set
	queryFunc func(server string) (*net.UDPAddr, error)
}

// NewSTUNClient creates a STUN client over the given servers
func NewSTUNClient(servers []string) *STUNClient {
	if len(servers) == 0 {
		servers = DefaultSTUNServers
	}
	return &STUNClient{
		servers:       servers,
		timeout:       5 * time.Second,
		cacheDuration: 5 * time.Minute,
	}
}

// ExternalAddr returns the node's public endpoint as seen by a STUN
// server, trying each configured server in order
func (s *STUNClient) ExternalAddr() (*net.UDPAddr, error) {
	s.mu.RLock()
	if s.cachedAddr != nil && time.Since(s.cachedTime) < s.cacheDuration {
		addr := s.cachedAddr
		s.mu.RUnlock()
		return addr, nil
	}
	s.mu.RUnlock()

	if len(s.servers) == 0 {
		return nil, ErrNoSTUNServers
	}

	query := s.queryFunc
	if query == nil {
		query = s.queryServer
	}

	for _, server := range s.servers {
		addr, err := query(server)
		if err != nil {
			log.Printf("⚠️  STUN query to %s failed: %v", server, err)
			continue
		}

		s.mu.Lock()
		s.cachedAddr = addr
		s.cachedTime = time.Now()
		s.mu.Unlock()

		return addr, nil
	}

	return nil, ErrSTUNTimeout
}

func (s *STUNClient) queryServer(server string) (*net.UDPAddr, error) {
	client, err := stun.Dial("udp4", server)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	var mapped *net.UDPAddr
	var queryErr error

	request := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	err = client.Do(request, func(res stun.Event) {
		if res.Error != nil {
			queryErr = res.Error
			return
		}

		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res.Message); err != nil {
			queryErr = err
			return
		}

		mapped = &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}
	})
	if err != nil {
		return nil, err
	}
	if queryErr != nil {
		return nil, queryErr
	}
	if mapped == nil {
		return nil, fmt.Errorf("no XOR-MAPPED-ADDRESS from %s", server)
	}

	return mapped, nil
}
