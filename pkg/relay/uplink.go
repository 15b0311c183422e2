package relay

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mchat-network/mchat-node/pkg/hub"
)

// UplinkConfig holds the relay's hub-side identity and timing
type UplinkConfig struct {
	Endpoint      string // hub websocket endpoint
	NodeID        string
	WalletAddress string // operator wallet, for reward accounting
	Port          int    // advertised relay port
	Platform      string

	HeartbeatInterval time.Duration // default 30s
	ReconnectDelay    time.Duration // fixed, default 5s
}

func (c *UplinkConfig) withDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = hub.DefaultEndpoint
	}
	if c.Platform == "" {
		c.Platform = "go-relay"
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
}

// TunnelInfo is what the hub grants an authenticated relay node
type TunnelInfo struct {
	TunnelID      string
	Endpoint      string
	HubFeePercent float64
}

// Uplink is the relay node's persistent session to the hub. Unlike the
// client-side hub session it never gives up: a relay node without its
// uplink is invisible to the rest of the network, so it redials on a
// fixed delay for as long as it runs.
type Uplink struct {
	cfg UplinkConfig

	running       atomic.Bool
	authenticated atomic.Bool

	mu      sync.Mutex
	conn    *websocket.Conn
	tunnel  TunnelInfo
	writeMu sync.Mutex

	startTime time.Time

	// OnCrossNodeMessage receives messages the hub routed to this node.
	// It reports whether the recipient took delivery live, so the
	// origin node can be receipted.
	OnCrossNodeMessage func(*hub.IncomingMessage) bool

	// Stat sources for heartbeats
	ConnectedUsers  func() int
	MessagesRelayed func() int64
}

// NewUplink creates a stopped uplink
func NewUplink(cfg UplinkConfig) *Uplink {
	cfg.withDefaults()
	return &Uplink{cfg: cfg, startTime: time.Now()}
}

// Authenticated reports whether the hub has granted a tunnel
func (u *Uplink) Authenticated() bool {
	return u.authenticated.Load()
}

// Tunnel returns the hub's current tunnel grant
func (u *Uplink) Tunnel() TunnelInfo {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.tunnel
}

// Start runs the uplink until Stop
func (u *Uplink) Start() {
	if !u.running.CompareAndSwap(false, true) {
		return
	}
	go u.run()
}

// Stop ends the uplink and its reconnects
func (u *Uplink) Stop() {
	u.running.Store(false)
	u.authenticated.Store(false)

	u.mu.Lock()
	conn := u.conn
	u.conn = nil
	u.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (u *Uplink) run() {
	for u.running.Load() {
		conn, _, err := websocket.DefaultDialer.Dial(u.cfg.Endpoint, nil)
		if err != nil {
			log.Printf("⚠️  Hub uplink dial failed: %v (retry in %v)", err, u.cfg.ReconnectDelay)
			time.Sleep(u.cfg.ReconnectDelay)
			continue
		}

		u.mu.Lock()
		u.conn = conn
		u.mu.Unlock()

		log.Printf("🔗 Hub uplink open to %s", u.cfg.Endpoint)

		u.send(&hub.Envelope{
			Type:          hub.TypeNodeAuth,
			NodeID:        u.cfg.NodeID,
			WalletAddress: u.cfg.WalletAddress,
			Port:          u.cfg.Port,
			Platform:      u.cfg.Platform,
		})

		stopHeartbeat := make(chan struct{})
		go u.heartbeatLoop(stopHeartbeat)

		u.readLoop(conn)

		close(stopHeartbeat)
		u.authenticated.Store(false)

		if u.running.Load() {
			log.Printf("🔄 Hub uplink lost, redialing in %v", u.cfg.ReconnectDelay)
			time.Sleep(u.cfg.ReconnectDelay)
		}
	}
}

func (u *Uplink) readLoop(conn *websocket.Conn) {
	for {
		var env hub.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Type {
		case hub.TypeTunnelEstablish:
			u.mu.Lock()
			u.tunnel = TunnelInfo{
				TunnelID:      env.TunnelID,
				Endpoint:      env.Endpoint,
				HubFeePercent: env.HubFeePercent,
			}
			u.mu.Unlock()
			u.authenticated.Store(true)
			log.Printf("✅ Hub tunnel established: %s via %s (fee %.1f%%)",
				env.TunnelID, env.Endpoint, env.HubFeePercent)

		case hub.TypeNodeAuthFailed:
			log.Printf("❌ Hub refused node auth: %s", env.Error)
			conn.Close()
			return

		case hub.TypeCrossNodeMessage:
			msg, err := hub.NormalizeCrossNode(&env)
			if err != nil {
				log.Printf("⚠️  Unparseable cross-node message dropped: %v", err)
				continue
			}
			delivered := false
			if u.OnCrossNodeMessage != nil {
				delivered = u.OnCrossNodeMessage(msg)
			}
			if delivered {
				u.send(&hub.Envelope{Type: hub.TypeDelivered, MessageID: msg.MessageID, NodeID: msg.SourceNode})
			}

		default:
			// Tolerated: the hub may be newer
		}
	}
}

func (u *Uplink) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(u.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if !u.authenticated.Load() {
			continue
		}

		hb := &hub.Envelope{
			Type:          hub.TypeHeartbeat,
			NodeID:        u.cfg.NodeID,
			UptimeSeconds: int64(time.Since(u.startTime).Seconds()),
		}
		if u.ConnectedUsers != nil {
			hb.ConnectedUsers = u.ConnectedUsers()
		}
		if u.MessagesRelayed != nil {
			hb.MessagesRelayed = u.MessagesRelayed()
		}
		u.send(hb)
	}
}

// Forward pushes a client message up to the hub for cross-node routing.
// Best effort: without an authenticated tunnel the message is simply
// not forwarded, the local offline queue already holds it.
func (u *Uplink) Forward(env *Envelope) {
	if !u.authenticated.Load() {
		return
	}

	u.send(&hub.Envelope{
		Type:            hub.TypeRelay,
		From:            env.From,
		To:              env.To,
		PayloadData:     env.Payload,
		Encrypted:       env.Encrypted,
		MessageID:       env.MessageID,
		Signature:       env.Signature,
		SenderPublicKey: env.SenderPublicKey,
		NodeID:          u.cfg.NodeID,
	})
}

func (u *Uplink) send(env *hub.Envelope) {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return
	}

	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	if err := conn.WriteJSON(env); err != nil {
		log.Printf("⚠️  Hub uplink write failed: %v", err)
	}
}
