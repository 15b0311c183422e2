package hub

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultEndpoint is the fallback hub when discovery is unavailable
const DefaultEndpoint = "wss://hub.mchat.network/ws"

var (
	ErrNotAuthenticated = errors.New("hub session is not authenticated")
	ErrSessionError     = errors.New("hub session in ERROR state, reconnect exhausted")
)

// State is the hub session lifecycle state
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ReconnectDelay computes the capped backoff for a reconnect attempt:
// base × min(attempt, 3). Bounded so a flapping hub cannot push delays
// without limit, capped in count by MaxReconnectAttempts.
func ReconnectDelay(attempt int, base time.Duration) time.Duration {
	if attempt > 3 {
		attempt = 3
	}
	return base * time.Duration(attempt)
}

// Config carries the hub client's knobs
type Config struct {
	// Endpoint overrides discovery with a fixed hub address
	Endpoint string
	// DiscoveryURL serves the hub's published endpoint list as JSON
	DiscoveryURL string

	BaseReconnectDelay   time.Duration // default 2s
	MaxReconnectAttempts int           // default 10
	HTTPClient           *http.Client
}

func (c *Config) withDefaults() {
	if c.BaseReconnectDelay == 0 {
		c.BaseReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
}

// Client holds the process's one live hub session. All state
// transitions are driven from the session's read loop and the
// reconnect timer, serially; callers only enqueue writes.
type Client struct {
	cfg Config

	state   atomic.Int32
	closing atomic.Bool

	mu       sync.Mutex // guards conn, endpoint, attempts
	conn     *websocket.Conn
	endpoint string
	attempts int

	writeMu sync.Mutex

	wallet      string
	displayName string
	publicKey   string

	onMessage     func(*IncomingMessage)
	onEvent       func(*Envelope)
	onStateChange func(State)
}

// NewClient creates a disconnected hub client
func NewClient(cfg Config) *Client {
	cfg.withDefaults()
	return &Client{cfg: cfg}
}

// State returns the session state
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	if c.onStateChange != nil {
		c.onStateChange(s)
	}
}

// SetMessageHandler registers the listener for normalized incoming
// messages (direct, offline batch and cross-node alike)
func (c *Client) SetMessageHandler(fn func(*IncomingMessage)) {
	c.onMessage = fn
}

// SetEventHandler registers the listener for protocol events that are
// not messages: relay acks, queue notices, read receipts
func (c *Client) SetEventHandler(fn func(*Envelope)) {
	c.onEvent = fn
}

// SetStateHandler registers a state-transition observer
func (c *Client) SetStateHandler(fn func(State)) {
	c.onStateChange = fn
}

// Connect opens the hub session for the given identity and
// authenticates as soon as the socket is up. On failure a reconnect is
// scheduled automatically; after the attempt cap the session settles
// into ERROR and requires another Connect call.
func (c *Client) Connect(walletAddress, displayName, publicKey string) error {
	c.wallet = walletAddress
	c.displayName = displayName
	c.publicKey = publicKey
	c.closing.Store(false)

	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()

	return c.dial()
}

func (c *Client) dial() error {
	c.setState(StateConnecting)

	endpoint := c.selectEndpoint()

	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		log.Printf("❌ Hub dial %s failed: %v", endpoint, err)
		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.endpoint = endpoint
	c.mu.Unlock()

	c.setState(StateConnected)
	log.Printf("✓ Hub session open to %s", endpoint)

	// Authenticate immediately on open
	c.send(&Envelope{
		Type:          TypeAuthenticate,
		WalletAddress: c.wallet,
		DisplayName:   c.displayName,
		PublicKey:     c.publicKey,
	})

	go c.readLoop(conn)
	return nil
}

// selectEndpoint picks the lowest-load endpoint from the hub's
// published list, unless a custom endpoint was configured. Discovery
// failure falls back to the fixed default.
func (c *Client) selectEndpoint() string {
	if c.cfg.Endpoint != "" {
		return c.cfg.Endpoint
	}
	if c.cfg.DiscoveryURL == "" {
		return DefaultEndpoint
	}

	resp, err := c.cfg.HTTPClient.Get(c.cfg.DiscoveryURL)
	if err != nil {
		log.Printf("⚠️  Hub endpoint discovery failed: %v", err)
		return DefaultEndpoint
	}
	defer resp.Body.Close()

	var endpoints []struct {
		URL  string  `json:"url"`
		Load float64 `json:"load"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&endpoints); err != nil || len(endpoints) == 0 {
		log.Printf("⚠️  Hub endpoint list unusable: %v", err)
		return DefaultEndpoint
	}

	best := endpoints[0]
	for _, ep := range endpoints[1:] {
		if ep.Load < best.Load {
			best = ep
		}
	}
	return best.URL
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if c.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.setState(StateDisconnected)
				return
			}
			log.Printf("⚠️  Hub session dropped: %v", err)
			c.scheduleReconnect()
			return
		}

		c.handleEnvelope(&env)
	}
}

func (c *Client) handleEnvelope(env *Envelope) {
	switch env.Type {
	case TypeAuthenticated, TypeAuthSuccess:
		c.mu.Lock()
		c.attempts = 0
		c.mu.Unlock()
		c.setState(StateAuthenticated)
		log.Println("✅ Hub session authenticated")
		c.RequestSync()

	case TypeMessage:
		if c.onMessage != nil {
			c.onMessage(normalizeDirect(env))
		}

	case TypeCrossNodeMessage:
		msg, err := NormalizeCrossNode(env)
		if err != nil {
			log.Printf("⚠️  Unparseable cross-node message dropped: %v", err)
			return
		}
		if c.onMessage != nil {
			c.onMessage(msg)
		}
		// Tell the originating node its forward landed
		c.send(&Envelope{Type: TypeDelivered, MessageID: msg.MessageID, NodeID: msg.SourceNode})

	case TypeOfflineMessages:
		log.Printf("📬 Hub sync delivered %d offline messages", len(env.Messages))
		for i := range env.Messages {
			if c.onMessage != nil {
				c.onMessage(normalizeDirect(&env.Messages[i]))
			}
		}

	case TypeRelayAck, TypeMessageQueued, TypeReadReceipt:
		if c.onEvent != nil {
			c.onEvent(env)
		}

	default:
		// Unknown hub events are tolerated; the hub may be newer
	}
}

func (c *Client) scheduleReconnect() {
	if c.closing.Load() {
		return
	}

	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	if attempt > c.cfg.MaxReconnectAttempts {
		log.Printf("❌ Hub reconnect gave up after %d attempts", c.cfg.MaxReconnectAttempts)
		c.setState(StateError)
		return
	}

	delay := ReconnectDelay(attempt, c.cfg.BaseReconnectDelay)
	c.setState(StateReconnecting)
	log.Printf("🔄 Hub reconnect %d/%d in %v", attempt, c.cfg.MaxReconnectAttempts, delay)

	time.AfterFunc(delay, func() {
		if !c.closing.Load() {
			c.dial()
		}
	})
}

// send is fire-and-forget: write failures are logged and the read
// loop's error handling owns the session from there
func (c *Client) send(env *Envelope) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(env); err != nil {
		log.Printf("⚠️  Hub write failed: %v", err)
	}
}

// SendMessage relays one encrypted payload through the hub
func (c *Client) SendMessage(to, payload, messageID string, encrypted bool, signature, senderPublicKey string) error {
	if c.State() != StateAuthenticated {
		return ErrNotAuthenticated
	}

	c.send(&Envelope{
		Type:            TypeRelay,
		From:            c.wallet,
		To:              to,
		PayloadData:     payload,
		Encrypted:       encrypted,
		MessageID:       messageID,
		Signature:       signature,
		SenderPublicKey: senderPublicKey,
	})
	return nil
}

// SendReadReceipt reports a message as read
func (c *Client) SendReadReceipt(messageID, to string) error {
	if c.State() != StateAuthenticated {
		return ErrNotAuthenticated
	}

	c.send(&Envelope{Type: TypeRead, MessageID: messageID, From: c.wallet, To: to})
	return nil
}

// RequestSync asks the hub for messages queued while we were away
func (c *Client) RequestSync() {
	c.send(&Envelope{Type: TypeSync, Address: c.wallet})
}

// Close ends the session deliberately; no reconnect is scheduled
func (c *Client) Close() {
	c.closing.Store(true)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}

	c.setState(StateDisconnected)
}
