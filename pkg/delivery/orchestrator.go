package delivery

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mchat-network/mchat-node/pkg/crypto"
)

var (
	ErrNotInitialized = errors.New("orchestrator not initialized")
	ErrAllPathsFailed = errors.New("no delivery path accepted the message")
	ErrEmptyRecipient = errors.New("recipient address is empty")
)

// DirectPath is the P2P transport as the orchestrator sees it
type DirectPath interface {
	Connected(wallet string) bool
	Send(wallet string, ciphertext []byte, messageID string) error
}

// HubPath is the hub gateway session. Ciphertext crosses it base64
// encoded, the hub protocol being JSON.
type HubPath interface {
	Authenticated() bool
	Send(to, ciphertext, messageID string) error
}

// LocalRelayPath is a relay node this process itself operates, whose
// live sessions can take delivery directly
type LocalRelayPath interface {
	HasSession(wallet string) bool
	Deliver(from, to string, ciphertext []byte, messageID string) error
}

// OfflineStore is the store-and-forward last resort
type OfflineStore interface {
	Store(messageID, recipient, sender string, payload []byte) error
}

// ReceiptSender carries delivery receipts back to senders. Receipts are
// best effort: a peer that cannot be reached right now simply learns of
// delivery later, through a read receipt or a resync.
type ReceiptSender interface {
	SendDeliveryReceipt(to, messageID string) error
}

// KeyProvider supplies the shared key for a peer conversation. Key
// agreement lives outside this module.
type KeyProvider interface {
	SharedKey(peer string) ([]byte, error)
}

// Component is anything the orchestrator starts and stops with its own
// lifecycle
type Component interface {
	Start() error
	Stop() error
}

// Message is one decoded, authenticated inbound message
type Message struct {
	MessageID string
	From      string
	To        string
	Plaintext []byte
	Timestamp time.Time
}

// Config wires the orchestrator's collaborators. Any path may be nil;
// a nil path is simply never attempted.
type Config struct {
	WalletAddress string

	Direct     DirectPath
	Hub        HubPath
	LocalRelay LocalRelayPath
	Offline    OfflineStore

	Encryptor crypto.Encryptor
	Keys      KeyProvider
	Receipts  ReceiptSender

	// Components are started by Connect and stopped by Disconnect, in
	// order and reverse order respectively
	Components []Component

	// RecentCacheSize bounds the inbound dedup cache. Default 4096.
	RecentCacheSize int
}

// Orchestrator picks one delivery path per outbound message, in fixed
// preference order, and tracks each message's delivery status. It never
// retries a path itself: each underlying component owns its own retry
// policy, the orchestrator only moves on to the next path.
type Orchestrator struct {
	cfg Config

	initialized bool

	mu       sync.Mutex
	statuses map[string]Status
	paths    map[string]Path

	recent *lru.Cache[string, struct{}]

	onMessage func(*Message)
	onStatus  func(Update)
}

// NewOrchestrator creates an orchestrator; call Initialize before use
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.RecentCacheSize == 0 {
		cfg.RecentCacheSize = 4096
	}
	return &Orchestrator{cfg: cfg}
}

// SetMessageHandler registers the listener for decoded inbound messages
func (o *Orchestrator) SetMessageHandler(fn func(*Message)) {
	o.onMessage = fn
}

// SetStatusHandler registers the listener for delivery-status updates
func (o *Orchestrator) SetStatusHandler(fn func(Update)) {
	o.onStatus = fn
}

// Initialize validates the wiring and prepares internal state
func (o *Orchestrator) Initialize() error {
	if o.cfg.WalletAddress == "" {
		return errors.New("wallet address is required")
	}
	if o.cfg.Encryptor == nil || o.cfg.Keys == nil {
		return errors.New("encryptor and key provider are required")
	}

	recent, err := lru.New[string, struct{}](o.cfg.RecentCacheSize)
	if err != nil {
		return err
	}

	o.recent = recent
	o.statuses = make(map[string]Status)
	o.paths = make(map[string]Path)
	o.initialized = true
	return nil
}

// Connect starts the wired components
func (o *Orchestrator) Connect() error {
	if !o.initialized {
		return ErrNotInitialized
	}

	for i, c := range o.cfg.Components {
		if err := c.Start(); err != nil {
			// Unwind what already started
			for j := i - 1; j >= 0; j-- {
				o.cfg.Components[j].Stop()
			}
			return fmt.Errorf("component %d failed to start: %w", i, err)
		}
	}
	return nil
}

// Disconnect stops the wired components in reverse order
func (o *Orchestrator) Disconnect() {
	for i := len(o.cfg.Components) - 1; i >= 0; i-- {
		o.cfg.Components[i].Stop()
	}
}

// SendMessage encrypts plaintext for the recipient and pushes it down
// the first delivery path that accepts it: direct P2P, then the hub,
// then a locally-operated relay session, then the offline store. The
// chosen path decides the emitted status; every later path is skipped.
func (o *Orchestrator) SendMessage(recipient string, plaintext []byte) (string, error) {
	if !o.initialized {
		return "", ErrNotInitialized
	}
	if recipient == "" {
		return "", ErrEmptyRecipient
	}

	messageID := uuid.NewString()
	o.setStatus(messageID, StatusSending, PathNone)

	key, err := o.cfg.Keys.SharedKey(recipient)
	if err != nil {
		o.setStatus(messageID, StatusFailed, PathNone)
		return messageID, fmt.Errorf("no key for %s: %w", recipient, err)
	}

	aad := crypto.BuildAAD(o.cfg.WalletAddress, recipient, messageID)
	ciphertext, err := o.cfg.Encryptor.Encrypt(plaintext, key, aad)
	if err != nil {
		o.setStatus(messageID, StatusFailed, PathNone)
		return messageID, fmt.Errorf("encrypt failed: %w", err)
	}

	if d := o.cfg.Direct; d != nil && d.Connected(recipient) {
		if err := d.Send(recipient, ciphertext, messageID); err == nil {
			o.setStatus(messageID, StatusSent, PathP2P)
			return messageID, nil
		}
		log.Printf("⚠️  Direct send to %s failed, trying next path", recipient)
	}

	if h := o.cfg.Hub; h != nil && h.Authenticated() {
		if err := h.Send(recipient, base64.StdEncoding.EncodeToString(ciphertext), messageID); err == nil {
			o.setStatus(messageID, StatusSent, PathHub)
			return messageID, nil
		}
		log.Printf("⚠️  Hub send to %s failed, trying next path", recipient)
	}

	if r := o.cfg.LocalRelay; r != nil && r.HasSession(recipient) {
		if err := r.Deliver(o.cfg.WalletAddress, recipient, ciphertext, messageID); err == nil {
			o.setStatus(messageID, StatusSent, PathLocalRelay)
			return messageID, nil
		}
		log.Printf("⚠️  Local relay delivery to %s failed, trying next path", recipient)
	}

	if s := o.cfg.Offline; s != nil {
		if err := s.Store(messageID, recipient, o.cfg.WalletAddress, ciphertext); err == nil {
			o.setStatus(messageID, StatusPending, PathOffline)
			return messageID, nil
		}
		log.Printf("⚠️  Offline store refused message for %s", recipient)
	}

	o.setStatus(messageID, StatusFailed, PathNone)
	return messageID, ErrAllPathsFailed
}

// SendDeliveryAck tells the sender their message landed
func (o *Orchestrator) SendDeliveryAck(sender, messageID string) error {
	if !o.initialized {
		return ErrNotInitialized
	}
	if o.cfg.Receipts == nil {
		return ErrAllPathsFailed
	}
	return o.cfg.Receipts.SendDeliveryReceipt(sender, messageID)
}

// HandleInbound decrypts and dispatches one received ciphertext.
// An authentication-tag failure is a security rejection: the message is
// dropped on the spot, never stored, never shown, never retried.
// Duplicate message ids are dropped silently; at-least-once transport
// paths make them ordinary traffic.
func (o *Orchestrator) HandleInbound(from string, ciphertext []byte, messageID string) {
	if !o.initialized {
		return
	}

	if seen, _ := o.recent.ContainsOrAdd(messageID, struct{}{}); seen {
		return
	}

	key, err := o.cfg.Keys.SharedKey(from)
	if err != nil {
		log.Printf("⚠️  No key for inbound message from %s, dropped", from)
		return
	}

	aad := crypto.BuildAAD(from, o.cfg.WalletAddress, messageID)
	plaintext, err := o.cfg.Encryptor.Decrypt(ciphertext, key, aad)
	if err != nil {
		if errors.Is(err, crypto.ErrAuthFailed) {
			log.Printf("🚨 SECURITY: authentication failure on message %s from %s, dropped", messageID, from)
		} else {
			log.Printf("⚠️  Undecryptable message %s from %s dropped: %v", messageID, from, err)
		}
		return
	}

	if o.onMessage != nil {
		o.onMessage(&Message{
			MessageID: messageID,
			From:      from,
			To:        o.cfg.WalletAddress,
			Plaintext: plaintext,
			Timestamp: time.Now(),
		})
	}
}

// MarkDelivered records a delivery receipt for an outbound message
func (o *Orchestrator) MarkDelivered(messageID string) {
	o.advance(messageID, StatusDelivered)
}

// MarkRead records a read receipt for an outbound message
func (o *Orchestrator) MarkRead(messageID string) {
	o.advance(messageID, StatusRead)
}

// StatusOf returns the current status of an outbound message
func (o *Orchestrator) StatusOf(messageID string) (Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.statuses[messageID]
	return s, ok
}

// PathOf returns which path carried an outbound message
func (o *Orchestrator) PathOf(messageID string) (Path, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.paths[messageID]
	return p, ok
}

func (o *Orchestrator) setStatus(messageID string, status Status, path Path) {
	o.mu.Lock()
	o.statuses[messageID] = status
	if path != PathNone {
		o.paths[messageID] = path
	}
	o.mu.Unlock()

	if o.onStatus != nil {
		o.onStatus(Update{MessageID: messageID, Status: status, Path: path, Timestamp: time.Now()})
	}
}

// advance applies a receipt-driven transition if it is legal, and
// drops it otherwise
func (o *Orchestrator) advance(messageID string, next Status) {
	o.mu.Lock()
	current, ok := o.statuses[messageID]
	if !ok || !current.CanTransitionTo(next) {
		o.mu.Unlock()
		return
	}
	o.statuses[messageID] = next
	path := o.paths[messageID]
	o.mu.Unlock()

	if o.onStatus != nil {
		o.onStatus(Update{MessageID: messageID, Status: next, Path: path, Timestamp: time.Now()})
	}
}
