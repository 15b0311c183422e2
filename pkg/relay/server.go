package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mchat-network/mchat-node/pkg/hub"
)

// Session is one authenticated client websocket
type Session struct {
	ID          string
	Address     string
	DisplayName string
	PublicKey   string
	ConnectedAt time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *Session) send(env *Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(env)
}

// ServerConfig holds the relay node's settings
type ServerConfig struct {
	Port   int
	NodeID string
	Tier   Tier

	// SyncFreshnessWindow bounds how old a sync request's timestamp may
	// be before it is refused. Default 5 minutes.
	SyncFreshnessWindow time.Duration
}

func (c *ServerConfig) withDefaults() {
	if c.Port == 0 {
		c.Port = 9090
	}
	if c.SyncFreshnessWindow == 0 {
		c.SyncFreshnessWindow = 5 * time.Minute
	}
}

// Server is the relay node: it terminates client websockets, relays
// between live sessions, queues for offline recipients and forwards
// unknown recipients up to the hub.
type Server struct {
	cfg   ServerConfig
	store *MessageStore

	upgrader   websocket.Upgrader
	router     *gin.Engine
	httpServer *http.Server

	mu       sync.RWMutex
	sessions map[string]*Session // keyed by lowercased wallet address

	uplink *Uplink

	messagesRelayed atomic.Int64
	startTime       time.Time
}

// NewServer creates a relay server over the given offline store
func NewServer(store *MessageStore, cfg ServerConfig) *Server {
	cfg.withDefaults()

	s := &Server{
		cfg:      cfg,
		store:    store,
		sessions: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients connect from any origin; payloads are end-to-end
			// encrypted so the relay trusts nothing it carries anyway
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.GET("/ws", s.handleWS)
	s.setupAPIRoutes()

	return s
}

// AttachUplink wires a hub uplink: unknown recipients are forwarded up,
// and cross-node messages arriving from the hub are delivered or queued
// locally.
func (s *Server) AttachUplink(u *Uplink) {
	u.OnCrossNodeMessage = s.deliverFromHub
	u.ConnectedUsers = s.ConnectedUsers
	u.MessagesRelayed = s.MessagesRelayed
	s.uplink = u
	log.Println("🔗 Hub uplink attached to relay server")
}

// Start begins serving websocket clients and the status API
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("📡 Relay server listening on :%d", s.cfg.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("❌ Relay server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts the server down and drops all sessions
func (s *Server) Stop() error {
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.conn.Close()
	}
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// ConnectedUsers returns the live session count
func (s *Server) ConnectedUsers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// MessagesRelayed returns the lifetime relay counter
func (s *Server) MessagesRelayed() int64 {
	return s.messagesRelayed.Load()
}

// Uptime returns how long the server has been running
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// HasSession reports whether the wallet has a live session here
func (s *Server) HasSession(wallet string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[strings.ToLower(wallet)]
	return ok
}

// Deliver pushes a message straight to a live local session. Used when
// this process is both the sender's node and the recipient's relay.
func (s *Server) Deliver(from, to string, ciphertext []byte, messageID string) error {
	s.mu.RLock()
	target, online := s.sessions[strings.ToLower(to)]
	s.mu.RUnlock()
	if !online {
		return fmt.Errorf("no live session for %s", shortID(to))
	}

	err := target.send(&Envelope{
		Type:      TypeMessage,
		From:      strings.ToLower(from),
		To:        strings.ToLower(to),
		Payload:   base64.StdEncoding.EncodeToString(ciphertext),
		Encrypted: true,
		MessageID: messageID,
		Timestamp: time.Now().Unix(),
	})
	if err == nil {
		s.messagesRelayed.Add(1)
	}
	return err
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("⚠️  Websocket upgrade failed: %v", err)
		return
	}

	go s.sessionLoop(conn)
}

// sessionLoop owns one client connection from upgrade to close. The
// session stays anonymous until an authenticate message binds it to a
// wallet address; only ping is served before that.
func (s *Server) sessionLoop(conn *websocket.Conn) {
	var sess *Session
	defer func() {
		if sess != nil {
			s.removeSession(sess)
			log.Printf("👋 Session %s closed (%s)", sess.ID[:8], shortID(sess.Address))
		}
		conn.Close()
	}()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Type {
		case TypePing:
			pong := &Envelope{Type: TypePong, Timestamp: time.Now().Unix()}
			if sess != nil {
				sess.send(pong)
			} else {
				s.writeUnbound(conn, pong)
			}

		case TypeAuthenticate:
			sess = s.handleAuthenticate(conn, &env)

		case TypeRelay:
			if sess == nil {
				s.writeUnbound(conn, &Envelope{Type: TypeError, Error: "authenticate first"})
				continue
			}
			s.handleRelay(sess, &env)

		case TypeSync, TypeFetch:
			if sess == nil {
				s.writeUnbound(conn, &Envelope{Type: TypeError, Error: "authenticate first"})
				continue
			}
			s.handleSync(sess, &env)

		case TypeRead:
			if sess == nil {
				continue
			}
			s.handleRead(sess, &env)

		default:
			// Tolerated: clients may be newer than this relay
		}
	}
}

func (s *Server) handleAuthenticate(conn *websocket.Conn, env *Envelope) *Session {
	if env.Address == "" {
		s.writeUnbound(conn, &Envelope{Type: TypeError, Error: "authenticate requires an address"})
		return nil
	}

	sess := &Session{
		ID:          uuid.NewString(),
		Address:     strings.ToLower(env.Address),
		DisplayName: env.DisplayName,
		PublicKey:   env.PublicKey,
		ConnectedAt: time.Now(),
		conn:        conn,
	}

	s.mu.Lock()
	// A reconnect for the same address supersedes the old socket
	if old, exists := s.sessions[sess.Address]; exists {
		old.conn.Close()
	}
	s.sessions[sess.Address] = sess
	s.mu.Unlock()

	sess.send(&Envelope{Type: TypeAuthenticated, Address: sess.Address})
	log.Printf("✅ Session %s authenticated as %s", sess.ID[:8], shortID(sess.Address))
	return sess
}

// handleRelay moves one message toward its recipient: a live local
// session gets it immediately, anyone else gets queued and the hub gets
// a chance to route it cross-node. The sender always learns which of
// the two happened.
func (s *Server) handleRelay(sender *Session, env *Envelope) {
	recipient := strings.ToLower(env.To)

	msg := &Envelope{
		Type:            TypeMessage,
		From:            sender.Address,
		To:              recipient,
		Payload:         env.Payload,
		Encrypted:       env.Encrypted,
		MessageID:       env.MessageID,
		Signature:       env.Signature,
		SenderPublicKey: env.SenderPublicKey,
		Timestamp:       time.Now().Unix(),
	}

	s.mu.RLock()
	target, online := s.sessions[recipient]
	s.mu.RUnlock()

	if online {
		if err := target.send(msg); err == nil {
			s.messagesRelayed.Add(1)
			sender.send(&Envelope{
				Type: TypeRelayAck, MessageID: env.MessageID,
				Delivered: true, Status: StatusDelivered,
			})
			return
		}
		// Write failed: the session is dying, fall through to queue
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		sender.send(&Envelope{Type: TypeRelayAck, MessageID: env.MessageID, Status: StatusRejected, Error: err.Error()})
		return
	}

	switch err := s.store.Store(env.MessageID, recipient, sender.Address, raw); {
	case err == nil, errors.Is(err, ErrDuplicateMessage):
		// Duplicate relays are acked as queued: the message is safe
	case errors.Is(err, ErrRecipientQueueFull), errors.Is(err, ErrStorageCeiling):
		sender.send(&Envelope{
			Type: TypeRelayAck, MessageID: env.MessageID,
			Delivered: false, Status: StatusRejected, Error: err.Error(),
		})
		return
	default:
		sender.send(&Envelope{
			Type: TypeRelayAck, MessageID: env.MessageID,
			Delivered: false, Status: StatusRejected, Error: "storage failure",
		})
		return
	}

	// The recipient may live on another node: let the hub try too
	if s.uplink != nil {
		s.uplink.Forward(msg)
	}

	s.messagesRelayed.Add(1)
	sender.send(&Envelope{
		Type: TypeRelayAck, MessageID: env.MessageID,
		Delivered: false, Status: StatusQueuedOffline,
	})
}

// handleSync hands the caller everything queued while they were away.
// The request must carry a recent timestamp; a stale one is refused.
// TODO: sign sync requests so the window is a real replay bound instead
// of a clock check.
func (s *Server) handleSync(sess *Session, env *Envelope) {
	age := time.Since(time.Unix(env.Timestamp, 0))
	if env.Timestamp == 0 || age > s.cfg.SyncFreshnessWindow || age < -s.cfg.SyncFreshnessWindow {
		log.Printf("⚠️  Stale sync request from %s refused (age %v)", shortID(sess.Address), age)
		sess.send(&Envelope{Type: TypeError, Error: "sync request timestamp outside freshness window"})
		return
	}

	stored, err := s.store.FetchAndPurge(sess.Address)
	if err != nil {
		log.Printf("❌ Sync fetch failed for %s: %v", shortID(sess.Address), err)
		sess.send(&Envelope{Type: TypeError, Error: "sync failed"})
		return
	}

	batch := make([]Envelope, 0, len(stored))
	for _, m := range stored {
		var inner Envelope
		if err := json.Unmarshal(m.Payload, &inner); err != nil {
			log.Printf("⚠️  Dropping undecodable stored message %s", shortID(m.ID))
			continue
		}
		batch = append(batch, inner)
	}

	sess.send(&Envelope{Type: TypeOfflineMessages, Messages: batch})
	if len(batch) > 0 {
		log.Printf("📬 Delivered %d offline messages to %s", len(batch), shortID(sess.Address))
	}
}

func (s *Server) handleRead(sess *Session, env *Envelope) {
	receipt := &Envelope{
		Type:      TypeReadReceipt,
		MessageID: env.MessageID,
		From:      sess.Address,
		To:        strings.ToLower(env.To),
	}

	s.mu.RLock()
	target, online := s.sessions[receipt.To]
	s.mu.RUnlock()

	if online {
		target.send(receipt)
		return
	}
	if s.uplink != nil {
		s.uplink.Forward(receipt)
	}
}

// deliverFromHub lands a cross-node message on its local recipient, or
// queues it. Returns whether it was delivered live, so the uplink can
// receipt the originating node.
func (s *Server) deliverFromHub(msg *hub.IncomingMessage) bool {
	recipient := strings.ToLower(msg.To)

	local := &Envelope{
		Type:            TypeMessage,
		From:            msg.From,
		To:              recipient,
		Payload:         msg.Payload,
		Encrypted:       msg.Encrypted,
		MessageID:       msg.MessageID,
		Signature:       msg.Signature,
		SenderPublicKey: msg.SenderPublicKey,
		Timestamp:       msg.Timestamp,
	}

	s.mu.RLock()
	target, online := s.sessions[recipient]
	s.mu.RUnlock()

	if online {
		if err := target.send(local); err == nil {
			s.messagesRelayed.Add(1)
			return true
		}
	}

	raw, err := json.Marshal(local)
	if err != nil {
		return false
	}
	if err := s.store.Store(msg.MessageID, recipient, msg.From, raw); err != nil && !errors.Is(err, ErrDuplicateMessage) {
		log.Printf("⚠️  Could not queue cross-node message %s: %v", shortID(msg.MessageID), err)
		return false
	}
	return false
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Only remove if this exact session still owns the address; a
	// reconnect may already have replaced it
	if current, exists := s.sessions[sess.Address]; exists && current.ID == sess.ID {
		delete(s.sessions, sess.Address)
	}
}

// writeUnbound writes to a connection that has no session yet
func (s *Server) writeUnbound(conn *websocket.Conn, env *Envelope) {
	conn.WriteJSON(env)
}
