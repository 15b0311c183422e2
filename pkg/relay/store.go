package relay

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mchat-network/mchat-node/pkg/crypto"
)

var (
	ErrRecipientQueueFull = errors.New("recipient offline queue is full")
	ErrStorageCeiling     = errors.New("node storage ceiling reached")
	ErrDuplicateMessage   = errors.New("message id already stored")
)

// StoredMessage is one offline message at rest. Addresses are privacy
// hashed before they touch the database; a seized store never holds raw
// wallet addresses.
type StoredMessage struct {
	ID            string
	RecipientHash string
	SenderHash    string
	Payload       []byte
	ReceivedAt    time.Time
	ExpiresAt     time.Time
	Size          int64
	Delivered     bool
}

// StoreConfig carries the offline store's limits
type StoreConfig struct {
	TTL             time.Duration // default 7 days
	PerRecipientCap int           // default 1000 pending messages
	Tier            Tier          // storage ceiling source
	CeilingBytes    int64         // default Tier.StorageCeiling()
	CleanupInterval time.Duration // default 1 hour
	Clock           clock.Clock   // mockable for expiry tests
}

func (c *StoreConfig) withDefaults() {
	if c.TTL == 0 {
		c.TTL = 7 * 24 * time.Hour
	}
	if c.PerRecipientCap == 0 {
		c.PerRecipientCap = 1000
	}
	if c.CeilingBytes == 0 {
		c.CeilingBytes = c.Tier.StorageCeiling()
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = time.Hour
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// MessageStore is the store-and-forward database for offline
// recipients. Overflow policy is reject-new: the caller gets an
// explicit capacity error and falls back to another delivery path;
// messages already acknowledged as queued are never evicted.
type MessageStore struct {
	db  *sql.DB
	cfg StoreConfig
	clk clock.Clock

	mu   sync.Mutex // serializes cap checks against inserts
	done chan struct{}
}

// NewMessageStore opens (or creates) the store at dbPath
func NewMessageStore(dbPath string, cfg StoreConfig) (*MessageStore, error) {
	cfg.withDefaults()

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	store := &MessageStore{
		db:   db,
		cfg:  cfg,
		clk:  cfg.Clock,
		done: make(chan struct{}),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	go store.cleanupLoop()

	return store, nil
}

func (s *MessageStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS offline_messages (
		message_id     TEXT PRIMARY KEY,
		recipient_hash TEXT NOT NULL,
		sender_hash    TEXT NOT NULL,
		payload        BLOB NOT NULL,
		received_at    INTEGER NOT NULL,
		expires_at     INTEGER NOT NULL,
		size           INTEGER NOT NULL,
		delivered      INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_recipient ON offline_messages(recipient_hash);
	CREATE INDEX IF NOT EXISTS idx_expires ON offline_messages(expires_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Store queues a message for an offline recipient. Returns
// ErrRecipientQueueFull or ErrStorageCeiling when a limit is hit
// (reject-new overflow policy) and ErrDuplicateMessage for a repeated
// message id.
func (s *MessageStore) Store(messageID, recipientAddr, senderAddr string, payload []byte) error {
	recipientHash := crypto.PrivacyHash(recipientAddr)
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.pendingCountHash(recipientHash)
	if err != nil {
		return err
	}
	if count >= s.cfg.PerRecipientCap {
		return ErrRecipientQueueFull
	}

	total, err := s.TotalBytes()
	if err != nil {
		return err
	}
	if total+int64(len(payload)) > s.cfg.CeilingBytes {
		return ErrStorageCeiling
	}

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO offline_messages
			(message_id, recipient_hash, sender_hash, payload, received_at, expires_at, size)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		messageID,
		recipientHash,
		crypto.PrivacyHash(senderAddr),
		payload,
		now.Unix(),
		now.Add(s.cfg.TTL).Unix(),
		int64(len(payload)),
	)
	if err != nil {
		return fmt.Errorf("failed to queue message: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateMessage
	}

	log.Printf("📬 Queued message %s for offline recipient %s (expires in %v)", shortID(messageID), recipientHash[:8], s.cfg.TTL)
	return nil
}

// FetchAndPurge returns every live stored message for the recipient, in
// storage order, and deletes them in the same transaction. This is the
// only way messages leave the store for delivery, so a batch handed to
// a sync is gone afterwards - never redelivered.
func (s *MessageStore) FetchAndPurge(recipientAddr string) ([]*StoredMessage, error) {
	recipientHash := crypto.PrivacyHash(recipientAddr)
	now := s.clk.Now().Unix()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT message_id, recipient_hash, sender_hash, payload, received_at, expires_at, size, delivered
		FROM offline_messages
		WHERE recipient_hash = ? AND expires_at > ? AND delivered = 0
		ORDER BY received_at ASC, rowid ASC`,
		recipientHash, now)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	var messages []*StoredMessage
	for rows.Next() {
		msg := &StoredMessage{}
		var receivedAt, expiresAt int64
		if err := rows.Scan(&msg.ID, &msg.RecipientHash, &msg.SenderHash, &msg.Payload,
			&receivedAt, &expiresAt, &msg.Size, &msg.Delivered); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.ReceivedAt = time.Unix(receivedAt, 0)
		msg.ExpiresAt = time.Unix(expiresAt, 0)
		messages = append(messages, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`DELETE FROM offline_messages WHERE recipient_hash = ?`, recipientHash); err != nil {
		return nil, fmt.Errorf("failed to purge messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if len(messages) > 0 {
		log.Printf("📬 Fetched and purged %d stored messages for %s", len(messages), recipientHash[:8])
	}
	return messages, nil
}

// MarkDelivered flags a stored message so the next sweep removes it
func (s *MessageStore) MarkDelivered(messageID string) error {
	_, err := s.db.Exec(`UPDATE offline_messages SET delivered = 1 WHERE message_id = ?`, messageID)
	return err
}

// PendingCount returns the live stored messages for a recipient
func (s *MessageStore) PendingCount(recipientAddr string) (int, error) {
	return s.pendingCountHash(crypto.PrivacyHash(recipientAddr))
}

func (s *MessageStore) pendingCountHash(recipientHash string) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM offline_messages
		WHERE recipient_hash = ? AND expires_at > ? AND delivered = 0`,
		recipientHash, s.clk.Now().Unix()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// TotalBytes returns the bytes currently held against the tier ceiling
func (s *MessageStore) TotalBytes() (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(`SELECT SUM(size) FROM offline_messages WHERE expires_at > ?`,
		s.clk.Now().Unix()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum store size: %w", err)
	}
	return total.Int64, nil
}

// TotalCount returns all live stored messages on this node
func (s *MessageStore) TotalCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM offline_messages WHERE expires_at > ? AND delivered = 0`,
		s.clk.Now().Unix()).Scan(&count)
	return count, err
}

// Sweep deletes expired and delivered entries; returns how many went
func (s *MessageStore) Sweep() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM offline_messages WHERE expires_at <= ? OR delivered = 1`,
		s.clk.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep store: %w", err)
	}
	return res.RowsAffected()
}

func (s *MessageStore) cleanupLoop() {
	ticker := s.clk.Ticker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		count, err := s.Sweep()
		if err != nil {
			log.Printf("Failed to sweep offline store: %v", err)
			continue
		}
		if count > 0 {
			log.Printf("🧹 Swept %d expired/delivered messages", count)
		}
	}
}

// Close stops the cleanup loop and closes the database
func (s *MessageStore) Close() error {
	close(s.done)
	return s.db.Close()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
