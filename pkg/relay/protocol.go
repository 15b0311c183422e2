package relay

// Client → relay message types
const (
	TypeAuthenticate = "authenticate"
	TypeRelay        = "relay"
	TypeSync         = "sync"
	TypeFetch        = "fetch" // older clients; same semantics as sync
	TypePing         = "ping"
	TypeRead         = "read"
)

// Relay → client message types
const (
	TypeAuthenticated   = "authenticated"
	TypeMessage         = "message"
	TypeRelayAck        = "relay_ack"
	TypeOfflineMessages = "offline_messages"
	TypePong            = "pong"
	TypeReadReceipt     = "read_receipt"
	TypeError           = "error"
)

// Delivery statuses reported in relay_ack
const (
	StatusDelivered     = "delivered"
	StatusQueuedOffline = "queued_offline"
	StatusRejected      = "rejected"
)

// Envelope is the relay's client-facing JSON wire message. The type
// field says which optional fields are live.
type Envelope struct {
	Type string `json:"type"`

	// authenticate
	Address     string `json:"address,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`

	// relay / message / read
	From            string `json:"from,omitempty"`
	To              string `json:"to,omitempty"`
	Payload         string `json:"payload,omitempty"`
	Encrypted       bool   `json:"encrypted,omitempty"`
	MessageID       string `json:"messageId,omitempty"`
	Signature       string `json:"signature,omitempty"`
	SenderPublicKey string `json:"senderPublicKey,omitempty"`
	Timestamp       int64  `json:"timestamp,omitempty"`

	// relay_ack / error
	Delivered bool   `json:"delivered,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`

	// offline_messages
	Messages []Envelope `json:"messages,omitempty"`
}
