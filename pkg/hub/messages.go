package hub

import "encoding/json"

// Client → hub message types
const (
	TypeAuthenticate = "authenticate"
	TypeRelay        = "relay"
	TypeRead         = "read"
	TypeSync         = "sync"
	TypeNodeAuth     = "NODE_AUTH"
	TypeHeartbeat    = "HEARTBEAT"
	TypeDelivered    = "delivered"
)

// Hub → client message types
const (
	TypeAuthenticated    = "authenticated"
	TypeAuthSuccess      = "auth_success"
	TypeMessage          = "message"
	TypeRelayAck         = "relay_ack"
	TypeMessageQueued    = "message_queued"
	TypeReadReceipt      = "read_receipt"
	TypeOfflineMessages  = "offline_messages"
	TypeCrossNodeMessage = "cross_node_message"
	TypeTunnelEstablish  = "TUNNEL_ESTABLISHED"
	TypeNodeAuthFailed   = "NODE_AUTH_FAILED"
)

// Envelope is the hub's JSON wire message. One struct covers the whole
// protocol; the type field says which of the optional fields are live.
type Envelope struct {
	Type string `json:"type"`

	// authenticate / NODE_AUTH
	WalletAddress string `json:"walletAddress,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
	PublicKey     string `json:"publicKey,omitempty"`
	NodeID        string `json:"nodeId,omitempty"`
	Port          int    `json:"port,omitempty"`
	Platform      string `json:"platform,omitempty"`

	// relay / message / cross_node_message (flat shape)
	From            string `json:"from,omitempty"`
	To              string `json:"to,omitempty"`
	PayloadData     string `json:"payload,omitempty"`
	Encrypted       bool   `json:"encrypted,omitempty"`
	MessageID       string `json:"messageId,omitempty"`
	Signature       string `json:"signature,omitempty"`
	SenderPublicKey string `json:"senderPublicKey,omitempty"`
	Timestamp       int64  `json:"timestamp,omitempty"`

	// cross_node_message (nested shape) - raw so the normalizer can
	// tell the two shapes apart before committing to either
	NestedPayload json.RawMessage `json:"messagePayload,omitempty"`
	SourceNode    string          `json:"sourceNode,omitempty"`

	// sync
	Address string `json:"address,omitempty"`

	// relay_ack / message_queued / errors
	Delivered bool   `json:"delivered,omitempty"`
	Status    string `json:"status,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Error     string `json:"error,omitempty"`

	// offline_messages
	Messages []Envelope `json:"messages,omitempty"`

	// HEARTBEAT
	ConnectedUsers  int   `json:"connectedUsers,omitempty"`
	MessagesRelayed int64 `json:"messagesRelayed,omitempty"`
	UptimeSeconds   int64 `json:"uptimeSeconds,omitempty"`

	// TUNNEL_ESTABLISHED
	TunnelID      string  `json:"tunnelId,omitempty"`
	Endpoint      string  `json:"endpoint,omitempty"`
	HubFeePercent float64 `json:"hubFeePercent,omitempty"`
}

// IncomingMessage is the one canonical internal representation every
// hub-delivered message is normalized into before reaching listeners
type IncomingMessage struct {
	From            string
	To              string
	Payload         string
	Encrypted       bool
	MessageID       string
	Signature       string
	SenderPublicKey string
	Timestamp       int64
	SourceNode      string // set for cross-node messages
}
