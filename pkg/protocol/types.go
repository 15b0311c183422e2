package protocol

// Protocol constants
const (
	// Magic number for the MChat wire protocol ('MCHT')
	ProtocolMagic = 0x4D434854

	// Protocol version
	ProtocolVersion = 0x01

	// Fixed section sizes
	HeaderSize    = 20
	RoutingSize   = 68
	SignatureSize = 64

	// FrameOverhead is the size of a frame with an empty payload
	FrameOverhead = HeaderSize + RoutingSize + SignatureSize

	// MaxPayloadSize is the largest payload a frame may carry
	MaxPayloadSize = 65536

	// DefaultTTL bounds how many relay hops a frame may take
	DefaultTTL = 16
)

// Message types are partitioned into byte ranges so new types can be
// added to a range without renumbering the others.
const (
	// Control (0x00-0x1F)
	MsgTypePing         uint8 = 0x00
	MsgTypePong         uint8 = 0x01
	MsgTypeHandshake    uint8 = 0x02
	MsgTypeHandshakeAck uint8 = 0x03
	MsgTypeDisconnect   uint8 = 0x04
	MsgTypeAck          uint8 = 0x05

	// Peer discovery (0x20-0x3F)
	MsgTypePeerRequest  uint8 = 0x20
	MsgTypePeerResponse uint8 = 0x21

	// Chat (0x40-0x5F)
	MsgTypeChatMessage     uint8 = 0x40
	MsgTypeReadReceipt     uint8 = 0x41
	MsgTypeTyping          uint8 = 0x42
	MsgTypeDeliveryReceipt uint8 = 0x43

	// Relay (0x60-0x7F)
	MsgTypeRelayForward uint8 = 0x60
	MsgTypeRelayAck     uint8 = 0x61
	MsgTypeRelayError   uint8 = 0x62

	// Key exchange (0x80-0x9F)
	MsgTypeKeyRequest  uint8 = 0x80
	MsgTypeKeyResponse uint8 = 0x81

	// NAT traversal (0xA0-0xBF)
	MsgTypeNatPunch    uint8 = 0xA0
	MsgTypeNatPunchAck uint8 = 0xA1
)

// Flags are transport-level concerns, independent of payload semantics
const (
	FlagEncrypted    uint16 = 0x0001 // Payload is encrypted
	FlagCompressed   uint16 = 0x0002 // Payload is compressed
	FlagRequireAck   uint16 = 0x0004 // Sender expects an ACK frame
	FlagIsAck        uint16 = 0x0008 // Frame acknowledges a sequence number
	FlagHighPriority uint16 = 0x0010 // High priority message
	FlagRelayAllowed uint16 = 0x0020 // Frame may be relayed by third parties
	FlagFragmented   uint16 = 0x0040 // Message is fragmented
	FlagLastFragment uint16 = 0x0080 // Final fragment of a fragmented message
)

// NodeID identifies a peer on the wire (32 bytes, derived from the
// wallet address by crypto.DeriveNodeID)
type NodeID [32]byte

// IsZero reports whether the id is all zero bytes
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// KnownMessageType reports whether a type byte is one this version of
// the protocol understands. Decode rejects frames with unknown types so
// the receive loop never dispatches on garbage.
func KnownMessageType(t uint8) bool {
	switch t {
	case MsgTypePing, MsgTypePong, MsgTypeHandshake, MsgTypeHandshakeAck,
		MsgTypeDisconnect, MsgTypeAck,
		MsgTypePeerRequest, MsgTypePeerResponse,
		MsgTypeChatMessage, MsgTypeReadReceipt, MsgTypeTyping, MsgTypeDeliveryReceipt,
		MsgTypeRelayForward, MsgTypeRelayAck, MsgTypeRelayError,
		MsgTypeKeyRequest, MsgTypeKeyResponse,
		MsgTypeNatPunch, MsgTypeNatPunchAck:
		return true
	}
	return false
}

// MessageTypeName returns a human-readable name for log lines
func MessageTypeName(t uint8) string {
	switch t {
	case MsgTypePing:
		return "PING"
	case MsgTypePong:
		return "PONG"
	case MsgTypeHandshake:
		return "HANDSHAKE"
	case MsgTypeHandshakeAck:
		return "HANDSHAKE_ACK"
	case MsgTypeDisconnect:
		return "DISCONNECT"
	case MsgTypeAck:
		return "ACK"
	case MsgTypePeerRequest:
		return "PEER_REQUEST"
	case MsgTypePeerResponse:
		return "PEER_RESPONSE"
	case MsgTypeChatMessage:
		return "CHAT_MESSAGE"
	case MsgTypeReadReceipt:
		return "READ_RECEIPT"
	case MsgTypeTyping:
		return "TYPING"
	case MsgTypeDeliveryReceipt:
		return "DELIVERY_RECEIPT"
	case MsgTypeRelayForward:
		return "RELAY_FORWARD"
	case MsgTypeRelayAck:
		return "RELAY_ACK"
	case MsgTypeRelayError:
		return "RELAY_ERROR"
	case MsgTypeKeyRequest:
		return "KEY_REQUEST"
	case MsgTypeKeyResponse:
		return "KEY_RESPONSE"
	case MsgTypeNatPunch:
		return "NAT_PUNCH"
	case MsgTypeNatPunchAck:
		return "NAT_PUNCH_ACK"
	default:
		return "UNKNOWN"
	}
}
