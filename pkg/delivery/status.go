package delivery

import "time"

// Status is the lifecycle of one outbound message.
//
//	SENDING → SENT | PENDING | FAILED
//	SENT, PENDING → DELIVERED
//	DELIVERED → READ
//
// FAILED and READ are terminal.
type Status int

const (
	StatusSending Status = iota
	StatusSent
	StatusPending
	StatusFailed
	StatusDelivered
	StatusRead
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "SENDING"
	case StatusSent:
		return "SENT"
	case StatusPending:
		return "PENDING"
	case StatusFailed:
		return "FAILED"
	case StatusDelivered:
		return "DELIVERED"
	case StatusRead:
		return "READ"
	default:
		return "UNKNOWN"
	}
}

// CanTransitionTo reports whether next is a legal successor of s.
// Receipts arrive over unreliable, reordered paths, so illegal
// transitions (a late DELIVERED after READ, a duplicate receipt) are
// expected traffic and simply refused.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusSending:
		return next == StatusSent || next == StatusPending || next == StatusFailed
	case StatusSent, StatusPending:
		return next == StatusDelivered
	case StatusDelivered:
		return next == StatusRead
	default:
		// FAILED and READ are terminal
		return false
	}
}

// Path names which delivery route carried a message
type Path string

const (
	PathP2P        Path = "p2p"
	PathHub        Path = "hub"
	PathLocalRelay Path = "local_relay"
	PathOffline    Path = "offline_store"
	PathNone       Path = ""
)

// Update is one emitted delivery-status change
type Update struct {
	MessageID string
	Status    Status
	Path      Path
	Timestamp time.Time
}
