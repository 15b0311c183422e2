package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"log"
	"net"
	"os"
	"time"

	"github.com/mchat-network/mchat-node/pkg/protocol"
)

// receiveLoop blocks on short-deadline socket reads for the lifetime of
// the transport, decoding each datagram and dispatching by type.
// Malformed datagrams decode to nil and are dropped without comment;
// garbage must never take the loop down.
func (t *Transport) receiveLoop() {
	defer t.wg.Done()

	buf := make([]byte, protocol.FrameOverhead+protocol.MaxPayloadSize)

	for {
		select {
		case <-t.done:
			return
		default:
		}

		t.conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			select {
			case <-t.done:
				return
			default:
				log.Printf("⚠️  Socket read error: %v", err)
				continue
			}
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])

		frame := protocol.DecodeFrame(raw)
		if frame == nil {
			continue
		}

		t.dispatch(frame, from)
	}
}

// dispatch is the single point where inbound frame types fan out.
// Every known type is handled here; adding a protocol type means
// adding a case.
func (t *Transport) dispatch(frame *protocol.Frame, from *net.UDPAddr) {
	t.mu.RLock()
	pc, known := t.conns[frame.SourceID]
	t.mu.RUnlock()
	if known {
		pc.markReceived()
	}

	switch frame.Type {
	case protocol.MsgTypePing:
		t.replyTo(frame.SourceID, from, protocol.MsgTypePong, nil, 0)

	case protocol.MsgTypePong:
		// keepalive answered; activity already recorded above

	case protocol.MsgTypeHandshake:
		t.handleHandshake(frame, from)

	case protocol.MsgTypeHandshakeAck:
		if known {
			pc.setState(ConnConnected)
		}

	case protocol.MsgTypeDisconnect:
		log.Printf("👋 Peer %x disconnected", frame.SourceID[:8])
		t.removeConnection(frame.SourceID)

	case protocol.MsgTypePeerRequest:
		t.handlePeerRequest(frame, from)

	case protocol.MsgTypePeerResponse:
		t.handlePeerResponse(frame)

	case protocol.MsgTypeNatPunch:
		// Counter-punch opens our side of the binding; the ack tells
		// the peer theirs is open
		t.signalPunch(frame.SourceID)
		t.replyTo(frame.SourceID, from, protocol.MsgTypeNatPunchAck, nil, 0)

	case protocol.MsgTypeNatPunchAck:
		t.signalPunch(frame.SourceID)

	case protocol.MsgTypeAck:
		t.handleAck(frame)

	case protocol.MsgTypeChatMessage, protocol.MsgTypeReadReceipt,
		protocol.MsgTypeTyping, protocol.MsgTypeDeliveryReceipt,
		protocol.MsgTypeRelayForward, protocol.MsgTypeRelayAck, protocol.MsgTypeRelayError,
		protocol.MsgTypeKeyRequest, protocol.MsgTypeKeyResponse:
		if frame.HasFlag(protocol.FlagRequireAck) {
			t.sendAck(frame, from)
		}
		if t.onMessage != nil {
			t.onMessage(Message{Frame: frame, From: from})
		}
	}
}

// handleHandshake registers (or refreshes) the peer connection and
// answers with a handshake ack carrying our own public endpoint
func (t *Transport) handleHandshake(frame *protocol.Frame, from *net.UDPAddr) {
	t.mu.Lock()
	pc, ok := t.conns[frame.SourceID]
	if !ok {
		if len(t.conns) >= t.cfg.MaxConnections {
			t.mu.Unlock()
			log.Printf("⚠️  Rejecting handshake from %x: connection cap reached", frame.SourceID[:8])
			return
		}
		pc = newPeerConnection("", frame.SourceID, from)
		t.conns[frame.SourceID] = pc
	}
	pc.setState(ConnConnected)
	t.mu.Unlock()

	// The payload is the peer's self-reported public endpoint; cache it
	// for future punches in preference to the observed source address
	if len(frame.Payload) > 0 {
		if ep, err := net.ResolveUDPAddr("udp", string(frame.Payload)); err == nil {
			t.book.Put(frame.SourceID, ep)
		}
	} else {
		t.book.Put(frame.SourceID, from)
	}

	t.signalPunch(frame.SourceID)

	if err := t.sendHandshake(frame.SourceID, from, protocol.MsgTypeHandshakeAck); err != nil {
		log.Printf("⚠️  Handshake ack to %x failed: %v", frame.SourceID[:8], err)
		return
	}

	log.Printf("🤝 Handshake with %x complete", frame.SourceID[:8])
}

// handlePeerRequest answers a discovery request with the endpoints of
// our open connections
func (t *Transport) handlePeerRequest(frame *protocol.Frame, from *net.UDPAddr) {
	t.mu.RLock()
	endpoints := make([]string, 0, len(t.conns))
	for _, pc := range t.conns {
		if pc.State() == ConnConnected && pc.NodeID != frame.SourceID {
			endpoints = append(endpoints, pc.Addr.String())
		}
	}
	t.mu.RUnlock()

	payload, err := json.Marshal(endpoints)
	if err != nil {
		return
	}

	t.replyTo(frame.SourceID, from, protocol.MsgTypePeerResponse, payload, 0)
}

func (t *Transport) handlePeerResponse(frame *protocol.Frame) {
	var endpoints []string
	if err := json.Unmarshal(frame.Payload, &endpoints); err != nil {
		return
	}
	log.Printf("🔍 Peer %x shared %d endpoints", frame.SourceID[:8], len(endpoints))
}

// handleAck clears the pending-ack entry named in the payload
func (t *Transport) handleAck(frame *protocol.Frame) {
	if len(frame.Payload) != 4 {
		return
	}
	seq := binary.BigEndian.Uint32(frame.Payload)

	t.ackMu.Lock()
	_, ok := t.pendingAcks[seq]
	delete(t.pendingAcks, seq)
	t.ackMu.Unlock()

	if ok {
		log.Printf("✅ Ack received for seq=%d", seq)
	}
}

// sendAck acknowledges a frame that requested it
func (t *Transport) sendAck(frame *protocol.Frame, from *net.UDPAddr) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, frame.Sequence)
	t.replyTo(frame.SourceID, from, protocol.MsgTypeAck, payload, protocol.FlagIsAck)
}

func (t *Transport) replyTo(dest protocol.NodeID, addr *net.UDPAddr, msgType uint8, payload []byte, flags uint16) {
	raw, err := t.codec.Encode(msgType, payload, t.nodeID, dest, flags, protocol.DefaultTTL, nil)
	if err != nil {
		return
	}
	if _, err := t.conn.WriteToUDP(raw, addr); err != nil {
		log.Printf("⚠️  Reply %s to %s failed: %v", protocol.MessageTypeName(msgType), addr, err)
	}
}
