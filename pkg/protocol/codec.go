package protocol

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
)

var (
	ErrPayloadTooLarge  = errors.New("payload exceeds maximum frame size")
	ErrInvalidSignature = errors.New("signature must be empty or 64 bytes")
)

// Codec encodes outbound frames. Each codec owns its own sequence
// counter; construct one per transport and pass it to collaborators
// instead of sharing a process-wide counter.
type Codec struct {
	seq atomic.Uint32
}

// NewCodec creates a codec with its sequence counter at zero
func NewCodec() *Codec {
	return &Codec{}
}

// Encode builds a wire frame around an opaque payload.
//
// The signature may be nil (zero-filled on the wire) or exactly 64
// bytes. The checksum is computed last, over header+routing+payload,
// and backfilled into the header.
func (c *Codec) Encode(msgType uint8, payload []byte, sourceID, destID NodeID, flags uint16, ttl uint8, signature []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	if len(signature) != 0 && len(signature) != SignatureSize {
		return nil, ErrInvalidSignature
	}

	buf := make([]byte, FrameOverhead+len(payload))

	binary.BigEndian.PutUint32(buf[offMagic:], ProtocolMagic)
	buf[offVersion] = ProtocolVersion
	buf[offType] = msgType
	binary.BigEndian.PutUint16(buf[offFlags:], flags)
	binary.BigEndian.PutUint32(buf[offLength:], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[offSequence:], c.seq.Add(1))

	copy(buf[offSourceID:], sourceID[:])
	copy(buf[offDestID:], destID[:])
	buf[offTTL] = ttl
	buf[offHops] = 0
	// reserved bytes 86-87 stay zero

	copy(buf[offPayload:], payload)
	copy(buf[offPayload+len(payload):], signature)

	binary.BigEndian.PutUint32(buf[offChecksum:], frameChecksum(buf))

	return buf, nil
}
