package protocol

import (
	"encoding/binary"
	"hash/crc32"
)

// Frame is one decoded wire frame.
//
// Layout (big-endian):
//
//	magic(4) version(1) type(1) flags(2) length(4) seq(4) checksum(4)
//	sourceId(32) destId(32) ttl(1) hops(1) reserved(2)
//	payload(length) signature(64)
//
// The checksum covers the header (minus the checksum field itself), the
// routing section and the payload. The signature is excluded so a relay
// can re-sign without invalidating the frame.
type Frame struct {
	Type      uint8
	Flags     uint16
	Sequence  uint32
	Checksum  uint32
	SourceID  NodeID
	DestID    NodeID
	TTL       uint8
	Hops      uint8
	Payload   []byte
	Signature [SignatureSize]byte
}

// HasFlag checks if a flag is set
func (f *Frame) HasFlag(flag uint16) bool {
	return (f.Flags & flag) != 0
}

// SetFlag sets a flag
func (f *Frame) SetFlag(flag uint16) {
	f.Flags |= flag
}

// ClearFlag clears a flag
func (f *Frame) ClearFlag(flag uint16) {
	f.Flags &^= flag
}

// Header field offsets within an encoded frame
const (
	offMagic    = 0
	offVersion  = 4
	offType     = 5
	offFlags    = 6
	offLength   = 8
	offSequence = 12
	offChecksum = 16
	offSourceID = 20
	offDestID   = 52
	offTTL      = 84
	offHops     = 85
	offPayload  = HeaderSize + RoutingSize
)

// frameChecksum computes the CRC32 over everything the checksum field
// protects: header with the checksum bytes zeroed, routing and payload.
func frameChecksum(buf []byte) uint32 {
	crc := crc32.NewIEEE()
	crc.Write(buf[:offChecksum])
	crc.Write([]byte{0, 0, 0, 0})
	crc.Write(buf[offChecksum+4 : len(buf)-SignatureSize])
	return crc.Sum32()
}

// DecodeFrame decodes a raw datagram into a Frame.
//
// It fails closed: any malformed, truncated or adversarial input returns
// nil rather than an error, so the receive loop can drop it silently and
// keep reading. Rejections: short buffer, wrong magic, unsupported
// version, unknown type byte, declared length not matching the buffer,
// checksum mismatch.
func DecodeFrame(buf []byte) *Frame {
	if len(buf) < FrameOverhead {
		return nil
	}

	if binary.BigEndian.Uint32(buf[offMagic:]) != ProtocolMagic {
		return nil
	}

	if buf[offVersion] != ProtocolVersion {
		return nil
	}

	if !KnownMessageType(buf[offType]) {
		return nil
	}

	length := binary.BigEndian.Uint32(buf[offLength:])
	if length > MaxPayloadSize {
		return nil
	}
	if len(buf) != FrameOverhead+int(length) {
		return nil
	}

	if binary.BigEndian.Uint32(buf[offChecksum:]) != frameChecksum(buf) {
		return nil
	}

	frame := &Frame{
		Type:     buf[offType],
		Flags:    binary.BigEndian.Uint16(buf[offFlags:]),
		Sequence: binary.BigEndian.Uint32(buf[offSequence:]),
		Checksum: binary.BigEndian.Uint32(buf[offChecksum:]),
		TTL:      buf[offTTL],
		Hops:     buf[offHops],
		Payload:  make([]byte, length),
	}

	copy(frame.SourceID[:], buf[offSourceID:offSourceID+32])
	copy(frame.DestID[:], buf[offDestID:offDestID+32])
	copy(frame.Payload, buf[offPayload:offPayload+int(length)])
	copy(frame.Signature[:], buf[offPayload+int(length):])

	return frame
}

// FrameSequence reads the sequence number out of an encoded frame
// without paying for a full decode. The send path uses it to key its
// pending-ack ledger.
func FrameSequence(buf []byte) uint32 {
	if len(buf) < HeaderSize {
		return 0
	}
	return binary.BigEndian.Uint32(buf[offSequence:])
}

// IncrementHops prepares an encoded frame for relay forwarding:
// TTL is decremented, the hop count incremented and the checksum
// recomputed. Returns nil when the TTL is already exhausted - the
// caller must drop the frame instead of forwarding it (loop/flood
// prevention, not an error).
func IncrementHops(buf []byte) []byte {
	if len(buf) < FrameOverhead {
		return nil
	}

	if buf[offTTL] == 0 {
		return nil
	}

	out := make([]byte, len(buf))
	copy(out, buf)

	out[offTTL]--
	out[offHops]++
	binary.BigEndian.PutUint32(out[offChecksum:], frameChecksum(out))

	return out
}
