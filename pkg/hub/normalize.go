package hub

import (
	"encoding/json"
	"errors"
)

var ErrBadCrossNodeShape = errors.New("cross-node message matches neither known shape")

// NormalizeCrossNode folds the hub's two cross-node message shapes into
// one IncomingMessage.
//
// Web relay nodes send a nested payload:
//
//	{"type":"cross_node_message","sourceNode":"...","messagePayload":{"from":...,"to":...}}
//
// Mobile relay nodes flatten the same fields onto the envelope:
//
//	{"type":"cross_node_message","sourceNode":"...","from":...,"to":...}
//
// Both are legitimate peers; the shape difference is a protocol fact to
// tolerate, not a bug to reject.
func NormalizeCrossNode(env *Envelope) (*IncomingMessage, error) {
	if len(env.NestedPayload) > 0 {
		var inner Envelope
		if err := json.Unmarshal(env.NestedPayload, &inner); err != nil {
			return nil, ErrBadCrossNodeShape
		}
		if inner.To == "" {
			return nil, ErrBadCrossNodeShape
		}
		return &IncomingMessage{
			From:            inner.From,
			To:              inner.To,
			Payload:         inner.PayloadData,
			Encrypted:       inner.Encrypted,
			MessageID:       inner.MessageID,
			Signature:       inner.Signature,
			SenderPublicKey: inner.SenderPublicKey,
			Timestamp:       inner.Timestamp,
			SourceNode:      env.SourceNode,
		}, nil
	}

	if env.To == "" {
		return nil, ErrBadCrossNodeShape
	}

	return &IncomingMessage{
		From:            env.From,
		To:              env.To,
		Payload:         env.PayloadData,
		Encrypted:       env.Encrypted,
		MessageID:       env.MessageID,
		Signature:       env.Signature,
		SenderPublicKey: env.SenderPublicKey,
		Timestamp:       env.Timestamp,
		SourceNode:      env.SourceNode,
	}, nil
}

// normalizeDirect maps an ordinary hub message envelope
func normalizeDirect(env *Envelope) *IncomingMessage {
	return &IncomingMessage{
		From:            env.From,
		To:              env.To,
		Payload:         env.PayloadData,
		Encrypted:       env.Encrypted,
		MessageID:       env.MessageID,
		Signature:       env.Signature,
		SenderPublicKey: env.SenderPublicKey,
		Timestamp:       env.Timestamp,
	}
}
