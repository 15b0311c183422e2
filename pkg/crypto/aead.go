package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrAuthFailed marks an AEAD open failure. Callers must treat it as a
// security rejection: drop the message, never persist or display it.
var ErrAuthFailed = errors.New("authentication tag mismatch")

// Encryptor is the boundary to the external encryption component.
// The orchestrator only needs seal/open with additional authenticated
// data; key agreement and custody live outside this module.
type Encryptor interface {
	Encrypt(plaintext, key, aad []byte) ([]byte, error)
	Decrypt(ciphertext, key, aad []byte) ([]byte, error)
}

// BuildAAD binds sender, recipient and the hash of the message id into
// the ciphertext's integrity check, so a message cannot be replayed in
// another conversation or under another id.
func BuildAAD(senderID, recipientID string, messageID string) []byte {
	aad := make([]byte, 0, 96)
	aad = append(aad, Hash([]byte(senderID))...)
	aad = append(aad, Hash([]byte(recipientID))...)
	aad = append(aad, Hash([]byte(messageID))...)
	return aad
}

// ChaChaBox is the reference Encryptor, using ChaCha20-Poly1305 with a
// random nonce prepended to the ciphertext.
type ChaChaBox struct{}

// Encrypt seals plaintext under key, binding aad into the tag
func (ChaChaBox) Encrypt(plaintext, key, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("bad key: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Decrypt opens ciphertext produced by Encrypt. A wrong key or aad
// returns ErrAuthFailed.
func (ChaChaBox) Decrypt(ciphertext, key, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("bad key: %w", err)
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrAuthFailed
	}

	nonce, ciphertext := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}

	return plaintext, nil
}
