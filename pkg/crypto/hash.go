package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/mchat-network/mchat-node/pkg/protocol"
)

// Hash generates a BLAKE2b-256 hash
func Hash(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// HashString generates a BLAKE2b hash and returns hex string
func HashString(data []byte) string {
	return hex.EncodeToString(Hash(data))
}

// DeriveNodeID derives the 32-byte wire identity from a wallet address.
// Addresses are case-folded first so checksummed and lowercase forms of
// the same wallet map to the same node id.
func DeriveNodeID(walletAddress string) protocol.NodeID {
	var id protocol.NodeID
	copy(id[:], Hash([]byte(strings.ToLower(walletAddress))))
	return id
}

// PrivacyHash hashes an address for storage at rest. The offline store
// keys messages by this value so a seized relay database never contains
// raw wallet addresses.
func PrivacyHash(address string) string {
	return HashString([]byte(strings.ToLower(address)))
}

// GenerateNonce generates a random nonce
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	_, err := rand.Read(nonce)
	if err != nil {
		return nil, err
	}
	return nonce, nil
}
