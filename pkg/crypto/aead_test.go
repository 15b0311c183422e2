package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x11}, 32)
}

func TestChaChaBoxRoundtrip(t *testing.T) {
	box := ChaChaBox{}
	aad := BuildAAD("alice", "bob", "msg-1")

	ciphertext, err := box.Encrypt([]byte("secret"), testKey(), aad)
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "secret")

	plaintext, err := box.Decrypt(ciphertext, testKey(), aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), plaintext)
}

func TestChaChaBoxRejectsWrongAAD(t *testing.T) {
	box := ChaChaBox{}

	ciphertext, err := box.Encrypt([]byte("secret"), testKey(), BuildAAD("alice", "bob", "msg-1"))
	require.NoError(t, err)

	// Same key, different conversation context: must fail authentication
	_, err = box.Decrypt(ciphertext, testKey(), BuildAAD("alice", "mallory", "msg-1"))
	assert.ErrorIs(t, err, ErrAuthFailed)

	_, err = box.Decrypt(ciphertext, testKey(), BuildAAD("alice", "bob", "msg-2"))
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestChaChaBoxRejectsTamperedCiphertext(t *testing.T) {
	box := ChaChaBox{}
	aad := BuildAAD("alice", "bob", "msg-1")

	ciphertext, err := box.Encrypt([]byte("secret"), testKey(), aad)
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0x01
	_, err = box.Decrypt(ciphertext, testKey(), aad)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestChaChaBoxShortCiphertext(t *testing.T) {
	_, err := ChaChaBox{}.Decrypt([]byte{1, 2, 3}, testKey(), nil)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestBuildAADStructure(t *testing.T) {
	aad := BuildAAD("alice", "bob", "msg-1")
	assert.Len(t, aad, 96)
	assert.NotEqual(t, aad, BuildAAD("bob", "alice", "msg-1"))
}
