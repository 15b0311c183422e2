package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mchat-network/mchat-node/pkg/crypto"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		want    string
		wantErr bool
	}{
		{"ip4 udp", "/ip4/192.0.2.10/udp/9000", "192.0.2.10:9000", false},
		{"ip6 udp", "/ip6/::1/udp/9000", "[::1]:9000", false},
		{"tcp not udp", "/ip4/192.0.2.10/tcp/9000", "", true},
		{"no ip", "/udp/9000", "", true},
		{"garbage", "not-a-multiaddr", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEndpoint(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestPeerBookMerge(t *testing.T) {
	book, err := NewPeerBook()
	require.NoError(t, err)

	added := book.Merge([]BootstrapPeer{
		{WalletAddress: "0xaaaa", Multiaddr: "/ip4/192.0.2.1/udp/9000"},
		{WalletAddress: "0xbbbb", Multiaddr: "/ip4/192.0.2.2/udp/9001"},
		{WalletAddress: "0xcccc", Multiaddr: "broken"},
	})

	assert.Equal(t, 2, added)
	assert.Equal(t, 2, book.Len())

	addr, ok := book.Lookup(crypto.DeriveNodeID("0xaaaa"))
	require.True(t, ok)
	assert.Equal(t, "192.0.2.1:9000", addr.String())

	_, ok = book.Lookup(crypto.DeriveNodeID("0xcccc"))
	assert.False(t, ok, "unparseable entries must be skipped")
}

func TestPeerBookHandshakeRefresh(t *testing.T) {
	book, err := NewPeerBook()
	require.NoError(t, err)

	id := crypto.DeriveNodeID("0xaaaa")
	book.Put(id, &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 9000})
	book.Put(id, &net.UDPAddr{IP: net.IPv4(192, 0, 2, 9), Port: 9999})

	addr, ok := book.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.9:9999", addr.String(), "newer endpoint must win")
	assert.Equal(t, 1, book.Len())
}
