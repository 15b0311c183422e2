package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSTUNClientCachesResult(t *testing.T) {
	queries := 0
	client := NewSTUNClient([]string{"stun.example.org:3478"})
	client.queryFunc = func(server string) (*net.UDPAddr, error) {
		queries++
		return &net.UDPAddr{IP: net.IPv4(203, 0, 113, 7), Port: 40000}, nil
	}

	addr1, err := client.ExternalAddr()
	require.NoError(t, err)
	addr2, err := client.ExternalAddr()
	require.NoError(t, err)

	assert.Equal(t, addr1, addr2)
	assert.Equal(t, 1, queries, "second call must hit the cache")
}

func TestSTUNClientCacheExpiry(t *testing.T) {
	queries := 0
	client := NewSTUNClient([]string{"stun.example.org:3478"})
	client.cacheDuration = time.Millisecond
	client.queryFunc = func(server string) (*net.UDPAddr, error) {
		queries++
		return &net.UDPAddr{IP: net.IPv4(203, 0, 113, 7), Port: 40000 + queries}, nil
	}

	_, err := client.ExternalAddr()
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = client.ExternalAddr()
	require.NoError(t, err)
	assert.Equal(t, 2, queries)
}

func TestSTUNClientTriesServersInOrder(t *testing.T) {
	var tried []string
	client := NewSTUNClient([]string{"a:3478", "b:3478"})
	client.queryFunc = func(server string) (*net.UDPAddr, error) {
		tried = append(tried, server)
		if server == "a:3478" {
			return nil, errors.New("unreachable")
		}
		return &net.UDPAddr{IP: net.IPv4(203, 0, 113, 7), Port: 40000}, nil
	}

	addr, err := client.ExternalAddr()
	require.NoError(t, err)
	assert.NotNil(t, addr)
	assert.Equal(t, []string{"a:3478", "b:3478"}, tried)
}

func TestSTUNClientAllServersFail(t *testing.T) {
	client := NewSTUNClient([]string{"a:3478"})
	client.queryFunc = func(server string) (*net.UDPAddr, error) {
		return nil, errors.New("unreachable")
	}

	_, err := client.ExternalAddr()
	assert.ErrorIs(t, err, ErrSTUNTimeout)
}
