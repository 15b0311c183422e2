package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectDelayCapped(t *testing.T) {
	base := 2 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 6 * time.Second},
		{4, 6 * time.Second},
		{10, 6 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ReconnectDelay(tt.attempt, base), "attempt %d", tt.attempt)
	}
}

// fakeHub is a minimal scripted hub behind httptest
type fakeHub struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []Envelope
}

func newFakeHub(t *testing.T) (*fakeHub, *httptest.Server) {
	hub := &fakeHub{t: t}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := hub.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.mu.Lock()
		hub.conn = conn
		hub.mu.Unlock()

		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			hub.mu.Lock()
			hub.received = append(hub.received, env)
			hub.mu.Unlock()

			if env.Type == TypeAuthenticate {
				conn.WriteJSON(&Envelope{Type: TypeAuthenticated})
			}
		}
	}))
	t.Cleanup(server.Close)
	return hub, server
}

func (h *fakeHub) push(env *Envelope) {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	require.NotNil(h.t, conn)
	require.NoError(h.t, conn.WriteJSON(env))
}

func (h *fakeHub) messagesOfType(msgType string) []Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Envelope
	for _, env := range h.received {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestConnectAuthenticateAndSync(t *testing.T) {
	hub, server := newFakeHub(t)

	client := NewClient(Config{Endpoint: wsURL(server), BaseReconnectDelay: time.Millisecond})
	t.Cleanup(client.Close)

	require.NoError(t, client.Connect("0xaaaa", "alice", "pk-a"))

	assert.Eventually(t, func() bool {
		return client.State() == StateAuthenticated
	}, 2*time.Second, 10*time.Millisecond)

	// authenticate carried the identity, and sync followed on its own
	assert.Eventually(t, func() bool {
		return len(hub.messagesOfType(TypeSync)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	auth := hub.messagesOfType(TypeAuthenticate)
	require.Len(t, auth, 1)
	assert.Equal(t, "0xaaaa", auth[0].WalletAddress)
	assert.Equal(t, "alice", auth[0].DisplayName)
}

func TestIncomingMessagesNormalized(t *testing.T) {
	hub, server := newFakeHub(t)

	client := NewClient(Config{Endpoint: wsURL(server), BaseReconnectDelay: time.Millisecond})
	t.Cleanup(client.Close)

	var mu sync.Mutex
	var got []*IncomingMessage
	client.SetMessageHandler(func(m *IncomingMessage) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})

	require.NoError(t, client.Connect("0xbbbb", "bob", "pk-b"))
	require.Eventually(t, func() bool {
		return client.State() == StateAuthenticated
	}, 2*time.Second, 10*time.Millisecond)

	hub.push(&Envelope{Type: TypeMessage, From: "0xaaaa", To: "0xbbbb", PayloadData: "ct", MessageID: "m-1"})
	hub.push(&Envelope{Type: TypeCrossNodeMessage, SourceNode: "node-3",
		From: "0xcccc", To: "0xbbbb", PayloadData: "ct2", MessageID: "m-2"})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "m-1", got[0].MessageID)
	assert.Empty(t, got[0].SourceNode)
	assert.Equal(t, "m-2", got[1].MessageID)
	assert.Equal(t, "node-3", got[1].SourceNode)
	mu.Unlock()

	// Cross-node delivery must be receipted back to the origin node
	assert.Eventually(t, func() bool {
		receipts := hub.messagesOfType(TypeDelivered)
		return len(receipts) == 1 && receipts[0].NodeID == "node-3" && receipts[0].MessageID == "m-2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOfflineBatchDelivered(t *testing.T) {
	hub, server := newFakeHub(t)

	client := NewClient(Config{Endpoint: wsURL(server), BaseReconnectDelay: time.Millisecond})
	t.Cleanup(client.Close)

	var mu sync.Mutex
	var got []*IncomingMessage
	client.SetMessageHandler(func(m *IncomingMessage) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})

	require.NoError(t, client.Connect("0xbbbb", "bob", "pk-b"))
	require.Eventually(t, func() bool {
		return client.State() == StateAuthenticated
	}, 2*time.Second, 10*time.Millisecond)

	hub.push(&Envelope{Type: TypeOfflineMessages, Messages: []Envelope{
		{From: "0xaaaa", To: "0xbbbb", MessageID: "m-1"},
		{From: "0xaaaa", To: "0xbbbb", MessageID: "m-2"},
	}})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2 && got[0].MessageID == "m-1" && got[1].MessageID == "m-2"
	}, 2*time.Second, 10*time.Millisecond)
}

// Scenario: abnormal closes schedule reconnects with increasing delay
// and the session gives up into ERROR after the attempt cap.
func TestReconnectExhaustionEntersError(t *testing.T) {
	// Nothing ever listens here: every dial fails
	client := NewClient(Config{
		Endpoint:             "ws://127.0.0.1:1/ws",
		BaseReconnectDelay:   time.Millisecond,
		MaxReconnectAttempts: 10,
	})
	t.Cleanup(client.Close)

	client.Connect("0xaaaa", "alice", "pk-a")

	assert.Eventually(t, func() bool {
		return client.State() == StateError
	}, 5*time.Second, 10*time.Millisecond, "session must settle into ERROR after exhausting reconnects")
}

func TestSendBeforeAuthenticatedRejected(t *testing.T) {
	client := NewClient(Config{Endpoint: "ws://127.0.0.1:1/ws"})

	err := client.SendMessage("0xbbbb", "ct", "m-1", true, "", "")
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	err = client.SendReadReceipt("m-1", "0xbbbb")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestDeliberateCloseDoesNotReconnect(t *testing.T) {
	_, server := newFakeHub(t)

	client := NewClient(Config{Endpoint: wsURL(server), BaseReconnectDelay: time.Millisecond})
	require.NoError(t, client.Connect("0xaaaa", "alice", "pk-a"))
	require.Eventually(t, func() bool {
		return client.State() == StateAuthenticated
	}, 2*time.Second, 10*time.Millisecond)

	client.Close()
	assert.Equal(t, StateDisconnected, client.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDisconnected, client.State(), "closed session must stay down")
}
