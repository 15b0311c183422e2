package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	store := newTestStore(t, StoreConfig{CeilingBytes: cfg.Tier.StorageCeiling()})
	server := NewServer(store, cfg)
	web := httptest.NewServer(server.router)
	t.Cleanup(web.Close)
	return server, web
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialRelay(t *testing.T, web *httptest.Server) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(web.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(env *Envelope) {
	require.NoError(c.t, c.conn.WriteJSON(env))
}

func (c *testClient) read() *Envelope {
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(c.t, c.conn.ReadJSON(&env))
	return &env
}

func (c *testClient) authenticate(address string) {
	c.send(&Envelope{Type: TypeAuthenticate, Address: address, DisplayName: "tester"})
	env := c.read()
	require.Equal(c.t, TypeAuthenticated, env.Type)
}

func TestAuthenticateAndPing(t *testing.T) {
	_, web := newTestServer(t, ServerConfig{NodeID: "node-1"})

	client := dialRelay(t, web)

	// Ping works before authentication
	client.send(&Envelope{Type: TypePing})
	assert.Equal(t, TypePong, client.read().Type)

	client.authenticate("0xAAAA")

	client.send(&Envelope{Type: TypePing})
	assert.Equal(t, TypePong, client.read().Type)
}

func TestRelayBeforeAuthenticateRejected(t *testing.T) {
	_, web := newTestServer(t, ServerConfig{NodeID: "node-1"})

	client := dialRelay(t, web)
	client.send(&Envelope{Type: TypeRelay, To: "0xbbbb", Payload: "ct", MessageID: "m-1"})

	env := client.read()
	assert.Equal(t, TypeError, env.Type)
}

func TestRelayBetweenLiveSessions(t *testing.T) {
	server, web := newTestServer(t, ServerConfig{NodeID: "node-1"})

	alice := dialRelay(t, web)
	alice.authenticate("0xaaaa")
	bob := dialRelay(t, web)
	bob.authenticate("0xBBBB")

	alice.send(&Envelope{
		Type: TypeRelay, To: "0xbbbb", Payload: "ciphertext",
		Encrypted: true, MessageID: "m-1", SenderPublicKey: "pk-a",
	})

	msg := bob.read()
	assert.Equal(t, TypeMessage, msg.Type)
	assert.Equal(t, "0xaaaa", msg.From)
	assert.Equal(t, "ciphertext", msg.Payload)
	assert.Equal(t, "m-1", msg.MessageID)

	ack := alice.read()
	assert.Equal(t, TypeRelayAck, ack.Type)
	assert.True(t, ack.Delivered)
	assert.Equal(t, StatusDelivered, ack.Status)

	assert.Eventually(t, func() bool { return server.MessagesRelayed() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestOfflineQueueThenSync(t *testing.T) {
	_, web := newTestServer(t, ServerConfig{NodeID: "node-1"})

	alice := dialRelay(t, web)
	alice.authenticate("0xaaaa")

	// Nobody named 0xcccc is connected: message goes to the queue
	alice.send(&Envelope{Type: TypeRelay, To: "0xCCCC", Payload: "ct-1", MessageID: "m-1", Encrypted: true})
	ack := alice.read()
	require.Equal(t, TypeRelayAck, ack.Type)
	assert.False(t, ack.Delivered)
	assert.Equal(t, StatusQueuedOffline, ack.Status)

	alice.send(&Envelope{Type: TypeRelay, To: "0xcccc", Payload: "ct-2", MessageID: "m-2", Encrypted: true})
	require.Equal(t, StatusQueuedOffline, alice.read().Status)

	// The recipient comes online and syncs
	carol := dialRelay(t, web)
	carol.authenticate("0xcccc")
	carol.send(&Envelope{Type: TypeSync, Timestamp: time.Now().Unix()})

	batch := carol.read()
	require.Equal(t, TypeOfflineMessages, batch.Type)
	require.Len(t, batch.Messages, 2)
	assert.Equal(t, "m-1", batch.Messages[0].MessageID, "offline batch keeps arrival order")
	assert.Equal(t, "ct-1", batch.Messages[0].Payload)
	assert.Equal(t, "0xaaaa", batch.Messages[0].From)
	assert.True(t, batch.Messages[0].Encrypted)
	assert.Equal(t, "m-2", batch.Messages[1].MessageID)

	// The batch was purged on delivery: a second sync is empty
	carol.send(&Envelope{Type: TypeSync, Timestamp: time.Now().Unix()})
	again := carol.read()
	require.Equal(t, TypeOfflineMessages, again.Type)
	assert.Empty(t, again.Messages)
}

func TestStaleSyncRefused(t *testing.T) {
	_, web := newTestServer(t, ServerConfig{NodeID: "node-1"})

	carol := dialRelay(t, web)
	carol.authenticate("0xcccc")

	carol.send(&Envelope{Type: TypeSync, Timestamp: time.Now().Add(-10 * time.Minute).Unix()})
	assert.Equal(t, TypeError, carol.read().Type)

	// Missing timestamp counts as stale too
	carol.send(&Envelope{Type: TypeSync})
	assert.Equal(t, TypeError, carol.read().Type)
}

func TestDuplicateRelayAckedAsQueued(t *testing.T) {
	_, web := newTestServer(t, ServerConfig{NodeID: "node-1"})

	alice := dialRelay(t, web)
	alice.authenticate("0xaaaa")

	alice.send(&Envelope{Type: TypeRelay, To: "0xcccc", Payload: "ct", MessageID: "m-1"})
	require.Equal(t, StatusQueuedOffline, alice.read().Status)

	// A retransmit of the same message id is safe, not an error
	alice.send(&Envelope{Type: TypeRelay, To: "0xcccc", Payload: "ct", MessageID: "m-1"})
	ack := alice.read()
	assert.Equal(t, StatusQueuedOffline, ack.Status)
	assert.Empty(t, ack.Error)
}

func TestCapacityRejectionReachesSender(t *testing.T) {
	store := newTestStore(t, StoreConfig{CeilingBytes: 16})
	server := NewServer(store, ServerConfig{NodeID: "node-1"})
	web := httptest.NewServer(server.router)
	t.Cleanup(web.Close)

	alice := dialRelay(t, web)
	alice.authenticate("0xaaaa")

	alice.send(&Envelope{
		Type: TypeRelay, To: "0xcccc", MessageID: "m-1",
		Payload: strings.Repeat("x", 256),
	})

	ack := alice.read()
	require.Equal(t, TypeRelayAck, ack.Type)
	assert.False(t, ack.Delivered)
	assert.Equal(t, StatusRejected, ack.Status)
	assert.NotEmpty(t, ack.Error, "sender must learn why the relay refused")
}

func TestReadReceiptForwardedToLivePeer(t *testing.T) {
	_, web := newTestServer(t, ServerConfig{NodeID: "node-1"})

	alice := dialRelay(t, web)
	alice.authenticate("0xaaaa")
	bob := dialRelay(t, web)
	bob.authenticate("0xbbbb")

	bob.send(&Envelope{Type: TypeRead, To: "0xaaaa", MessageID: "m-1"})

	receipt := alice.read()
	assert.Equal(t, TypeReadReceipt, receipt.Type)
	assert.Equal(t, "m-1", receipt.MessageID)
	assert.Equal(t, "0xbbbb", receipt.From)
}

func TestStatusAPI(t *testing.T) {
	server, web := newTestServer(t, ServerConfig{NodeID: "node-7", Tier: TierGold})

	alice := dialRelay(t, web)
	alice.authenticate("0xaaaa")
	require.Eventually(t, func() bool { return server.ConnectedUsers() == 1 },
		time.Second, 10*time.Millisecond)

	resp, err := http.Get(web.URL + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "node-7", status["nodeId"])
	assert.Equal(t, float64(1), status["connectedUsers"])
	assert.Equal(t, "Gold", status["tier"])

	resp, err = http.Get(web.URL + "/api/v1/tier")
	require.NoError(t, err)
	defer resp.Body.Close()

	var tier map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tier))
	assert.Equal(t, "Gold", tier["tier"])
	assert.Equal(t, float64(1.5), tier["rewardMultiplier"])

	resp, err = http.Get(web.URL + "/api/v1/queue")
	require.NoError(t, err)
	defer resp.Body.Close()

	var queue map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&queue))
	assert.Equal(t, float64(0), queue["queuedMessages"])
}
