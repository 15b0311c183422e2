package relay

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, cfg StoreConfig) *MessageStore {
	t.Helper()
	store, err := NewMessageStore(filepath.Join(t.TempDir(), "queue.db"), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreAndFetchPurge(t *testing.T) {
	store := newTestStore(t, StoreConfig{})

	require.NoError(t, store.Store("m-1", "0xBBBB", "0xaaaa", []byte("first")))
	require.NoError(t, store.Store("m-2", "0xbbbb", "0xaaaa", []byte("second")))

	count, err := store.PendingCount("0xbbbb")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	msgs, err := store.FetchAndPurge("0xbbbb")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m-1", msgs[0].ID, "batch must come out in storage order")
	assert.Equal(t, "m-2", msgs[1].ID)
	assert.Equal(t, []byte("first"), msgs[0].Payload)

	// Addresses at rest are hashed, never raw
	assert.NotContains(t, msgs[0].RecipientHash, "0xbbbb")
	assert.NotContains(t, msgs[0].SenderHash, "0xaaaa")

	// The batch is gone: a second sync gets nothing
	again, err := store.FetchAndPurge("0xbbbb")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRecipientCaseFolded(t *testing.T) {
	store := newTestStore(t, StoreConfig{})

	require.NoError(t, store.Store("m-1", "0xBBBB", "0xaaaa", []byte("x")))

	msgs, err := store.FetchAndPurge("0xbbbb")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestDuplicateMessageRejected(t *testing.T) {
	store := newTestStore(t, StoreConfig{})

	require.NoError(t, store.Store("m-1", "0xbbbb", "0xaaaa", []byte("x")))
	err := store.Store("m-1", "0xbbbb", "0xaaaa", []byte("x"))
	assert.ErrorIs(t, err, ErrDuplicateMessage)

	count, err := store.PendingCount("0xbbbb")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "duplicate must not double-store")
}

func TestPerRecipientCapRejectsNew(t *testing.T) {
	store := newTestStore(t, StoreConfig{PerRecipientCap: 2})

	require.NoError(t, store.Store("m-1", "0xbbbb", "0xaaaa", []byte("x")))
	require.NoError(t, store.Store("m-2", "0xbbbb", "0xaaaa", []byte("y")))

	// Overflow rejects the newcomer; m-1 and m-2 stay untouched
	err := store.Store("m-3", "0xbbbb", "0xaaaa", []byte("z"))
	assert.ErrorIs(t, err, ErrRecipientQueueFull)

	msgs, err := store.FetchAndPurge("0xbbbb")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m-1", msgs[0].ID)

	// Another recipient is unaffected by the full queue
	assert.NoError(t, store.Store("m-4", "0xcccc", "0xaaaa", []byte("w")))
}

func TestStorageCeilingRejectsNew(t *testing.T) {
	store := newTestStore(t, StoreConfig{CeilingBytes: 32})

	require.NoError(t, store.Store("m-1", "0xbbbb", "0xaaaa", make([]byte, 20)))

	err := store.Store("m-2", "0xcccc", "0xaaaa", make([]byte, 20))
	assert.ErrorIs(t, err, ErrStorageCeiling)

	total, err := store.TotalBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(20), total)
}

func TestMessagesExpireAfterTTL(t *testing.T) {
	mock := clock.NewMock()
	store := newTestStore(t, StoreConfig{Clock: mock, CleanupInterval: 24 * time.Hour})

	require.NoError(t, store.Store("m-1", "0xbbbb", "0xaaaa", []byte("x")))

	// Just inside the window the message is still live
	mock.Add(7*24*time.Hour - time.Minute)
	count, err := store.PendingCount("0xbbbb")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Past the window it is invisible to fetches
	mock.Add(2 * time.Minute)
	msgs, err := store.FetchAndPurge("0xbbbb")
	require.NoError(t, err)
	assert.Empty(t, msgs, "expired messages are never delivered")
}

func TestSweepRemovesExpiredAndDelivered(t *testing.T) {
	mock := clock.NewMock()
	store := newTestStore(t, StoreConfig{Clock: mock, CleanupInterval: 24 * 365 * time.Hour})

	require.NoError(t, store.Store("m-old", "0xbbbb", "0xaaaa", []byte("x")))
	mock.Add(8 * 24 * time.Hour) // m-old expires
	require.NoError(t, store.Store("m-done", "0xbbbb", "0xaaaa", []byte("y")))
	require.NoError(t, store.Store("m-live", "0xbbbb", "0xaaaa", []byte("z")))
	require.NoError(t, store.MarkDelivered("m-done"))

	swept, err := store.Sweep()
	require.NoError(t, err)
	assert.Equal(t, int64(2), swept)

	msgs, err := store.FetchAndPurge("0xbbbb")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-live", msgs[0].ID)
}

func TestTotalCountAcrossRecipients(t *testing.T) {
	store := newTestStore(t, StoreConfig{})

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Store(fmt.Sprintf("b-%d", i), "0xbbbb", "0xaaaa", []byte("x")))
	}
	require.NoError(t, store.Store("c-0", "0xcccc", "0xaaaa", []byte("x")))

	count, err := store.TotalCount()
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}
