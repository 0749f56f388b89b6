package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateReturnsOneHubPerDocument(t *testing.T) {
	r := NewRegistry(testAuth(), newFakeStore(), testConfig())
	defer r.Shutdown(context.Background())

	const goroutines = 32
	var wg sync.WaitGroup
	hubs := make([]*Hub, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hubs[i] = r.GetOrCreate("doc-1")
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		assert.Same(t, hubs[0], hubs[i])
	}
	assert.NotSame(t, hubs[0], r.GetOrCreate("doc-2"))
}

func TestGetReturnsNilForUnknownDocument(t *testing.T) {
	r := NewRegistry(testAuth(), newFakeStore(), testConfig())
	defer r.Shutdown(context.Background())

	assert.Nil(t, r.Get("never-opened"))
	h := r.GetOrCreate("doc-1")
	assert.Same(t, h, r.Get("doc-1"))
}

func TestEmptyHubIsReleasedAfterGrace(t *testing.T) {
	cfg := testConfig()
	cfg.TeardownGrace = 20 * time.Millisecond

	r := NewRegistry(testAuth(), newFakeStore(), cfg)
	defer r.Shutdown(context.Background())

	h := r.GetOrCreate("doc-1")
	conn := &fakeConn{}
	sess, err := h.Admit(context.Background(), "editor-token", nil, conn)
	require.NoError(t, err)

	h.Remove(sess.ConnectionID)

	assert.Eventually(t, func() bool {
		return r.Get("doc-1") == nil
	}, time.Second, 5*time.Millisecond)
	assert.True(t, h.isClosed())
}

func TestReconnectDuringGraceCancelsTeardown(t *testing.T) {
	cfg := testConfig()
	cfg.TeardownGrace = 60 * time.Millisecond

	r := NewRegistry(testAuth(), newFakeStore(), cfg)
	defer r.Shutdown(context.Background())

	h := r.GetOrCreate("doc-1")
	conn := &fakeConn{}
	sess, err := h.Admit(context.Background(), "editor-token", nil, conn)
	require.NoError(t, err)

	h.Remove(sess.ConnectionID)

	// Reconnect well inside the grace window.
	conn2 := &fakeConn{}
	_, err = h.Admit(context.Background(), "editor-token", nil, conn2)
	require.NoError(t, err)

	time.Sleep(2 * cfg.TeardownGrace)
	assert.False(t, h.isClosed())
	assert.Same(t, h, r.Get("doc-1"))
}

func TestGetOrCreateReplacesClosedHub(t *testing.T) {
	r := NewRegistry(testAuth(), newFakeStore(), testConfig())
	defer r.Shutdown(context.Background())

	h := r.GetOrCreate("doc-1")
	require.NoError(t, h.Shutdown(context.Background()))

	replacement := r.GetOrCreate("doc-1")
	assert.NotSame(t, h, replacement)
	assert.False(t, replacement.isClosed())

	conn := &fakeConn{}
	_, err := replacement.Admit(context.Background(), "editor-token", nil, conn)
	assert.NoError(t, err)
}

func TestShutdownCheckpointsEveryHub(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(testAuth(), store, testConfig())

	h := r.GetOrCreate("doc-1")
	conn := &fakeConn{}
	sess, err := h.Admit(context.Background(), "editor-token", nil, conn)
	require.NoError(t, err)
	h.ReceiveUpdate(sess.ConnectionID, insertUpdate("bob", 1, "bye"))

	r.Shutdown(context.Background())

	store.mu.Lock()
	snap, ok := store.snapshots["doc-1"]
	store.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, uint64(1), snap.Version)
	assert.Nil(t, r.Get("doc-1"))
}

func TestAdmitAfterShutdownFailsWithHubClosed(t *testing.T) {
	r := NewRegistry(testAuth(), newFakeStore(), testConfig())

	h := r.GetOrCreate("doc-1")
	require.NoError(t, h.Shutdown(context.Background()))

	conn := &fakeConn{}
	_, err := h.Admit(context.Background(), "editor-token", nil, conn)
	assert.ErrorIs(t, err, ErrHubClosed)
	assert.Empty(t, conn.messages)
}
