package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestHub(buffer int) *Hub { return NewHub(NewMemoryDirectory(), testLogger(), buffer) }

func readFrame(t *testing.T, c *Conn) Envelope {
	t.Helper()
	select {
	case frame, ok := <-c.send:
		require.True(t, ok, "send queue closed")
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}
	return Envelope{}
}

func assertNoFrame(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case frame := <-c.send:
		t.Fatalf("unexpected frame: %s", frame)
	default:
	}
}

func TestNotifyUserDeliversToLiveConnection(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(4)
	c, err := h.RegisterConnection(ctx, "p1")
	require.NoError(t, err)

	h.NotifyUser(ctx, "p1", "requestAccepted", map[string]string{"requestId": "q1"})
	env := readFrame(t, c)
	assert.Equal(t, "requestAccepted", env.Event)
	assert.Equal(t, "q1", env.Data.(map[string]any)["requestId"])
}

func TestNotifyUserWithoutConnectionIsNoop(t *testing.T) {
	h := newTestHub(4)
	assert.NotPanics(t, func() {
		h.NotifyUser(context.Background(), "nobody", "requestAccepted", nil)
	})
}

func TestLastRegistrationWins(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(4)
	old, err := h.RegisterConnection(ctx, "d1")
	require.NoError(t, err)
	fresh, err := h.RegisterConnection(ctx, "d1")
	require.NoError(t, err)

	got, ok := h.Lookup(ctx, "d1")
	require.True(t, ok)
	assert.Equal(t, fresh.ID, got.ID)

	h.NotifyUser(ctx, "d1", "newRideRequest", nil)
	readFrame(t, fresh)
	assertNoFrame(t, old)

	// the stale connection going away must not evict the fresh one
	h.Unregister(ctx, old.ID)
	got, ok = h.Lookup(ctx, "d1")
	require.True(t, ok)
	assert.Equal(t, fresh.ID, got.ID)

	h.Unregister(ctx, fresh.ID)
	_, ok = h.Lookup(ctx, "d1")
	assert.False(t, ok)
}

func TestRoomsBroadcastOnlyToSubscribers(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(4)
	a, _ := h.RegisterConnection(ctx, "p1")
	b, _ := h.RegisterConnection(ctx, "p2")
	other, _ := h.RegisterConnection(ctx, "p3")

	require.NoError(t, h.Subscribe(a.ID, "T1"))
	require.NoError(t, h.Subscribe(b.ID, "T1"))
	require.NoError(t, h.Subscribe(other.ID, "T2"))
	assert.Equal(t, 2, h.RoomSize("T1"))

	h.BroadcastToRoom(ctx, "T1", "taxiUpdated", map[string]string{"id": "T1"})
	assert.Equal(t, "taxiUpdated", readFrame(t, a).Event)
	assert.Equal(t, "taxiUpdated", readFrame(t, b).Event)
	assertNoFrame(t, other)

	h.Unsubscribe(b.ID, "T1")
	h.BroadcastToRoom(ctx, "T1", "taxiUpdated", nil)
	readFrame(t, a)
	assertNoFrame(t, b)

	h.Unregister(ctx, a.ID)
	assert.Equal(t, 0, h.RoomSize("T1"))
	assert.ErrorIs(t, h.Subscribe(a.ID, "T1"), ErrUnknownConnection)
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(1)
	c, _ := h.RegisterConnection(ctx, "p1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.NotifyUser(ctx, "p1", "taxiUpdated", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery blocked on a full queue")
	}
	assert.Len(t, c.send, 1)
}

func TestUnregisterClosesQueueAndIgnoresUnknown(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(1)
	c, _ := h.RegisterConnection(ctx, "p1")
	h.Unregister(ctx, c.ID)
	_, open := <-c.send
	assert.False(t, open)
	assert.NotPanics(t, func() { h.Unregister(ctx, c.ID) })
	assert.Equal(t, 0, h.ConnectionCount())
}

func TestServeWSSubscribeAndReceive(t *testing.T) {
	h := newTestHub(8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, r.URL.Query().Get("user"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=p1"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "subscribe", "taxiId": "T1"}))
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, "subscribed", env.Event)

	h.BroadcastToRoom(context.Background(), "T1", "taxiUpdated", map[string]string{"id": "T1"})
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, "taxiUpdated", env.Event)

	h.NotifyUser(context.Background(), "p1", "driverCancelled", map[string]string{"requestId": "q1"})
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, "driverCancelled", env.Event)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "dance"}))
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, "error", env.Event)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return h.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
