package realtime

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

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/credgate/internal/credits"
	"github.com/mbd888/credgate/internal/identity"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	hub    *Hub
	ledger *credits.Ledger
	srv    *httptest.Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ledger := credits.New(credits.NewMemoryStore())
	hub := NewHub(ledger, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	hub.RegisterRoutes(r.Group("/v1", identity.RequireUser(identity.HeaderResolver{})))
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &fixture{hub: hub, ledger: ledger, srv: srv}
}

func (f *fixture) dial(t *testing.T, userID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/credits/stream"
	header := http.Header{}
	if userID != "" {
		header.Set(identity.HeaderUserID, userID)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func readMessage(t *testing.T, conn *websocket.Conn) (Message, json.RawMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var envelope struct {
		Message
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	return envelope.Message, envelope.Data
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.Stats()["connectedClients"].(int) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStream_SnapshotThenChanges(t *testing.T) {
	f := newFixture(t)
	conn, _, err := f.dial(t, "u1")
	require.NoError(t, err)
	defer conn.Close()

	msg, data := readMessage(t, conn)
	assert.Equal(t, TypeSnapshot, msg.Type)
	var acct credits.Account
	require.NoError(t, json.Unmarshal(data, &acct))
	assert.Equal(t, int64(50), acct.Remaining)

	waitForClients(t, f.hub, 1)

	_, err = f.ledger.Deduct(context.Background(), "u1", 3, "quiz-generation")
	require.NoError(t, err)

	msg, data = readMessage(t, conn)
	assert.Equal(t, TypeChanged, msg.Type)
	var ev credits.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, credits.EventDeduction, ev.Kind)
	assert.Equal(t, int64(47), ev.Remaining)
}

func TestStream_OnlyOwnEvents(t *testing.T) {
	f := newFixture(t)
	conn, _, err := f.dial(t, "u1")
	require.NoError(t, err)
	defer conn.Close()
	readMessage(t, conn)
	waitForClients(t, f.hub, 1)

	ctx := context.Background()
	_, err = f.ledger.Deduct(ctx, "u2", 5, "someone else")
	require.NoError(t, err)
	_, err = f.ledger.Deduct(ctx, "u1", 1, "mine")
	require.NoError(t, err)

	_, data := readMessage(t, conn)
	var ev credits.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, int64(1), ev.Amount)
}

func TestStream_KindFilter(t *testing.T) {
	f := newFixture(t)
	conn, _, err := f.dial(t, "u1")
	require.NoError(t, err)
	defer conn.Close()
	readMessage(t, conn)
	waitForClients(t, f.hub, 1)

	require.NoError(t, conn.WriteJSON(Filter{Kinds: []credits.EventKind{credits.EventRefund}}))
	// The filter is applied by the read pump; give it a moment.
	time.Sleep(50 * time.Millisecond)

	ctx := context.Background()
	_, err = f.ledger.Deduct(ctx, "u1", 2, "chat-response")
	require.NoError(t, err)
	_, err = f.ledger.Refund(ctx, "u1", 2, "provider failed")
	require.NoError(t, err)

	_, data := readMessage(t, conn)
	var ev credits.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, credits.EventRefund, ev.Kind)
}

func TestStream_RequiresIdentity(t *testing.T) {
	f := newFixture(t)
	_, resp, err := f.dial(t, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStream_PerUserLimit(t *testing.T) {
	f := newFixture(t, WithLimits(10, 1))
	conn, _, err := f.dial(t, "u1")
	require.NoError(t, err)
	defer conn.Close()
	readMessage(t, conn)
	waitForClients(t, f.hub, 1)

	_, resp, err := f.dial(t, "u1")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	other, _, err := f.dial(t, "u2")
	require.NoError(t, err)
	other.Close()
}

func TestStream_DisconnectUnregisters(t *testing.T) {
	f := newFixture(t)
	conn, _, err := f.dial(t, "u1")
	require.NoError(t, err)
	readMessage(t, conn)
	waitForClients(t, f.hub, 1)

	require.NoError(t, conn.Close())
	waitForClients(t, f.hub, 0)
	assert.Equal(t, int64(1), f.hub.Stats()["peakClients"])
}

func TestHub_DeliverDropsSlowClient(t *testing.T) {
	h := NewHub(credits.New(credits.NewMemoryStore()), slog.New(slog.NewTextHandler(io.Discard, nil)))
	client := &Client{hub: h, userID: "u1", send: make(chan []byte)} // unbuffered: always full
	h.clients["u1"] = map[*Client]struct{}{client: {}}
	h.count = 1

	h.deliver(credits.Event{UserID: "u1", Kind: credits.EventDeduction})

	assert.Equal(t, 0, h.Stats()["connectedClients"])
	_, open := <-client.send
	assert.False(t, open)
}

func TestHub_ContextCancellation(t *testing.T) {
	h := NewHub(credits.New(credits.NewMemoryStore()), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
}

func TestFilterAllows(t *testing.T) {
	assert.True(t, Filter{}.allows(credits.EventReset))
	f := Filter{Kinds: []credits.EventKind{credits.EventTopUp}}
	assert.True(t, f.allows(credits.EventTopUp))
	assert.False(t, f.allows(credits.EventDeduction))
}
