package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gowa-gateway/internal/model"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func startHub(t *testing.T, authorize JoinAuthorizer) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(authorize, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		actor := model.Actor{Role: model.RoleUser, OwnerID: r.URL.Query().Get("owner")}
		NewClient(hub, conn, actor).Serve()
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, owner string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?owner=" + owner
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHubDeliversOnlyToJoinedRoom(t *testing.T) {
	hub, srv := startHub(t, nil)
	a := dial(t, srv, "a")
	b := dial(t, srv, "b")

	require.NoError(t, a.WriteJSON(command{Action: "join", Room: "s1"}))
	require.NoError(t, b.WriteJSON(command{Action: "join", Room: "s2"}))
	assert.Equal(t, "joined", readEvent(t, a).Event)
	assert.Equal(t, "joined", readEvent(t, b).Event)

	hub.Publish("s1", "qr", map[string]string{"id": "s1", "qr": "2@x"})
	hub.Publish("s2", "ready", map[string]string{"id": "s2"})

	ev := readEvent(t, a)
	assert.Equal(t, "qr", ev.Event)
	assert.Equal(t, "s1", ev.Room)

	ev = readEvent(t, b)
	assert.Equal(t, "ready", ev.Event)
	assert.Equal(t, "s2", ev.Room)

	require.Eventually(t, func() bool { return hub.Count() == 2 }, time.Second, 10*time.Millisecond)
}

func TestHubRejectsUnauthorizedJoin(t *testing.T) {
	hub, srv := startHub(t, func(actor model.Actor, room string) bool {
		return actor.OwnerID == "alice" && room == "alice-1"
	})
	bob := dial(t, srv, "bob")

	require.NoError(t, bob.WriteJSON(command{Action: "join", Room: "alice-1"}))
	ev := readEvent(t, bob)
	assert.Equal(t, "error", ev.Event)

	hub.Publish("alice-1", "qr", "secret")
	require.NoError(t, bob.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := bob.ReadMessage()
	assert.Error(t, err, "nothing is delivered to a client outside the room")
}

func TestTicketRoundTrip(t *testing.T) {
	tickets := NewTickets("top-secret", time.Minute)
	actor := model.Actor{Role: model.RoleUser, OwnerID: "abc"}

	token, exp, err := tickets.Issue(actor)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), exp, 2*time.Second)

	got, err := tickets.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, actor, got)

	other := NewTickets("another-secret", time.Minute)
	_, err = other.Validate(token)
	assert.Error(t, err)

	tickets.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = tickets.Validate(token)
	assert.Error(t, err, "expired tickets are rejected")
}

func TestHubRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hub := NewHub(nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	hub.Publish("s1", "qr", map[string]string{"qr": "x"})
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	assert.False(t, submit(hub, hub.register, &Client{}), "submit after stop must not block")
}
