package signaling

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiklasEi/game-off-2021/pkg/presence"
	"github.com/NiklasEi/game-off-2021/pkg/webrtc/protocol"
)

const (
	recvTimeout    = 2 * time.Second
	silenceTimeout = 100 * time.Millisecond
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	return logrus.NewEntry(l)
}

func newTestHub(t *testing.T, opts HubOptions) (*Hub, *httptest.Server) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	hub := NewHub(opts)
	srv := httptest.NewServer(hub.HTTPHandler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, room string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + room
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func recv(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(recvTimeout)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	return string(data)
}

// expectSilence fails if any conn receives a data frame within the window.
// A conn cannot be read from after this returns.
func expectSilence(t *testing.T, conns ...*websocket.Conn) {
	t.Helper()
	got := make(chan string, len(conns))
	deadline := time.Now().Add(silenceTimeout)
	for _, c := range conns {
		go func(c *websocket.Conn) {
			_ = c.SetReadDeadline(deadline)
			_, data, err := c.ReadMessage()
			if err == nil {
				got <- string(data)
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				got <- ""
				return
			}
			got <- "error: " + err.Error()
		}(c)
	}
	for range conns {
		if msg := <-got; msg != "" {
			t.Errorf("unexpected message: %s", msg)
		}
	}
}

func register(t *testing.T, hub *Hub, conn *websocket.Conn, id string) {
	t.Helper()
	send(t, conn, `{"Uuid": "`+id+`"}`)
	require.Eventually(t, func() bool {
		return hub.Registry().Has(protocol.PeerID(id))
	}, recvTimeout, 5*time.Millisecond, "%s never registered", id)
}

func TestHub_NamedRoomScenario(t *testing.T) {
	hub, srv := newTestHub(t, HubOptions{})

	a := dial(t, srv, "room_a")
	b := dial(t, srv, "room_a")

	register(t, hub, a, "uuid-a")
	register(t, hub, b, "uuid-b")

	assert.Equal(t, `{"NewPeer":"uuid-b"}`, recv(t, a))

	send(t, a, `{"Signal":{"receiver":"uuid-b","data":"123"}}`)
	assert.Equal(t, `{"Signal":{"sender":"uuid-a","data":"123"}}`, recv(t, b))

	expectSilence(t, a, b)
}

func TestHub_AutoPairScenario(t *testing.T) {
	hub, srv := newTestHub(t, HubOptions{})

	var conns []*websocket.Conn
	for _, id := range []string{"a", "b", "c", "d"} {
		c := dial(t, srv, "next_2")
		register(t, hub, c, id)
		conns = append(conns, c)
	}

	assert.Equal(t, `{"NewPeer":"b"}`, recv(t, conns[0]))
	assert.Equal(t, `{"NewPeer":"d"}`, recv(t, conns[2]))

	expectSilence(t, conns...)
}

func TestHub_SignalDataPassthrough(t *testing.T) {
	hub, srv := newTestHub(t, HubOptions{})

	a := dial(t, srv, "room")
	b := dial(t, srv, "room")
	register(t, hub, a, "a")
	register(t, hub, b, "b")
	recv(t, a)

	send(t, b, `{"Signal": {"receiver": "a", "data": {"type":"offer",  "sdp": "v=0\r\n"}}}`)
	assert.Equal(t, `{"Signal":{"sender":"b","data":{"type":"offer",  "sdp": "v=0\r\n"}}}`, recv(t, a))
}

func TestHub_SignalBeforeUUIDIsDropped(t *testing.T) {
	hub, srv := newTestHub(t, HubOptions{})

	a := dial(t, srv, "room")
	b := dial(t, srv, "room")
	register(t, hub, a, "a")

	send(t, b, `{"Signal":{"receiver":"a","data":1}}`)
	register(t, hub, b, "b")

	// a sees the announcement but never the early signal.
	assert.Equal(t, `{"NewPeer":"b"}`, recv(t, a))
	expectSilence(t, a, b)
}

func TestHub_SecondUUIDIgnored(t *testing.T) {
	hub, srv := newTestHub(t, HubOptions{})

	a := dial(t, srv, "room")
	register(t, hub, a, "a")
	send(t, a, `{"Uuid":"a2"}`)

	b := dial(t, srv, "room")
	register(t, hub, b, "b")

	assert.Equal(t, `{"NewPeer":"b"}`, recv(t, a))
	assert.False(t, hub.Registry().Has("a2"))
	assert.Equal(t, []protocol.PeerID{"a", "b"}, hub.Registry().Waiting(Named("room")))
}

func TestHub_DuplicateIDAcrossConnections(t *testing.T) {
	hub, srv := newTestHub(t, HubOptions{})

	first := dial(t, srv, "room")
	register(t, hub, first, "same")

	second := dial(t, srv, "room")
	send(t, second, `{"Uuid":"same"}`)
	// The rejected connection stays open and can pick another id.
	register(t, hub, second, "other")

	assert.Equal(t, `{"NewPeer":"other"}`, recv(t, first))

	send(t, second, `{"Signal":{"receiver":"same","data":"hi"}}`)
	assert.Equal(t, `{"Signal":{"sender":"other","data":"hi"}}`, recv(t, first))
}

func TestHub_MalformedAndBinaryFramesAreSkipped(t *testing.T) {
	hub, srv := newTestHub(t, HubOptions{})

	a := dial(t, srv, "room")
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, []byte{0xde, 0xad}))
	send(t, a, `not json`)
	send(t, a, `{"Hello":"world"}`)
	send(t, a, `{"Uuid":"a"}`)

	require.Eventually(t, func() bool { return hub.Registry().Has("a") }, recvTimeout, 5*time.Millisecond)
}

func TestHub_InvalidUTF8FramesAreDropped(t *testing.T) {
	hub, srv := newTestHub(t, HubOptions{})

	a := dial(t, srv, "room")
	b := dial(t, srv, "room")
	register(t, hub, a, "a")
	register(t, hub, b, "b")
	assert.Equal(t, `{"NewPeer":"b"}`, recv(t, a))

	c := dial(t, srv, "room")
	send(t, c, "{\"Uuid\":\"\xff\"}")
	register(t, hub, c, "c")
	assert.False(t, hub.Registry().Has("\uFFFD"))
	assert.Equal(t, 3, hub.Registry().Len())

	send(t, a, "{\"Signal\":{\"receiver\":\"b\",\"data\":\"\xff\xfe\"}}")
	send(t, a, `{"Signal":{"receiver":"b","data":"ok"}}`)
	assert.Equal(t, `{"NewPeer":"c"}`, recv(t, b))
	assert.Equal(t, `{"Signal":{"sender":"a","data":"ok"}}`, recv(t, b))
}

func TestHub_OutboxLimitDisconnectsStalledPeer(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	hub, srv := newTestHub(t, HubOptions{
		Logger:       logrus.NewEntry(logger),
		OutboxLimit:  2,
		PingInterval: -1,
	})

	a := dial(t, srv, "room")
	stalled := dial(t, srv, "room")
	register(t, hub, a, "a")
	register(t, hub, stalled, "stalled")
	assert.Equal(t, `{"NewPeer":"stalled"}`, recv(t, a))

	// stalled never reads, so its socket buffers fill and its outbox grows.
	frame := `{"Signal":{"receiver":"stalled","data":"` + strings.Repeat("x", 60*1024) + `"}}`
	for i := 0; i < 2000 && hub.Registry().Has("stalled"); i++ {
		send(t, a, frame)
	}
	require.Eventually(t, func() bool {
		return !hub.Registry().Has("stalled")
	}, recvTimeout, 5*time.Millisecond)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Message == "outbox limit reached, disconnected" {
			warned = e.Level == logrus.WarnLevel && e.Data["peer"] == protocol.PeerID("stalled")
		}
	}
	assert.True(t, warned)

	// The sender is unaffected.
	assert.True(t, hub.Registry().Has("a"))
	c := dial(t, srv, "room")
	register(t, hub, c, "c")
	assert.Equal(t, `{"NewPeer":"c"}`, recv(t, a))
}

func TestHub_PresenceKeepsReusedID(t *testing.T) {
	store := presence.NewMemoryStore()
	hub := NewHub(HubOptions{Logger: quietLogger(), Presence: store})
	ctx := context.Background()
	room := Named("room")

	first := &session{hub: hub, room: room, peer: "x", logger: quietLogger()}
	second := &session{hub: hub, room: room, peer: "x", logger: quietLogger()}

	_, err := hub.Registry().Register("x", room, newQueue(0, nil), nil)
	require.NoError(t, err)
	hub.mirrorJoin(first)

	// second takes the id before first's leave reaches the store.
	hub.Registry().Remove("x")
	_, err = hub.Registry().Register("x", room, newQueue(0, nil), nil)
	require.NoError(t, err)
	hub.mirrorJoin(second)
	hub.mirrorLeave(first)

	peers, err := store.Peers(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, peers)

	hub.Registry().Remove("x")
	hub.mirrorLeave(second)
	peers, err = store.Peers(ctx, "room")
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestHub_PresenceLeaveAfterMoveToOtherRoom(t *testing.T) {
	store := presence.NewMemoryStore()
	hub := NewHub(HubOptions{Logger: quietLogger(), Presence: store})
	ctx := context.Background()

	first := &session{hub: hub, room: Named("room"), peer: "x", logger: quietLogger()}
	hub.mirrorJoin(first)
	_, err := hub.Registry().Register("x", Named("other"), newQueue(0, nil), nil)
	require.NoError(t, err)
	hub.mirrorLeave(first)

	peers, err := store.Peers(ctx, "room")
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestHub_AutoPairRoomsAreNotMirrored(t *testing.T) {
	store := presence.NewMemoryStore()
	hub, srv := newTestHub(t, HubOptions{Presence: store})

	a := dial(t, srv, "next_2")
	b := dial(t, srv, "next_2")
	register(t, hub, a, "a")
	register(t, hub, b, "b")
	assert.Equal(t, `{"NewPeer":"b"}`, recv(t, a))

	// A relayed frame in each direction means both registrations finished.
	send(t, a, `{"Signal":{"receiver":"b","data":1}}`)
	assert.Equal(t, `{"Signal":{"sender":"a","data":1}}`, recv(t, b))
	send(t, b, `{"Signal":{"receiver":"a","data":2}}`)
	assert.Equal(t, `{"Signal":{"sender":"b","data":2}}`, recv(t, a))

	peers, err := store.Peers(context.Background(), "next_2")
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestHub_DisconnectRemovesPeer(t *testing.T) {
	var empties atomic.Int32
	store := presence.NewMemoryStore()
	hub, srv := newTestHub(t, HubOptions{
		Presence: store,
		OnEmpty:  func() { empties.Add(1) },
	})

	a := dial(t, srv, "room")
	b := dial(t, srv, "room")
	register(t, hub, a, "a")
	register(t, hub, b, "b")
	recv(t, a)

	require.Eventually(t, func() bool {
		peers, _ := store.Peers(context.Background(), "room")
		return len(peers) == 2
	}, recvTimeout, 5*time.Millisecond)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		peers, _ := store.Peers(context.Background(), "room")
		return !hub.Registry().Has("b") && len(peers) == 1 && peers[0] == "a"
	}, recvTimeout, 5*time.Millisecond)
	assert.Equal(t, []protocol.PeerID{"a"}, hub.Registry().Waiting(Named("room")))

	// Signalling a departed peer has no visible effect.
	send(t, a, `{"Signal":{"receiver":"b","data":1}}`)
	assert.True(t, hub.Registry().Has("a"))

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return hub.Registry().Len() == 0 }, recvTimeout, 5*time.Millisecond)
	require.Eventually(t, func() bool { return empties.Load() == 1 }, recvTimeout, 5*time.Millisecond)
}

func TestHub_ReconnectWithSameID(t *testing.T) {
	hub, srv := newTestHub(t, HubOptions{})

	a := dial(t, srv, "room")
	register(t, hub, a, "a")
	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return !hub.Registry().Has("a") }, recvTimeout, 5*time.Millisecond)

	again := dial(t, srv, "room")
	register(t, hub, again, "a")
}

func TestHub_RejectsMissingRoom(t *testing.T) {
	_, srv := newTestHub(t, HubOptions{})

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHub_ShutdownClosesSessions(t *testing.T) {
	hub := NewHub(HubOptions{Logger: quietLogger()})
	srv := httptest.NewServer(hub.HTTPHandler())
	defer srv.Close()

	a := dial(t, srv, "room")
	register(t, hub, a, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.Shutdown(ctx))
	assert.Equal(t, 0, hub.Registry().Len())

	_ = a.SetReadDeadline(time.Now().Add(recvTimeout))
	_, _, err := a.ReadMessage()
	assert.Error(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/room"
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		_ = late.SetReadDeadline(time.Now().Add(recvTimeout))
		_, _, err = late.ReadMessage()
		assert.Error(t, err, "connections after shutdown are closed")
		late.Close()
	}
}

func TestHub_AcceptRequiresRoom(t *testing.T) {
	hub := NewHub(HubOptions{Logger: quietLogger()})
	err := hub.Accept(nil, ConnOptions{})
	assert.ErrorIs(t, err, ErrNoRoom)
}
