package signaling

import (
	"context"
	"errors"
	"hash/fnv"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/NiklasEi/game-off-2021/pkg/presence"
	"github.com/NiklasEi/game-off-2021/pkg/webrtc/protocol"
)

const (
	defaultReadLimit    = 64 * 1024
	defaultPingInterval = 40 * time.Second
	writeTimeout        = 10 * time.Second
	presenceTimeout     = 3 * time.Second
	upgradeReadBuffer   = 1024
	upgradeWriteBuffer  = 1024
	presenceStripes     = 32
)

// ErrNoRoom is returned by Accept when the connection did not name a room.
var ErrNoRoom = errors.New("no room requested")

// HubOptions configures a Hub instance.
type HubOptions struct {
	Logger   *logrus.Entry
	Upgrader *websocket.Upgrader
	// Registry lets callers share or substitute the peer registry.
	Registry *Registry
	// Presence mirrors room membership for the HTTP API. Optional.
	Presence presence.Store
	// PingInterval is the keepalive period. Zero uses the default, negative
	// disables pings and read deadlines.
	PingInterval time.Duration
	// ReadLimit caps inbound frame size in bytes. Zero uses the default.
	ReadLimit int64
	// OutboxLimit caps pending outbound frames per peer. Zero is unbounded;
	// a peer that overflows its outbox is disconnected.
	OutboxLimit int
	// OnEmpty runs after a removal leaves no registered peers.
	OnEmpty func()
}

// ConnOptions controls how a connection is accepted.
type ConnOptions struct {
	// Room is the room parsed from the connection's route.
	Room RequestedRoom
	// Context lets the caller cancel the connection (defaults to Background).
	Context context.Context
}

// Hub accepts websocket connections and runs one session per connection
// against a shared registry.
type Hub struct {
	registry     *Registry
	dispatch     dispatcher
	presence     presence.Store
	upgrader     websocket.Upgrader
	logger       *logrus.Entry
	pingInterval time.Duration
	readLimit    int64
	outboxLimit  int
	onEmpty      func()

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
	wg       sync.WaitGroup

	presenceMu [presenceStripes]sync.Mutex
}

// NewHub builds a Hub with the provided options.
func NewHub(opts HubOptions) *Hub {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  upgradeReadBuffer,
		WriteBufferSize: upgradeWriteBuffer,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	if opts.Upgrader != nil {
		upgrader = *opts.Upgrader
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	ping := opts.PingInterval
	if ping == 0 {
		ping = defaultPingInterval
	}
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}

	return &Hub{
		registry:     registry,
		dispatch:     dispatcher{registry: registry},
		presence:     opts.Presence,
		upgrader:     upgrader,
		logger:       logger.WithField("prefix", "signaling"),
		pingInterval: ping,
		readLimit:    readLimit,
		outboxLimit:  opts.OutboxLimit,
		onEmpty:      opts.OnEmpty,
		sessions:     make(map[*session]struct{}),
	}
}

// Registry returns the hub's peer registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// RoomFromPath parses the last segment of an URL path, e.g. "/room_a" or
// "/next_2".
func RoomFromPath(p string) (RequestedRoom, bool) {
	seg := path.Base(path.Clean("/" + p))
	if seg == "/" || seg == "." {
		return RequestedRoom{}, false
	}
	return ParseRequestedRoom(seg)
}

// HTTPHandler upgrades HTTP connections whose path names a room and hands them
// to Accept.
func (h *Hub) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		room, ok := RoomFromPath(r.URL.Path)
		if !ok {
			http.Error(w, "missing room", http.StatusBadRequest)
			return
		}
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.WithError(err).Warn("upgrade failed")
			return
		}
		// The session outlives this handler.
		if err := h.Accept(conn, ConnOptions{Room: room}); err != nil {
			h.logger.WithError(err).Warn("accept failed")
			conn.Close()
		}
	})
}

// Accept starts a session on an already-upgraded connection.
func (h *Hub) Accept(conn *websocket.Conn, opts ConnOptions) error {
	if !opts.Room.Valid() {
		return ErrNoRoom
	}
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	connLog := h.logger.WithFields(logrus.Fields{
		"conn":   uuid.NewString(),
		"remote": conn.RemoteAddr().String(),
		"room":   opts.Room.String(),
	})
	s := &session{
		hub:     h,
		conn:    conn,
		room:    opts.Room,
		ctx:     ctx,
		cancel:  cancel,
		connLog: connLog,
		logger:  connLog,
		// onLimit may run under the registry lock; it only cancels.
		out: newQueue(h.outboxLimit, cancel),
	}
	// Closing the conn releases a writer blocked on a stalled peer and ends
	// the read loop.
	context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	if !h.track(s) {
		cancel()
		return ErrHubClosed
	}

	s.logger.Debug("connection accepted")
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		s.writePump()
	}()
	go func() {
		defer h.wg.Done()
		s.readPump()
	}()
	return nil
}

// ErrHubClosed is returned by Accept after Shutdown.
var ErrHubClosed = errors.New("hub closed")

// Shutdown closes every live connection and waits for their sessions to
// finish teardown or for ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	live := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()

	for _, s := range live {
		s.goAway()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) track(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s] = struct{}{}
	return true
}

func (h *Hub) untrack(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
}

// mirrorJoin and mirrorLeave keep the presence store in step with the
// registry for Named rooms. Auto-pair groups are not mirrored. They run on the
// session goroutine, never under the registry lock; writes for one id are
// serialized by its lock stripe.
func (h *Hub) mirrorJoin(s *session) {
	if h.presence == nil || s.room.Kind != RoomNamed {
		return
	}
	mu := h.presenceLock(s.peer)
	mu.Lock()
	defer mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.AddPeer(ctx, s.room.ID, string(s.peer)); err != nil {
		s.logger.WithError(err).Warn("presence add")
	}
}

func (h *Hub) mirrorLeave(s *session) {
	if h.presence == nil || s.room.Kind != RoomNamed {
		return
	}
	mu := h.presenceLock(s.peer)
	mu.Lock()
	defer mu.Unlock()

	// The id was taken again in the same room after this session left.
	if room, ok := h.registry.RoomOf(s.peer); ok && room == s.room {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.RemovePeer(ctx, s.room.ID, string(s.peer)); err != nil {
		s.logger.WithError(err).Warn("presence remove")
	}
}

func (h *Hub) presenceLock(id protocol.PeerID) *sync.Mutex {
	f := fnv.New32a()
	_, _ = f.Write([]byte(id))
	return &h.presenceMu[f.Sum32()%presenceStripes]
}

func (h *Hub) afterLeave() {
	if h.onEmpty != nil && h.registry.Len() == 0 {
		h.onEmpty()
	}
}
