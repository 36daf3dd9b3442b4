package signaling

import (
	"errors"
	"fmt"
	"sync"

	"github.com/NiklasEi/game-off-2021/pkg/webrtc/protocol"
)

var (
	// ErrDuplicatePeer is returned by Register when the id is already live.
	ErrDuplicatePeer = errors.New("peer id already registered")
	// ErrUnknownPeer is returned by SendTo when the receiver is not registered.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrOutboxClosed is returned by SendTo when the receiver is shutting down.
	ErrOutboxClosed = errors.New("peer outbox closed")
	// ErrEmptyPeerID is returned by Register for an empty id.
	ErrEmptyPeerID = errors.New("empty peer id")
	// ErrInvalidRoom is returned by Register for a zero or malformed room.
	ErrInvalidRoom = errors.New("invalid room")
)

// Peer is a registered connection.
type Peer struct {
	ID       protocol.PeerID
	Room     RequestedRoom
	Outbound Outbox
}

// Registry is the authoritative map of live peers and the two matching
// indices. Every method takes the same lock; none of them perform network I/O.
type Registry struct {
	mu       sync.Mutex
	clients  map[protocol.PeerID]*Peer
	named    map[string]*peerSet
	autoPair map[int]*peerSet
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients:  make(map[protocol.PeerID]*Peer),
		named:    make(map[string]*peerSet),
		autoPair: make(map[int]*peerSet),
	}
}

// Register adds a peer and returns the peers that were already in its room,
// in the order they registered. If announce is non-nil it is pushed to each
// of those peers before the lock is released, so join notifications reach a
// room in registration order.
func (r *Registry) Register(id protocol.PeerID, room RequestedRoom, out Outbox, announce []byte) ([]protocol.PeerID, error) {
	if id == "" {
		return nil, ErrEmptyPeerID
	}
	if !room.Valid() {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidRoom, room)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePeer, id)
	}
	r.clients[id] = &Peer{ID: id, Room: room, Outbound: out}

	members := r.match(id, room)

	if announce != nil {
		for _, m := range members {
			// A member whose outbox is closed is leaving; its own teardown
			// removes it from the registry.
			_ = r.sendLocked(m, announce)
		}
	}
	return members, nil
}

// match applies the room's policy and returns the members that were waiting
// before id joined.
func (r *Registry) match(id protocol.PeerID, room RequestedRoom) []protocol.PeerID {
	switch room.Kind {
	case RoomNamed:
		set := r.named[room.ID]
		if set == nil {
			set = &peerSet{}
			r.named[room.ID] = set
		}
		members := set.snapshot()
		set.add(id)
		return members

	case RoomAutoPair:
		set := r.autoPair[room.Size]
		if set == nil {
			set = &peerSet{}
			r.autoPair[room.Size] = set
		}
		members := set.snapshot()
		if set.len()+1 >= room.Size {
			// Complete: forget the group so the next arrival starts a new one.
			delete(r.autoPair, room.Size)
		} else {
			set.add(id)
		}
		return members
	}
	return nil
}

// Remove deletes the peer from the registry and from whichever matching index
// holds it. Removing an absent id is a no-op.
func (r *Registry) Remove(id protocol.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.clients[id]
	if !ok {
		return
	}
	delete(r.clients, id)

	switch peer.Room.Kind {
	case RoomNamed:
		if set := r.named[peer.Room.ID]; set != nil {
			set.remove(id)
			if set.len() == 0 {
				delete(r.named, peer.Room.ID)
			}
		}
	case RoomAutoPair:
		if set := r.autoPair[peer.Room.Size]; set != nil {
			set.remove(id)
			if set.len() == 0 {
				delete(r.autoPair, peer.Room.Size)
			}
		}
	}
}

// SendTo enqueues frame on the peer's outbound path.
func (r *Registry) SendTo(id protocol.PeerID, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendLocked(id, frame)
}

func (r *Registry) sendLocked(id protocol.PeerID, frame []byte) error {
	peer, ok := r.clients[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	if peer.Outbound == nil || !peer.Outbound.Push(frame) {
		return fmt.Errorf("%w: %s", ErrOutboxClosed, id)
	}
	return nil
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Has reports whether id is registered.
func (r *Registry) Has(id protocol.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[id]
	return ok
}

// RoomOf returns the room a registered peer asked for.
func (r *Registry) RoomOf(id protocol.PeerID) (RequestedRoom, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.clients[id]
	if !ok {
		return RequestedRoom{}, false
	}
	return peer.Room, true
}

// Waiting returns the peers currently held by room's matching index, in
// registration order. A completed auto-pair group is no longer waiting.
func (r *Registry) Waiting(room RequestedRoom) []protocol.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var set *peerSet
	switch room.Kind {
	case RoomNamed:
		set = r.named[room.ID]
	case RoomAutoPair:
		set = r.autoPair[room.Size]
	}
	if set == nil {
		return nil
	}
	return set.snapshot()
}

// peerSet is an insertion-ordered set. Rooms are small, so removal scans.
type peerSet struct {
	ids []protocol.PeerID
}

func (s *peerSet) add(id protocol.PeerID) {
	for _, have := range s.ids {
		if have == id {
			return
		}
	}
	s.ids = append(s.ids, id)
}

func (s *peerSet) remove(id protocol.PeerID) {
	for i, have := range s.ids {
		if have == id {
			s.ids = append(s.ids[:i], s.ids[i+1:]...)
			return
		}
	}
}

func (s *peerSet) len() int { return len(s.ids) }

func (s *peerSet) snapshot() []protocol.PeerID {
	if len(s.ids) == 0 {
		return nil
	}
	out := make([]protocol.PeerID, len(s.ids))
	copy(out, s.ids)
	return out
}
