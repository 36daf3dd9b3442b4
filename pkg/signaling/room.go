package signaling

import (
	"strconv"
	"strings"
)

// AutoPairPrefix marks a route that asks to be matched with size-1 strangers,
// e.g. "next_2".
const AutoPairPrefix = "next_"

// RoomKind distinguishes the two matching policies.
type RoomKind int

const (
	// RoomNamed is a persistent lobby keyed by an arbitrary shared id.
	RoomNamed RoomKind = iota + 1
	// RoomAutoPair is an ephemeral group keyed only by its target size.
	RoomAutoPair
)

// RequestedRoom is the room a connection asked for. It is resolved once when
// the connection is accepted.
type RequestedRoom struct {
	Kind RoomKind
	ID   string // RoomNamed
	Size int    // RoomAutoPair, >= 1
}

// Named builds a RoomNamed request.
func Named(id string) RequestedRoom {
	return RequestedRoom{Kind: RoomNamed, ID: id}
}

// AutoPair builds a RoomAutoPair request.
func AutoPair(size int) RequestedRoom {
	return RequestedRoom{Kind: RoomAutoPair, Size: size}
}

// ParseRequestedRoom maps a route segment to a room. "next_<N>" with a
// positive integer N is an auto-pair room of size N; anything else, including
// "next_0" or "next_x", is a named room. ok is false for an empty segment.
func ParseRequestedRoom(segment string) (room RequestedRoom, ok bool) {
	if segment == "" {
		return RequestedRoom{}, false
	}
	if rest, found := strings.CutPrefix(segment, AutoPairPrefix); found {
		if n, err := strconv.ParseUint(rest, 10, 31); err == nil && n >= 1 {
			return AutoPair(int(n)), true
		}
	}
	return Named(segment), true
}

// Valid reports whether r names a usable room.
func (r RequestedRoom) Valid() bool {
	switch r.Kind {
	case RoomNamed:
		return r.ID != ""
	case RoomAutoPair:
		return r.Size >= 1
	default:
		return false
	}
}

// String returns the route segment the room was parsed from.
func (r RequestedRoom) String() string {
	switch r.Kind {
	case RoomNamed:
		return r.ID
	case RoomAutoPair:
		return AutoPairPrefix + strconv.Itoa(r.Size)
	default:
		return ""
	}
}
