package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// PeerID identifies a connected peer. Clients choose their own ids; the server
// only requires them to be unique among live connections.
type PeerID string

// Tags used as the single outer key of every frame.
const (
	TagUUID    = "Uuid"
	TagSignal  = "Signal"
	TagNewPeer = "NewPeer"
)

var (
	// ErrMalformed is returned for frames that are not a single-key JSON object.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownTag is returned when the outer key names no known request.
	ErrUnknownTag = errors.New("unknown request tag")
)

// RequestKind distinguishes the variants of PeerRequest.
type RequestKind int

const (
	RequestUUID RequestKind = iota + 1
	RequestSignal
)

func (k RequestKind) String() string {
	switch k {
	case RequestUUID:
		return TagUUID
	case RequestSignal:
		return TagSignal
	default:
		return "unknown"
	}
}

// PeerRequest is a frame sent from a peer to the server.
//
//	{"Uuid": "<id>"}
//	{"Signal": {"receiver": "<id>", "data": <any>}}
type PeerRequest struct {
	Kind RequestKind

	// ID is set for RequestUUID.
	ID PeerID

	// Receiver and Data are set for RequestSignal. Data holds the raw JSON
	// value exactly as it appeared on the wire.
	Receiver PeerID
	Data     json.RawMessage
}

type signalRequestBody struct {
	Receiver *PeerID        `json:"receiver"`
	Data     json.RawMessage `json:"data"`
}

// DecodeRequest parses one inbound text frame.
func DecodeRequest(frame []byte) (PeerRequest, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(frame, &outer); err != nil {
		return PeerRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(outer) != 1 {
		return PeerRequest{}, fmt.Errorf("%w: expected exactly one tag, got %d", ErrMalformed, len(outer))
	}

	for tag, body := range outer {
		switch tag {
		case TagUUID:
			var id PeerID
			if err := json.Unmarshal(body, &id); err != nil {
				return PeerRequest{}, fmt.Errorf("%w: %s: %v", ErrMalformed, tag, err)
			}
			return PeerRequest{Kind: RequestUUID, ID: id}, nil

		case TagSignal:
			var sig signalRequestBody
			if err := json.Unmarshal(body, &sig); err != nil {
				return PeerRequest{}, fmt.Errorf("%w: %s: %v", ErrMalformed, tag, err)
			}
			if sig.Receiver == nil {
				return PeerRequest{}, fmt.Errorf("%w: %s: missing receiver", ErrMalformed, tag)
			}
			if sig.Data == nil {
				return PeerRequest{}, fmt.Errorf("%w: %s: missing data", ErrMalformed, tag)
			}
			return PeerRequest{Kind: RequestSignal, Receiver: *sig.Receiver, Data: sig.Data}, nil

		default:
			return PeerRequest{}, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
		}
	}
	// unreachable: len(outer) == 1
	return PeerRequest{}, ErrMalformed
}

// EncodeRequest renders a request frame. Used by clients and tests.
func EncodeRequest(r PeerRequest) ([]byte, error) {
	switch r.Kind {
	case RequestUUID:
		return tagged(TagUUID, r.ID)
	case RequestSignal:
		return encodeSignal("receiver", r.Receiver, r.Data)
	default:
		return nil, fmt.Errorf("encode request: %w: kind %d", ErrUnknownTag, r.Kind)
	}
}

// EventKind distinguishes the variants of PeerEvent.
type EventKind int

const (
	EventNewPeer EventKind = iota + 1
	EventSignal
)

// PeerEvent is a frame sent from the server to a peer.
//
//	{"NewPeer": "<id>"}
//	{"Signal": {"sender": "<id>", "data": <any>}}
type PeerEvent struct {
	Kind EventKind

	// Peer is set for EventNewPeer.
	Peer PeerID

	// Sender and Data are set for EventSignal.
	Sender PeerID
	Data   json.RawMessage
}

// NewPeerEvent announces id to an existing room member.
func NewPeerEvent(id PeerID) PeerEvent {
	return PeerEvent{Kind: EventNewPeer, Peer: id}
}

// SignalEvent relays data from sender.
func SignalEvent(sender PeerID, data json.RawMessage) PeerEvent {
	return PeerEvent{Kind: EventSignal, Sender: sender, Data: data}
}

// EncodeEvent renders an outbound frame. Signal data is copied verbatim, not
// re-encoded, so whitespace and key order inside it survive the relay.
func EncodeEvent(e PeerEvent) ([]byte, error) {
	switch e.Kind {
	case EventNewPeer:
		return tagged(TagNewPeer, e.Peer)
	case EventSignal:
		return encodeSignal("sender", e.Sender, e.Data)
	default:
		return nil, fmt.Errorf("encode event: unknown kind %d", e.Kind)
	}
}

type signalEventBody struct {
	Sender PeerID          `json:"sender"`
	Data   json.RawMessage `json:"data"`
}

// DecodeEvent parses an outbound frame. Used by clients and tests.
func DecodeEvent(frame []byte) (PeerEvent, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(frame, &outer); err != nil {
		return PeerEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(outer) != 1 {
		return PeerEvent{}, fmt.Errorf("%w: expected exactly one tag, got %d", ErrMalformed, len(outer))
	}
	if body, ok := outer[TagNewPeer]; ok {
		var id PeerID
		if err := json.Unmarshal(body, &id); err != nil {
			return PeerEvent{}, fmt.Errorf("%w: %s: %v", ErrMalformed, TagNewPeer, err)
		}
		return NewPeerEvent(id), nil
	}
	if body, ok := outer[TagSignal]; ok {
		var sig signalEventBody
		if err := json.Unmarshal(body, &sig); err != nil {
			return PeerEvent{}, fmt.Errorf("%w: %s: %v", ErrMalformed, TagSignal, err)
		}
		return SignalEvent(sig.Sender, sig.Data), nil
	}
	return PeerEvent{}, ErrUnknownTag
}

func tagged(tag string, id PeerID) ([]byte, error) {
	v, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(`{"`)
	buf.WriteString(tag)
	buf.WriteString(`":`)
	buf.Write(v)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func encodeSignal(peerKey string, peer PeerID, data json.RawMessage) ([]byte, error) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("encode signal: %w: data is not valid JSON", ErrMalformed)
	}
	id, err := json.Marshal(peer)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(`{"Signal":{"`)
	buf.WriteString(peerKey)
	buf.WriteString(`":`)
	buf.Write(id)
	buf.WriteString(`,"data":`)
	buf.Write(data)
	buf.WriteString(`}}`)
	return buf.Bytes(), nil
}
