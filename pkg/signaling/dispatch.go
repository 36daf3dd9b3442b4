package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/NiklasEi/game-off-2021/pkg/webrtc/protocol"
)

// dispatcher turns registry operations into outbound events. It holds no
// state of its own.
type dispatcher struct {
	registry *Registry
}

// join registers id and announces it to every peer already in the room. The
// joining peer itself is told nothing.
func (d dispatcher) join(id protocol.PeerID, room RequestedRoom, out Outbox) ([]protocol.PeerID, error) {
	announce, err := protocol.EncodeEvent(protocol.NewPeerEvent(id))
	if err != nil {
		return nil, fmt.Errorf("encode new peer: %w", err)
	}
	return d.registry.Register(id, room, out, announce)
}

// relay forwards data from sender to exactly one receiver.
func (d dispatcher) relay(sender, receiver protocol.PeerID, data json.RawMessage) error {
	frame, err := protocol.EncodeEvent(protocol.SignalEvent(sender, data))
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	return d.registry.SendTo(receiver, frame)
}

// leave removes id. Other peers are not notified.
func (d dispatcher) leave(id protocol.PeerID) {
	d.registry.Remove(id)
}
