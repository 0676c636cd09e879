package docsync

import (
	"context"
	"encoding/json"
	"fmt"
)

// ConnectionStatus is the channel-level connection state reported to the
// status callback of a subscription.
type ConnectionStatus int

const (
	ConnectionStatusSubscribed   ConnectionStatus = 0
	ConnectionStatusChannelError ConnectionStatus = 1
	ConnectionStatusTimedOut     ConnectionStatus = 2
	ConnectionStatusClosed       ConnectionStatus = 3
)

func (self ConnectionStatus) String() string {
	switch self {
	case ConnectionStatusSubscribed:
		return "subscribed"
	case ConnectionStatusChannelError:
		return "channel-error"
	case ConnectionStatusTimedOut:
		return "timed-out"
	case ConnectionStatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int(self))
	}
}

// StatusFunction receives channel connection transitions. err is non-nil for
// channel-error and timed-out transitions.
type StatusFunction func(status ConnectionStatus, err error)

// HandlerFunction receives the raw JSON payload of one inbound message
type HandlerFunction func(payload []byte)

// BroadcastChannel is the boundary to the fan-out transport. One channel is
// scoped to one room. Delivery is at-most-once per subscriber, possibly out
// of order, and the transport may loop a sent message back to the sender.
type BroadcastChannel interface {
	// On registers a handler for a message type tag. Handlers must be
	// registered before Subscribe.
	On(messageType string, handler HandlerFunction)

	// Subscribe joins the room. The status callback receives the subscribed
	// transition and every later fault or close. Subscribe may be called
	// again after a fault to rejoin.
	Subscribe(ctx context.Context, status StatusFunction) error

	// Send publishes a JSON-serializable payload tagged with messageType to
	// every subscriber of the room.
	Send(messageType string, payload any) error

	// Unsubscribe leaves the room and releases the subscription.
	Unsubscribe()
}

// envelope is the frame sent over channel implementations that multiplex
// message types on one underlying stream
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func packEnvelope(messageType string, payload any) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&envelope{
		Type:    messageType,
		Payload: payloadBytes,
	})
}
