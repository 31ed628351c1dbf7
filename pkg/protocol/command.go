package protocol

import (
	"encoding/json"
	"fmt"
)

// Action names a command understood by the peer-messaging service.
type Action string

const (
	ActionCreatePeer   Action = "create_peer"
	ActionConnectPeers Action = "connect_peers"
	ActionGetHistory   Action = "get_history"
	ActionSendMessage  Action = "send_message"
	ActionShutdown     Action = "shutdown"
)

// String returns the wire name of the action
func (a Action) String() string {
	return string(a)
}

// Known reports whether the action is one of the recognized commands.
func (a Action) Known() bool {
	switch a {
	case ActionCreatePeer, ActionConnectPeers, ActionGetHistory, ActionSendMessage, ActionShutdown:
		return true
	default:
		return false
	}
}

// CreatePeerPayload registers or ensures an identity on the service.
type CreatePeerPayload struct {
	Name string `json:"name"`
}

// ConnectPeersPayload links two identities.
type ConnectPeersPayload struct {
	Peer1 string `json:"peer1"`
	Peer2 string `json:"peer2"`
}

// GetHistoryPayload requests prior messages between two identities.
type GetHistoryPayload struct {
	PeerA string `json:"peer_a"`
	PeerB string `json:"peer_b"`
}

// SendMessagePayload delivers a message.
type SendMessagePayload struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message"`
}

// ShutdownPayload asks the service to stop. It carries no fields.
type ShutdownPayload struct{}

// Command is an outbound request frame.
type Command struct {
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// NewCommand builds a command, marshalling payload into the frame.
// A nil payload is sent as an empty object.
func NewCommand(action Action, payload any) (Command, error) {
	if payload == nil {
		return Command{Action: action, Payload: json.RawMessage("{}")}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("failed to encode %s payload: %w", action, err)
	}
	return Command{Action: action, Payload: raw}, nil
}

// Encode encodes the command into JSON bytes
func (c Command) Encode() ([]byte, error) {
	if c.Payload == nil {
		c.Payload = json.RawMessage("{}")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}
	return data, nil
}

// DecodeCommand decodes an inbound command frame. It is used by the relay.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("failed to decode command: %w", err)
	}
	return c, nil
}

// DecodePayload unmarshals the command payload into v.
func (c Command) DecodePayload(v any) error {
	if len(c.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", c.Action, err)
	}
	return nil
}
