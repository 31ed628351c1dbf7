package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame is returned for inbound data that is not a valid frame.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownFrameType is returned for well-formed JSON with an unrecognized type.
	ErrUnknownFrameType = errors.New("unknown frame type")
)

// FrameType is the discriminator of an inbound frame.
type FrameType string

const (
	FrameTypeNewMessage FrameType = "new_message"
	FrameTypeResponse   FrameType = "response"
)

// String returns the wire name of the frame type
func (ft FrameType) String() string {
	return string(ft)
}

// Frame is an inbound frame: either a Push or a Response.
type Frame interface {
	Type() FrameType
	Encode() ([]byte, error)
}

// Push is an unsolicited message delivery.
type Push struct {
	Message Message
}

// Type implements Frame.
func (Push) Type() FrameType { return FrameTypeNewMessage }

// Encode implements Frame.
func (p Push) Encode() ([]byte, error) {
	data, err := json.Marshal(envelope{Type: FrameTypeNewMessage, Data: mustRaw(p.Message)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode push: %w", err)
	}
	return data, nil
}

// Response is the reply to a command, correlated by action name only.
type Response struct {
	Action  Action
	Success bool
	Error   string
	// History is set only for get_history replies.
	History []Message
	// Data is the raw data object as received.
	Data json.RawMessage
}

// Type implements Frame.
func (Response) Type() FrameType { return FrameTypeResponse }

// Encode implements Frame.
func (r Response) Encode() ([]byte, error) {
	body := responseData{Success: r.Success, Error: r.Error, History: r.History}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	data, err := json.Marshal(envelope{Type: FrameTypeResponse, Action: r.Action, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return data, nil
}

type envelope struct {
	Type   FrameType       `json:"type"`
	Action Action          `json:"action,omitempty"`
	Data   json.RawMessage `json:"data"`
}

type responseData struct {
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
	History []Message `json:"history,omitempty"`
}

func mustRaw(m Message) json.RawMessage {
	// Message has only string fields, Marshal cannot fail.
	raw, _ := json.Marshal(m)
	return raw
}

// DecodeFrame decodes inbound bytes into a Push or a Response.
// Errors wrap ErrMalformedFrame or ErrUnknownFrameType.
func DecodeFrame(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch env.Type {
	case FrameTypeNewMessage:
		if len(env.Data) == 0 || string(env.Data) == "null" {
			return nil, fmt.Errorf("%w: push without data", ErrMalformedFrame)
		}
		var msg Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return nil, fmt.Errorf("%w: push data: %v", ErrMalformedFrame, err)
		}
		return Push{Message: msg}, nil

	case FrameTypeResponse:
		if env.Action == "" {
			return nil, fmt.Errorf("%w: response without action", ErrMalformedFrame)
		}
		resp := Response{Action: env.Action, Data: env.Data}
		if len(env.Data) > 0 && string(env.Data) != "null" {
			var body responseData
			if err := json.Unmarshal(env.Data, &body); err != nil {
				return nil, fmt.Errorf("%w: response data: %v", ErrMalformedFrame, err)
			}
			resp.Success = body.Success
			resp.Error = body.Error
			resp.History = body.History
		}
		return resp, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, env.Type)
	}
}
