// Package protocol defines the JSON wire format spoken with the
// peer-messaging service: outbound commands and the two inbound frame shapes.
package protocol

import (
	"fmt"
	"time"
)

// TimestampLayout is the layout used for locally created messages.
const TimestampLayout = time.RFC3339Nano

// zoneless is what the reference service emits (Python isoformat without a zone).
const zoneless = "2006-01-02T15:04:05.999999999"

// Message represents a chat message between two peers.
type Message struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// NewMessage creates a message stamped with at in UTC.
func NewMessage(from, to, body string, at time.Time) Message {
	return Message{
		From:      from,
		To:        to,
		Body:      body,
		Timestamp: at.UTC().Format(TimestampLayout),
	}
}

// Time returns the parsed timestamp, or the zero time when it cannot be parsed.
func (m Message) Time() time.Time {
	t, err := ParseTimestamp(m.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Between reports whether the message belongs to the conversation of a and b,
// in either direction.
func (m Message) Between(a, b string) bool {
	return (m.From == a && m.To == b) || (m.From == b && m.To == a)
}

// ParseTimestamp parses an ISO-8601 timestamp. Timestamps without a zone are
// interpreted as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(zoneless, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
