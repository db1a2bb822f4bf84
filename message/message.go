package message

import (
	"strconv"
	"time"
)

type Kind uint8

const (
	KindInvalid Kind = 0
	KindValue   Kind = 1
	KindPing    Kind = 2
	KindPong    Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "Invalid Kind"
	case KindValue:
		return "Value"
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	default:
		return "Unknown Kind"
	}
}

// Message is one decoded frame. For ping and pong frames Name holds the
// reserved marker and Value holds the epoch-millisecond timestamp.
type Message struct {
	Kind  Kind
	Name  string
	Value string
}

// Control frames carry the sender's wall clock; the pong echoes it unchanged.
func (m *Message) Timestamp() (time.Time, bool) {
	if m.Kind != KindPing && m.Kind != KindPong {
		return time.Time{}, false
	}

	ms, err := strconv.ParseInt(m.Value, 10, 64)
	if err != nil || ms < 0 {
		return time.Time{}, false
	}

	return time.UnixMilli(ms), true
}
