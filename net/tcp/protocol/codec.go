package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	m "github.com/Meander-Cloud/go-valsync/message"
)

var (
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrUnsendable     = errors.New("protocol: unsendable field")
)

// EncodeValue renders an application frame `name`,`value` without the
// trailing delimiter.
func EncodeValue(name, value string) (string, error) {
	if !Sendable(name) {
		return "", fmt.Errorf("%w: name=%q", ErrUnsendable, name)
	}
	if !Sendable(value) {
		return "", fmt.Errorf("%w: value=%q", ErrUnsendable, value)
	}

	var b strings.Builder
	b.Grow(len(name) + len(value) + 5)
	b.WriteByte(Escape)
	b.WriteString(name)
	b.WriteByte(Escape)
	b.WriteByte(Separator)
	b.WriteByte(Escape)
	b.WriteString(value)
	b.WriteByte(Escape)
	return b.String(), nil
}

func EncodePing(t time.Time) string {
	return PingMarker + string(Separator) + strconv.FormatInt(t.UnixMilli(), 10)
}

// EncodePong echoes the timestamp text of a received ping verbatim.
func EncodePong(timestamp string) string {
	return PongMarker + string(Separator) + timestamp
}

// Decode parses one frame with its delimiter already stripped. Anything that
// is not exactly a control frame or exactly two escaped sendable fields is
// rejected with ErrMalformedFrame.
func Decode(frame string) (*m.Message, error) {
	if strings.HasPrefix(frame, ReservedPrefix) {
		return decodeControl(frame)
	}

	return decodeValue(frame)
}

func decodeControl(frame string) (*m.Message, error) {
	name, value, found := strings.Cut(frame, string(Separator))
	if !found {
		return nil, fmt.Errorf("%w: missing separator in control frame %q", ErrMalformedFrame, frame)
	}

	var kind m.Kind
	switch name {
	case PingMarker:
		kind = m.KindPing
	case PongMarker:
		kind = m.KindPong
	default:
		return nil, fmt.Errorf("%w: unknown control marker %q", ErrMalformedFrame, name)
	}

	if value == "" {
		return nil, fmt.Errorf("%w: empty timestamp in %q", ErrMalformedFrame, frame)
	}
	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return nil, fmt.Errorf("%w: invalid timestamp in %q", ErrMalformedFrame, frame)
		}
	}

	return &m.Message{
		Kind:  kind,
		Name:  name,
		Value: value,
	}, nil
}

func decodeValue(frame string) (*m.Message, error) {
	// `name`,`value`
	if len(frame) == 0 || frame[0] != Escape {
		return nil, fmt.Errorf("%w: missing opening escape in %q", ErrMalformedFrame, frame)
	}

	name, rest, found := strings.Cut(frame[1:], string(Escape))
	if !found {
		return nil, fmt.Errorf("%w: unterminated name in %q", ErrMalformedFrame, frame)
	}

	rest, found = strings.CutPrefix(rest, string([]byte{Separator, Escape}))
	if !found {
		return nil, fmt.Errorf("%w: missing separator in %q", ErrMalformedFrame, frame)
	}

	value, tail, found := strings.Cut(rest, string(Escape))
	if !found {
		return nil, fmt.Errorf("%w: unterminated value in %q", ErrMalformedFrame, frame)
	}
	if tail != "" {
		return nil, fmt.Errorf("%w: trailing data in %q", ErrMalformedFrame, frame)
	}

	if !Sendable(name) || !Sendable(value) {
		return nil, fmt.Errorf("%w: unsendable field in %q", ErrMalformedFrame, frame)
	}

	return &m.Message{
		Kind:  m.KindValue,
		Name:  name,
		Value: value,
	}, nil
}
