package protocol

import "strings"

const (
	Delimiter byte = ';'
	Separator byte = ','
	Escape    byte = '`'
)

const (
	ReservedPrefix = "__"
	PingMarker     = "__ping__"
	PongMarker     = "__pong__"
)

const (
	typicalFrameLen int = 64
	maxFrameLen     int = 16384 // 16 KB
)

// Sendable reports whether s may travel inside an escaped field. Any double
// underscore is rejected, which keeps application names clear of the control
// markers.
func Sendable(s string) bool {
	if s == "" {
		return false
	}

	if strings.IndexByte(s, Escape) >= 0 ||
		strings.IndexByte(s, Separator) >= 0 ||
		strings.IndexByte(s, Delimiter) >= 0 {
		return false
	}

	return !strings.Contains(s, ReservedPrefix)
}
