package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum length")

// Reader splits a byte stream into delimiter-terminated frames. One Reader
// belongs to exactly one connection, so buffered bytes never leak across a
// reconnect.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{
		br: bufio.NewReaderSize(r, maxFrameLen),
	}
}

// ReadFrame blocks until a full frame is available and returns it without the
// delimiter. A partial frame followed by an error is discarded.
func (r *Reader) ReadFrame() (string, error) {
	buf, err := r.br.ReadSlice(Delimiter)
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", fmt.Errorf("%w: limit=%d", ErrFrameTooLarge, maxFrameLen)
		}
		return "", err
	}

	return string(buf[:len(buf)-1]), nil
}

// AppendFrame appends frame plus the delimiter to dst.
func AppendFrame(dst []byte, frame string) []byte {
	if dst == nil {
		dst = make([]byte, 0, max(typicalFrameLen, len(frame)+1))
	}
	dst = append(dst, frame...)
	return append(dst, Delimiter)
}
