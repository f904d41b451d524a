package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"time"
)

// Encode renders m as a single newline-terminated JSON frame. The encoded
// size is checked against MaxFrameSize: JSON escaping can inflate a legal
// payload severalfold.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, decodeErrorf("marshal: %v", err)
	}
	if len(b)+1 > MaxFrameSize {
		return nil, decodeErrorf("frame exceeds %d bytes", MaxFrameSize)
	}
	return append(b, '\n'), nil
}

// Decode parses one frame. The trailing newline is optional so UDP
// datagrams, which are already self-delimiting, decode as-is. A frame
// without a timestamp is stamped with the receive time. Malformed input
// yields a *DecodeError, never a panic.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, decodeErrorf("malformed frame: %v", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	return m, nil
}

// IsDecodeError reports whether err marks a droppable per-frame failure.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// FrameReader splits a stream into newline-delimited frames. A frame
// larger than MaxFrameSize poisons the stream: the boundary can no longer
// be trusted, so the reader returns a terminal error.
type FrameReader struct {
	sc *bufio.Scanner
}

func NewFrameReader(r io.Reader) *FrameReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), MaxFrameSize)
	return &FrameReader{sc: sc}
}

// ReadMessage returns the next frame. A *DecodeError means the frame was
// bad but the stream is still usable; io.EOF or any other error ends it.
func (fr *FrameReader) ReadMessage() (Message, error) {
	if !fr.sc.Scan() {
		if err := fr.sc.Err(); err != nil {
			return Message{}, err
		}
		return Message{}, io.EOF
	}
	return Decode(fr.sc.Bytes())
}
