// Package protocol defines the wire messages exchanged between peers and
// the codec that frames them. Every frame is one JSON object terminated by
// a newline; JSON string escaping guarantees the terminator never appears
// inside an encoded frame.
package protocol

import (
	"fmt"
	"time"
	"unicode"
)

// Kind tags a wire message. Unknown kinds are rejected at decode time.
type Kind string

const (
	KindAnnounce       Kind = "announce"
	KindAnnounceReply  Kind = "announce_reply"
	KindConnectRequest Kind = "connect_request"
	KindConnectAccept  Kind = "connect_accept"
	KindConnectReject  Kind = "connect_reject"
	KindChat           Kind = "chat"
	KindDisconnect     Kind = "disconnect"
)

const (
	// MaxUsernameLen bounds the sender name on the wire.
	MaxUsernameLen = 32
	// MaxPayloadLen bounds chat text as submitted, before JSON escaping.
	MaxPayloadLen = 32 * 1024
	// MaxFrameSize caps a single encoded frame on a stream.
	MaxFrameSize = 64 * 1024
)

// Message is the single wire envelope. Port carries the sender's TCP chat
// listen port, which together with the sender's IP identifies the peer.
type Message struct {
	Kind      Kind      `json:"kind"`
	Username  string    `json:"username"`
	Port      int       `json:"port"`
	Payload   string    `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds a message of the given kind stamped with the sender's local
// clock. Payload is only meaningful for KindChat and ignored elsewhere.
func New(kind Kind, username string, port int, payload string) Message {
	return Message{
		Kind:      kind,
		Username:  username,
		Port:      port,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// DecodeError reports a frame that could not be decoded into a valid
// message. It marks a per-frame failure: the frame is dropped and the
// connection stays up.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "invalid message: " + e.Reason
}

func decodeErrorf(format string, args ...interface{}) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

var validKinds = map[Kind]bool{
	KindAnnounce:       true,
	KindAnnounceReply:  true,
	KindConnectRequest: true,
	KindConnectAccept:  true,
	KindConnectReject:  true,
	KindChat:           true,
	KindDisconnect:     true,
}

// Validate checks the envelope rules shared by encode and decode. It
// returns a *DecodeError describing the first violation found.
func (m Message) Validate() error {
	if !validKinds[m.Kind] {
		return decodeErrorf("unknown kind %q", m.Kind)
	}
	if err := ValidateUsername(m.Username); err != nil {
		return err
	}
	if m.Port < 1 || m.Port > 65535 {
		return decodeErrorf("port %d out of range", m.Port)
	}
	if m.Kind == KindChat && m.Payload == "" {
		return decodeErrorf("chat without payload")
	}
	if len(m.Payload) > MaxPayloadLen {
		return decodeErrorf("payload exceeds %d bytes", MaxPayloadLen)
	}
	return nil
}

// ValidateUsername enforces the wire rules for sender names: non-empty,
// at most MaxUsernameLen bytes, no control characters.
func ValidateUsername(name string) error {
	if name == "" {
		return decodeErrorf("empty username")
	}
	if len(name) > MaxUsernameLen {
		return decodeErrorf("username exceeds %d bytes", MaxUsernameLen)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return decodeErrorf("username contains control character")
		}
	}
	return nil
}
