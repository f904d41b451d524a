package comms

import (
	"errors"

	"github.com/eglochon/lanchat/pkg/peers"
)

// Command-surface sentinels. Callers match them with errors.Is.
var (
	// ErrUnknownPeer mirrors the registry's miss on this surface.
	ErrUnknownPeer = peers.ErrUnknownPeer

	// ErrAlreadyConnecting rejects a second handshake attempt while one
	// is in flight for the same peer.
	ErrAlreadyConnecting = errors.New("handshake already in flight")

	// ErrInvalidStateTransition rejects a command the peer's current
	// state does not allow.
	ErrInvalidStateTransition = errors.New("operation not allowed in current peer state")

	// ErrDialFailed wraps the network error behind a failed connect.
	ErrDialFailed = errors.New("dial failed")

	// ErrHandshakeTimeout resolves a handshake nobody answered in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrSessionClosed rejects sends to a peer without a live session.
	ErrSessionClosed = errors.New("session closed")

	// errStopped rejects commands after the manager shut down.
	errStopped = errors.New("connection manager stopped")
)
