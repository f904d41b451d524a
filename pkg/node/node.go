// Package node assembles the networking core: registry, discovery,
// connection manager and metrics behind one Start/Stop pair and a small
// command surface. The embedding program supplies Events callbacks and
// renders them however it likes.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eglochon/lanchat/config"
	"github.com/eglochon/lanchat/pkg/comms"
	"github.com/eglochon/lanchat/pkg/discovery"
	"github.com/eglochon/lanchat/pkg/metrics"
	"github.com/eglochon/lanchat/pkg/peers"
)

// Events is the outbound surface of the node. Every field may be nil.
// Callbacks run on networking goroutines and must return quickly without
// calling back into the node.
type Events struct {
	PeerDiscovered     func(p peers.Peer)
	HandshakeRequested func(p peers.Peer)
	PeerStateChanged   func(p peers.Peer, from, to peers.State)
	MessageReceived    func(peerID, text string, ts time.Time)
	PeerDisconnected   func(peerID string)
}

// Node wires the pieces together. Construct with New, then Start.
type Node struct {
	cfg    config.Config
	events Events

	reg *peers.Registry
	mx  *metrics.Metrics
	mgr *comms.Manager
	dsc *discovery.Service

	mu      sync.Mutex
	started bool
}

func New(cfg config.Config, events Events, mx *metrics.Metrics) *Node {
	n := &Node{cfg: cfg, events: events, mx: mx}

	n.reg = peers.NewRegistry()
	if events.PeerStateChanged != nil {
		n.reg.OnStateChange(events.PeerStateChanged)
	}

	n.mgr = comms.NewManager(cfg, n.reg, mx)
	n.mgr.OnHandshakeRequested = events.HandshakeRequested
	n.mgr.OnMessageReceived = events.MessageReceived
	n.mgr.OnPeerDisconnected = events.PeerDisconnected

	return n
}

// Start brings the listener up first so the announced chat port is the
// real one even when the configured port was 0, then starts discovery.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return errors.New("node already started")
	}

	if err := n.mgr.Start(ctx); err != nil {
		return err
	}

	cfg := n.cfg
	cfg.ChatPort = n.mgr.Port()
	n.dsc = discovery.NewService(cfg, n.reg, n.mx)
	n.dsc.OnPeerDiscovered = n.events.PeerDiscovered

	if err := n.dsc.Start(ctx); err != nil {
		n.mgr.Stop()
		return err
	}

	n.started = true
	return nil
}

// Stop goes quiet on the LAN first, then closes every session with a
// farewell and joins all goroutines. Safe to call more than once.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	n.started = false
	n.mu.Unlock()

	n.dsc.Stop()
	n.mgr.Stop()
}

// Port returns the chat listener's resolved TCP port. Valid after Start.
func (n *Node) Port() int {
	return n.mgr.Port()
}

// Scan asks for an immediate round of discovery on top of the periodic
// announces.
func (n *Node) Scan() error {
	n.mu.Lock()
	dsc := n.dsc
	n.mu.Unlock()
	if dsc == nil {
		return errors.New("node not started")
	}
	return dsc.Scan()
}

// Connect sends a chat request to a discovered peer.
func (n *Node) Connect(peerID string) error {
	return n.mgr.Connect(peerID)
}

// Accept lets a peer whose request is pending into a session.
func (n *Node) Accept(peerID string) error {
	return n.mgr.Accept(peerID)
}

// Reject declines a pending request.
func (n *Node) Reject(peerID string) error {
	return n.mgr.Reject(peerID)
}

// Send delivers one chat line to a connected peer.
func (n *Node) Send(peerID, text string) error {
	return n.mgr.Send(peerID, text)
}

// Disconnect ends the session with a peer and forgets it.
func (n *Node) Disconnect(peerID string) error {
	return n.mgr.Disconnect(peerID)
}

// Peers snapshots the whole registry, ordered by id.
func (n *Node) Peers() []peers.Peer {
	return n.reg.List()
}

// PeersByState snapshots the registry filtered to one lifecycle state.
func (n *Node) PeersByState(s peers.State) []peers.Peer {
	return n.reg.ListByState(s)
}
