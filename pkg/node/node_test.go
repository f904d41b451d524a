package node

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/eglochon/lanchat/config"
	"github.com/eglochon/lanchat/pkg/metrics"
	"github.com/eglochon/lanchat/pkg/peers"
)

type transition struct {
	id       string
	from, to peers.State
}

type chatLine struct {
	peerID string
	text   string
}

// capture collects every callback a node fires. The buffers are generous
// so the networking goroutines never block on the test.
type capture struct {
	discovered   chan peers.Peer
	requested    chan peers.Peer
	transitions  chan transition
	messages     chan chatLine
	disconnected chan string
}

func newCapture() *capture {
	return &capture{
		discovered:   make(chan peers.Peer, 8),
		requested:    make(chan peers.Peer, 8),
		transitions:  make(chan transition, 64),
		messages:     make(chan chatLine, 16),
		disconnected: make(chan string, 8),
	}
}

func (c *capture) events() Events {
	return Events{
		PeerDiscovered:     func(p peers.Peer) { c.discovered <- p },
		HandshakeRequested: func(p peers.Peer) { c.requested <- p },
		PeerStateChanged: func(p peers.Peer, from, to peers.State) {
			c.transitions <- transition{id: p.ID, from: from, to: to}
		},
		MessageReceived: func(peerID, text string, _ time.Time) {
			c.messages <- chatLine{peerID: peerID, text: text}
		},
		PeerDisconnected: func(peerID string) { c.disconnected <- peerID },
	}
}

// newTestNode builds a node that announces straight at the given loopback
// port instead of the broadcast address.
func newTestNode(t *testing.T, username string, discoveryPort, announceTo int) (*Node, *capture) {
	t.Helper()
	cfg := config.Default()
	cfg.Username = username
	cfg.ChatPort = 0
	cfg.DiscoveryPort = discoveryPort
	cfg.AnnounceAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(announceTo))
	cfg.AnnounceInterval = 50 * time.Millisecond
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config: %v", err)
	}
	ev := newCapture()
	return New(cfg, ev.events(), metrics.NewMetrics()), ev
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(d)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-tick.C:
			if cond() {
				return
			}
		}
	}
}

// freeUDPPorts reserves n distinct loopback UDP ports and releases them.
func freeUDPPorts(t *testing.T, n int) []int {
	t.Helper()
	conns := make([]*net.UDPConn, n)
	ports := make([]int, n)
	for i := range conns {
		c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		if err != nil {
			t.Fatalf("reserve port: %v", err)
		}
		conns[i] = c
		ports[i] = c.LocalAddr().(*net.UDPAddr).Port
	}
	for _, c := range conns {
		c.Close()
	}
	return ports
}

func peerState(n *Node, id string) (peers.State, bool) {
	for _, p := range n.Peers() {
		if p.ID == id {
			return p.State, true
		}
	}
	return 0, false
}

func recvPeer(t *testing.T, ch <-chan peers.Peer, what string) peers.Peer {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return peers.Peer{}
	}
}

func recvLine(t *testing.T, ch <-chan chatLine, what string) chatLine {
	t.Helper()
	select {
	case l := <-ch:
		return l
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return chatLine{}
	}
}

// expectTransition drains the transition stream until the wanted edge
// shows up.
func expectTransition(t *testing.T, ch <-chan transition, id string, from, to peers.State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case tr := <-ch:
			if tr.id == id && tr.from == from && tr.to == to {
				return
			}
		case <-deadline:
			t.Fatalf("missing transition %s: %s to %s", id, from, to)
		}
	}
}

// TestNode_TwoUsersOnLoopback walks two nodes through the whole life of a
// chat: discovery, request, accept, messages both ways, hangup, and the
// re-announce that makes the peer connectable again.
func TestNode_TwoUsersOnLoopback(t *testing.T) {
	defer goleak.VerifyNone(t)

	ports := freeUDPPorts(t, 2)
	ali, aliEv := newTestNode(t, "ali", ports[0], ports[1])
	veli, veliEv := newTestNode(t, "veli", ports[1], ports[0])

	if err := ali.Scan(); err == nil {
		t.Fatal("expected Scan before Start to fail")
	}

	if err := ali.Start(context.Background()); err != nil {
		t.Fatalf("start ali: %v", err)
	}
	defer ali.Stop()
	if err := ali.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}
	if err := veli.Start(context.Background()); err != nil {
		t.Fatalf("start veli: %v", err)
	}
	defer veli.Stop()

	idVeli := peers.PeerID("127.0.0.1", veli.Port())
	idAli := peers.PeerID("127.0.0.1", ali.Port())

	// The announce loops introduce them to each other.
	waitFor(t, 3*time.Second, "mutual discovery", func() bool {
		sa, okA := peerState(ali, idVeli)
		sv, okV := peerState(veli, idAli)
		return okA && sa == peers.StateDiscovered && okV && sv == peers.StateDiscovered
	})
	if p := recvPeer(t, aliEv.discovered, "discovery event at ali"); p.Username != "veli" {
		t.Errorf("ali discovered %q, want veli", p.Username)
	}

	// Ali asks, veli says yes.
	if err := ali.Connect(idVeli); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	req := recvPeer(t, veliEv.requested, "chat request at veli")
	if req.ID != idAli || req.Username != "ali" {
		t.Fatalf("request from %s (%s), want %s (ali)", req.Username, req.ID, idAli)
	}
	if err := veli.Accept(req.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	waitFor(t, 3*time.Second, "session up on both sides", func() bool {
		sa, _ := peerState(ali, idVeli)
		sv, _ := peerState(veli, idAli)
		return sa == peers.StateConnected && sv == peers.StateConnected
	})
	expectTransition(t, aliEv.transitions, idVeli, peers.StateRequestSent, peers.StateConnected)

	// Words flow both ways.
	if err := ali.Send(idVeli, "merhaba veli"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := recvLine(t, veliEv.messages, "chat at veli"); got.peerID != idAli || got.text != "merhaba veli" {
		t.Fatalf("veli got %+v", got)
	}
	if err := veli.Send(idAli, "merhaba ali"); err != nil {
		t.Fatalf("Send back: %v", err)
	}
	if got := recvLine(t, aliEv.messages, "chat at ali"); got.peerID != idVeli || got.text != "merhaba ali" {
		t.Fatalf("ali got %+v", got)
	}
	if got := len(veli.PeersByState(peers.StateConnected)); got != 1 {
		t.Errorf("expected 1 connected peer at veli, got %d", got)
	}

	// Veli hangs up. Ali hears it, and the next announce from veli makes
	// him connectable again instead of leaving a dead entry behind.
	if err := veli.Disconnect(idAli); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if s, ok := peerState(veli, idAli); ok && s == peers.StateConnected {
		t.Error("veli still shows the session after hanging up")
	}
	select {
	case id := <-aliEv.disconnected:
		if id != idVeli {
			t.Fatalf("disconnect callback for %s, want %s", id, idVeli)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for disconnect callback at ali")
	}
	waitFor(t, 3*time.Second, "veli announced back to discovered", func() bool {
		s, ok := peerState(ali, idVeli)
		return ok && s == peers.StateDiscovered
	})
	expectTransition(t, aliEv.transitions, idVeli, peers.StateDisconnected, peers.StateDiscovered)

	// A fresh handshake proves the cycle can run again.
	if err := ali.Connect(idVeli); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	req = recvPeer(t, veliEv.requested, "second chat request at veli")
	if err := veli.Accept(req.ID); err != nil {
		t.Fatalf("second Accept: %v", err)
	}
	waitFor(t, 3*time.Second, "second session", func() bool {
		sa, _ := peerState(ali, idVeli)
		sv, _ := peerState(veli, req.ID)
		return sa == peers.StateConnected && sv == peers.StateConnected
	})

	veli.Stop()
	veli.Stop() // idempotent
}

// TestStart_RollsBackOnDiscoveryFailure occupies the discovery port so the
// second node's Start fails after its chat listener already bound; the
// listener must come back down with it.
func TestStart_RollsBackOnDiscoveryFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	ports := freeUDPPorts(t, 2)
	first, _ := newTestNode(t, "ali", ports[0], ports[1])
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("start first: %v", err)
	}
	defer first.Stop()

	second, _ := newTestNode(t, "veli", ports[0], ports[1])
	if err := second.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail on an occupied discovery port")
	}
	second.Stop() // no-op after a failed start
}
