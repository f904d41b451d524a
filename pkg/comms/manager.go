// Package comms owns every TCP conversation with a peer: the chat
// listener, the human-gated connect/accept/reject handshake, and the live
// sessions carrying chat frames. All peer state flows through the shared
// registry; the layers above only see commands and callbacks.
package comms

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/eglochon/lanchat/config"
	"github.com/eglochon/lanchat/internal/util"
	"github.com/eglochon/lanchat/pkg/metrics"
	"github.com/eglochon/lanchat/pkg/peers"
	"github.com/eglochon/lanchat/pkg/protocol"
)

const writeTimeout = 10 * time.Second

// pendingHandshake is one parked handshake. Inbound entries hold the
// accepted socket awaiting the local user's verdict; outbound entries
// reserve the peer id while the dialer awaits the remote verdict.
type pendingHandshake struct {
	conn     net.Conn
	fr       *protocol.FrameReader
	timer    *time.Timer
	outbound bool
}

// Manager runs the TCP side of the node. At most one live session and one
// in-flight handshake exist per peer id; the pending and session tables
// under mu enforce that.
type Manager struct {
	cfg config.Config
	reg *peers.Registry
	mx  *metrics.Metrics

	// Callbacks into the embedding program. Set before Start; they run on
	// networking goroutines and must not block.
	OnHandshakeRequested func(peers.Peer)
	OnMessageReceived    func(peerID, text string, ts time.Time)
	OnPeerDisconnected   func(peerID string)

	port int // actual listen port, resolved at Start

	mu          sync.Mutex
	ln          net.Listener
	cancel      context.CancelFunc
	closed      bool
	pending     map[string]*pendingHandshake
	sessions    map[string]*Session
	graceTimers map[string]*time.Timer

	wg sync.WaitGroup
}

func NewManager(cfg config.Config, reg *peers.Registry, mx *metrics.Metrics) *Manager {
	return &Manager{
		cfg:         cfg,
		reg:         reg,
		mx:          mx,
		pending:     make(map[string]*pendingHandshake),
		sessions:    make(map[string]*Session),
		graceTimers: make(map[string]*time.Timer),
	}
}

// Start binds the chat listener and begins accepting handshakes.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ln != nil {
		return errors.New("connection manager already started")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", m.cfg.ChatPort))
	if err != nil {
		return err
	}
	m.ln = ln
	m.port = ln.Addr().(*net.TCPAddr).Port

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.acceptLoop(ctx)

	util.LogInfo("[COMMS] chat listener on %s", ln.Addr())
	return nil
}

// Port returns the resolved chat listen port. Valid after Start.
func (m *Manager) Port() int {
	return m.port
}

// Stop closes the listener, abandons pending handshakes, closes every live
// session with a farewell frame and waits for all goroutines to drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.ln == nil || m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancel()
	m.ln.Close()

	pend := m.pending
	m.pending = make(map[string]*pendingHandshake)
	var open []*Session
	for _, s := range m.sessions {
		open = append(open, s)
	}
	for id, t := range m.graceTimers {
		t.Stop()
		delete(m.graceTimers, id)
	}
	m.mu.Unlock()

	for _, ph := range pend {
		if ph.timer != nil {
			ph.timer.Stop()
		}
		if ph.conn != nil {
			ph.conn.Close()
		}
	}
	for _, s := range open {
		s.Close()
	}

	m.wg.Wait()
	util.LogInfo("[COMMS] stopped")
}

func (m *Manager) acceptLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		conn, err := m.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			util.LogWarning("[COMMS] accept: %v", err)
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleInbound(conn)
		}()
	}
}

// handleInbound reads the opening frame of a fresh connection. Anything
// other than a timely CONNECT_REQUEST closes the socket; a valid request
// is parked until the local user decides.
func (m *Manager) handleInbound(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	fr := protocol.NewFrameReader(conn)
	msg, err := fr.ReadMessage()
	if err != nil {
		if protocol.IsDecodeError(err) && m.mx != nil {
			m.mx.DecodeErrorsTotal.WithLabelValues("tcp").Inc()
		}
		util.LogDebug("[COMMS] inbound %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	if msg.Kind != protocol.KindConnectRequest {
		util.LogDebug("[COMMS] inbound %s opened with %s, closing", conn.RemoteAddr(), msg.Kind)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	ra, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		conn.Close()
		return
	}
	peerID := peers.PeerID(ra.IP.String(), msg.Port)

	// A request may arrive before any announce was heard; the handshake
	// itself is the discovery then.
	p, _ := m.reg.UpsertFromAnnounce(ra.IP.String(), msg.Port, msg.Username, time.Now())

	m.mu.Lock()
	busy := m.closed || m.pending[peerID] != nil || m.sessions[peerID] != nil ||
		p.State == peers.StateRequestSent || p.State == peers.StateRequestReceived || p.State == peers.StateConnected
	var ph *pendingHandshake
	if !busy {
		ph = &pendingHandshake{conn: conn, fr: fr}
		m.pending[peerID] = ph
	}
	m.mu.Unlock()

	if busy {
		util.LogInfo("[COMMS] busy with %s, auto-rejecting another request", peerID)
		if m.mx != nil {
			m.mx.HandshakesTotal.WithLabelValues(metrics.ResultBusy).Inc()
		}
		m.writeFrame(conn, protocol.KindConnectReject)
		conn.Close()
		return
	}

	snap, err := m.reg.SetState(peerID, peers.StateRequestReceived)
	if err != nil {
		m.unpark(peerID)
		conn.Close()
		return
	}

	util.LogInfo("[COMMS] %s (%s) wants to chat", snap.Username, peerID)
	if m.OnHandshakeRequested != nil {
		m.OnHandshakeRequested(snap)
	}

	// Arm the verdict timer last so an instant Accept cannot race it.
	m.mu.Lock()
	if m.pending[peerID] == ph {
		ph.timer = time.AfterFunc(m.cfg.HandshakeTimeout, func() { m.expirePending(peerID) })
	}
	m.mu.Unlock()
}

// expirePending resolves an inbound handshake nobody answered.
func (m *Manager) expirePending(peerID string) {
	ph := m.unpark(peerID)
	if ph == nil {
		return
	}
	util.LogInfo("[COMMS] request from %s expired unanswered", peerID)
	if m.mx != nil {
		m.mx.HandshakesTotal.WithLabelValues(metrics.ResultTimeout).Inc()
	}
	m.writeFrame(ph.conn, protocol.KindConnectReject)
	ph.conn.Close()
	m.reg.SetState(peerID, peers.StateRejected)
}

// Connect dials a discovered peer and sends a chat request. It returns as
// soon as the request is on the wire; the outcome arrives through state
// change callbacks once the remote user decides or the window expires.
func (m *Manager) Connect(peerID string) error {
	p, ok := m.reg.Get(peerID)
	if !ok {
		return ErrUnknownPeer
	}
	switch p.State {
	case peers.StateRequestSent, peers.StateRequestReceived:
		return ErrAlreadyConnecting
	case peers.StateDiscovered:
	default:
		return ErrInvalidStateTransition
	}

	// Reserve the id before dialing so a crossing inbound request or a
	// second Connect sees us as busy.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errStopped
	}
	if m.pending[peerID] != nil || m.sessions[peerID] != nil {
		m.mu.Unlock()
		return ErrAlreadyConnecting
	}
	claim := &pendingHandshake{outbound: true}
	m.pending[peerID] = claim
	m.mu.Unlock()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(p.Addr, strconv.Itoa(p.Port)), m.cfg.DialTimeout)
	if err != nil {
		m.unpark(peerID)
		return fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	if err := m.writeFrame(conn, protocol.KindConnectRequest); err != nil {
		conn.Close()
		m.unpark(peerID)
		return fmt.Errorf("%w: %v", ErrDialFailed, err)
	}

	m.mu.Lock()
	if m.pending[peerID] != claim {
		// Stop cleared the table while we were dialing.
		m.mu.Unlock()
		conn.Close()
		return errStopped
	}
	claim.conn = conn
	m.mu.Unlock()

	snap, err := m.reg.SetState(peerID, peers.StateRequestSent)
	if err != nil {
		m.unpark(peerID)
		conn.Close()
		return err
	}
	util.LogInfo("[COMMS] chat request sent to %s (%s)", snap.Username, peerID)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.awaitVerdict(peerID, conn)
	}()
	return nil
}

// awaitVerdict drives the dialer's half of the handshake: the first
// resolving frame decides the session's fate, or the deadline does.
func (m *Manager) awaitVerdict(peerID string, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	fr := protocol.NewFrameReader(conn)

	for {
		msg, err := fr.ReadMessage()
		if err != nil {
			if protocol.IsDecodeError(err) {
				if m.mx != nil {
					m.mx.DecodeErrorsTotal.WithLabelValues("tcp").Inc()
				}
				continue
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				m.failOutbound(peerID, conn, metrics.ResultTimeout, ErrHandshakeTimeout)
			} else {
				m.failOutbound(peerID, conn, metrics.ResultRejected, err)
			}
			return
		}

		switch msg.Kind {
		case protocol.KindConnectAccept:
			conn.SetReadDeadline(time.Time{})
			m.acceptOutbound(peerID, conn, fr, msg.Username)
			return
		case protocol.KindConnectReject, protocol.KindDisconnect:
			m.failOutbound(peerID, conn, metrics.ResultRejected, errors.New("peer declined"))
			return
		default:
			// not a verdict; keep waiting
		}
	}
}

func (m *Manager) acceptOutbound(peerID string, conn net.Conn, fr *protocol.FrameReader, username string) {
	m.mu.Lock()
	ph := m.pending[peerID]
	if ph == nil || ph.conn != conn {
		m.mu.Unlock()
		conn.Close()
		return
	}
	delete(m.pending, peerID)
	m.mu.Unlock()

	if _, err := m.reg.SetState(peerID, peers.StateConnected); err != nil {
		conn.Close()
		return
	}
	if m.mx != nil {
		m.mx.HandshakesTotal.WithLabelValues(metrics.ResultAccepted).Inc()
	}
	util.LogInfo("[COMMS] %s accepted, session open (%s)", username, peerID)
	m.startSession(peerID, conn, fr)
}

func (m *Manager) failOutbound(peerID string, conn net.Conn, result string, why error) {
	m.mu.Lock()
	ph := m.pending[peerID]
	if ph == nil || ph.conn != conn {
		m.mu.Unlock()
		conn.Close()
		return
	}
	delete(m.pending, peerID)
	m.mu.Unlock()

	conn.Close()
	if m.mx != nil {
		m.mx.HandshakesTotal.WithLabelValues(result).Inc()
	}
	util.LogInfo("[COMMS] request to %s resolved: %v", peerID, why)
	m.reg.SetState(peerID, peers.StateRejected)
}

// Accept answers a parked inbound request positively and opens the session.
func (m *Manager) Accept(peerID string) error {
	ph, err := m.takePending(peerID)
	if err != nil {
		return err
	}
	if err := m.writeFrame(ph.conn, protocol.KindConnectAccept); err != nil {
		ph.conn.Close()
		m.reg.SetState(peerID, peers.StateRejected)
		return fmt.Errorf("send accept: %w", err)
	}
	snap, err := m.reg.SetState(peerID, peers.StateConnected)
	if err != nil {
		ph.conn.Close()
		return err
	}
	if m.mx != nil {
		m.mx.HandshakesTotal.WithLabelValues(metrics.ResultAccepted).Inc()
	}
	util.LogInfo("[COMMS] accepted %s, session open (%s)", snap.Username, peerID)
	m.startSession(peerID, ph.conn, ph.fr)
	return nil
}

// Reject answers a parked inbound request negatively and closes its socket.
func (m *Manager) Reject(peerID string) error {
	ph, err := m.takePending(peerID)
	if err != nil {
		return err
	}
	m.writeFrame(ph.conn, protocol.KindConnectReject)
	ph.conn.Close()
	m.reg.SetState(peerID, peers.StateRejected)
	if m.mx != nil {
		m.mx.HandshakesTotal.WithLabelValues(metrics.ResultRejected).Inc()
	}
	util.LogInfo("[COMMS] rejected %s", peerID)
	return nil
}

// takePending removes and returns the inbound handshake parked for peerID.
func (m *Manager) takePending(peerID string) (*pendingHandshake, error) {
	m.mu.Lock()
	ph, ok := m.pending[peerID]
	if !ok || ph.outbound {
		m.mu.Unlock()
		if _, exists := m.reg.Get(peerID); !exists {
			return nil, ErrUnknownPeer
		}
		return nil, ErrInvalidStateTransition
	}
	delete(m.pending, peerID)
	if ph.timer != nil {
		ph.timer.Stop()
	}
	m.mu.Unlock()
	return ph, nil
}

// unpark removes a pending entry without resolving it.
func (m *Manager) unpark(peerID string) *pendingHandshake {
	m.mu.Lock()
	defer m.mu.Unlock()
	ph, ok := m.pending[peerID]
	if !ok {
		return nil
	}
	delete(m.pending, peerID)
	if ph.timer != nil {
		ph.timer.Stop()
	}
	return ph
}

// Send queues one chat line for a connected peer.
func (m *Manager) Send(peerID, text string) error {
	m.mu.Lock()
	sess := m.sessions[peerID]
	m.mu.Unlock()

	if sess == nil {
		if _, ok := m.reg.Get(peerID); !ok {
			return ErrUnknownPeer
		}
		return ErrSessionClosed
	}
	return sess.SendChat(text)
}

// Disconnect closes the session with a farewell frame and removes the
// peer from the registry immediately.
func (m *Manager) Disconnect(peerID string) error {
	m.mu.Lock()
	sess := m.sessions[peerID]
	m.mu.Unlock()

	if sess == nil {
		if _, ok := m.reg.Get(peerID); !ok {
			return ErrUnknownPeer
		}
		return ErrInvalidStateTransition
	}
	sess.Close()
	return nil
}

func (m *Manager) startSession(peerID string, conn net.Conn, fr *protocol.FrameReader) {
	sess := newSession(m, peerID, conn, fr)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.sessions[peerID] = sess
	m.mu.Unlock()

	if m.mx != nil {
		m.mx.SessionsActive.Inc()
	}
	sess.start()
}

// dropSession is the single exit point for a dying session. It flips the
// peer to Disconnected, fires the callback, and performs or schedules the
// registry removal.
func (m *Manager) dropSession(peerID string, local bool) {
	m.mu.Lock()
	_, ok := m.sessions[peerID]
	if ok {
		delete(m.sessions, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if m.mx != nil {
		m.mx.SessionsActive.Dec()
	}
	m.reg.SetState(peerID, peers.StateDisconnected)
	util.LogInfo("[COMMS] session with %s closed", peerID)
	if m.OnPeerDisconnected != nil {
		m.OnPeerDisconnected(peerID)
	}

	if local {
		m.reg.Remove(peerID)
		return
	}

	// A remotely closed peer lingers for the grace window so the UI can
	// show what happened; a re-announce cancels the removal by flipping
	// the state back to Discovered first. A newer disconnect restarts the
	// window, so the old timer is stopped and the callback only acts while
	// it is still the registered one.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if old, ok := m.graceTimers[peerID]; ok {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(m.cfg.DisconnectGrace, func() {
		m.mu.Lock()
		if m.graceTimers[peerID] != t {
			m.mu.Unlock()
			return
		}
		delete(m.graceTimers, peerID)
		m.mu.Unlock()
		m.reg.RemoveIfState(peerID, peers.StateDisconnected)
	})
	m.graceTimers[peerID] = t
	m.mu.Unlock()
}

// writeFrame sends one payload-less frame with a write deadline.
func (m *Manager) writeFrame(conn net.Conn, kind protocol.Kind) error {
	b, err := protocol.Encode(protocol.New(kind, m.cfg.Username, m.port, ""))
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = conn.Write(b)
	conn.SetWriteDeadline(time.Time{})
	return err
}
