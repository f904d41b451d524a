package comms

import (
	"net"
	"sync"
	"time"

	"github.com/eglochon/lanchat/internal/util"
	"github.com/eglochon/lanchat/pkg/protocol"
)

const outboundQueue = 32

// outFrame is one encoded frame awaiting the writer, tagged with its kind
// so the write loop knows when the farewell has gone out.
type outFrame struct {
	data []byte
	kind protocol.Kind
}

// Session is one live chat connection. A single writer goroutine owns the
// socket's write side and drains the outbound queue, so callers never
// interleave frames; the read goroutine delivers inbound chat lines until
// the stream ends.
type Session struct {
	m      *Manager
	peerID string
	conn   net.Conn
	fr     *protocol.FrameReader

	out  chan outFrame
	quit chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSession(m *Manager, peerID string, conn net.Conn, fr *protocol.FrameReader) *Session {
	return &Session{
		m:      m,
		peerID: peerID,
		conn:   conn,
		fr:     fr,
		out:    make(chan outFrame, outboundQueue),
		quit:   make(chan struct{}),
	}
}

func (s *Session) start() {
	s.wg.Add(2)
	s.m.wg.Add(2)
	go func() {
		defer s.m.wg.Done()
		defer s.wg.Done()
		s.readLoop()
	}()
	go func() {
		defer s.m.wg.Done()
		defer s.wg.Done()
		s.writeLoop()
	}()
}

// SendChat encodes and queues one chat line. Lines the codec cannot frame
// are refused here, before they reach the wire; sends fail once the
// session is closing.
func (s *Session) SendChat(text string) error {
	select {
	case <-s.quit:
		return ErrSessionClosed
	default:
	}
	b, err := protocol.Encode(protocol.New(protocol.KindChat, s.m.cfg.Username, s.m.port, text))
	if err != nil {
		return err
	}
	select {
	case s.out <- outFrame{data: b, kind: protocol.KindChat}:
		return nil
	case <-s.quit:
		return ErrSessionClosed
	}
}

// Close queues the farewell frame behind any pending chat lines and waits
// for both loops to finish. Safe to call more than once.
func (s *Session) Close() {
	b, err := protocol.Encode(protocol.New(protocol.KindDisconnect, s.m.cfg.Username, s.m.port, ""))
	if err != nil {
		s.terminate(true)
		s.wg.Wait()
		return
	}
	select {
	case s.out <- outFrame{data: b, kind: protocol.KindDisconnect}:
	case <-s.quit:
	}
	s.wg.Wait()
}

func (s *Session) readLoop() {
	for {
		msg, err := s.fr.ReadMessage()
		if err != nil {
			if protocol.IsDecodeError(err) {
				if s.m.mx != nil {
					s.m.mx.DecodeErrorsTotal.WithLabelValues("tcp").Inc()
				}
				util.LogDebug("[COMMS] drop bad frame from %s: %v", s.peerID, err)
				continue
			}
			s.terminate(false)
			return
		}

		switch msg.Kind {
		case protocol.KindChat:
			if s.m.mx != nil {
				s.m.mx.ChatFramesTotal.WithLabelValues("received").Inc()
			}
			if s.m.OnMessageReceived != nil {
				s.m.OnMessageReceived(s.peerID, msg.Payload, msg.Timestamp)
			}
		case protocol.KindDisconnect:
			util.LogInfo("[COMMS] %s left the chat", msg.Username)
			s.terminate(false)
			return
		default:
			util.LogDebug("[COMMS] ignoring %s frame from %s", msg.Kind, s.peerID)
		}
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.quit:
			return
		case f := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_, werr := s.conn.Write(f.data)
			s.conn.SetWriteDeadline(time.Time{})

			if f.kind == protocol.KindDisconnect {
				s.terminate(true)
				return
			}
			if werr != nil {
				util.LogDebug("[COMMS] write to %s: %v", s.peerID, werr)
				s.terminate(false)
				return
			}
			if s.m.mx != nil {
				s.m.mx.ChatFramesTotal.WithLabelValues("sent").Inc()
			}
		}
	}
}

// terminate tears the session down exactly once. local records whether the
// shutdown was our user's doing, which decides how fast the registry entry
// goes away.
func (s *Session) terminate(local bool) {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.conn.Close()
		s.m.dropSession(s.peerID, local)
	})
}
