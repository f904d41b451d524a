// Package discovery announces this node over UDP and collects the
// announces of others into the peer registry. It never opens TCP
// connections; it only populates and ages the registry.
package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/eglochon/lanchat/config"
	"github.com/eglochon/lanchat/internal/util"
	"github.com/eglochon/lanchat/pkg/metrics"
	"github.com/eglochon/lanchat/pkg/peers"
	"github.com/eglochon/lanchat/pkg/protocol"
)

// Service runs one announce loop and one listen loop.
//
// In broadcast mode (the default) a single socket bound to the discovery
// port carries everything, and replies go straight back to the datagram's
// source address. In multicast mode the listener joins the group while
// announces leave through a connected socket with multicast loopback
// disabled; replies are then addressed to the well-known discovery port,
// the only return path the announcer is guaranteed to be listening on.
type Service struct {
	cfg config.Config
	reg *peers.Registry
	mx  *metrics.Metrics

	// OnPeerDiscovered fires for every peer newly inserted by an
	// announce or a reply. Set before Start; must not block.
	OnPeerDiscovered func(peers.Peer)

	mu      sync.Mutex
	conn    *net.UDPConn // listener; in broadcast mode also the sender
	mconn   *net.UDPConn // multicast announce socket, nil otherwise
	dst     *net.UDPAddr
	cancel  context.CancelFunc
	selfIPs map[string]bool
	wg      sync.WaitGroup
}

func NewService(cfg config.Config, reg *peers.Registry, mx *metrics.Metrics) *Service {
	return &Service{cfg: cfg, reg: reg, mx: mx}
}

// Start binds the discovery socket(s) and launches both loops.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return errors.New("discovery already started")
	}

	dst, err := s.cfg.AnnounceDst()
	if err != nil {
		return err
	}

	var conn, mconn *net.UDPConn
	if dst.IP.IsMulticast() {
		group := &net.UDPAddr{IP: dst.IP, Port: s.cfg.DiscoveryPort}
		conn, err = net.ListenMulticastUDP("udp4", nil, group)
		if err != nil {
			return err
		}
		mconn, err = net.DialUDP("udp4", nil, dst)
		if err != nil {
			conn.Close()
			return err
		}
		p := ipv4.NewPacketConn(mconn)
		if err := p.SetMulticastLoopback(false); err != nil {
			util.LogWarning("[DISCOVERY] cannot disable multicast loopback: %v", err)
		}
	} else {
		conn, err = net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: s.cfg.DiscoveryPort})
		if err != nil {
			return err
		}
	}

	s.conn = conn
	s.mconn = mconn
	s.dst = dst
	s.selfIPs = localAddresses()

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.listenLoop(ctx)
	go s.announceLoop(ctx)

	util.LogInfo("[DISCOVERY] announcing %q to %s every %s, listening on :%d",
		s.cfg.Username, dst, s.cfg.AnnounceInterval, s.cfg.DiscoveryPort)
	return nil
}

// Stop cancels both loops, closes the sockets and waits for the loops to
// drain. Safe to call more than once.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.cancel = nil
	s.conn.Close()
	if s.mconn != nil {
		s.mconn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	util.LogInfo("[DISCOVERY] stopped")
}

// Scan sends one extra announce right now. The registry is the aggregate;
// replies simply refresh it as they trickle in.
func (s *Service) Scan() error {
	return s.sendAnnounce()
}

func (s *Service) announceLoop(ctx context.Context) {
	defer s.wg.Done()

	if err := s.sendAnnounce(); err != nil {
		util.LogWarning("[DISCOVERY] announce: %v", err)
	}

	ticker := time.NewTicker(s.cfg.AnnounceInterval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sendAnnounce(); err != nil && ctx.Err() == nil {
				util.LogWarning("[DISCOVERY] announce: %v", err)
			}
			ticks++
			if ticks%s.cfg.StaleFactor == 0 {
				for _, p := range s.reg.EvictStale(s.cfg.StaleAfter()) {
					util.LogInfo("[DISCOVERY] %s (%s) went quiet, evicted", p.Username, p.ID)
				}
			}
		}
	}
}

func (s *Service) listenLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, 1024)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			util.LogWarning("[DISCOVERY] read: %v", err)
			continue
		}
		s.handleDatagram(buf[:n], src)
	}
}

// handleDatagram decodes one datagram and applies the discovery rules:
// drop undecodable or non-discovery frames, suppress our own announces,
// upsert the sender, and answer an announce with a directed reply.
func (s *Service) handleDatagram(data []byte, src *net.UDPAddr) {
	msg, err := protocol.Decode(data)
	if err != nil {
		if s.mx != nil {
			s.mx.DecodeErrorsTotal.WithLabelValues("udp").Inc()
		}
		util.LogDebug("[DISCOVERY] dropping datagram from %s: %v", src, err)
		return
	}

	switch msg.Kind {
	case protocol.KindAnnounce, protocol.KindAnnounceReply:
	default:
		util.LogDebug("[DISCOVERY] ignoring %s from %s", msg.Kind, src)
		return
	}

	if s.isSelf(src.IP, msg.Port) {
		return
	}

	if s.mx != nil {
		s.mx.AnnouncesTotal.WithLabelValues("received", string(msg.Kind)).Inc()
	}

	p, created := s.reg.UpsertFromAnnounce(src.IP.String(), msg.Port, msg.Username, time.Now())
	if created {
		if s.mx != nil {
			s.mx.PeersDiscovered.Inc()
		}
		util.LogInfo("[DISCOVERY] %s is on the network (%s)", p.Username, p.ID)
		if s.OnPeerDiscovered != nil {
			s.OnPeerDiscovered(p)
		}
	}

	if msg.Kind == protocol.KindAnnounce {
		s.reply(src)
	}
}

// isSelf matches our own announces: source IP on a local interface and
// the advertised chat port equal to ours. Needed because broadcast
// datagrams always loop back to the sender's host.
func (s *Service) isSelf(ip net.IP, port int) bool {
	return port == s.cfg.ChatPort && s.selfIPs[ip.String()]
}

func (s *Service) sendAnnounce() error {
	b, err := protocol.Encode(protocol.New(protocol.KindAnnounce, s.cfg.Username, s.cfg.ChatPort, ""))
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn, mconn, dst := s.conn, s.mconn, s.dst
	s.mu.Unlock()
	if conn == nil {
		return errors.New("discovery not started")
	}

	if mconn != nil {
		_, err = mconn.Write(b)
	} else {
		_, err = conn.WriteToUDP(b, dst)
	}
	if err != nil {
		return err
	}
	if s.mx != nil {
		s.mx.AnnouncesTotal.WithLabelValues("sent", string(protocol.KindAnnounce)).Inc()
	}
	return nil
}

func (s *Service) reply(src *net.UDPAddr) {
	b, err := protocol.Encode(protocol.New(protocol.KindAnnounceReply, s.cfg.Username, s.cfg.ChatPort, ""))
	if err != nil {
		return
	}

	if s.mconn == nil {
		_, err = s.conn.WriteToUDP(b, src)
	} else {
		dst := &net.UDPAddr{IP: src.IP, Port: s.cfg.DiscoveryPort}
		var c *net.UDPConn
		if c, err = net.DialUDP("udp4", nil, dst); err == nil {
			_, err = c.Write(b)
			c.Close()
		}
	}
	if err != nil {
		util.LogWarning("[DISCOVERY] reply to %s: %v", src, err)
		return
	}
	if s.mx != nil {
		s.mx.AnnouncesTotal.WithLabelValues("sent", string(protocol.KindAnnounceReply)).Inc()
	}
}
