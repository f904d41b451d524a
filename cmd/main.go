// lanchat is a terminal client for the LAN chat core.
//
// Peers on the same network find each other automatically; a chat starts
// once the other side accepts your request. Run it with no flags and it
// will ask for a username.
//
// It can also be configured non-interactively via CLI flags (-username,
// -port, -discovery-port, -announce, -config, -metrics, -debug).
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"github.com/eglochon/lanchat/config"
	"github.com/eglochon/lanchat/internal/util"
	"github.com/eglochon/lanchat/pkg/discovery"
	"github.com/eglochon/lanchat/pkg/metrics"
	"github.com/eglochon/lanchat/pkg/node"
	"github.com/eglochon/lanchat/pkg/peers"
	"github.com/eglochon/lanchat/pkg/protocol"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI flags. Anything left at its zero value falls through to the
	// config file, the environment, and finally the defaults.
	username := flag.String("username", "", "Name announced to other peers (max 32 bytes)")
	port := flag.Int("port", 0, "TCP chat port (default 5000)")
	discoveryPort := flag.Int("discovery-port", 0, "UDP discovery port (default 5001)")
	announce := flag.String("announce", "", "Announce destination, broadcast or multicast IP (default 255.255.255.255)")
	configPath := flag.String("config", "", "Path to a YAML config file")
	metricsAddr := flag.String("metrics", "", "Expose Prometheus metrics on this address (e.g. :9100)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
	}
	cfg.ApplyEnv()
	if *username != "" {
		cfg.Username = *username
	}
	if *port != 0 {
		cfg.ChatPort = *port
	}
	if *discoveryPort != 0 {
		cfg.DiscoveryPort = *discoveryPort
	}
	if *announce != "" {
		cfg.AnnounceAddr = *announce
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *debugMode {
		cfg.Debug = true
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("lanchat — v%s", version))
	pterm.Println()

	if cfg.Username == "" {
		cfg.Username = askUsername()
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	mx := metrics.NewMetrics()
	u := &ui{names: make(map[string]string)}
	n := node.New(cfg, u.events(), mx)

	if err := n.Start(ctx); err != nil {
		util.LogError("failed to start: %v", err)
		os.Exit(1)
	}
	defer n.Stop()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", mx.Handler())
		msrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				util.LogWarning("metrics server: %v", err)
			}
		}()
		defer msrv.Close()
		util.LogInfo("metrics on http://%s/metrics", cfg.MetricsAddr)
	}

	pterm.Success.Printfln("you are %s at %s", cfg.Username, discovery.LocalAddr(n.Port()))
	pterm.Println("type /help for commands; bare text goes to everyone you are chatting with")
	pterm.Println()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			pterm.Println()
			util.LogInfo("shutting down")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !dispatch(n, line) {
				return
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Command handling
// ---------------------------------------------------------------------------

// dispatch runs one input line. Returns false when the user quits.
func dispatch(n *node.Node, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}

	if !strings.HasPrefix(line, "/") {
		broadcast(n, line)
		return true
	}

	fields := strings.Fields(line)
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "/quit", "/exit":
		return false

	case "/help":
		printHelp()

	case "/scan":
		if err := n.Scan(); err != nil {
			util.LogWarning("scan: %v", err)
		} else {
			pterm.Info.Println("asked the network to speak up")
		}

	case "/peers":
		printPeers(n)

	case "/connect":
		withPeer(n, args, "connect", n.Connect)

	case "/accept":
		withPeer(n, args, "accept", n.Accept)

	case "/reject":
		withPeer(n, args, "reject", n.Reject)

	case "/disconnect":
		withPeer(n, args, "disconnect", n.Disconnect)

	case "/msg":
		rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		target, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			util.LogWarning("usage: /msg <peer> <text>")
			return true
		}
		id, err := resolvePeer(n, target)
		if err != nil {
			util.LogWarning("%v", err)
			return true
		}
		if err := n.Send(id, text); err != nil {
			util.LogWarning("send to %s: %v", id, err)
			return true
		}
		pterm.Printfln("%s you: %s", pterm.Gray(time.Now().Format("15:04:05")), text)

	default:
		util.LogWarning("unknown command %s, try /help", cmd)
	}
	return true
}

// withPeer resolves the single peer argument of a command and applies fn.
func withPeer(n *node.Node, args []string, verb string, fn func(string) error) {
	if len(args) != 1 {
		util.LogWarning("usage: /%s <peer>", verb)
		return
	}
	id, err := resolvePeer(n, args[0])
	if err != nil {
		util.LogWarning("%v", err)
		return
	}
	if err := fn(id); err != nil {
		util.LogWarning("%s %s: %v", verb, id, err)
	}
}

// broadcast sends a bare input line to every peer we are chatting with.
func broadcast(n *node.Node, text string) {
	connected := n.PeersByState(peers.StateConnected)
	if len(connected) == 0 {
		util.LogWarning("no one to talk to yet, /connect somebody first")
		return
	}
	for _, p := range connected {
		if err := n.Send(p.ID, text); err != nil {
			util.LogWarning("send to %s: %v", p.ID, err)
		}
	}
	pterm.Printfln("%s you: %s", pterm.Gray(time.Now().Format("15:04:05")), text)
}

// resolvePeer turns a command argument into a registry id. A host:port id
// is taken as is; anything else must name a unique known peer by username
// or bare IP.
func resolvePeer(n *node.Node, arg string) (string, error) {
	if _, _, err := net.SplitHostPort(arg); err == nil {
		return arg, nil
	}
	var ids []string
	for _, p := range n.Peers() {
		if p.Username == arg || p.Addr == arg {
			ids = append(ids, p.ID)
		}
	}
	switch len(ids) {
	case 1:
		return ids[0], nil
	case 0:
		return "", fmt.Errorf("no known peer %q, try /peers", arg)
	default:
		return "", fmt.Errorf("%q matches %d peers, use the full id", arg, len(ids))
	}
}

func printPeers(n *node.Node) {
	ps := n.Peers()
	if len(ps) == 0 {
		pterm.Info.Println("nobody on the radar, try /scan")
		return
	}

	rows := pterm.TableData{{"Peer", "Address", "State", "Last seen"}}
	for _, p := range ps {
		rows = append(rows, []string{p.Username, p.ID, p.State.String(), p.LastSeen.Format("15:04:05")})
	}
	pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func printHelp() {
	pterm.Println(`  /scan                ask the network to speak up right now
  /peers               list everyone on the radar
  /connect <peer>      send a chat request
  /accept <peer>       let a requester in
  /reject <peer>       turn a requester away
  /msg <peer> <text>   message one peer
  /disconnect <peer>   end a chat
  /help                this text
  /quit                leave

  <peer> is a host:port id from /peers, or a unique username or IP.
  Bare text goes to everyone you are chatting with.`)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askUsername prompts until a valid name is entered.
func askUsername() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Pick a username (max 32 bytes)").
			Show()

		name := strings.TrimSpace(raw)
		if err := protocol.ValidateUsername(name); err == nil {
			pterm.Println()
			return name
		}

		util.LogWarning("invalid username: 1~32 bytes, no control characters")
		pterm.Println()
	}
}

// ui caches peer usernames so event lines can still name people whose
// registry entry is already gone.
type ui struct {
	mu    sync.Mutex
	names map[string]string
}

func (u *ui) remember(p peers.Peer) {
	u.mu.Lock()
	u.names[p.ID] = p.Username
	u.mu.Unlock()
}

func (u *ui) name(id string) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if n := u.names[id]; n != "" {
		return n
	}
	return id
}

func (u *ui) events() node.Events {
	return node.Events{
		PeerDiscovered: func(p peers.Peer) {
			u.remember(p)
			pterm.Info.Printfln("%s is here: /connect %s", p.Username, p.ID)
		},
		HandshakeRequested: func(p peers.Peer) {
			u.remember(p)
			pterm.Warning.Printfln("%s wants to chat: /accept %s or /reject %s", p.Username, p.ID, p.ID)
		},
		PeerStateChanged: func(p peers.Peer, from, to peers.State) {
			u.remember(p)
			switch {
			case to == peers.StateConnected:
				pterm.Success.Printfln("you are now chatting with %s", p.Username)
			case from == peers.StateRequestSent && to == peers.StateRejected:
				pterm.Warning.Printfln("%s declined or let the request expire", p.Username)
			}
		},
		MessageReceived: func(peerID, text string, ts time.Time) {
			pterm.Printfln("%s %s: %s", pterm.Gray(ts.Format("15:04:05")), pterm.Cyan(u.name(peerID)), text)
		},
		PeerDisconnected: func(peerID string) {
			pterm.Info.Printfln("%s left the chat", u.name(peerID))
		},
	}
}
