// Package peers tracks every peer this node knows about and where each one
// stands in the discover/handshake/chat lifecycle. The Registry owns that
// state exclusively; other components read and mutate it only through its
// methods and always receive value snapshots, never shared pointers.
package peers

import (
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ErrUnknownPeer is returned when an id has no registry entry.
var ErrUnknownPeer = errors.New("unknown peer")

// State is a peer's position in the relationship lifecycle.
type State int

const (
	StateDiscovered State = iota
	StateRequestSent
	StateRequestReceived
	StateConnected
	StateRejected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateRequestSent:
		return "request_sent"
	case StateRequestReceived:
		return "request_received"
	case StateConnected:
		return "connected"
	case StateRejected:
		return "rejected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PeerID derives the canonical peer id from an IP address and the peer's
// advertised TCP chat port. The announcing socket's source port is
// ephemeral and never part of the id.
func PeerID(addr string, port int) string {
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

// Peer is a value snapshot of one registry entry.
type Peer struct {
	ID       string
	Username string
	Addr     string
	Port     int
	State    State
	LastSeen time.Time
}

// Registry is the peer table. A single mutex guards the map; callbacks are
// invoked after the lock is released so observers may call back in.
type Registry struct {
	mu       sync.RWMutex
	peers    map[string]*Peer
	onChange func(p Peer, from, to State)
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Peer)}
}

// OnStateChange registers the single state-transition observer. Set it
// before the registry is shared across goroutines.
func (r *Registry) OnStateChange(fn func(p Peer, from, to State)) {
	r.onChange = fn
}

// UpsertFromAnnounce records a discovery sighting. A new peer enters as
// Discovered; an existing one has its username and last-seen refreshed.
// Entries mid-handshake or connected never regress, while Rejected and
// Disconnected entries return to Discovered so a later announce starts a
// fresh lifecycle. Reports whether the peer is newly inserted.
func (r *Registry) UpsertFromAnnounce(addr string, port int, username string, now time.Time) (Peer, bool) {
	id := PeerID(addr, port)

	r.mu.Lock()
	p, ok := r.peers[id]
	if !ok {
		p = &Peer{
			ID:       id,
			Username: username,
			Addr:     addr,
			Port:     port,
			State:    StateDiscovered,
			LastSeen: now,
		}
		r.peers[id] = p
		snap := *p
		r.mu.Unlock()
		return snap, true
	}

	p.Username = username
	p.LastSeen = now
	var from State
	flipped := false
	if p.State == StateRejected || p.State == StateDisconnected {
		from = p.State
		p.State = StateDiscovered
		flipped = true
	}
	snap := *p
	r.mu.Unlock()

	if flipped {
		r.notify(snap, from, StateDiscovered)
	}
	return snap, false
}

func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// SetState moves a peer to the given state and stamps its last-seen time.
// Transition legality is the caller's contract; the registry only
// guarantees that no-op transitions fire no event.
func (r *Registry) SetState(id string, to State) (Peer, error) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return Peer{}, ErrUnknownPeer
	}
	from := p.State
	p.State = to
	p.LastSeen = time.Now()
	snap := *p
	r.mu.Unlock()

	if from != to {
		r.notify(snap, from, to)
	}
	return snap, nil
}

// List returns a snapshot of every entry, ordered by id.
func (r *Registry) List() []Peer {
	r.mu.RLock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListByState returns the snapshot filtered to one state, ordered by id.
func (r *Registry) ListByState(s State) []Peer {
	r.mu.RLock()
	var out []Peer
	for _, p := range r.peers {
		if p.State == s {
			out = append(out, *p)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EvictStale drops Discovered entries not seen for olderThan and returns
// them. Entries in any other state are never evicted by age.
func (r *Registry) EvictStale(olderThan time.Duration) []Peer {
	cutoff := time.Now().Add(-olderThan)

	r.mu.Lock()
	var evicted []Peer
	for id, p := range r.peers {
		if p.State == StateDiscovered && p.LastSeen.Before(cutoff) {
			evicted = append(evicted, *p)
			delete(r.peers, id)
		}
	}
	r.mu.Unlock()

	sort.Slice(evicted, func(i, j int) bool { return evicted[i].ID < evicted[j].ID })
	return evicted
}

// Remove deletes an entry unconditionally.
func (r *Registry) Remove(id string) (Peer, bool) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return Peer{}, false
	}
	delete(r.peers, id)
	snap := *p
	r.mu.Unlock()
	return snap, true
}

// RemoveIfState deletes an entry only if it is still in the given state.
// Used by the disconnect grace reaper, which must not race a re-announce.
func (r *Registry) RemoveIfState(id string, s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok || p.State != s {
		return false
	}
	delete(r.peers, id)
	return true
}

func (r *Registry) notify(p Peer, from, to State) {
	if r.onChange != nil {
		r.onChange(p, from, to)
	}
}
