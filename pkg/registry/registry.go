package registry

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// Peer is a remote endpoint. Its identity is the (Host, Port) pair.
type Peer struct {
	Host string
	Port int
}

func (p Peer) String() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// NewPeer validates host and port.
func NewPeer(host string, port int) (Peer, error) {
	if host == "" {
		return Peer{}, fmt.Errorf("empty peer host")
	}
	if port < 1 || port > 65535 {
		return Peer{}, fmt.Errorf("peer port %d out of range", port)
	}
	return Peer{Host: host, Port: port}, nil
}

// ParsePeer parses "host:port".
func ParsePeer(addr string) (Peer, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Peer{}, fmt.Errorf("invalid peer address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Peer{}, fmt.Errorf("invalid peer port in %q: %w", addr, err)
	}
	return NewPeer(host, port)
}

// Registry is the set of known peers. Peers are only ever added; a peer that
// stops answering stays registered and simply fails on later use.
type Registry struct {
	mu    sync.RWMutex
	index map[Peer]struct{}
	order []Peer
}

func New() *Registry {
	return &Registry{
		index: make(map[Peer]struct{}),
	}
}

// Add inserts p unless already present and reports whether it was new.
func (r *Registry) Add(p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[p]; exists {
		return false
	}
	r.index[p] = struct{}{}
	r.order = append(r.order, p)
	return true
}

// All returns a snapshot in insertion order.
func (r *Registry) All() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]Peer, len(r.order))
	copy(peers, r.order)
	return peers
}

func (r *Registry) Contains(p Peer) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[p]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
