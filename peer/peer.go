package peer

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/andres-erbsen/clock"

	"tarun-kavipurapu/p2p-share/pkg/config"
	"tarun-kavipurapu/p2p-share/pkg/history"
	"tarun-kavipurapu/p2p-share/pkg/index"
	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/monitor"
	"tarun-kavipurapu/p2p-share/pkg/registry"
	"tarun-kavipurapu/p2p-share/pkg/transport"
	"tarun-kavipurapu/p2p-share/pkg/transport/tcp"
)

// PeerServer is one node: it answers other peers over Transport and drives
// connect, search and download against the peers in its registry.
type PeerServer struct {
	cfg       config.Config
	registry  *registry.Registry
	index     *index.Index
	Transport transport.Transport
	metrics   *monitor.Metrics
	history   *history.Store
	clock     clock.Clock
	progress  io.Writer

	addrLock sync.RWMutex
	selfAddr string

	cancel context.CancelFunc
}

type Option func(*PeerServer)

// WithClock replaces the wall clock used for the block deadline.
func WithClock(c clock.Clock) Option {
	return func(p *PeerServer) { p.clock = c }
}

func WithMetrics(m *monitor.Metrics) Option {
	return func(p *PeerServer) { p.metrics = m }
}

// WithHistory records every completed download in store.
func WithHistory(store *history.Store) Option {
	return func(p *PeerServer) { p.history = store }
}

// WithProgress renders a live progress bar for downloads to w.
func WithProgress(w io.Writer) Option {
	return func(p *PeerServer) { p.progress = w }
}

func WithTransport(t transport.Transport) Option {
	return func(p *PeerServer) { p.Transport = t }
}

func NewPeerServer(cfg config.Config, opts ...Option) (*PeerServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	idx, err := index.New(cfg.ShareDir)
	if err != nil {
		return nil, err
	}

	peerServer := &PeerServer{
		cfg:      cfg,
		registry: registry.New(),
		index:    idx,
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(peerServer)
	}

	if peerServer.metrics == nil {
		peerServer.metrics = monitor.New(nil)
	}
	if peerServer.Transport == nil {
		trans, err := tcp.NewTCPTransport(cfg.ListenAddr, tcp.Options{
			DialTimeout: cfg.DialTimeout.Duration,
			IOTimeout:   cfg.IOTimeout.Duration,
			Proxy:       cfg.Proxy,
		})
		if err != nil {
			return nil, err
		}
		peerServer.Transport = trans
	}
	peerServer.Transport.SetHandler(peerServer)

	logger.Sugar.Infof("[PeerServer] Initialized: listen=%s share=%s files=%d", cfg.ListenAddr, cfg.ShareDir, len(idx.List()))
	return peerServer, nil
}

// Start binds the listener, starts the share folder watcher and connects to
// the configured bootstrap peers. It returns once the node is serving.
func (p *PeerServer) Start(ctx context.Context) error {
	if err := p.Transport.ListenAndAccept(); err != nil {
		return fmt.Errorf("failed to start listening: %w", err)
	}

	self := p.cfg.AdvertiseAddr
	if self == "" {
		self = p.Transport.Addr()
	}
	p.addrLock.Lock()
	p.selfAddr = self
	p.addrLock.Unlock()
	logger.Sugar.Infof("[PeerServer] Listening on %s (advertised as %s)", p.Transport.Addr(), self)

	ctx, p.cancel = context.WithCancel(ctx)
	if p.cfg.Watch {
		if _, err := p.index.Watch(ctx, index.DefaultDebounce); err != nil {
			logger.Sugar.Warnf("[PeerServer] share folder watch disabled: %v", err)
		}
	}

	for _, addr := range p.cfg.Peers {
		if err := p.ConnectAddr(ctx, addr); err != nil {
			logger.Sugar.Warnf("[PeerServer] bootstrap peer %s unavailable: %v", addr, err)
		}
	}
	return nil
}

// Stop stops the watcher and the listener, waiting for in-flight requests.
func (p *PeerServer) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}
	logger.Sugar.Infof("[PeerServer] Stopping")
	return p.Transport.Close()
}

// Addr is the address announced to other peers in Hello.
func (p *PeerServer) Addr() string {
	p.addrLock.RLock()
	defer p.addrLock.RUnlock()
	return p.selfAddr
}

func (p *PeerServer) Peers() []registry.Peer {
	return p.registry.All()
}

func (p *PeerServer) Files() []index.SharedFile {
	return p.index.List()
}

func (p *PeerServer) Metrics() *monitor.Metrics {
	return p.metrics
}

// History is nil unless WithHistory was given.
func (p *PeerServer) History() *history.Store {
	return p.history
}
