package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/transport"
)

const (
	defaultDialTimeout = 3 * time.Second
	defaultIOTimeout   = 10 * time.Second
	shutdownTimeout    = 30 * time.Second
)

// TCPNode implements transport.Node over one connection.
type TCPNode struct {
	conn net.Conn
	// TCP主动连接 outbound -> true 否则 outbound -> false
	outbound bool
}

func NewTCPNode(conn net.Conn, outbound bool) *TCPNode {
	return &TCPNode{
		conn:     conn,
		outbound: outbound,
	}
}

func (n *TCPNode) Send(msg protocol.Message) error {
	return writeFrame(n.conn, msg)
}

func (n *TCPNode) Receive() (protocol.Message, error) {
	return readFrame(n.conn)
}

func (n *TCPNode) Close() error {
	return n.conn.Close()
}

func (n *TCPNode) Addr() string {
	return n.conn.RemoteAddr().String()
}

// Options tunes dialing and per-connection IO.
type Options struct {
	DialTimeout time.Duration
	IOTimeout   time.Duration
	// Proxy is an optional socks5:// URL used for every outbound dial.
	Proxy string
}

// TCPTransport implements transport.Transport
type TCPTransport struct {
	listenAddr string
	listener   net.Listener
	handler    transport.Handler
	dialer     proxy.Dialer
	ioTimeout  time.Duration

	wg        sync.WaitGroup
	quitCh    chan struct{}
	closeOnce sync.Once
}

func NewTCPTransport(addr string, opts Options) (*TCPTransport, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = defaultIOTimeout
	}

	var dialer proxy.Dialer = &net.Dialer{Timeout: opts.DialTimeout}
	if opts.Proxy != "" {
		u, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		dialer, err = proxy.FromURL(u, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to configure proxy: %w", err)
		}
	}

	return &TCPTransport{
		listenAddr: addr,
		dialer:     dialer,
		ioTimeout:  opts.IOTimeout,
		quitCh:     make(chan struct{}),
	}, nil
}

func (t *TCPTransport) SetHandler(h transport.Handler) {
	t.handler = h
}

func (t *TCPTransport) ListenAndAccept() error {
	var err error
	t.listener, err = net.Listen("tcp", t.listenAddr)
	if err != nil {
		return err
	}

	go t.acceptLoop()
	return nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.quitCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Sugar.Errorf("[TCPTransport] accept error: listen=%s err=%v", t.listenAddr, err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		// one goroutine per connection, unbounded
		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

// handleConn runs exactly one request/response exchange.
func (t *TCPTransport) handleConn(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(t.ioTimeout)); err != nil {
		logger.Sugar.Warnf("[TCPTransport] set deadline failed: remote=%s err=%v", conn.RemoteAddr(), err)
	}
	node := NewTCPNode(conn, false)

	// 1. Read request
	msg, err := node.Receive()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			logger.Sugar.Errorf("[TCPTransport] read request error: remote=%s err=%v", conn.RemoteAddr(), err)
		}
		return
	}

	// 2. Dispatch
	if t.handler == nil {
		return
	}
	reply, ok := t.handler.ServeMessage(node.Addr(), msg)
	if !ok {
		return
	}

	// 3. Write response
	if err := node.Send(reply); err != nil {
		logger.Sugar.Errorf("[TCPTransport] write %s response error: remote=%s err=%v", reply.Kind(), conn.RemoteAddr(), err)
	}
}

// Exchange dials addr, sends msg and waits for at most one reply. The
// connection is closed on every path, including cancellation of ctx.
func (t *TCPTransport) Exchange(ctx context.Context, addr string, msg protocol.Message) (protocol.Message, error) {
	conn, err := t.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	deadline := time.Now().Add(t.ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	node := NewTCPNode(conn, true)
	if err := node.Send(msg); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to send %s to %s: %w", msg.Kind(), addr, err)
	}

	reply, err := node.Receive()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s after %s: %w", addr, msg.Kind(), transport.ErrNoResponse)
		}
		return nil, fmt.Errorf("failed to read reply from %s: %w", addr, err)
	}
	return reply, nil
}

func (t *TCPTransport) dial(ctx context.Context, addr string) (net.Conn, error) {
	if cd, ok := t.dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return t.dialer.Dial("tcp", addr)
}

// Close stops accepting and waits for in-flight handlers.
func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.quitCh)
		if t.listener != nil {
			err = t.listener.Close()
		}

		done := make(chan struct{})
		go func() {
			t.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(shutdownTimeout):
			logger.Sugar.Warnf("[TCPTransport] forcing shutdown, some handlers incomplete")
		}
	})
	return err
}

// Addr is the bound address once listening, the configured one before.
func (t *TCPTransport) Addr() string {
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.listenAddr
}
