package transport

import (
	"context"
	"errors"

	"tarun-kavipurapu/p2p-share/pkg/protocol"
)

// ErrNoResponse means the remote side closed the connection without replying.
// A peer that does not serve a block and a dead peer look the same.
var ErrNoResponse = errors.New("no response from peer")

// Handler answers one inbound request. Returning false closes the connection
// without a reply.
type Handler interface {
	ServeMessage(from string, msg protocol.Message) (protocol.Message, bool)
}

type HandlerFunc func(from string, msg protocol.Message) (protocol.Message, bool)

func (f HandlerFunc) ServeMessage(from string, msg protocol.Message) (protocol.Message, bool) {
	return f(from, msg)
}

// Node is one end of a single request/response exchange.
type Node interface {
	Send(msg protocol.Message) error
	Receive() (protocol.Message, error)
	Close() error
	Addr() string
}

// Transport handles the network layer. Every exchange uses its own
// connection: open, send one message, read zero or one message, close.
type Transport interface {
	ListenAndAccept() error
	Exchange(ctx context.Context, addr string, msg protocol.Message) (protocol.Message, error)
	Close() error
	Addr() string
	SetHandler(Handler)
}
