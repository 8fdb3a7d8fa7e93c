package peer

import (
	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/registry"
)

// ServeMessage answers one inbound request. A false return closes the
// connection without a reply.
func (p *PeerServer) ServeMessage(from string, msg protocol.Message) (protocol.Message, bool) {
	var (
		reply protocol.Message
		ok    bool
	)

	switch v := msg.(type) {
	case protocol.Hello:
		reply, ok = p.handleHello(from, v)
	case protocol.Search:
		reply, ok = p.handleSearch(from, v), true
	case protocol.DownloadQuery:
		reply, ok = p.handleDownloadQuery(from, v), true
	case protocol.BlockRequest:
		reply, ok = p.handleBlockRequest(from, v)
	default:
		logger.Sugar.Warnf("[PeerServer] protocol error: unexpected %s request from %s", msg.Kind(), from)
		return nil, false
	}

	if ok {
		p.metrics.RequestServed(msg.Kind().String())
	}
	return reply, ok
}

// handleHello registers the announced address, mirroring what the caller
// does on its side once we answer.
func (p *PeerServer) handleHello(from string, msg protocol.Hello) (protocol.Message, bool) {
	peer, err := registry.ParsePeer(msg.Addr)
	if err != nil {
		logger.Sugar.Warnf("[PeerServer] rejecting hello from %s: %v", from, err)
		return nil, false
	}

	if p.registry.Add(peer) {
		logger.Sugar.Infof("[PeerServer] New peer registered: %s", peer)
	}
	return protocol.Hello{Addr: p.Addr()}, true
}

func (p *PeerServer) handleSearch(from string, msg protocol.Search) protocol.Message {
	matches := p.index.SearchByKeyword(msg.Keyword)

	entries := make([]string, 0, len(matches))
	for _, f := range matches {
		fp, err := p.index.Fingerprint(f.Name)
		if err != nil {
			logger.Sugar.Warnf("[PeerServer] skipping %s in search results: %v", f.Name, err)
			continue
		}
		entries = append(entries, protocol.FormatEntry(f.Name, f.Size, fp))
	}

	logger.Sugar.Debugf("[PeerServer] search %q from %s: %d matches", msg.Keyword, from, len(entries))
	return protocol.SearchResults{Entries: entries}
}

func (p *PeerServer) handleDownloadQuery(from string, msg protocol.DownloadQuery) protocol.Message {
	if _, ok := p.index.FindByName(msg.FileName); !ok {
		return protocol.DownloadAnswer{}
	}

	fp, err := p.index.Fingerprint(msg.FileName)
	if err != nil {
		logger.Sugar.Warnf("[PeerServer] cannot fingerprint %s for %s: %v", msg.FileName, from, err)
		return protocol.DownloadAnswer{}
	}

	return protocol.DownloadAnswer{
		Exists:      true,
		Fingerprint: fp,
		BlockCount:  p.index.BlockCount(msg.FileName),
	}
}

// handleBlockRequest replies with the block or, when it is not served here,
// with nothing at all.
func (p *PeerServer) handleBlockRequest(from string, msg protocol.BlockRequest) (protocol.Message, bool) {
	block, ok := p.index.LookupBlock(msg.Fingerprint, msg.Index)
	if !ok {
		logger.Sugar.Debugf("[PeerServer] no block %d of %s for %s", msg.Index, msg.Fingerprint, from)
		return nil, false
	}
	logger.Sugar.Debugf("[PeerServer] Sending block %d of %s (%d bytes) to %s", block.Index, block.FileName, block.Size, from)
	return block, true
}
