package peer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"tarun-kavipurapu/p2p-share/pkg/fingerprint"
	"tarun-kavipurapu/p2p-share/pkg/history"
	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/registry"
)

// SearchResult is one distinct file content found by Search.
type SearchResult struct {
	Name        string
	Size        int64
	Fingerprint string
	// PeerCount is the number of distinct remote peers reporting this content.
	PeerCount int
	// Local is set when the content is also in our own share folder.
	Local bool
}

// Report describes a finished download.
type Report struct {
	ID           string
	FileName     string
	Fingerprint  string
	BlockCount   int
	Size         int64
	AlreadyLocal bool
	// Blocks maps each supplying peer to the number of blocks it served.
	Blocks  map[string]int
	Elapsed time.Duration
}

// downloadPlan is the agreed identity of a file and the peers holding it.
type downloadPlan struct {
	FileName    string
	Fingerprint string
	BlockCount  int
	Peers       []registry.Peer
}

// ConnectAddr is Connect for a "host:port" string.
func (p *PeerServer) ConnectAddr(ctx context.Context, addr string) error {
	peer, err := registry.ParsePeer(addr)
	if err != nil {
		return err
	}
	return p.Connect(ctx, peer.Host, peer.Port)
}

// Connect performs the Hello handshake and registers the peer only if it
// answered with a Hello of its own.
func (p *PeerServer) Connect(ctx context.Context, host string, port int) error {
	peer, err := registry.NewPeer(host, port)
	if err != nil {
		return err
	}

	logger.Sugar.Infof("[PeerServer] Connecting to %s", peer)
	reply, err := p.Transport.Exchange(ctx, peer.String(), protocol.Hello{Addr: p.Addr()})
	if err != nil {
		p.metrics.PeerError("connect")
		return fmt.Errorf("%w with %s: %w", ErrHandshake, peer, err)
	}
	if _, ok := reply.(protocol.Hello); !ok {
		p.metrics.PeerError("connect")
		return fmt.Errorf("%w with %s: unexpected %s reply", ErrHandshake, peer, reply.Kind())
	}

	if p.registry.Add(peer) {
		logger.Sugar.Infof("[PeerServer] Connected to peer %s", peer)
	}
	return nil
}

// Search asks every registered peer for keyword and merges the answers by
// content fingerprint. It never fails: unreachable peers contribute nothing.
func (p *PeerServer) Search(ctx context.Context, keyword string) []SearchResult {
	peers := p.registry.All()

	type hit struct {
		peer  string
		entry protocol.SearchEntry
	}
	var (
		mu   sync.Mutex
		hits []hit
		errs error
	)
	fail := func(op string, err error) {
		p.metrics.PeerError(op)
		mu.Lock()
		errs = multierr.Append(errs, err)
		mu.Unlock()
	}

	var g errgroup.Group
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			reply, err := p.Transport.Exchange(ctx, peer.String(), protocol.Search{Keyword: keyword})
			if err != nil {
				fail("search", fmt.Errorf("%s: %w", peer, err))
				return nil
			}
			results, ok := reply.(protocol.SearchResults)
			if !ok {
				fail("search", fmt.Errorf("%s: unexpected %s reply", peer, reply.Kind()))
				return nil
			}

			var local []hit
			for _, raw := range results.Entries {
				entry, err := protocol.ParseEntry(raw)
				if err != nil {
					fail("search", fmt.Errorf("%s: %w", peer, err))
					continue
				}
				local = append(local, hit{peer: peer.String(), entry: entry})
			}
			mu.Lock()
			hits = append(hits, local...)
			mu.Unlock()
			return nil
		})
	}
	// every task returns nil; Wait is the completion barrier
	_ = g.Wait()

	if errs != nil {
		logger.Sugar.Warnf("[PeerServer] search %q: %d peer failures: %v", keyword, len(multierr.Errors(errs)), errs)
	}

	merged := make(map[string]*SearchResult)
	seen := make(map[string]map[string]struct{})
	for _, h := range hits {
		r, ok := merged[h.entry.Fingerprint]
		if !ok {
			r = &SearchResult{Name: h.entry.Name, Size: h.entry.Size, Fingerprint: h.entry.Fingerprint}
			merged[h.entry.Fingerprint] = r
			seen[h.entry.Fingerprint] = make(map[string]struct{})
		}
		// hits arrive in task order; the smallest name wins so output is stable
		if h.entry.Name < r.Name {
			r.Name = h.entry.Name
		}
		if _, dup := seen[h.entry.Fingerprint][h.peer]; !dup {
			seen[h.entry.Fingerprint][h.peer] = struct{}{}
			r.PeerCount++
		}
	}

	for _, f := range p.index.SearchByKeyword(keyword) {
		fp, err := p.index.Fingerprint(f.Name)
		if err != nil {
			continue
		}
		if r, ok := merged[fp]; ok {
			// our own name for the content takes precedence over remote ones
			if !r.Local || f.Name < r.Name {
				r.Name = f.Name
			}
			r.Local = true
			continue
		}
		merged[fp] = &SearchResult{Name: f.Name, Size: f.Size, Fingerprint: fp, Local: true}
	}

	results := make([]SearchResult, 0, len(merged))
	for _, r := range merged {
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Name != results[j].Name {
			return results[i].Name < results[j].Name
		}
		return results[i].Fingerprint < results[j].Fingerprint
	})

	logger.Sugar.Infof("[PeerServer] search %q: %d results from %d peers", keyword, len(results), len(peers))
	return results
}

// Download fetches name from the registered peers into the share folder.
func (p *PeerServer) Download(ctx context.Context, name string) (*Report, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	// 1. Nothing to do if we already share it
	if _, ok := p.index.FindByName(name); ok {
		logger.Sugar.Infof("[PeerServer] %s is already in the share folder", name)
		return &Report{FileName: name, AlreadyLocal: true, Blocks: map[string]int{}}, nil
	}

	start := p.clock.Now()

	// 2. Negotiate identity
	plan, err := p.negotiate(ctx, name)
	if err != nil {
		p.recordFailure(err)
		return nil, err
	}
	logger.Sugar.Infof("[PeerServer] Starting download of %s (%s) with %d blocks from %d peers",
		name, plan.Fingerprint, plan.BlockCount, len(plan.Peers))

	// 3. Fetch blocks
	tracker := NewDownloadTracker(name, plan.Fingerprint, plan.BlockCount, p.clock)
	var renderer *ProgressRenderer
	if p.progress != nil {
		renderer = NewProgressRenderer(tracker, p.progress)
		go renderer.Start()
	}
	blocks, sources, err := p.fetchBlocks(ctx, plan, tracker)
	if err == nil {
		tracker.MarkComplete()
	}
	if renderer != nil {
		renderer.StopAndWait()
	}
	if err != nil {
		p.recordFailure(err)
		return nil, err
	}

	// 4. Reassemble and verify
	release := p.index.Reserve(name)
	size, err := p.reassemble(plan, blocks)
	release()
	if err != nil {
		p.recordFailure(err)
		return nil, err
	}
	if err := p.index.Refresh(); err != nil {
		logger.Sugar.Warnf("[PeerServer] index refresh after download failed: %v", err)
	}

	report := &Report{
		ID:          uuid.NewString(),
		FileName:    name,
		Fingerprint: plan.Fingerprint,
		BlockCount:  plan.BlockCount,
		Size:        size,
		Blocks:      sources,
		Elapsed:     p.clock.Now().Sub(start),
	}
	p.metrics.RecordTransfer(size, report.Elapsed)
	p.recordHistory(report)

	logger.Sugar.Infof("[PeerServer] Downloaded %s: %d blocks %v", name, plan.BlockCount, sources)
	return report, nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// negotiate asks every peer about name and requires them to agree.
func (p *PeerServer) negotiate(ctx context.Context, name string) (downloadPlan, error) {
	peers := p.registry.All()
	// one slot per peer, written only by that peer's task
	answers := make([]*protocol.DownloadAnswer, len(peers))

	var g errgroup.Group
	for i, peer := range peers {
		i, peer := i, peer
		g.Go(func() error {
			reply, err := p.Transport.Exchange(ctx, peer.String(), protocol.DownloadQuery{FileName: name})
			if err != nil {
				p.metrics.PeerError("download_query")
				logger.Sugar.Warnf("[PeerServer] download query to %s failed: %v", peer, err)
				return nil
			}
			answer, ok := reply.(protocol.DownloadAnswer)
			if !ok {
				p.metrics.PeerError("download_query")
				logger.Sugar.Warnf("[PeerServer] download query to %s: unexpected %s reply", peer, reply.Kind())
				return nil
			}
			answers[i] = &answer
			return nil
		})
	}
	_ = g.Wait()

	type identity struct {
		fingerprint string
		blockCount  int
	}
	holders := make(map[identity][]registry.Peer)
	var order []identity
	for i, answer := range answers {
		if answer == nil || !answer.Exists {
			continue
		}
		if !fingerprint.Valid(answer.Fingerprint) || answer.BlockCount < 0 || answer.BlockCount > protocol.MaxBlockCount {
			logger.Sugar.Warnf("[PeerServer] ignoring malformed answer from %s: %+v", peers[i], *answer)
			continue
		}
		id := identity{answer.Fingerprint, answer.BlockCount}
		if _, ok := holders[id]; !ok {
			order = append(order, id)
		}
		holders[id] = append(holders[id], peers[i])
	}

	switch len(order) {
	case 0:
		return downloadPlan{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	case 1:
		id := order[0]
		return downloadPlan{
			FileName:    name,
			Fingerprint: id.fingerprint,
			BlockCount:  id.blockCount,
			Peers:       holders[id],
		}, nil
	default:
		variants := make([]string, 0, len(order))
		for _, id := range order {
			variants = append(variants, fmt.Sprintf("%s:%d%v", id.fingerprint, id.blockCount, holders[id]))
		}
		return downloadPlan{}, fmt.Errorf("%w: %s has %d variants %s", ErrInconsistent, name, len(order), strings.Join(variants, ", "))
	}
}

// reassemble writes blocks, already sorted by index, to the share folder and
// checks the result against the negotiated fingerprint.
func (p *PeerServer) reassemble(plan downloadPlan, blocks []protocol.Block) (int64, error) {
	dest := p.index.Path(plan.FileName)
	file, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return 0, fmt.Errorf("%w: %s", ErrDestinationExists, dest)
		}
		return 0, fmt.Errorf("failed to create %s: %w", dest, err)
	}

	var size int64
	for _, block := range blocks {
		n, err := file.Write(block.Payload)
		size += int64(n)
		if err != nil {
			file.Close()
			os.Remove(dest)
			return 0, fmt.Errorf("failed to write block %d of %s: %w", block.Index, plan.FileName, err)
		}
	}
	if err := file.Close(); err != nil {
		os.Remove(dest)
		return 0, fmt.Errorf("failed to close %s: %w", dest, err)
	}

	got, err := fingerprint.File(dest)
	if err != nil {
		os.Remove(dest)
		return 0, err
	}
	if got != plan.Fingerprint {
		os.Remove(dest)
		return 0, fmt.Errorf("%w: %s expected %s, got %s", ErrIntegrity, plan.FileName, plan.Fingerprint, got)
	}
	return size, nil
}

func (p *PeerServer) recordHistory(report *Report) {
	if p.history == nil {
		return
	}
	err := p.history.Record(history.Entry{
		ID:          report.ID,
		FileName:    report.FileName,
		Fingerprint: report.Fingerprint,
		Size:        report.Size,
		BlockCount:  report.BlockCount,
		Blocks:      report.Blocks,
		CompletedAt: p.clock.Now(),
	})
	if err != nil {
		logger.Sugar.Warnf("[PeerServer] failed to record download history: %v", err)
	}
}

func (p *PeerServer) recordFailure(err error) {
	reason := "other"
	switch {
	case errors.Is(err, ErrNotFound):
		reason = "not_found"
	case errors.Is(err, ErrInconsistent):
		reason = "inconsistent"
	case errors.Is(err, ErrIncomplete):
		reason = "incomplete"
	case errors.Is(err, ErrIntegrity):
		reason = "integrity"
	case errors.Is(err, ErrDestinationExists):
		reason = "destination_exists"
	}
	p.metrics.RecordFailure(reason)
	logger.Sugar.Errorf("[PeerServer] download failed: %v", err)
}
