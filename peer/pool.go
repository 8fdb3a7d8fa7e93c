package peer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"tarun-kavipurapu/p2p-share/pkg/fingerprint"
	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/registry"
)

// fetchedBlock remembers which peer served a verified block.
type fetchedBlock struct {
	block protocol.Block
	peer  string
}

// fetchBlocks drains a queue of block indices with a fixed set of workers,
// each bound to one candidate peer. A failed attempt drops the index. The
// pool stops at the block deadline and whatever arrived by then is all there is.
// On success the blocks are returned in index order with per-peer counts.
func (p *PeerServer) fetchBlocks(ctx context.Context, plan downloadPlan, tracker *DownloadTracker) ([]protocol.Block, map[string]int, error) {
	queue := make(chan int, plan.BlockCount)
	for i := 0; i < plan.BlockCount; i++ {
		queue <- i
	}
	close(queue)

	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	deadline := p.clock.AfterFunc(p.cfg.BlockDeadline.Duration, cancel)
	defer deadline.Stop()

	var (
		mu      sync.Mutex
		fetched []fetchedBlock
	)

	workers := p.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		source := plan.Peers[i%len(plan.Peers)]
		g.Go(func() error {
			for index := range queue {
				if poolCtx.Err() != nil {
					return nil
				}
				tracker.StartBlock(index, source.String())
				block, err := p.fetchBlock(poolCtx, source, plan.Fingerprint, index)
				if err != nil {
					logger.Sugar.Warnf("[PeerServer] dropping block %d of %s from %s: %v", index, plan.FileName, source, err)
					p.metrics.BlockDropped()
					tracker.FailBlock(index)
					continue
				}

				p.metrics.BlockFetched(block.Size)
				tracker.CompleteBlock(index, block.Size)
				mu.Lock()
				fetched = append(fetched, fetchedBlock{block: block, peer: source.String()})
				mu.Unlock()
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-poolCtx.Done():
		logger.Sugar.Warnf("[PeerServer] block deadline reached for %s, abandoning remaining workers", plan.FileName)
	}

	mu.Lock()
	snapshot := make([]fetchedBlock, len(fetched))
	copy(snapshot, fetched)
	mu.Unlock()

	// Dedupe by index
	byIndex := make(map[int]fetchedBlock, len(snapshot))
	for _, fb := range snapshot {
		if _, ok := byIndex[fb.block.Index]; !ok {
			byIndex[fb.block.Index] = fb
		}
	}
	if len(byIndex) < plan.BlockCount {
		return nil, nil, fmt.Errorf("%w: %s fetched %d/%d blocks", ErrIncomplete, plan.FileName, len(byIndex), plan.BlockCount)
	}

	indices := make([]int, 0, len(byIndex))
	for index := range byIndex {
		indices = append(indices, index)
	}
	sort.Ints(indices)

	blocks := make([]protocol.Block, 0, len(indices))
	sources := make(map[string]int)
	for _, index := range indices {
		fb := byIndex[index]
		blocks = append(blocks, fb.block)
		sources[fb.peer]++
	}
	return blocks, sources, nil
}

// fetchBlock runs one BlockRequest exchange on a fresh connection.
func (p *PeerServer) fetchBlock(ctx context.Context, source registry.Peer, fileFingerprint string, index int) (protocol.Block, error) {
	reply, err := p.Transport.Exchange(ctx, source.String(), protocol.BlockRequest{
		Fingerprint: fileFingerprint,
		Index:       index,
	})
	if err != nil {
		return protocol.Block{}, err
	}

	block, ok := reply.(protocol.Block)
	if !ok {
		return protocol.Block{}, fmt.Errorf("unexpected %s reply", reply.Kind())
	}
	if err := verifyBlock(block, fileFingerprint, index); err != nil {
		return protocol.Block{}, err
	}
	return block, nil
}

// verifyBlock accepts a block only if it is the one that was asked for and
// its payload matches its own fingerprint.
func verifyBlock(block protocol.Block, fileFingerprint string, index int) error {
	switch {
	case block.Index != index:
		return fmt.Errorf("asked for block %d, got %d", index, block.Index)
	case block.FileFingerprint != fileFingerprint:
		return fmt.Errorf("block %d belongs to file %s", index, block.FileFingerprint)
	case block.Size != len(block.Payload) || block.Size > protocol.BlockSize:
		return fmt.Errorf("block %d has size %d with %d payload bytes", index, block.Size, len(block.Payload))
	case fingerprint.Sum(block.Payload) != block.BlockFingerprint:
		return fmt.Errorf("block %d payload does not match its fingerprint", index)
	}
	return nil
}
