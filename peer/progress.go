package peer

import (
	"sort"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// BlockState represents the current state of a block download
type BlockState int

const (
	BlockPending BlockState = iota
	BlockDownloading
	BlockCompleted
	BlockFailed
)

func (s BlockState) String() string {
	switch s {
	case BlockPending:
		return "pending"
	case BlockDownloading:
		return "downloading"
	case BlockCompleted:
		return "completed"
	case BlockFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Icon returns an icon representation of the block state
func (s BlockState) Icon() string {
	switch s {
	case BlockPending:
		return "⏳"
	case BlockDownloading:
		return "↓"
	case BlockCompleted:
		return "✓"
	case BlockFailed:
		return "✗"
	default:
		return "?"
	}
}

// BlockProgress tracks one block
type BlockProgress struct {
	Index     int
	State     BlockState
	PeerAddr  string
	Bytes     int
	StartTime time.Time
	EndTime   time.Time
}

// DownloadTracker tracks the progress of an entire file download. Blocks are
// fetched whole, so progress moves one block at a time.
type DownloadTracker struct {
	mu              sync.RWMutex
	clock           clock.Clock
	FileName        string
	Fingerprint     string
	TotalBlocks     int
	Blocks          map[int]*BlockProgress
	ActivePeers     map[string]int // peerAddr -> blocks in flight
	StartTime       time.Time
	EndTime         time.Time
	BytesDownloaded int64

	// Speed calculation
	lastBytes    int64
	lastTime     time.Time
	currentSpeed float64 // bytes/sec

	failedBlocks int
}

func NewDownloadTracker(fileName, fingerprint string, totalBlocks int, clk clock.Clock) *DownloadTracker {
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()

	blocks := make(map[int]*BlockProgress, totalBlocks)
	for i := 0; i < totalBlocks; i++ {
		blocks[i] = &BlockProgress{Index: i, State: BlockPending}
	}

	return &DownloadTracker{
		clock:       clk,
		FileName:    fileName,
		Fingerprint: fingerprint,
		TotalBlocks: totalBlocks,
		Blocks:      blocks,
		ActivePeers: make(map[string]int),
		StartTime:   now,
		lastTime:    now,
	}
}

// StartBlock marks a block as being downloaded
func (dt *DownloadTracker) StartBlock(index int, peerAddr string) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if block, exists := dt.Blocks[index]; exists {
		block.State = BlockDownloading
		block.PeerAddr = peerAddr
		block.StartTime = dt.clock.Now()
		dt.ActivePeers[peerAddr]++
	}
}

func (dt *DownloadTracker) CompleteBlock(index int, bytes int) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if block, exists := dt.Blocks[index]; exists {
		dt.finishLocked(block)
		block.State = BlockCompleted
		block.Bytes = bytes
		dt.BytesDownloaded += int64(bytes)
	}
}

// FailBlock marks a block as dropped. Dropped blocks are not retried.
func (dt *DownloadTracker) FailBlock(index int) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if block, exists := dt.Blocks[index]; exists {
		dt.finishLocked(block)
		block.State = BlockFailed
		dt.failedBlocks++
	}
}

func (dt *DownloadTracker) finishLocked(block *BlockProgress) {
	block.EndTime = dt.clock.Now()
	if block.State != BlockDownloading {
		return
	}
	dt.ActivePeers[block.PeerAddr]--
	if dt.ActivePeers[block.PeerAddr] <= 0 {
		delete(dt.ActivePeers, block.PeerAddr)
	}
}

// UpdateSpeed calculates and updates the current download speed
func (dt *DownloadTracker) UpdateSpeed() float64 {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	now := dt.clock.Now()
	elapsed := now.Sub(dt.lastTime).Seconds()

	if elapsed >= 0.5 { // Update every 0.5 seconds
		dt.currentSpeed = float64(dt.BytesDownloaded-dt.lastBytes) / elapsed
		dt.lastBytes = dt.BytesDownloaded
		dt.lastTime = now
	}

	return dt.currentSpeed
}

// GetProgress returns completed count, total count, speed (bytes/s),
// active peer count and failed count.
func (dt *DownloadTracker) GetProgress() (completed, total int, speed float64, peerCount int, failed int) {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	for _, block := range dt.Blocks {
		if block.State == BlockCompleted {
			completed++
		}
	}
	return completed, dt.TotalBlocks, dt.currentSpeed, len(dt.ActivePeers), dt.failedBlocks
}

// GetETA estimates the remaining time assuming full-size blocks.
func (dt *DownloadTracker) GetETA(blockSize int) time.Duration {
	completed, total, speed, _, failed := dt.GetProgress()
	remaining := total - completed - failed
	if speed <= 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining*blockSize)/speed) * time.Second
}

func (dt *DownloadTracker) GetBytesDownloaded() int64 {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	return dt.BytesDownloaded
}

// IsComplete returns true if all blocks are completed
func (dt *DownloadTracker) IsComplete() bool {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	for _, block := range dt.Blocks {
		if block.State != BlockCompleted {
			return false
		}
	}
	return true
}

// MarkComplete marks the download as complete
func (dt *DownloadTracker) MarkComplete() {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	dt.EndTime = dt.clock.Now()
}

// GetElapsedTime returns the elapsed time since download started
func (dt *DownloadTracker) GetElapsedTime() time.Duration {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	if !dt.EndTime.IsZero() {
		return dt.EndTime.Sub(dt.StartTime)
	}
	return dt.clock.Now().Sub(dt.StartTime)
}

func (dt *DownloadTracker) GetBlockStatus(index int) (BlockState, bool) {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	if block, exists := dt.Blocks[index]; exists {
		return block.State, true
	}
	return BlockPending, false
}

// GetFailedBlocks returns the dropped block indices in ascending order
func (dt *DownloadTracker) GetFailedBlocks() []int {
	return dt.blocksIn(BlockFailed)
}

// GetPendingBlocks returns the never-attempted block indices in ascending order
func (dt *DownloadTracker) GetPendingBlocks() []int {
	return dt.blocksIn(BlockPending)
}

func (dt *DownloadTracker) blocksIn(state BlockState) []int {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	indices := make([]int, 0)
	for index, block := range dt.Blocks {
		if block.State == state {
			indices = append(indices, index)
		}
	}
	sort.Ints(indices)
	return indices
}
