package index

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tarun-kavipurapu/p2p-share/pkg/logger"
)

// DefaultDebounce coalesces bursts of events (a large copy emits many writes).
const DefaultDebounce = 500 * time.Millisecond

// Watch refreshes the index whenever the share folder changes. It returns once
// the watcher is installed; the watch stops when ctx is canceled. The returned
// channel is closed after the watcher has shut down.
func (idx *Index) Watch(ctx context.Context, debounce time.Duration) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(idx.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", idx.dir, err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer watcher.Close()

		var mu sync.Mutex
		var pending *time.Timer
		defer func() {
			mu.Lock()
			if pending != nil {
				pending.Stop()
			}
			mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op == fsnotify.Chmod {
					continue
				}
				logger.Sugar.Debugf("[Index] change detected: %s", event)

				mu.Lock()
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(debounce, func() {
					if err := idx.Refresh(); err != nil {
						logger.Sugar.Errorf("[Index] refresh after change failed: %v", err)
					}
				})
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Sugar.Warnf("[Index] watcher error: %v", err)
			}
		}
	}()

	logger.Sugar.Infof("[Index] watching %s for changes", idx.dir)
	return done, nil
}
