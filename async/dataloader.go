// Package async prefetches training batches on a background goroutine.
package async

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-swalp/training"
)

// PrefetchConfig holds configuration for the prefetching loader
type PrefetchConfig struct {
	PrefetchDepth int // Number of batches produced ahead of the consumer (default: 2)
}

// PrefetchLoader reads batches from a source loader on a background
// goroutine. Batches are handed over whole through a channel, so the
// consumer only ever sees fully formed batches and the core stays
// single-threaded.
type PrefetchLoader struct {
	source training.Loader
	depth  int
	parent context.Context

	mutex   sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	batches chan *training.Batch
	running bool
	stopped bool
}

var _ training.Loader = (*PrefetchLoader)(nil)

// NewPrefetchLoader wraps source. Cancelling ctx stops any running
// producer.
func NewPrefetchLoader(ctx context.Context, source training.Loader, config PrefetchConfig) (*PrefetchLoader, error) {
	if source == nil {
		return nil, fmt.Errorf("source loader cannot be nil")
	}
	if config.PrefetchDepth < 0 {
		return nil, fmt.Errorf("prefetch depth cannot be negative, got %d", config.PrefetchDepth)
	}
	if config.PrefetchDepth == 0 {
		config.PrefetchDepth = 2
	}
	return &PrefetchLoader{
		source: source,
		depth:  config.PrefetchDepth,
		parent: ctx,
	}, nil
}

// Len returns the number of batches per epoch of the source.
func (pl *PrefetchLoader) Len() int {
	return pl.source.Len()
}

// Reset stops the current producer, resets the source and starts
// prefetching the next epoch.
func (pl *PrefetchLoader) Reset() {
	pl.mutex.Lock()
	defer pl.mutex.Unlock()

	pl.stopLocked()
	if pl.stopped {
		return
	}
	pl.source.Reset()

	ctx, cancel := context.WithCancel(pl.parent)
	group, gctx := errgroup.WithContext(ctx)
	batches := make(chan *training.Batch, pl.depth)
	group.Go(func() error {
		defer close(batches)
		for {
			batch, err := pl.source.Next()
			if err != nil {
				return err
			}
			if batch == nil {
				return nil
			}
			select {
			case batches <- batch:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	pl.cancel = cancel
	pl.group = group
	pl.batches = batches
	pl.running = true
}

// Next returns the next prefetched batch, or nil at the end of the epoch.
// A source error is returned once the batches before it are consumed.
func (pl *PrefetchLoader) Next() (*training.Batch, error) {
	pl.mutex.Lock()
	batches, group, running := pl.batches, pl.group, pl.running
	pl.mutex.Unlock()
	if !running {
		return nil, fmt.Errorf("prefetch loader is not running; call Reset first")
	}

	if batch, ok := <-batches; ok {
		return batch, nil
	}
	if err := group.Wait(); err != nil {
		if errors.Is(err, context.Canceled) && pl.parent.Err() == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("prefetch failed: %w", err)
	}
	return nil, nil
}

// Close stops the producer. Further Resets do nothing and Next reports an
// error.
func (pl *PrefetchLoader) Close() error {
	pl.mutex.Lock()
	defer pl.mutex.Unlock()
	pl.stopLocked()
	pl.stopped = true
	return nil
}

func (pl *PrefetchLoader) stopLocked() {
	if !pl.running {
		return
	}
	pl.cancel()
	// drain so a producer blocked on send observes the cancellation
	for range pl.batches {
	}
	_ = pl.group.Wait()
	pl.running = false
}
