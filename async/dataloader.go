// Package async prefetches training batches on a background goroutine.
package async

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/training"
)

// result is one produced batch, or the error that ended an epoch.
type result struct {
	batch *training.Batch
	err   error
}

// AsyncDataLoader reads batches from a source ahead of the consumer. Each
// epoch runs one producer goroutine that fills a bounded queue; the queue
// depth caps how far it runs ahead. It implements training.BatchSource.
type AsyncDataLoader struct {
	source        training.BatchSource
	prefetchDepth int

	parent context.Context
	cancel context.CancelFunc
	queue  chan result
	wg     sync.WaitGroup

	batchCounter atomic.Uint64
	generation   uint64
	isRunning    bool
	mutex        sync.RWMutex
}

var _ training.BatchSource = (*AsyncDataLoader)(nil)

// AsyncDataLoaderConfig holds configuration for the data loader
type AsyncDataLoaderConfig struct {
	PrefetchDepth int // batches queued ahead (default: 2)
}

// NewAsyncDataLoader wraps source. Producers stop when ctx is cancelled.
func NewAsyncDataLoader(ctx context.Context, source training.BatchSource, config AsyncDataLoaderConfig) (*AsyncDataLoader, error) {
	if source == nil {
		return nil, errors.New("data source cannot be nil")
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 2
	}
	return &AsyncDataLoader{
		source:        source,
		prefetchDepth: config.PrefetchDepth,
		parent:        ctx,
	}, nil
}

// Len returns the number of batches per epoch of the wrapped source.
func (adl *AsyncDataLoader) Len() int {
	return adl.source.Len()
}

// Reset abandons the current epoch and starts prefetching a new one.
func (adl *AsyncDataLoader) Reset() {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()
	adl.stopLocked()
	adl.startLocked()
}

// Next returns the next batch, or nil at the end of the epoch. It starts an
// epoch if none is running.
func (adl *AsyncDataLoader) Next() (*training.Batch, error) {
	adl.mutex.Lock()
	if adl.queue == nil {
		adl.startLocked()
	}
	queue := adl.queue
	ctx := adl.parent
	adl.mutex.Unlock()

	select {
	case r, ok := <-queue:
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, errors.Wrap(err, "data loader has been cancelled")
			}
			return nil, nil
		}
		return r.batch, r.err
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "data loader has been cancelled")
	}
}

// Stop ends the running epoch and waits for its producer to exit.
func (adl *AsyncDataLoader) Stop() {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()
	adl.stopLocked()
}

func (adl *AsyncDataLoader) startLocked() {
	ctx, cancel := context.WithCancel(adl.parent)
	queue := make(chan result, adl.prefetchDepth)
	adl.cancel = cancel
	adl.queue = queue
	adl.generation++
	adl.isRunning = true

	adl.source.Reset()
	adl.wg.Add(1)
	go adl.produce(ctx, queue)
}

func (adl *AsyncDataLoader) stopLocked() {
	if adl.cancel == nil {
		return
	}
	adl.cancel()
	// Unblock a producer waiting on a full queue.
	for range adl.queue {
	}
	adl.wg.Wait()
	adl.cancel = nil
	adl.queue = nil
	adl.isRunning = false
}

// produce runs one epoch of the source into queue and closes it.
func (adl *AsyncDataLoader) produce(ctx context.Context, queue chan<- result) {
	defer adl.wg.Done()
	defer close(queue)

	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := adl.source.Next()
		if batch == nil && err == nil {
			return
		}
		if err == nil {
			adl.batchCounter.Add(1)
		}
		select {
		case queue <- result{batch: batch, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Stats returns statistics about the data loader
func (adl *AsyncDataLoader) Stats() AsyncDataLoaderStats {
	adl.mutex.RLock()
	defer adl.mutex.RUnlock()

	return AsyncDataLoaderStats{
		IsRunning:       adl.isRunning,
		BatchesProduced: adl.batchCounter.Load(),
		QueuedBatches:   len(adl.queue),
		QueueCapacity:   adl.prefetchDepth,
		Generation:      adl.generation,
	}
}

// AsyncDataLoaderStats provides statistics about the data loader
type AsyncDataLoaderStats struct {
	IsRunning       bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
	Generation      uint64 // epochs started
}
