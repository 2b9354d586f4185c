package dataset

import (
	"context"
	"fmt"
	"sync"
)

// PrefetchLoader decouples batch assembly from the training loop by loading
// batches on background workers into a buffered channel. The training loop
// only blocks at the channel receive, never on batch construction.
type PrefetchLoader struct {
	loader        *DataLoader
	prefetchDepth int
	workers       int

	batchChannel chan *Batch
	errorChannel chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	isRunning bool
	mutex     sync.Mutex
}

// PrefetchConfig holds configuration for the prefetch loader
type PrefetchConfig struct {
	PrefetchDepth int // Number of batches to buffer (default: 3)
	Workers       int // Number of background workers (default: 2)
}

// NewPrefetchLoader creates a prefetching wrapper around a DataLoader
func NewPrefetchLoader(loader *DataLoader, config PrefetchConfig) (*PrefetchLoader, error) {
	if loader == nil {
		return nil, fmt.Errorf("data loader cannot be nil")
	}

	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 3
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}

	return &PrefetchLoader{
		loader:        loader,
		prefetchDepth: config.PrefetchDepth,
		workers:       config.Workers,
	}, nil
}

// Start resets the underlying loader and launches the worker goroutines.
// The batch channel is closed when the epoch is exhausted or ctx is done.
func (pl *PrefetchLoader) Start(ctx context.Context) error {
	pl.mutex.Lock()
	defer pl.mutex.Unlock()

	if pl.isRunning {
		return fmt.Errorf("prefetch loader is already running")
	}

	pl.loader.Reset()
	pl.ctx, pl.cancel = context.WithCancel(ctx)
	pl.batchChannel = make(chan *Batch, pl.prefetchDepth)
	pl.errorChannel = make(chan error, pl.workers)
	pl.isRunning = true

	for i := 0; i < pl.workers; i++ {
		pl.wg.Add(1)
		go pl.worker()
	}

	go func() {
		pl.wg.Wait()
		close(pl.batchChannel)
	}()

	return nil
}

// Batches returns the channel of prefetched batches
func (pl *PrefetchLoader) Batches() <-chan *Batch {
	return pl.batchChannel
}

// Err returns the first worker error, if any
func (pl *PrefetchLoader) Err() error {
	select {
	case err := <-pl.errorChannel:
		return err
	default:
		return nil
	}
}

// Stop cancels the workers, drains the batch channel, and waits until the
// loader can be started again.
func (pl *PrefetchLoader) Stop() {
	pl.mutex.Lock()
	cancel := pl.cancel
	running := pl.isRunning
	pl.mutex.Unlock()

	if !running {
		return
	}
	if cancel != nil {
		cancel()
	}

	for range pl.batchChannel {
		// Drain so blocked workers can exit
	}
	pl.wg.Wait()

	pl.mutex.Lock()
	pl.isRunning = false
	pl.mutex.Unlock()
}

// PrefetchSource adapts a PrefetchLoader to the sequential Reset/Next access
// pattern the training loop iterates with. Workers are started lazily on the
// first Next of each epoch and a nil batch marks the epoch end, mirroring
// DataLoader semantics.
type PrefetchSource struct {
	loader  *PrefetchLoader
	ctx     context.Context
	started bool
}

// NewPrefetchSource wraps a PrefetchLoader. ctx bounds the lifetime of all
// worker goroutines the source starts.
func NewPrefetchSource(ctx context.Context, loader *PrefetchLoader) (*PrefetchSource, error) {
	if loader == nil {
		return nil, fmt.Errorf("prefetch loader cannot be nil")
	}
	return &PrefetchSource{loader: loader, ctx: ctx}, nil
}

// Reset abandons the current epoch. The next Next call starts a fresh one.
func (s *PrefetchSource) Reset() {
	if s.started {
		s.loader.Stop()
		s.started = false
	}
}

// Next returns the next prefetched batch, or nil at the end of the epoch
func (s *PrefetchSource) Next() (*Batch, error) {
	if !s.started {
		if err := s.loader.Start(s.ctx); err != nil {
			return nil, err
		}
		s.started = true
	}

	batch, ok := <-s.loader.Batches()
	if !ok {
		s.loader.Stop()
		s.started = false
		if err := s.loader.Err(); err != nil {
			return nil, err
		}
		return nil, nil // End of epoch
	}
	return batch, nil
}

// worker pulls batches from the loader until the epoch ends or ctx is done
func (pl *PrefetchLoader) worker() {
	defer pl.wg.Done()

	for {
		select {
		case <-pl.ctx.Done():
			return
		default:
		}

		batch, err := pl.loader.Next()
		if err != nil {
			select {
			case pl.errorChannel <- err:
			default:
			}
			return
		}
		if batch == nil {
			return // End of epoch
		}

		select {
		case pl.batchChannel <- batch:
		case <-pl.ctx.Done():
			return
		}
	}
}
