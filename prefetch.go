package clip_distill

import (
	"context"
	"io"
)

// Iterator is anything producing batches, such as a Stream.
type Iterator interface {
	Next() (*Batch, error)
}

type prefetched struct {
	batch *Batch
	err   error
}

// Prefetcher
// Runs an Iterator one goroutine ahead of its consumer. The iterator is
// only ever called from that goroutine, so a Stream can be wrapped as is.
type Prefetcher struct {
	ctx      context.Context
	cancel   context.CancelFunc
	batches  chan prefetched
	finished chan struct{}
	err      error
}

// Prefetch
// Starts producing up to depth batches ahead of the consumer. Production
// stops after steps batches when steps is positive, after the first error,
// or when ctx is cancelled.
func Prefetch(ctx context.Context, it Iterator, depth,
	steps int) *Prefetcher {
	if depth < 1 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Prefetcher{
		ctx:      ctx,
		cancel:   cancel,
		batches:  make(chan prefetched, depth),
		finished: make(chan struct{}),
	}
	go func() {
		defer close(p.finished)
		defer close(p.batches)
		for produced := 0; steps <= 0 || produced < steps; produced++ {
			if ctx.Err() != nil {
				return
			}
			batch, err := it.Next()
			select {
			case p.batches <- prefetched{batch, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return p
}

// Next
// Returns batches in production order. Once the iterator fails, its error
// is returned by this and every later call; after steps batches io.EOF is
// returned, and after cancellation the context's error.
func (p *Prefetcher) Next() (*Batch, error) {
	if p.err != nil {
		return nil, p.err
	}
	if err := p.ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case item, ok := <-p.batches:
		if !ok {
			if err := p.ctx.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		if item.err != nil {
			p.err = item.err
			return nil, item.err
		}
		return item.batch, nil
	case <-p.ctx.Done():
		return nil, p.ctx.Err()
	}
}

// Close stops production and waits for the producer to exit, after which
// the wrapped iterator may be used directly again.
func (p *Prefetcher) Close() {
	p.cancel()
	<-p.finished
}
