package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const persistQueueSize = 1024

type persistJob struct {
	op string
	fn func(ctx context.Context) error
}

// persister runs store writes on a single goroutine, in the order they were
// queued. Enqueueing never blocks so it is safe under a room lock; when the
// queue is full the write is dropped and logged.
type persister struct {
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.RWMutex
	stopped bool
	jobs    chan persistJob
	done    chan struct{}
}

func newPersister(timeout time.Duration, log zerolog.Logger) *persister {
	p := &persister{
		timeout: timeout,
		log:     log,
		jobs:    make(chan persistJob, persistQueueSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *persister) run() {
	defer close(p.done)
	for job := range p.jobs {
		ctx, cancel := p.context()
		if err := job.fn(ctx); err != nil {
			p.log.Warn().Err(err).Str("op", job.op).Msg("Store write failed")
		}
		cancel()
	}
}

func (p *persister) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.timeout)
}

func (p *persister) enqueue(op string, fn func(ctx context.Context) error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return
	}
	select {
	case p.jobs <- persistJob{op: op, fn: fn}:
	default:
		p.log.Warn().Str("op", op).Msg("Store queue full, dropping write")
	}
}

// stop drains queued writes
func (p *persister) stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.jobs)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
