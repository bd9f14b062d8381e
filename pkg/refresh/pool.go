package refresh

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/cloudmgr/pkg/telemetry"
)

// Refresher runs one refresh cycle.
type Refresher interface {
	Refresh(ctx context.Context, connectionID string) (*Outcome, error)
}

// CompletionFunc is called after every cycle run by a Pool.
type CompletionFunc func(connectionID string, out *Outcome, err error)

type slotState int

const (
	slotQueued slotState = iota + 1
	slotRunning
)

type slot struct {
	state slotState
	rerun bool
}

// Pool runs refresh cycles on a fixed number of workers. A connection is
// refreshed by at most one worker at a time. A request for a queued
// connection is dropped; a request for a running connection schedules
// exactly one rerun after the current cycle.
type Pool struct {
	refresher Refresher
	workers   int
	metrics   *telemetry.Metrics
	logger    *telemetry.Logger
	onDone    CompletionFunc

	mu      sync.Mutex
	pending []string
	slots   map[string]*slot
	wake    chan struct{}
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithWorkers sets the number of workers.
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithCompletion registers a callback for finished cycles.
func WithCompletion(fn CompletionFunc) PoolOption {
	return func(p *Pool) {
		p.onDone = fn
	}
}

// NewPool returns a pool. It does no work until Run is called.
func NewPool(refresher Refresher, tel *telemetry.Telemetry, opts ...PoolOption) *Pool {
	p := &Pool{
		refresher: refresher,
		workers:   4,
		metrics:   tel.Metrics,
		logger:    tel.Logger.NewComponentLogger("refresh_pool"),
		slots:     map[string]*slot{},
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue requests a refresh of the connection. It reports whether the
// request added work rather than coalescing into work already pending.
func (p *Pool) Enqueue(connectionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots[connectionID]
	switch {
	case !ok:
		p.slots[connectionID] = &slot{state: slotQueued}
		p.push(connectionID)
		return true
	case s.state == slotRunning && !s.rerun:
		s.rerun = true
		return true
	default:
		return false
	}
}

// push appends to the queue. Callers hold p.mu.
func (p *Pool) push(connectionID string) {
	p.pending = append(p.pending, connectionID)
	p.metrics.SetQueuedRefreshes(len(p.pending))
	p.signal()
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued connections.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Run starts the workers and blocks until ctx is cancelled. Cycles in
// progress see the cancellation and record their outcome before Run
// returns.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Infof("starting %d refresh workers", p.workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.work(ctx)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("refresh workers stopped")
	return err
}

func (p *Pool) work(ctx context.Context) {
	for {
		id, ok := p.next()
		if !ok {
			select {
			case <-p.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			p.requeue(id)
			return
		}

		out, err := p.refresher.Refresh(ctx, id)
		if err != nil {
			p.logger.WithField("connection_id", id).WithError(err).Error("refresh cycle could not run")
		}
		if p.onDone != nil {
			p.onDone(id, out, err)
		}
		p.finish(id)
	}
}

// next pops the oldest queued connection and marks it running.
func (p *Pool) next() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) == 0 {
		return "", false
	}
	id := p.pending[0]
	p.pending = p.pending[1:]
	p.slots[id].state = slotRunning
	p.metrics.SetQueuedRefreshes(len(p.pending))
	if len(p.pending) > 0 {
		p.signal()
	}
	return id, true
}

// finish releases a connection and queues its rerun, if requested.
func (p *Pool) finish(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.slots[id]
	if s.rerun {
		s.rerun = false
		s.state = slotQueued
		p.push(id)
		return
	}
	delete(p.slots, id)
}

// requeue returns a popped connection to the front of the queue.
func (p *Pool) requeue(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.slots[id].state = slotQueued
	p.pending = append([]string{id}, p.pending...)
	p.metrics.SetQueuedRefreshes(len(p.pending))
}
