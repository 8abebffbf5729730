package workerpool

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("worker pool closed")
	// ErrShutdownTimeout is returned when in-flight tasks outlive the grace period.
	ErrShutdownTimeout = errors.New("worker pool shutdown timed out")
)

// Options configures a Pool.
type Options struct {
	Name       string
	Workers    int // workers available before the queue fills
	MaxWorkers int // ceiling the pool grows to while the queue is full
	QueueSize  int
	Logger     zerolog.Logger

	// optional hooks
	OnCallerRuns func()
	OnPanic      func()
}

// Pool is a bounded worker pool over ants. Tasks first go to a bounded queue;
// when the queue is full the pool grows toward MaxWorkers, and when it cannot
// grow further the task runs on the submitting goroutine.
type Pool struct {
	log     zerolog.Logger
	pool    *ants.Pool
	max     int
	queue   chan func()
	opts    Options
	pending sync.WaitGroup
	drained chan struct{}

	mu     sync.RWMutex
	closed bool

	callerRuns atomic.Int64
}

func New(opts Options) (*Pool, error) {
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("workerpool %s: workers must be > 0", opts.Name)
	}
	if opts.MaxWorkers < opts.Workers {
		opts.MaxWorkers = opts.Workers
	}
	if opts.QueueSize <= 0 {
		return nil, fmt.Errorf("workerpool %s: queue size must be > 0", opts.Name)
	}
	log := opts.Logger.With().Str("pool", opts.Name).Logger()
	ap, err := ants.NewPool(opts.Workers,
		ants.WithExpiryDuration(time.Minute),
		ants.WithLogger(&log),
	)
	if err != nil {
		return nil, fmt.Errorf("workerpool %s: %w", opts.Name, err)
	}
	p := &Pool{
		log:     log,
		pool:    ap,
		max:     opts.MaxWorkers,
		queue:   make(chan func(), opts.QueueSize),
		opts:    opts,
		drained: make(chan struct{}),
	}
	go p.dispatch()
	return p, nil
}

// dispatch hands queued tasks to ants, blocking while every worker is busy.
func (p *Pool) dispatch() {
	defer close(p.drained)
	for task := range p.queue {
		if err := p.pool.Submit(task); err != nil {
			// only possible once the ants pool is released
			task()
		}
	}
}

// Submit schedules task. It never blocks on a full pool: the task runs on the
// caller instead.
func (p *Pool) Submit(task func()) error {
	wrapped := p.wrap(task)

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	p.pending.Add(1)
	if p.enqueue(wrapped) {
		p.mu.RUnlock()
		return nil
	}
	if p.grow() && p.enqueue(wrapped) {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	p.callerRuns.Add(1)
	if p.opts.OnCallerRuns != nil {
		p.opts.OnCallerRuns()
	}
	wrapped()
	return nil
}

func (p *Pool) enqueue(task func()) bool {
	select {
	case p.queue <- task:
		return true
	default:
		return false
	}
}

// grow raises the ants capacity by one worker, up to max. The dispatcher is
// woken by ants and drains one queued task, freeing a slot.
func (p *Pool) grow() bool {
	c := p.pool.Cap()
	if c >= p.max {
		return false
	}
	p.pool.Tune(c + 1)
	// give the dispatcher a chance to take the head of the queue
	for i := 0; i < 3 && len(p.queue) == cap(p.queue); i++ {
		time.Sleep(time.Millisecond)
	}
	return true
}

func (p *Pool) wrap(task func()) func() {
	return func() {
		defer p.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				if p.opts.OnPanic != nil {
					p.opts.OnPanic()
				}
				p.log.Error().
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("task panicked")
			}
		}()
		task()
	}
}

// Running reports the number of busy workers.
func (p *Pool) Running() int { return p.pool.Running() }

// Cap reports the current worker capacity.
func (p *Pool) Cap() int { return p.pool.Cap() }

// Queued reports the number of tasks waiting for a worker.
func (p *Pool) Queued() int { return len(p.queue) }

// CallerRuns reports how many tasks ran on the submitting goroutine.
func (p *Pool) CallerRuns() int64 { return p.callerRuns.Load() }

// Shutdown stops accepting tasks and waits up to timeout for queued and
// running tasks. Tasks still running afterwards are abandoned.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		<-p.drained
		p.pool.Release()
		return nil
	case <-time.After(timeout):
		p.log.Warn().Dur("timeout", timeout).Int("running", p.pool.Running()).Msg("shutdown grace period exceeded")
		p.pool.Release()
		return ErrShutdownTimeout
	}
}
