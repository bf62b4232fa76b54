// Package bulkhead provides fixed-size worker pools with bounded queues.
// Each workload class gets its own pool so that a slow dependency saturates
// its own queue instead of starving the others.
package bulkhead

import (
	"errors"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pms/leaderboard/internal/domain"
)

// ErrPoolSaturated is returned by rejecting pools when the queue is full.
var ErrPoolSaturated = errors.New("worker pool saturated")

// Policy controls what Submit does when the queue is full.
type Policy int

const (
	// Reject fails fast with an overload error.
	Reject Policy = iota
	// RunInline executes the task on the caller's goroutine. Used for CPU
	// work where pushing back onto the caller is the throttle.
	RunInline
)

// Pool is a fixed set of workers draining a bounded task queue.
type Pool struct {
	name   string
	tasks  chan func()
	policy Policy
	wg     sync.WaitGroup
	once   sync.Once
	log    zerolog.Logger
}

// NewPool starts a pool with the given worker count and queue capacity.
func NewPool(name string, workers, queueSize int, policy Policy, log zerolog.Logger) *Pool {
	p := &Pool{
		name:   name,
		tasks:  make(chan func(), queueSize),
		policy: policy,
		log:    log.With().Str("component", "pool").Str("pool", name).Logger(),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit enqueues a task. When the queue is full the pool's policy decides:
// Reject returns an overload error, RunInline executes on the caller.
func (p *Pool) Submit(task func()) error {
	select {
	case p.tasks <- task:
		return nil
	default:
	}

	if p.policy == RunInline {
		task()
		return nil
	}
	return domain.Overload("pool."+p.name, ErrPoolSaturated)
}

// SubmitWait enqueues a task and blocks until it has run.
func (p *Pool) SubmitWait(task func()) error {
	done := make(chan struct{})
	if err := p.Submit(func() {
		defer close(done)
		task()
	}); err != nil {
		return err
	}
	<-done
	return nil
}

// Saturation is the queue fill fraction, 0 when empty, 1 when full.
func (p *Pool) Saturation() float64 {
	if cap(p.tasks) == 0 {
		return 0
	}
	return float64(len(p.tasks)) / float64(cap(p.tasks))
}

// QueueDepth is the number of queued tasks.
func (p *Pool) QueueDepth() int {
	return len(p.tasks)
}

// Close stops accepting tasks and waits for queued work to drain.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}

// Pools is the full bulkhead set.
type Pools struct {
	// Realtime serves websocket broadcast sends.
	Realtime *Pool
	// CacheIO serves rank cache writes. Its saturation doubles as a cache
	// health signal: a full queue means the cache has stopped keeping up.
	CacheIO *Pool
	// Compute serves batch scoring work.
	Compute *Pool
	// StoreIO serves durable store writes behind the stream consumer.
	StoreIO *Pool
}

// NewPools creates the four workload pools with their production geometry.
func NewPools(log zerolog.Logger) *Pools {
	return &Pools{
		Realtime: NewPool("realtime", 4, 500, Reject, log),
		CacheIO:  NewPool("cache_io", 8, 5000, Reject, log),
		Compute:  NewPool("compute", runtime.NumCPU(), 1000, RunInline, log),
		StoreIO:  NewPool("store_io", 2, 500, Reject, log),
	}
}

// Close shuts down all pools.
func (p *Pools) Close() {
	p.Realtime.Close()
	p.CacheIO.Close()
	p.Compute.Close()
	p.StoreIO.Close()
}
