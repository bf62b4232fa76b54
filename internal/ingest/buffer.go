// Package ingest is the inbound half of the pipeline: a coalescing buffer
// that absorbs metric update bursts, and the batch processor that scores
// them and pushes them into the rank cache and the durability log.
package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pms/leaderboard/internal/bulkhead"
	"github.com/pms/leaderboard/internal/domain"
	"github.com/pms/leaderboard/internal/health"
)

// ProcessFunc consumes one coalesced batch.
type ProcessFunc func(ctx context.Context, batch []domain.MetricUpdate) error

// BufferConfig tunes the ingestion buffer.
type BufferConfig struct {
	// Capacity bounds the queue; producers block once it is full.
	Capacity int
	// BatchSize caps how many entities one flush carries.
	BatchSize int
	// FlushInterval flushes partial batches so quiet periods stay fresh.
	FlushInterval time.Duration
	// MaxFlushRetries bounds in-place retries before a failed batch is
	// carried over into the next flush.
	MaxFlushRetries int
	// SaturationLimit is the cache I/O queue fill fraction at which new
	// submissions are rejected as overload.
	SaturationLimit float64
}

// Buffer accepts metric updates, coalesces per entity, and flushes batches
// to the processor. Within a batch only the newest update per entity
// survives; superseded ones are dropped before any downstream work happens.
type Buffer struct {
	cfg     BufferConfig
	queue   chan domain.MetricUpdate
	process ProcessFunc
	pools   *bulkhead.Pools
	cache   *health.Monitor

	paused   atomic.Bool
	inFlight atomic.Int32
	stop     chan struct{}
	stopped  chan struct{}
	log      zerolog.Logger
}

// NewBuffer creates an ingestion buffer.
func NewBuffer(cfg BufferConfig, process ProcessFunc, pools *bulkhead.Pools, cache *health.Monitor, log zerolog.Logger) *Buffer {
	return &Buffer{
		cfg:     cfg,
		queue:   make(chan domain.MetricUpdate, cfg.Capacity),
		process: process,
		pools:   pools,
		cache:   cache,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		log:     log.With().Str("component", "ingestion_buffer").Logger(),
	}
}

// Start launches the drain loop.
func (b *Buffer) Start() {
	go b.drainLoop()
}

// Stop shuts the buffer down after flushing whatever is already queued.
func (b *Buffer) Stop() {
	close(b.stop)
	<-b.stopped
}

// Pause stops flushing. Queued updates stay queued and producers keep
// feeding the buffer until it fills, at which point they block.
func (b *Buffer) Pause() {
	if b.paused.CompareAndSwap(false, true) {
		b.log.Warn().Msg("Ingestion flushing paused")
	}
}

// Resume restarts flushing.
func (b *Buffer) Resume() {
	if b.paused.CompareAndSwap(true, false) {
		b.log.Info().Msg("Ingestion flushing resumed")
	}
}

// Len is the number of queued updates. Exposed on the status endpoint.
func (b *Buffer) Len() int {
	return len(b.queue)
}

// AwaitQuiesce blocks until no flush is in flight. Used before cache
// rebuilds so no batch races the repopulation.
func (b *Buffer) AwaitQuiesce(ctx context.Context) error {
	for b.inFlight.Load() != 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

// Submit enqueues updates, coalescing duplicates per entity first. A full
// queue blocks the caller until space frees or ctx expires. A saturated
// cache I/O bulkhead rejects with an overload error and flags the cache as
// unhealthy, since a backlog that deep means cache writes have stalled.
func (b *Buffer) Submit(ctx context.Context, updates []domain.MetricUpdate) error {
	if b.pools != nil && b.pools.CacheIO.Saturation() >= b.cfg.SaturationLimit {
		b.cache.Down("cache write queue saturated")
		return domain.Overload("ingest.Submit", fmt.Errorf("cache write queue saturated"))
	}

	for _, u := range coalesce(updates) {
		select {
		case b.queue <- u:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stop:
			return domain.Transient("ingest.Submit", fmt.Errorf("buffer stopped"))
		}
	}
	return nil
}

// coalesce keeps only the newest update per entity, preserving first-seen
// order of the survivors.
func coalesce(updates []domain.MetricUpdate) []domain.MetricUpdate {
	if len(updates) < 2 {
		return updates
	}

	index := make(map[string]int, len(updates))
	out := make([]domain.MetricUpdate, 0, len(updates))
	for _, u := range updates {
		key := u.EntityID.String()
		if i, seen := index[key]; seen {
			if !u.EventTime.Before(out[i].EventTime) {
				out[i] = u
			}
			continue
		}
		index[key] = len(out)
		out = append(out, u)
	}
	return out
}

func (b *Buffer) drainLoop() {
	defer close(b.stopped)

	var carry []domain.MetricUpdate
	for {
		if b.paused.Load() {
			select {
			case <-b.stop:
				b.finalFlush(carry)
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		batch := make(map[string]domain.MetricUpdate, b.cfg.BatchSize)
		for _, u := range carry {
			mergeUpdate(batch, u)
		}
		carry = nil

		if len(batch) == 0 {
			select {
			case u := <-b.queue:
				mergeUpdate(batch, u)
			case <-b.stop:
				b.finalFlush(nil)
				return
			}
		}

		timer := time.NewTimer(b.cfg.FlushInterval)
	fill:
		for len(batch) < b.cfg.BatchSize {
			select {
			case u := <-b.queue:
				mergeUpdate(batch, u)
			case <-timer.C:
				break fill
			case <-b.stop:
				timer.Stop()
				b.finalFlush(batchSlice(batch))
				return
			}
		}
		timer.Stop()

		if failed := b.flush(batchSlice(batch)); failed != nil {
			// Carried into the next batch, where newer updates for the
			// same entities supersede these.
			carry = failed
			time.Sleep(250 * time.Millisecond)
		}
	}
}

// mergeUpdate folds an update into the batch keyed by entity, newest wins.
func mergeUpdate(batch map[string]domain.MetricUpdate, u domain.MetricUpdate) {
	key := u.EntityID.String()
	if existing, ok := batch[key]; ok && u.EventTime.Before(existing.EventTime) {
		return
	}
	batch[key] = u
}

func batchSlice(batch map[string]domain.MetricUpdate) []domain.MetricUpdate {
	if len(batch) == 0 {
		return nil
	}
	out := make([]domain.MetricUpdate, 0, len(batch))
	for _, u := range batch {
		out = append(out, u)
	}
	return out
}

// flush runs the batch through the compute bulkhead, retrying in place a
// bounded number of times. Returns the batch when all attempts failed so
// the caller can carry it over; updates are never dropped.
func (b *Buffer) flush(batch []domain.MetricUpdate) []domain.MetricUpdate {
	if len(batch) == 0 {
		return nil
	}

	b.inFlight.Store(1)
	defer b.inFlight.Store(0)

	ctx := context.Background()
	var err error
	for attempt := 0; attempt <= b.cfg.MaxFlushRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}

		run := func() { err = b.process(ctx, batch) }
		if b.pools != nil {
			_ = b.pools.Compute.SubmitWait(run)
		} else {
			run()
		}
		if err == nil {
			return nil
		}
		if domain.IsPermanent(err) {
			b.log.Error().Err(err).Int("size", len(batch)).Msg("Batch rejected permanently")
			return nil
		}
	}

	b.log.Warn().Err(err).Int("size", len(batch)).Msg("Batch flush failed, carrying over")
	return batch
}

// finalFlush makes a best-effort attempt to push remaining work out before
// shutdown, draining whatever is still queued into one last batch.
func (b *Buffer) finalFlush(carry []domain.MetricUpdate) {
	batch := make(map[string]domain.MetricUpdate)
	for _, u := range carry {
		mergeUpdate(batch, u)
	}
	for {
		select {
		case u := <-b.queue:
			mergeUpdate(batch, u)
		default:
			b.flush(batchSlice(batch))
			return
		}
	}
}
