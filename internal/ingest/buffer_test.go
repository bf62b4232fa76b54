package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pms/leaderboard/internal/domain"
	"github.com/pms/leaderboard/internal/events"
	"github.com/pms/leaderboard/internal/health"
)

func testUpdate(id uuid.UUID, at time.Time) domain.MetricUpdate {
	one := decimal.NewNullDecimal(decimal.NewFromInt(1))
	return domain.MetricUpdate{
		EntityID:     id,
		RateOfReturn: one,
		RiskMetricA:  one,
		RiskMetricB:  one,
		EventTime:    at,
	}
}

// batchRecorder collects flushed batches.
type batchRecorder struct {
	mu      sync.Mutex
	batches [][]domain.MetricUpdate
}

func (r *batchRecorder) process(_ context.Context, batch []domain.MetricUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
	return nil
}

func (r *batchRecorder) all() []domain.MetricUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.MetricUpdate
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

func newTestBuffer(process ProcessFunc, capacity int) *Buffer {
	bus := events.NewBus(zerolog.Nop())
	return NewBuffer(BufferConfig{
		Capacity:        capacity,
		BatchSize:       16,
		FlushInterval:   20 * time.Millisecond,
		MaxFlushRetries: 2,
		SaturationLimit: 0.9,
	}, process, nil, health.NewCacheMonitor(bus, zerolog.Nop()), zerolog.Nop())
}

func TestBufferFlushesSubmittedUpdates(t *testing.T) {
	rec := &batchRecorder{}
	b := newTestBuffer(rec.process, 64)
	b.Start()
	defer b.Stop()

	id := uuid.New()
	require.NoError(t, b.Submit(context.Background(), []domain.MetricUpdate{testUpdate(id, time.Now())}))

	assert.Eventually(t, func() bool {
		return len(rec.all()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, id, rec.all()[0].EntityID)
}

func TestBufferCoalescesWithinSubmission(t *testing.T) {
	rec := &batchRecorder{}
	b := newTestBuffer(rec.process, 64)
	b.Start()
	defer b.Stop()

	id := uuid.New()
	older := testUpdate(id, time.Now().Add(-time.Minute))
	newer := testUpdate(id, time.Now())

	require.NoError(t, b.Submit(context.Background(), []domain.MetricUpdate{older, newer}))

	assert.Eventually(t, func() bool {
		return len(rec.all()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.True(t, rec.all()[0].EventTime.Equal(newer.EventTime))
}

func TestBufferCoalescesAcrossQueuedUpdates(t *testing.T) {
	rec := &batchRecorder{}
	b := newTestBuffer(rec.process, 64)
	// Pause before starting so both submissions land in the same batch.
	b.Pause()
	b.Start()
	defer b.Stop()

	id := uuid.New()
	older := testUpdate(id, time.Now().Add(-time.Minute))
	newer := testUpdate(id, time.Now())
	require.NoError(t, b.Submit(context.Background(), []domain.MetricUpdate{older}))
	require.NoError(t, b.Submit(context.Background(), []domain.MetricUpdate{newer}))

	b.Resume()

	assert.Eventually(t, func() bool {
		return len(rec.all()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.True(t, rec.all()[0].EventTime.Equal(newer.EventTime))
}

func TestBufferBlocksWhenFull(t *testing.T) {
	rec := &batchRecorder{}
	b := newTestBuffer(rec.process, 1)
	// Not started: nothing drains the queue.

	require.NoError(t, b.Submit(context.Background(), []domain.MetricUpdate{testUpdate(uuid.New(), time.Now())}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := b.Submit(ctx, []domain.MetricUpdate{testUpdate(uuid.New(), time.Now())})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBufferPauseHoldsFlushing(t *testing.T) {
	rec := &batchRecorder{}
	b := newTestBuffer(rec.process, 64)
	b.Pause()
	b.Start()
	defer b.Stop()

	require.NoError(t, b.Submit(context.Background(), []domain.MetricUpdate{testUpdate(uuid.New(), time.Now())}))

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, rec.all())

	b.Resume()
	assert.Eventually(t, func() bool {
		return len(rec.all()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestCoalesceLastWriteWins(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	now := time.Now()

	out := coalesce([]domain.MetricUpdate{
		testUpdate(a, now.Add(-2*time.Minute)),
		testUpdate(b, now),
		testUpdate(a, now.Add(-time.Minute)),
	})

	require.Len(t, out, 2)
	assert.Equal(t, a, out[0].EntityID)
	assert.True(t, out[0].EventTime.Equal(now.Add(-time.Minute)))
	assert.Equal(t, b, out[1].EntityID)
}
