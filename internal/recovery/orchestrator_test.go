package recovery

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
	"github.com/pms/leaderboard/internal/scoring"
)

type fakeBuffer struct {
	mu              sync.Mutex
	paused, resumed int
}

func (f *fakeBuffer) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused++
}

func (f *fakeBuffer) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed++
}

func (f *fakeBuffer) AwaitQuiesce(context.Context) error { return nil }

func (f *fakeBuffer) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused, f.resumed
}

type fakeConsumer struct {
	fakeBuffer
}

type fakeSource struct {
	entries []domain.RankEntry
}

func (f *fakeSource) AllEntries(context.Context) ([]domain.RankEntry, error) {
	return f.entries, nil
}

type fakeCache struct {
	mu      sync.Mutex
	rebuilt [][]domain.RankEntry
}

func (f *fakeCache) Rebuild(_ context.Context, entries []domain.RankEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebuilt = append(f.rebuilt, entries)
	return nil
}

func (f *fakeCache) rebuilds() [][]domain.RankEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rebuilt
}

func newTestOrchestrator(source *fakeSource) (*Orchestrator, *fakeBuffer, *fakeConsumer, *fakeCache, *events.Bus) {
	bus := events.NewBus(zerolog.Nop())
	buffer := &fakeBuffer{}
	consumer := &fakeConsumer{}
	cache := &fakeCache{}
	o := NewOrchestrator(buffer, consumer, source, cache, scoring.NewEngine(), bus, zerolog.Nop())
	o.Register()
	return o, buffer, consumer, cache, bus
}

func TestCacheDownPausesIngestion(t *testing.T) {
	_, buffer, _, _, bus := newTestOrchestrator(&fakeSource{})

	bus.Publish(events.CacheDown, "test", nil)

	assert.Eventually(t, func() bool {
		paused, _ := buffer.counts()
		return paused == 1
	}, time.Second, 10*time.Millisecond)
}

func TestCacheUpRebuildsThenResumes(t *testing.T) {
	entry := domain.RankEntry{
		EntityID:  uuid.New(),
		Score:     decimal.NewFromInt(170),
		UpdatedAt: time.Now().UTC(),
	}
	_, buffer, _, cache, bus := newTestOrchestrator(&fakeSource{entries: []domain.RankEntry{entry}})

	rebuilt := make(chan struct{}, 1)
	bus.Subscribe(events.CacheRebuilt, func(*events.Event) { rebuilt <- struct{}{} })

	bus.Publish(events.CacheUp, "test", nil)

	select {
	case <-rebuilt:
	case <-time.After(time.Second):
		t.Fatal("rebuild event not published")
	}

	rebuilds := cache.rebuilds()
	require.Len(t, rebuilds, 1)
	require.Len(t, rebuilds[0], 1)

	// Ordering keys are recomputed from score and metadata.
	want := scoring.NewEngine().OrderingKey(entry.Score, entry.UpdatedAt, entry.EntityID)
	assert.Equal(t, want, rebuilds[0][0].OrderingKey)

	_, resumed := buffer.counts()
	assert.Equal(t, 1, resumed)
}

func TestStoreTransitionsToggleConsumer(t *testing.T) {
	_, _, consumer, _, bus := newTestOrchestrator(&fakeSource{})

	bus.Publish(events.StoreDown, "test", nil)
	assert.Eventually(t, func() bool {
		paused, _ := consumer.counts()
		return paused == 1
	}, time.Second, 10*time.Millisecond)

	bus.Publish(events.StoreUp, "test", nil)
	assert.Eventually(t, func() bool {
		_, resumed := consumer.counts()
		return resumed == 1
	}, time.Second, 10*time.Millisecond)
}
