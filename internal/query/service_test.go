package query

import (
	"context"
	"errors"
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
	"github.com/pms/leaderboard/internal/scoring"
)

type fakeCache struct {
	rows []domain.Row
	err  error
}

func (f *fakeCache) TopN(context.Context, int) ([]domain.Row, error) {
	return f.rows, f.err
}

func (f *fakeCache) Around(context.Context, uuid.UUID, int) (int64, []domain.Row, bool, error) {
	if f.err != nil {
		return 0, nil, false, f.err
	}
	return 2, f.rows, true, nil
}

type fakeStore struct {
	entries []domain.RankEntry
	rank    int64
	found   bool
	err     error
}

func (f *fakeStore) TopN(context.Context, int) ([]domain.RankEntry, error) {
	return f.entries, f.err
}

func (f *fakeStore) Window(context.Context, int64, int64) ([]domain.RankEntry, error) {
	return f.entries, f.err
}

func (f *fakeStore) Rank(context.Context, uuid.UUID) (int64, bool, error) {
	return f.rank, f.found, f.err
}

func newTestService(cache *fakeCache, store *fakeStore, cacheUp, storeUp bool) *Service {
	bus := events.NewBus(zerolog.Nop())
	cacheHealth := health.NewCacheMonitor(bus, zerolog.Nop())
	storeHealth := health.NewStoreMonitor(bus, zerolog.Nop())
	if !cacheUp {
		cacheHealth.Down("test")
	}
	if !storeUp {
		storeHealth.Down("test")
	}
	return New(cache, store, scoring.NewEngine(), cacheHealth, storeHealth, zerolog.Nop())
}

func storeEntry(rank int64, score string) domain.RankEntry {
	return domain.RankEntry{
		EntityID:  uuid.New(),
		Score:     decimal.RequireFromString(score),
		Rank:      rank,
		UpdatedAt: time.Now().UTC(),
	}
}

func TestTopNServesFromCache(t *testing.T) {
	cache := &fakeCache{rows: []domain.Row{{Rank: 1, EntityID: "a"}}}
	svc := newTestService(cache, &fakeStore{}, true, true)

	resp, err := svc.TopN(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "leaderboardTop", resp.Event)
	require.Len(t, resp.Top, 1)
	assert.Equal(t, "a", resp.Top[0].EntityID)
}

func TestTopNFallsBackToStoreWhenCacheDown(t *testing.T) {
	store := &fakeStore{entries: []domain.RankEntry{storeEntry(1, "300"), storeEntry(2, "200")}}
	svc := newTestService(&fakeCache{}, store, false, true)

	resp, err := svc.TopN(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, resp.Top, 2)
	assert.Equal(t, int64(1), resp.Top[0].Rank)

	// Presentation scores carry the recomputed ordering key, so the
	// fallback rows order the same way the cache would.
	assert.Greater(t, resp.Top[0].CompositeScore, resp.Top[1].CompositeScore)
}

func TestTopNUnavailableWhenBothDown(t *testing.T) {
	svc := newTestService(&fakeCache{}, &fakeStore{}, false, false)

	_, err := svc.TopN(context.Background(), 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestTopNFallsBackOnCacheError(t *testing.T) {
	cache := &fakeCache{err: errors.New("connection refused")}
	store := &fakeStore{entries: []domain.RankEntry{storeEntry(1, "100")}}
	svc := newTestService(cache, store, true, true)

	resp, err := svc.TopN(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, resp.Top, 1)
}

func TestAroundServesFromCache(t *testing.T) {
	cache := &fakeCache{rows: []domain.Row{{Rank: 1}, {Rank: 2}, {Rank: 3}}}
	svc := newTestService(cache, &fakeStore{}, true, true)

	resp, err := svc.Around(context.Background(), uuid.New(), 1)
	require.NoError(t, err)
	require.NotNil(t, resp.CenterRank)
	assert.Equal(t, int64(2), *resp.CenterRank)
	assert.Len(t, resp.Top, 3)
}

func TestAroundUnknownEntityFromStore(t *testing.T) {
	svc := newTestService(&fakeCache{}, &fakeStore{found: false}, false, true)

	resp, err := svc.Around(context.Background(), uuid.New(), 2)
	require.NoError(t, err)
	assert.Nil(t, resp.CenterRank)
	assert.Empty(t, resp.Top)
}

func TestAroundFallsBackToStore(t *testing.T) {
	store := &fakeStore{
		entries: []domain.RankEntry{storeEntry(1, "300"), storeEntry(2, "200"), storeEntry(3, "100")},
		rank:    2,
		found:   true,
	}
	svc := newTestService(&fakeCache{}, store, false, true)

	resp, err := svc.Around(context.Background(), uuid.New(), 1)
	require.NoError(t, err)
	require.NotNil(t, resp.CenterRank)
	assert.Equal(t, int64(2), *resp.CenterRank)
	assert.Len(t, resp.Top, 3)
}

func TestAroundUnavailableWhenBothDown(t *testing.T) {
	svc := newTestService(&fakeCache{}, &fakeStore{}, false, false)

	_, err := svc.Around(context.Background(), uuid.New(), 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}
