package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pms/leaderboard/internal/database"
	"github.com/pms/leaderboard/internal/domain"
	"github.com/pms/leaderboard/internal/events"
	"github.com/pms/leaderboard/internal/health"
	"github.com/pms/leaderboard/internal/ingest"
	"github.com/pms/leaderboard/internal/persistence"
	"github.com/pms/leaderboard/internal/query"
	"github.com/pms/leaderboard/internal/scoring"
)

type stubCache struct {
	rows []domain.Row
}

func (s *stubCache) TopN(context.Context, int) ([]domain.Row, error) {
	return s.rows, nil
}

func (s *stubCache) Around(context.Context, uuid.UUID, int) (int64, []domain.Row, bool, error) {
	return 1, s.rows, len(s.rows) > 0, nil
}

type stubStore struct{}

func (stubStore) TopN(context.Context, int) ([]domain.RankEntry, error) { return nil, nil }

func (stubStore) Window(context.Context, int64, int64) ([]domain.RankEntry, error) {
	return nil, nil
}

func (stubStore) Rank(context.Context, uuid.UUID) (int64, bool, error) { return 0, false, nil }

func newTestServer(t *testing.T, cache *stubCache) *Server {
	t.Helper()

	db, err := database.New(database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bus := events.NewBus(zerolog.Nop())
	cacheHealth := health.NewCacheMonitor(bus, zerolog.Nop())
	storeHealth := health.NewStoreMonitor(bus, zerolog.Nop())

	buffer := ingest.NewBuffer(ingest.BufferConfig{
		Capacity:        64,
		BatchSize:       16,
		FlushInterval:   10 * time.Millisecond,
		MaxFlushRetries: 1,
		SaturationLimit: 0.9,
	}, func(context.Context, []domain.MetricUpdate) error { return nil }, nil, cacheHealth, zerolog.Nop())
	buffer.Start()
	t.Cleanup(buffer.Stop)

	q := query.New(cache, stubStore{}, scoring.NewEngine(), cacheHealth, storeHealth, zerolog.Nop())

	return New(Config{
		Log:         zerolog.Nop(),
		Port:        0,
		BoardKey:    "leaderboard:global:daily",
		Buffer:      buffer,
		Query:       q,
		Repo:        persistence.NewRepository(db, zerolog.Nop()),
		DB:          db,
		CacheHealth: cacheHealth,
		StoreHealth: storeHealth,
	})
}

func TestHandleIngestEventsAccepts(t *testing.T) {
	s := newTestServer(t, &stubCache{})

	body := []byte(`[{"entityId":"` + uuid.NewString() + `","rateOfReturn":1.5,"riskMetricA":2.0,"riskMetricB":0.5}]`)
	req := httptest.NewRequest(http.MethodPost, "/api/leaderboard/events", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"accepted":1`)
}

func TestHandleIngestEventsRejectsBadEntityID(t *testing.T) {
	s := newTestServer(t, &stubCache{})

	body := []byte(`[{"entityId":"not-a-uuid","rateOfReturn":1.5}]`)
	req := httptest.NewRequest(http.MethodPost, "/api/leaderboard/events", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleIngestEventsRejectsEmptyBatch(t *testing.T) {
	s := newTestServer(t, &stubCache{})

	req := httptest.NewRequest(http.MethodPost, "/api/leaderboard/events", bytes.NewReader([]byte(`[]`)))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTop(t *testing.T) {
	s := newTestServer(t, &stubCache{rows: []domain.Row{{Rank: 1, EntityID: "abc"}}})

	req := httptest.NewRequest(http.MethodGet, "/api/leaderboard/top?n=5", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"event":"leaderboardTop"`)
	assert.Contains(t, rec.Body.String(), `"entityId":"abc"`)
}

func TestHandleTopUnknownBoard(t *testing.T) {
	s := newTestServer(t, &stubCache{})

	req := httptest.NewRequest(http.MethodGet, "/api/leaderboard/top?boardKey=other:board", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleAroundRequiresEntityID(t *testing.T) {
	s := newTestServer(t, &stubCache{})

	req := httptest.NewRequest(http.MethodGet, "/api/leaderboard/around", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAround(t *testing.T) {
	s := newTestServer(t, &stubCache{rows: []domain.Row{{Rank: 1, EntityID: "abc"}}})

	req := httptest.NewRequest(http.MethodGet, "/api/leaderboard/around?entityId="+uuid.NewString(), nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"centerRank":1`)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, &stubCache{})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"cache":"UP"`)
}

func TestHandleHistoryEmptyEntity(t *testing.T) {
	s := newTestServer(t, &stubCache{})

	req := httptest.NewRequest(http.MethodGet, "/api/leaderboard/entity/"+uuid.NewString()+"/history", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"history":[]`)
}
