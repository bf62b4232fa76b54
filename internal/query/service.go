// Package query serves read traffic: cache-first, store fallback, and an
// explicit unavailable signal when both dependencies are down.
package query

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pms/leaderboard/internal/domain"
	"github.com/pms/leaderboard/internal/health"
	"github.com/pms/leaderboard/internal/scoring"
)

// RankCache is the live read surface.
type RankCache interface {
	TopN(ctx context.Context, n int) ([]domain.Row, error)
	Around(ctx context.Context, entityID uuid.UUID, around int) (centerRank int64, rows []domain.Row, found bool, err error)
}

// Store is the durable fallback surface.
type Store interface {
	TopN(ctx context.Context, n int) ([]domain.RankEntry, error)
	Window(ctx context.Context, start, end int64) ([]domain.RankEntry, error)
	Rank(ctx context.Context, entityID uuid.UUID) (rank int64, found bool, err error)
}

// TopResponse is the payload for top-of-board reads and broadcast
// snapshots.
type TopResponse struct {
	Event     string       `json:"event"`
	Timestamp int64        `json:"timestamp"`
	Top       []domain.Row `json:"top"`
}

// AroundResponse is the payload for neighborhood reads. CenterRank is null
// when the entity is not on the board.
type AroundResponse struct {
	Event      string       `json:"event"`
	Timestamp  int64        `json:"timestamp"`
	CenterRank *int64       `json:"centerRank"`
	Top        []domain.Row `json:"top"`
}

// Service answers board reads, degrading from cache to store and failing
// explicitly when neither can serve.
type Service struct {
	cache       RankCache
	store       Store
	engine      *scoring.Engine
	cacheHealth *health.Monitor
	storeHealth *health.Monitor
	log         zerolog.Logger
}

// New creates a query service.
func New(cache RankCache, store Store, engine *scoring.Engine, cacheHealth, storeHealth *health.Monitor, log zerolog.Logger) *Service {
	return &Service{
		cache:       cache,
		store:       store,
		engine:      engine,
		cacheHealth: cacheHealth,
		storeHealth: storeHealth,
		log:         log.With().Str("component", "query").Logger(),
	}
}

// TopN returns the top n rows.
func (s *Service) TopN(ctx context.Context, n int) (*TopResponse, error) {
	if s.cacheHealth.Available() {
		rows, err := s.cache.TopN(ctx, n)
		if err == nil {
			return &TopResponse{Event: "leaderboardTop", Timestamp: now(), Top: rows}, nil
		}
		// The failed call flipped the cache monitor; try the store.
	}

	if !s.storeHealth.Available() {
		return nil, domain.Transient("query.TopN", domain.ErrUnavailable)
	}

	entries, err := s.store.TopN(ctx, n)
	if err != nil {
		return nil, domain.Transient("query.TopN", domain.ErrUnavailable)
	}
	return &TopResponse{Event: "leaderboardTop", Timestamp: now(), Top: s.present(entries)}, nil
}

// Around returns the window of rows around one entity together with its
// rank. Unknown entities yield an empty window with a null center rank
// rather than an error.
func (s *Service) Around(ctx context.Context, entityID uuid.UUID, around int) (*AroundResponse, error) {
	if s.cacheHealth.Available() {
		center, rows, found, err := s.cache.Around(ctx, entityID, around)
		if err == nil {
			resp := &AroundResponse{Event: "leaderboardAround", Timestamp: now(), Top: rows}
			if found {
				resp.CenterRank = &center
			}
			return resp, nil
		}
	}

	if !s.storeHealth.Available() {
		return nil, domain.Transient("query.Around", domain.ErrUnavailable)
	}

	center, found, err := s.store.Rank(ctx, entityID)
	if err != nil {
		return nil, domain.Transient("query.Around", domain.ErrUnavailable)
	}
	if !found {
		return &AroundResponse{Event: "leaderboardAround", Timestamp: now()}, nil
	}

	entries, err := s.store.Window(ctx, center-int64(around), center+int64(around))
	if err != nil {
		return nil, domain.Transient("query.Around", domain.ErrUnavailable)
	}
	return &AroundResponse{
		Event:      "leaderboardAround",
		Timestamp:  now(),
		CenterRank: &center,
		Top:        s.present(entries),
	}, nil
}

// present maps store entries onto presentation rows. The composite score
// shown is the same ordering key the cache would have held, recomputed from
// the stored score and metadata.
func (s *Service) present(entries []domain.RankEntry) []domain.Row {
	rows := make([]domain.Row, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, domain.Row{
			Rank:           e.Rank,
			EntityID:       e.EntityID.String(),
			CompositeScore: s.engine.OrderingKey(e.Score, e.UpdatedAt, e.EntityID),
			RateOfReturn:   e.Metrics.RateOfReturn,
			RiskMetricA:    e.Metrics.RiskMetricA,
			RiskMetricB:    e.Metrics.RiskMetricB,
			UpdatedAt:      e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return rows
}

func now() int64 {
	return time.Now().UnixMilli()
}
