package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pms/leaderboard/internal/database"
	"github.com/pms/leaderboard/internal/domain"
)

// Current-view reads deliberately leave out the stored ranking column: rows
// arrive ordered by ordering_key and ranks are derived from position, so a
// stale write-time rank can never leak into a response.
const selectEntryColumns = `entity_id, score, ordering_key, rate_of_return, risk_metric_a, risk_metric_b, updated_at`

// Repository reads the durable mirror. Queries fall back to it when the
// rank cache is down, and rebuilds reload the whole board from it.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a store reader.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "store_repository").Logger(),
	}
}

func storeErr(op string, err error) error {
	return domain.Transient(op, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err))
}

// TopN returns the first n entries ordered by ordering key, ranks assigned
// from 1.
func (r *Repository) TopN(ctx context.Context, n int) ([]domain.RankEntry, error) {
	return r.window(ctx, "persistence.TopN", 1, int64(n))
}

// Window returns entries for the inclusive 1-based rank range [start, end].
func (r *Repository) Window(ctx context.Context, start, end int64) ([]domain.RankEntry, error) {
	if start < 1 {
		start = 1
	}
	if end < start {
		return nil, nil
	}
	return r.window(ctx, "persistence.Window", start, end-start+1)
}

func (r *Repository) window(ctx context.Context, op string, firstRank, limit int64) ([]domain.RankEntry, error) {
	rows, err := r.db.Conn().QueryContext(ctx,
		`SELECT `+selectEntryColumns+` FROM leaderboard ORDER BY ordering_key DESC LIMIT ? OFFSET ?`,
		limit, firstRank-1,
	)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	return scanEntries(rows, firstRank, op)
}

// Rank resolves an entity's 1-based rank by counting entries ordered above
// it. found is false when the entity has never been persisted.
func (r *Repository) Rank(ctx context.Context, entityID uuid.UUID) (rank int64, found bool, err error) {
	var orderingKey float64
	err = r.db.Conn().QueryRowContext(ctx,
		`SELECT ordering_key FROM leaderboard WHERE entity_id = ?`, entityID.String(),
	).Scan(&orderingKey)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeErr("persistence.Rank", err)
	}

	rank, err = r.RankForOrderingKey(ctx, orderingKey)
	if err != nil {
		return 0, false, err
	}
	return rank, true, nil
}

// RankForOrderingKey computes the 1-based rank an ordering key would hold.
// Used by the ingestion path when the cache cannot serve ranks.
func (r *Repository) RankForOrderingKey(ctx context.Context, key float64) (int64, error) {
	var above int64
	err := r.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM leaderboard WHERE ordering_key > ?`, key,
	).Scan(&above)
	if err != nil {
		return 0, storeErr("persistence.RankForOrderingKey", err)
	}
	return above + 1, nil
}

// AllEntries returns the whole current view ordered by ordering key.
// Rebuilds use this to repopulate the cache.
func (r *Repository) AllEntries(ctx context.Context) ([]domain.RankEntry, error) {
	rows, err := r.db.Conn().QueryContext(ctx,
		`SELECT `+selectEntryColumns+` FROM leaderboard ORDER BY ordering_key DESC`,
	)
	if err != nil {
		return nil, storeErr("persistence.AllEntries", err)
	}
	defer rows.Close()

	return scanEntries(rows, 1, "persistence.AllEntries")
}

// History returns the most recent history rows for one entity, newest first.
func (r *Repository) History(ctx context.Context, entityID uuid.UUID, limit int) ([]domain.HistorySnapshot, error) {
	rows, err := r.db.Conn().QueryContext(ctx,
		`SELECT history_id, entity_id, score, ranking, rate_of_return, risk_metric_a, risk_metric_b, updated_at
		 FROM leaderboard_history WHERE entity_id = ? ORDER BY updated_at DESC LIMIT ?`,
		entityID.String(), limit,
	)
	if err != nil {
		return nil, storeErr("persistence.History", err)
	}
	defer rows.Close()

	var snapshots []domain.HistorySnapshot
	for rows.Next() {
		var (
			s                                 domain.HistorySnapshot
			historyID, entity                 string
			score, ror, riskA, riskB, updated string
		)
		if err := rows.Scan(&historyID, &entity, &score, &s.Rank, &ror, &riskA, &riskB, &updated); err != nil {
			return nil, storeErr("persistence.History", err)
		}
		if s.HistoryID, err = uuid.Parse(historyID); err != nil {
			return nil, domain.Permanent("persistence.History", err)
		}
		if s.EntityID, err = uuid.Parse(entity); err != nil {
			return nil, domain.Permanent("persistence.History", err)
		}
		if s.Score, s.Metrics, s.UpdatedAt, err = parseValues(score, ror, riskA, riskB, updated); err != nil {
			return nil, domain.Permanent("persistence.History", err)
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("persistence.History", err)
	}
	return snapshots, nil
}

func scanEntries(rows *sql.Rows, firstRank int64, op string) ([]domain.RankEntry, error) {
	var entries []domain.RankEntry
	rank := firstRank
	for rows.Next() {
		var (
			e                                 domain.RankEntry
			entity                            string
			score, ror, riskA, riskB, updated string
		)
		if err := rows.Scan(&entity, &score, &e.OrderingKey, &ror, &riskA, &riskB, &updated); err != nil {
			return nil, storeErr(op, err)
		}
		var err error
		if e.EntityID, err = uuid.Parse(entity); err != nil {
			return nil, domain.Permanent(op, err)
		}
		if e.Score, e.Metrics, e.UpdatedAt, err = parseValues(score, ror, riskA, riskB, updated); err != nil {
			return nil, domain.Permanent(op, err)
		}
		e.Rank = rank
		rank++
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return entries, nil
}

func parseValues(score, ror, riskA, riskB, updated string) (decimal.Decimal, domain.Metrics, time.Time, error) {
	var m domain.Metrics
	s, err := decimal.NewFromString(score)
	if err != nil {
		return decimal.Decimal{}, m, time.Time{}, fmt.Errorf("bad score %q: %w", score, err)
	}
	if m.RateOfReturn, err = decimal.NewFromString(ror); err != nil {
		return decimal.Decimal{}, m, time.Time{}, fmt.Errorf("bad rate_of_return %q: %w", ror, err)
	}
	if m.RiskMetricA, err = decimal.NewFromString(riskA); err != nil {
		return decimal.Decimal{}, m, time.Time{}, fmt.Errorf("bad risk_metric_a %q: %w", riskA, err)
	}
	if m.RiskMetricB, err = decimal.NewFromString(riskB); err != nil {
		return decimal.Decimal{}, m, time.Time{}, fmt.Errorf("bad risk_metric_b %q: %w", riskB, err)
	}
	t, err := time.Parse(timeLayout, updated)
	if err != nil {
		return decimal.Decimal{}, m, time.Time{}, fmt.Errorf("bad updated_at %q: %w", updated, err)
	}
	return s, m, t, nil
}
