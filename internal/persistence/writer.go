// Package persistence mirrors the board into the durable store: a
// current-view table upserted per entry and an append-only history table.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pms/leaderboard/internal/database"
	"github.com/pms/leaderboard/internal/domain"
	"github.com/pms/leaderboard/internal/health"
	"github.com/pms/leaderboard/internal/scoring"
	"github.com/pms/leaderboard/internal/wal"
)

// timeLayout is fixed-width so stored timestamps compare lexicographically
// in chronological order. It must stay byte-stable for a given instant: the
// history table's idempotence depends on redeliveries producing the exact
// same updated_at string.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const upsertCurrentSQL = `
INSERT INTO leaderboard (entity_id, score, ordering_key, ranking, rate_of_return, risk_metric_a, risk_metric_b, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(entity_id) DO UPDATE SET
    score = excluded.score,
    ordering_key = excluded.ordering_key,
    ranking = excluded.ranking,
    rate_of_return = excluded.rate_of_return,
    risk_metric_a = excluded.risk_metric_a,
    risk_metric_b = excluded.risk_metric_b,
    updated_at = excluded.updated_at
WHERE excluded.updated_at >= leaderboard.updated_at`

const insertHistorySQL = `
INSERT OR IGNORE INTO leaderboard_history (history_id, entity_id, score, ranking, rate_of_return, risk_metric_a, risk_metric_b, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// Writer persists logged entries. It implements the stream consumer's
// Persister.
type Writer struct {
	db     *database.DB
	engine *scoring.Engine
	store  *health.Monitor
	log    zerolog.Logger
}

// NewWriter creates a store writer.
func NewWriter(db *database.DB, engine *scoring.Engine, store *health.Monitor, log zerolog.Logger) *Writer {
	return &Writer{
		db:     db,
		engine: engine,
		store:  store,
		log:    log.With().Str("component", "store_writer").Logger(),
	}
}

// Persist writes one entry in a single transaction: current-view upsert plus
// history append. The history insert is idempotent, so redelivered entries
// never duplicate rows; the upsert only applies when the entry is at least
// as recent as the stored row, so late redeliveries never regress the view.
func (w *Writer) Persist(ctx context.Context, e wal.Entry) error {
	orderingKey := w.engine.OrderingKey(e.Score, e.UpdatedAt, e.EntityID)
	updatedAt := e.UpdatedAt.UTC().Format(timeLayout)

	err := database.WithTransaction(w.db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertCurrentSQL,
			e.EntityID.String(), e.Score.String(), orderingKey, e.Rank,
			e.Metrics.RateOfReturn.String(), e.Metrics.RiskMetricA.String(), e.Metrics.RiskMetricB.String(),
			updatedAt,
		); err != nil {
			return fmt.Errorf("current-view upsert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insertHistorySQL,
			uuid.NewString(), e.EntityID.String(), e.Score.String(), e.Rank,
			e.Metrics.RateOfReturn.String(), e.Metrics.RiskMetricA.String(), e.Metrics.RiskMetricB.String(),
			updatedAt,
		); err != nil {
			return fmt.Errorf("history append: %w", err)
		}
		return nil
	})
	if err != nil {
		classified, known := classify("persistence.Persist", err)
		if !known {
			// Unrecognized store errors are treated as an outage signal.
			w.store.Down(err.Error())
		}
		return classified
	}

	w.store.Up()
	return nil
}

// classify maps a store error onto the failure taxonomy. Constraint
// violations are data problems and permanent; lock and timeout conditions
// are transient and worth retrying. known is false for anything the mapping
// does not recognize.
func classify(op string, err error) (classified error, known bool) {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "constraint"),
		strings.Contains(msg, "datatype mismatch"):
		return domain.Permanent(op, err), true
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "busy"),
		strings.Contains(msg, "timeout"),
		errors.Is(err, context.DeadlineExceeded):
		return domain.Transient(op, err), true
	default:
		return domain.Transient(op, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)), false
	}
}
