// Package scoring computes portfolio base scores and the globally-ordered
// composite keys the rank cache sorts by.
package scoring

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pms/leaderboard/internal/domain"
)

// Fixed score weights. The base score is a weighted sum of the three risk
// metrics; distinct bases always differ by far more than any tie-break
// fraction can contribute.
var (
	weightRateOfReturn = decimal.NewFromInt(50)
	weightRiskMetricA  = decimal.NewFromInt(30)
	weightRiskMetricB  = decimal.NewFromInt(20)
)

// Engine derives scores and ordering keys. It is stateless and side-effect
// free: the same update always yields the same result, which is what makes
// cache rebuilds reproduce the pre-outage ordering.
type Engine struct{}

// NewEngine creates a score engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Score computes the base score and ordering key for one update. Updates
// with missing metrics are rejected with a permanent error.
func (e *Engine) Score(u domain.MetricUpdate) (decimal.Decimal, float64, error) {
	if !u.RateOfReturn.Valid || !u.RiskMetricA.Valid || !u.RiskMetricB.Valid {
		return decimal.Decimal{}, 0, domain.Permanent(
			"scoring.Score",
			fmt.Errorf("%w: entity %s", domain.ErrInvalidMetrics, u.EntityID),
		)
	}

	base := u.RateOfReturn.Decimal.Mul(weightRateOfReturn).
		Add(u.RiskMetricA.Decimal.Mul(weightRiskMetricA)).
		Add(u.RiskMetricB.Decimal.Mul(weightRiskMetricB))

	return base, e.OrderingKey(base, u.EventTime, u.EntityID), nil
}

// OrderingKey folds a strictly-positive tie-break fraction into the base
// score. The fraction is built from the event time's sub-second remainder
// (max 999/1e9) plus an id-derived component (max 1000/1e12), so it stays
// below 1e-6 and can never invert two distinct base scores. Equal bases
// order by recency, then deterministically by entity id.
func (e *Engine) OrderingKey(base decimal.Decimal, eventTime time.Time, entityID uuid.UUID) float64 {
	b, _ := base.Float64()

	ts := eventTime.UnixMilli()
	stampFraction := float64(ts%1000) / 1e9
	hashFraction := (float64(entityHash(entityID)%1000) + 1) / 1e12

	return b + stampFraction + hashFraction
}

// entityHash maps an entity id onto a stable small integer for tie-breaking.
func entityHash(id uuid.UUID) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return h.Sum32()
}
