// Package domain holds the core leaderboard types shared by all components.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MetricUpdate is a single inbound risk-metric event for one portfolio.
// Metrics are nullable because upstream producers occasionally emit partial
// records; scoring rejects those.
type MetricUpdate struct {
	EntityID     uuid.UUID
	RateOfReturn decimal.NullDecimal
	RiskMetricA  decimal.NullDecimal
	RiskMetricB  decimal.NullDecimal
	EventTime    time.Time
}

// Metrics is the resolved, non-null metric triple carried by everything
// downstream of scoring.
type Metrics struct {
	RateOfReturn decimal.Decimal
	RiskMetricA  decimal.Decimal
	RiskMetricB  decimal.Decimal
}

// RankEntry is the current view of one portfolio on the board: its ordering
// key, 1-based descending rank, and detail metrics. The rank cache owns the
// live copy; the durable store holds the mirror used for rebuilds.
type RankEntry struct {
	EntityID    uuid.UUID
	Score       decimal.Decimal
	OrderingKey float64
	Rank        int64
	Metrics     Metrics
	UpdatedAt   time.Time
}

// HistorySnapshot is one immutable history row, written once per successfully
// processed update. HistoryID is freshly generated per write.
type HistorySnapshot struct {
	HistoryID uuid.UUID
	EntityID  uuid.UUID
	Score     decimal.Decimal
	Rank      int64
	Metrics   Metrics
	UpdatedAt time.Time
}

// Row is the presentation shape used by query responses and broadcast
// snapshots.
type Row struct {
	Rank           int64           `json:"rank"`
	EntityID       string          `json:"entityId"`
	CompositeScore float64         `json:"compositeScore"`
	RateOfReturn   decimal.Decimal `json:"rateOfReturn"`
	RiskMetricA    decimal.Decimal `json:"riskMetricA"`
	RiskMetricB    decimal.Decimal `json:"riskMetricB"`
	UpdatedAt      string          `json:"updatedAt"`
}
