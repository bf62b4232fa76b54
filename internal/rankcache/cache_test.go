package rankcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRowFromDetail(t *testing.T) {
	detail := map[string]string{
		"score":        "170",
		"rateOfReturn": "1.25",
		"riskMetricA":  "2.5",
		"riskMetricB":  "0.75",
		"updatedAt":    "2026-09-01T10:00:00Z",
	}

	row := rowFromDetail(3, "a1b2", 170.000000123, detail)

	assert.Equal(t, int64(3), row.Rank)
	assert.Equal(t, "a1b2", row.EntityID)
	assert.Equal(t, 170.000000123, row.CompositeScore)
	assert.Equal(t, "1.25", row.RateOfReturn.String())
	assert.Equal(t, "2.5", row.RiskMetricA.String())
	assert.Equal(t, "0.75", row.RiskMetricB.String())
	assert.Equal(t, "2026-09-01T10:00:00Z", row.UpdatedAt)
}

func TestRowFromDetailMissingFields(t *testing.T) {
	row := rowFromDetail(1, "x", 10, map[string]string{"score": "10"})

	assert.True(t, row.RateOfReturn.IsZero())
	assert.True(t, row.RiskMetricA.IsZero())
	assert.True(t, row.RiskMetricB.IsZero())
}
