// Package wal is the durability log between the hot ranking path and the
// durable store: every processed update is appended to a Redis stream and
// drained asynchronously by a consumer-group worker.
package wal

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pms/leaderboard/internal/domain"
)

const (
	streamKey      = "leaderboard:stream"
	retryStreamKey = "leaderboard:stream:retry"
	deadLetterKey  = "leaderboard:dlq"
	retryHashKey   = "leaderboard:retry"

	groupName = "leaderboard-db-group"
)

// Entry is one logged update: everything the store writer needs to mirror
// the rank entry and append its history row.
type Entry struct {
	EntityID  uuid.UUID
	Score     decimal.Decimal
	Rank      int64
	Metrics   domain.Metrics
	UpdatedAt time.Time
}

// Stream appends entries to the durability log.
type Stream struct {
	client redis.UniversalClient
	log    zerolog.Logger
}

// NewStream creates the append side of the durability log.
func NewStream(client redis.UniversalClient, log zerolog.Logger) *Stream {
	return &Stream{
		client: client,
		log:    log.With().Str("component", "wal_stream").Logger(),
	}
}

// Append logs an entry. The update only counts as accepted once this has
// succeeded; from then on it either reaches the store or the dead letter.
func (s *Stream) Append(ctx context.Context, e Entry) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: entryValues(e, 0),
	}).Err()
	if err != nil {
		return domain.Transient("wal.Append", fmt.Errorf("%w: %v", domain.ErrLogUnavailable, err))
	}
	return nil
}

// Depths reports the current lengths of the main, retry and dead-letter
// streams. Exposed on the status endpoint.
func (s *Stream) Depths(ctx context.Context) (main, retry, dead int64, err error) {
	pipe := s.client.Pipeline()
	mainCmd := pipe.XLen(ctx, streamKey)
	retryCmd := pipe.XLen(ctx, retryStreamKey)
	deadCmd := pipe.XLen(ctx, deadLetterKey)
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, err
	}
	return mainCmd.Val(), retryCmd.Val(), deadCmd.Val(), nil
}

// entryValues flattens an entry into stream fields. Decimals travel as
// strings to keep full precision across the log.
func entryValues(e Entry, retry int) map[string]interface{} {
	return map[string]interface{}{
		"entityId":     e.EntityID.String(),
		"score":        e.Score.String(),
		"rank":         strconv.FormatInt(e.Rank, 10),
		"rateOfReturn": e.Metrics.RateOfReturn.String(),
		"riskMetricA":  e.Metrics.RiskMetricA.String(),
		"riskMetricB":  e.Metrics.RiskMetricB.String(),
		"updatedAt":    e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"retry":        strconv.Itoa(retry),
	}
}

// parseEntry rebuilds an entry from stream fields. Malformed entries are a
// permanent failure and go straight to the dead letter.
func parseEntry(values map[string]interface{}) (Entry, int, error) {
	get := func(field string) (string, error) {
		v, ok := values[field]
		if !ok {
			return "", fmt.Errorf("missing field %q", field)
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("field %q is not a string", field)
		}
		return s, nil
	}

	var e Entry
	fail := func(err error) (Entry, int, error) {
		return Entry{}, 0, domain.Permanent("wal.parseEntry", err)
	}

	rawID, err := get("entityId")
	if err != nil {
		return fail(err)
	}
	if e.EntityID, err = uuid.Parse(rawID); err != nil {
		return fail(fmt.Errorf("bad entityId %q: %w", rawID, err))
	}

	for field, dst := range map[string]*decimal.Decimal{
		"score":        &e.Score,
		"rateOfReturn": &e.Metrics.RateOfReturn,
		"riskMetricA":  &e.Metrics.RiskMetricA,
		"riskMetricB":  &e.Metrics.RiskMetricB,
	} {
		raw, err := get(field)
		if err != nil {
			return fail(err)
		}
		if *dst, err = decimal.NewFromString(raw); err != nil {
			return fail(fmt.Errorf("bad %s %q: %w", field, raw, err))
		}
	}

	rawRank, err := get("rank")
	if err != nil {
		return fail(err)
	}
	if e.Rank, err = strconv.ParseInt(rawRank, 10, 64); err != nil {
		return fail(fmt.Errorf("bad rank %q: %w", rawRank, err))
	}

	rawTime, err := get("updatedAt")
	if err != nil {
		return fail(err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, rawTime); err != nil {
		return fail(fmt.Errorf("bad updatedAt %q: %w", rawTime, err))
	}

	retries := 0
	if raw, err := get("retry"); err == nil {
		if retries, err = strconv.Atoi(raw); err != nil {
			retries = 0
		}
	}
	return e, retries, nil
}
