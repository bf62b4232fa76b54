// Package rankcache wraps the Redis sorted set that holds the live board
// ordering, plus the per-entity detail hashes.
package rankcache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pms/leaderboard/internal/domain"
	"github.com/pms/leaderboard/internal/health"
)

const detailKeyPrefix = "leaderboard:entity:"

// upsertAndRank runs server-side so that the score insert and the rank read
// are atomic: two concurrent writers can never observe a rank computed
// against a partially-applied update.
var upsertAndRank = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
return redis.call('ZREVRANK', KEYS[1], ARGV[2])
`)

// Cache is the low-latency ranking view. Any failed Redis call flips the
// cache health monitor; callers then fall back to store-derived ranks.
type Cache struct {
	client   redis.UniversalClient
	boardKey string
	monitor  *health.Monitor
	log      zerolog.Logger
}

// New creates a rank cache over the given Redis client.
func New(client redis.UniversalClient, boardKey string, monitor *health.Monitor, log zerolog.Logger) *Cache {
	return &Cache{
		client:   client,
		boardKey: boardKey,
		monitor:  monitor,
		log:      log.With().Str("component", "rank_cache").Logger(),
	}
}

// Ping probes the cache. Used by the cache heartbeat.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// fail reports a cache failure and wraps the error for fallback handling.
func (c *Cache) fail(op string, err error) error {
	c.monitor.Down(err.Error())
	return domain.Transient(op, fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err))
}

// UpsertAndRank atomically upserts the entity's ordering key and returns its
// 1-based descending rank.
func (c *Cache) UpsertAndRank(ctx context.Context, orderingKey float64, entityID uuid.UUID) (int64, error) {
	rank, err := upsertAndRank.Run(ctx, c.client, []string{c.boardKey}, orderingKey, entityID.String()).Int64()
	if err != nil {
		return 0, c.fail("rankcache.UpsertAndRank", err)
	}
	return rank + 1, nil
}

// WriteDetail writes the entity's detail hash. Entries become visible to
// queries only once this has succeeded.
func (c *Cache) WriteDetail(ctx context.Context, entry domain.RankEntry) error {
	key := detailKeyPrefix + entry.EntityID.String()
	err := c.client.HSet(ctx, key, map[string]interface{}{
		"score":        entry.Score.String(),
		"rateOfReturn": entry.Metrics.RateOfReturn.String(),
		"riskMetricA":  entry.Metrics.RiskMetricA.String(),
		"riskMetricB":  entry.Metrics.RiskMetricB.String(),
		"updatedAt":    entry.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return c.fail("rankcache.WriteDetail", err)
	}
	return nil
}

// TopN returns the first n rows of the board, highest ordering key first.
func (c *Cache) TopN(ctx context.Context, n int) ([]domain.Row, error) {
	members, err := c.client.ZRevRangeWithScores(ctx, c.boardKey, 0, int64(n)-1).Result()
	if err != nil {
		return nil, c.fail("rankcache.TopN", err)
	}
	return c.join(ctx, members, 1)
}

// Around returns the window of rows centered on the given entity, together
// with the entity's 1-based rank. found is false when the entity is not on
// the board.
func (c *Cache) Around(ctx context.Context, entityID uuid.UUID, around int) (centerRank int64, rows []domain.Row, found bool, err error) {
	center, err := c.client.ZRevRank(ctx, c.boardKey, entityID.String()).Result()
	if err == redis.Nil {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, c.fail("rankcache.Around", err)
	}

	start := center - int64(around)
	if start < 0 {
		start = 0
	}
	end := center + int64(around)

	members, err := c.client.ZRevRangeWithScores(ctx, c.boardKey, start, end).Result()
	if err != nil {
		return 0, nil, false, c.fail("rankcache.Around", err)
	}

	rows, err = c.join(ctx, members, start+1)
	if err != nil {
		return 0, nil, false, err
	}
	return center + 1, rows, true, nil
}

// join resolves detail hashes for a ZSET slice. Entries whose detail hash
// has not been written yet are not visible and are skipped.
func (c *Cache) join(ctx context.Context, members []redis.Z, firstRank int64) ([]domain.Row, error) {
	rows := make([]domain.Row, 0, len(members))
	rank := firstRank
	for _, member := range members {
		id, ok := member.Member.(string)
		if !ok {
			rank++
			continue
		}
		detail, err := c.client.HGetAll(ctx, detailKeyPrefix+id).Result()
		if err != nil {
			return nil, c.fail("rankcache.join", err)
		}
		if len(detail) == 0 {
			rank++
			continue
		}
		rows = append(rows, rowFromDetail(rank, id, member.Score, detail))
		rank++
	}
	return rows, nil
}

// rowFromDetail builds a presentation row from a ZSET member and its detail
// hash.
func rowFromDetail(rank int64, entityID string, orderingKey float64, detail map[string]string) domain.Row {
	return domain.Row{
		Rank:           rank,
		EntityID:       entityID,
		CompositeScore: orderingKey,
		RateOfReturn:   parseDecimal(detail["rateOfReturn"]),
		RiskMetricA:    parseDecimal(detail["riskMetricA"]),
		RiskMetricB:    parseDecimal(detail["riskMetricB"]),
		UpdatedAt:      detail["updatedAt"],
	}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Remove deletes an entity from the board and drops its detail hash.
// Entries are otherwise never deleted.
func (c *Cache) Remove(ctx context.Context, entityID uuid.UUID) error {
	pipe := c.client.TxPipeline()
	pipe.ZRem(ctx, c.boardKey, entityID.String())
	pipe.Del(ctx, detailKeyPrefix+entityID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return c.fail("rankcache.Remove", err)
	}
	return nil
}

// Rebuild replaces the whole board with entries reconstructed from the
// durable store. The ZSET is dropped and repopulated in one pipeline; the
// entries carry ordering keys already recomputed by the score engine.
func (c *Cache) Rebuild(ctx context.Context, entries []domain.RankEntry) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.boardKey)
	for _, entry := range entries {
		pipe.ZAdd(ctx, c.boardKey, redis.Z{
			Score:  entry.OrderingKey,
			Member: entry.EntityID.String(),
		})
		pipe.HSet(ctx, detailKeyPrefix+entry.EntityID.String(), map[string]interface{}{
			"score":        entry.Score.String(),
			"rateOfReturn": entry.Metrics.RateOfReturn.String(),
			"riskMetricA":  entry.Metrics.RiskMetricA.String(),
			"riskMetricB":  entry.Metrics.RiskMetricB.String(),
			"updatedAt":    entry.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return c.fail("rankcache.Rebuild", err)
	}

	c.log.Info().Int("entries", len(entries)).Msg("Board rebuilt from durable store")
	return nil
}
