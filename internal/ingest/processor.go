package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pms/leaderboard/internal/bulkhead"
	"github.com/pms/leaderboard/internal/domain"
	"github.com/pms/leaderboard/internal/events"
	"github.com/pms/leaderboard/internal/health"
	"github.com/pms/leaderboard/internal/scoring"
	"github.com/pms/leaderboard/internal/wal"
)

// RankWriter is the slice of the rank cache the processor writes through.
type RankWriter interface {
	UpsertAndRank(ctx context.Context, orderingKey float64, entityID uuid.UUID) (int64, error)
	WriteDetail(ctx context.Context, entry domain.RankEntry) error
}

// LogAppender appends accepted updates to the durability log.
type LogAppender interface {
	Append(ctx context.Context, e wal.Entry) error
}

// RankReader derives a rank from the durable store when the cache is down.
type RankReader interface {
	RankForOrderingKey(ctx context.Context, key float64) (int64, error)
}

// Processor scores a batch and pushes each update into the rank cache and
// the durability log. When the cache is down it falls back to store-derived
// ranks so accepted updates keep flowing into the log.
type Processor struct {
	engine      *scoring.Engine
	cache       RankWriter
	stream      LogAppender
	repo        RankReader
	cacheHealth *health.Monitor
	pools       *bulkhead.Pools
	bus         *events.Bus
	log         zerolog.Logger
}

// NewProcessor wires the batch processing pipeline.
func NewProcessor(engine *scoring.Engine, cache RankWriter, stream LogAppender, repo RankReader, cacheHealth *health.Monitor, pools *bulkhead.Pools, bus *events.Bus, log zerolog.Logger) *Processor {
	return &Processor{
		engine:      engine,
		cache:       cache,
		stream:      stream,
		repo:        repo,
		cacheHealth: cacheHealth,
		pools:       pools,
		bus:         bus,
		log:         log.With().Str("component", "batch_processor").Logger(),
	}
}

// ProcessBatch handles one coalesced batch. Updates with invalid metrics
// are rejected and never retried; transient failures fail the batch so the
// buffer carries it over. Reprocessing a partially-flushed batch is safe
// because every write keyed off the update's event time is idempotent.
func (p *Processor) ProcessBatch(ctx context.Context, batch []domain.MetricUpdate) error {
	var (
		processed int
		rejected  int
		failed    int
		firstErr  error
	)

	for _, u := range batch {
		err := p.processOne(ctx, u)
		switch {
		case err == nil:
			processed++
		case domain.IsPermanent(err):
			rejected++
			p.log.Warn().Err(err).Str("entity", u.EntityID.String()).Msg("Update rejected")
		default:
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if p.bus != nil && processed > 0 {
		p.bus.Publish(events.BatchProcessed, "batch_processor", map[string]interface{}{
			"processed": processed,
			"rejected":  rejected,
		})
	}

	if failed > 0 {
		return domain.Transient("ingest.ProcessBatch",
			fmt.Errorf("%d of %d updates failed: %w", failed, len(batch), firstErr))
	}
	return nil
}

func (p *Processor) processOne(ctx context.Context, u domain.MetricUpdate) error {
	base, orderingKey, err := p.engine.Score(u)
	if err != nil {
		return err
	}

	entry := domain.RankEntry{
		EntityID:    u.EntityID,
		Score:       base,
		OrderingKey: orderingKey,
		Metrics: domain.Metrics{
			RateOfReturn: u.RateOfReturn.Decimal,
			RiskMetricA:  u.RiskMetricA.Decimal,
			RiskMetricB:  u.RiskMetricB.Decimal,
		},
		UpdatedAt: u.EventTime.UTC(),
	}

	rank, err := p.resolveRank(ctx, entry)
	if err != nil {
		return err
	}
	entry.Rank = rank

	return p.stream.Append(ctx, wal.Entry{
		EntityID:  entry.EntityID,
		Score:     entry.Score,
		Rank:      entry.Rank,
		Metrics:   entry.Metrics,
		UpdatedAt: entry.UpdatedAt,
	})
}

// resolveRank writes the entry to the cache and returns its live rank, or
// derives an equivalent rank from the store when the cache is unavailable.
func (p *Processor) resolveRank(ctx context.Context, entry domain.RankEntry) (int64, error) {
	if p.cacheHealth.Available() {
		var (
			rank int64
			err  error
		)
		write := func() {
			rank, err = p.cache.UpsertAndRank(ctx, entry.OrderingKey, entry.EntityID)
			if err == nil {
				err = p.cache.WriteDetail(ctx, entry)
			}
		}

		var submitErr error
		if p.pools != nil {
			submitErr = p.pools.CacheIO.SubmitWait(write)
		} else {
			write()
		}
		if submitErr == nil && err == nil {
			return rank, nil
		}
		if submitErr != nil {
			p.cacheHealth.Down("cache write queue saturated")
		}
		// Fall through to the store-derived rank; failed cache writes have
		// already flagged the monitor.
	}

	return p.repo.RankForOrderingKey(ctx, entry.OrderingKey)
}
