// Package recovery reacts to dependency health transitions: it pauses the
// affected side of the pipeline on an outage and runs the rebuild dance
// when the rank cache comes back.
package recovery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pms/leaderboard/internal/domain"
	"github.com/pms/leaderboard/internal/events"
	"github.com/pms/leaderboard/internal/scoring"
)

// IngestionControl pauses and resumes the ingestion buffer.
type IngestionControl interface {
	Pause()
	Resume()
	AwaitQuiesce(ctx context.Context) error
}

// DrainControl pauses and resumes the durability log consumer.
type DrainControl interface {
	Pause()
	Resume()
}

// RankSource supplies the durable current view for rebuilds.
type RankSource interface {
	AllEntries(ctx context.Context) ([]domain.RankEntry, error)
}

// BoardCache is the rebuild target.
type BoardCache interface {
	Rebuild(ctx context.Context, entries []domain.RankEntry) error
}

const rebuildTimeout = 2 * time.Minute

// Orchestrator subscribes to health transitions and coordinates the
// degraded-mode switches. All reactions run on bus dispatch goroutines;
// the orchestrator itself holds no state beyond its wiring.
type Orchestrator struct {
	buffer   IngestionControl
	consumer DrainControl
	source   RankSource
	cache    BoardCache
	engine   *scoring.Engine
	bus      *events.Bus
	log      zerolog.Logger
}

// NewOrchestrator wires a recovery orchestrator.
func NewOrchestrator(buffer IngestionControl, consumer DrainControl, source RankSource, cache BoardCache, engine *scoring.Engine, bus *events.Bus, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		buffer:   buffer,
		consumer: consumer,
		source:   source,
		cache:    cache,
		engine:   engine,
		bus:      bus,
		log:      log.With().Str("component", "recovery").Logger(),
	}
}

// Register subscribes to the health transition events.
func (o *Orchestrator) Register() {
	o.bus.Subscribe(events.CacheDown, o.onCacheDown)
	o.bus.Subscribe(events.CacheUp, o.onCacheUp)
	o.bus.Subscribe(events.StoreDown, o.onStoreDown)
	o.bus.Subscribe(events.StoreUp, o.onStoreUp)
}

func (o *Orchestrator) onCacheDown(*events.Event) {
	o.log.Warn().Msg("Cache down, pausing ingestion flushing")
	o.buffer.Pause()
}

// onCacheUp waits for in-flight work to settle, rebuilds the board from the
// durable store, and only then resumes ingestion. If the rebuild fails the
// buffer stays paused; the failure flips the cache monitor back down and
// the next recovery attempt runs on the following up transition.
func (o *Orchestrator) onCacheUp(*events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), rebuildTimeout)
	defer cancel()

	if err := o.buffer.AwaitQuiesce(ctx); err != nil {
		o.log.Error().Err(err).Msg("Timed out waiting for ingestion to quiesce")
		return
	}

	if err := o.rebuild(ctx); err != nil {
		o.log.Error().Err(err).Msg("Board rebuild failed, ingestion stays paused")
		return
	}

	o.buffer.Resume()
	o.bus.Publish(events.CacheRebuilt, "recovery", nil)
}

// rebuild reloads the whole board from the store. Ordering keys are
// recomputed from the stored scores and timestamps, so the rebuilt board
// reproduces the pre-outage ordering exactly.
func (o *Orchestrator) rebuild(ctx context.Context) error {
	entries, err := o.source.AllEntries(ctx)
	if err != nil {
		return err
	}
	for i := range entries {
		entries[i].OrderingKey = o.engine.OrderingKey(entries[i].Score, entries[i].UpdatedAt, entries[i].EntityID)
	}
	if err := o.cache.Rebuild(ctx, entries); err != nil {
		return err
	}

	o.log.Info().Int("entries", len(entries)).Msg("Board rebuilt")
	return nil
}

func (o *Orchestrator) onStoreDown(*events.Event) {
	o.log.Warn().Msg("Store down, pausing log consumption")
	o.consumer.Pause()
}

func (o *Orchestrator) onStoreUp(*events.Event) {
	o.log.Info().Msg("Store up, resuming log consumption")
	o.consumer.Resume()
}
