package wal

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pms/leaderboard/internal/bulkhead"
	"github.com/pms/leaderboard/internal/domain"
	"github.com/pms/leaderboard/internal/events"
	"github.com/pms/leaderboard/internal/health"
)

// Persister writes one logged entry to the durable store.
type Persister interface {
	Persist(ctx context.Context, e Entry) error
}

// ConsumerConfig tunes the drain behavior.
type ConsumerConfig struct {
	// MaxRetries is the total delivery attempts before dead-lettering.
	MaxRetries int
	// Visibility is how long a claimed entry may stay pending before the
	// reclaim loop hands it to a live consumer.
	Visibility time.Duration
	// ReadCount is the per-poll batch size.
	ReadCount int
}

// Consumer drains the durability log into the store through a consumer
// group, so entries survive process restarts and crashed workers.
type Consumer struct {
	client    redis.UniversalClient
	persister Persister
	store     *health.Monitor
	bus       *events.Bus
	pool      *bulkhead.Pool
	cfg       ConsumerConfig

	name    string
	paused  atomic.Bool
	stop    chan struct{}
	stopped sync.WaitGroup
	log     zerolog.Logger
}

// NewConsumer creates a stream consumer. pool, when non-nil, bounds store
// write concurrency; a saturated pool counts as a transient failure.
func NewConsumer(client redis.UniversalClient, persister Persister, store *health.Monitor, bus *events.Bus, pool *bulkhead.Pool, cfg ConsumerConfig, log zerolog.Logger) *Consumer {
	return &Consumer{
		client:    client,
		persister: persister,
		store:     store,
		bus:       bus,
		pool:      pool,
		cfg:       cfg,
		name:      "db-writer-" + uuid.NewString(),
		stop:      make(chan struct{}),
		log:       log.With().Str("component", "wal_consumer").Logger(),
	}
}

// Start creates the consumer groups and launches the drain loops.
func (c *Consumer) Start(ctx context.Context) error {
	for _, key := range []string{streamKey, retryStreamKey} {
		err := c.client.XGroupCreateMkStream(ctx, key, groupName, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return domain.Transient("wal.Start", err)
		}
	}

	c.stopped.Add(3)
	go c.readLoop(streamKey)
	go c.readLoop(retryStreamKey)
	go c.reclaimLoop()

	c.log.Info().Str("consumer", c.name).Msg("Stream consumer started")
	return nil
}

// Stop halts the drain loops. In-flight entries stay pending and are
// reclaimed on the next start.
func (c *Consumer) Stop() {
	close(c.stop)
	c.stopped.Wait()
}

// Pause stops consuming without acknowledging anything. Called when the
// store goes down; pending entries are redelivered once consumption resumes.
func (c *Consumer) Pause() {
	if c.paused.CompareAndSwap(false, true) {
		c.log.Warn().Msg("Stream consumption paused")
	}
}

// Resume restarts consumption after a pause.
func (c *Consumer) Resume() {
	if c.paused.CompareAndSwap(true, false) {
		c.log.Info().Msg("Stream consumption resumed")
	}
}

// Paused reports whether consumption is currently paused.
func (c *Consumer) Paused() bool {
	return c.paused.Load()
}

func (c *Consumer) readLoop(key string) {
	defer c.stopped.Done()
	ctx := context.Background()

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		if c.paused.Load() || !c.store.Available() {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    groupName,
			Consumer: c.name,
			Streams:  []string{key, ">"},
			Count:    int64(c.cfg.ReadCount),
			Block:    time.Second,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			c.log.Error().Err(err).Str("stream", key).Msg("Stream read failed")
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				c.handle(ctx, key, msg)
			}
		}
	}
}

// reclaimLoop picks up entries left pending past the visibility timeout by
// crashed or stalled consumers and re-dispatches them.
func (c *Consumer) reclaimLoop() {
	defer c.stopped.Done()
	ctx := context.Background()

	ticker := time.NewTicker(c.cfg.Visibility)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		if c.paused.Load() || !c.store.Available() {
			continue
		}

		for _, key := range []string{streamKey, retryStreamKey} {
			msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   key,
				Group:    groupName,
				Consumer: c.name,
				MinIdle:  c.cfg.Visibility,
				Start:    "0",
				Count:    int64(c.cfg.ReadCount),
			}).Result()
			if err != nil {
				c.log.Error().Err(err).Str("stream", key).Msg("Pending reclaim failed")
				continue
			}
			for _, msg := range msgs {
				c.handle(ctx, key, msg)
			}
		}
	}
}

// handle processes one delivered entry end to end: parse, persist, and then
// acknowledge, re-log for retry, leave pending, or dead-letter.
func (c *Consumer) handle(ctx context.Context, key string, msg redis.XMessage) {
	if c.paused.Load() || !c.store.Available() {
		// Left unacknowledged; the reclaim loop redelivers after resume.
		return
	}

	entry, retries, perr := parseEntry(msg.Values)
	if perr != nil {
		c.log.Error().Err(perr).Str("id", msg.ID).Msg("Malformed log entry")
		c.deadLetter(ctx, key, msg, retries)
		return
	}

	// Redeliveries of the same message carry their extra attempts in the
	// retry hash, keyed by message ID.
	extra, _ := c.client.HGet(ctx, retryHashKey, msg.ID).Int()
	attempts := retries + extra

	persistErr := c.persist(ctx, entry)

	switch decide(key == retryStreamKey, persistErr, attempts, c.cfg.MaxRetries) {
	case dispositionAck:
		c.ack(ctx, key, msg.ID)

	case dispositionRetryAppend:
		next := attempts + 1
		if err := c.client.XAdd(ctx, &redis.XAddArgs{
			Stream: retryStreamKey,
			Values: entryValues(entry, next),
		}).Err(); err != nil {
			// Could not hand off to the retry log; leave the original
			// pending so the reclaim loop tries again.
			c.log.Error().Err(err).Str("id", msg.ID).Msg("Retry append failed")
			return
		}
		c.ack(ctx, key, msg.ID)
		c.log.Warn().Err(persistErr).Str("id", msg.ID).Int("attempt", next).Msg("Entry moved to retry log")

	case dispositionAwaitRedelivery:
		if err := c.client.HIncrBy(ctx, retryHashKey, msg.ID, 1).Err(); err != nil {
			c.log.Error().Err(err).Str("id", msg.ID).Msg("Retry counter update failed")
		}
		c.log.Warn().Err(persistErr).Str("id", msg.ID).Int("attempts", attempts+1).Msg("Entry left pending for redelivery")

	case dispositionDeadLetter:
		c.log.Error().Err(persistErr).Str("id", msg.ID).Int("attempts", attempts).Msg("Entry exhausted retries")
		c.deadLetter(ctx, key, msg, attempts)
	}
}

// persist runs the store write, through the store I/O bulkhead when one is
// wired. A saturated bulkhead is a transient failure.
func (c *Consumer) persist(ctx context.Context, entry Entry) error {
	if c.pool == nil {
		return c.persister.Persist(ctx, entry)
	}
	var perr error
	if err := c.pool.SubmitWait(func() {
		perr = c.persister.Persist(ctx, entry)
	}); err != nil {
		return domain.Transient("wal.persist", err)
	}
	return perr
}

func (c *Consumer) ack(ctx context.Context, key, id string) {
	if err := c.client.XAck(ctx, key, groupName, id).Err(); err != nil {
		c.log.Error().Err(err).Str("id", id).Msg("Acknowledge failed")
		return
	}
	c.client.HDel(ctx, retryHashKey, id)
}

// deadLetter parks the raw entry on the dead-letter stream for manual
// inspection and acknowledges the original. Nothing is silently dropped.
func (c *Consumer) deadLetter(ctx context.Context, key string, msg redis.XMessage, attempts int) {
	values := make(map[string]interface{}, len(msg.Values)+2)
	for k, v := range msg.Values {
		values[k] = v
	}
	values["sourceStream"] = key
	values["attempts"] = attempts

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: deadLetterKey,
		Values: values,
	}).Err(); err != nil {
		c.log.Error().Err(err).Str("id", msg.ID).Msg("Dead-letter append failed")
		return
	}
	c.ack(ctx, key, msg.ID)

	if c.bus != nil {
		c.bus.Publish(events.EntryDeadLetter, "wal_consumer", map[string]interface{}{
			"id":     msg.ID,
			"stream": key,
		})
	}
}

type disposition int

const (
	dispositionAck disposition = iota
	dispositionRetryAppend
	dispositionAwaitRedelivery
	dispositionDeadLetter
)

// decide maps a persistence outcome to what happens to the delivered entry.
// Permanent failures and exhausted retries dead-letter. A transient failure
// on the main stream moves the entry to the retry log; on the retry log the
// entry stays pending and is redelivered by the reclaim loop instead of
// being re-appended.
func decide(fromRetryStream bool, persistErr error, attempts, maxRetries int) disposition {
	if persistErr == nil {
		return dispositionAck
	}
	if domain.IsPermanent(persistErr) {
		return dispositionDeadLetter
	}
	if attempts+1 >= maxRetries {
		return dispositionDeadLetter
	}
	if fromRetryStream {
		return dispositionAwaitRedelivery
	}
	return dispositionRetryAppend
}
