// Package main is the entry point for the portfolio leaderboard service.
// It assembles the ranking pipeline: HTTP feed boundary, coalescing
// ingestion buffer, score engine, Redis rank cache, stream-backed
// durability log, SQLite mirror, health monitors and the recovery
// orchestrator that ties them together.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pms/leaderboard/internal/broadcast"
	"github.com/pms/leaderboard/internal/bulkhead"
	"github.com/pms/leaderboard/internal/config"
	"github.com/pms/leaderboard/internal/database"
	"github.com/pms/leaderboard/internal/events"
	"github.com/pms/leaderboard/internal/health"
	"github.com/pms/leaderboard/internal/ingest"
	"github.com/pms/leaderboard/internal/persistence"
	"github.com/pms/leaderboard/internal/query"
	"github.com/pms/leaderboard/internal/rankcache"
	"github.com/pms/leaderboard/internal/recovery"
	"github.com/pms/leaderboard/internal/reliability"
	"github.com/pms/leaderboard/internal/scheduler"
	"github.com/pms/leaderboard/internal/scoring"
	"github.com/pms/leaderboard/internal/server"
	"github.com/pms/leaderboard/internal/wal"
	"github.com/pms/leaderboard/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting leaderboard service")

	// Durable store
	db, err := database.New(database.Config{Path: filepath.Join(cfg.DataDir, "leaderboard.db")})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open durable store")
	}
	defer db.Close()

	// Rank cache client. Startup does not require the cache to be up; the
	// heartbeat flips the monitor and recovery rebuilds once it appears.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	// Event bus and dependency health
	bus := events.NewBus(log)
	cacheHealth := health.NewCacheMonitor(bus, log)
	storeHealth := health.NewStoreMonitor(bus, log)

	// Bulkhead pools
	pools := bulkhead.NewPools(log)
	defer pools.Close()

	// Core pipeline
	engine := scoring.NewEngine()
	cache := rankcache.New(redisClient, cfg.BoardKey, cacheHealth, log)
	stream := wal.NewStream(redisClient, log)
	repo := persistence.NewRepository(db, log)
	writer := persistence.NewWriter(db, engine, storeHealth, log)

	consumer := wal.NewConsumer(redisClient, writer, storeHealth, bus, pools.StoreIO, wal.ConsumerConfig{
		MaxRetries: cfg.StreamMaxRetries,
		Visibility: cfg.VisibilityTimeout,
		ReadCount:  int(cfg.StreamReadCount),
	}, log)

	processor := ingest.NewProcessor(engine, cache, stream, repo, cacheHealth, pools, bus, log)
	buffer := ingest.NewBuffer(ingest.BufferConfig{
		Capacity:        cfg.BufferCapacity,
		BatchSize:       cfg.BatchSize,
		FlushInterval:   cfg.FlushInterval,
		MaxFlushRetries: cfg.MaxFlushRetries,
		SaturationLimit: cfg.SaturationLimit,
	}, processor.ProcessBatch, pools, cacheHealth, log)

	// Recovery orchestration reacts to health transitions on the bus.
	orchestrator := recovery.NewOrchestrator(buffer, consumer, repo, cache, engine, bus, log)
	orchestrator.Register()

	// Reads and broadcast
	queryService := query.New(cache, repo, engine, cacheHealth, storeHealth, log)
	hub := broadcast.NewHub(log)
	snapshotter := broadcast.NewSnapshotter(hub, queryService, pools.Realtime, cfg.SnapshotInterval, cfg.SnapshotTopN, log)

	// Background jobs
	sched := scheduler.New(log)
	cacheHeartbeat := health.NewHeartbeatJob("cache", cacheHealth, cache.Ping, log)
	storeHeartbeat := health.NewHeartbeatJob("store", storeHealth, db.QuickCheck, log)
	if err := sched.AddJob(cfg.HeartbeatSchedule, cacheHeartbeat); err != nil {
		log.Fatal().Err(err).Msg("Failed to register cache heartbeat")
	}
	if err := sched.AddJob(cfg.HeartbeatSchedule, storeHeartbeat); err != nil {
		log.Fatal().Err(err).Msg("Failed to register store heartbeat")
	}
	if err := sched.AddJob("@daily", reliability.NewMaintenanceJob(db, cfg.DataDir, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register maintenance job")
	}

	if cfg.Backup != nil {
		storeClient, err := reliability.NewObjectStoreClient(context.Background(), cfg.Backup, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize backup client")
		}
		backupJob := reliability.NewBackupJob(db, storeClient, cfg.DataDir, cfg.Backup.Keep, log)
		if err := sched.AddJob(cfg.Backup.Schedule, backupJob); err != nil {
			log.Fatal().Err(err).Msg("Failed to register backup job")
		}
	}

	// Start the pipeline back to front: consumer before buffer so a drain
	// is ready when the first batch lands.
	if err := consumer.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start stream consumer")
	}
	buffer.Start()
	snapshotter.Start()
	sched.Start()

	srv := server.New(server.Config{
		Log:         log,
		Port:        cfg.Port,
		DevMode:     cfg.DevMode,
		BoardKey:    cfg.BoardKey,
		DataDir:     cfg.DataDir,
		Buffer:      buffer,
		Query:       queryService,
		Repo:        repo,
		Hub:         hub,
		Stream:      stream,
		Consumer:    consumer,
		DB:          db,
		Pools:       pools,
		CacheHealth: cacheHealth,
		StoreHealth: storeHealth,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Stop accepting new work first, then drain each stage in order.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	snapshotter.Stop()
	hub.Close()
	buffer.Stop()
	consumer.Stop()
	sched.Stop()
	bus.Close()

	log.Info().Msg("Leaderboard service stopped")
}
