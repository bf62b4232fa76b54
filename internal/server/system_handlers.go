package server

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/pms/leaderboard/internal/bulkhead"
	"github.com/pms/leaderboard/internal/database"
	"github.com/pms/leaderboard/internal/health"
	"github.com/pms/leaderboard/internal/ingest"
	"github.com/pms/leaderboard/internal/wal"
)

// SystemHandlers serves monitoring endpoints: liveness, dependency health,
// pipeline depths and host resource usage.
type SystemHandlers struct {
	log         zerolog.Logger
	dataDir     string
	startupTime time.Time
	db          *database.DB
	cacheHealth *health.Monitor
	storeHealth *health.Monitor
	buffer      *ingest.Buffer
	pools       *bulkhead.Pools
	stream      *wal.Stream
	consumer    *wal.Consumer
}

// NewSystemHandlers creates the system handler set.
func NewSystemHandlers(log zerolog.Logger, dataDir string, db *database.DB, cacheHealth, storeHealth *health.Monitor, buffer *ingest.Buffer, pools *bulkhead.Pools, stream *wal.Stream, consumer *wal.Consumer) *SystemHandlers {
	return &SystemHandlers{
		log:         log.With().Str("component", "system_handlers").Logger(),
		dataDir:     dataDir,
		startupTime: time.Now(),
		db:          db,
		cacheHealth: cacheHealth,
		storeHealth: storeHealth,
		buffer:      buffer,
		pools:       pools,
		stream:      stream,
		consumer:    consumer,
	}
}

// HandleHealth is the liveness probe.
// GET /api/health
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(h.log, w, map[string]interface{}{
		"status": "ok",
		"cache":  h.cacheHealth.Status(),
		"store":  h.storeHealth.Status(),
	})
}

// HandleSystemStatus reports the full operational picture.
// GET /api/system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, ramPercent := h.getSystemStats()

	status := map[string]interface{}{
		"uptime_seconds": int64(time.Since(h.startupTime).Seconds()),
		"cpu_percent":    cpuPercent,
		"ram_percent":    ramPercent,
		"store_size_mb":  h.storeSizeMB(),
		"dependencies": map[string]string{
			"cache": h.cacheHealth.Status(),
			"store": h.storeHealth.Status(),
		},
	}

	if h.buffer != nil {
		status["buffer_depth"] = h.buffer.Len()
	}
	if h.pools != nil {
		status["pools"] = map[string]int{
			"realtime": h.pools.Realtime.QueueDepth(),
			"cache_io": h.pools.CacheIO.QueueDepth(),
			"compute":  h.pools.Compute.QueueDepth(),
			"store_io": h.pools.StoreIO.QueueDepth(),
		}
	}
	if h.consumer != nil {
		status["consumer_paused"] = h.consumer.Paused()
	}
	if h.stream != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if main, retry, dead, err := h.stream.Depths(ctx); err == nil {
			status["stream"] = map[string]int64{
				"main":        main,
				"retry":       retry,
				"dead_letter": dead,
			}
		}
	}

	writeJSON(h.log, w, status)
}

// getSystemStats calculates CPU and RAM usage percentages.
// Uses a 100ms sampling interval so the status call stays fast.
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}

// storeSizeMB reports the size of the store file on disk.
func (h *SystemHandlers) storeSizeMB() float64 {
	if h.db == nil {
		return 0
	}
	var total int64
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if info, err := os.Stat(h.db.Path() + suffix); err == nil {
			total += info.Size()
		}
	}
	return float64(total) / 1024 / 1024
}
