package broadcast

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pms/leaderboard/internal/bulkhead"
	"github.com/pms/leaderboard/internal/query"
)

// SnapshotSource produces the top-of-board payload sent to subscribers.
type SnapshotSource interface {
	TopN(ctx context.Context, n int) (*query.TopResponse, error)
}

// Snapshotter periodically reads the top of the board and broadcasts it.
// Sends go through the realtime bulkhead; when that is saturated the tick
// is skipped, since a fresher snapshot is already on the way.
type Snapshotter struct {
	hub      *Hub
	source   SnapshotSource
	pool     *bulkhead.Pool
	interval time.Duration
	topN     int
	stop     chan struct{}
	stopped  chan struct{}
	log      zerolog.Logger
}

// NewSnapshotter creates a snapshot publisher.
func NewSnapshotter(hub *Hub, source SnapshotSource, pool *bulkhead.Pool, interval time.Duration, topN int, log zerolog.Logger) *Snapshotter {
	return &Snapshotter{
		hub:      hub,
		source:   source,
		pool:     pool,
		interval: interval,
		topN:     topN,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		log:      log.With().Str("component", "snapshotter").Logger(),
	}
}

// Start launches the broadcast loop.
func (s *Snapshotter) Start() {
	go s.run()
}

// Stop halts the broadcast loop.
func (s *Snapshotter) Stop() {
	close(s.stop)
	<-s.stopped
}

func (s *Snapshotter) run() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		if s.hub.ClientCount() == 0 {
			continue
		}
		s.tick()
	}
}

func (s *Snapshotter) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	resp, err := s.source.TopN(ctx, s.topN)
	if err != nil {
		// Degraded reads just skip the tick; clients keep the last
		// snapshot until service recovers.
		s.log.Debug().Err(err).Msg("Snapshot read failed")
		return
	}
	resp.Event = "leaderboardSnapshot"

	send := func() { s.hub.Broadcast(resp) }
	if s.pool == nil {
		send()
		return
	}
	if err := s.pool.Submit(send); err != nil {
		s.log.Debug().Msg("Realtime pool saturated, snapshot skipped")
	}
}
