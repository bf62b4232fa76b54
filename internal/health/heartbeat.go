package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const heartbeatTimeout = 2 * time.Second

// PingFunc actively probes a dependency.
type PingFunc func(ctx context.Context) error

// HeartbeatJob periodically probes one dependency and drives its monitor.
// It satisfies the scheduler's Job interface.
type HeartbeatJob struct {
	name    string
	monitor *Monitor
	ping    PingFunc
	log     zerolog.Logger
}

// NewHeartbeatJob creates a heartbeat job for a dependency.
func NewHeartbeatJob(name string, monitor *Monitor, ping PingFunc, log zerolog.Logger) *HeartbeatJob {
	return &HeartbeatJob{
		name:    name,
		monitor: monitor,
		ping:    ping,
		log:     log.With().Str("component", "heartbeat").Str("dependency", name).Logger(),
	}
}

// Name returns the job name.
func (j *HeartbeatJob) Name() string {
	return j.name + "_heartbeat"
}

// Run probes the dependency once and flips the monitor accordingly.
func (j *HeartbeatJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), heartbeatTimeout)
	defer cancel()

	if err := j.ping(ctx); err != nil {
		j.log.Debug().Err(err).Msg("Heartbeat probe failed")
		j.monitor.Down(err.Error())
		return err
	}

	j.monitor.Up()
	return nil
}
