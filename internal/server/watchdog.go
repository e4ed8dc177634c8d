package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/labscan/labscan/internal/common/clock"
	"github.com/labscan/labscan/internal/common/logger"
)

const watchdogInterval = 5 * time.Second

// Watchdog flips devices offline when their last_seen falls strictly behind
// the heartbeat timeout. Outbound queues stay installed; the session's own
// teardown reconciles them when the dead socket is noticed.
type Watchdog struct {
	store   *Store
	emitter *Emitter
	persist Persister // nil when persistence is disabled
	log     *logger.Logger
}

// NewWatchdog builds a watchdog. persist may be nil.
func NewWatchdog(store *Store, emitter *Emitter, persist Persister, log *logger.Logger) *Watchdog {
	return &Watchdog{
		store:   store,
		emitter: emitter,
		persist: persist,
		log:     log.WithFields(zap.String("component", "watchdog")),
	}
}

// Run ticks every 5 seconds until the context is canceled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// Sweep performs one stale-device pass.
func (w *Watchdog) Sweep() {
	now := clock.NowMS()
	flipped := w.store.SweepStale(now)
	for _, dev := range flipped {
		w.log.Warn("agent heartbeat timed out", zap.String("agent_id", dev.AgentID))
		w.emitter.Log(LevelWarn, dev.AgentID, fmt.Sprintf("agent %s timed out", dev.Hostname))
		w.emitter.DeviceUpsert(dev, true)
		w.emitter.Activity(ActivityDeviceDisconnected, dev.AgentID, fmt.Sprintf("%s disconnected", dev.Hostname))
		if w.persist != nil {
			w.persist.MarkOffline(dev.AgentID, now)
		}
	}
	if len(flipped) > 0 {
		// one rebuild covers every device flipped in this pass
		w.emitter.RefreshTopology()
	}
}
