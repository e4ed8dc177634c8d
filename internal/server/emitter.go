package server

import (
	"context"

	"go.uber.org/zap"

	"github.com/labscan/labscan/internal/common/clock"
	"github.com/labscan/labscan/internal/common/logger"
	"github.com/labscan/labscan/internal/events/bus"
	"github.com/labscan/labscan/internal/topology"
)

const eventSource = "labscan-admin"

// Emitter publishes UI events on the bus, applying the throttle, coalesce,
// and topology-suppression rules. Publish failures are logged and swallowed;
// the UI stream is best-effort and server state is already committed by the
// time an emission happens.
type Emitter struct {
	store *Store
	bus   bus.EventBus
	log   *logger.Logger
}

// NewEmitter wires an emitter to the store and bus.
func NewEmitter(store *Store, eventBus bus.EventBus, log *logger.Logger) *Emitter {
	return &Emitter{
		store: store,
		bus:   eventBus,
		log:   log.WithFields(zap.String("component", "emitter")),
	}
}

func (e *Emitter) publish(eventName string, payload any) {
	ev := bus.NewEvent(eventName, eventSource, payload)
	if err := e.bus.Publish(context.Background(), "ui."+eventName, ev); err != nil {
		e.log.WithError(err).Warn("failed to publish ui event", zap.String("event", eventName))
	}
}

// ServerStatus broadcasts the server_status event.
func (e *Emitter) ServerStatus(status ServerStatus) {
	e.publish(EventServerStatus, status)
}

// DevicesSnapshot broadcasts the full device list.
func (e *Emitter) DevicesSnapshot() {
	e.publish(EventDevicesSnapshot, DevicesSnapshotEvent{Devices: e.store.Devices()})
}

// DeviceUpsert broadcasts one device's state, throttled to one emission per
// agent per second unless forced. Every upsert that passes the throttle also
// refreshes the full snapshot.
func (e *Emitter) DeviceUpsert(dev DeviceRecord, force bool) {
	if !e.store.AllowUpsertEmit(dev.AgentID, clock.NowMS(), force) {
		return
	}
	e.publish(EventDeviceUpsert, DeviceUpsertEvent{Device: dev})
	e.DevicesSnapshot()
}

// DeviceRemove broadcasts removal of an agent that never registered, plus a
// snapshot refresh.
func (e *Emitter) DeviceRemove(agentID string) {
	e.publish(EventDeviceRemove, DeviceRemoveEvent{AgentID: agentID})
	e.DevicesSnapshot()
}

// Log appends to the log ring and broadcasts the entry.
func (e *Emitter) Log(level, agentID, message string) {
	ev := LogEvent{
		ID:      clock.NewID(),
		Level:   level,
		AgentID: agentID,
		Message: message,
		TS:      clock.NowMS(),
	}
	e.store.PushLog(ev)
	e.publish(EventLog, ev)
}

// TaskUpdate broadcasts a task's current record.
func (e *Emitter) TaskUpdate(task TaskRecord) {
	e.publish(EventTaskUpdate, TaskUpdateEvent{Task: task})
}

// Activity records an activity event and broadcasts the resulting ring entry
// unless the rate limit dropped it. Coalesced entries are re-broadcast with
// their bumped count.
func (e *Emitter) Activity(kind, agentID, message string) {
	ev, outcome := e.store.RecordActivity(kind, agentID, message, clock.NowMS())
	if outcome == ActivityDropped {
		return
	}
	e.publish(EventActivity, ev)
}

// RefreshTopology rebuilds the graph from current device facts and, only
// when the structural key changed, installs the new snapshot and broadcasts
// topology_snapshot followed by topology_changed. Both carry the full
// snapshot.
func (e *Emitter) RefreshTopology() {
	devices, admin := e.store.TopologyInputs()
	nodes, edges := topology.Build(devices, admin)
	key := topology.Key(nodes, edges)
	snap, changed := e.store.ReplaceTopologyIfChanged(nodes, edges, key, clock.NowMS())
	if !changed {
		return
	}
	e.publish(EventTopologySnapshot, snap)
	e.publish(EventTopologyChanged, snap)
}
