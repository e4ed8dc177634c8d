package server

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labscan/labscan/internal/common/logger"
	"github.com/labscan/labscan/internal/events/bus"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

// capture records every ui.* event published on the bus. The in-memory bus
// dispatches synchronously, so events are visible as soon as the emitter
// call returns.
type capture struct {
	mu     sync.Mutex
	events []*bus.Event
}

func newCapture(t *testing.T, b bus.EventBus) *capture {
	c := &capture{}
	_, err := b.Subscribe("ui.>", func(ctx context.Context, event *bus.Event) error {
		c.mu.Lock()
		c.events = append(c.events, event)
		c.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return c
}

func (c *capture) byType(eventType string) []*bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*bus.Event
	for _, ev := range c.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (c *capture) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

func newTestEmitter(t *testing.T) (*Store, *Emitter, *capture) {
	log := newTestLogger(t)
	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	store := NewStore()
	return store, NewEmitter(store, b, log), newCapture(t, b)
}

func TestEmitter_DeviceUpsertThrottleAndPiggyback(t *testing.T) {
	store, emitter, cap := newTestEmitter(t)
	dev, _ := store.UpsertDevice(registerPayload("a1", "h1"), 1000)

	emitter.DeviceUpsert(dev, false)
	require.Len(t, cap.byType(EventDeviceUpsert), 1)
	require.Len(t, cap.byType(EventDevicesSnapshot), 1, "snapshot piggybacks each upsert")

	// inside the 1s window: suppressed entirely
	emitter.DeviceUpsert(dev, false)
	assert.Len(t, cap.byType(EventDeviceUpsert), 1)
	assert.Len(t, cap.byType(EventDevicesSnapshot), 1)

	// force bypasses the throttle
	emitter.DeviceUpsert(dev, true)
	assert.Len(t, cap.byType(EventDeviceUpsert), 2)
	assert.Len(t, cap.byType(EventDevicesSnapshot), 2)
}

func TestEmitter_DeviceRemove(t *testing.T) {
	_, emitter, cap := newTestEmitter(t)
	emitter.DeviceRemove("ghost")
	require.Len(t, cap.byType(EventDeviceRemove), 1)
	assert.Len(t, cap.byType(EventDevicesSnapshot), 1)
}

func TestEmitter_LogFillsRingAndPublishes(t *testing.T) {
	store, emitter, cap := newTestEmitter(t)
	emitter.Log(LevelInfo, "a1", "hello")

	require.Len(t, cap.byType(EventLog), 1)
	logs := store.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "hello", logs[0].Message)
	assert.Equal(t, "a1", logs[0].AgentID)
}

func TestEmitter_ActivityCoalesceRepublishesCount(t *testing.T) {
	store, emitter, cap := newTestEmitter(t)

	emitter.Activity(ActivityDeviceConnected, "a1", "h1 connected")
	emitter.Activity(ActivityDeviceConnected, "a1", "h1 connected")

	events := cap.byType(EventActivity)
	require.Len(t, events, 2, "coalesced entries are re-broadcast")
	entry, ok := events[1].Data.(ActivityEvent)
	require.True(t, ok)
	assert.Equal(t, 2, entry.Count)
	assert.Len(t, store.Activity(), 1)

	// a different kind from the same agent inside 5s is dropped silently
	emitter.Activity(ActivityTaskStarted, "a1", "task")
	assert.Len(t, cap.byType(EventActivity), 2)
}

func TestEmitter_TopologySuppressedOnSameKey(t *testing.T) {
	store, emitter, cap := newTestEmitter(t)
	store.UpsertDevice(registerPayload("a1", "h1"), 1000)

	emitter.RefreshTopology()
	require.Len(t, cap.byType(EventTopologySnapshot), 1)
	require.Len(t, cap.byType(EventTopologyChanged), 1)

	cap.reset()
	// unrelated rebuild: key unchanged, nothing published
	emitter.RefreshTopology()
	assert.Empty(t, cap.byType(EventTopologySnapshot))
	assert.Empty(t, cap.byType(EventTopologyChanged))

	// a new device changes the key and bumps the revision
	store.UpsertDevice(registerPayload("a2", "h2"), 2000)
	emitter.RefreshTopology()
	require.Len(t, cap.byType(EventTopologyChanged), 1)
	snap, ok := store.Topology()
	require.True(t, ok)
	assert.Equal(t, int64(2), snap.Revision)
}

func TestEmitter_ServerStatusAndTaskUpdate(t *testing.T) {
	_, emitter, cap := newTestEmitter(t)
	emitter.ServerStatus(ServerStatus{Online: true, PortWS: 8148, PortUDP: 8870})
	emitter.TaskUpdate(TaskRecord{TaskID: "t1", Status: TaskQueued})

	require.Len(t, cap.byType(EventServerStatus), 1)
	require.Len(t, cap.byType(EventTaskUpdate), 1)
}
