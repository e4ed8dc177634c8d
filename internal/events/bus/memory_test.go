package bus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labscan/labscan/internal/common/logger"
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

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var received []*Event
	sub, err := b.Subscribe("ui.device_upsert", func(ctx context.Context, event *Event) error {
		received = append(received, event)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("device_upsert", "server", map[string]any{"agent_id": "a1"})
	require.NoError(t, b.Publish(context.Background(), "ui.device_upsert", event))

	require.Len(t, received, 1)
	assert.Equal(t, "device_upsert", received[0].Type)
}

func TestMemoryEventBus_WildcardSubject(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var subjects []string
	_, err := b.Subscribe("ui.>", func(ctx context.Context, event *Event) error {
		subjects = append(subjects, event.Type)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "ui.server_status", NewEvent("server_status", "server", nil)))
	require.NoError(t, b.Publish(ctx, "ui.task_update", NewEvent("task_update", "server", nil)))
	require.NoError(t, b.Publish(ctx, "other.subject", NewEvent("other", "server", nil)))

	assert.Equal(t, []string{"server_status", "task_update"}, subjects)
}

func TestMemoryEventBus_PublishOrderPreserved(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var mu sync.Mutex
	var order []string
	_, err := b.Subscribe("ui.log_event", func(ctx context.Context, event *Event) error {
		mu.Lock()
		order = append(order, event.ID)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	var want []string
	for i := 0; i < 20; i++ {
		ev := NewEvent("log_event", "server", nil)
		want = append(want, ev.ID)
		require.NoError(t, b.Publish(ctx, "ui.log_event", ev))
	}

	assert.Equal(t, want, order)
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	count := 0
	sub, err := b.Subscribe("ui.server_status", func(ctx context.Context, event *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "ui.server_status", NewEvent("server_status", "server", nil)))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, b.Publish(ctx, "ui.server_status", NewEvent("server_status", "server", nil)))

	assert.Equal(t, 1, count)
}

func TestMemoryEventBus_Close(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	require.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "ui.server_status", NewEvent("server_status", "server", nil))
	assert.Error(t, err)
}
