package server

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/labscan/labscan/internal/common/clock"
	apperrors "github.com/labscan/labscan/internal/common/errors"
	"github.com/labscan/labscan/internal/common/logger"
	"github.com/labscan/labscan/pkg/wire"
)

// Coordinator creates task records and pushes dispatch frames onto the
// assigned agents' outbound queues. Results flow back through the session
// handler into the store.
type Coordinator struct {
	store   *Store
	emitter *Emitter
	log     *logger.Logger
}

// NewCoordinator builds a task coordinator.
func NewCoordinator(store *Store, emitter *Emitter, log *logger.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		emitter: emitter,
		log:     log.WithFields(zap.String("component", "tasks")),
	}
}

func validTaskKind(kind string) bool {
	switch kind {
	case TaskKindPing, TaskKindPortScan, TaskKindARPSnapshot:
		return true
	}
	return false
}

// Dispatch validates the request, records the task, and delivers the frame
// to every assigned agent that currently has a session. The task moves to
// running as soon as at least one delivery succeeds; with no connected
// agents it stays queued.
func (c *Coordinator) Dispatch(agents []string, kind string, params json.RawMessage) (TaskRecord, error) {
	if len(agents) == 0 {
		return TaskRecord{}, apperrors.InvalidCommand("at least one agent is required")
	}
	if !validTaskKind(kind) {
		return TaskRecord{}, apperrors.InvalidCommand("unsupported task kind")
	}

	now := clock.NowMS()
	task := c.store.AddTask(&TaskRecord{
		TaskID:         clock.NewID(),
		Kind:           kind,
		Params:         params,
		AssignedAgents: append([]string(nil), agents...),
		Status:         TaskQueued,
		CreatedAt:      now,
		Results:        []TaskResult{},
	})

	frame, err := wire.NewMessage(wire.TypeTask, now, "", wire.TaskDispatchPayload{
		TaskID: task.TaskID,
		Kind:   kind,
		Params: params,
	})
	delivered := 0
	if err == nil {
		raw, _ := json.Marshal(frame)
		for _, agentID := range agents {
			queue, ok := c.store.Conn(agentID)
			if !ok {
				c.log.Warn("agent not connected, skipping delivery",
					zap.String("task_id", task.TaskID), zap.String("agent_id", agentID))
				continue
			}
			queue.Push(raw)
			delivered++
		}
	}

	if delivered > 0 {
		if running, ok := c.store.MarkTaskRunning(task.TaskID, clock.NowMS()); ok {
			task = running
		}
	}

	c.log.Info("task dispatched",
		zap.String("task_id", task.TaskID),
		zap.String("kind", kind),
		zap.Int("assigned", len(agents)),
		zap.Int("delivered", delivered))
	c.emitter.Log(LevelInfo, "", fmt.Sprintf("task %s (%s) dispatched to %d agent(s)", task.TaskID, kind, len(agents)))
	c.emitter.TaskUpdate(task)
	c.emitter.Activity(ActivityTaskStarted, "", fmt.Sprintf("%s task started", kind))

	return task, nil
}
