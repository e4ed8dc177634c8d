package server

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labscan/labscan/pkg/wire"
)

func boolPtr(v bool) *bool { return &v }

func registerPayload(agentID, hostname string) *wire.RegisterPayload {
	return &wire.RegisterPayload{
		AgentID:  agentID,
		Hostname: hostname,
		IPs:      []string{"192.168.1.20"},
		OS:       "linux",
		Version:  "1.0.0",
	}
}

func TestStore_UpsertDeviceKeepsFirstSeenAndOrder(t *testing.T) {
	s := NewStore()

	d1, isNew := s.UpsertDevice(registerPayload("a1", "h1"), 1000)
	require.True(t, isNew)
	assert.Equal(t, int64(1000), d1.FirstSeen)
	assert.Equal(t, StatusOnline, d1.Status)

	s.UpsertDevice(registerPayload("a2", "h2"), 2000)

	// re-register keeps first_seen and does not duplicate the order slot
	d1b, isNew := s.UpsertDevice(registerPayload("a1", "h1-renamed"), 3000)
	require.False(t, isNew)
	assert.Equal(t, int64(1000), d1b.FirstSeen)
	assert.Equal(t, "h1-renamed", d1b.Hostname)

	devs := s.Devices()
	require.Len(t, devs, 2)
	assert.Equal(t, "a1", devs[0].AgentID)
	assert.Equal(t, "a2", devs[1].AgentID)
}

func TestStore_ApplyHeartbeatTransitions(t *testing.T) {
	s := NewStore()
	s.UpsertDevice(registerPayload("a1", "h1"), 1000)

	hb := &wire.HeartbeatPayload{
		Status:   "online",
		LastSeen: 0,
		Metrics: &wire.HeartbeatMetrics{
			InternetReachable: boolPtr(true),
			DNSOK:             boolPtr(true),
		},
	}
	dev, seeds, ok := s.ApplyHeartbeat("a1", hb, 2000)
	require.True(t, ok)
	assert.Equal(t, int64(2000), dev.LastSeen, "last_seen<=0 substitutes now")
	require.Len(t, seeds, 2, "first report of each signal is a transition")
	assert.Equal(t, int64(2000), dev.Health.InternetChangedAt)

	// same values again: no transitions, timestamps untouched
	dev, seeds, ok = s.ApplyHeartbeat("a1", hb, 3000)
	require.True(t, ok)
	assert.Empty(t, seeds)
	assert.Equal(t, int64(2000), dev.Health.InternetChangedAt)

	// internet drops
	hb2 := &wire.HeartbeatPayload{
		LastSeen: 3500,
		Metrics:  &wire.HeartbeatMetrics{InternetReachable: boolPtr(false)},
	}
	dev, seeds, ok = s.ApplyHeartbeat("a1", hb2, 4000)
	require.True(t, ok)
	assert.Equal(t, int64(3500), dev.LastSeen)
	require.Len(t, seeds, 1)
	assert.Equal(t, ActivityInternetStatusChanged, seeds[0].Kind)
	assert.Equal(t, int64(4000), dev.Health.InternetChangedAt)
}

func TestStore_ApplyHeartbeatUnknownAgent(t *testing.T) {
	s := NewStore()
	_, _, ok := s.ApplyHeartbeat("ghost", &wire.HeartbeatPayload{}, 1000)
	assert.False(t, ok)
}

func TestStore_SweepStaleStrictBoundary(t *testing.T) {
	s := NewStore()
	s.UpsertDevice(registerPayload("a1", "h1"), 1000)

	// exactly at the timeout: not stale (strict greater-than)
	flipped := s.SweepStale(1000 + heartbeatTimeoutMS)
	assert.Empty(t, flipped)

	flipped = s.SweepStale(1000 + heartbeatTimeoutMS + 1)
	require.Len(t, flipped, 1)
	assert.Equal(t, StatusOffline, flipped[0].Status)

	// already offline devices are skipped
	flipped = s.SweepStale(1000 + heartbeatTimeoutMS + 2)
	assert.Empty(t, flipped)
}

func TestStore_MarkOffline(t *testing.T) {
	s := NewStore()
	s.UpsertDevice(registerPayload("a1", "h1"), 1000)

	dev, changed, found := s.MarkOffline("a1", 5000)
	require.True(t, found)
	require.True(t, changed)
	assert.Equal(t, StatusOffline, dev.Status)
	assert.Equal(t, int64(5000), dev.LastSeen)

	// second flip keeps the record but reports nothing changed
	dev, changed, found = s.MarkOffline("a1", 6000)
	assert.True(t, found)
	assert.False(t, changed)
	assert.Equal(t, int64(5000), dev.LastSeen, "no-op flip does not bump last_seen")

	_, changed, found = s.MarkOffline("ghost", 6000)
	assert.False(t, found)
	assert.False(t, changed)
}

func TestStore_RotatePairToken(t *testing.T) {
	s := NewStore()
	old := s.PairToken()
	require.NotEmpty(t, old)
	rotated := s.RotatePairToken()
	assert.NotEqual(t, old, rotated)
	assert.Equal(t, rotated, s.PairToken())
}

func TestStore_ConnLifecycle(t *testing.T) {
	s := NewStore()
	q1 := newOutQueue()
	s.InstallConn("a1", q1)

	got, ok := s.Conn("a1")
	require.True(t, ok)
	assert.Same(t, q1, got)

	// a new session replaces and closes the old queue
	q2 := newOutQueue()
	s.InstallConn("a1", q2)
	assert.True(t, q1.Closed())

	// stale teardown must not evict the replacement queue
	assert.False(t, s.DropConn("a1", q1))
	_, ok = s.Conn("a1")
	assert.True(t, ok)

	assert.True(t, s.DropConn("a1", q2))
	_, ok = s.Conn("a1")
	assert.False(t, ok)
}

func TestStore_LogRingCapNewestFirst(t *testing.T) {
	s := NewStore()
	for i := 0; i < logRingCap+10; i++ {
		s.PushLog(LogEvent{ID: fmt.Sprintf("l%d", i), Level: LevelInfo, TS: int64(i)})
	}
	logs := s.Logs()
	require.Len(t, logs, logRingCap)
	assert.Equal(t, fmt.Sprintf("l%d", logRingCap+9), logs[0].ID)
}

func TestStore_RecordActivityCoalesceAndRateLimit(t *testing.T) {
	s := NewStore()

	ev, outcome := s.RecordActivity(ActivityDeviceConnected, "a1", "h1 connected", 1000)
	require.Equal(t, ActivityAppended, outcome)
	assert.Zero(t, ev.Count)

	// same kind+agent within the window coalesces into the newest entry
	ev, outcome = s.RecordActivity(ActivityDeviceConnected, "a1", "h1 connected", 2000)
	require.Equal(t, ActivityCoalesced, outcome)
	assert.Equal(t, 2, ev.Count)
	assert.Equal(t, int64(2000), ev.TS)

	ev, outcome = s.RecordActivity(ActivityDeviceConnected, "a1", "h1 connected", 3000)
	require.Equal(t, ActivityCoalesced, outcome)
	assert.Equal(t, 3, ev.Count)

	require.Len(t, s.Activity(), 1)

	// a different kind inside the 5s window is dropped
	_, outcome = s.RecordActivity(ActivityTaskStarted, "a1", "task", 4000)
	assert.Equal(t, ActivityDropped, outcome)

	// outside the window it lands
	_, outcome = s.RecordActivity(ActivityTaskStarted, "a1", "task", 3000+activityRateLimitMS)
	assert.Equal(t, ActivityAppended, outcome)
}

func TestStore_RecordActivityNoAgentBypassesRateLimit(t *testing.T) {
	s := NewStore()
	_, outcome := s.RecordActivity(ActivityTaskStarted, "", "task queued", 1000)
	require.Equal(t, ActivityAppended, outcome)
	_, outcome = s.RecordActivity(ActivityTaskCompleted, "", "task done", 1100)
	assert.Equal(t, ActivityAppended, outcome)
}

func TestStore_RecordActivityDedupeWindowExpires(t *testing.T) {
	s := NewStore()
	s.RecordActivity(ActivityDeviceConnected, "a1", "h1 connected", 1000)

	now := int64(1000) + activityDedupeWindowMS + 1
	ev, outcome := s.RecordActivity(ActivityDeviceConnected, "a1", "h1 connected", now)
	require.Equal(t, ActivityAppended, outcome, "stale newest entry never coalesces")
	assert.Zero(t, ev.Count)
	assert.Len(t, s.Activity(), 2)
}

func TestStore_ActivityRingCap(t *testing.T) {
	s := NewStore()
	for i := 0; i < activityRingCap+5; i++ {
		// no agent id so the rate limit does not interfere
		s.RecordActivity(ActivityTaskStarted, "", fmt.Sprintf("m%d", i), int64(i)*activityDedupeWindowMS*2)
	}
	assert.Len(t, s.Activity(), activityRingCap)
}

func TestStore_AllowUpsertEmitThrottle(t *testing.T) {
	s := NewStore()

	assert.True(t, s.AllowUpsertEmit("a1", 1000, false))
	assert.False(t, s.AllowUpsertEmit("a1", 1500, false))
	assert.True(t, s.AllowUpsertEmit("a1", 1000+upsertThrottleMS, false))

	// force always passes and resets the window
	assert.True(t, s.AllowUpsertEmit("a1", 2100, true))
	assert.False(t, s.AllowUpsertEmit("a1", 2200, false))

	// independent per agent
	assert.True(t, s.AllowUpsertEmit("a2", 2200, false))
}

func TestStore_TaskLifecycle(t *testing.T) {
	s := NewStore()
	s.AddTask(&TaskRecord{
		TaskID:         "t1",
		Kind:           TaskKindPing,
		AssignedAgents: []string{"a1", "a2"},
		Status:         TaskQueued,
		CreatedAt:      1000,
	})

	task, ok := s.MarkTaskRunning("t1", 1100)
	require.True(t, ok)
	assert.Equal(t, TaskRunning, task.Status)
	require.NotNil(t, task.StartedAt)

	_, ok = s.MarkTaskRunning("t1", 1200)
	assert.False(t, ok, "running tasks do not re-transition")

	task, ok = s.ApplyTaskResult("t1", TaskResult{AgentID: "a1", OK: true, TS: 1300}, 1300)
	require.True(t, ok)
	assert.Equal(t, TaskRunning, task.Status)

	// replacing a1's result does not complete the task
	task, ok = s.ApplyTaskResult("t1", TaskResult{AgentID: "a1", OK: false, Error: "boom", TS: 1400}, 1400)
	require.True(t, ok)
	require.Len(t, task.Results, 1)
	assert.False(t, task.Results[0].OK)

	task, ok = s.ApplyTaskResult("t1", TaskResult{AgentID: "a2", OK: true, TS: 1500}, 1500)
	require.True(t, ok)
	assert.Equal(t, TaskFailed, task.Status, "any failed result fails the task")
	require.NotNil(t, task.EndedAt)

	// terminal tasks ignore further results
	_, ok = s.ApplyTaskResult("t1", TaskResult{AgentID: "a1", OK: true, TS: 1600}, 1600)
	assert.False(t, ok)
}

func TestStore_TaskResultUnassignedAgentIgnored(t *testing.T) {
	s := NewStore()
	s.AddTask(&TaskRecord{
		TaskID:         "t1",
		Kind:           TaskKindPing,
		AssignedAgents: []string{"a1"},
		Status:         TaskQueued,
		CreatedAt:      1000,
	})
	_, ok := s.ApplyTaskResult("t1", TaskResult{AgentID: "intruder", OK: true, TS: 1100}, 1100)
	assert.False(t, ok)
}

func TestStore_TasksNewestFirst(t *testing.T) {
	s := NewStore()
	s.AddTask(&TaskRecord{TaskID: "t1", Kind: TaskKindPing, Status: TaskQueued, CreatedAt: 1000})
	s.AddTask(&TaskRecord{TaskID: "t2", Kind: TaskKindPing, Status: TaskQueued, CreatedAt: 2000})

	tasks := s.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "t2", tasks[0].TaskID)
}

func TestStore_TopologyRevisionMonotonic(t *testing.T) {
	s := NewStore()

	snap, changed := s.ReplaceTopologyIfChanged(nil, nil, "k1", 1000)
	require.True(t, changed)
	assert.Equal(t, int64(1), snap.Revision)

	// same key: no replacement, revision unchanged
	snap, changed = s.ReplaceTopologyIfChanged(nil, nil, "k1", 2000)
	assert.False(t, changed)
	assert.Equal(t, int64(1), snap.Revision)
	assert.Equal(t, int64(1000), snap.UpdatedAt)

	snap, changed = s.ReplaceTopologyIfChanged(nil, nil, "k2", 3000)
	require.True(t, changed)
	assert.Equal(t, int64(2), snap.Revision)
}

func TestStore_SetOnlineIdempotent(t *testing.T) {
	s := NewStore()
	assert.True(t, s.SetOnline(true))
	assert.False(t, s.SetOnline(true), "starting while online is a no-op")
	assert.True(t, s.SetOnline(false))
}
