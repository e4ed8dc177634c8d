package server

import (
	"sync"

	"github.com/labscan/labscan/internal/common/clock"
	"github.com/labscan/labscan/internal/topology"
	"github.com/labscan/labscan/pkg/wire"
)

// Fixed behavioral constants. These are protocol/UX decisions, not tuning
// knobs, so they are not exposed through configuration.
const (
	logRingCap             = 400
	activityRingCap        = 200
	heartbeatTimeoutMS     = 25000
	upsertThrottleMS       = 1000
	activityRateLimitMS    = 5000
	activityDedupeWindowMS = 30000
)

// ActivityOutcome reports how the store handled a recorded activity event.
type ActivityOutcome int

const (
	ActivityAppended ActivityOutcome = iota
	ActivityCoalesced
	ActivityDropped
)

// ActivitySeed is an activity event a mutation wants emitted. Seeds are
// returned from store mutators so the caller can emit them after the lock
// is released.
type ActivitySeed struct {
	Kind    string
	AgentID string
	Message string
}

// Store holds all mutable server state behind a single mutex. Methods never
// hold the mutex across channel sends or bus publishes; they mutate, copy
// what the caller needs, and release.
type Store struct {
	mu sync.Mutex

	online    bool
	pairToken string

	devices     map[string]*DeviceRecord
	deviceOrder []string
	conns       map[string]*outQueue
	tasks       map[string]*TaskRecord
	taskOrder   []string

	logs     []LogEvent      // newest first
	activity []ActivityEvent // newest first

	lastUpsertEmit   map[string]int64
	lastActivityEmit map[string]int64

	admin   topology.AdminFacts
	topo    *topology.Snapshot
	topoKey string
}

// NewStore builds an empty store with a fresh pair token.
func NewStore() *Store {
	return &Store{
		pairToken:        clock.NewID(),
		devices:          map[string]*DeviceRecord{},
		conns:            map[string]*outQueue{},
		tasks:            map[string]*TaskRecord{},
		lastUpsertEmit:   map[string]int64{},
		lastActivityEmit: map[string]int64{},
	}
}

// SetOnline flips the runtime online flag. Returns false when the flag
// already had the requested value (startup idempotence).
func (s *Store) SetOnline(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return false
	}
	s.online = online
	return true
}

// Online reports the runtime online flag.
func (s *Store) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// PairToken returns the current shared secret.
func (s *Store) PairToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairToken
}

// RotatePairToken replaces the shared secret and returns the new value.
// Established sessions are not evicted; the new token gates future
// registrations only.
func (s *Store) RotatePairToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairToken = clock.NewID()
	return s.pairToken
}

// SetAdminFacts records the admin host's own network facts, probed once at
// startup.
func (s *Store) SetAdminFacts(facts topology.AdminFacts) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admin = facts
}

// AdminFacts returns the admin host's network facts.
func (s *Store) AdminFacts() topology.AdminFacts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admin
}

// UpsertDevice applies a register payload. New agents are appended to the
// insertion order; re-registers keep first_seen and the original slot.
func (s *Store) UpsertDevice(reg *wire.RegisterPayload, now int64) (DeviceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[reg.AgentID]
	isNew := !ok
	if isNew {
		dev = &DeviceRecord{AgentID: reg.AgentID, FirstSeen: now}
		s.devices[reg.AgentID] = dev
		s.deviceOrder = append(s.deviceOrder, reg.AgentID)
	}
	dev.Hostname = reg.Hostname
	dev.IPs = append([]string(nil), reg.IPs...)
	dev.OS = reg.OS
	dev.Arch = reg.Arch
	dev.Version = reg.Version
	dev.Status = StatusOnline
	dev.LastSeen = now
	if reg.Network != nil {
		facts := *reg.Network
		dev.Network = &facts
	}
	return cloneDevice(dev), isNew
}

// InstallConn registers an agent's outbound queue, closing any queue a prior
// session left behind.
func (s *Store) InstallConn(agentID string, q *outQueue) {
	s.mu.Lock()
	prior := s.conns[agentID]
	s.conns[agentID] = q
	s.mu.Unlock()
	if prior != nil && prior != q {
		prior.Close()
	}
}

// Conn returns the agent's outbound queue, if connected.
func (s *Store) Conn(agentID string) (*outQueue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.conns[agentID]
	return q, ok
}

// DropConn removes the agent's queue if it is still the given one. A newer
// session may have replaced it; that session's queue must survive.
func (s *Store) DropConn(agentID string, q *outQueue) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.conns[agentID]
	if !ok || (q != nil && cur != q) {
		return false
	}
	delete(s.conns, agentID)
	return true
}

// ApplyHeartbeat updates a device from a heartbeat payload and returns the
// updated copy plus activity seeds for any status or health transitions.
// Unknown agents return ok=false.
func (s *Store) ApplyHeartbeat(agentID string, hb *wire.HeartbeatPayload, now int64) (DeviceRecord, []ActivitySeed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[agentID]
	if !ok {
		return DeviceRecord{}, nil, false
	}

	var seeds []ActivitySeed

	lastSeen := hb.LastSeen
	if lastSeen <= 0 {
		lastSeen = now
	}
	dev.LastSeen = lastSeen

	if hb.Status != "" && hb.Status != dev.Status {
		seeds = append(seeds, ActivitySeed{
			Kind:    ActivityDeviceStatusChanged,
			AgentID: agentID,
			Message: dev.Hostname + " is now " + hb.Status,
		})
		dev.Status = hb.Status
	}

	if m := hb.Metrics; m != nil {
		if m.LatencyMS != nil {
			v := *m.LatencyMS
			dev.LatencyMS = &v
		}
		if m.InternetReachable != nil {
			if dev.Health.InternetReachable == nil || *dev.Health.InternetReachable != *m.InternetReachable {
				dev.Health.InternetChangedAt = now
				seeds = append(seeds, ActivitySeed{
					Kind:    ActivityInternetStatusChanged,
					AgentID: agentID,
					Message: dev.Hostname + " internet " + upDown(*m.InternetReachable),
				})
			}
			v := *m.InternetReachable
			dev.Health.InternetReachable = &v
		}
		if m.DNSOK != nil {
			if dev.Health.DNSOK == nil || *dev.Health.DNSOK != *m.DNSOK {
				dev.Health.DNSChangedAt = now
				seeds = append(seeds, ActivitySeed{
					Kind:    ActivityDNSStatusChanged,
					AgentID: agentID,
					Message: dev.Hostname + " dns " + okFailed(*m.DNSOK),
				})
			}
			v := *m.DNSOK
			dev.Health.DNSOK = &v
		}
		if m.GatewayReachable != nil {
			if dev.Health.GatewayReachable == nil || *dev.Health.GatewayReachable != *m.GatewayReachable {
				dev.Health.GatewayChangedAt = now
			}
			v := *m.GatewayReachable
			dev.Health.GatewayReachable = &v
		}
	}

	if hb.Network != nil {
		facts := *hb.Network
		dev.Network = &facts
	}

	return cloneDevice(dev), seeds, true
}

// MarkOffline flips a device offline and bumps last_seen. found reports
// whether a record exists at all; changed is false when the device was
// already offline, in which case the record is returned untouched.
func (s *Store) MarkOffline(agentID string, now int64) (dev DeviceRecord, changed, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.devices[agentID]
	if !ok {
		return DeviceRecord{}, false, false
	}
	if rec.Status == StatusOffline {
		return cloneDevice(rec), false, true
	}
	rec.Status = StatusOffline
	rec.LastSeen = now
	return cloneDevice(rec), true, true
}

// SweepStale flips devices whose last_seen is strictly older than the
// heartbeat timeout. Outbound queues are not touched here; queue removal
// belongs to session teardown.
func (s *Store) SweepStale(now int64) []DeviceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var flipped []DeviceRecord
	for _, id := range s.deviceOrder {
		dev := s.devices[id]
		if dev.Status == StatusOffline {
			continue
		}
		if dev.LastSeen+heartbeatTimeoutMS < now {
			dev.Status = StatusOffline
			flipped = append(flipped, cloneDevice(dev))
		}
	}
	return flipped
}

// Device returns a copy of one device record.
func (s *Store) Device(agentID string) (DeviceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[agentID]
	if !ok {
		return DeviceRecord{}, false
	}
	return cloneDevice(dev), true
}

// Devices returns copies of all device records in first-register order.
func (s *Store) Devices() []DeviceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeviceRecord, 0, len(s.deviceOrder))
	for _, id := range s.deviceOrder {
		out = append(out, cloneDevice(s.devices[id]))
	}
	return out
}

// TopologyInputs derives the builder inputs from the current device records,
// in insertion order.
func (s *Store) TopologyInputs() ([]topology.DeviceFacts, topology.AdminFacts) {
	s.mu.Lock()
	defer s.mu.Unlock()
	facts := make([]topology.DeviceFacts, 0, len(s.deviceOrder))
	for _, id := range s.deviceOrder {
		dev := s.devices[id]
		f := topology.DeviceFacts{AgentID: dev.AgentID, Hostname: dev.Hostname}
		if dev.Network != nil {
			f.IP = dev.Network.IP
			f.SubnetCIDR = dev.Network.SubnetCIDR
			f.GatewayIP = dev.Network.DefaultGatewayIP
		}
		if f.IP == "" && len(dev.IPs) > 0 {
			f.IP = dev.IPs[0]
		}
		facts = append(facts, f)
	}
	return facts, s.admin
}

// ReplaceTopologyIfChanged installs a new snapshot when the structural key
// differs from the current one, bumping the revision. Returns the snapshot
// copy and whether it changed.
func (s *Store) ReplaceTopologyIfChanged(nodes []topology.Node, edges []topology.Edge, key string, now int64) (topology.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topo != nil && key == s.topoKey {
		return cloneTopology(s.topo), false
	}
	var rev int64 = 1
	if s.topo != nil {
		rev = s.topo.Revision + 1
	}
	s.topo = &topology.Snapshot{Revision: rev, UpdatedAt: now, Nodes: nodes, Edges: edges}
	s.topoKey = key
	return cloneTopology(s.topo), true
}

// Topology returns the current snapshot, or ok=false before the first build.
func (s *Store) Topology() (topology.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topo == nil {
		return topology.Snapshot{}, false
	}
	return cloneTopology(s.topo), true
}

// AddTask stores a new task record.
func (s *Store) AddTask(task *TaskRecord) TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TaskID] = task
	s.taskOrder = append(s.taskOrder, task.TaskID)
	return cloneTask(task)
}

// Task returns a copy of one task record.
func (s *Store) Task(taskID string) (TaskRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return TaskRecord{}, false
	}
	return cloneTask(task), true
}

// Tasks returns copies of all task records, newest first.
func (s *Store) Tasks() []TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskRecord, 0, len(s.taskOrder))
	for i := len(s.taskOrder) - 1; i >= 0; i-- {
		out = append(out, cloneTask(s.tasks[s.taskOrder[i]]))
	}
	return out
}

// MarkTaskRunning transitions a queued task to running.
func (s *Store) MarkTaskRunning(taskID string, now int64) (TaskRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok || task.Status != TaskQueued {
		return TaskRecord{}, false
	}
	task.Status = TaskRunning
	started := now
	task.StartedAt = &started
	return cloneTask(task), true
}

// ApplyTaskResult records one agent's result, replacing any earlier result
// from the same agent. When every assigned agent has reported, the task goes
// terminal: done iff all results are ok, failed otherwise. Results for
// unknown tasks, unassigned agents, or terminal tasks are ignored.
func (s *Store) ApplyTaskResult(taskID string, res TaskResult, now int64) (TaskRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || task.Terminal() {
		return TaskRecord{}, false
	}
	assigned := false
	for _, id := range task.AssignedAgents {
		if id == res.AgentID {
			assigned = true
			break
		}
	}
	if !assigned {
		return TaskRecord{}, false
	}

	replaced := false
	for i := range task.Results {
		if task.Results[i].AgentID == res.AgentID {
			task.Results[i] = res
			replaced = true
			break
		}
	}
	if !replaced {
		task.Results = append(task.Results, res)
	}

	if len(task.Results) == len(task.AssignedAgents) {
		allOK := true
		for _, r := range task.Results {
			if !r.OK {
				allOK = false
				break
			}
		}
		if allOK {
			task.Status = TaskDone
		} else {
			task.Status = TaskFailed
		}
		ended := now
		task.EndedAt = &ended
	}
	return cloneTask(task), true
}

// PushLog prepends a log event to the ring.
func (s *Store) PushLog(ev LogEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append([]LogEvent{ev}, s.logs...)
	if len(s.logs) > logRingCap {
		s.logs = s.logs[:logRingCap]
	}
}

// Logs returns a copy of the log ring, newest first.
func (s *Store) Logs() []LogEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogEvent(nil), s.logs...)
}

// RecordActivity applies the coalesce and rate-limit rules and updates the
// activity ring. Coalescing matches the newest entry only, on kind and agent,
// within the dedupe window; a coalesce bumps the count and timestamp in
// place. Non-coalesced events from an agent inside its rate-limit window are
// dropped. Events without an agent id bypass the rate limit.
func (s *Store) RecordActivity(kind, agentID, message string, now int64) (ActivityEvent, ActivityOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.activity) > 0 {
		newest := &s.activity[0]
		if newest.Kind == kind && newest.AgentID == agentID && now-newest.TS <= activityDedupeWindowMS {
			if newest.Count == 0 {
				newest.Count = 2
			} else {
				newest.Count++
			}
			newest.TS = now
			newest.Message = message
			if agentID != "" {
				s.lastActivityEmit[agentID] = now
			}
			return *newest, ActivityCoalesced
		}
	}

	if agentID != "" {
		if last, ok := s.lastActivityEmit[agentID]; ok && now-last < activityRateLimitMS {
			return ActivityEvent{}, ActivityDropped
		}
		s.lastActivityEmit[agentID] = now
	}

	ev := ActivityEvent{
		ID:      clock.NewID(),
		Kind:    kind,
		AgentID: agentID,
		Message: message,
		TS:      now,
	}
	s.activity = append([]ActivityEvent{ev}, s.activity...)
	if len(s.activity) > activityRingCap {
		s.activity = s.activity[:activityRingCap]
	}
	return ev, ActivityAppended
}

// Activity returns a copy of the activity ring, newest first.
func (s *Store) Activity() []ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ActivityEvent(nil), s.activity...)
}

// AllowUpsertEmit checks and advances the per-agent device_upsert throttle.
// Forced emits always pass and reset the window.
func (s *Store) AllowUpsertEmit(agentID string, now int64, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !force {
		if last, ok := s.lastUpsertEmit[agentID]; ok && now-last < upsertThrottleMS {
			return false
		}
	}
	s.lastUpsertEmit[agentID] = now
	return true
}

func cloneDevice(dev *DeviceRecord) DeviceRecord {
	out := *dev
	out.IPs = append([]string(nil), dev.IPs...)
	if dev.LatencyMS != nil {
		v := *dev.LatencyMS
		out.LatencyMS = &v
	}
	out.Health = cloneHealth(dev.Health)
	if dev.Network != nil {
		facts := *dev.Network
		facts.ARPSnapshot = append([]wire.ARPEntry(nil), dev.Network.ARPSnapshot...)
		out.Network = &facts
	}
	return out
}

func cloneHealth(h Health) Health {
	out := h
	if h.InternetReachable != nil {
		v := *h.InternetReachable
		out.InternetReachable = &v
	}
	if h.DNSOK != nil {
		v := *h.DNSOK
		out.DNSOK = &v
	}
	if h.GatewayReachable != nil {
		v := *h.GatewayReachable
		out.GatewayReachable = &v
	}
	return out
}

func cloneTask(task *TaskRecord) TaskRecord {
	out := *task
	out.AssignedAgents = append([]string(nil), task.AssignedAgents...)
	out.Results = append([]TaskResult(nil), task.Results...)
	if task.StartedAt != nil {
		v := *task.StartedAt
		out.StartedAt = &v
	}
	if task.EndedAt != nil {
		v := *task.EndedAt
		out.EndedAt = &v
	}
	return out
}

func cloneTopology(snap *topology.Snapshot) topology.Snapshot {
	out := *snap
	out.Nodes = append([]topology.Node(nil), snap.Nodes...)
	out.Edges = append([]topology.Edge(nil), snap.Edges...)
	return out
}

func upDown(up bool) string {
	if up {
		return "restored"
	}
	return "lost"
}

func okFailed(ok bool) string {
	if ok {
		return "resolution restored"
	}
	return "resolution failing"
}
