package server

import (
	"encoding/json"

	"github.com/labscan/labscan/pkg/wire"
)

// Device status values the server assigns. Agents may report other free-form
// statuses in heartbeats; those are stored as-is.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Task status values.
const (
	TaskQueued  = "queued"
	TaskRunning = "running"
	TaskDone    = "done"
	TaskFailed  = "failed"
)

// Task kinds agents understand.
const (
	TaskKindPing        = "ping"
	TaskKindPortScan    = "port_scan"
	TaskKindARPSnapshot = "arp_snapshot"
)

// UI event names. These are part of the UI contract and must not change.
const (
	EventServerStatus     = "server_status"
	EventDevicesSnapshot  = "devices_snapshot"
	EventDeviceUpsert     = "device_upsert"
	EventDeviceRemove     = "device_remove"
	EventLog              = "log_event"
	EventTaskUpdate       = "task_update"
	EventActivity         = "activity_event"
	EventTopologySnapshot = "topology_snapshot"
	EventTopologyChanged  = "topology_changed"
)

// Activity kind tags.
const (
	ActivityDeviceConnected       = "device_connected"
	ActivityDeviceDisconnected    = "device_disconnected"
	ActivityDeviceStatusChanged   = "device_status_changed"
	ActivityInternetStatusChanged = "internet_status_changed"
	ActivityDNSStatusChanged      = "dns_status_changed"
	ActivityTaskStarted           = "task_started"
	ActivityTaskCompleted         = "task_completed"
	ActivityTaskFailed            = "task_failed"
)

// Log levels for the in-memory log ring.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Health is the device health triple with per-signal change timestamps.
// Pointer booleans distinguish "never reported" from false.
type Health struct {
	InternetReachable *bool `json:"internet_reachable,omitempty"`
	DNSOK             *bool `json:"dns_ok,omitempty"`
	GatewayReachable  *bool `json:"gateway_reachable,omitempty"`
	InternetChangedAt int64 `json:"internet_changed_at,omitempty"`
	DNSChangedAt      int64 `json:"dns_changed_at,omitempty"`
	GatewayChangedAt  int64 `json:"gateway_changed_at,omitempty"`
}

// DeviceRecord is the authoritative in-memory view of one agent. Records are
// created on first register and never removed; disconnects flip the status
// to offline instead.
type DeviceRecord struct {
	AgentID   string             `json:"agent_id"`
	Hostname  string             `json:"hostname"`
	IPs       []string           `json:"ips"`
	OS        string             `json:"os"`
	Arch      string             `json:"arch,omitempty"`
	Version   string             `json:"version"`
	Status    string             `json:"status"`
	LastSeen  int64              `json:"last_seen"`
	FirstSeen int64              `json:"first_seen"`
	Health    Health             `json:"health"`
	LatencyMS *int64             `json:"latency_ms,omitempty"`
	Network   *wire.NetworkFacts `json:"network,omitempty"`
}

// TaskResult is one agent's report for a task. A later report from the same
// agent replaces the earlier one.
type TaskResult struct {
	AgentID string          `json:"agent_id"`
	OK      bool            `json:"ok"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	TS      int64           `json:"ts"`
}

// TaskRecord tracks one dispatched task across its assigned agents. The
// assigned list is immutable after creation.
type TaskRecord struct {
	TaskID         string          `json:"task_id"`
	Kind           string          `json:"kind"`
	Params         json.RawMessage `json:"params,omitempty"`
	AssignedAgents []string        `json:"assigned_agents"`
	Status         string          `json:"status"`
	CreatedAt      int64           `json:"created_at"`
	StartedAt      *int64          `json:"started_at,omitempty"`
	EndedAt        *int64          `json:"ended_at,omitempty"`
	Results        []TaskResult    `json:"results"`
}

// Terminal reports whether the task has reached a final status.
func (t *TaskRecord) Terminal() bool {
	return t.Status == TaskDone || t.Status == TaskFailed
}

// LogEvent is one entry of the log ring (capacity 400, newest first).
type LogEvent struct {
	ID      string `json:"id"`
	Level   string `json:"level"`
	AgentID string `json:"agent_id,omitempty"`
	Message string `json:"message"`
	TS      int64  `json:"ts"`
}

// ActivityEvent is one entry of the activity ring (capacity 200, newest
// first). Count is present only on coalesced entries.
type ActivityEvent struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	AgentID string `json:"agent_id,omitempty"`
	Message string `json:"message"`
	TS      int64  `json:"ts"`
	Count   int    `json:"count,omitempty"`
}

// ServerStatus is the derived server view the UI displays.
type ServerStatus struct {
	Online  bool `json:"online"`
	PortWS  int  `json:"port_ws"`
	PortUDP int  `json:"port_udp"`
}

// DeviceUpsertEvent is the payload of a device_upsert emission.
type DeviceUpsertEvent struct {
	Device DeviceRecord `json:"device"`
}

// DeviceRemoveEvent is the payload of a device_remove emission.
type DeviceRemoveEvent struct {
	AgentID string `json:"agent_id"`
}

// DevicesSnapshotEvent is the payload of a devices_snapshot emission.
type DevicesSnapshotEvent struct {
	Devices []DeviceRecord `json:"devices"`
}

// TaskUpdateEvent is the payload of a task_update emission.
type TaskUpdateEvent struct {
	Task TaskRecord `json:"task"`
}
