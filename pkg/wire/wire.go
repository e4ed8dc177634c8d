// Package wire defines the JSON frame types exchanged between the admin and
// agents over the WebSocket session and the UDP pairing socket.
package wire

import "encoding/json"

// Frame kinds carried in Message.Type.
const (
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeHeartbeat  = "heartbeat"
	TypeTask       = "task"
	TypeTaskResult = "task_result"
)

// Pairing frame constants. The type tags and version are fixed by the
// provisioning protocol.
const (
	ProvisionType    = "LABSCAN_PROVISION"
	ProvisionAckType = "LABSCAN_PROVISION_ACK"
	ProtocolVersion  = 1
)

// Message is the envelope for every WebSocket frame in both directions.
type Message struct {
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	AgentID string          `json:"agent_id"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage builds an envelope around a payload, returning an error if the
// payload cannot be marshaled.
func NewMessage(msgType string, ts int64, agentID string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, TS: ts, AgentID: agentID, Payload: raw}, nil
}

// ParsePayload unmarshals the payload into the given value.
func (m *Message) ParsePayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// NetworkFacts carries the network information an agent reports about its
// host at register time and optionally refreshes on heartbeat.
type NetworkFacts struct {
	IP               string     `json:"ip"`
	SubnetCIDR       string     `json:"subnet_cidr"`
	DefaultGatewayIP string     `json:"default_gateway_ip"`
	InterfaceType    string     `json:"interface_type"`
	MAC              string     `json:"mac,omitempty"`
	GatewayMAC       string     `json:"gateway_mac,omitempty"`
	DHCPServerIP     string     `json:"dhcp_server_ip,omitempty"`
	SSID             string     `json:"ssid,omitempty"`
	ARPSnapshot      []ARPEntry `json:"arp_snapshot,omitempty"`
}

// ARPEntry is one IP/MAC pair from an agent's ARP table snapshot.
type ARPEntry struct {
	IP  string `json:"ip"`
	MAC string `json:"mac"`
}

// RegisterPayload is sent by an agent to open a session.
type RegisterPayload struct {
	AgentID  string        `json:"agent_id"`
	Secret   string        `json:"secret"`
	Hostname string        `json:"hostname"`
	IPs      []string      `json:"ips"`
	OS       string        `json:"os"`
	Arch     string        `json:"arch,omitempty"`
	Version  string        `json:"version"`
	Network  *NetworkFacts `json:"network,omitempty"`
}

// RegisteredPayload is the admin's reply to a register frame.
type RegisteredPayload struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	ServerTime int64  `json:"server_time"`
}

// HeartbeatMetrics carries the health signals piggybacked on a heartbeat.
// Pointer fields distinguish "not probed yet" from false/zero.
type HeartbeatMetrics struct {
	InternetReachable *bool  `json:"internet_reachable,omitempty"`
	DNSOK             *bool  `json:"dns_ok,omitempty"`
	GatewayReachable  *bool  `json:"gateway_reachable,omitempty"`
	LatencyMS         *int64 `json:"latency_ms,omitempty"`
}

// HeartbeatPayload is an agent's periodic liveness report.
type HeartbeatPayload struct {
	Status   string            `json:"status"`
	LastSeen int64             `json:"last_seen"`
	Metrics  *HeartbeatMetrics `json:"metrics,omitempty"`
	Network  *NetworkFacts     `json:"network,omitempty"`
}

// TaskDispatchPayload is sent by the admin to assign a task to an agent.
type TaskDispatchPayload struct {
	TaskID string          `json:"task_id"`
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params"`
}

// TaskResultPayload is an agent's report for one dispatched task.
type TaskResultPayload struct {
	TaskID string          `json:"task_id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// ProvisionBroadcast is the pairing advertisement sent to the IPv4
// broadcast address once per second while the server is online.
type ProvisionBroadcast struct {
	Type    string `json:"type"`
	V       int    `json:"v"`
	AdminIP string `json:"admin_ip"`
	Secret  string `json:"secret"`
	Nonce   string `json:"nonce"`
}

// ProvisionAck is an agent's optional answer to a pairing advertisement.
// The nonce is echoed for auditing; it is not verified.
type ProvisionAck struct {
	Type     string `json:"type"`
	V        int    `json:"v"`
	AgentID  string `json:"agent_id"`
	Hostname string `json:"hostname"`
	Nonce    string `json:"nonce"`
	TS       int64  `json:"ts"`
}
