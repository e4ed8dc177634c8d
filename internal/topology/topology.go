// Package topology derives a subnet/gateway/host graph from the network
// facts devices report. Building is a pure function of the inputs; change
// detection compares structural keys of successive builds.
package topology

import (
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strings"
)

// NodeType classifies a topology vertex. Subnet, gateway, and unknown-hub
// nodes are synthetic; they are derived from reported facts, not observed
// endpoints.
type NodeType string

const (
	NodeSubnet     NodeType = "subnet"
	NodeGateway    NodeType = "gateway"
	NodeSwitch     NodeType = "switch"
	NodeUnknownHub NodeType = "unknown_hub"
	NodeAdmin      NodeType = "admin"
	NodeHost       NodeType = "host"
)

// Edge attachment methods. Evidence edges are backed by a reported gateway
// fact; heuristic edges are inferred attachments to an unknown hub.
const (
	MethodEvidence  = "evidence"
	MethodHeuristic = "heuristic"
)

// Node is one vertex of the topology graph.
type Node struct {
	ID            string   `json:"id"`
	Type          NodeType `json:"type"`
	Label         string   `json:"label,omitempty"`
	IP            string   `json:"ip,omitempty"`
	Subnet        string   `json:"subnet,omitempty"`
	Gateway       string   `json:"gateway,omitempty"`
	AgentID       string   `json:"agent_id,omitempty"`
	SSID          string   `json:"ssid,omitempty"`
	AttachedCount int      `json:"attached_count,omitempty"`
}

// Edge is a child-to-parent attachment in the graph.
type Edge struct {
	ChildID    string  `json:"child_id"`
	ParentID   string  `json:"parent_id"`
	Method     string  `json:"method"`
	Confidence float64 `json:"confidence"`
}

// Snapshot is a versioned topology. Revision strictly increases whenever
// the structural key changes; equal keys never replace a snapshot.
type Snapshot struct {
	Revision  int64  `json:"revision"`
	UpdatedAt int64  `json:"updated_at"`
	Nodes     []Node `json:"nodes"`
	Edges     []Edge `json:"edges"`
}

// DeviceFacts is the per-device input to a build, in device insertion order.
type DeviceFacts struct {
	AgentID    string
	Hostname   string
	IP         string
	SubnetCIDR string
	GatewayIP  string
}

// AdminFacts is the admin host's own network information.
type AdminFacts struct {
	IP            string
	SubnetCIDR    string
	GatewayIP     string
	InterfaceType string
	SSID          string
}

// Build derives the graph from the current device facts and the admin's
// network facts. The output ordering is deterministic: nodes by type rank,
// numeric IP, then id; edges by (child, parent).
func Build(devices []DeviceFacts, admin AdminFacts) ([]Node, []Edge) {
	adminSubnet := subnetFor(admin.IP, admin.SubnetCIDR)

	// Observed subnets across admin and all devices.
	subnetSet := map[string]bool{}
	if adminSubnet != "" {
		subnetSet[adminSubnet] = true
	}
	for _, d := range devices {
		if s := subnetFor(d.IP, d.SubnetCIDR); s != "" {
			subnetSet[s] = true
		}
	}

	var nodes []Node
	var edges []Edge

	multiSubnet := len(subnetSet) > 1
	if multiSubnet {
		for subnet := range subnetSet {
			nodes = append(nodes, Node{
				ID:     "subnet:" + subnet,
				Type:   NodeSubnet,
				Label:  subnet,
				Subnet: subnet,
			})
		}
	}

	// Gateway candidates: (gateway ip, owning subnet), deduplicated after a
	// stable sort so the first candidate wins on ip collisions across subnets.
	type gatewayCandidate struct {
		ip     string
		subnet string
	}
	var candidates []gatewayCandidate
	if admin.GatewayIP != "" {
		candidates = append(candidates, gatewayCandidate{ip: admin.GatewayIP, subnet: adminSubnet})
	}
	for _, d := range devices {
		if d.GatewayIP != "" {
			candidates = append(candidates, gatewayCandidate{ip: d.GatewayIP, subnet: subnetFor(d.IP, d.SubnetCIDR)})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].subnet != candidates[j].subnet {
			return candidates[i].subnet < candidates[j].subnet
		}
		return ipValue(candidates[i].ip) < ipValue(candidates[j].ip)
	})

	gatewayIDs := map[string]string{} // gateway ip -> node id
	for _, c := range candidates {
		if _, ok := gatewayIDs[c.ip]; ok {
			continue
		}
		id := "gateway:" + c.ip
		gatewayIDs[c.ip] = id
		nodes = append(nodes, Node{
			ID:      id,
			Type:    NodeGateway,
			Label:   c.ip,
			IP:      c.ip,
			Subnet:  c.subnet,
			Gateway: c.ip,
		})
		if multiSubnet && c.subnet != "" {
			edges = append(edges, Edge{
				ChildID:    id,
				ParentID:   "subnet:" + c.subnet,
				Method:     MethodEvidence,
				Confidence: 1.0,
			})
		}
	}

	// Unknown hubs are created lazily, one per subnet, when an endpoint has
	// no reported gateway to attach to.
	hubIDs := map[string]string{}
	hubFor := func(subnet string) string {
		if id, ok := hubIDs[subnet]; ok {
			return id
		}
		id := "unknown_hub:" + subnet
		hubIDs[subnet] = id
		nodes = append(nodes, Node{
			ID:     id,
			Type:   NodeUnknownHub,
			Label:  "unknown hub",
			Subnet: subnet,
		})
		return id
	}

	nodes = append(nodes, Node{
		ID:      "admin",
		Type:    NodeAdmin,
		Label:   "admin",
		IP:      admin.IP,
		Subnet:  adminSubnet,
		Gateway: admin.GatewayIP,
		SSID:    admin.SSID,
	})
	if admin.GatewayIP != "" {
		edges = append(edges, Edge{
			ChildID:    "admin",
			ParentID:   gatewayIDs[admin.GatewayIP],
			Method:     MethodEvidence,
			Confidence: 0.9,
		})
	} else if adminSubnet != "" {
		edges = append(edges, Edge{
			ChildID:    "admin",
			ParentID:   hubFor(adminSubnet),
			Method:     MethodHeuristic,
			Confidence: 0.5,
		})
	}

	sorted := make([]DeviceFacts, len(devices))
	copy(sorted, devices)
	sort.SliceStable(sorted, func(i, j int) bool {
		if vi, vj := ipValue(sorted[i].IP), ipValue(sorted[j].IP); vi != vj {
			return vi < vj
		}
		if sorted[i].Hostname != sorted[j].Hostname {
			return sorted[i].Hostname < sorted[j].Hostname
		}
		return sorted[i].AgentID < sorted[j].AgentID
	})

	for _, d := range sorted {
		id := "host:" + d.AgentID
		subnet := subnetFor(d.IP, d.SubnetCIDR)
		nodes = append(nodes, Node{
			ID:      id,
			Type:    NodeHost,
			Label:   d.Hostname,
			IP:      d.IP,
			Subnet:  subnet,
			Gateway: d.GatewayIP,
			AgentID: d.AgentID,
		})
		if d.GatewayIP != "" {
			edges = append(edges, Edge{
				ChildID:    id,
				ParentID:   gatewayIDs[d.GatewayIP],
				Method:     MethodEvidence,
				Confidence: 0.9,
			})
		} else if subnet != "" {
			edges = append(edges, Edge{
				ChildID:    id,
				ParentID:   hubFor(subnet),
				Method:     MethodHeuristic,
				Confidence: 0.45,
			})
		}
	}

	inbound := map[string]int{}
	for _, e := range edges {
		inbound[e.ParentID]++
	}
	for i := range nodes {
		if nodes[i].Type == NodeGateway || nodes[i].Type == NodeUnknownHub {
			nodes[i].AttachedCount = inbound[nodes[i].ID]
		}
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		ri, rj := typeRank(nodes[i].Type), typeRank(nodes[j].Type)
		if ri != rj {
			return ri < rj
		}
		if vi, vj := sortValue(nodes[i]), sortValue(nodes[j]); vi != vj {
			return vi < vj
		}
		return nodes[i].ID < nodes[j].ID
	})
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].ChildID != edges[j].ChildID {
			return edges[i].ChildID < edges[j].ChildID
		}
		return edges[i].ParentID < edges[j].ParentID
	})

	return nodes, edges
}

// Key computes the structural key of a node/edge set. Two builds with equal
// keys are the same topology for change-detection purposes.
func Key(nodes []Node, edges []Edge) string {
	parts := make([]string, 0, len(nodes)+len(edges)+1)
	for _, n := range nodes {
		parts = append(parts, fmt.Sprintf("%s|%s|%s|%s", n.ID, n.Type, n.Subnet, n.Gateway))
	}
	parts = append(parts, "#")
	for _, e := range edges {
		parts = append(parts, fmt.Sprintf("%s|%s|%s", e.ChildID, e.ParentID, e.Method))
	}
	return strings.Join(parts, ";")
}

// SubnetFor derives the /24 network for an IP when no CIDR was reported.
func SubnetFor(ip string) string {
	return subnetFor(ip, "")
}

func subnetFor(ip, cidr string) string {
	if cidr != "" {
		if _, network, err := net.ParseCIDR(cidr); err == nil {
			return network.String()
		}
		return cidr
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	v4 := parsed.To4()
	if v4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.0/24", v4[0], v4[1], v4[2])
}

func typeRank(t NodeType) int {
	switch t {
	case NodeSubnet:
		return 0
	case NodeGateway:
		return 1
	case NodeSwitch:
		return 2
	case NodeUnknownHub:
		return 3
	case NodeAdmin:
		return 4
	case NodeHost:
		return 5
	default:
		return 6
	}
}

// sortValue orders nodes numerically. Nodes without an IP (subnets, hubs)
// sort on their subnet's network address.
func sortValue(n Node) uint32 {
	if n.IP != "" {
		return ipValue(n.IP)
	}
	if n.Subnet != "" {
		if _, network, err := net.ParseCIDR(n.Subnet); err == nil {
			return ipValue(network.IP.String())
		}
	}
	return 0
}

func ipValue(ip string) uint32 {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0
	}
	v4 := parsed.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}
