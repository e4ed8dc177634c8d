// Package netprobe discovers the admin host's own network facts: local
// IPv4, default gateway, interface type, and wifi SSID. Everything is
// best-effort; failures degrade to empty values rather than errors.
package netprobe

import (
	"fmt"
	"net"
)

// LocalIPv4 returns the IPv4 address the host would use to reach the
// internet. The UDP "connection" never sends a packet; it only asks the
// kernel for a route.
func LocalIPv4() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return ""
	}
	v4 := addr.IP.To4()
	if v4 == nil {
		return ""
	}
	return v4.String()
}

// SubnetFor derives the /24 network for an IPv4 address. Hosts rarely know
// their true prefix length without querying the interface, and a /24 guess
// matches how agents report theirs.
func SubnetFor(ip string) string {
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
