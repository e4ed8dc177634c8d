package netprobe

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubnetFor(t *testing.T) {
	tests := []struct {
		ip   string
		want string
	}{
		{"192.168.1.42", "192.168.1.0/24"},
		{"10.0.0.1", "10.0.0.0/24"},
		{"172.16.254.9", "172.16.254.0/24"},
		{"not-an-ip", ""},
		{"", ""},
		{"fe80::1", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SubnetFor(tt.ip), "ip %q", tt.ip)
	}
}

func TestLocalIPv4(t *testing.T) {
	ip := LocalIPv4()
	if ip == "" {
		t.Skip("no route to probe on this host")
	}
	parsed := net.ParseIP(ip)
	assert.NotNil(t, parsed)
	assert.NotNil(t, parsed.To4())
}
