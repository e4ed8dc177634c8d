//go:build windows

package netprobe

import (
	"net"
	"os/exec"
	"strings"
)

// DefaultGateway parses `route print 0.0.0.0` for the active default route.
func DefaultGateway() string {
	out, err := exec.Command("route", "print", "0.0.0.0").Output()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[0] == "0.0.0.0" && fields[1] == "0.0.0.0" {
			if net.ParseIP(fields[2]) != nil {
				return fields[2]
			}
		}
	}
	return ""
}

// InterfaceType falls back on the SSID probe: a connected SSID means wifi.
func InterfaceType() string {
	if SSID() != "" {
		return "wifi"
	}
	return "ethernet"
}

// SSID parses `netsh wlan show interfaces` for the connected network name.
func SSID() string {
	out, err := exec.Command("netsh", "wlan", "show", "interfaces").Output()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "SSID") && !strings.HasPrefix(line, "BSSID") {
			if i := strings.Index(line, ":"); i >= 0 {
				return strings.TrimSpace(line[i+1:])
			}
		}
	}
	return ""
}
