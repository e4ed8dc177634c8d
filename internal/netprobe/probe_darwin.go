//go:build darwin

package netprobe

import (
	"os/exec"
	"strings"
)

// DefaultGateway parses `route -n get default` output.
func DefaultGateway() string {
	out, err := exec.Command("route", "-n", "get", "default").Output()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "gateway:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "gateway:"))
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

// SSID queries the airport utility for the connected network name.
func SSID() string {
	out, err := exec.Command(
		"/System/Library/PrivateFrameworks/Apple80211.framework/Versions/Current/Resources/airport",
		"-I").Output()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "SSID:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "SSID:"))
		}
	}
	return ""
}
