//go:build linux

package netprobe

import (
	"bufio"
	"encoding/binary"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

const rtfGateway = 0x2

// DefaultGateway parses /proc/net/route for the default route's gateway.
func DefaultGateway() string {
	gw, _ := defaultRoute()
	return gw
}

// InterfaceType reports "wifi" when the default route's interface has a
// wireless sysfs entry, "ethernet" otherwise.
func InterfaceType() string {
	_, iface := defaultRoute()
	if iface == "" {
		return ""
	}
	if _, err := os.Stat("/sys/class/net/" + iface + "/wireless"); err == nil {
		return "wifi"
	}
	return "ethernet"
}

// SSID queries iwgetid for the connected network name.
func SSID() string {
	out, err := exec.Command("iwgetid", "-r").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// defaultRoute returns (gateway ip, interface name) of the default route.
func defaultRoute() (string, string) {
	f, err := os.Open("/proc/net/route")
	if err != nil {
		return "", ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		dest, gateway, flags := fields[1], fields[2], fields[3]
		if dest != "00000000" {
			continue
		}
		fl, err := strconv.ParseInt(flags, 16, 64)
		if err != nil || fl&rtfGateway == 0 {
			continue
		}
		raw, err := strconv.ParseUint(gateway, 16, 32)
		if err != nil {
			continue
		}
		// /proc/net/route stores addresses little-endian
		ip := make(net.IP, 4)
		binary.LittleEndian.PutUint32(ip, uint32(raw))
		return ip.String(), fields[0]
	}
	return "", ""
}
