package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labscan/labscan/internal/common/logger"
	"github.com/labscan/labscan/internal/server"
	"github.com/labscan/labscan/pkg/wire"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func boolPtr(v bool) *bool { return &v }

func TestStore_DeviceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labscan.db")

	s, err := Open(path, newTestLogger(t))
	require.NoError(t, err)

	s.SaveDevice(server.DeviceRecord{
		AgentID:   "a1",
		Hostname:  "h1",
		IPs:       []string{"192.168.1.20", "10.0.0.5"},
		OS:        "linux",
		Arch:      "amd64",
		Version:   "1.0.0",
		Status:    server.StatusOnline,
		FirstSeen: 1000,
		LastSeen:  1000,
		Network:   &wire.NetworkFacts{IP: "192.168.1.20", SubnetCIDR: "192.168.1.0/24"},
	})
	s.SaveHeartbeat("a1", &wire.HeartbeatPayload{
		Status:   server.StatusOnline,
		LastSeen: 2000,
		Metrics: &wire.HeartbeatMetrics{
			InternetReachable: boolPtr(true),
			DNSOK:             boolPtr(false),
		},
	}, 2000)
	s.MarkOffline("a1", 3000)

	// Close drains the write worker before the database closes
	require.NoError(t, s.Close())

	s2, err := Open(path, newTestLogger(t))
	require.NoError(t, err)
	defer s2.Close()

	rows, err := s2.Devices()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a1", rows[0].AgentID)
	assert.Equal(t, "h1", rows[0].Hostname)
	assert.Equal(t, "192.168.1.20,10.0.0.5", rows[0].IPs)
	assert.Equal(t, server.StatusOffline, rows[0].Status)
	assert.Equal(t, int64(3000), rows[0].LastSeen)
	require.NotNil(t, rows[0].Network)
}

func TestStore_UpsertReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labscan.db")

	s, err := Open(path, newTestLogger(t))
	require.NoError(t, err)

	dev := server.DeviceRecord{
		AgentID: "a1", Hostname: "h1", IPs: []string{"192.168.1.20"},
		OS: "linux", Version: "1.0.0", Status: server.StatusOnline,
		FirstSeen: 1000, LastSeen: 1000,
	}
	s.SaveDevice(dev)
	dev.Hostname = "h1-renamed"
	dev.LastSeen = 2000
	s.SaveDevice(dev)
	require.NoError(t, s.Close())

	s2, err := Open(path, newTestLogger(t))
	require.NoError(t, err)
	defer s2.Close()

	rows, err := s2.Devices()
	require.NoError(t, err)
	require.Len(t, rows, 1, "upsert must not duplicate the row")
	assert.Equal(t, "h1-renamed", rows[0].Hostname)
	assert.Equal(t, int64(1000), rows[0].FirstSeen)
}
