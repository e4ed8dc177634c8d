package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8085, cfg.Server.ControlPort)
	assert.Equal(t, 8148, cfg.Server.WSPort, "agents expect the well-known session port")
	assert.Equal(t, 8870, cfg.Server.UDPPort, "agents listen for pairing on this port")
	assert.Empty(t, cfg.Database.Path, "persistence is off by default")
	assert.Empty(t, cfg.NATS.URL, "in-memory bus by default")
	assert.Equal(t, "labscan-admin", cfg.NATS.ClientID)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LABSCAN_SERVER_WS_PORT", "9001")
	t.Setenv("LABSCAN_SERVER_UDP_PORT", "9002")
	t.Setenv("LABSCAN_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Server.WSPort)
	assert.Equal(t, 9002, cfg.Server.UDPPort)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("LABSCAN_SERVER_WS_PORT", "70000")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.wsPort")
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	t.Setenv("LABSCAN_LOGGING_LEVEL", "verbose")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}
