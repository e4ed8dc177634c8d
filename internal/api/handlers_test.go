package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labscan/labscan/internal/common/config"
	"github.com/labscan/labscan/internal/common/logger"
	"github.com/labscan/labscan/internal/events/bus"
	"github.com/labscan/labscan/internal/server"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (*gin.Engine, *server.Manager) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	cfg := &config.Config{
		Server: config.ServerConfig{
			Host:        "127.0.0.1",
			ControlPort: 8085,
			WSPort:      8148,
			UDPPort:     8870,
		},
	}
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	manager := server.NewManager(cfg, eventBus, nil, log)
	router := gin.New()
	RegisterRoutes(router, NewHandler(manager, log))
	return router, manager
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAPI_GetStatus(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doRequest(router, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var status server.ServerStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.Online, "runtime not started")
	assert.Equal(t, 8148, status.PortWS)
	assert.Equal(t, 8870, status.PortUDP)
}

func TestAPI_GetSnapshots(t *testing.T) {
	router, _ := newTestRouter(t)
	for _, path := range []string{
		"/api/v1/devices",
		"/api/v1/tasks",
		"/api/v1/activity",
		"/api/v1/logs",
		"/api/v1/topology",
	} {
		w := doRequest(router, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, w.Code, "path %s", path)
	}
}

func TestAPI_DispatchTaskValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodPost, "/api/v1/tasks", `{"agents":[],"kind":"ping"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "at least one agent is required", resp["message"])

	w = doRequest(router, http.MethodPost, "/api/v1/tasks", `{"agents":["a1"],"kind":"reboot"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unsupported task kind", resp["message"])

	w = doRequest(router, http.MethodPost, "/api/v1/tasks", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_DispatchTaskQueued(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodPost, "/api/v1/tasks", `{"agents":["a1"],"kind":"ping","params":{"target":"192.168.1.1"}}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Task server.TaskRecord `json:"task"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Task.TaskID)
	assert.Equal(t, server.TaskQueued, resp.Task.Status, "no connected agents")

	w = doRequest(router, http.MethodGet, "/api/v1/tasks", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), resp.Task.TaskID)
}

func TestAPI_PairTokenRotation(t *testing.T) {
	router, manager := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/api/v1/pair-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, manager.PairToken(), resp["token"])

	old := resp["token"]
	w = doRequest(router, http.MethodPost, "/api/v1/pair-token/rotate", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEqual(t, old, resp["token"])
	assert.Equal(t, manager.PairToken(), resp["token"])
}
