package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/labscan/labscan/internal/common/config"
	apperrors "github.com/labscan/labscan/internal/common/errors"
	"github.com/labscan/labscan/internal/common/logger"
	"github.com/labscan/labscan/internal/events/bus"
	"github.com/labscan/labscan/internal/netprobe"
	"github.com/labscan/labscan/internal/provision"
	"github.com/labscan/labscan/internal/topology"
)

// Manager owns the runtime: the WebSocket listener, the heartbeat watchdog,
// and the pairing broadcaster. It is also the command surface the control
// API calls into.
type Manager struct {
	cfg         *config.Config
	store       *Store
	emitter     *Emitter
	sessions    *SessionHandler
	coordinator *Coordinator
	watchdog    *Watchdog
	broadcaster *provision.Broadcaster
	log         *logger.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	wsServer *http.Server
	group    *errgroup.Group
}

// NewManager probes the admin host's network facts and wires the runtime
// components. persist may be nil to disable persistence.
func NewManager(cfg *config.Config, eventBus bus.EventBus, persist Persister, log *logger.Logger) *Manager {
	store := NewStore()

	adminIP := netprobe.LocalIPv4()
	store.SetAdminFacts(topology.AdminFacts{
		IP:            adminIP,
		SubnetCIDR:    netprobe.SubnetFor(adminIP),
		GatewayIP:     netprobe.DefaultGateway(),
		InterfaceType: netprobe.InterfaceType(),
		SSID:          netprobe.SSID(),
	})

	emitter := NewEmitter(store, eventBus, log)
	return &Manager{
		cfg:         cfg,
		store:       store,
		emitter:     emitter,
		sessions:    NewSessionHandler(store, emitter, persist, log),
		coordinator: NewCoordinator(store, emitter, log),
		watchdog:    NewWatchdog(store, emitter, persist, log),
		broadcaster: provision.New(provision.Config{
			AdminIP: adminIP,
			Port:    cfg.Server.UDPPort,
		}, store, emitter, log),
		log: log.WithFields(zap.String("component", "manager")),
	}
}

// Store exposes the state store for the control API's read paths.
func (m *Manager) Store() *Store { return m.store }

// Emitter exposes the emitter, mainly for tests and the entrypoint.
func (m *Manager) Emitter() *Emitter { return m.emitter }

// Sessions exposes the WebSocket handler so callers can mount it on their
// own router.
func (m *Manager) Sessions() *SessionHandler { return m.sessions }

// Start brings the runtime online: WebSocket listener, watchdog, and
// pairing broadcaster. Starting an already-online runtime is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	if !m.store.SetOnline(true) {
		m.log.Info("runtime already online, ignoring start")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", m.cfg.Server.Host, m.cfg.Server.WSPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		m.store.SetOnline(false)
		return apperrors.BindFailed(addr, err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws/agent", m.sessions.HandleAgent)

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)

	m.mu.Lock()
	m.cancel = cancel
	// no read/write timeouts here: agent sessions are long-lived
	m.wsServer = &http.Server{Handler: router}
	m.group = group
	m.mu.Unlock()

	group.Go(func() error {
		if err := m.wsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		err := m.watchdog.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	// pairing failures never take the runtime down
	go func() {
		if err := m.broadcaster.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.WithError(err).Error("pairing broadcaster stopped")
			m.emitter.Log(LevelError, "", "pairing broadcaster unavailable")
		}
	}()

	m.log.Info("runtime started",
		zap.String("ws_addr", addr),
		zap.Int("udp_port", m.cfg.Server.UDPPort))
	m.emitter.Log(LevelInfo, "", fmt.Sprintf("server listening on %s", addr))
	m.emitter.ServerStatus(m.Status())
	m.emitter.RefreshTopology()
	return nil
}

// Stop takes the runtime offline and waits for the loops to exit.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.store.SetOnline(false) {
		return nil
	}

	m.mu.Lock()
	cancel, wsServer, group := m.cancel, m.wsServer, m.group
	m.mu.Unlock()

	if wsServer != nil {
		_ = wsServer.Shutdown(ctx)
	}
	if cancel != nil {
		cancel()
	}
	var err error
	if group != nil {
		err = group.Wait()
	}
	m.emitter.ServerStatus(m.Status())
	m.log.Info("runtime stopped")
	return err
}

// Status derives the current server status.
func (m *Manager) Status() ServerStatus {
	return ServerStatus{
		Online:  m.store.Online(),
		PortWS:  m.cfg.Server.WSPort,
		PortUDP: m.cfg.Server.UDPPort,
	}
}

// Devices returns the device list in first-register order.
func (m *Manager) Devices() []DeviceRecord {
	return m.store.Devices()
}

// Topology returns the installed topology snapshot, or an unversioned build
// from current facts when none exists yet. Read paths never install a
// snapshot or publish events.
func (m *Manager) Topology() topology.Snapshot {
	if snap, ok := m.store.Topology(); ok {
		return snap
	}
	devices, admin := m.store.TopologyInputs()
	nodes, edges := topology.Build(devices, admin)
	return topology.Snapshot{Nodes: nodes, Edges: edges}
}

// Tasks returns all task records, newest first.
func (m *Manager) Tasks() []TaskRecord {
	return m.store.Tasks()
}

// Activity returns the activity ring, newest first.
func (m *Manager) Activity() []ActivityEvent {
	return m.store.Activity()
}

// Logs returns the log ring, newest first.
func (m *Manager) Logs() []LogEvent {
	return m.store.Logs()
}

// DispatchTask validates and dispatches a task to the given agents.
func (m *Manager) DispatchTask(agents []string, kind string, params json.RawMessage) (TaskRecord, error) {
	return m.coordinator.Dispatch(agents, kind, params)
}

// PairToken returns the current shared secret.
func (m *Manager) PairToken() string {
	return m.store.PairToken()
}

// RotatePairToken replaces the shared secret. Established sessions stay
// connected; only future registrations are gated on the new token.
func (m *Manager) RotatePairToken() string {
	token := m.store.RotatePairToken()
	m.log.Info("pair token rotated")
	m.emitter.Log(LevelInfo, "", "pairing token rotated")
	m.emitter.ServerStatus(m.Status())
	return token
}
