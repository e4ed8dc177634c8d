package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/labscan/labscan/internal/common/clock"
	"github.com/labscan/labscan/internal/common/logger"
	"github.com/labscan/labscan/pkg/wire"
)

const errInvalidSecret = "invalid shared secret"

// Persister receives best-effort persistence callbacks from the session path
// and the watchdog. Implementations must never block the caller on errors;
// they log and move on.
type Persister interface {
	SaveDevice(dev DeviceRecord)
	SaveHeartbeat(agentID string, hb *wire.HeartbeatPayload, now int64)
	MarkOffline(agentID string, now int64)
}

// SessionHandler upgrades agent connections at /ws/agent and runs the
// per-connection read loop and write pump.
type SessionHandler struct {
	store    *Store
	emitter  *Emitter
	persist  Persister // nil when persistence is disabled
	log      *logger.Logger
	upgrader websocket.Upgrader

	writeTimeout time.Duration
}

// NewSessionHandler builds a session handler. persist may be nil.
func NewSessionHandler(store *Store, emitter *Emitter, persist Persister, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		store:   store,
		emitter: emitter,
		persist: persist,
		log:     log.WithFields(zap.String("component", "session")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		writeTimeout: 10 * time.Second,
	}
}

// HandleAgent is the gin handler for the /ws/agent endpoint.
func (h *SessionHandler) HandleAgent(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed", zap.String("remote", c.Request.RemoteAddr))
		return
	}
	h.runSession(conn, c.Request.RemoteAddr)
}

func (h *SessionHandler) runSession(conn *websocket.Conn, remote string) {
	h.log.Info("agent connected", zap.String("remote", remote))
	h.emitter.Log(LevelInfo, "", fmt.Sprintf("agent connected from %s", remote))

	var agentID string
	var queue *outQueue

	defer func() {
		_ = conn.Close()
		if queue != nil {
			queue.Close()
		}
		h.teardown(agentID, queue, remote)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// malformed frames are dropped silently
			continue
		}

		switch msg.Type {
		case wire.TypeRegister:
			id, q, ok := h.handleRegister(conn, &msg, agentID, queue)
			if !ok {
				return
			}
			if q != nil {
				agentID, queue = id, q
			}
		case wire.TypeHeartbeat:
			if agentID == "" {
				continue
			}
			h.handleHeartbeat(agentID, &msg)
		case wire.TypeTaskResult:
			if agentID == "" {
				continue
			}
			h.handleTaskResult(agentID, &msg)
		default:
			// unknown frame types are ignored
		}
	}
}

// handleRegister validates the shared secret and installs the session. The
// returned queue is nil when the frame was dropped (parse error, or a
// re-register for a different agent id on an established session); ok=false
// means the connection must close.
func (h *SessionHandler) handleRegister(conn *websocket.Conn, msg *wire.Message, currentID string, existing *outQueue) (string, *outQueue, bool) {
	var reg wire.RegisterPayload
	if err := msg.ParsePayload(&reg); err != nil || reg.AgentID == "" {
		return "", nil, true
	}
	if existing != nil && reg.AgentID != currentID {
		// a session cannot switch identity mid-stream
		return "", nil, true
	}
	now := clock.NowMS()

	if reg.Secret != h.store.PairToken() {
		h.log.Warn("register rejected", zap.String("agent_id", reg.AgentID))
		h.emitter.Log(LevelWarn, reg.AgentID, "register rejected: invalid shared secret")
		reply, err := wire.NewMessage(wire.TypeRegistered, now, reg.AgentID, wire.RegisteredPayload{
			OK:         false,
			Error:      errInvalidSecret,
			ServerTime: now,
		})
		if err == nil {
			raw, _ := json.Marshal(reply)
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			_ = conn.WriteMessage(websocket.TextMessage, raw)
		}
		return "", nil, false
	}

	dev, isNew := h.store.UpsertDevice(&reg, now)

	queue := existing
	if queue == nil {
		queue = newOutQueue()
		h.store.InstallConn(reg.AgentID, queue)
		go h.writePump(conn, queue, reg.AgentID)
	}

	h.log.Info("agent registered", zap.String("agent_id", reg.AgentID), zap.String("hostname", reg.Hostname))
	h.emitter.Log(LevelInfo, reg.AgentID, fmt.Sprintf("agent %s registered", dev.Hostname))
	// not forced: a rapid duplicate register inside the throttle window
	// produces no second upsert
	h.emitter.DeviceUpsert(dev, false)
	if isNew {
		h.emitter.Activity(ActivityDeviceConnected, reg.AgentID, fmt.Sprintf("%s connected", dev.Hostname))
	}
	h.emitter.RefreshTopology()
	if h.persist != nil {
		h.persist.SaveDevice(dev)
	}

	reply, err := wire.NewMessage(wire.TypeRegistered, now, reg.AgentID, wire.RegisteredPayload{
		OK:         true,
		ServerTime: now,
	})
	if err == nil {
		raw, _ := json.Marshal(reply)
		queue.Push(raw)
	}
	return reg.AgentID, queue, true
}

func (h *SessionHandler) handleHeartbeat(agentID string, msg *wire.Message) {
	var hb wire.HeartbeatPayload
	if err := msg.ParsePayload(&hb); err != nil {
		return
	}
	now := clock.NowMS()
	dev, seeds, ok := h.store.ApplyHeartbeat(agentID, &hb, now)
	if !ok {
		return
	}
	h.log.Debug("heartbeat", zap.String("agent_id", agentID), zap.String("status", dev.Status))
	force := false
	for _, seed := range seeds {
		h.emitter.Log(LevelInfo, seed.AgentID, seed.Message)
		h.emitter.Activity(seed.Kind, seed.AgentID, seed.Message)
		// a transition to offline must be surfaced immediately
		if seed.Kind == ActivityDeviceStatusChanged && dev.Status == StatusOffline {
			force = true
		}
	}
	h.emitter.DeviceUpsert(dev, force)
	h.emitter.RefreshTopology()
	if h.persist != nil {
		h.persist.SaveHeartbeat(agentID, &hb, now)
	}
}

func (h *SessionHandler) handleTaskResult(agentID string, msg *wire.Message) {
	var res wire.TaskResultPayload
	if err := msg.ParsePayload(&res); err != nil || res.TaskID == "" {
		return
	}
	now := clock.NowMS()
	task, ok := h.store.ApplyTaskResult(res.TaskID, TaskResult{
		AgentID: agentID,
		OK:      res.OK,
		Result:  res.Result,
		Error:   res.Error,
		TS:      now,
	}, now)
	if !ok {
		return
	}
	h.emitter.TaskUpdate(task)
	if task.Terminal() {
		if task.Status == TaskDone {
			h.emitter.Log(LevelInfo, "", fmt.Sprintf("task %s completed", task.TaskID))
			h.emitter.Activity(ActivityTaskCompleted, "", fmt.Sprintf("%s task completed", task.Kind))
		} else {
			h.emitter.Log(LevelWarn, "", fmt.Sprintf("task %s failed", task.TaskID))
			h.emitter.Activity(ActivityTaskFailed, "", fmt.Sprintf("%s task failed", task.Kind))
		}
	}
}

// teardown runs once per connection after the read loop exits.
func (h *SessionHandler) teardown(agentID string, queue *outQueue, remote string) {
	h.log.Info("agent disconnected", zap.String("remote", remote), zap.String("agent_id", agentID))
	if agentID == "" {
		return
	}
	// a newer session may already own this agent id
	if !h.store.DropConn(agentID, queue) {
		return
	}
	now := clock.NowMS()
	dev, changed, found := h.store.MarkOffline(agentID, now)
	if !found {
		// no record for a registered id means it was never upserted; tell
		// the UI to forget it
		h.emitter.DeviceRemove(agentID)
		return
	}
	if !changed {
		// the watchdog already flipped this device offline; the record
		// stays, only the queue removal is news
		h.emitter.DeviceUpsert(dev, true)
		return
	}
	h.emitter.Log(LevelInfo, agentID, fmt.Sprintf("agent %s disconnected", dev.Hostname))
	h.emitter.DeviceUpsert(dev, true)
	h.emitter.Activity(ActivityDeviceDisconnected, agentID, fmt.Sprintf("%s disconnected", dev.Hostname))
	h.emitter.RefreshTopology()
	if h.persist != nil {
		h.persist.MarkOffline(agentID, now)
	}
}

// writePump drains the outbound queue onto the socket until the queue
// closes or a write fails.
func (h *SessionHandler) writePump(conn *websocket.Conn, queue *outQueue, agentID string) {
	for {
		frames, ok := queue.Drain()
		if !ok {
			return
		}
		for _, frame := range frames {
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.log.WithError(err).Debug("write failed, closing session", zap.String("agent_id", agentID))
				queue.Close()
				_ = conn.Close()
				return
			}
		}
	}
}
