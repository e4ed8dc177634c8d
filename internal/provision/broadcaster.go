// Package provision implements the UDP pairing advertiser. While the server
// is online it broadcasts a LABSCAN_PROVISION frame once per second so
// unpaired agents on the LAN can discover the admin address and shared
// secret without manual configuration.
package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/labscan/labscan/internal/common/clock"
	apperrors "github.com/labscan/labscan/internal/common/errors"
	"github.com/labscan/labscan/internal/common/logger"
	"github.com/labscan/labscan/pkg/wire"
)

const (
	defaultInterval = time.Second
	defaultAckWait  = 400 * time.Millisecond
)

// StatusSource exposes the server state the broadcaster polls each cycle.
type StatusSource interface {
	Online() bool
	PairToken() string
}

// Sink receives pairing audit lines for the UI log ring.
type Sink interface {
	Log(level, agentID, message string)
}

// Config holds broadcaster settings. Dest overrides the computed broadcast
// address, which tests point at a loopback listener.
type Config struct {
	AdminIP  string
	Port     int
	Dest     string
	Interval time.Duration
	AckWait  time.Duration
}

// Broadcaster sends pairing advertisements and collects optional acks on
// the same socket. Acks are audit-only; pairing completes over WebSocket.
type Broadcaster struct {
	cfg    Config
	source StatusSource
	sink   Sink
	log    *logger.Logger
}

// New builds a broadcaster. Zero Interval and AckWait take the protocol
// defaults (1 s, 400 ms).
func New(cfg Config, source StatusSource, sink Sink, log *logger.Logger) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = defaultAckWait
	}
	if cfg.Dest == "" {
		cfg.Dest = fmt.Sprintf("255.255.255.255:%d", cfg.Port)
	}
	return &Broadcaster{
		cfg:    cfg,
		source: source,
		sink:   sink,
		log:    log.WithFields(zap.String("component", "provision")),
	}
}

// Run broadcasts until the context is canceled. A socket that cannot be
// opened at all is fatal for the broadcaster only; the caller decides
// whether the server keeps running without pairing.
func (b *Broadcaster) Run(ctx context.Context) error {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return apperrors.BindFailed("provision socket", err)
	}
	defer conn.Close()

	dest, err := net.ResolveUDPAddr("udp4", b.cfg.Dest)
	if err != nil {
		return apperrors.BindFailed("provision destination", err)
	}

	b.log.Info("pairing broadcaster started", zap.String("dest", b.cfg.Dest))

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !b.source.Online() {
				continue
			}
			b.broadcastOnce(conn, dest)
		}
	}
}

func (b *Broadcaster) broadcastOnce(conn net.PacketConn, dest *net.UDPAddr) {
	frame := wire.ProvisionBroadcast{
		Type:    wire.ProvisionType,
		V:       wire.ProtocolVersion,
		AdminIP: b.cfg.AdminIP,
		Secret:  b.source.PairToken(),
		Nonce:   clock.NewID(),
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if _, err := conn.WriteTo(raw, dest); err != nil {
		b.log.WithError(err).Warn("pairing broadcast failed")
		return
	}
	b.collectAcks(conn)
}

// collectAcks reads replies for the ack window. Read failures degrade to
// broadcast-only operation; advertisement never depends on acks.
func (b *Broadcaster) collectAcks(conn net.PacketConn) {
	if err := conn.SetReadDeadline(time.Now().Add(b.cfg.AckWait)); err != nil {
		return
	}
	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		var ack wire.ProvisionAck
		if err := json.Unmarshal(buf[:n], &ack); err != nil || ack.Type != wire.ProvisionAckType {
			continue
		}
		b.log.Debug("pairing ack",
			zap.String("agent_id", ack.AgentID),
			zap.String("hostname", ack.Hostname),
			zap.String("from", from.String()))
		if b.sink != nil {
			b.sink.Log("INFO", ack.AgentID, fmt.Sprintf("pairing ack from %s (%s)", ack.Hostname, from))
		}
	}
}
