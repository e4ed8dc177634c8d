// Package storage persists device and heartbeat history to a local sqlite
// database. Persistence is best-effort: writes happen on a background worker
// and failures are logged, never surfaced to the session path.
package storage

import (
	"encoding/json"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/labscan/labscan/internal/common/logger"
	"github.com/labscan/labscan/internal/server"
	"github.com/labscan/labscan/pkg/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	agent_id   TEXT PRIMARY KEY,
	hostname   TEXT NOT NULL,
	ips        TEXT NOT NULL,
	os         TEXT NOT NULL,
	arch       TEXT NOT NULL DEFAULT '',
	version    TEXT NOT NULL,
	status     TEXT NOT NULL,
	first_seen INTEGER NOT NULL,
	last_seen  INTEGER NOT NULL,
	network    TEXT
);

CREATE TABLE IF NOT EXISTS heartbeats (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id   TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	status     TEXT NOT NULL,
	latency_ms INTEGER,
	internet   INTEGER,
	dns        INTEGER,
	gateway    INTEGER
);

CREATE INDEX IF NOT EXISTS idx_heartbeats_agent_ts ON heartbeats(agent_id, ts);
`

const opQueueCap = 256

// Store is the sqlite-backed persistence layer. It implements
// server.Persister.
type Store struct {
	db   *sqlx.DB
	log  *logger.Logger
	ops  chan func(db *sqlx.DB) error
	done chan struct{}
}

// Open opens (creating if needed) the database at path and starts the write
// worker.
func Open(path string, log *logger.Logger) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite handles one writer at a time
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:   db,
		log:  log.WithFields(zap.String("component", "storage")),
		ops:  make(chan func(db *sqlx.DB) error, opQueueCap),
		done: make(chan struct{}),
	}
	go s.worker()
	return s, nil
}

func (s *Store) worker() {
	defer close(s.done)
	for op := range s.ops {
		if err := op(s.db); err != nil {
			s.log.WithError(err).Warn("persistence write failed")
		}
	}
}

// enqueue hands a write to the worker, dropping it when the queue is full.
func (s *Store) enqueue(op func(db *sqlx.DB) error) {
	select {
	case s.ops <- op:
	default:
		s.log.Warn("persistence queue full, dropping write")
	}
}

// Close drains pending writes and closes the database.
func (s *Store) Close() error {
	close(s.ops)
	<-s.done
	return s.db.Close()
}

// SaveDevice upserts the device row.
func (s *Store) SaveDevice(dev server.DeviceRecord) {
	var network any
	if dev.Network != nil {
		if raw, err := json.Marshal(dev.Network); err == nil {
			network = string(raw)
		}
	}
	ips := strings.Join(dev.IPs, ",")
	s.enqueue(func(db *sqlx.DB) error {
		_, err := db.Exec(`
			INSERT INTO devices (agent_id, hostname, ips, os, arch, version, status, first_seen, last_seen, network)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				hostname = excluded.hostname,
				ips      = excluded.ips,
				os       = excluded.os,
				arch     = excluded.arch,
				version  = excluded.version,
				status   = excluded.status,
				last_seen = excluded.last_seen,
				network  = excluded.network`,
			dev.AgentID, dev.Hostname, ips, dev.OS, dev.Arch, dev.Version,
			dev.Status, dev.FirstSeen, dev.LastSeen, network)
		return err
	})
}

// SaveHeartbeat appends a heartbeat row and advances the device's last_seen.
func (s *Store) SaveHeartbeat(agentID string, hb *wire.HeartbeatPayload, now int64) {
	lastSeen := hb.LastSeen
	if lastSeen <= 0 {
		lastSeen = now
	}
	status := hb.Status
	var latency, internet, dns, gateway any
	if m := hb.Metrics; m != nil {
		if m.LatencyMS != nil {
			latency = *m.LatencyMS
		}
		if m.InternetReachable != nil {
			internet = boolToInt(*m.InternetReachable)
		}
		if m.DNSOK != nil {
			dns = boolToInt(*m.DNSOK)
		}
		if m.GatewayReachable != nil {
			gateway = boolToInt(*m.GatewayReachable)
		}
	}
	s.enqueue(func(db *sqlx.DB) error {
		if _, err := db.Exec(`
			INSERT INTO heartbeats (agent_id, ts, status, latency_ms, internet, dns, gateway)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			agentID, lastSeen, status, latency, internet, dns, gateway); err != nil {
			return err
		}
		_, err := db.Exec(`UPDATE devices SET last_seen = ?, status = CASE WHEN ? != '' THEN ? ELSE status END WHERE agent_id = ?`,
			lastSeen, status, status, agentID)
		return err
	})
}

// MarkOffline flips the persisted device status.
func (s *Store) MarkOffline(agentID string, now int64) {
	s.enqueue(func(db *sqlx.DB) error {
		_, err := db.Exec(`UPDATE devices SET status = ?, last_seen = ? WHERE agent_id = ?`,
			server.StatusOffline, now, agentID)
		return err
	})
}

// DeviceRow is one persisted device.
type DeviceRow struct {
	AgentID   string  `db:"agent_id"`
	Hostname  string  `db:"hostname"`
	IPs       string  `db:"ips"`
	OS        string  `db:"os"`
	Arch      string  `db:"arch"`
	Version   string  `db:"version"`
	Status    string  `db:"status"`
	FirstSeen int64   `db:"first_seen"`
	LastSeen  int64   `db:"last_seen"`
	Network   *string `db:"network"`
}

// Devices returns all persisted devices ordered by first_seen. Reads bypass
// the write worker.
func (s *Store) Devices() ([]DeviceRow, error) {
	var rows []DeviceRow
	err := s.db.Select(&rows, `SELECT * FROM devices ORDER BY first_seen`)
	return rows, err
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
