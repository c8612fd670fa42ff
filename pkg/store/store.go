// Package store persists interface inventories, traffic time series and
// alert records in PostgreSQL. When the TimescaleDB extension is available
// the sample table becomes a hypertable with native retention and
// compression policies; otherwise a background janitor enforces the same
// horizons with plain SQL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/linkwatch/linkwatch/pkg/models"
)

// Store wraps the PostgreSQL connection pool and background maintenance.
type Store struct {
	db        *sql.DB
	timescale bool

	done    chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex

	// Stats
	samplesWritten uint64
	samplesSkipped uint64
	statsMu        sync.Mutex
}

// Open connects to PostgreSQL and configures the pool.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("Connected to PostgreSQL database")
	return &Store{db: db, done: make(chan struct{})}, nil
}

// Close releases the connection pool. Stop maintenance first.
func (s *Store) Close() error {
	return s.db.Close()
}

var schema = []string{
	// Owned by the management layer; created here so a fresh database works
	// out of the box.
	`CREATE TABLE IF NOT EXISTS devices (
		id        TEXT PRIMARY KEY,
		name      TEXT NOT NULL DEFAULT '',
		address   TEXT NOT NULL,
		username  TEXT NOT NULL DEFAULT '',
		password  TEXT NOT NULL DEFAULT '',
		disabled  BOOLEAN NOT NULL DEFAULT false
	)`,
	`CREATE TABLE IF NOT EXISTS monitored_interfaces (
		device_id    TEXT NOT NULL,
		interface    TEXT NOT NULL,
		rx_floor_bps DOUBLE PRECISION NOT NULL DEFAULT 0,
		tx_floor_bps DOUBLE PRECISION NOT NULL DEFAULT 0,
		window_ticks INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (device_id, interface)
	)`,
	`CREATE TABLE IF NOT EXISTS cached_interfaces (
		device_id TEXT NOT NULL,
		interface TEXT NOT NULL,
		comment   TEXT NOT NULL DEFAULT '',
		mac       TEXT NOT NULL DEFAULT '',
		if_type   TEXT NOT NULL DEFAULT '',
		running   BOOLEAN NOT NULL DEFAULT false,
		disabled  BOOLEAN NOT NULL DEFAULT false,
		last_seen TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (device_id, interface)
	)`,
	`CREATE TABLE IF NOT EXISTS traffic_samples (
		device_id      TEXT NOT NULL,
		interface      TEXT NOT NULL,
		sampled_at     TIMESTAMPTZ NOT NULL,
		rx_bytes_total BIGINT NOT NULL DEFAULT 0,
		tx_bytes_total BIGINT NOT NULL DEFAULT 0,
		rx_bps         DOUBLE PRECISION NOT NULL DEFAULT 0,
		tx_bps         DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_bps      DOUBLE PRECISION NOT NULL DEFAULT 0,
		realtime       BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (device_id, interface, sampled_at)
	)`,
	`CREATE TABLE IF NOT EXISTS traffic_rollup_hourly (
		device_id     TEXT NOT NULL,
		interface     TEXT NOT NULL,
		bucket        TIMESTAMPTZ NOT NULL,
		avg_rx_bps    DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_rx_bps    DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_tx_bps    DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_tx_bps    DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_total_bps DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_total_bps DOUBLE PRECISION NOT NULL DEFAULT 0,
		sample_count  BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (device_id, interface, bucket)
	)`,
	`CREATE TABLE IF NOT EXISTS traffic_rollup_daily (
		device_id     TEXT NOT NULL,
		interface     TEXT NOT NULL,
		bucket        TIMESTAMPTZ NOT NULL,
		avg_rx_bps    DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_rx_bps    DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_tx_bps    DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_tx_bps    DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_total_bps DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_total_bps DOUBLE PRECISION NOT NULL DEFAULT 0,
		sample_count  BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (device_id, interface, bucket)
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id              UUID PRIMARY KEY,
		device_id       TEXT NOT NULL,
		interface       TEXT NOT NULL,
		severity        TEXT NOT NULL,
		cause           TEXT NOT NULL,
		message         TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL,
		acknowledged    BOOLEAN NOT NULL DEFAULT false,
		acknowledged_by TEXT NOT NULL DEFAULT '',
		acknowledged_at TIMESTAMPTZ
	)`,
	// Partial index: blocks a second open alert per (device, interface)
	// while leaving acknowledged history unconstrained. A full unique index
	// would permanently suppress new incidents after the first ack.
	`CREATE UNIQUE INDEX IF NOT EXISTS alerts_open_unique
		ON alerts (device_id, interface) WHERE NOT acknowledged`,
	`CREATE INDEX IF NOT EXISTS alerts_created_idx ON alerts (created_at DESC)`,
}

// Init creates the schema and, when possible, enables TimescaleDB
// management of the sample table.
func (s *Store) Init(ctx context.Context, retention, compressAfter time.Duration) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema init: %w", err)
		}
	}

	s.timescale = s.initTimescale(ctx, retention, compressAfter)
	if s.timescale {
		log.Printf("TimescaleDB enabled: retention=%v compression_after=%v", retention, compressAfter)
	} else {
		log.Printf("TimescaleDB unavailable, using plain-SQL retention janitor")
	}
	return nil
}

// initTimescale converts traffic_samples into a hypertable with retention
// and compression policies. Any failure leaves the plain table in place.
func (s *Store) initTimescale(ctx context.Context, retention, compressAfter time.Duration) bool {
	if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS timescaledb`); err != nil {
		return false
	}
	if _, err := s.db.ExecContext(ctx,
		`SELECT create_hypertable('traffic_samples', 'sampled_at',
			if_not_exists => TRUE, migrate_data => TRUE)`); err != nil {
		log.Printf("Warning: create_hypertable failed: %v", err)
		return false
	}
	if _, err := s.db.ExecContext(ctx,
		`SELECT add_retention_policy('traffic_samples', $1::interval, if_not_exists => TRUE)`,
		pgInterval(retention)); err != nil {
		log.Printf("Warning: add_retention_policy failed: %v", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`ALTER TABLE traffic_samples SET (
			timescaledb.compress,
			timescaledb.compress_segmentby = 'device_id, interface')`); err != nil {
		log.Printf("Warning: enabling compression failed: %v", err)
		return true
	}
	if _, err := s.db.ExecContext(ctx,
		`SELECT add_compression_policy('traffic_samples', $1::interval, if_not_exists => TRUE)`,
		pgInterval(compressAfter)); err != nil {
		log.Printf("Warning: add_compression_policy failed: %v", err)
	}
	return true
}

// pgInterval renders a duration as a PostgreSQL interval literal.
func pgInterval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}

// Devices returns all non-disabled devices.
func (s *Store) Devices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, address, username, password FROM devices WHERE NOT disabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.ID, &d.Name, &d.Address, &d.Username, &d.Password); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// MonitoredInterfaces returns all monitor configurations grouped by device.
func (s *Store) MonitoredInterfaces(ctx context.Context) (map[string][]models.MonitoredInterface, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, interface, rx_floor_bps, tx_floor_bps, window_ticks
		 FROM monitored_interfaces ORDER BY device_id, interface`)
	if err != nil {
		return nil, fmt.Errorf("querying monitored interfaces: %w", err)
	}
	defer rows.Close()

	byDevice := make(map[string][]models.MonitoredInterface)
	for rows.Next() {
		var m models.MonitoredInterface
		if err := rows.Scan(&m.DeviceID, &m.Interface, &m.RxFloorBps, &m.TxFloorBps, &m.WindowTicks); err != nil {
			return nil, err
		}
		byDevice[m.DeviceID] = append(byDevice[m.DeviceID], m)
	}
	return byDevice, rows.Err()
}

// isUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation on the named constraint (any constraint when name is empty).
func isUniqueViolation(err error, constraint string) bool {
	pqErr, ok := err.(*pq.Error)
	if !ok {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
