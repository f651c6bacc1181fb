// Package capture persists operational history to SQLite: one row per
// finished request, one row per fault transition (breaker or blacklist), and
// the encrypted vault blob. It subscribes to the event bus and writes
// asynchronously so the request path never blocks on the database.
package capture

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/modelrelay/modelrelay/internal/events"
)

// Sink owns the database and the bus subscription.
type Sink struct {
	db     *sql.DB
	bus    *events.Bus
	sub    *events.Subscriber
	logger *slog.Logger
	done   chan struct{}
}

// Open creates or opens the capture database at the given DSN.
func Open(dsn string, logger *slog.Logger) (*Sink, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// WAL for concurrent reads; one writer goroutine avoids write contention.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{db: db, logger: logger, done: make(chan struct{})}, nil
}

// Migrate creates the schema.
func (s *Sink) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS request_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			request_id TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			binding_id TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			latency_ms REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_log_ts ON request_log(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_request_log_binding ON request_log(binding_id)`,
		`CREATE TABLE IF NOT EXISTS fault_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			event_type TEXT NOT NULL,
			binding_id TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			old_state TEXT NOT NULL DEFAULT '',
			new_state TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fault_log_ts ON fault_log(timestamp)`,
		`CREATE TABLE IF NOT EXISTS stage_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			request_id TEXT NOT NULL DEFAULT '',
			binding_id TEXT NOT NULL DEFAULT '',
			stage TEXT NOT NULL,
			direction TEXT NOT NULL,
			duration_ms REAL NOT NULL DEFAULT 0,
			ok BOOLEAN NOT NULL DEFAULT 1,
			error_kind TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS vault_blob (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL,
			data TEXT NOT NULL DEFAULT '{}'
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Attach subscribes to the bus and starts the writer goroutine.
func (s *Sink) Attach(bus *events.Bus) {
	s.bus = bus
	s.sub = bus.Subscribe(1024)
	go s.run()
}

func (s *Sink) run() {
	defer close(s.done)
	for {
		select {
		case ev := <-s.sub.C:
			if err := s.record(ev); err != nil {
				s.logger.Warn("capture write failed", "type", string(ev.Type), "error", err)
			}
		case <-s.sub.Done():
			return
		}
	}
}

func (s *Sink) record(ev events.Event) error {
	switch ev.Type {
	case events.EventRelease:
		_, err := s.db.Exec(
			`INSERT INTO request_log (request_id, category, binding_id, model, outcome, latency_ms)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			ev.RequestID, ev.Category, ev.BindingID, ev.Model, ev.Outcome, ev.DurationMs)
		return err
	case events.EventBreakerChange, events.EventBlacklistAdd, events.EventBlacklistClear, events.EventHealthChange:
		_, err := s.db.Exec(
			`INSERT INTO fault_log (event_type, binding_id, model, old_state, new_state, reason)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			string(ev.Type), ev.BindingID, ev.Model, ev.OldState, ev.NewState, ev.Reason)
		return err
	case events.EventStage:
		// Only failures are persisted; successful stage timings go to
		// Prometheus where they aggregate cheaply.
		if ev.OK {
			return nil
		}
		_, err := s.db.Exec(
			`INSERT INTO stage_log (request_id, binding_id, stage, direction, duration_ms, ok, error_kind)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ev.RequestID, ev.BindingID, ev.Stage, ev.Direction, ev.DurationMs, ev.OK, ev.ErrorKind)
		return err
	}
	return nil
}

// SaveVaultBlob persists the encrypted credential store.
func (s *Sink) SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vault_blob (id, salt, data) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET salt = excluded.salt, data = excluded.data`,
		salt, string(blob))
	return err
}

// LoadVaultBlob restores the encrypted credential store.
func (s *Sink) LoadVaultBlob(ctx context.Context) ([]byte, map[string]string, error) {
	var salt []byte
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT salt, data FROM vault_blob WHERE id = 1`).Scan(&salt, &blob)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	data := make(map[string]string)
	if err := json.Unmarshal([]byte(blob), &data); err != nil {
		return nil, nil, err
	}
	return salt, data, nil
}

// RecentRequests returns the newest rows from the request log.
func (s *Sink) RecentRequests(ctx context.Context, limit int) ([]RequestRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, request_id, category, binding_id, model, outcome, latency_ms
		 FROM request_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []RequestRow
	for rows.Next() {
		var r RequestRow
		if err := rows.Scan(&r.Timestamp, &r.RequestID, &r.Category, &r.BindingID, &r.Model, &r.Outcome, &r.LatencyMs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RequestRow is one persisted request record.
type RequestRow struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
	Category  string    `json:"category"`
	BindingID string    `json:"binding_id"`
	Model     string    `json:"model"`
	Outcome   string    `json:"outcome"`
	LatencyMs float64   `json:"latency_ms"`
}

// Close unsubscribes, drains the writer, and closes the database.
func (s *Sink) Close() error {
	if s.bus != nil {
		s.bus.Unsubscribe(s.sub)
		<-s.done
	}
	return s.db.Close()
}
