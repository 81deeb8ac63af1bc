// Package supervisor spawns and watches per-user worker processes: health
// polling, bounded restarts, and crash-safe state in a small sqlite file.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/database"
)

// Service status values persisted in the state table.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusFailed   = "failed"
	StatusStopped  = "stopped"
)

const stateSchema = `
CREATE TABLE IF NOT EXISTS worker_state (
    service_name      TEXT PRIMARY KEY,
    user_id           TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL,
    port              INTEGER NOT NULL,
    pid               INTEGER NOT NULL DEFAULT 0,
    started_at        INTEGER NOT NULL DEFAULT 0,
    last_health_check INTEGER NOT NULL DEFAULT 0,
    error_count       INTEGER NOT NULL DEFAULT 0,
    description       TEXT NOT NULL DEFAULT ''
);
`

// ServiceState is one worker's persisted status row.
type ServiceState struct {
	ServiceName     string    `json:"service_name"`
	UserID          string    `json:"user_id"`
	Status          string    `json:"status"`
	Port            int       `json:"port"`
	PID             int       `json:"pid"`
	StartedAt       time.Time `json:"started_at"`
	LastHealthCheck time.Time `json:"last_health_check"`
	ErrorCount      int       `json:"error_count"`
	Description     string    `json:"description"`
}

// StateStore persists worker state across supervisor restarts. State writes
// happen while children are crashing, so every operation goes through the
// retrying store.
type StateStore struct {
	store *database.Store
	log   zerolog.Logger
}

// NewStateStore opens the state table on the given database.
func NewStateStore(db *database.DB, log zerolog.Logger) (*StateStore, error) {
	if _, err := db.Conn().Exec(stateSchema); err != nil {
		return nil, fmt.Errorf("failed to create state schema: %w", err)
	}
	return &StateStore{
		store: database.NewStore(db),
		log:   log.With().Str("component", "supervisor_state").Logger(),
	}, nil
}

// Upsert writes one worker's state row.
func (s *StateStore) Upsert(ctx context.Context, st ServiceState) error {
	_, err := s.store.Execute(ctx, `
		INSERT INTO worker_state (service_name, user_id, status, port, pid, started_at, last_health_check, error_count, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(service_name) DO UPDATE SET
			user_id = excluded.user_id,
			status = excluded.status,
			port = excluded.port,
			pid = excluded.pid,
			started_at = excluded.started_at,
			last_health_check = excluded.last_health_check,
			error_count = excluded.error_count,
			description = excluded.description
	`, st.ServiceName, st.UserID, st.Status, st.Port, st.PID,
		st.StartedAt.Unix(), st.LastHealthCheck.Unix(), st.ErrorCount, st.Description)
	if err != nil {
		return fmt.Errorf("failed to upsert worker state: %w", err)
	}
	return nil
}

// TouchHealth records a successful health probe.
func (s *StateStore) TouchHealth(ctx context.Context, serviceName string) error {
	_, err := s.store.Execute(ctx,
		"UPDATE worker_state SET last_health_check = ? WHERE service_name = ?",
		time.Now().Unix(), serviceName)
	return err
}

// List returns every persisted worker state.
func (s *StateStore) List(ctx context.Context) ([]ServiceState, error) {
	rows, err := s.store.FetchAll(ctx, `
		SELECT service_name, user_id, status, port, pid, started_at, last_health_check, error_count, description
		FROM worker_state ORDER BY service_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list worker state: %w", err)
	}

	out := make([]ServiceState, 0, len(rows))
	for _, row := range rows {
		out = append(out, ServiceState{
			ServiceName:     rowString(row, "service_name"),
			UserID:          rowString(row, "user_id"),
			Status:          rowString(row, "status"),
			Port:            int(rowInt(row, "port")),
			PID:             int(rowInt(row, "pid")),
			StartedAt:       time.Unix(rowInt(row, "started_at"), 0),
			LastHealthCheck: time.Unix(rowInt(row, "last_health_check"), 0),
			ErrorCount:      int(rowInt(row, "error_count")),
			Description:     rowString(row, "description"),
		})
	}
	return out, nil
}

func rowString(row database.Row, col string) string {
	if v, ok := row[col].(string); ok {
		return v
	}
	return ""
}

func rowInt(row database.Row, col string) int64 {
	if v, ok := row[col].(int64); ok {
		return v
	}
	return 0
}
